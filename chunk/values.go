package chunk

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// The execution core supports the scalar types the analytical engine reads
// from segments. Nested and dictionary types never reach a merge pipeline.

func newBuilder(mem memory.Allocator, dt arrow.DataType) (array.Builder, error) {
	switch dt.ID() {
	case arrow.INT64:
		return array.NewInt64Builder(mem), nil
	case arrow.UINT64:
		return array.NewUint64Builder(mem), nil
	case arrow.FLOAT64:
		return array.NewFloat64Builder(mem), nil
	case arrow.STRING:
		return array.NewStringBuilder(mem), nil
	case arrow.BOOL:
		return array.NewBooleanBuilder(mem), nil
	default:
		return nil, errors.Errorf("chunk: unsupported column type %s", dt)
	}
}

func emptyArray(dt arrow.DataType) arrow.Array {
	b, err := newBuilder(memory.DefaultAllocator, dt)
	if err != nil {
		// Callers validate types when schemas are built; an empty array for
		// an unsupported type is unreachable from the public surface.
		panic(err)
	}
	defer b.Release()
	return b.NewArray()
}

// appendValue copies row i of col into b. The builder must have been created
// for the column's type.
func appendValue(b array.Builder, col arrow.Array, i int) error {
	if col.IsNull(i) {
		b.AppendNull()
		return nil
	}
	switch c := col.(type) {
	case *array.Int64:
		b.(*array.Int64Builder).Append(c.Value(i))
	case *array.Uint64:
		b.(*array.Uint64Builder).Append(c.Value(i))
	case *array.Float64:
		b.(*array.Float64Builder).Append(c.Value(i))
	case *array.String:
		b.(*array.StringBuilder).Append(c.Value(i))
	case *array.Boolean:
		b.(*array.BooleanBuilder).Append(c.Value(i))
	default:
		return errors.Errorf("chunk: unsupported column type %s", col.DataType())
	}
	return nil
}

func gatherArray(col arrow.Array, indices []int) (arrow.Array, error) {
	b, err := newBuilder(memory.DefaultAllocator, col.DataType())
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= col.Len() {
			return nil, errors.Errorf("chunk: gather index %d out of range [0,%d)", idx, col.Len())
		}
		if err := appendValue(b, col, idx); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}

// NewUint64Column builds a non-null uint64 column from vals.
func NewUint64Column(vals []uint64) arrow.Array {
	b := array.NewUint64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

// Uint64Values copies out the values of a uint64 column. Null entries are
// reported through the second return value, indexed by row.
func Uint64Values(col arrow.Array) ([]uint64, []bool, error) {
	c, ok := col.(*array.Uint64)
	if !ok {
		return nil, nil, errors.Errorf("chunk: column type %s, want uint64", col.DataType())
	}
	vals := make([]uint64, c.Len())
	valid := make([]bool, c.Len())
	for i := 0; i < c.Len(); i++ {
		valid[i] = c.IsValid(i)
		if valid[i] {
			vals[i] = c.Value(i)
		}
	}
	return vals, valid, nil
}

// NewConstColumn builds a column of n copies of the field's zero value, or of
// the supplied default when non-nil. Used by the column fill stages.
func NewConstColumn(f Field, def interface{}, n int) (arrow.Array, error) {
	b, err := newBuilder(memory.DefaultAllocator, f.Type)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		if def == nil {
			appendZero(b)
			continue
		}
		if err := appendConst(b, f, def); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}

func appendZero(b array.Builder) {
	switch tb := b.(type) {
	case *array.Int64Builder:
		tb.Append(0)
	case *array.Uint64Builder:
		tb.Append(0)
	case *array.Float64Builder:
		tb.Append(0)
	case *array.StringBuilder:
		tb.Append("")
	case *array.BooleanBuilder:
		tb.Append(false)
	}
}

func appendConst(b array.Builder, f Field, def interface{}) error {
	switch tb := b.(type) {
	case *array.Int64Builder:
		v, ok := def.(int64)
		if !ok {
			return errors.Errorf("chunk: default for %q is %T, want int64", f.Name, def)
		}
		tb.Append(v)
	case *array.Uint64Builder:
		v, ok := def.(uint64)
		if !ok {
			return errors.Errorf("chunk: default for %q is %T, want uint64", f.Name, def)
		}
		tb.Append(v)
	case *array.Float64Builder:
		v, ok := def.(float64)
		if !ok {
			return errors.Errorf("chunk: default for %q is %T, want float64", f.Name, def)
		}
		tb.Append(v)
	case *array.StringBuilder:
		v, ok := def.(string)
		if !ok {
			return errors.Errorf("chunk: default for %q is %T, want string", f.Name, def)
		}
		tb.Append(v)
	case *array.BooleanBuilder:
		v, ok := def.(bool)
		if !ok {
			return errors.Errorf("chunk: default for %q is %T, want bool", f.Name, def)
		}
		tb.Append(v)
	default:
		return errors.Errorf("chunk: unsupported column type %s", f.Type)
	}
	return nil
}

// ValueString renders row i of col for stats and error messages.
func ValueString(col arrow.Array, i int) string {
	if col.IsNull(i) {
		return "null"
	}
	return col.ValueStr(i)
}

// Less compares row i of a against row j of b for ordering by a clustering
// key column. Nulls order first.
func Less(a arrow.Array, i int, b arrow.Array, j int) (bool, error) {
	if a.IsNull(i) {
		return !b.IsNull(j), nil
	}
	if b.IsNull(j) {
		return false, nil
	}
	switch av := a.(type) {
	case *array.Int64:
		return av.Value(i) < b.(*array.Int64).Value(j), nil
	case *array.Uint64:
		return av.Value(i) < b.(*array.Uint64).Value(j), nil
	case *array.Float64:
		return av.Value(i) < b.(*array.Float64).Value(j), nil
	case *array.String:
		return av.Value(i) < b.(*array.String).Value(j), nil
	case *array.Boolean:
		return !av.Value(i) && b.(*array.Boolean).Value(j), nil
	default:
		return false, errors.Errorf("chunk: unsupported column type %s", a.DataType())
	}
}
