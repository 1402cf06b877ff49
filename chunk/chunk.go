// Package chunk implements the immutable columnar batch moved between
// pipeline stages. A chunk is an ordered list of arrow arrays sharing one
// row count, plus a kind tag used to route mixed streams.
package chunk

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
)

// Kind tags what a chunk carries so that stages consuming mixed streams can
// route on content rather than arrival order.
type Kind uint8

const (
	// KindData is ordinary table data.
	KindData Kind = iota
	// KindRowNumber is a single-column batch of row numbers.
	KindRowNumber
	// KindMutationLog is an encoded batch of mutation log records.
	KindMutationLog
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindRowNumber:
		return "row_number"
	case KindMutationLog:
		return "mutation_log"
	default:
		return "unknown"
	}
}

// Chunk is an immutable columnar batch. All columns share the same length.
type Chunk struct {
	schema *Schema
	cols   []arrow.Array
	rows   int
	kind   Kind
}

// New builds a chunk over the given columns, validating that the column
// count matches the schema and that all columns share one length.
func New(schema *Schema, cols []arrow.Array) (*Chunk, error) {
	if len(cols) != schema.Len() {
		return nil, errors.Errorf("chunk: %d columns for schema %s", len(cols), schema)
	}
	rows := 0
	for i, col := range cols {
		if i == 0 {
			rows = col.Len()
		} else if col.Len() != rows {
			return nil, errors.Errorf("chunk: column %q has %d rows, want %d",
				schema.Field(i).Name, col.Len(), rows)
		}
	}
	return &Chunk{schema: schema, cols: cols, rows: rows}, nil
}

// Empty returns a zero-row chunk for the schema.
func Empty(schema *Schema) *Chunk {
	cols := make([]arrow.Array, schema.Len())
	for i := range cols {
		cols[i] = emptyArray(schema.Field(i).Type)
	}
	c, _ := New(schema, cols)
	return c
}

// Schema returns the chunk schema.
func (c *Chunk) Schema() *Schema { return c.schema }

// Rows returns the shared row count.
func (c *Chunk) Rows() int { return c.rows }

// Col returns the i-th column.
func (c *Chunk) Col(i int) arrow.Array { return c.cols[i] }

// Kind returns the routing tag.
func (c *Chunk) Kind() Kind { return c.kind }

// WithKind returns a shallow copy of the chunk carrying the given tag.
func (c *Chunk) WithKind(kind Kind) *Chunk {
	dup := *c
	dup.kind = kind
	return &dup
}

// Project returns a chunk holding only the columns at the given positions.
func (c *Chunk) Project(indices []int) (*Chunk, error) {
	cols := make([]arrow.Array, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(c.cols) {
			return nil, errors.Errorf("chunk: project index %d out of range [0,%d)", idx, len(c.cols))
		}
		cols = append(cols, c.cols[idx])
	}
	out, err := New(c.schema.Select(indices), cols)
	if err != nil {
		return nil, err
	}
	out.kind = c.kind
	return out, nil
}

// Filter returns a chunk holding the rows for which mask is true.
func (c *Chunk) Filter(mask []bool) (*Chunk, error) {
	if len(mask) != c.rows {
		return nil, errors.Errorf("chunk: mask length %d for %d rows", len(mask), c.rows)
	}
	indices := make([]int, 0, c.rows)
	for i, keep := range mask {
		if keep {
			indices = append(indices, i)
		}
	}
	return c.Gather(indices)
}

// Gather returns a chunk holding the rows at the given positions, in the
// given order. Positions may repeat.
func (c *Chunk) Gather(indices []int) (*Chunk, error) {
	cols := make([]arrow.Array, len(c.cols))
	for i, col := range c.cols {
		gathered, err := gatherArray(col, indices)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", c.schema.Field(i).Name)
		}
		cols[i] = gathered
	}
	out, err := New(c.schema, cols)
	if err != nil {
		return nil, err
	}
	out.kind = c.kind
	return out, nil
}

// WithColumn returns a chunk with the column appended.
func (c *Chunk) WithColumn(f Field, col arrow.Array) (*Chunk, error) {
	if col.Len() != c.rows && !(c.schema.Len() == 0 && c.rows == 0) {
		return nil, errors.Errorf("chunk: appended column %q has %d rows, want %d", f.Name, col.Len(), c.rows)
	}
	cols := make([]arrow.Array, 0, len(c.cols)+1)
	cols = append(cols, c.cols...)
	cols = append(cols, col)
	out, err := New(c.schema.Append(f), cols)
	if err != nil {
		return nil, err
	}
	out.kind = c.kind
	return out, nil
}
