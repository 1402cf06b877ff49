package chunk

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

// Builder assembles a chunk row by row.
type Builder struct {
	schema   *Schema
	builders []array.Builder
	rows     int
}

// NewBuilder returns a builder for the schema.
func NewBuilder(schema *Schema) (*Builder, error) {
	builders := make([]array.Builder, schema.Len())
	for i := range builders {
		b, err := newBuilder(memory.DefaultAllocator, schema.Field(i).Type)
		if err != nil {
			return nil, err
		}
		builders[i] = b
	}
	return &Builder{schema: schema, builders: builders}, nil
}

// AppendRow appends one row. A nil value appends a null. The value count
// must match the schema.
func (b *Builder) AppendRow(vals ...interface{}) error {
	if len(vals) != b.schema.Len() {
		return errors.Errorf("chunk: %d values for schema %s", len(vals), b.schema)
	}
	for i, v := range vals {
		if v == nil {
			b.builders[i].AppendNull()
			continue
		}
		if err := appendConst(b.builders[i], b.schema.Field(i), v); err != nil {
			return err
		}
	}
	b.rows++
	return nil
}

// AppendChunkRow copies row i of c, which must share the builder's schema.
func (b *Builder) AppendChunkRow(c *Chunk, i int) error {
	if c.Schema().Len() != b.schema.Len() {
		return errors.Errorf("chunk: append row from schema %s into %s", c.Schema(), b.schema)
	}
	for col := 0; col < b.schema.Len(); col++ {
		if err := appendValue(b.builders[col], c.Col(col), i); err != nil {
			return err
		}
	}
	b.rows++
	return nil
}

// Rows returns the number of rows appended since the last NewChunk.
func (b *Builder) Rows() int { return b.rows }

// NewChunk finishes the pending rows into a chunk and resets the builder.
func (b *Builder) NewChunk() (*Chunk, error) {
	cols := make([]arrow.Array, len(b.builders))
	for i, ab := range b.builders {
		cols[i] = ab.NewArray()
	}
	b.rows = 0
	return New(b.schema, cols)
}
