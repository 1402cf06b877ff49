// Package catalog holds the table metadata the execution core consumes:
// physical schemas, column defaults, and computed column definitions.
package catalog

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/chunk"
)

// ComputeFn derives a generated column from the columns already present in
// a chunk.
type ComputeFn func(*chunk.Chunk) (arrow.Array, error)

// Column describes one table column. Default supplies the fill value for
// rows that do not provide the column; nil means the type's zero value.
// A non-nil Compute marks the column as computed.
type Column struct {
	Field   chunk.Field
	Default interface{}
	Compute ComputeFn
}

// Table is the catalog entry for one target table.
type Table struct {
	name       string
	columns    []Column
	clusterKey []string
}

// NewTable returns a catalog entry. clusterKey names the clustering key
// columns, outermost first; it may be empty.
func NewTable(name string, columns []Column, clusterKey []string) (*Table, error) {
	t := &Table{name: name, columns: columns, clusterKey: clusterKey}
	for _, key := range clusterKey {
		if t.Column(key) == nil {
			return nil, errors.Errorf("catalog: cluster key column %q not in table %q", key, name)
		}
	}
	return t, nil
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.columns {
		if t.columns[i].Field.Name == name {
			return &t.columns[i]
		}
	}
	return nil
}

// Columns returns all columns in schema order.
func (t *Table) Columns() []Column { return t.columns }

// ClusterKey returns the clustering key column names.
func (t *Table) ClusterKey() []string { return t.clusterKey }

// Schema returns the full physical schema, computed columns included.
func (t *Table) Schema() *chunk.Schema {
	fields := make([]chunk.Field, 0, len(t.columns))
	for _, c := range t.columns {
		fields = append(fields, c.Field)
	}
	return chunk.NewSchema(fields...)
}

// DefaultSchema returns the schema with computed columns removed. The
// default column fill stage completes incoming chunks to this schema.
func (t *Table) DefaultSchema() *chunk.Schema {
	fields := make([]chunk.Field, 0, len(t.columns))
	for _, c := range t.columns {
		if c.Compute == nil {
			fields = append(fields, c.Field)
		}
	}
	return chunk.NewSchema(fields...)
}

// ComputedSchema returns the schema after computed columns are filled.
// When it equals DefaultSchema the computed fill stage is skipped.
func (t *Table) ComputedSchema() *chunk.Schema {
	return t.Schema()
}
