package chunk

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Well-known column names attached by the execution core. RowIDColumn
// correlates a matched row with its origin in target-table storage.
// RowNumberColumn correlates an unmatched candidate row across distributed
// duplication.
const (
	RowIDColumn     = "_row_id"
	RowNumberColumn = "_row_number"
)

// Field describes a single column: a name and its declared arrow type.
type Field struct {
	Name string
	Type arrow.DataType
}

// Schema is an ordered list of fields shared by every chunk of a stream.
type Schema struct {
	fields []Field
}

// NewSchema returns a schema over the given fields.
func NewSchema(fields ...Field) *Schema {
	return &Schema{fields: fields}
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	fields := make([]Field, len(s.fields))
	copy(fields, s.fields)
	return fields
}

// Index returns the position of the named field, or -1 if it is absent.
func (s *Schema) Index(name string) int {
	for i := range s.fields {
		if s.fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether both schemas have the same fields in the same order.
func (s *Schema) Equal(other *Schema) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil || len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i].Name != other.fields[i].Name ||
			!arrow.TypeEqual(s.fields[i].Type, other.fields[i].Type) {
			return false
		}
	}
	return true
}

// Select returns a schema holding the fields at the given positions.
func (s *Schema) Select(indices []int) *Schema {
	fields := make([]Field, 0, len(indices))
	for _, idx := range indices {
		fields = append(fields, s.fields[idx])
	}
	return NewSchema(fields...)
}

// Append returns a new schema with f appended.
func (s *Schema) Append(f Field) *Schema {
	fields := make([]Field, 0, len(s.fields)+1)
	fields = append(fields, s.fields...)
	fields = append(fields, f)
	return NewSchema(fields...)
}

// String returns a compact human readable form, used in error messages.
func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, f := range s.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte(' ')
		sb.WriteString(f.Type.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
