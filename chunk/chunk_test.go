package chunk_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/chunk"
)

func testSchema() *chunk.Schema {
	return chunk.NewSchema(
		chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64},
		chunk.Field{Name: "name", Type: arrow.BinaryTypes.String},
		chunk.Field{Name: "score", Type: arrow.PrimitiveTypes.Float64},
	)
}

func mustChunk(t *testing.T, s *chunk.Schema, rows ...[]interface{}) *chunk.Chunk {
	t.Helper()
	b, err := chunk.NewBuilder(s)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, b.AppendRow(row...))
	}
	c, err := b.NewChunk()
	require.NoError(t, err)
	return c
}

func rowStrings(c *chunk.Chunk) [][]string {
	out := make([][]string, c.Rows())
	for i := range out {
		row := make([]string, c.Schema().Len())
		for j := range row {
			row[j] = chunk.ValueString(c.Col(j), i)
		}
		out[i] = row
	}
	return out
}

func TestEmpty(t *testing.T) {
	c := chunk.Empty(testSchema())
	require.Equal(t, 0, c.Rows())
	require.True(t, c.Schema().Equal(testSchema()))
	for i := 0; i < c.Schema().Len(); i++ {
		require.Equal(t, 0, c.Col(i).Len())
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	c := mustChunk(t, testSchema(),
		[]interface{}{uint64(1), "a", 1.5},
		[]interface{}{uint64(2), nil, 2.5},
		[]interface{}{uint64(3), "c", nil},
	)
	require.Equal(t, 3, c.Rows())
	require.Equal(t, chunk.KindData, c.Kind())

	want := [][]string{
		{"1", "a", "1.5"},
		{"2", "null", "2.5"},
		{"3", "c", "null"},
	}
	if diff := cmp.Diff(want, rowStrings(c)); diff != "" {
		t.Fatalf("unexpected rows (-want +got):\n%s", diff)
	}
}

func TestBuilderRejectsWrongArity(t *testing.T) {
	b, err := chunk.NewBuilder(testSchema())
	require.NoError(t, err)
	require.Error(t, b.AppendRow(uint64(1), "a"))
	require.Error(t, b.AppendRow("1", "a", 1.5))
}

func TestNewValidatesColumns(t *testing.T) {
	s := testSchema()
	_, err := chunk.New(s, []arrow.Array{chunk.NewUint64Column([]uint64{1})})
	require.Error(t, err)

	_, err = chunk.New(
		chunk.NewSchema(
			chunk.Field{Name: "a", Type: arrow.PrimitiveTypes.Uint64},
			chunk.Field{Name: "b", Type: arrow.PrimitiveTypes.Uint64},
		),
		[]arrow.Array{
			chunk.NewUint64Column([]uint64{1, 2}),
			chunk.NewUint64Column([]uint64{1}),
		},
	)
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	c := mustChunk(t, testSchema(),
		[]interface{}{uint64(1), "a", 1.0},
		[]interface{}{uint64(2), "b", 2.0},
		[]interface{}{uint64(3), "c", 3.0},
	)

	sub, err := c.Filter([]bool{true, false, true})
	require.NoError(t, err)
	require.Equal(t, 2, sub.Rows())
	want := [][]string{{"1", "a", "1"}, {"3", "c", "3"}}
	if diff := cmp.Diff(want, rowStrings(sub)); diff != "" {
		t.Fatalf("unexpected rows (-want +got):\n%s", diff)
	}

	_, err = c.Filter([]bool{true})
	require.Error(t, err)
}

func TestGather(t *testing.T) {
	c := mustChunk(t, testSchema(),
		[]interface{}{uint64(1), "a", 1.0},
		[]interface{}{uint64(2), "b", 2.0},
		[]interface{}{uint64(3), "c", 3.0},
	)

	re, err := c.Gather([]int{2, 0, 1})
	require.NoError(t, err)
	want := [][]string{{"3", "c", "3"}, {"1", "a", "1"}, {"2", "b", "2"}}
	if diff := cmp.Diff(want, rowStrings(re)); diff != "" {
		t.Fatalf("unexpected rows (-want +got):\n%s", diff)
	}

	_, err = c.Gather([]int{3})
	require.Error(t, err)
}

func TestProject(t *testing.T) {
	c := mustChunk(t, testSchema(),
		[]interface{}{uint64(1), "a", 1.0},
		[]interface{}{uint64(2), "b", 2.0},
	)

	sub, err := c.Project([]int{2, 0})
	require.NoError(t, err)
	require.Equal(t, 2, sub.Schema().Len())
	require.Equal(t, "score", sub.Schema().Field(0).Name)
	require.Equal(t, "id", sub.Schema().Field(1).Name)
	require.Equal(t, 2, sub.Rows())

	_, err = c.Project([]int{5})
	require.Error(t, err)
}

func TestWithColumnAndKind(t *testing.T) {
	c := mustChunk(t, testSchema(),
		[]interface{}{uint64(1), "a", 1.0},
		[]interface{}{uint64(2), "b", 2.0},
	)

	f := chunk.Field{Name: chunk.RowNumberColumn, Type: arrow.PrimitiveTypes.Uint64}
	tagged, err := c.WithColumn(f, chunk.NewUint64Column([]uint64{10, 11}))
	require.NoError(t, err)
	require.Equal(t, 4, tagged.Schema().Len())
	require.Equal(t, chunk.RowNumberColumn, tagged.Schema().Field(3).Name)

	_, err = c.WithColumn(f, chunk.NewUint64Column([]uint64{10}))
	require.Error(t, err)

	rn := tagged.WithKind(chunk.KindRowNumber)
	require.Equal(t, chunk.KindRowNumber, rn.Kind())
	require.Equal(t, chunk.KindData, tagged.Kind())
}

func TestSchemaOps(t *testing.T) {
	s := testSchema()
	require.Equal(t, 1, s.Index("name"))
	require.Equal(t, -1, s.Index("missing"))
	require.True(t, s.Equal(testSchema()))
	require.False(t, s.Equal(s.Select([]int{0, 1})))

	appended := s.Append(chunk.Field{Name: "extra", Type: arrow.PrimitiveTypes.Int64})
	require.Equal(t, 4, appended.Len())
	require.Equal(t, 3, s.Len())
}

func TestNewConstColumn(t *testing.T) {
	f := chunk.Field{Name: "name", Type: arrow.BinaryTypes.String}

	col, err := chunk.NewConstColumn(f, "n/a", 3)
	require.NoError(t, err)
	require.Equal(t, 3, col.Len())
	require.Equal(t, "n/a", chunk.ValueString(col, 2))

	col, err = chunk.NewConstColumn(f, nil, 2)
	require.NoError(t, err)
	require.Equal(t, "", chunk.ValueString(col, 0))

	_, err = chunk.NewConstColumn(f, int64(7), 1)
	require.Error(t, err)
}

func TestUint64Values(t *testing.T) {
	b, err := chunk.NewBuilder(chunk.NewSchema(chunk.Field{Name: "v", Type: arrow.PrimitiveTypes.Uint64}))
	require.NoError(t, err)
	require.NoError(t, b.AppendRow(uint64(7)))
	require.NoError(t, b.AppendRow(nil))
	c, err := b.NewChunk()
	require.NoError(t, err)

	vals, valid, err := chunk.Uint64Values(c.Col(0))
	require.NoError(t, err)
	require.Equal(t, []uint64{7, 0}, vals)
	require.Equal(t, []bool{true, false}, valid)

	str := mustChunk(t, chunk.NewSchema(chunk.Field{Name: "s", Type: arrow.BinaryTypes.String}), []interface{}{"x"})
	_, _, err = chunk.Uint64Values(str.Col(0))
	require.Error(t, err)
}

func TestLessNullsFirst(t *testing.T) {
	b, err := chunk.NewBuilder(chunk.NewSchema(chunk.Field{Name: "v", Type: arrow.PrimitiveTypes.Int64}))
	require.NoError(t, err)
	require.NoError(t, b.AppendRow(nil))
	require.NoError(t, b.AppendRow(int64(1)))
	require.NoError(t, b.AppendRow(int64(2)))
	c, err := b.NewChunk()
	require.NoError(t, err)
	col := c.Col(0)

	less, err := chunk.Less(col, 0, col, 1)
	require.NoError(t, err)
	require.True(t, less)

	less, err = chunk.Less(col, 1, col, 0)
	require.NoError(t, err)
	require.False(t, less)

	less, err = chunk.Less(col, 1, col, 2)
	require.NoError(t, err)
	require.True(t, less)
}
