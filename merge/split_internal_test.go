package merge

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/catalog"
	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

func internalMeta(t *testing.T) *catalog.Table {
	t.Helper()
	meta, err := catalog.NewTable("metrics", []catalog.Column{
		{Field: chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64}},
		{Field: chunk.Field{Name: "name", Type: arrow.BinaryTypes.String}, Default: "n/a"},
	}, []string{"id"})
	require.NoError(t, err)
	return meta
}

func buildChunk(t *testing.T, s *chunk.Schema, rows ...[]interface{}) *chunk.Chunk {
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

func TestClauseSelectionFirstMatchWins(t *testing.T) {
	s := chunk.NewSchema(chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64})
	c := buildChunk(t, s,
		[]interface{}{uint64(1)},
		[]interface{}{uint64(2)},
		[]interface{}{uint64(3)},
	)

	even := func(c *chunk.Chunk) ([]bool, error) {
		vals, _, err := chunk.Uint64Values(c.Col(0))
		if err != nil {
			return nil, err
		}
		out := make([]bool, len(vals))
		for i, v := range vals {
			out[i] = v%2 == 0
		}
		return out, nil
	}

	remaining := []bool{true, true, true}
	sel := make([]bool, 3)

	require.NoError(t, clauseSelection(c, even, remaining, sel))
	require.Equal(t, []bool{false, true, false}, sel)
	for i := range sel {
		if sel[i] {
			remaining[i] = false
		}
	}

	// A nil condition takes whatever the earlier clauses left.
	require.NoError(t, clauseSelection(c, nil, remaining, sel))
	require.Equal(t, []bool{true, false, true}, sel)

	short := func(*chunk.Chunk) ([]bool, error) { return []bool{true}, nil }
	require.Error(t, clauseSelection(c, short, remaining, sel))
}

func TestProjectMapped(t *testing.T) {
	s := chunk.NewSchema(
		chunk.Field{Name: "a", Type: arrow.PrimitiveTypes.Uint64},
		chunk.Field{Name: "b", Type: arrow.BinaryTypes.String},
	)
	c := buildChunk(t, s, []interface{}{uint64(7), "x"})

	out, err := projectMapped(c, map[string]int{"name": 1, "id": 0})
	require.NoError(t, err)
	require.Equal(t, "id", out.Schema().Field(0).Name, "target names sort the columns")
	require.Equal(t, "name", out.Schema().Field(1).Name)
	require.Equal(t, "7", chunk.ValueString(out.Col(0), 0))
	require.Equal(t, "x", chunk.ValueString(out.Col(1), 0))

	_, err = projectMapped(c, map[string]int{"id": 5})
	require.Error(t, err)
}

func TestFillDefault(t *testing.T) {
	meta := internalMeta(t)
	s := &fillDefault{table: meta}
	target := meta.DefaultSchema()

	partial := buildChunk(t,
		chunk.NewSchema(chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64}),
		[]interface{}{uint64(1)},
		[]interface{}{uint64(2)},
	)
	filled, err := s.fill(partial, target)
	require.NoError(t, err)
	require.True(t, filled.Schema().Equal(target))
	require.Equal(t, "n/a", chunk.ValueString(filled.Col(1), 0))

	// Complete chunks pass through untouched.
	again, err := s.fill(filled, target)
	require.NoError(t, err)
	require.Same(t, filled, again)

	stray := buildChunk(t,
		chunk.NewSchema(chunk.Field{Name: "other", Type: arrow.PrimitiveTypes.Uint64}),
		[]interface{}{uint64(1)},
	)
	_, err = s.fill(stray, target)
	require.Error(t, err)
}

func TestFillComputed(t *testing.T) {
	double := func(c *chunk.Chunk) (arrow.Array, error) {
		vals, _, err := chunk.Uint64Values(c.Col(0))
		if err != nil {
			return nil, err
		}
		out := make([]uint64, len(vals))
		for i, v := range vals {
			out[i] = v * 2
		}
		return chunk.NewUint64Column(out), nil
	}
	meta, err := catalog.NewTable("metrics", []catalog.Column{
		{Field: chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64}},
		{Field: chunk.Field{Name: "id2", Type: arrow.PrimitiveTypes.Uint64}, Compute: double},
	}, nil)
	require.NoError(t, err)

	in := pipeline.NewPort(pipeline.RoleData)
	it := newFillComputedItem(in, meta)

	go func() {
		_ = in.Send(context.Background(), buildChunk(t, meta.DefaultSchema(),
			[]interface{}{uint64(3)},
			[]interface{}{uint64(5)},
		))
		in.Close()
	}()
	require.NoError(t, it.Proc.Run(context.Background()))

	c, ok, err := it.Outputs[0].Recv(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, c.Schema().Equal(meta.Schema()))

	vals, _, err := chunk.Uint64Values(c.Col(1))
	require.NoError(t, err)
	require.Equal(t, []uint64{6, 10}, vals)
}

func TestCollectDistinctRowNumbers(t *testing.T) {
	in := pipeline.NewPort(pipeline.RoleRowNumber)
	out := pipeline.NewPort(pipeline.RoleRowNumber)

	mk := func(nums ...uint64) *chunk.Chunk {
		c, err := chunk.New(rowNumberSchema, []arrow.Array{chunk.NewUint64Column(nums)})
		require.NoError(t, err)
		return c.WithKind(chunk.KindRowNumber)
	}

	go func() {
		ctx := context.Background()
		_ = in.Send(ctx, mk(3, 1, 3))
		_ = in.Send(ctx, mk(2, 1))
		in.Close()
	}()

	require.NoError(t, collectDistinctRowNumbers(context.Background(), in, out))
	out.Close()

	c, ok, err := out.Recv(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	nums, _, err := chunk.Uint64Values(c.Col(0))
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 1, 2}, nums, "first seen wins, in arrival order")
	require.Equal(t, chunk.KindRowNumber, c.Kind())
}

func TestAddRowNumberOverflow(t *testing.T) {
	in := pipeline.NewPort(pipeline.RoleData)
	counter := new(atomic.Uint64)
	counter.Store(maxRowNumber - 1)

	it := newAddRowNumberItem(in, 1, counter)

	s := chunk.NewSchema(chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64})
	go func() {
		ctx := context.Background()
		_ = in.Send(ctx, buildChunk(t, s,
			[]interface{}{uint64(1)},
			[]interface{}{uint64(2)},
		))
		in.Close()
	}()

	err := it.Proc.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "row number counter")
}

func TestRowNumberAndLogSplitRejectsData(t *testing.T) {
	in := pipeline.NewPort(pipeline.RoleMixed)
	it := newRowNumberAndLogSplitItem(in)

	s := chunk.NewSchema(chunk.Field{Name: "id", Type: arrow.PrimitiveTypes.Uint64})
	go func() {
		_ = in.Send(context.Background(), buildChunk(t, s, []interface{}{uint64(1)}))
		in.Close()
	}()

	err := it.Proc.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "mixed stream")
}

func TestVariantPaths(t *testing.T) {
	step, needMatch, needUnmatch := FullOperation.paths()
	require.Equal(t, 2, step)
	require.True(t, needMatch)
	require.True(t, needUnmatch)

	step, needMatch, needUnmatch = InsertOnly.paths()
	require.Equal(t, 1, step)
	require.False(t, needMatch)
	require.True(t, needUnmatch)

	step, needMatch, needUnmatch = MatchedOnly.paths()
	require.Equal(t, 1, step)
	require.True(t, needMatch)
	require.False(t, needUnmatch)
}
