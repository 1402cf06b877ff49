package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

var u64Schema = chunk.NewSchema(chunk.Field{Name: "v", Type: arrow.PrimitiveTypes.Uint64})

func u64Chunk(t *testing.T, vals ...uint64) *chunk.Chunk {
	t.Helper()
	c, err := chunk.New(u64Schema, []arrow.Array{chunk.NewUint64Column(vals)})
	require.NoError(t, err)
	return c
}

func totalRows(chunks []*chunk.Chunk) int {
	rows := 0
	for _, c := range chunks {
		rows += c.Rows()
	}
	return rows
}

func TestDummyPassthrough(t *testing.T) {
	in := []*chunk.Chunk{
		u64Chunk(t, 1, 2),
		u64Chunk(t, 3),
		u64Chunk(t, 4, 5, 6),
	}

	p := pipeline.New()
	require.NoError(t, p.AddSource(pipeline.RoleData, in))
	require.NoError(t, p.AddTransform(func(port *pipeline.Port) (pipeline.Item, error) {
		return pipeline.DummyItem(port), nil
	}))

	res, err := pipeline.NewExecutor(nil).Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0], len(in))
	for i, c := range res[0] {
		require.Same(t, in[i], c)
	}
}

func TestResizeConservesRows(t *testing.T) {
	lanes := [][]*chunk.Chunk{
		{u64Chunk(t, 1), u64Chunk(t, 2, 3)},
		{u64Chunk(t, 4, 5, 6)},
		{u64Chunk(t, 7)},
		{u64Chunk(t, 8, 9), u64Chunk(t, 10)},
	}

	p := pipeline.New()
	require.NoError(t, p.AddSource(pipeline.RoleData, lanes...))
	require.NoError(t, p.Resize(1))
	require.Equal(t, 1, p.OutputLen())

	res, err := pipeline.NewExecutor(nil).Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, 10, totalRows(res[0]))
}

func TestResizeValidation(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddSource(pipeline.RoleData, nil, nil))

	require.Error(t, p.Resize(0))
	require.Error(t, p.Resize(3))
	require.NoError(t, p.Resize(2)) // no-op
	require.Equal(t, 2, p.OutputLen())
}

func TestResizePartialValidation(t *testing.T) {
	newMixed := func() *pipeline.Pipeline {
		p := pipeline.New()
		require.NoError(t, p.AddPipe(pipeline.NewPipe(
			pipeline.SourceItem(pipeline.RoleRowID),
			pipeline.SourceItem(pipeline.RoleData),
		)))
		return p
	}

	require.Error(t, newMixed().ResizePartial([][]int{{0, 1}}), "mixed roles must not merge")
	require.Error(t, newMixed().ResizePartial([][]int{{0}}), "uncovered port")
	require.Error(t, newMixed().ResizePartial([][]int{{0}, {0}, {1}}), "duplicated port")
	require.Error(t, newMixed().ResizePartial([][]int{{0}, {1}, {}}), "empty group")
	require.NoError(t, newMixed().ResizePartial([][]int{{1}, {0}}))
}

func TestReorder(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddPipe(pipeline.NewPipe(
		pipeline.SourceItem(pipeline.RoleRowID),
		pipeline.SourceItem(pipeline.RoleData),
		pipeline.SourceItem(pipeline.RoleRowNumber),
	)))

	require.Error(t, p.Reorder([]int{0, 1}))
	require.Error(t, p.Reorder([]int{0, 0, 1}))
	require.Error(t, p.Reorder([]int{0, 1, 3}))

	// Port i moves to position perm[i].
	require.NoError(t, p.Reorder([]int{2, 0, 1}))
	require.Equal(t, []pipeline.Role{
		pipeline.RoleData,
		pipeline.RoleRowNumber,
		pipeline.RoleRowID,
	}, p.Layout())
}

func TestAddPipeValidation(t *testing.T) {
	p := pipeline.New()
	require.Error(t, p.AddPipe(pipeline.NewPipe(pipeline.DummyItem(pipeline.NewPort(pipeline.RoleData)))),
		"first pipe must be a source")

	require.NoError(t, p.AddSource(pipeline.RoleData, nil, nil))
	require.Error(t, p.AddPipe(pipeline.NewPipe(pipeline.DummyItem(p.Outputs()[0]))),
		"pipe must consume every port")

	foreign := pipeline.NewPort(pipeline.RoleData)
	require.Error(t, p.AddPipe(pipeline.NewPipe(
		pipeline.DummyItem(p.Outputs()[0]),
		pipeline.DummyItem(foreign),
	)))

	outs := p.Outputs()
	require.Error(t, p.AddPipe(pipeline.NewPipe(
		pipeline.DummyItem(outs[0]),
		pipeline.DummyItem(outs[0]),
	)))
}

type explode struct {
	in *pipeline.Port
}

func (e *explode) Name() string { return "explode" }

func (e *explode) Run(ctx context.Context) error {
	if _, _, err := e.in.Recv(ctx); err != nil {
		return err
	}
	return errors.New("kaboom")
}

func TestStageErrorTearsDownPipeline(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddSource(pipeline.RoleData, []*chunk.Chunk{
		u64Chunk(t, 1), u64Chunk(t, 2), u64Chunk(t, 3),
	}))
	in := p.Outputs()[0]
	e := &explode{in: in}
	require.NoError(t, p.AddPipe(pipeline.NewPipe(pipeline.Item{
		Proc:    e,
		Inputs:  []*pipeline.Port{in},
		Outputs: []*pipeline.Port{pipeline.NewPort(pipeline.RoleData)},
	})))

	res, err := pipeline.NewExecutor(nil).Execute(context.Background(), p)
	require.Error(t, err)
	require.Nil(t, res)
	require.Contains(t, err.Error(), "stage explode")
	require.Contains(t, err.Error(), "kaboom")
}

func TestExecuteOnlyOnce(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddSource(pipeline.RoleData, []*chunk.Chunk{u64Chunk(t, 1)}))

	exec := pipeline.NewExecutor(nil)
	_, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), p)
	require.Error(t, err)
	require.Error(t, p.AddTransform(func(in *pipeline.Port) (pipeline.Item, error) {
		return pipeline.DummyItem(in), nil
	}))
	require.Error(t, p.Reorder([]int{0}))
	require.Error(t, p.Resize(1))
}

func TestNewPipeCopiesItemSlice(t *testing.T) {
	in := pipeline.NewPort(pipeline.RoleData)
	items := make([]pipeline.Item, 0, 2)
	items = append(items, pipeline.DummyItem(in))
	first := pipeline.NewPipe(items...)

	// Builders reuse one scratch slice across pipes; the pipe must not
	// observe later appends over the same backing array.
	items = items[:0]
	items = append(items,
		pipeline.DummyItem(pipeline.NewPort(pipeline.RoleRowID)),
		pipeline.DummyItem(pipeline.NewPort(pipeline.RoleRowID)))
	second := pipeline.NewPipe(items...)

	require.Len(t, first.Items(), 1)
	require.Same(t, in, first.Items()[0].Inputs[0])
	require.Equal(t, pipeline.RoleData, first.Items()[0].Outputs[0].Role())
	require.Len(t, second.Items(), 2)
}

func TestExecuteEmptyPipeline(t *testing.T) {
	_, err := pipeline.NewExecutor(nil).Execute(context.Background(), pipeline.New())
	require.Error(t, err)
}

func TestPortSendRecvCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := pipeline.NewPort(pipeline.RoleData)
	require.Error(t, port.Send(ctx, u64Chunk(t, 1)))
	_, _, err := port.Recv(ctx)
	require.Error(t, err)

	port.Close()
	port.Close() // idempotent
	_, ok, err := port.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
