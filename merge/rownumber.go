package merge

import (
	"context"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

// maxRowNumber bounds the per-node counter; the node index lives in the
// high 16 bits of a row number.
const maxRowNumber = uint64(1) << 48

var rowNumberField = chunk.Field{
	Name: chunk.RowNumberColumn,
	Type: arrow.PrimitiveTypes.Uint64,
}

var rowNumberSchema = chunk.NewSchema(rowNumberField)

// addRowNumber appends a row-number column to every chunk it forwards.
// All lanes of one build share the counter, so numbers are unique per
// node even across lanes.
type addRowNumber struct {
	node    uint16
	counter *atomic.Uint64
	in      *pipeline.Port
	out     *pipeline.Port
}

func newAddRowNumberItem(in *pipeline.Port, node uint16, counter *atomic.Uint64) pipeline.Item {
	s := &addRowNumber{
		node:    node,
		counter: counter,
		in:      in,
		out:     pipeline.NewPort(pipeline.RoleData),
	}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *addRowNumber) Name() string { return "add_row_number" }

func (s *addRowNumber) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		n := c.Rows()
		base := s.counter.Add(uint64(n)) - uint64(n)
		if base+uint64(n) > maxRowNumber {
			return errors.Errorf("merge: row number counter exceeded %d rows on node %d", maxRowNumber, s.node)
		}
		nums := make([]uint64, n)
		for i := range nums {
			nums[i] = uint64(s.node)<<48 | (base + uint64(i))
		}
		tagged, err := c.WithColumn(rowNumberField, chunk.NewUint64Column(nums))
		if err != nil {
			return err
		}
		if err := s.out.Send(ctx, tagged); err != nil {
			return err
		}
	}
}

// projectRowNumber keeps only the trailing row-number column and tags the
// chunk so downstream routing can tell it from data payloads.
type projectRowNumber struct {
	in  *pipeline.Port
	out *pipeline.Port
}

func newProjectRowNumberItem(in *pipeline.Port) pipeline.Item {
	s := &projectRowNumber{in: in, out: pipeline.NewPort(pipeline.RoleRowNumber)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *projectRowNumber) Name() string { return "project_row_number" }

func (s *projectRowNumber) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		last := c.Schema().Len() - 1
		if last < 0 || c.Schema().Field(last).Name != chunk.RowNumberColumn {
			return errors.Errorf("merge: schema %s does not end with %s", c.Schema(), chunk.RowNumberColumn)
		}
		sub, err := c.Project([]int{last})
		if err != nil {
			return err
		}
		if err := s.out.Send(ctx, sub.WithKind(chunk.KindRowNumber)); err != nil {
			return err
		}
	}
}

// rowNumberAndLogSplit untangles an exchange-delivered stream that
// interleaves row-number and mutation-log chunks. Plain data chunks have
// no business here and fail the stage.
type rowNumberAndLogSplit struct {
	in   *pipeline.Port
	nums *pipeline.Port
	logs *pipeline.Port
}

func newRowNumberAndLogSplitItem(in *pipeline.Port) pipeline.Item {
	s := &rowNumberAndLogSplit{
		in:   in,
		nums: pipeline.NewPort(pipeline.RoleRowNumber),
		logs: pipeline.NewPort(pipeline.RoleMutationLog),
	}
	return pipeline.Item{
		Proc:    s,
		Inputs:  []*pipeline.Port{in},
		Outputs: []*pipeline.Port{s.nums, s.logs},
	}
}

func (s *rowNumberAndLogSplit) Name() string { return "row_number_and_log_split" }

func (s *rowNumberAndLogSplit) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch c.Kind() {
		case chunk.KindRowNumber:
			err = s.nums.Send(ctx, c)
		case chunk.KindMutationLog:
			err = s.logs.Send(ctx, c)
		default:
			err = errors.Errorf("merge: unexpected %s chunk in mixed stream", c.Kind())
		}
		if err != nil {
			return err
		}
	}
}

// dedupRowNumber drops duplicate row numbers, first seen wins, and emits
// one chunk of the survivors when its input closes.
type dedupRowNumber struct {
	in  *pipeline.Port
	out *pipeline.Port
}

func newDedupRowNumberItem(in *pipeline.Port) pipeline.Item {
	s := &dedupRowNumber{in: in, out: pipeline.NewPort(pipeline.RoleRowNumber)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *dedupRowNumber) Name() string { return "dedup_row_number" }

func (s *dedupRowNumber) Run(ctx context.Context) error {
	return collectDistinctRowNumbers(ctx, s.in, s.out)
}

// collectDistinctRowNumbers drains in, keeps the first occurrence of every
// row number, and emits one chunk of the survivors in first-seen order.
func collectDistinctRowNumbers(ctx context.Context, in, out *pipeline.Port) error {
	seen := make(map[uint64]struct{})
	var order []uint64
	for {
		c, ok, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		nums, valid, err := chunk.Uint64Values(c.Col(0))
		if err != nil {
			return errors.Wrap(err, "row number column")
		}
		for i, num := range nums {
			if !valid[i] {
				return errors.New("merge: null row number")
			}
			if _, dup := seen[num]; dup {
				continue
			}
			seen[num] = struct{}{}
			order = append(order, num)
		}
	}
	if len(order) == 0 {
		return nil
	}
	c, err := chunk.New(rowNumberSchema, []arrow.Array{chunk.NewUint64Column(order)})
	if err != nil {
		return err
	}
	return out.Send(ctx, c.WithKind(chunk.KindRowNumber))
}

// ProbeTable resolves row numbers back to the source rows retained by the
// join's probe side. Implementations are supplied by the join operator.
type ProbeTable interface {
	// Rows returns one row per requested row number, in request order.
	Rows(rowNumbers []uint64) (*chunk.Chunk, error)
}

// extractHashTable swaps row-number chunks for the probe-side rows they
// stand in for.
type extractHashTable struct {
	probe ProbeTable
	in    *pipeline.Port
	out   *pipeline.Port
}

func newExtractHashTableItem(in *pipeline.Port, probe ProbeTable) pipeline.Item {
	s := &extractHashTable{probe: probe, in: in, out: pipeline.NewPort(pipeline.RoleData)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *extractHashTable) Name() string { return "extract_hash_table" }

func (s *extractHashTable) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		nums, valid, err := chunk.Uint64Values(c.Col(0))
		if err != nil {
			return errors.Wrap(err, "row number column")
		}
		for i := range valid {
			if !valid[i] {
				return errors.New("merge: null row number")
			}
		}
		rows, err := s.probe.Rows(nums)
		if err != nil {
			return errors.Wrap(err, "probe table")
		}
		if rows.Rows() != len(nums) {
			return errors.Errorf("merge: probe table returned %d rows for %d row numbers", rows.Rows(), len(nums))
		}
		if err := s.out.Send(ctx, rows); err != nil {
			return err
		}
	}
}

// accumulateRowNumber gathers every row-number chunk of a build into one
// outgoing chunk. Exchanges may replay chunks, so accumulation dedups the
// same way the coordinator-side deduplicator does.
type accumulateRowNumber struct {
	in  *pipeline.Port
	out *pipeline.Port
}

func newAccumulateRowNumberItem(in *pipeline.Port) pipeline.Item {
	s := &accumulateRowNumber{in: in, out: pipeline.NewPort(pipeline.RoleRowNumber)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *accumulateRowNumber) Name() string { return "accumulate_row_number" }

func (s *accumulateRowNumber) Run(ctx context.Context) error {
	return collectDistinctRowNumbers(ctx, s.in, s.out)
}
