package merge

import (
	"context"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

var rowIDSchema = chunk.NewSchema(chunk.Field{
	Name: chunk.RowIDColumn,
	Type: arrow.PrimitiveTypes.Uint64,
})

// mergeSplit separates join output rows into the matched and the unmatched
// lane by row-identifier presence. Only FullOperation plans need it; the
// single-path variants keep their one lane.
type mergeSplit struct {
	rowIDIdx  int
	in        *pipeline.Port
	matched   *pipeline.Port
	unmatched *pipeline.Port
}

func newMergeSplitItem(in *pipeline.Port, rowIDIdx int) pipeline.Item {
	s := &mergeSplit{
		rowIDIdx:  rowIDIdx,
		in:        in,
		matched:   pipeline.NewPort(pipeline.RoleData),
		unmatched: pipeline.NewPort(pipeline.RoleData),
	}
	return pipeline.Item{
		Proc:    s,
		Inputs:  []*pipeline.Port{in},
		Outputs: []*pipeline.Port{s.matched, s.unmatched},
	}
}

func (s *mergeSplit) Name() string { return "merge_split" }

func (s *mergeSplit) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		col := c.Col(s.rowIDIdx)
		mask := make([]bool, c.Rows())
		for i := range mask {
			mask[i] = !col.IsNull(i)
		}
		if err := s.sendFiltered(ctx, s.matched, c, mask); err != nil {
			return err
		}
		for i := range mask {
			mask[i] = !mask[i]
		}
		if err := s.sendFiltered(ctx, s.unmatched, c, mask); err != nil {
			return err
		}
	}
}

func (s *mergeSplit) sendFiltered(ctx context.Context, out *pipeline.Port, c *chunk.Chunk, mask []bool) error {
	sub, err := c.Filter(mask)
	if err != nil {
		return err
	}
	if sub.Rows() == 0 {
		return nil
	}
	return out.Send(ctx, sub)
}

// matchedSplit evaluates the matched clauses on the matched lane. It emits
// the consumed row identifiers on its first output and, for update
// branches, the replacement row data on its second. Clauses apply first
// match wins, in declaration order.
type matchedSplit struct {
	rowIDIdx int
	clauses  []MatchedClause
	in       *pipeline.Port
	rowIDs   *pipeline.Port
	data     *pipeline.Port
}

func newMatchedSplitItem(in *pipeline.Port, plan *Plan) pipeline.Item {
	s := &matchedSplit{
		rowIDIdx: plan.RowIDIndex,
		clauses:  plan.Matched,
		in:       in,
		rowIDs:   pipeline.NewPort(pipeline.RoleRowID),
		data:     pipeline.NewPort(pipeline.RoleData),
	}
	return pipeline.Item{
		Proc:    s,
		Inputs:  []*pipeline.Port{in},
		Outputs: []*pipeline.Port{s.rowIDs, s.data},
	}
}

func (s *matchedSplit) Name() string { return "matched_split" }

func (s *matchedSplit) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.processChunk(ctx, c); err != nil {
			return err
		}
	}
}

func (s *matchedSplit) processChunk(ctx context.Context, c *chunk.Chunk) error {
	ids, valid, err := chunk.Uint64Values(c.Col(s.rowIDIdx))
	if err != nil {
		return errors.Wrap(err, "row id column")
	}
	remaining := make([]bool, len(valid))
	copy(remaining, valid)

	var consumed []uint64
	sel := make([]bool, len(remaining))
	for _, cl := range s.clauses {
		if err := clauseSelection(c, cl.Condition, remaining, sel); err != nil {
			return err
		}
		hit := false
		for i := range sel {
			if sel[i] {
				hit = true
				remaining[i] = false
				consumed = append(consumed, ids[i])
			}
		}
		if !hit || cl.Delete {
			continue
		}
		sub, err := c.Filter(sel)
		if err != nil {
			return err
		}
		data, err := projectMapped(sub, cl.Update)
		if err != nil {
			return err
		}
		if err := s.data.Send(ctx, data); err != nil {
			return err
		}
	}
	if len(consumed) == 0 {
		return nil
	}
	idChunk, err := chunk.New(rowIDSchema, []arrow.Array{chunk.NewUint64Column(consumed)})
	if err != nil {
		return err
	}
	return s.rowIDs.Send(ctx, idChunk)
}

// notMatched evaluates the unmatched (insert) clauses on insert candidate
// rows, first match wins.
type notMatched struct {
	clauses []UnmatchedClause
	in      *pipeline.Port
	out     *pipeline.Port
}

func newNotMatchedItem(in *pipeline.Port, plan *Plan) pipeline.Item {
	s := &notMatched{
		clauses: plan.Unmatched,
		in:      in,
		out:     pipeline.NewPort(pipeline.RoleData),
	}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *notMatched) Name() string { return "not_matched" }

func (s *notMatched) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		remaining := make([]bool, c.Rows())
		for i := range remaining {
			remaining[i] = true
		}
		sel := make([]bool, c.Rows())
		for _, cl := range s.clauses {
			if err := clauseSelection(c, cl.Condition, remaining, sel); err != nil {
				return err
			}
			hit := false
			for i := range sel {
				if sel[i] {
					hit = true
					remaining[i] = false
				}
			}
			if !hit {
				continue
			}
			sub, err := c.Filter(sel)
			if err != nil {
				return err
			}
			data, err := projectMapped(sub, cl.Insert)
			if err != nil {
				return err
			}
			if err := s.out.Send(ctx, data); err != nil {
				return err
			}
		}
	}
}

// clauseSelection fills sel with the rows of remaining that also satisfy
// the clause condition.
func clauseSelection(c *chunk.Chunk, cond Predicate, remaining, sel []bool) error {
	if cond == nil {
		copy(sel, remaining)
		return nil
	}
	verdict, err := cond(c)
	if err != nil {
		return errors.Wrap(err, "clause condition")
	}
	if len(verdict) != len(remaining) {
		return errors.Errorf("merge: condition returned %d verdicts for %d rows", len(verdict), len(remaining))
	}
	for i := range sel {
		sel[i] = remaining[i] && verdict[i]
	}
	return nil
}

// projectMapped builds a partial target-schema chunk from a clause's
// column mapping. Column order follows the sorted target names so that
// every chunk of one clause shares a schema.
func projectMapped(c *chunk.Chunk, mapping map[string]int) (*chunk.Chunk, error) {
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]chunk.Field, 0, len(names))
	cols := make([]arrow.Array, 0, len(names))
	for _, name := range names {
		idx := mapping[name]
		if idx < 0 || idx >= c.Schema().Len() {
			return nil, errors.Errorf("merge: clause maps %q from column %d of schema %s", name, idx, c.Schema())
		}
		fields = append(fields, chunk.Field{Name: name, Type: c.Schema().Field(idx).Type})
		cols = append(cols, c.Col(idx))
	}
	return chunk.New(chunk.NewSchema(fields...), cols)
}
