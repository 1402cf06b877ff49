package pipeline

import (
	"context"

	"github.com/basaltdb/basalt/chunk"
)

// source emits a fixed sequence of chunks on one output port. Upstream
// producers (the join engine) attach to a pipeline as one source item per
// parallel lane.
type source struct {
	out    *Port
	chunks []*chunk.Chunk
}

// SourceItem returns a zero-input item emitting the given chunks in order on
// a port with the given role.
func SourceItem(role Role, chunks ...*chunk.Chunk) Item {
	s := &source{out: NewPort(role), chunks: chunks}
	return Item{Proc: s, Outputs: []*Port{s.out}}
}

// AddSource makes the given lanes the pipeline's source pipe, one output
// port per lane.
func (p *Pipeline) AddSource(role Role, lanes ...[]*chunk.Chunk) error {
	items := make([]Item, 0, len(lanes))
	for _, lane := range lanes {
		items = append(items, SourceItem(role, lane...))
	}
	return p.AddPipe(NewPipe(items...))
}

func (s *source) Name() string { return "source" }

func (s *source) Run(ctx context.Context) error {
	for _, c := range s.chunks {
		if err := s.out.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
