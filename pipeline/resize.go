package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// merger fans several input ports in to one output port. Chunks interleave
// in arrival order across inputs; order within one input is preserved. Each
// input is drained concurrently so that a stalled sibling lane can never
// deadlock a producer that feeds more than one downstream path.
type merger struct {
	inputs []*Port
	out    *Port
}

func newMergerItem(inputs []*Port) Item {
	m := &merger{inputs: inputs, out: NewPort(inputs[0].Role())}
	return Item{Proc: m, Inputs: inputs, Outputs: []*Port{m.out}}
}

func (m *merger) Name() string { return "resize" }

func (m *merger) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, in := range m.inputs {
		in := in
		g.Go(func() error {
			for {
				c, ok, err := in.Recv(gctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := m.out.Send(gctx, c); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
