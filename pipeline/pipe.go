package pipeline

import (
	"context"
)

// Processor is one stage instance: it consumes chunks from its input ports
// and produces chunks on its output ports. Run returns when every input is
// drained or on the first fatal error; the executor closes the stage's
// output ports when Run returns.
type Processor interface {
	Name() string
	Run(ctx context.Context) error
}

// Item binds a processor to the ports it owns within a pipe.
type Item struct {
	Proc    Processor
	Inputs  []*Port
	Outputs []*Port
}

// Pipe is one level of the pipeline graph: an ordered list of items whose
// flattened input and output port counts are structural parameters of the
// graph at that level.
type Pipe struct {
	items   []Item
	inputs  []*Port
	outputs []*Port
}

// NewPipe assembles a pipe from items, flattening their ports in order.
// The item slice is copied, so callers may reuse their backing array.
func NewPipe(items ...Item) *Pipe {
	p := &Pipe{items: append([]Item(nil), items...)}
	for _, it := range p.items {
		p.inputs = append(p.inputs, it.Inputs...)
		p.outputs = append(p.outputs, it.Outputs...)
	}
	return p
}

// Items returns the item list.
func (p *Pipe) Items() []Item { return p.items }

// InputLen returns the total input port count.
func (p *Pipe) InputLen() int { return len(p.inputs) }

// OutputLen returns the total output port count.
func (p *Pipe) OutputLen() int { return len(p.outputs) }

// dummy forwards its input unchanged. It keeps sibling lanes structurally
// aligned when one lane of a pipe has no real work.
type dummy struct {
	in  *Port
	out *Port
}

// DummyItem returns a pass-through item reading from in. The output port
// keeps the input's role.
func DummyItem(in *Port) Item {
	d := &dummy{in: in, out: NewPort(in.Role())}
	return Item{Proc: d, Inputs: []*Port{in}, Outputs: []*Port{d.out}}
}

func (d *dummy) Name() string { return "dummy" }

func (d *dummy) Run(ctx context.Context) error {
	for {
		c, ok, err := d.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := d.out.Send(ctx, c); err != nil {
			return err
		}
	}
}
