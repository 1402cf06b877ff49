// Package pipeline implements the streaming operator graph of the execution
// core: single-slot ports, pipes of stage bindings, structural resize and
// reorder operators, and the executor that runs a built graph.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Pipeline is an ordered sequence of pipes forming the full dataflow graph.
// The zero value is not usable; use New.
type Pipeline struct {
	pipes    []*Pipe
	frontier []*Port
	sealed   bool
}

// New returns an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// OutputLen returns the current output port count.
func (p *Pipeline) OutputLen() int { return len(p.frontier) }

// Outputs returns the current output ports in order.
func (p *Pipeline) Outputs() []*Port {
	out := make([]*Port, len(p.frontier))
	copy(out, p.frontier)
	return out
}

// Layout returns the role of every current output port, in order.
func (p *Pipeline) Layout() []Role { return roles(p.frontier) }

// Pipes returns the pipes added so far.
func (p *Pipeline) Pipes() []*Pipe { return p.pipes }

// AddPipe appends a pipe. Every current output port must be consumed by
// exactly one item input; a pipe that drops or duplicates a port is a
// caller bug.
func (p *Pipeline) AddPipe(pipe *Pipe) error {
	if p.sealed {
		return errors.New("pipeline: already executing")
	}
	if len(p.pipes) == 0 {
		if pipe.InputLen() != 0 {
			return errors.Errorf("pipeline: first pipe must be a source, has %d inputs", pipe.InputLen())
		}
	} else {
		if pipe.InputLen() != len(p.frontier) {
			return errors.Errorf("pipeline: pipe consumes %d ports, have %d", pipe.InputLen(), len(p.frontier))
		}
		seen := make(map[*Port]bool, len(p.frontier))
		for _, port := range p.frontier {
			seen[port] = false
		}
		for _, in := range pipe.inputs {
			used, ok := seen[in]
			if !ok {
				return errors.New("pipeline: pipe input is not a current output port")
			}
			if used {
				return errors.New("pipeline: pipe consumes an output port twice")
			}
			seen[in] = true
		}
	}
	p.pipes = append(p.pipes, pipe)
	p.frontier = pipe.outputs
	return nil
}

// AddTransform applies f to every current output port, producing a pipe of
// one-in one-out items.
func (p *Pipeline) AddTransform(f func(in *Port) (Item, error)) error {
	items := make([]Item, 0, len(p.frontier))
	for _, in := range p.frontier {
		it, err := f(in)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return p.AddPipe(NewPipe(items...))
}

// Reorder relabels the output ports: port i moves to position perm[i]. The
// permutation must be a bijection over the current port count; no data moves.
func (p *Pipeline) Reorder(perm []int) error {
	if p.sealed {
		return errors.New("pipeline: already executing")
	}
	if len(perm) != len(p.frontier) {
		return errors.Errorf("pipeline: permutation of %d over %d ports", len(perm), len(p.frontier))
	}
	next := make([]*Port, len(p.frontier))
	for i, pos := range perm {
		if pos < 0 || pos >= len(next) {
			return errors.Errorf("pipeline: permutation target %d out of range", pos)
		}
		if next[pos] != nil {
			return errors.Errorf("pipeline: permutation maps two ports to %d", pos)
		}
		next[pos] = p.frontier[i]
	}
	p.frontier = next
	return nil
}

// Resize collapses the current output ports into n ports, grouping
// contiguous runs as evenly as possible. Expanding is not supported; fan-out
// happens at the source parallelism, never mid-graph.
func (p *Pipeline) Resize(n int) error {
	if p.sealed {
		return errors.New("pipeline: already executing")
	}
	if n <= 0 {
		return errors.Errorf("pipeline: resize to %d ports", n)
	}
	if n == len(p.frontier) {
		return nil
	}
	if n > len(p.frontier) {
		return errors.Errorf("pipeline: cannot resize %d ports up to %d", len(p.frontier), n)
	}
	groups := make([][]int, n)
	for idx := range p.frontier {
		g := idx * n / len(p.frontier)
		groups[g] = append(groups[g], idx)
	}
	return p.ResizePartial(groups)
}

// ResizePartial regroups the output ports by an explicit grouping: each
// group's ports fan in to one output port. Every current port must appear in
// exactly one group, and the ports of a group must share one role.
func (p *Pipeline) ResizePartial(groups [][]int) error {
	seen := make([]bool, len(p.frontier))
	total := 0
	for _, group := range groups {
		for _, idx := range group {
			if idx < 0 || idx >= len(p.frontier) {
				return errors.Errorf("pipeline: resize group index %d out of range", idx)
			}
			if seen[idx] {
				return errors.Errorf("pipeline: resize duplicates port %d", idx)
			}
			seen[idx] = true
			total++
		}
	}
	if total != len(p.frontier) {
		return errors.Errorf("pipeline: resize covers %d of %d ports", total, len(p.frontier))
	}
	items := make([]Item, 0, len(groups))
	for _, group := range groups {
		if len(group) == 0 {
			return errors.New("pipeline: empty resize group")
		}
		if len(group) == 1 {
			items = append(items, DummyItem(p.frontier[group[0]]))
			continue
		}
		inputs := make([]*Port, 0, len(group))
		role := p.frontier[group[0]].Role()
		for _, idx := range group {
			if p.frontier[idx].Role() != role {
				return errors.Errorf("pipeline: resize group mixes roles %s and %s",
					role, p.frontier[idx].Role())
			}
			inputs = append(inputs, p.frontier[idx])
		}
		items = append(items, newMergerItem(inputs))
	}
	return p.AddPipe(NewPipe(items...))
}

// String renders the pipe structure, one pipe per line.
func (p *Pipeline) String() string {
	var sb strings.Builder
	for i, pipe := range p.pipes {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "pipe %d (%d -> %d):", i, pipe.InputLen(), pipe.OutputLen())
		for _, it := range pipe.Items() {
			fmt.Fprintf(&sb, " %s", it.Proc.Name())
		}
	}
	return sb.String()
}
