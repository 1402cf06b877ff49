package merge

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/catalog"
	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

// fillDefault completes partial insert chunks to the table's default
// schema. Columns the chunk already carries pass through by name; absent
// ones are filled from the catalog default. A chunk already in default
// schema order is forwarded untouched, so the stage is idempotent.
type fillDefault struct {
	table *catalog.Table
	in    *pipeline.Port
	out   *pipeline.Port
}

func newFillDefaultItem(in *pipeline.Port, table *catalog.Table) pipeline.Item {
	s := &fillDefault{table: table, in: in, out: pipeline.NewPort(pipeline.RoleData)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *fillDefault) Name() string { return "fill_default" }

func (s *fillDefault) Run(ctx context.Context) error {
	target := s.table.DefaultSchema()
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		filled, err := s.fill(c, target)
		if err != nil {
			return err
		}
		if err := s.out.Send(ctx, filled); err != nil {
			return err
		}
	}
}

func (s *fillDefault) fill(c *chunk.Chunk, target *chunk.Schema) (*chunk.Chunk, error) {
	if c.Schema().Equal(target) {
		return c, nil
	}
	for i := 0; i < c.Schema().Len(); i++ {
		name := c.Schema().Field(i).Name
		if target.Index(name) < 0 {
			return nil, errors.Errorf("merge: column %q not in table %q", name, s.table.Name())
		}
	}
	cols := make([]arrow.Array, 0, target.Len())
	for i := 0; i < target.Len(); i++ {
		f := target.Field(i)
		if idx := c.Schema().Index(f.Name); idx >= 0 {
			cols = append(cols, c.Col(idx))
			continue
		}
		col, err := chunk.NewConstColumn(f, s.table.Column(f.Name).Default, c.Rows())
		if err != nil {
			return nil, errors.Wrapf(err, "default for column %q", f.Name)
		}
		cols = append(cols, col)
	}
	return chunk.New(target, cols)
}

// fillComputed appends the table's computed columns and reorders into the
// full physical schema. The builder skips the stage for tables without
// computed columns.
type fillComputed struct {
	table *catalog.Table
	in    *pipeline.Port
	out   *pipeline.Port
}

func newFillComputedItem(in *pipeline.Port, table *catalog.Table) pipeline.Item {
	s := &fillComputed{table: table, in: in, out: pipeline.NewPort(pipeline.RoleData)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *fillComputed) Name() string { return "fill_computed" }

func (s *fillComputed) Run(ctx context.Context) error {
	target := s.table.ComputedSchema()
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cols := make([]arrow.Array, 0, target.Len())
		for i := 0; i < target.Len(); i++ {
			f := target.Field(i)
			col := s.table.Column(f.Name)
			if col.Compute == nil {
				idx := c.Schema().Index(f.Name)
				if idx < 0 {
					return errors.Errorf("merge: column %q missing before computed fill", f.Name)
				}
				cols = append(cols, c.Col(idx))
				continue
			}
			derived, err := col.Compute(c)
			if err != nil {
				return errors.Wrapf(err, "compute column %q", f.Name)
			}
			if derived.Len() != c.Rows() {
				return errors.Errorf("merge: computed column %q has %d rows, want %d", f.Name, derived.Len(), c.Rows())
			}
			cols = append(cols, derived)
		}
		filled, err := chunk.New(target, cols)
		if err != nil {
			return err
		}
		if err := s.out.Send(ctx, filled); err != nil {
			return err
		}
	}
}
