// Package merge implements the pipeline shape compiler for the MERGE
// (upsert) operation: given a logical merge plan it assembles the graph of
// splitter, column fill, serialization and row-identity stages for every
// variant and distribution mode, tracking the semantic port layout at each
// pipe boundary.
package merge

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/chunk"
)

// Variant selects which clause branches of the merge graph exist at all.
type Variant uint8

const (
	// FullOperation has both matched and unmatched clauses.
	FullOperation Variant = iota
	// InsertOnly has only unmatched (insert) clauses.
	InsertOnly
	// MatchedOnly has only matched (update/delete) clauses.
	MatchedOnly
)

func (v Variant) String() string {
	switch v {
	case FullOperation:
		return "full_operation"
	case InsertOnly:
		return "insert_only"
	case MatchedOnly:
		return "matched_only"
	default:
		return "unknown"
	}
}

// paths returns the lane group width of the splitter pipe and which merge
// paths are active.
func (v Variant) paths() (step int, needMatch, needUnmatch bool) {
	switch v {
	case FullOperation:
		return 2, true, true
	case InsertOnly:
		return 1, false, true
	default:
		return 1, true, false
	}
}

// Mode selects single-node or distributed execution.
type Mode uint8

const (
	// Local runs the whole merge on one node.
	Local Mode = iota
	// Distributed fans the probe side out across worker nodes, which
	// requires row-number tagging and a coordinator append round.
	Distributed
)

func (m Mode) String() string {
	if m == Distributed {
		return "distributed"
	}
	return "local"
}

// Predicate evaluates a clause condition over a chunk, returning one
// verdict per row. Conditions are bound by the planner; the execution core
// treats them as opaque. A nil Predicate matches every row.
type Predicate func(*chunk.Chunk) ([]bool, error)

// MatchedClause is one WHEN MATCHED branch. Update maps target column
// names to probe-side input column indexes; Delete marks a delete branch
// and leaves Update empty.
type MatchedClause struct {
	Condition Predicate
	Delete    bool
	Update    map[string]int
}

// UnmatchedClause is one WHEN NOT MATCHED branch. Insert maps target
// column names to probe-side input column indexes.
type UnmatchedClause struct {
	Condition Predicate
	Insert    map[string]int
}

// Plan is the logical merge plan handed over by the planner.
//
// InputSchema is the join output schema: the probe-side columns first, the
// row-identifier column at RowIDIndex, and in distributed mode the
// row-number column last. Clause indexes and predicates reference the
// probe-side prefix, which is also what the probe hash table yields.
type Plan struct {
	Variant   Variant
	Mode      Mode
	Matched   []MatchedClause
	Unmatched []UnmatchedClause

	InputSchema *chunk.Schema
	RowIDIndex  int

	// Segments is the statement's resolved segment layout, consumed by the
	// row-identifier aggregation mutator.
	Segments []uint64
}

// Validate checks the variant/clause/schema consistency that must hold
// before any pipe is built.
func (p *Plan) Validate() error {
	_, needMatch, needUnmatch := p.Variant.paths()
	if needMatch && len(p.Matched) == 0 {
		return errors.Errorf("merge: variant %s has no matched clauses", p.Variant)
	}
	if !needMatch && len(p.Matched) > 0 {
		return errors.Errorf("merge: variant %s carries matched clauses", p.Variant)
	}
	if needUnmatch && len(p.Unmatched) == 0 {
		return errors.Errorf("merge: variant %s has no unmatched clauses", p.Variant)
	}
	if !needUnmatch && len(p.Unmatched) > 0 {
		return errors.Errorf("merge: variant %s carries unmatched clauses", p.Variant)
	}
	if p.InputSchema == nil {
		return errors.New("merge: plan has no input schema")
	}
	if needMatch {
		if p.RowIDIndex < 0 || p.RowIDIndex >= p.InputSchema.Len() {
			return errors.Errorf("merge: row id index %d outside input schema %s", p.RowIDIndex, p.InputSchema)
		}
		f := p.InputSchema.Field(p.RowIDIndex)
		if f.Type.ID() != arrow.UINT64 {
			return errors.Errorf("merge: row id column %q has type %s, want uint64", f.Name, f.Type)
		}
		// The probe columns form the schema prefix: the row id sits last,
		// before the row-number column when that exists.
		want := p.InputSchema.Len() - 1
		if p.Mode == Distributed && needUnmatch {
			want--
		}
		if p.RowIDIndex != want {
			return errors.Errorf("merge: row id column at %d, want %d for schema %s",
				p.RowIDIndex, want, p.InputSchema)
		}
	}
	if p.Mode == Distributed && needUnmatch {
		last := p.InputSchema.Field(p.InputSchema.Len() - 1)
		if last.Name != chunk.RowNumberColumn {
			return errors.Errorf("merge: distributed plan input schema ends with %q, want %q",
				last.Name, chunk.RowNumberColumn)
		}
	}
	return nil
}

// ProbeSchema returns the probe-side prefix of the input schema: every
// field before the row-identifier and row-number columns.
func (p *Plan) ProbeSchema() *chunk.Schema {
	fields := make([]chunk.Field, 0, p.InputSchema.Len())
	for i, f := range p.InputSchema.Fields() {
		if f.Name == chunk.RowNumberColumn {
			continue
		}
		if i == p.RowIDIndex && len(p.Matched) > 0 {
			continue
		}
		fields = append(fields, f)
	}
	return chunk.NewSchema(fields...)
}
