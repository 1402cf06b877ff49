// Package storage defines the contract between the execution core and the
// storage engine: block thresholds, cluster statistics, the mutation log,
// and the pipeline stages the engine plugs into a merge pipeline. The
// persistent segment format itself lives behind the Table interface; an
// in-memory implementation backs the tests.
package storage

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/catalog"
	"github.com/basaltdb/basalt/chunk"
)

// Op enumerates the mutations a merge pipeline can apply.
type Op uint8

const (
	// OpAppendBlock records a newly serialized data block.
	OpAppendBlock Op = iota
	// OpAppendSegment records a sealed segment of blocks.
	OpAppendSegment
	// OpDeleteRows records rows removed from an existing segment, the
	// delete half of an in-place update.
	OpDeleteRows
)

func (o Op) String() string {
	switch o {
	case OpAppendBlock:
		return "append_block"
	case OpAppendSegment:
		return "append_segment"
	case OpDeleteRows:
		return "delete_rows"
	default:
		return "unknown"
	}
}

// MutationLog describes one applied change. It is the canonical terminal
// output of a merge pipeline.
type MutationLog struct {
	Op      Op
	Segment uint64
	Block   uint64
	Rows    uint64
}

var logSchema = chunk.NewSchema(
	chunk.Field{Name: "op", Type: arrow.PrimitiveTypes.Int64},
	chunk.Field{Name: "segment", Type: arrow.PrimitiveTypes.Uint64},
	chunk.Field{Name: "block", Type: arrow.PrimitiveTypes.Uint64},
	chunk.Field{Name: "rows", Type: arrow.PrimitiveTypes.Uint64},
)

// LogSchema returns the wire schema of encoded mutation logs.
func LogSchema() *chunk.Schema { return logSchema }

// EncodeLogs packs mutation logs into a chunk tagged KindMutationLog.
func EncodeLogs(logs []MutationLog) (*chunk.Chunk, error) {
	b, err := chunk.NewBuilder(logSchema)
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		if err := b.AppendRow(int64(l.Op), l.Segment, l.Block, l.Rows); err != nil {
			return nil, err
		}
	}
	c, err := b.NewChunk()
	if err != nil {
		return nil, err
	}
	return c.WithKind(chunk.KindMutationLog), nil
}

// DecodeLogs unpacks a chunk produced by EncodeLogs.
func DecodeLogs(c *chunk.Chunk) ([]MutationLog, error) {
	if !c.Schema().Equal(logSchema) {
		return nil, errors.Errorf("storage: chunk schema %s is not a mutation log", c.Schema())
	}
	ops := c.Col(0).(*array.Int64)
	segments := c.Col(1).(*array.Uint64)
	blocks := c.Col(2).(*array.Uint64)
	rows := c.Col(3).(*array.Uint64)
	logs := make([]MutationLog, c.Rows())
	for i := range logs {
		logs[i] = MutationLog{
			Op:      Op(ops.Value(i)),
			Segment: segments.Value(i),
			Block:   blocks.Value(i),
			Rows:    rows.Value(i),
		}
	}
	return logs, nil
}

// BlockThresholds bound block and segment sizes during serialization.
type BlockThresholds struct {
	MaxRowsPerBlock     int
	MaxBlocksPerSegment int
}

// DefaultThresholds are used when the table does not override them.
var DefaultThresholds = BlockThresholds{
	MaxRowsPerBlock:     65536,
	MaxBlocksPerSegment: 1024,
}

// ClusterStats carries the clustering key range of one serialized block.
type ClusterStats struct {
	MinKey string
	MaxKey string
	Rows   int
}

// StatsGen computes cluster statistics for a block about to be serialized.
type StatsGen func(*chunk.Chunk) (ClusterStats, error)

// NewClusterStatsGen returns a StatsGen over the table's clustering key.
// Tables without a clustering key get row counts only.
func NewClusterStatsGen(meta *catalog.Table) StatsGen {
	return func(c *chunk.Chunk) (ClusterStats, error) {
		stats := ClusterStats{Rows: c.Rows()}
		if len(meta.ClusterKey()) == 0 || c.Rows() == 0 {
			return stats, nil
		}
		idx := c.Schema().Index(meta.ClusterKey()[0])
		if idx < 0 {
			return stats, errors.Errorf("storage: cluster key %q missing from block schema %s",
				meta.ClusterKey()[0], c.Schema())
		}
		col := c.Col(idx)
		minRow, maxRow := 0, 0
		for i := 1; i < c.Rows(); i++ {
			if less, err := chunk.Less(col, i, col, minRow); err != nil {
				return stats, err
			} else if less {
				minRow = i
			}
			if less, err := chunk.Less(col, maxRow, col, i); err != nil {
				return stats, err
			} else if less {
				maxRow = i
			}
		}
		stats.MinKey = chunk.ValueString(col, minRow)
		stats.MaxKey = chunk.ValueString(col, maxRow)
		return stats, nil
	}
}

// Table is the storage engine surface a merge pipeline mutates through.
// Implementations must be safe for concurrent use: the row-identifier
// aggregation mutator issues mutations from multiple tasks.
type Table interface {
	Meta() *catalog.Table
	Thresholds() BlockThresholds

	// AppendBlock persists one serialized block and returns its log entry.
	AppendBlock(ctx context.Context, data *chunk.Chunk, stats ClusterStats) (MutationLog, error)

	// SealSegment groups previously appended blocks into a segment.
	SealSegment(ctx context.Context, blocks []uint64) (MutationLog, error)

	// MutateRowIDs removes the given row offsets from an existing segment,
	// the delete half of an update. A segment outside the statement's
	// resolved layout is a conflict.
	MutateRowIDs(ctx context.Context, segment uint64, offsets []uint32) (MutationLog, error)
}
