package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/basaltdb/basalt/chunk"
	"github.com/basaltdb/basalt/pipeline"
)

// serializeBlock packs incoming data chunks into blocks bounded by the
// table thresholds and emits one mutation log chunk per block.
type serializeBlock struct {
	table Table
	stats StatsGen
	in    *pipeline.Port
	out   *pipeline.Port

	buf *chunk.Builder
}

// SerializeBlockItem returns the block serialization stage for one data lane.
func SerializeBlockItem(table Table, stats StatsGen, in *pipeline.Port) pipeline.Item {
	s := &serializeBlock{
		table: table,
		stats: stats,
		in:    in,
		out:   pipeline.NewPort(pipeline.RoleMutationLog),
	}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *serializeBlock) Name() string { return "serialize_block" }

func (s *serializeBlock) Run(ctx context.Context) error {
	maxRows := s.table.Thresholds().MaxRowsPerBlock
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return s.flush(ctx)
		}
		if s.buf == nil {
			if s.buf, err = chunk.NewBuilder(c.Schema()); err != nil {
				return err
			}
		}
		for row := 0; row < c.Rows(); row++ {
			if err := s.buf.AppendChunkRow(c, row); err != nil {
				return err
			}
			if s.buf.Rows() >= maxRows {
				if err := s.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (s *serializeBlock) flush(ctx context.Context) error {
	if s.buf == nil || s.buf.Rows() == 0 {
		return nil
	}
	block, err := s.buf.NewChunk()
	if err != nil {
		return err
	}
	stats, err := s.stats(block)
	if err != nil {
		return err
	}
	log, err := s.table.AppendBlock(ctx, block, stats)
	if err != nil {
		return errors.Wrap(err, "append block")
	}
	encoded, err := EncodeLogs([]MutationLog{log})
	if err != nil {
		return err
	}
	return s.out.Send(ctx, encoded)
}

// serializeSegment seals appended blocks into segments, forwarding the
// block logs it consumes and emitting one segment log per seal.
type serializeSegment struct {
	table  Table
	in     *pipeline.Port
	out    *pipeline.Port
	blocks []uint64
}

// SerializeSegmentItem returns the segment sealing stage. Its input is the
// merged mutation log lane of the block serializers.
func SerializeSegmentItem(table Table, in *pipeline.Port) pipeline.Item {
	s := &serializeSegment{table: table, in: in, out: pipeline.NewPort(pipeline.RoleMutationLog)}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}
}

func (s *serializeSegment) Name() string { return "serialize_segment" }

func (s *serializeSegment) Run(ctx context.Context) error {
	maxBlocks := s.table.Thresholds().MaxBlocksPerSegment
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return s.seal(ctx)
		}
		logs, err := DecodeLogs(c)
		if err != nil {
			return err
		}
		for _, l := range logs {
			if l.Op == OpAppendBlock {
				s.blocks = append(s.blocks, l.Block)
			}
		}
		if err := s.out.Send(ctx, c); err != nil {
			return err
		}
		if len(s.blocks) >= maxBlocks {
			if err := s.seal(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *serializeSegment) seal(ctx context.Context) error {
	if len(s.blocks) == 0 {
		return nil
	}
	log, err := s.table.SealSegment(ctx, s.blocks)
	if err != nil {
		return errors.Wrap(err, "seal segment")
	}
	s.blocks = nil
	encoded, err := EncodeLogs([]MutationLog{log})
	if err != nil {
		return err
	}
	return s.out.Send(ctx, encoded)
}

// clusterSort orders the rows of each chunk by the table's clustering key
// before serialization. Re-clustering across chunks belongs to compaction,
// not to the merge pipeline.
type clusterSort struct {
	keys []int
	in   *pipeline.Port
	out  *pipeline.Port
}

// ClusterSortItem returns the per-lane clustering sort stage. dataSchema is
// the schema of the chunks arriving on the lane.
func ClusterSortItem(table Table, dataSchema *chunk.Schema, in *pipeline.Port) (pipeline.Item, error) {
	keys := make([]int, 0, len(table.Meta().ClusterKey()))
	for _, name := range table.Meta().ClusterKey() {
		idx := dataSchema.Index(name)
		if idx < 0 {
			return pipeline.Item{}, errors.Errorf("storage: cluster key %q missing from schema %s", name, dataSchema)
		}
		keys = append(keys, idx)
	}
	s := &clusterSort{keys: keys, in: in, out: pipeline.NewPort(in.Role())}
	return pipeline.Item{Proc: s, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{s.out}}, nil
}

func (s *clusterSort) Name() string { return "cluster_sort" }

func (s *clusterSort) Run(ctx context.Context) error {
	for {
		c, ok, err := s.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(s.keys) > 0 && c.Rows() > 1 {
			if c, err = s.sortChunk(c); err != nil {
				return err
			}
		}
		if err := s.out.Send(ctx, c); err != nil {
			return err
		}
	}
}

func (s *clusterSort) sortChunk(c *chunk.Chunk) (*chunk.Chunk, error) {
	indices := make([]int, c.Rows())
	for i := range indices {
		indices[i] = i
	}
	var sortErr error
	sort.SliceStable(indices, func(a, b int) bool {
		for _, key := range s.keys {
			col := c.Col(key)
			less, err := chunk.Less(col, indices[a], col, indices[b])
			if err != nil {
				sortErr = err
				return false
			}
			if less {
				return true
			}
			if greater, err := chunk.Less(col, indices[b], col, indices[a]); err != nil {
				sortErr = err
				return false
			} else if greater {
				return false
			}
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return c.Gather(indices)
}

// rowIDMutator aggregates row identifiers from the matched update lane and
// applies delete-for-update mutations segment by segment. The admission
// semaphore bounds concurrent storage I/O regardless of lane fan-out; it is
// the pipeline's back-pressure point for storage.
type rowIDMutator struct {
	table    Table
	sem      *semaphore.Weighted
	segments map[uint64]struct{}
	logger   *zap.Logger
	in       *pipeline.Port
	out      *pipeline.Port
}

// RowIDAggregateMutatorItem returns the matched-path mutation stage.
// segments is the statement's resolved segment layout; a row identifier
// pointing elsewhere means the snapshot moved underneath the merge and is
// reported as a fatal stage error.
func RowIDAggregateMutatorItem(table Table, sem *semaphore.Weighted, segments []uint64, logger *zap.Logger, in *pipeline.Port) pipeline.Item {
	set := make(map[uint64]struct{}, len(segments))
	for _, s := range segments {
		set[s] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &rowIDMutator{
		table:    table,
		sem:      sem,
		segments: set,
		logger:   logger,
		in:       in,
		out:      pipeline.NewPort(pipeline.RoleMutationLog),
	}
	return pipeline.Item{Proc: m, Inputs: []*pipeline.Port{in}, Outputs: []*pipeline.Port{m.out}}
}

func (m *rowIDMutator) Name() string { return "rowid_aggregate_mutator" }

// RowID packs a segment index and a row offset into one opaque key.
func RowID(segment uint64, offset uint32) uint64 {
	return segment<<32 | uint64(offset)
}

func splitRowID(id uint64) (segment uint64, offset uint32) {
	return id >> 32, uint32(id)
}

func (m *rowIDMutator) Run(ctx context.Context) error {
	pending := make(map[uint64][]uint32)
	for {
		c, ok, err := m.in.Recv(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if c.Schema().Len() != 1 {
			return errors.Errorf("storage: row id chunk has schema %s", c.Schema())
		}
		ids, valid, err := chunk.Uint64Values(c.Col(0))
		if err != nil {
			return err
		}
		for i, id := range ids {
			if !valid[i] {
				return errors.New("storage: null row id on matched lane")
			}
			segment, offset := splitRowID(id)
			if _, ok := m.segments[segment]; !ok {
				return errors.Errorf("storage: segment %d not in the statement's resolved layout", segment)
			}
			pending[segment] = append(pending[segment], offset)
		}
	}

	var (
		mu   sync.Mutex
		logs []MutationLog
	)
	g, gctx := errgroup.WithContext(ctx)
	for segment, offsets := range pending {
		segment, offsets := segment, offsets
		g.Go(func() error {
			if err := m.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer m.sem.Release(1)
			log, err := m.table.MutateRowIDs(gctx, segment, offsets)
			if err != nil {
				return errors.Wrapf(err, "segment %d", segment)
			}
			m.logger.Debug("Applied row id mutation",
				zap.Uint64("segment", segment),
				zap.Int("rows", len(offsets)))
			mu.Lock()
			logs = append(logs, log)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Segment < logs[j].Segment })
	encoded, err := EncodeLogs(logs)
	if err != nil {
		return err
	}
	return m.out.Send(ctx, encoded)
}
