package storage

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/basaltdb/basalt/catalog"
	"github.com/basaltdb/basalt/chunk"
)

// Block is one serialized block held by the in-memory table.
type Block struct {
	ID       uint64
	Data     *chunk.Chunk
	Stats    ClusterStats
	Checksum uint64
}

// Segment is a sealed group of blocks, or a pre-existing target segment
// with deletable rows.
type Segment struct {
	ID      uint64
	Blocks  []uint64
	Rows    int
	Deleted map[uint32]struct{}
}

// MemoryTable implements Table in memory. It stands in for the segment
// store in tests and single-process runs.
type MemoryTable struct {
	mu         sync.Mutex
	meta       *catalog.Table
	thresholds BlockThresholds

	blocks   map[uint64]*Block
	segments map[uint64]*Segment

	nextBlock   uint64
	nextSegment uint64
}

// NewMemoryTable returns an empty in-memory table.
func NewMemoryTable(meta *catalog.Table, thresholds BlockThresholds) *MemoryTable {
	if thresholds.MaxRowsPerBlock <= 0 {
		thresholds.MaxRowsPerBlock = DefaultThresholds.MaxRowsPerBlock
	}
	if thresholds.MaxBlocksPerSegment <= 0 {
		thresholds.MaxBlocksPerSegment = DefaultThresholds.MaxBlocksPerSegment
	}
	return &MemoryTable{
		meta:        meta,
		thresholds:  thresholds,
		blocks:      make(map[uint64]*Block),
		segments:    make(map[uint64]*Segment),
		nextSegment: 1,
	}
}

// Meta returns the catalog entry.
func (t *MemoryTable) Meta() *catalog.Table { return t.meta }

// Thresholds returns the block and segment size bounds.
func (t *MemoryTable) Thresholds() BlockThresholds { return t.thresholds }

// AddSegment registers a pre-existing target segment with the given row
// count and returns its id. Tests seed the matched path with it.
func (t *MemoryTable) AddSegment(rows int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSegment
	t.nextSegment++
	t.segments[id] = &Segment{ID: id, Rows: rows, Deleted: make(map[uint32]struct{})}
	return id
}

// AppendBlock implements Table.
func (t *MemoryTable) AppendBlock(ctx context.Context, data *chunk.Chunk, stats ClusterStats) (MutationLog, error) {
	if err := ctx.Err(); err != nil {
		return MutationLog{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextBlock
	t.nextBlock++
	t.blocks[id] = &Block{
		ID:       id,
		Data:     data,
		Stats:    stats,
		Checksum: checksum(data),
	}
	return MutationLog{Op: OpAppendBlock, Block: id, Rows: uint64(data.Rows())}, nil
}

// SealSegment implements Table.
func (t *MemoryTable) SealSegment(ctx context.Context, blocks []uint64) (MutationLog, error) {
	if err := ctx.Err(); err != nil {
		return MutationLog{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := 0
	for _, id := range blocks {
		b, ok := t.blocks[id]
		if !ok {
			return MutationLog{}, errors.Errorf("storage: sealing unknown block %d", id)
		}
		rows += b.Data.Rows()
	}
	id := t.nextSegment
	t.nextSegment++
	sealed := make([]uint64, len(blocks))
	copy(sealed, blocks)
	t.segments[id] = &Segment{ID: id, Blocks: sealed, Rows: rows, Deleted: make(map[uint32]struct{})}
	return MutationLog{Op: OpAppendSegment, Segment: id, Rows: uint64(rows)}, nil
}

// MutateRowIDs implements Table.
func (t *MemoryTable) MutateRowIDs(ctx context.Context, segment uint64, offsets []uint32) (MutationLog, error) {
	if err := ctx.Err(); err != nil {
		return MutationLog{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seg, ok := t.segments[segment]
	if !ok {
		return MutationLog{}, errors.Errorf("storage: segment %d does not exist", segment)
	}
	for _, off := range offsets {
		if int(off) >= seg.Rows {
			return MutationLog{}, errors.Errorf("storage: row %d beyond segment %d (%d rows)", off, segment, seg.Rows)
		}
		if _, dup := seg.Deleted[off]; dup {
			return MutationLog{}, errors.Errorf("storage: conflicting mutation of segment %d row %d", segment, off)
		}
		seg.Deleted[off] = struct{}{}
	}
	return MutationLog{Op: OpDeleteRows, Segment: segment, Rows: uint64(len(offsets))}, nil
}

// Blocks returns the appended blocks keyed by id.
func (t *MemoryTable) Blocks() map[uint64]*Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]*Block, len(t.blocks))
	for id, b := range t.blocks {
		out[id] = b
	}
	return out
}

// Segment returns the segment with the given id, or nil.
func (t *MemoryTable) Segment(id uint64) *Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments[id]
}

// AppendedRows sums the rows of all appended blocks.
func (t *MemoryTable) AppendedRows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := 0
	for _, b := range t.blocks {
		rows += b.Data.Rows()
	}
	return rows
}

// checksum digests the raw column buffers of a block.
func checksum(data *chunk.Chunk) uint64 {
	d := xxhash.New()
	for i := 0; i < data.Schema().Len(); i++ {
		for _, buf := range data.Col(i).Data().Buffers() {
			if buf != nil {
				_, _ = d.Write(buf.Bytes())
			}
		}
	}
	return d.Sum64()
}
