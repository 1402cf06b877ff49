package merge

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/basaltdb/basalt/cluster"
	"github.com/basaltdb/basalt/pipeline"
	"github.com/basaltdb/basalt/storage"
)

// Config carries the execution-wide collaborators a merge build needs.
type Config struct {
	// MaxThreads bounds concurrent segment mutation I/O. Defaults to
	// GOMAXPROCS.
	MaxThreads int

	// Membership resolves the local node's partition index; required for
	// BuildAddRowNumber.
	Membership *cluster.Membership

	// Probe resolves surviving row numbers back to source rows; required
	// for BuildAppendNotMatched unless the plan is matched-only.
	Probe ProbeTable

	Logger *zap.Logger
}

// PipelineBuilder grows a pipeline whose frontier starts as the join
// operator's parallel output lanes into the full merge dataflow. The four
// build methods correspond to the plan fragments the distributed scheduler
// hands each node; a local statement uses BuildMergeSource then BuildMerge.
type PipelineBuilder struct {
	pipeline *pipeline.Pipeline
	plan     *Plan
	store    storage.Table
	cfg      Config
	logger   *zap.Logger
}

// NewPipelineBuilder validates the plan and returns a builder over p.
func NewPipelineBuilder(p *pipeline.Pipeline, plan *Plan, store storage.Table, cfg Config) (*PipelineBuilder, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("merge: nil storage table")
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineBuilder{pipeline: p, plan: plan, store: store, cfg: cfg, logger: logger}, nil
}

// BuildMergeSource attaches the merge entry point to the join output. Full
// operation plans split every lane into a matched and an unmatched lane by
// row-identifier presence; single-path variants keep their lanes as they
// are.
func (b *PipelineBuilder) BuildMergeSource() error {
	if b.plan.Variant != FullOperation {
		return nil
	}
	outs := b.pipeline.Outputs()
	items := make([]pipeline.Item, 0, len(outs))
	for _, in := range outs {
		items = append(items, newMergeSplitItem(in, b.plan.RowIDIndex))
	}
	return b.pipeline.AddPipe(pipeline.NewPipe(items...))
}

// BuildMerge appends the clause-evaluation, regroup, column-fill,
// clustering, and serialization stages, ending in the canonical output
// layout: a MutationLogs port, plus a RowNumbers port in distributed mode
// when the unmatched path is active.
func (b *PipelineBuilder) BuildMerge() error {
	step, needMatch, needUnmatch := b.plan.Variant.paths()
	distributed := b.plan.Mode == Distributed

	if b.pipeline.OutputLen()%step != 0 {
		return errors.Errorf("merge: %d lanes not divisible by split width %d", b.pipeline.OutputLen(), step)
	}

	// Clause evaluation, one item per origin lane path. A full-operation
	// frontier alternates matched and unmatched lanes, so consume it in
	// step-sized groups.
	outs := b.pipeline.Outputs()
	items := make([]pipeline.Item, 0, len(outs))
	for i := 0; i < len(outs); i += step {
		next := i
		if needMatch {
			items = append(items, newMatchedSplitItem(outs[next], b.plan))
			next++
		}
		if needUnmatch {
			if distributed {
				items = append(items, newProjectRowNumberItem(outs[next]))
			} else {
				items = append(items, newNotMatchedItem(outs[next], b.plan))
			}
		}
	}
	if err := b.pipeline.AddPipe(pipeline.NewPipe(items...)); err != nil {
		return err
	}

	// Regroup the interleaved per-lane ports by role and collapse the
	// row-id lanes (and, distributed, the row-number lanes) to one.
	switch {
	case !distributed:
		if needMatch && needUnmatch {
			// Merge each lane's update-data and insert-data port; they
			// share the downstream schema.
			var groups [][]int
			for idx := 0; idx < b.pipeline.OutputLen(); idx += 3 {
				groups = append(groups, []int{idx}, []int{idx + 1, idx + 2})
			}
			if err := b.pipeline.ResizePartial(groups); err != nil {
				return err
			}
		}
		if needMatch {
			if err := b.regroupLanes(2); err != nil {
				return err
			}
		}
	case needMatch && needUnmatch:
		if err := b.regroupLanes(3); err != nil {
			return err
		}
	case needMatch:
		if err := b.regroupLanes(2); err != nil {
			return err
		}
	default:
		// Insert-only distributed lanes carry row numbers only.
		if err := b.pipeline.Resize(1); err != nil {
			return err
		}
	}

	outLen := b.pipeline.OutputLen()
	dataLen := outLen
	if needMatch {
		dataLen--
	}
	if distributed && needUnmatch {
		if needMatch {
			dataLen--
		} else {
			dataLen = 0
		}
	}

	want := make([]pipeline.Role, 0, outLen)
	if needMatch {
		want = append(want, pipeline.RoleRowID)
	}
	for i := 0; i < dataLen; i++ {
		want = append(want, pipeline.RoleData)
	}
	if distributed && needUnmatch {
		want = append(want, pipeline.RoleRowNumber)
	}
	if err := b.assertLayout(want); err != nil {
		return err
	}

	// Column fills run on the data ports; row-id and row-number ports pass
	// through untouched.
	meta := b.store.Meta()
	if err := b.fillPipe(func(in *pipeline.Port) pipeline.Item {
		return newFillDefaultItem(in, meta)
	}); err != nil {
		return err
	}
	if !meta.DefaultSchema().Equal(meta.ComputedSchema()) {
		if err := b.fillPipe(func(in *pipeline.Port) pipeline.Item {
			return newFillComputedItem(in, meta)
		}); err != nil {
			return err
		}
	}

	serializeLen := dataLen
	lastLen := 0
	if distributed && needUnmatch && needMatch {
		lastLen = 1
	}
	if err := b.clusterSortPipe(serializeLen, lastLen); err != nil {
		return err
	}

	// Mutation and serialization. The admission semaphore bounds the
	// mutator's in-flight segment rewrites.
	sem := semaphore.NewWeighted(int64(b.cfg.MaxThreads))
	statsGen := storage.NewClusterStatsGen(meta)
	outs = b.pipeline.Outputs()
	items = items[:0]
	pos := 0
	if needMatch {
		items = append(items, storage.RowIDAggregateMutatorItem(b.store, sem, b.plan.Segments, b.logger, outs[0]))
		pos = 1
	}
	for i := 0; i < serializeLen; i++ {
		items = append(items, storage.SerializeBlockItem(b.store, statsGen, outs[pos+i]))
	}
	if distributed && needUnmatch {
		items = append(items, pipeline.DummyItem(outs[len(outs)-1]))
	}
	if err := b.pipeline.AddPipe(pipeline.NewPipe(items...)); err != nil {
		return err
	}

	// Collapse the block-log ports to one before segment sealing.
	var groups [][]int
	offset := 0
	if needMatch {
		groups = append(groups, []int{0})
		offset = 1
	}
	if serializeLen > 0 {
		g := make([]int, 0, serializeLen)
		for i := 0; i < serializeLen; i++ {
			g = append(g, offset+i)
		}
		groups = append(groups, g)
	}
	if distributed && needUnmatch {
		groups = append(groups, []int{b.pipeline.OutputLen() - 1})
	}
	if err := b.pipeline.ResizePartial(groups); err != nil {
		return err
	}

	outs = b.pipeline.Outputs()
	items = items[:0]
	pos = 0
	if needMatch {
		items = append(items, pipeline.DummyItem(outs[0]))
		pos = 1
	}
	if serializeLen > 0 {
		items = append(items, storage.SerializeSegmentItem(b.store, outs[pos]))
		pos++
	}
	if distributed && needUnmatch {
		items = append(items, pipeline.DummyItem(outs[pos]))
	}
	if err := b.pipeline.AddPipe(pipeline.NewPipe(items...)); err != nil {
		return err
	}

	// Canonical layout: one MutationLogs port, then the RowNumbers port if
	// the distributed unmatched path is active.
	layout := b.pipeline.Layout()
	var logPorts []int
	var rest [][]int
	for i, role := range layout {
		if role == pipeline.RoleMutationLog {
			logPorts = append(logPorts, i)
		} else {
			rest = append(rest, []int{i})
		}
	}
	if len(logPorts) > 1 {
		groups = append([][]int{logPorts}, rest...)
		if err := b.pipeline.ResizePartial(groups); err != nil {
			return err
		}
	}

	if distributed && needUnmatch {
		outs = b.pipeline.Outputs()
		items = items[:0]
		for _, out := range outs {
			if out.Role() == pipeline.RoleRowNumber {
				items = append(items, newAccumulateRowNumberItem(out))
			} else {
				items = append(items, pipeline.DummyItem(out))
			}
		}
		if err := b.pipeline.AddPipe(pipeline.NewPipe(items...)); err != nil {
			return err
		}
	}

	want = want[:0]
	if !distributed || needMatch {
		want = append(want, pipeline.RoleMutationLog)
	}
	if distributed && needUnmatch {
		want = append(want, pipeline.RoleRowNumber)
	}
	return b.assertLayout(want)
}

// BuildAddRowNumber tags every lane's rows with node-unique row numbers
// before the distributed exchange. A node missing from the cluster
// membership is a build-time error.
func (b *PipelineBuilder) BuildAddRowNumber() error {
	if b.cfg.Membership == nil {
		return errors.New("merge: cluster membership required to add row numbers")
	}
	local := b.cfg.Membership.LocalID()
	node, ok := b.cfg.Membership.NodeIndex(local)
	if !ok {
		return errors.Errorf("merge: node %q not in cluster membership", local)
	}
	counter := new(atomic.Uint64)
	return b.pipeline.AddTransform(func(in *pipeline.Port) (pipeline.Item, error) {
		return newAddRowNumberItem(in, node, counter), nil
	})
}

// BuildAppendNotMatched appends the coordinator round: collapse the
// exchange stream to one lane, split row numbers from mutation logs,
// deduplicate, resolve survivors from the probe hash table, evaluate the
// insert clauses, and serialize the appended rows. Matched-only plans
// receive mutation logs only and stop after the collapse.
func (b *PipelineBuilder) BuildAppendNotMatched() error {
	if err := b.pipeline.Resize(1); err != nil {
		return err
	}
	if b.plan.Variant == MatchedOnly {
		return nil
	}
	if b.cfg.Probe == nil {
		return errors.New("merge: probe table required to append unmatched rows")
	}

	in := b.pipeline.Outputs()[0]
	if err := b.pipeline.AddPipe(pipeline.NewPipe(newRowNumberAndLogSplitItem(in))); err != nil {
		return err
	}

	withLogLane := func(mk func(in *pipeline.Port) pipeline.Item) error {
		outs := b.pipeline.Outputs()
		return b.pipeline.AddPipe(pipeline.NewPipe(mk(outs[0]), pipeline.DummyItem(outs[1])))
	}

	if err := withLogLane(newDedupRowNumberItem); err != nil {
		return err
	}
	if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
		return newExtractHashTableItem(in, b.cfg.Probe)
	}); err != nil {
		return err
	}
	if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
		return newNotMatchedItem(in, b.plan)
	}); err != nil {
		return err
	}

	meta := b.store.Meta()
	if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
		return newFillDefaultItem(in, meta)
	}); err != nil {
		return err
	}
	if !meta.DefaultSchema().Equal(meta.ComputedSchema()) {
		if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
			return newFillComputedItem(in, meta)
		}); err != nil {
			return err
		}
	}

	if err := b.clusterSortPipe(1, 1); err != nil {
		return err
	}

	statsGen := storage.NewClusterStatsGen(meta)
	if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
		return storage.SerializeBlockItem(b.store, statsGen, in)
	}); err != nil {
		return err
	}
	if err := withLogLane(func(in *pipeline.Port) pipeline.Item {
		return storage.SerializeSegmentItem(b.store, in)
	}); err != nil {
		return err
	}

	if err := b.pipeline.Resize(1); err != nil {
		return err
	}
	return b.assertLayout([]pipeline.Role{pipeline.RoleMutationLog})
}

// regroupLanes permutes a frontier of width-k lane groups into role-major
// order and collapses the leading row-id ports (and, width 3, the trailing
// row-number ports) to one each.
func (b *PipelineBuilder) regroupLanes(k int) error {
	n := b.pipeline.OutputLen()
	if n%k != 0 {
		return errors.Errorf("merge: %d lanes not divisible by group width %d", n, k)
	}
	group := n / k
	perm := make([]int, 0, n)
	for idx := 0; idx < group; idx++ {
		for j := 0; j < k; j++ {
			perm = append(perm, idx+j*group)
		}
	}
	if err := b.pipeline.Reorder(perm); err != nil {
		return err
	}

	rowIDs := make([]int, 0, group)
	for idx := 0; idx < group; idx++ {
		rowIDs = append(rowIDs, idx)
	}
	groups := [][]int{rowIDs}
	for idx := 0; idx < group; idx++ {
		groups = append(groups, []int{group + idx})
	}
	if k == 3 {
		rowNums := make([]int, 0, group)
		for idx := 0; idx < group; idx++ {
			rowNums = append(rowNums, 2*group+idx)
		}
		groups = append(groups, rowNums)
	}
	return b.pipeline.ResizePartial(groups)
}

// fillPipe applies mk to every data port and passes the rest through.
func (b *PipelineBuilder) fillPipe(mk func(in *pipeline.Port) pipeline.Item) error {
	outs := b.pipeline.Outputs()
	items := make([]pipeline.Item, 0, len(outs))
	for _, in := range outs {
		if in.Role() == pipeline.RoleData {
			items = append(items, mk(in))
		} else {
			items = append(items, pipeline.DummyItem(in))
		}
	}
	return b.pipeline.AddPipe(pipeline.NewPipe(items...))
}

// clusterSortPipe sorts midLen data ports by the clustering key, leaving
// the ports before and after them untouched.
func (b *PipelineBuilder) clusterSortPipe(midLen, lastLen int) error {
	outs := b.pipeline.Outputs()
	lead := len(outs) - midLen - lastLen
	if lead < 0 {
		return errors.Errorf("merge: cluster sort over %d of %d ports", midLen+lastLen, len(outs))
	}
	items := make([]pipeline.Item, 0, len(outs))
	for i, in := range outs {
		if i < lead || i >= lead+midLen {
			items = append(items, pipeline.DummyItem(in))
			continue
		}
		it, err := storage.ClusterSortItem(b.store, b.store.Meta().ComputedSchema(), in)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	return b.pipeline.AddPipe(pipeline.NewPipe(items...))
}

func (b *PipelineBuilder) assertLayout(want []pipeline.Role) error {
	got := b.pipeline.Layout()
	if len(got) != len(want) {
		return errors.Errorf("merge: pipeline has %d ports, want %d (%v)", len(got), len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			return errors.Errorf("merge: port %d is %s, want %s", i, got[i], want[i])
		}
	}
	return nil
}
