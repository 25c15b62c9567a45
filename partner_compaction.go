package partnerdb

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errSplitNotApplicable signals runSplitCompaction declining the job so
// the caller falls back to a classical compaction, per spec.md §4.7's
// skip conditions (all-L0 input, too small, fewer than two usable
// shards).
var errSplitNotApplicable = errors.New("partnerdb: compaction not eligible for splitting")

// shardPlan is one independent merge job: its own slice of the L+1
// input range plus whichever L and L+1 runs fall in that slice.
type shardPlan struct {
	lo, hi   []byte
	lFiles   []*manifest.FileMetadata
	lp1Files []*manifest.FileMetadata
}

// planShards resolves spec.md §9's split-K Open Question with a
// weighted-byte bisection: it walks the (sorted, disjoint) L+1 input
// runs, closing a shard's file group once its cumulative size reaches
// roughly 1/K of the total, so shards are defined at L+1 *file*
// boundaries. Because a shard boundary always falls between two L+1
// files rather than through one, no L+1 run ever straddles a shard —
// the "exclude and carve out straddlers" step of spec.md §4.7 collapses
// to simply never cutting inside a file. L files overlapping more than
// one shard are intentionally assigned to every shard they touch;
// writeCompactionOutputs's [lo, hi) bound on each shard's run keeps a
// single L entry from being emitted into more than one output.
func planShards(cmp base.Compare, lFiles, lp1Files []*manifest.FileMetadata, maxShards int) []shardPlan {
	if len(lp1Files) < 2 || maxShards < 2 {
		return nil
	}
	var total uint64
	for _, f := range lp1Files {
		total += f.Size
	}
	if total == 0 {
		return nil
	}
	target := total / uint64(maxShards)
	if target == 0 {
		target = 1
	}

	var groups [][]*manifest.FileMetadata
	var cur []*manifest.FileMetadata
	var curBytes uint64
	for _, f := range lp1Files {
		cur = append(cur, f)
		curBytes += f.Size
		if curBytes >= target && len(groups) < maxShards-1 {
			groups = append(groups, cur)
			cur = nil
			curBytes = 0
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	if len(groups) < 2 {
		return nil
	}

	shards := make([]shardPlan, 0, len(groups))
	for _, g := range groups {
		lo, _, _ := manifest.KeyRange(cmp, g)
		shards = append(shards, shardPlan{lo: lo, lp1Files: g})
	}
	// Shards tile the key space contiguously: each shard's hi is the next
	// shard's lo (half-open, so a boundary key belongs to the shard whose
	// L+1 file holds it, and no key between two groups' ranges is owned by
	// neither). The outermost bounds are open so L input data outside the
	// current L+1 coverage (a brand new key range, or one past the last
	// L+1 run) still lands in exactly one shard.
	for i := 0; i+1 < len(shards); i++ {
		shards[i].hi = shards[i+1].lo
	}
	shards[0].lo = nil
	for i := range shards {
		for _, lf := range lFiles {
			if lf.Overlaps(cmp, shards[i].lo, shards[i].hi) {
				shards[i].lFiles = append(shards[i].lFiles, lf)
			}
		}
	}
	return shards
}

// runSplitCompaction is C9: it partitions c's L+1 range into byte-
// weighted shards, runs each as an independent merge job on a bounded
// worker pool, and unions every shard's output into one atomic version
// edit so the change is never partially visible, per spec.md §4.7.
func (db *Store) runSplitCompaction(c *compactionInfo) error {
	shards := planShards(db.cmp, c.inputs[0], c.inputs[1], db.opts.SplitCompactionWorkers)
	if shards == nil {
		return errSplitNotApplicable
	}

	start := time.Now()
	seqFence := base.SeqNum(atomic.LoadUint64(&db.versions.VisibleSeqNum))
	oldest := db.snapshots.oldest(seqFence)

	sem := semaphore.NewWeighted(int64(db.opts.SplitCompactionWorkers))
	g, ctx := errgroup.WithContext(context.Background())

	results := make([][]*manifest.FileMetadata, len(shards))
	for i := range shards {
		i := i
		shard := shards[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			outs, err := db.runShard(shard, c.level, oldest)
			if err != nil {
				return err
			}
			results[i] = outs
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Partial success never becomes visible: discard every output
		// any shard managed to write before the failure (spec.md §4.7
		// step 3, "all-or-nothing").
		for _, outs := range results {
			for _, m := range outs {
				db.fs.Remove(base.MakeFilename(db.dirname, base.FileTypeTable, m.FileNum))
			}
		}
		return err
	}

	ve := &manifest.VersionEdit{}
	for _, f := range c.inputs[0] {
		ve.DeletedFiles = append(ve.DeletedFiles, manifest.DeletedFileEntry{Level: c.level, FileNum: f.FileNum})
	}
	for _, f := range c.inputs[1] {
		ve.DeletedFiles = append(ve.DeletedFiles, manifest.DeletedFileEntry{Level: c.level + 1, FileNum: f.FileNum})
	}
	var total int64
	for _, outs := range results {
		for _, m := range outs {
			ve.NewFiles = append(ve.NewFiles, manifest.NewFileEntry{Level: c.level + 1, Meta: m})
			total += int64(m.Size)
		}
	}
	if len(c.inputs[0]) > 0 {
		ve.CompactionPointers = map[int]base.InternalKey{c.level: c.inputs[0][len(c.inputs[0])-1].Largest}
	}
	if err := db.versions.LogAndApply(ve); err != nil {
		return err
	}
	db.deleteObsoleteFiles(ve.DeletedFiles)
	db.met.recordCompaction("split", total, time.Since(start).Seconds())
	return nil
}

// runShard merges one shard's slice of the L and L+1 inputs into its
// own run(s), bounded to [shard.lo, shard.hi) so overlapping L entries
// assigned to more than one shard are only ever emitted by the shard
// that owns their key range.
func (db *Store) runShard(shard shardPlan, level int, oldest base.SeqNum) ([]*manifest.FileMetadata, error) {
	var sources []internalIterator
	if len(shard.lFiles) > 0 {
		sources = append(sources, newLevelIter(db.cmp, db.tableCache, shard.lFiles))
	}
	if len(shard.lp1Files) > 0 {
		sources = append(sources, newLevelIter(db.cmp, db.tableCache, shard.lp1Files))
	}
	if len(sources) == 0 {
		return nil, nil
	}
	defer closeAll(sources)

	merge := newMergingIter(db.cmp, sources)

	var grandparents []*manifest.FileMetadata
	if level+2 < manifest.NumLevels {
		v := db.versions.CurrentVersion()
		v.Ref()
		grandparents = v.OverlappingFiles(db.cmp, level+2, shard.lo, shard.hi)
		v.Unref()
	}
	return db.writeCompactionOutputs(merge, level+1, oldest, grandparents, shard.lo, shard.hi)
}
