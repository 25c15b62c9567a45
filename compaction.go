package partnerdb

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"github.com/dialtr/partnerdb/internal/memtable"
	"github.com/dialtr/partnerdb/internal/sstable"
	"go.uber.org/zap"
)

// manualRange is a pending CompactRange request, serviced ahead of any
// size- or seek-driven pick (spec.md §4.5 priority 2). level tracks how
// far the request has progressed: a range compaction drains every
// overlapping group at one level before advancing to the next, so a
// single CompactRange(nil, nil) converges on "at most one run per level
// for L>=1" (spec.md §8) over several background-loop iterations rather
// than one.
type manualRange struct {
	lo, hi []byte
	level  int
}

// CompactRange requests that every run overlapping [lo, hi] be folded
// down through every level in turn, per spec.md §6. It enqueues the
// request and returns immediately; the background loop drains it one
// compaction at a time across its next several iterations.
func (db *Store) CompactRange(lo, hi []byte) {
	db.mu.Lock()
	db.manual = &manualRange{lo: lo, hi: hi}
	db.bgCond.Broadcast()
	db.mu.Unlock()
}

// Wait blocks until every sealed memtable has been flushed, any pending
// manual compaction has fully drained, and the background loop is idle.
// It exists so a caller that issued CompactRange can observe completion
// without reaching into the store's internals. Polled rather than
// condition-signaled: the background loop only broadcasts when it does
// work, not when pickCompaction discovers a manual range just finished
// draining, so a waiter parked on bgCond could miss that transition.
func (db *Store) Wait() {
	for {
		db.mu.Lock()
		idle := len(db.imm) == 0 && db.manual == nil && !db.bgBusy.Load()
		closed := db.closed.Load()
		db.mu.Unlock()
		if idle || closed {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// backgroundLoop is the single goroutine that drains the flush queue
// and runs compactions, per spec.md §4.5 ("one background worker
// coordinates scheduling; only split compaction's shard jobs run in
// parallel"). It always prefers a pending flush over a compaction,
// matching priority 1 in spec.md §4.5.
func (db *Store) backgroundLoop() {
	defer db.closeWG.Done()
	db.mu.Lock()
	defer db.mu.Unlock()
	for {
		if db.closed.Load() {
			return
		}
		if len(db.imm) > 0 {
			mem := db.imm[0]
			logNums := db.immLogNums[0]
			db.bgBusy.Store(true)
			db.mu.Unlock()
			err := db.flushMemtable(mem)
			if err == nil {
				for _, n := range logNums {
					db.removeObsoleteLog(n)
				}
			}
			db.mu.Lock()
			db.bgBusy.Store(false)
			if err != nil {
				db.logger.Error("memtable flush failed", zap.Error(err))
				db.bgCond.Wait()
				continue
			}
			db.imm = db.imm[1:]
			db.immLogNums = db.immLogNums[1:]
			db.bgCond.Broadcast()
			continue
		}

		c := db.pickCompaction()
		if c == nil {
			db.bgCond.Wait()
			continue
		}
		db.bgBusy.Store(true)
		db.mu.Unlock()
		err := db.runCompaction(c)
		db.mu.Lock()
		db.bgBusy.Store(false)
		if err != nil {
			db.logger.Error("compaction failed", zap.Error(err))
		}
		db.bgCond.Broadcast()
	}
}

// flushMemtable is C8's minor compaction: it writes a sealed memtable
// out as one new L0 run, grounded on dialtr-pebble/db.go's
// writeLevel0Table (NewWriter, Add in key order, Close, Stat for size,
// then a version edit adding the run to L0).
func (db *Store) flushMemtable(mem *memtable.Memtable) error {
	start := time.Now()
	fileNum := db.versions.NextFileNum()
	name := base.MakeFilename(db.dirname, base.FileTypeTable, fileNum)
	f, err := db.fs.Create(name)
	if err != nil {
		return err
	}
	w := sstable.NewWriter(f, db.cmp, sstable.WriterOptions{
		BlockSize:            db.opts.BlockSize,
		BlockRestartInterval: db.opts.BlockRestartInterval,
		Compression:          db.opts.Compression,
	})

	it := mem.NewIter()
	var smallest, largest base.InternalKey
	n := 0
	for it.First(); it.Valid(); it.Next() {
		if n == 0 {
			smallest = it.Key().Clone()
		}
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Close()
			return err
		}
		largest = it.Key().Clone()
		n++
	}
	if err := w.Close(); err != nil {
		return err
	}
	if n == 0 {
		db.fs.Remove(name)
		mem.MarkFlushed()
		db.met.recordFlush(time.Since(start).Seconds())
		return nil
	}

	size, _ := w.Stat()
	meta := &manifest.FileMetadata{FileNum: fileNum, Size: uint64(size), Smallest: smallest, Largest: largest}
	ve := &manifest.VersionEdit{NewFiles: []manifest.NewFileEntry{{Level: 0, Meta: meta}}}
	if err := db.versions.LogAndApply(ve); err != nil {
		return err
	}
	mem.MarkFlushed()
	db.met.recordFlush(time.Since(start).Seconds())

	v := db.versions.CurrentVersion()
	v.Ref()
	db.met.setL0FileCount(len(v.Files[0]))
	v.Unref()
	return nil
}

// compactionInfo describes one classical-or-split compaction job: the
// selected L inputs, the overlapping L+1 inputs, and the grandparent
// (L+2) files used to bound output cuts, per spec.md §4.6.
type compactionInfo struct {
	level        int
	inputs       [2][]*manifest.FileMetadata // [0] = level L, [1] = level L+1
	grandparents []*manifest.FileMetadata
}

// pickCompaction implements spec.md §4.5's priority order: manual first,
// then size-driven (L0 file-count score, L>=1 byte-fraction score), then
// seek-driven (a file whose AllowedSeeks budget reached zero).
func (db *Store) pickCompaction() *compactionInfo {
	if db.manual != nil {
		if c := db.buildManualCompaction(db.manual); c != nil {
			return c
		}
		db.manual = nil
	}

	v := db.versions.CurrentVersion()
	v.Ref()
	defer v.Unref()

	bestLevel := -1
	bestScore := 1.0
	l0Score := float64(len(v.Files[0])) / float64(db.opts.L0CompactionTrigger)
	if l0Score >= bestScore {
		bestLevel, bestScore = 0, l0Score
	}
	for level := 1; level < manifest.NumLevels-1; level++ {
		score := float64(v.TotalBytes(level)) / float64(maxBytesForLevel(db.opts, level))
		if score >= bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel >= 0 {
		return db.buildSizeCompaction(v, bestLevel)
	}

	for level := 0; level < manifest.NumLevels-1; level++ {
		for _, f := range v.Files[level] {
			if f.AllowedSeeks.Load() <= 0 {
				return db.buildCompactionAround(v, level, f)
			}
		}
	}
	return nil
}

// buildManualCompaction advances m.level past every level that currently
// has nothing overlapping [m.lo, m.hi], then builds one compaction from
// the first overlapping group it finds. Because m is the same pointer
// stored in db.manual, repeated calls (one per drained compaction) pick
// up where the last one left off instead of restarting from level 0, so
// a single CompactRange request fully drains one level before advancing
// to the next rather than looping back and forth.
func (db *Store) buildManualCompaction(m *manualRange) *compactionInfo {
	v := db.versions.CurrentVersion()
	v.Ref()
	defer v.Unref()
	for ; m.level < manifest.NumLevels-1; m.level++ {
		files := v.OverlappingFiles(db.cmp, m.level, m.lo, m.hi)
		if len(files) == 0 {
			continue
		}
		return db.buildCompactionAround(v, m.level, files[0])
	}
	return nil
}

// buildSizeCompaction picks the first file in level whose smallest key
// is past that level's compaction pointer (spec.md §3's "resume" rule,
// wrapping around to the first file when no file is past it).
func (db *Store) buildSizeCompaction(v *manifest.Version, level int) *compactionInfo {
	files := v.Files[level]
	if len(files) == 0 {
		return nil
	}
	pointer := v.CompactionPointer[level]
	start := files[0]
	for _, f := range files {
		if pointer.UserKey == nil || db.cmp(f.Smallest.UserKey, pointer.UserKey) > 0 {
			start = f
			break
		}
	}
	return db.buildCompactionAround(v, level, start)
}

// buildCompactionAround expands a starting file into a full compaction
// input set: every L0 run overlapping the selection (L0 runs are not
// disjoint, so this can grow iteratively), the overlapping L+1 runs, and
// — for L>=1 — as much additional L growth as doesn't also grow the L+1
// set, per spec.md §4.6's input-expansion rule.
func (db *Store) buildCompactionAround(v *manifest.Version, level int, start *manifest.FileMetadata) *compactionInfo {
	var lFiles []*manifest.FileMetadata
	if level == 0 {
		lo, hi := start.Smallest.UserKey, start.Largest.UserKey
		lFiles = v.OverlappingFiles(db.cmp, 0, lo, hi)
		for {
			lo2, hi2, _ := manifest.KeyRange(db.cmp, lFiles)
			grown := v.OverlappingFiles(db.cmp, 0, lo2, hi2)
			if len(grown) == len(lFiles) {
				break
			}
			lFiles = grown
		}
	} else {
		lFiles = []*manifest.FileMetadata{start}
	}

	lo, hi, _ := manifest.KeyRange(db.cmp, lFiles)
	lp1 := v.OverlappingFiles(db.cmp, level+1, lo, hi)

	if level > 0 {
		for {
			allLo, allHi, _ := manifest.KeyRange(db.cmp, append(append([]*manifest.FileMetadata{}, lFiles...), lp1...))
			grownL := v.OverlappingFiles(db.cmp, level, allLo, allHi)
			grownLp1 := v.OverlappingFiles(db.cmp, level+1, allLo, allHi)
			if len(grownLp1) > len(lp1) || len(grownL) == len(lFiles) {
				break
			}
			lFiles = grownL
			lo, hi = allLo, allHi
		}
	}

	var grandparents []*manifest.FileMetadata
	if level+2 < manifest.NumLevels {
		grandparents = v.OverlappingFiles(db.cmp, level+2, lo, hi)
	}
	return &compactionInfo{level: level, inputs: [2][]*manifest.FileMetadata{lFiles, lp1}, grandparents: grandparents}
}

func sumBytes(files []*manifest.FileMetadata) uint64 {
	var total uint64
	for _, f := range files {
		total += f.Size
	}
	return total
}

func overlappingBytes(cmp base.Compare, files []*manifest.FileMetadata, lo, hi []byte) uint64 {
	var total uint64
	for _, f := range files {
		if f.Overlaps(cmp, lo, hi) {
			total += f.Size
		}
	}
	return total
}

// isTrivialMove reports whether c can be satisfied by relabeling a
// single L run as an L+1 run with no merge work at all, per spec.md
// §4.6 ("a single input run whose range doesn't overlap any L+1 run and
// whose grandparent overlap stays under the cap").
func (db *Store) isTrivialMove(c *compactionInfo) bool {
	if len(c.inputs[0]) != 1 || len(c.inputs[1]) != 0 {
		return false
	}
	return sumBytes(c.grandparents) <= maxGrandparentOverlapBytes(db.opts)
}

func (db *Store) applyTrivialMove(c *compactionInfo) error {
	f := c.inputs[0][0]
	ve := &manifest.VersionEdit{
		DeletedFiles:       []manifest.DeletedFileEntry{{Level: c.level, FileNum: f.FileNum}},
		NewFiles:           []manifest.NewFileEntry{{Level: c.level + 1, Meta: f}},
		CompactionPointers: map[int]base.InternalKey{c.level: f.Largest},
	}
	if err := db.versions.LogAndApply(ve); err != nil {
		return err
	}
	db.met.recordCompaction("trivial_move", 0, 0)
	db.deleteObsoleteFiles(ve.DeletedFiles)
	return nil
}

// runCompaction dispatches c to a trivial move, a split (partner)
// compaction, or a classical streaming merge, per spec.md §4.7's
// eligibility rule (L>=1, big enough, at least two non-straddling
// shards) falling back to classical otherwise.
func (db *Store) runCompaction(c *compactionInfo) error {
	if db.isTrivialMove(c) {
		return db.applyTrivialMove(c)
	}

	totalBytes := sumBytes(c.inputs[0]) + sumBytes(c.inputs[1])
	if c.level >= 1 && totalBytes >= db.opts.SplitCompactionMinBytes {
		err := db.runSplitCompaction(c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errSplitNotApplicable) {
			return err
		}
	}
	return db.runClassicalCompaction(c)
}

type releasingIter struct {
	internalIterator
	release func()
}

func (r *releasingIter) Close() error {
	err := r.internalIterator.Close()
	r.release()
	return err
}

func (db *Store) openFileIter(f *manifest.FileMetadata) (internalIterator, error) {
	entry, err := db.tableCache.Get(f.FileNum)
	if err != nil {
		return nil, err
	}
	it, err := entry.Reader().NewIter()
	if err != nil {
		db.tableCache.Unref(entry)
		return nil, err
	}
	return &releasingIter{internalIterator: it, release: func() { db.tableCache.Unref(entry) }}, nil
}

func closeAll(sources []internalIterator) {
	for _, s := range sources {
		s.Close()
	}
}

// runClassicalCompaction is C8: a streaming k-way merge of every L and
// L+1 input into new L+1 runs, retaining at most two versions of each
// user key (the newest visible one, plus the newest one at or below the
// oldest live snapshot fence) and eliding tombstones whose key no deeper
// level can still hold (see hasDataBelow), per spec.md §4.6.
func (db *Store) runClassicalCompaction(c *compactionInfo) error {
	start := time.Now()
	var sources []internalIterator

	if c.level == 0 {
		for _, f := range c.inputs[0] {
			it, err := db.openFileIter(f)
			if err != nil {
				closeAll(sources)
				return err
			}
			sources = append(sources, it)
		}
	} else if len(c.inputs[0]) > 0 {
		sources = append(sources, newLevelIter(db.cmp, db.tableCache, c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		sources = append(sources, newLevelIter(db.cmp, db.tableCache, c.inputs[1]))
	}
	defer closeAll(sources)

	merge := newMergingIter(db.cmp, sources)
	seqFence := base.SeqNum(atomic.LoadUint64(&db.versions.VisibleSeqNum))
	oldest := db.snapshots.oldest(seqFence)

	outFiles, err := db.writeCompactionOutputs(merge, c.level+1, oldest, c.grandparents, nil, nil)
	if err != nil {
		return err
	}

	ve := &manifest.VersionEdit{}
	for _, f := range c.inputs[0] {
		ve.DeletedFiles = append(ve.DeletedFiles, manifest.DeletedFileEntry{Level: c.level, FileNum: f.FileNum})
	}
	for _, f := range c.inputs[1] {
		ve.DeletedFiles = append(ve.DeletedFiles, manifest.DeletedFileEntry{Level: c.level + 1, FileNum: f.FileNum})
	}
	for _, meta := range outFiles {
		ve.NewFiles = append(ve.NewFiles, manifest.NewFileEntry{Level: c.level + 1, Meta: meta})
	}
	if len(c.inputs[0]) > 0 {
		ve.CompactionPointers = map[int]base.InternalKey{c.level: c.inputs[0][len(c.inputs[0])-1].Largest}
	}
	if err := db.versions.LogAndApply(ve); err != nil {
		return err
	}
	db.deleteObsoleteFiles(ve.DeletedFiles)

	var total int64
	for _, m := range outFiles {
		total += int64(m.Size)
	}
	db.met.recordCompaction("classical", total, time.Since(start).Seconds())
	return nil
}

// writeCompactionOutputs drains merge (optionally bounded to [lo, hi))
// into one or more new runs, cutting a run when it reaches MaxFileSize
// or when its grandparent overlap exceeds the cap (spec.md §4.6's cut
// rules), and applying the two-version snapshot-fence retention rule
// plus tombstone elision wherever no deeper level can still shadow it.
func (db *Store) writeCompactionOutputs(
	merge *mergingIter, outLevel int, oldest base.SeqNum,
	grandparents []*manifest.FileMetadata, lo, hi []byte,
) ([]*manifest.FileMetadata, error) {
	v := db.versions.CurrentVersion()
	v.Ref()
	defer v.Unref()

	var outputs []*manifest.FileMetadata
	var w *sstable.Writer
	var curFileNum uint64
	var smallest, largest base.InternalKey
	var rangeStart []byte

	closeCurrent := func() error {
		if w == nil {
			return nil
		}
		if err := w.Close(); err != nil {
			return err
		}
		size, _ := w.Stat()
		outputs = append(outputs, &manifest.FileMetadata{
			FileNum: curFileNum, Size: uint64(size), Smallest: smallest, Largest: largest,
		})
		w = nil
		return nil
	}
	openNew := func() error {
		curFileNum = db.versions.NextFileNum()
		name := base.MakeFilename(db.dirname, base.FileTypeTable, curFileNum)
		f, err := db.fs.Create(name)
		if err != nil {
			return err
		}
		w = sstable.NewWriter(f, db.cmp, sstable.WriterOptions{
			BlockSize:            db.opts.BlockSize,
			BlockRestartInterval: db.opts.BlockRestartInterval,
			Compression:          db.opts.Compression,
		})
		return nil
	}

	if lo != nil {
		merge.SeekGE(lo)
	} else {
		merge.First()
	}

	var lastUserKey []byte
	var emittedAbove, emittedBelowEq bool

	for merge.Valid() {
		k := merge.Key()
		if hi != nil && db.cmp(k.UserKey, hi) >= 0 {
			break
		}
		if lastUserKey == nil || !base.Equal(db.cmp, k.UserKey, lastUserKey) {
			lastUserKey = append(lastUserKey[:0], k.UserKey...)
			emittedAbove, emittedBelowEq = false, false
		}

		var keep bool
		if k.SeqNum() > oldest {
			keep = !emittedAbove
			emittedAbove = true
		} else {
			keep = !emittedBelowEq
			emittedBelowEq = true
		}
		if keep && k.Kind() == base.InternalKeyKindDelete && !db.hasDataBelow(v, outLevel, k.UserKey) {
			keep = false
		}

		if keep {
			if w == nil {
				if err := openNew(); err != nil {
					return nil, err
				}
				smallest = k.Clone()
				rangeStart = smallest.UserKey
			}
			if err := w.Add(k, merge.Value()); err != nil {
				return nil, err
			}
			largest = k.Clone()

			size, _ := w.Stat()
			cut := size >= int64(db.opts.MaxFileSize)
			if !cut && rangeStart != nil && len(grandparents) > 0 {
				if overlappingBytes(db.cmp, grandparents, rangeStart, largest.UserKey) > maxGrandparentOverlapBytes(db.opts) {
					cut = true
				}
			}
			if cut {
				if err := closeCurrent(); err != nil {
					return nil, err
				}
				rangeStart = nil
			}
		}
		merge.Next()
	}
	if err := closeCurrent(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// hasDataBelow reports whether some run at a level deeper than outLevel
// could still hold an entry for userKey, per spec.md §4.6's tombstone-
// drop rule ("no run at level > L+1 contains the same user key"). A
// delete can be elided as soon as this is false, regardless of whether
// outLevel happens to be the bottom level: once nothing beneath it can
// shadow the key, the tombstone has nothing left to hide.
func (db *Store) hasDataBelow(v *manifest.Version, outLevel int, userKey []byte) bool {
	for level := outLevel + 1; level < manifest.NumLevels; level++ {
		for _, f := range v.Files[level] {
			if f.Overlaps(db.cmp, userKey, userKey) {
				return true
			}
		}
	}
	return false
}
