package partnerdb

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"github.com/dialtr/partnerdb/internal/memtable"
	"github.com/dialtr/partnerdb/internal/record"
	"github.com/dialtr/partnerdb/internal/sstable"
	"github.com/dialtr/partnerdb/internal/vfs"
	"go.uber.org/zap"
)

// Store is C6, the write-path coordinator and public handle onto one
// open database directory. Grounded on dialtr-pebble/db.go's DB, which
// names most of these same fields (mu, mem, imm, versions, commit,
// tableCache) even though its own body wasn't part of the retrieved
// excerpt — the shape below fills them in against spec.md §4.
type Store struct {
	dirname string
	opts    *Options
	cmp     base.Compare
	fs      vfs.FS
	logger  *zap.Logger
	met     *metrics

	lock io.Closer

	versions   *manifest.VersionSet
	tableCache *sstable.TableCache

	commit *commitPipeline

	// mu protects everything below it plus memtable rotation. It is
	// distinct from versions.Mu (the catalog mutex); a write only ever
	// holds one of the two at a time except while rolling the WAL, which
	// intentionally nests versions.Mu inside mu (spec.md §4.3/§4.4).
	mu     sync.Mutex
	bgCond *sync.Cond
	mem    *memtable.Memtable
	imm    []*memtable.Memtable
	// immLogNums[i] lists every WAL segment whose data is captured in
	// imm[i]; flushing imm[i] makes all of them obsolete (spec.md §3's
	// WAL lifecycle rule). Normally a single entry (the segment active
	// when that memtable was sealed), but the very first memtable after
	// a recovery with more than one WAL segment on disk owns every
	// segment recovery merged into it, since they all share the one
	// memtable until its first rotation.
	immLogNums [][]uint64
	// pendingRecoveredLogNums holds log numbers replayed into db.mem at
	// Open that haven't yet been attributed to a rotation (see above);
	// drained into immLogNums the first time db.mem seals.
	pendingRecoveredLogNums []uint64
	logFile                 vfs.File
	logWriter               *record.LogWriter
	logNumber               uint64
	manual                  *manualRange

	snapshots snapshotList

	closed   atomic.Bool
	poisoned atomic.Bool
	closeWG  sync.WaitGroup

	// bgBusy is set for the duration of a flush or compaction so tests
	// can observe "the background loop is genuinely idle" rather than
	// just "nothing is queued at this instant" (pickCompaction alone
	// can't distinguish those while a compaction it already dispatched
	// is still running).
	bgBusy atomic.Bool
}

// Open opens (and, per Options.CreateIfMissing, creates) the database
// at dirname, replaying its WAL and manifest and starting the
// background flush/compaction loop, per spec.md §6's `Open(dirname,
// options) -> DB`.
func Open(dirname string, opts *Options) (*Store, error) {
	opts = opts.EnsureDefaults()
	fs := opts.FS

	if opts.CreateIfMissing {
		if err := fs.MkdirAll(dirname); err != nil {
			return nil, err
		}
	}
	currentName := base.MakeFilename(dirname, base.FileTypeCurrent, 0)
	_, statErr := fs.Open(currentName)
	exists := statErr == nil
	if exists && opts.ErrorIfExists {
		return nil, errors.Newf("partnerdb: database %q already exists", dirname)
	}
	if !exists && !opts.CreateIfMissing {
		return nil, errors.Newf("partnerdb: database %q does not exist", dirname)
	}

	lock, err := fs.Lock(base.MakeFilename(dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, errors.Wrap(err, "partnerdb: acquire lock file")
	}

	logger, err := openLogger(fs, dirname, opts.Logger)
	if err != nil {
		lock.Close()
		return nil, err
	}

	versions := &manifest.VersionSet{
		Dirname: dirname,
		FS:      fs,
		Cmp:     opts.Comparer.Compare,
		CmpName: opts.Comparer.Name,
	}
	if err := versions.Load(); err != nil {
		lock.Close()
		return nil, err
	}

	db := &Store{
		dirname:    dirname,
		opts:       opts,
		cmp:        opts.Comparer.Compare,
		fs:         fs,
		logger:     logger,
		met:        newMetrics(opts.MetricsRegisterer),
		lock:       lock,
		versions:   versions,
		tableCache: sstable.NewTableCache(fs, dirname, opts.Comparer.Compare, opts.MaxOpenFiles),
	}
	db.bgCond = sync.NewCond(&db.mu)
	db.commit = newCommitPipeline(db.applyBatches)

	if err := db.recover(); err != nil {
		versions.Close()
		lock.Close()
		return nil, err
	}

	db.closeWG.Add(1)
	go db.backgroundLoop()
	return db, nil
}

// recover replays every WAL segment still present on disk (there may be
// more than one: a store can seal several memtables under backpressure
// before any of them is flushed, and each rotation opens its own log)
// into a fresh memtable, in ascending log-number order so sequence
// numbers replay monotonically, then rolls a brand new WAL so that
// writes never again append to a log that may hold a partially-replayed
// tail. It finishes by garbage-collecting any orphan file a crashed
// install left behind, per spec.md §6.
func (db *Store) recover() error {
	mem := memtable.New(db.cmp, db.opts.WriteBufferSize)
	nums, err := db.listLogNumbers()
	if err != nil {
		return err
	}
	for _, n := range nums {
		if err := db.replayLog(n, mem); err != nil {
			return err
		}
		db.versions.MarkFileNumUsed(n)
	}
	db.mem = mem
	// The replayed segments' only durable copy is their own bytes on
	// disk until db.mem is itself flushed; they are not obsolete just
	// because recovery finished reading them (spec.md §3/§8 invariant 4).
	// They're retired together the first time db.mem seals.
	db.pendingRecoveredLogNums = nums
	if err := db.rollWAL(); err != nil {
		return err
	}
	db.removeOrphanFiles(nums)
	return nil
}

// listLogNumbers returns the file numbers of every NNNNNN.log segment
// currently in the database directory, ascending. Falls back to just
// the manifest's recorded log number if the directory can't be listed
// (e.g. a test FS that doesn't implement it), so recovery still makes
// progress rather than failing outright.
func (db *Store) listLogNumbers() ([]uint64, error) {
	names, err := db.fs.List(db.dirname)
	if err != nil {
		if db.versions.LogNumber != 0 {
			return []uint64{db.versions.LogNumber}, nil
		}
		return nil, nil
	}
	var nums []uint64
	for _, name := range names {
		ft, num, ok := base.ParseFilename(name)
		if ok && ft == base.FileTypeLog {
			nums = append(nums, num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// replayLog re-applies every batch recorded in a prior WAL segment.
// Missing or truncated logs are tolerated unless ParanoidChecks is set,
// matching spec.md §7's "a corrupt tail record... is truncated only
// when paranoid_checks is off".
func (db *Store) replayLog(logNumber uint64, mem *memtable.Memtable) error {
	name := base.MakeFilename(db.dirname, base.FileTypeLog, logNumber)
	f, err := db.fs.Open(name)
	if err != nil {
		return nil
	}
	defer f.Close()

	rr := record.NewReader(f)
	var maxSeq base.SeqNum
	for {
		rec, err := rr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if db.opts.ParanoidChecks {
				return errors.Wrap(err, "partnerdb: replay WAL")
			}
			break
		}
		seqNum, entries, err := decodeBatch(rec)
		if err != nil {
			if db.opts.ParanoidChecks {
				return err
			}
			break
		}
		seq := seqNum
		for _, e := range entries {
			if err := mem.Insert(base.MakeInternalKey(e.Key, seq, e.Kind), e.Value); err != nil {
				return err
			}
			seq++
		}
		if seq > 0 && seq-1 > maxSeq {
			maxSeq = seq - 1
		}
	}
	if uint64(maxSeq) > atomic.LoadUint64(&db.versions.LogSeqNum) {
		atomic.StoreUint64(&db.versions.LogSeqNum, uint64(maxSeq))
		atomic.StoreUint64(&db.versions.VisibleSeqNum, uint64(maxSeq))
	}
	return nil
}

// rollWAL allocates a new log file number, opens it, and records the
// switch in the manifest. Called with db.mu held.
func (db *Store) rollWAL() error {
	num := db.versions.NextFileNum()
	name := base.MakeFilename(db.dirname, base.FileTypeLog, num)
	f, err := db.fs.Create(name)
	if err != nil {
		return err
	}
	prevFile := db.logFile
	db.logFile = f
	db.logWriter = record.NewLogWriter(f)
	prevNumber := db.logNumber
	db.logNumber = num

	ve := &manifest.VersionEdit{NewLogNumber: num, PrevLogNumber: prevNumber}
	if err := db.versions.LogAndApply(ve); err != nil {
		return err
	}
	if prevFile != nil {
		prevFile.Close()
	}
	return nil
}

// Close flushes nothing further (an explicit Flush/CompactRange is the
// caller's job beforehand); it stops the background loop and releases
// every open handle.
func (db *Store) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.mu.Lock()
	db.bgCond.Broadcast()
	db.mu.Unlock()
	db.closeWG.Wait()

	if db.logFile != nil {
		db.logFile.Close()
	}
	if err := db.tableCache.Close(); err != nil {
		db.logger.Error("closing table cache", zap.Error(err))
	}
	if err := db.versions.Close(); err != nil {
		db.logger.Error("closing manifest", zap.Error(err))
	}
	return db.lock.Close()
}

// Put stages and commits a single Set mutation.
func (db *Store) Put(key, value []byte, opts *WriteOptions) error {
	b := NewBatch()
	b.Set(key, value)
	return db.Write(b, opts)
}

// Delete stages and commits a single tombstone.
func (db *Store) Delete(key []byte, opts *WriteOptions) error {
	b := NewBatch()
	b.Delete(key)
	return db.Write(b, opts)
}

// Write commits every mutation staged in b as one atomic batch, per
// spec.md §6's `Write(batch, opts)`.
func (db *Store) Write(b *Batch, opts *WriteOptions) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.poisoned.Load() {
		return ErrPoisoned
	}
	if b.Count() == 0 {
		return nil
	}
	sync := opts != nil && opts.Sync
	req := &commitRequest{batch: b, sync: sync, done: make(chan error, 1)}
	return db.commit.commit(req)
}

// applyBatches is the commitPipeline's apply callback: it assigns a
// contiguous sequence range to the coalesced batches, appends them as
// one WAL record, and inserts every entry into the active memtable, per
// spec.md §4.3's group-commit description.
func (db *Store) applyBatches(reqs []*commitRequest) error {
	n := 0
	for _, r := range reqs {
		n += r.batch.Count()
	}
	if n == 0 {
		return nil
	}

	var need uint64
	for _, r := range reqs {
		for _, e := range r.batch.entries {
			need += memtable.EntrySize(len(e.Key), len(e.Value))
		}
	}

	db.mu.Lock()
	if err := db.makeRoomForWrite(need); err != nil {
		db.mu.Unlock()
		return err
	}
	mem := db.mem
	mem.Ref()
	logWriter := db.logWriter
	logFile := db.logFile
	newTop := atomic.AddUint64(&db.versions.LogSeqNum, uint64(n))
	baseSeq := base.SeqNum(newTop) - base.SeqNum(n) + 1
	db.mu.Unlock()
	defer mem.Unref()

	// The coalesced group goes out as one logical WAL record holding one
	// combined batch: a single header carrying the group's base sequence
	// number and total entry count, followed by every waiter's entries in
	// queue order. Replay then reconstructs the whole group from the one
	// record, preserving the contiguous sequence assignment.
	seq := baseSeq
	buf := make([]byte, base.BatchHeaderLen)
	base.EncodeBatchHeader(buf, baseSeq, uint32(n))
	wantSync := false
	for _, r := range reqs {
		r.batch.seqNum = seq
		seq += base.SeqNum(r.batch.Count())
		for _, e := range r.batch.entries {
			buf = base.EncodeBatchEntry(buf, e)
		}
		if r.sync {
			wantSync = true
		}
	}

	if _, err := logWriter.WriteRecord(buf); err != nil {
		db.poisoned.Store(true)
		return errors.Wrap(err, "partnerdb: WAL append failed")
	}
	if wantSync {
		if err := logFile.Sync(); err != nil {
			db.poisoned.Store(true)
			return errors.Wrap(err, "partnerdb: WAL sync failed")
		}
	}

	seq = baseSeq
	for _, r := range reqs {
		for _, e := range r.batch.entries {
			if err := mem.Insert(base.MakeInternalKey(e.Key, seq, e.Kind), e.Value); err != nil {
				return errors.Wrap(err, "partnerdb: memtable insert failed")
			}
			seq++
		}
	}

	atomic.StoreUint64(&db.versions.VisibleSeqNum, uint64(seq-1))
	db.met.recordWrite(len(buf))
	db.met.setMemtableBytes(mem.Size())
	return nil
}

// makeRoomForWrite implements spec.md §5's five-step backpressure
// ladder, admitting a batch of need bytes. Called with db.mu held; may
// release and reacquire it (to sleep, or to wait on bgCond). The
// admission check runs before the batch touches the WAL, so a write
// that doesn't fit the active memtable rotates it here rather than
// failing after its record is already durable.
func (db *Store) makeRoomForWrite(need uint64) error {
	sleptForSlowdown := false
	for {
		v := db.versions.CurrentVersion()
		v.Ref()
		l0Count := len(v.Files[0])
		v.Unref()

		if !sleptForSlowdown && l0Count >= db.opts.L0SlowdownWritesThreshold {
			sleptForSlowdown = true
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			db.mu.Lock()
			continue
		}
		if db.mem.Prepare(need) == nil {
			return nil
		}
		if len(db.imm) >= db.opts.MemTableStopWritesThreshold {
			db.bgCond.Wait()
			continue
		}
		if l0Count >= db.opts.L0StopWritesThreshold {
			db.bgCond.Wait()
			continue
		}
		if err := db.rotateMemtable(); err != nil {
			return err
		}
		return nil
	}
}

// rotateMemtable seals the active memtable, queues it for flush, rolls
// the WAL, and allocates a fresh active memtable (spec.md §5 step 5).
func (db *Store) rotateMemtable() error {
	owned := append(db.pendingRecoveredLogNums, db.logNumber)
	db.pendingRecoveredLogNums = nil
	db.mem.Seal()
	db.imm = append(db.imm, db.mem)
	db.immLogNums = append(db.immLogNums, owned)
	if err := db.rollWAL(); err != nil {
		return err
	}
	db.mem = memtable.New(db.cmp, db.opts.WriteBufferSize)
	db.bgCond.Broadcast()
	return nil
}

// Get looks up key at the store's current visible sequence number.
func (db *Store) Get(key []byte) ([]byte, error) {
	return db.GetAt(key, nil)
}

// GetAt looks up key as of snap, or at the current visible sequence
// number if snap is nil.
func (db *Store) GetAt(key []byte, snap *Snapshot) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	seqFence := base.SeqNum(atomic.LoadUint64(&db.versions.VisibleSeqNum))
	if snap != nil {
		seqFence = snap.seqNum
	}

	db.mu.Lock()
	mem := db.mem
	mem.Ref()
	imms := make([]*memtable.Memtable, len(db.imm))
	copy(imms, db.imm)
	for _, m := range imms {
		m.Ref()
	}
	db.mu.Unlock()
	defer func() {
		mem.Unref()
		for _, m := range imms {
			m.Unref()
		}
	}()

	if v, tomb, ok := mem.Get(key, seqFence); ok {
		if tomb {
			return nil, ErrNotFound
		}
		return v, nil
	}
	for i := len(imms) - 1; i >= 0; i-- {
		if v, tomb, ok := imms[i].Get(key, seqFence); ok {
			if tomb {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}

	v := db.versions.CurrentVersion()
	v.Ref()
	defer v.Unref()

	for _, f := range v.Files[0] {
		if !f.Overlaps(db.cmp, key, key) {
			continue
		}
		val, ok, err := db.getFromFile(f, key, seqFence)
		if err != nil {
			return nil, err
		}
		if ok {
			return val, nil
		}
	}

	for level := 1; level < manifest.NumLevels; level++ {
		files := v.Files[level]
		idx := sort.Search(len(files), func(i int) bool {
			return db.cmp(files[i].Largest.UserKey, key) >= 0
		})
		if idx >= len(files) || !files[idx].Overlaps(db.cmp, key, key) {
			continue
		}
		f := files[idx]
		val, ok, err := db.getFromFile(f, key, seqFence)
		if err != nil {
			return nil, err
		}
		if ok {
			return val, nil
		}
		if f.AllowedSeeks.Add(-1) == 0 {
			db.mu.Lock()
			db.bgCond.Broadcast()
			db.mu.Unlock()
		}
	}
	return nil, ErrNotFound
}

func (db *Store) getFromFile(f *manifest.FileMetadata, key []byte, seqFence base.SeqNum) ([]byte, bool, error) {
	entry, err := db.tableCache.Get(f.FileNum)
	if err != nil {
		return nil, false, err
	}
	defer db.tableCache.Unref(entry)
	return entry.Reader().Get(base.MakeInternalKey(key, seqFence, base.InternalKeyKindMax))
}

// NewSnapshot pins the current visible sequence number, per spec.md
// §6's `NewSnapshot() -> Snapshot`.
func (db *Store) NewSnapshot() *Snapshot {
	seq := base.SeqNum(atomic.LoadUint64(&db.versions.VisibleSeqNum))
	s := &Snapshot{seqNum: seq, db: db}
	db.snapshots.add(s)
	return s
}

// NewIterator returns a cursor over every key visible at snap (or at
// the store's current visible sequence number if snap is nil), per
// spec.md §6's `NewIterator([snapshot]) -> Iterator`. Source assembly
// order (active memtable, sealed memtables newest-first, L0 runs
// newest-file-first, one concatenating iterator per L>=1) mirrors
// dialtr-pebble/db.go's newIterInternal.
func (db *Store) NewIterator(snap *Snapshot) *Iterator {
	seqFence := base.SeqNum(atomic.LoadUint64(&db.versions.VisibleSeqNum))
	if snap != nil {
		seqFence = snap.seqNum
	}

	db.mu.Lock()
	mem := db.mem
	mem.Ref()
	imms := make([]*memtable.Memtable, len(db.imm))
	copy(imms, db.imm)
	for _, m := range imms {
		m.Ref()
	}
	db.mu.Unlock()

	v := db.versions.CurrentVersion()
	v.Ref()

	var sources []internalIterator
	sources = append(sources, newMemIterAdapter(mem.NewIter()))
	for i := len(imms) - 1; i >= 0; i-- {
		sources = append(sources, newMemIterAdapter(imms[i].NewIter()))
	}

	var openEntries []*sstable.CachedReader
	for _, f := range v.Files[0] {
		entry, err := db.tableCache.Get(f.FileNum)
		if err != nil {
			continue
		}
		fit, err := entry.Reader().NewIter()
		if err != nil {
			db.tableCache.Unref(entry)
			continue
		}
		openEntries = append(openEntries, entry)
		sources = append(sources, fit)
	}
	for level := 1; level < manifest.NumLevels; level++ {
		if len(v.Files[level]) == 0 {
			continue
		}
		sources = append(sources, newLevelIter(db.cmp, db.tableCache, v.Files[level]))
	}

	it := newIterator(db.cmp, sources, seqFence)
	it.release = append(it.release, func() {
		mem.Unref()
		for _, m := range imms {
			m.Unref()
		}
		for _, e := range openEntries {
			db.tableCache.Unref(e)
		}
		v.Unref()
	})
	return it
}
