package partnerdb

import (
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/sstable"
	"github.com/dialtr/partnerdb/internal/vfs"
	"go.uber.org/zap"
)

// Compression mirrors the `compression` option of spec.md §6.
type Compression = sstable.Compression

const (
	NoCompression     = sstable.NoCompression
	SnappyCompression = sstable.SnappyCompression
)

// Options configures an Open call. Every field has a documented default
// matching spec.md §6's "Configuration" list; a caller typically starts
// from DefaultOptions() and overrides only what it needs, the way
// dialtr-pebble/db.go consumes a *db.Options built the same way.
type Options struct {
	// CreateIfMissing creates the database directory if it doesn't
	// exist.
	CreateIfMissing bool
	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool
	// ParanoidChecks makes Open fail on a corrupt or undecodable WAL
	// record instead of ending replay there (spec.md §7). It affects WAL
	// replay only: WAL and manifest record CRCs are checked whether or
	// not it is set, and run (sstable) reads carry no CRC check.
	ParanoidChecks bool

	// WriteBufferSize bounds the active memtable before it's sealed
	// (spec.md §4.1).
	WriteBufferSize uint32
	// MaxOpenFiles bounds the table cache's total open reader handles
	// (spec.md §6).
	MaxOpenFiles int
	// BlockSize and BlockRestartInterval configure the run writer
	// (spec.md §6); delegated directly to internal/sstable.
	BlockSize            int
	BlockRestartInterval int
	// Compression selects the run writer's block codec.
	Compression Compression
	// MaxFileSize bounds a single compaction output run (spec.md §4.6).
	MaxFileSize uint64
	// ReuseLogs is accepted for compatibility with spec.md §6's
	// recognized-options list. Recovery always replays the prior WAL
	// (that is never optional — it is how crash recovery works at all)
	// and always rolls a fresh WAL file afterward regardless of this
	// flag, the conservative choice: appending to a log whose tail was
	// just replayed would require seeking past already-durable bytes,
	// which the vfs.File seam deliberately doesn't expose.
	ReuseLogs bool

	Comparer *base.Comparer

	// L0CompactionTrigger / L0SlowdownWritesThreshold /
	// L0StopWritesThreshold implement the backpressure ladder and
	// size-driven scoring of spec.md §4.5/§5.
	L0CompactionTrigger       int
	L0SlowdownWritesThreshold int
	L0StopWritesThreshold     int

	// MemTableStopWritesThreshold bounds how many sealed-but-not-yet-
	// flushed memtables may queue up before writes block (spec.md §5
	// step 3).
	MemTableStopWritesThreshold int

	// SplitCompactionWorkers is the fixed-size worker pool C9 uses
	// (spec.md §4.7/§5, default 4).
	SplitCompactionWorkers int
	// SplitCompactionMinBytes is the total-input-size threshold below
	// which a split compaction is skipped in favor of a classical one
	// (spec.md §4.7, "total size is below a threshold where parallel
	// overhead dominates").
	SplitCompactionMinBytes uint64

	FS     vfs.FS
	Logger *zap.Logger

	// MetricsRegisterer, if non-nil, receives the Prometheus collectors
	// described in SPEC_FULL.md's ambient stack section.
	MetricsRegisterer MetricsRegisterer
}

// DefaultOptions returns an Options populated with the defaults named
// throughout spec.md (write_buffer_size, trigger/threshold values,
// etc); the grandparent-overlap cap is derived from MaxFileSize rather
// than set here.
func DefaultOptions() *Options {
	return &Options{
		WriteBufferSize:             4 << 20,
		MaxOpenFiles:                1000,
		BlockSize:                   4096,
		BlockRestartInterval:        16,
		Compression:                 NoCompression,
		MaxFileSize:                 2 << 20,
		Comparer:                    base.DefaultComparer,
		L0CompactionTrigger:         4,
		L0SlowdownWritesThreshold:   8,
		L0StopWritesThreshold:       12,
		MemTableStopWritesThreshold: 2,
		SplitCompactionWorkers:      4,
		SplitCompactionMinBytes:     16 << 20,
		FS:                          vfs.Default,
	}
}

// EnsureDefaults fills any zero-valued fields of o with DefaultOptions'
// values, the way dialtr-pebble/db.go expects a fully populated
// *db.Options by the time it reaches internal machinery.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	d := DefaultOptions()
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = d.MaxOpenFiles
	}
	if o.BlockSize == 0 {
		o.BlockSize = d.BlockSize
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = d.BlockRestartInterval
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = d.MaxFileSize
	}
	if o.Comparer == nil {
		o.Comparer = d.Comparer
	}
	if o.L0CompactionTrigger == 0 {
		o.L0CompactionTrigger = d.L0CompactionTrigger
	}
	if o.L0SlowdownWritesThreshold == 0 {
		o.L0SlowdownWritesThreshold = d.L0SlowdownWritesThreshold
	}
	if o.L0StopWritesThreshold == 0 {
		o.L0StopWritesThreshold = d.L0StopWritesThreshold
	}
	if o.MemTableStopWritesThreshold == 0 {
		o.MemTableStopWritesThreshold = d.MemTableStopWritesThreshold
	}
	if o.SplitCompactionWorkers == 0 {
		o.SplitCompactionWorkers = d.SplitCompactionWorkers
	}
	if o.SplitCompactionMinBytes == 0 {
		o.SplitCompactionMinBytes = d.SplitCompactionMinBytes
	}
	if o.FS == nil {
		o.FS = d.FS
	}
	return o
}

// maxBytesForLevel implements the geometric per-level soft-size
// threshold of spec.md §3 ("A per-level soft-size threshold grows
// geometrically").
func maxBytesForLevel(o *Options, level int) uint64 {
	if level == 0 {
		return uint64(o.L0CompactionTrigger) * uint64(o.WriteBufferSize)
	}
	result := 10 * 1 << 20 // 10MB base at L1
	r := uint64(result)
	for l := 1; l < level; l++ {
		r *= 10
	}
	return r
}

// maxGrandparentOverlapBytes resolves spec.md §9's Open Question: the
// repository's own choice is 10x max_file_size.
func maxGrandparentOverlapBytes(o *Options) uint64 {
	return 10 * o.MaxFileSize
}

// WriteOptions controls the durability of a single write, per spec.md
// §6 (`Put`/`Delete`/`Write` all accept an optional sync flag).
type WriteOptions struct {
	Sync bool
}

// Sync requests that the write's WAL record reach stable storage before
// the call returns.
var Sync = &WriteOptions{Sync: true}

// NoSync lets the write return once its WAL record is buffered; a crash
// before the next sync can lose it (spec.md §8 invariant 4's "may yield
// a later sync=false write").
var NoSync = &WriteOptions{}
