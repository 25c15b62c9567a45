package memtable

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrArenaFull is returned by Prepare once admitting a batch would push
// the memtable's accounted size past its configured capacity, and by
// Insert on a sealed table. db.go's makeRoomForWrite uses this signal
// to decide whether to seal the active memtable, per spec.md §4.1
// ("when usage exceeds write_buffer_size, the table is sealed").
var ErrArenaFull = errors.New("partnerdb: memtable arena full")

// perEntryOverhead approximates the bookkeeping cost of one skip-list
// node (tower pointers, trailer) beyond the raw key/value bytes, the
// same kind of constant pebble's arenaskl bakes into its size accounting.
const perEntryOverhead = 48

// arena tracks how many bytes the active memtable has committed to,
// against a fixed capacity derived from write_buffer_size. Unlike a true
// bump-pointer arena it does not itself back node storage — nodes are
// ordinary heap-allocated structs linked with atomic.Pointer, which
// keeps the concurrent skip list free of unsafe.Pointer arithmetic while
// preserving the single-writer / lock-free-reader discipline spec.md §9
// calls for. n is only ever advanced by the one writer goroutine that
// owns this memtable; size() may be called concurrently by readers.
type arena struct {
	capacity uint64
	n        uint64
}

func newArena(capacity uint32) *arena {
	return &arena{capacity: uint64(capacity)}
}

func (a *arena) size() uint64 { return atomic.LoadUint64(&a.n) }
func (a *arena) cap() uint64  { return a.capacity }

// add accounts for one entry of the given key/value size. It never
// fails: capacity is enforced by Memtable.Prepare before a batch is
// admitted (and a batch must always fit once admitted, even if it runs
// the table a little past capacity), matching pebble's "first insert
// into an empty memtable always succeeds" behavior.
func (a *arena) add(keySize, valueSize int) {
	atomic.AddUint64(&a.n, uint64(keySize+valueSize+perEntryOverhead))
}
