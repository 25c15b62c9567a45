// Package memtable implements C1, the ordered in-memory table: an
// append-only sorted map of internal keys backed by a concurrent skip
// list, with a single-writer / concurrent-reader discipline and a
// measured-size seal threshold (spec.md §4.1).
package memtable

import (
	"sync/atomic"

	"github.com/dialtr/partnerdb/internal/base"
)

// Memtable is C1. Insert may only be called by the table's single owning
// writer; Get/NewIter may be called concurrently by any number of
// readers, including while a writer is inserting.
type Memtable struct {
	cmp    base.Compare
	arena  *arena
	list   *skiplist
	sealed atomic.Bool

	// refs tracks outstanding references (an in-flight Apply plus the
	// DB's memtable queue entry) so a memtable is only reclaimed once
	// both the writer and every reader iterating it have let go,
	// mirroring dialtr-pebble/db.go's mem.unref() protocol.
	refs    atomic.Int32
	flushed chan struct{}
}

// New creates an empty memtable with capacity bytes of budget before it
// seals itself to new inserts.
func New(cmp base.Compare, capacity uint32) *Memtable {
	m := &Memtable{
		cmp:     cmp,
		arena:   newArena(capacity),
		list:    newSkiplist(cmp),
		flushed: make(chan struct{}),
	}
	m.refs.Store(1)
	return m
}

// Ref increments the reference count.
func (m *Memtable) Ref() { m.refs.Add(1) }

// Unref decrements the reference count and reports whether it reached
// zero (in which case the caller should consider the table eligible for
// flush/reclaim).
func (m *Memtable) Unref() bool { return m.refs.Add(-1) == 0 }

// Flushed returns a channel that is closed once the table has been
// durably written out as one or more runs.
func (m *Memtable) Flushed() <-chan struct{} { return m.flushed }

// MarkFlushed closes the Flushed channel. Idempotent-by-construction:
// callers only ever flush a sealed table once.
func (m *Memtable) MarkFlushed() { close(m.flushed) }

// Size returns the approximate number of bytes committed to the table.
func (m *Memtable) Size() uint64 { return m.arena.size() }

// Sealed reports whether Insert will refuse further writes.
func (m *Memtable) Sealed() bool { return m.sealed.Load() }

// Seal prevents further inserts. The table remains readable.
func (m *Memtable) Seal() { m.sealed.Store(true) }

// Prepare reports whether a batch of need accounted bytes may be
// inserted. It returns ErrArenaFull when the table is sealed or when
// admitting the batch would push a non-empty table past its capacity;
// the caller then seals this table and switches to a fresh one. This is
// the admission check of dialtr-pebble/db.go's mem.prepare: it runs
// before the batch's WAL record is written, so an over-budget write is
// redirected rather than failed after it is already durable.
func (m *Memtable) Prepare(need uint64) error {
	if m.sealed.Load() {
		return ErrArenaFull
	}
	if n := m.arena.size(); n > 0 && n+need > m.arena.cap() {
		return ErrArenaFull
	}
	return nil
}

// EntrySize returns the accounted cost of one entry, for Prepare
// callers sizing a batch before committing to it.
func EntrySize(keyLen, valueLen int) uint64 {
	return uint64(keyLen + valueLen + perEntryOverhead)
}

// Insert adds one internal key/value pair. A sealed table rejects the
// insert with ErrArenaFull; an unsealed one always accepts it, even a
// little past capacity — admission control is Prepare's job, and a
// batch Prepare admitted must not fail halfway through.
func (m *Memtable) Insert(key base.InternalKey, value []byte) error {
	if m.sealed.Load() {
		return ErrArenaFull
	}
	m.arena.add(len(key.UserKey), len(value))
	m.list.insert(key, value)
	return nil
}

// Get returns the newest entry for userKey with sequence <= seqFence, or
// (nil, false, false) if the key is absent up to that fence. ok reports
// whether such an entry exists; when it does, isTombstone reports
// whether that entry is a deletion (value is then nil). This matches
// dialtr-pebble/db.go's internalGet "conclusive" contract: a caller stops
// searching older memtables/levels once ok is true.
func (m *Memtable) Get(userKey []byte, seqFence base.SeqNum) (value []byte, isTombstone bool, ok bool) {
	it := m.list.newIterator()
	it.seekGE(base.MakeInternalKey(userKey, seqFence, base.InternalKeyKindMax))
	if !it.valid() {
		return nil, false, false
	}
	k := it.key()
	if !base.Equal(m.cmp, k.UserKey, userKey) {
		return nil, false, false
	}
	if k.Kind() == base.InternalKeyKindDelete {
		return nil, true, true
	}
	return it.value(), false, true
}

// NewIter returns a forward/backward iterator positioned before the
// first entry.
func (m *Memtable) NewIter() Iterator { return m.list.newIterator() }

// Iterator is the memtable variant of C10's closed iterator capability
// set: {valid, key, value, next, prev, seek}.
type Iterator interface {
	SeekGE(key base.InternalKey)
	First()
	Last()
	Next()
	Prev()
	Valid() bool
	Key() base.InternalKey
	Value() []byte
}

func (it *iterator) SeekGE(key base.InternalKey) { it.seekGE(key) }
func (it *iterator) First()                      { it.first() }
func (it *iterator) Last()                       { it.last() }
func (it *iterator) Next()                       { it.next() }
func (it *iterator) Prev()                       { it.prev() }
func (it *iterator) Valid() bool                 { return it.valid() }
func (it *iterator) Key() base.InternalKey       { return it.key() }
func (it *iterator) Value() []byte               { return it.value() }

var _ Iterator = (*iterator)(nil)
