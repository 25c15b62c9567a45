package partnerdb

import (
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/memtable"
)

// memIterAdapter adapts a memtable.Iterator (internal-key seek, no
// Close) to internalIterator (user-key seek, explicit Close), the only
// shape mismatch between C1's and C3's native iterator signatures.
type memIterAdapter struct {
	it memtable.Iterator
}

func newMemIterAdapter(it memtable.Iterator) *memIterAdapter {
	return &memIterAdapter{it: it}
}

func (a *memIterAdapter) SeekGE(userKey []byte) {
	a.it.SeekGE(base.MakeInternalKey(userKey, base.SeqNumMax, base.InternalKeyKindMax))
}
func (a *memIterAdapter) First() { a.it.First() }
func (a *memIterAdapter) Last()  { a.it.Last() }
func (a *memIterAdapter) Next() bool {
	a.it.Next()
	return a.it.Valid()
}
func (a *memIterAdapter) Prev() bool {
	a.it.Prev()
	return a.it.Valid()
}
func (a *memIterAdapter) Valid() bool           { return a.it.Valid() }
func (a *memIterAdapter) Key() base.InternalKey { return a.it.Key() }
func (a *memIterAdapter) Value() []byte         { return a.it.Value() }
func (a *memIterAdapter) Close() error          { return nil }

var _ internalIterator = (*memIterAdapter)(nil)

// Iterator is the public, sequence-fenced cursor of spec.md §6:
// "NewIterator([snapshot]) -> Iterator with Seek, SeekToFirst,
// SeekToLast, Next, Prev, Valid, key, value". It wraps a mergingIter —
// which surfaces every version of every key — and collapses each run of
// same-user-key versions down to the newest one not exceeding its
// sequence fence, skipping the group entirely if that version is a
// tombstone.
type Iterator struct {
	cmp      base.Compare
	merge    *mergingIter
	seqFence base.SeqNum
	key      base.InternalKey
	value    []byte
	valid    bool

	// release holds cleanup work beyond closing the child sources
	// themselves — dropping the memtable/version references this
	// iterator's sources were built against.
	release []func()
}

func newIterator(cmp base.Compare, sources []internalIterator, seqFence base.SeqNum) *Iterator {
	return &Iterator{cmp: cmp, merge: newMergingIter(cmp, sources), seqFence: seqFence}
}

// resolve scans forward (or backward, depending on advance) from the
// merge's current position. For each distinct user key it consumes
// every version present, keeping the one with the highest sequence
// number not exceeding seqFence, then lands the iterator on it unless
// that version was a tombstone, in which case it moves on to the next
// group.
func (it *Iterator) resolve(advance func() bool) {
	for it.merge.Valid() {
		userKey := append([]byte(nil), it.merge.Key().UserKey...)
		var bestSeq base.SeqNum
		var bestKind base.InternalKeyKind
		var bestValue []byte
		found := false
		for {
			k := it.merge.Key()
			if !base.Equal(it.cmp, k.UserKey, userKey) {
				break
			}
			if k.SeqNum() <= it.seqFence && (!found || k.SeqNum() > bestSeq) {
				bestSeq, bestKind, bestValue = k.SeqNum(), k.Kind(), it.merge.Value()
				found = true
			}
			if !advance() {
				break
			}
		}
		if found && bestKind != base.InternalKeyKindDelete {
			it.key = base.MakeInternalKey(userKey, bestSeq, bestKind)
			it.value = bestValue
			it.valid = true
			return
		}
	}
	it.valid = false
}

func (it *Iterator) resolveForward()  { it.resolve(func() bool { return it.merge.Next() }) }
func (it *Iterator) resolveBackward() { it.resolve(func() bool { return it.merge.Prev() }) }

// SeekGE positions the iterator at the first visible key >= userKey.
func (it *Iterator) SeekGE(userKey []byte) {
	it.merge.SeekGE(userKey)
	it.resolveForward()
}

// First positions the iterator at the first visible key.
func (it *Iterator) First() {
	it.merge.First()
	it.resolveForward()
}

// Last positions the iterator at the last visible key.
func (it *Iterator) Last() {
	it.merge.Last()
	it.resolveBackward()
}

// Next advances to the next visible key.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.resolveForward()
	return it.valid
}

// Prev moves to the previous visible key.
func (it *Iterator) Prev() bool {
	if !it.valid {
		return false
	}
	it.resolveBackward()
	return it.valid
}

func (it *Iterator) Valid() bool   { return it.valid }
func (it *Iterator) Key() []byte   { return it.key.UserKey }
func (it *Iterator) Value() []byte { return it.value }

// Close releases every child source's resources (open run readers,
// cache references held by levelIter instances) plus whatever extra
// cleanup the store attached when it assembled this iterator (memtable
// and version references).
func (it *Iterator) Close() error {
	err := it.merge.Close()
	for _, fn := range it.release {
		fn()
	}
	return err
}
