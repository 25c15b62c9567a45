package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/dialtr/partnerdb/internal/base"
)

const maxHeight = 12
const branching = 4

// node is one entry in the skip list. next is a per-level tower of
// atomic pointers: readers load them with Acquire-equivalent ordering
// (Go's atomic.Pointer load/store already provide that on every
// supported arch) so a concurrent reader never observes a partially
// initialized node, matching spec.md §9's release/acquire discipline.
type node struct {
	key   base.InternalKey
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(height int, key base.InternalKey, value []byte) *node {
	return &node{key: key, value: value, next: make([]atomic.Pointer[node], height)}
}

// skiplist is a concurrent-reader / single-writer ordered structure over
// internal keys, as described by spec.md §4.1 and §9. Only one goroutine
// ever calls insert on a given skiplist (the memtable's owning writer);
// any number of goroutines may call seek/iterate concurrently with that
// writer.
type skiplist struct {
	cmp    base.Compare
	rng    *rand.Rand
	head   *node
	height atomic.Int32
}

func newSkiplist(cmp base.Compare) *skiplist {
	s := &skiplist{
		cmp:  cmp,
		rng:  rand.New(rand.NewSource(0xdb)),
		head: newNode(maxHeight, base.InternalKey{}, nil),
	}
	s.height.Store(1)
	return s
}

func (s *skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && s.rng.Intn(branching) == 0 {
		h++
	}
	return h
}

// findSpliceForLevel returns, at each level, the rightmost node known to
// be strictly less than key (prev) so a new node can be spliced in after
// it. If found is non-nil it is the first node whose key is >= key.
func (s *skiplist) findSpliceForLevel(key base.InternalKey, prev [maxHeight]*node) (found *node, out [maxHeight]*node) {
	out = prev
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && base.InternalCompare(s.cmp, next.key, key) < 0 {
			x = next
			continue
		}
		out[level] = x
		if level == 0 {
			return next, out
		}
		level--
	}
}

// insert adds key/value to the list. Only the owning writer may call
// this.
func (s *skiplist) insert(key base.InternalKey, value []byte) {
	var prev [maxHeight]*node
	for i := range prev {
		prev[i] = s.head
	}
	_, prev = s.findSpliceForLevel(key, prev)

	height := s.randomHeight()
	if height > int(s.height.Load()) {
		for i := int(s.height.Load()); i < height; i++ {
			prev[i] = s.head
		}
		s.height.Store(int32(height))
	}

	n := newNode(height, key, value)
	for i := 0; i < height; i++ {
		n.next[i].Store(prev[i].next[i].Load())
		// Release-store: by the time a concurrent reader observes this
		// pointer via the level-0 (or any) predecessor, n's fields above
		// are already fully initialized.
		prev[i].next[i].Store(n)
	}
}

// iterator is a bidirectional cursor over a skiplist snapshot-in-progress
// (it observes whatever nodes are linked in at the time of each step,
// which for sequence-fenced reads is exactly the set visible to the
// fence since compaction never mutates a memtable in place).
type iterator struct {
	list *skiplist
	cur  *node
}

func (s *skiplist) newIterator() *iterator { return &iterator{list: s} }

func (it *iterator) valid() bool { return it.cur != nil }

func (it *iterator) key() base.InternalKey { return it.cur.key }
func (it *iterator) value() []byte         { return it.cur.value }

func (it *iterator) seekGE(key base.InternalKey) {
	x := it.list.head
	level := int(it.list.height.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && base.InternalCompare(it.list.cmp, next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			it.cur = next
			return
		}
		level--
	}
}

func (it *iterator) first() {
	it.cur = it.list.head.next[0].Load()
}

func (it *iterator) last() {
	x := it.list.head
	level := int(it.list.height.Load()) - 1
	var lastNonNil *node
	for level >= 0 {
		next := x.next[level].Load()
		if next != nil {
			x = next
			lastNonNil = next
			continue
		}
		level--
	}
	it.cur = lastNonNil
}

func (it *iterator) next() {
	if it.cur == nil {
		return
	}
	it.cur = it.cur.next[0].Load()
}

// prev walks from head since this skip list only links forward towers;
// reverse iteration is O(n) in the worst case but is only ever used for
// SeekToLast/Prev on the (small, bounded) active/sealed memtables, not
// on-disk runs, whose block iterator steps back by rescanning from the
// preceding restart point.
func (it *iterator) prev() {
	if it.cur == nil {
		return
	}
	target := it.cur.key
	x := it.list.head
	var last *node
	for {
		next := x.next[0].Load()
		if next == nil || base.InternalCompare(it.list.cmp, next.key, target) >= 0 {
			break
		}
		last = next
		x = next
		_ = next
	}
	it.cur = last
}
