package partnerdb

import (
	"container/list"
	"sync"

	"github.com/dialtr/partnerdb/internal/base"
)

// Snapshot pins a point-in-time view of the store: reads through it
// never observe a mutation with a sequence number greater than the one
// captured at NewSnapshot time, per spec.md §4.8's "fixed (version,
// sequence_fence)" contract.
type Snapshot struct {
	seqNum base.SeqNum
	db     *Store
	elem   *list.Element
}

// SeqNum returns the sequence fence this snapshot pins reads to.
func (s *Snapshot) SeqNum() base.SeqNum { return s.seqNum }

// Close releases the snapshot. Until every snapshot referencing a
// sequence number is closed, compaction must not drop a tombstone or
// superseded version at or below that sequence (spec.md §4.6's
// "snapshot fence" rule); Close makes that sequence eligible for
// elision again once no older snapshot remains.
func (s *Snapshot) Close() error {
	if s.db == nil {
		return nil
	}
	s.db.snapshots.remove(s)
	s.db = nil
	return nil
}

// snapshotList tracks outstanding snapshots so compaction can compute
// the oldest fence still observable by any reader.
type snapshotList struct {
	mu   sync.Mutex
	list list.List
}

func (l *snapshotList) add(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.elem = l.list.PushBack(s)
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.elem != nil {
		l.list.Remove(s.elem)
		s.elem = nil
	}
}

// oldest returns the smallest sequence number pinned by any live
// snapshot, or seqFence (the compaction's own upper bound) if there are
// none — meaning nothing additional is protected beyond what the
// compaction already honors.
func (l *snapshotList) oldest(seqFence base.SeqNum) base.SeqNum {
	l.mu.Lock()
	defer l.mu.Unlock()
	oldest := seqFence
	for e := l.list.Front(); e != nil; e = e.Next() {
		if sn := e.Value.(*Snapshot).seqNum; sn < oldest {
			oldest = sn
		}
	}
	return oldest
}
