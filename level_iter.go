package partnerdb

import (
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"github.com/dialtr/partnerdb/internal/sstable"
)

// internalIterator is C10's closed capability set (spec.md §9:
// "{valid, key, value, next, prev, seek, status}"), implemented by the
// memtable adapter, a run's *sstable.Iter directly, the level
// concatenator below, and the heap merge in merging_iter.go.
type internalIterator interface {
	SeekGE(userKey []byte)
	First()
	Last()
	Next() bool
	Prev() bool
	Valid() bool
	Key() base.InternalKey
	Value() []byte
	Close() error
}

// levelIter concatenates the disjoint, sorted runs of one L>=1 level
// into a single iterator, opening at most one run at a time, per
// spec.md §4.8 ("for each L >= 1, one concatenating iterator that walks
// the level's runs in key order and opens one run at a time").
type levelIter struct {
	cmp   base.Compare
	cache *sstable.TableCache
	files []*manifest.FileMetadata
	index int

	entry *sstable.CachedReader
	iter  *sstable.Iter
}

func newLevelIter(cmp base.Compare, cache *sstable.TableCache, files []*manifest.FileMetadata) *levelIter {
	return &levelIter{cmp: cmp, cache: cache, files: files, index: -1}
}

func (l *levelIter) closeCurrent() {
	if l.entry != nil {
		l.cache.Unref(l.entry)
		l.entry = nil
		l.iter = nil
	}
}

func (l *levelIter) openFile(index int) bool {
	l.closeCurrent()
	if index < 0 || index >= len(l.files) {
		l.index = index
		return false
	}
	entry, err := l.cache.Get(l.files[index].FileNum)
	if err != nil {
		l.index = index
		return false
	}
	it, err := entry.Reader().NewIter()
	if err != nil {
		l.cache.Unref(entry)
		l.index = index
		return false
	}
	l.index = index
	l.entry = entry
	l.iter = it
	return true
}

// findFile returns the index of the first file whose range may contain
// userKey, via binary search over the level's disjoint largest keys.
func (l *levelIter) findFile(userKey []byte) int {
	lo, hi := 0, len(l.files)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.cmp(l.files[mid].Largest.UserKey, userKey) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (l *levelIter) SeekGE(userKey []byte) {
	idx := l.findFile(userKey)
	if !l.openFile(idx) {
		return
	}
	l.iter.SeekGE(userKey)
	if !l.iter.Valid() {
		l.skipForward()
	}
}

func (l *levelIter) First() {
	if !l.openFile(0) {
		return
	}
	l.iter.First()
	if !l.iter.Valid() {
		l.skipForward()
	}
}

func (l *levelIter) Last() {
	if !l.openFile(len(l.files) - 1) {
		return
	}
	l.iter.Last()
	if !l.iter.Valid() {
		l.skipBackward()
	}
}

func (l *levelIter) skipForward() {
	for {
		if !l.openFile(l.index + 1) {
			return
		}
		l.iter.First()
		if l.iter.Valid() {
			return
		}
	}
}

func (l *levelIter) skipBackward() {
	for {
		if !l.openFile(l.index - 1) {
			return
		}
		l.iter.Last()
		if l.iter.Valid() {
			return
		}
	}
}

func (l *levelIter) Next() bool {
	if l.iter == nil {
		return false
	}
	if l.iter.Next() {
		return true
	}
	l.skipForward()
	return l.iter != nil && l.iter.Valid()
}

func (l *levelIter) Prev() bool {
	if l.iter == nil {
		return false
	}
	if l.iter.Prev() {
		return true
	}
	l.skipBackward()
	return l.iter != nil && l.iter.Valid()
}

func (l *levelIter) Valid() bool           { return l.iter != nil && l.iter.Valid() }
func (l *levelIter) Key() base.InternalKey { return l.iter.Key() }
func (l *levelIter) Value() []byte         { return l.iter.Value() }
func (l *levelIter) Close() error {
	l.closeCurrent()
	return nil
}

var _ internalIterator = (*levelIter)(nil)
var _ internalIterator = (*sstable.Iter)(nil)
