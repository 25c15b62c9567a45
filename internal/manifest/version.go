// Package manifest implements C4 (the versioned catalog) and C5 (the
// manifest log that durably records deltas to it), per spec.md §3/§4.4.
package manifest

import (
	"sync/atomic"

	"github.com/dialtr/partnerdb/internal/base"
)

// NumLevels is L0..L6 inclusive, per spec.md §3 ("L_max = 6").
const NumLevels = 7

// FileMetadata describes one immutable run (C3's output), per spec.md §3.
type FileMetadata struct {
	FileNum  uint64
	Size     uint64
	Smallest base.InternalKey
	Largest  base.InternalKey

	// AllowedSeeks is decremented by Store.GetAt every time a point
	// lookup reads this L>=1 file without finding the key; it reaching
	// zero triggers seek-driven compaction (spec.md §4.5).
	AllowedSeeks atomic.Int32
}

// Overlaps reports whether [smallest,largest] of m intersects
// [lo,hi] under cmp. A nil lo/hi bound is unbounded on that side.
func (m *FileMetadata) Overlaps(cmp base.Compare, lo, hi []byte) bool {
	if hi != nil && cmp(m.Smallest.UserKey, hi) > 0 {
		return false
	}
	if lo != nil && cmp(m.Largest.UserKey, lo) < 0 {
		return false
	}
	return true
}

// Version is an immutable snapshot of the catalog: for each level, an
// ordered list of runs, plus per-level compaction pointers. The
// bookkeeping counters (next file number, last sequence, log number)
// are kept on VersionSet, not on each Version.
type Version struct {
	Files             [NumLevels][]*FileMetadata
	CompactionPointer [NumLevels]base.InternalKey

	refs atomic.Int32
	next *Version
	prev *Version
}

// NewVersion returns an empty version with no references; VersionSet
// takes the chain's reference when it installs the version.
func NewVersion() *Version {
	v := &Version{}
	v.refs.Store(0)
	return v
}

// Ref increments the version's reference count. Callers obtain the
// current version under the catalog mutex and Ref it before dropping
// the lock (spec.md §4.4).
func (v *Version) Ref() { v.refs.Add(1) }

// Unref decrements the reference count. It is safe to call without
// holding the catalog mutex.
func (v *Version) Unref() bool { return v.refs.Add(-1) == 0 }

// OverlappingFiles returns the files in level that overlap [lo,hi].
// For L0 (where runs may overlap each other) this walks every file;
// for L>=1 a binary search over the sorted, disjoint run list would
// suffice, but linear scan keeps this correct first and is still O(run
// count) which is small relative to key count.
func (v *Version) OverlappingFiles(cmp base.Compare, level int, lo, hi []byte) []*FileMetadata {
	var out []*FileMetadata
	for _, f := range v.Files[level] {
		if f.Overlaps(cmp, lo, hi) {
			out = append(out, f)
		}
	}
	return out
}

// TotalBytes sums the size of every file in a level.
func (v *Version) TotalBytes(level int) uint64 {
	var total uint64
	for _, f := range v.Files[level] {
		total += f.Size
	}
	return total
}

// KeyRange returns the smallest/largest user key spanned by files, or
// (nil,nil,false) if files is empty.
func KeyRange(cmp base.Compare, files []*FileMetadata) (lo, hi []byte, ok bool) {
	if len(files) == 0 {
		return nil, nil, false
	}
	lo, hi = files[0].Smallest.UserKey, files[0].Largest.UserKey
	for _, f := range files[1:] {
		if cmp(f.Smallest.UserKey, lo) < 0 {
			lo = f.Smallest.UserKey
		}
		if cmp(f.Largest.UserKey, hi) > 0 {
			hi = f.Largest.UserKey
		}
	}
	return lo, hi, true
}

// versionList is the doubly-linked chain of versions described by
// spec.md §3 ("Versions form a singly-linked chain with refcounts"),
// implemented with a sentinel root the way dialtr-pebble's versionSet
// does, so append/currentVersion are O(1).
type versionList struct {
	root Version
}

func (l *versionList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *versionList) empty() bool { return l.root.next == &l.root }

func (l *versionList) back() *Version {
	if l.empty() {
		return nil
	}
	return l.root.prev
}

func (l *versionList) pushBack(v *Version) {
	v.prev = l.root.prev
	v.next = &l.root
	l.root.prev.next = v
	l.root.prev = v
}

func (l *versionList) remove(v *Version) {
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next = nil
	v.prev = nil
}

// pruneLocked drops every version in the chain with a zero refcount
// except the current (back) one, so a superseded version that no reader
// or compaction still holds stops pinning its runs' file numbers alive.
// The caller must hold the catalog mutex; Unref itself never removes a
// version from the chain since it must be safely callable without that
// mutex held (spec.md §4.4), so removal is deferred to the next time
// anything needs an accurate live-file set.
func (l *versionList) pruneLocked() {
	cur := l.root.prev
	for v := l.root.next; v != &l.root; {
		next := v.next
		if v != cur && v.refs.Load() == 0 {
			l.remove(v)
		}
		v = next
	}
}

// unrefLocked drops the reference the version list itself holds on a
// version once a newer version supersedes it. The caller is expected to
// hold the catalog mutex.
func (v *Version) unrefLocked() bool { return v.Unref() }
