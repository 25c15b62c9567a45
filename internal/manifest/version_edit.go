package manifest

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
)

// NewFileEntry pairs a level with the metadata of a file added at that
// level, per spec.md §3 ("added_files: set<(level, run_meta)>").
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// DeletedFileEntry pairs a level with the file number removed from it.
type DeletedFileEntry struct {
	Level   int
	FileNum uint64
}

// VersionEdit is a single delta to the catalog, durably appended to the
// manifest before being applied in memory (spec.md §3/§4.4).
type VersionEdit struct {
	ComparatorName string

	NewLogNumber   uint64
	PrevLogNumber  uint64
	NextFileNumber uint64
	LastSequence   base.SeqNum

	// CompactionPointers records, per level, the key where the next
	// size-driven compaction of that level should resume (spec.md §3,
	// GLOSSARY "Compaction pointer").
	CompactionPointers map[int]base.InternalKey

	NewFiles     []NewFileEntry
	DeletedFiles []DeletedFileEntry
}

// Tag values for the encoded edit stream, matching the style (if not
// the exact numbering) of the LevelDB/Pebble VersionEdit wire format
// this package's sibling version_set.go is grounded on.
const (
	tagComparator       = 1
	tagLogNumber        = 2
	tagNextFileNumber   = 3
	tagLastSequence     = 4
	tagCompactPointer   = 5
	tagDeletedFile      = 6
	tagNewFile          = 7
	tagPrevLogNumber    = 9
)

func putUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func putBytes(w io.Writer, b []byte) error {
	if err := putUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func putInternalKey(w io.Writer, k base.InternalKey) error {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return putBytes(w, buf)
}

// Encode serializes the edit to w.
func (e *VersionEdit) Encode(w io.Writer) error {
	if e.ComparatorName != "" {
		putUvarint(w, tagComparator)
		putBytes(w, []byte(e.ComparatorName))
	}
	if e.NewLogNumber != 0 {
		putUvarint(w, tagLogNumber)
		putUvarint(w, e.NewLogNumber)
	}
	if e.PrevLogNumber != 0 {
		putUvarint(w, tagPrevLogNumber)
		putUvarint(w, e.PrevLogNumber)
	}
	if e.NextFileNumber != 0 {
		putUvarint(w, tagNextFileNumber)
		putUvarint(w, e.NextFileNumber)
	}
	if e.LastSequence != 0 {
		putUvarint(w, tagLastSequence)
		putUvarint(w, uint64(e.LastSequence))
	}
	for level, k := range e.CompactionPointers {
		putUvarint(w, tagCompactPointer)
		putUvarint(w, uint64(level))
		putInternalKey(w, k)
	}
	for _, d := range e.DeletedFiles {
		putUvarint(w, tagDeletedFile)
		putUvarint(w, uint64(d.Level))
		putUvarint(w, d.FileNum)
	}
	for _, n := range e.NewFiles {
		putUvarint(w, tagNewFile)
		putUvarint(w, uint64(n.Level))
		putUvarint(w, n.Meta.FileNum)
		putUvarint(w, n.Meta.Size)
		putInternalKey(w, n.Meta.Smallest)
		putInternalKey(w, n.Meta.Largest)
	}
	return nil
}

type byteReader struct {
	b []byte
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b)
	if n <= 0 {
		return 0, errors.Wrap(ErrCorruptManifest, "partnerdb: bad varint")
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.b)) < n {
		return nil, errors.Wrap(ErrCorruptManifest, "partnerdb: truncated bytes field")
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *byteReader) internalKey() (base.InternalKey, error) {
	b, err := r.bytes()
	if err != nil {
		return base.InternalKey{}, err
	}
	return base.DecodeInternalKey(b).Clone(), nil
}

// ErrCorruptManifest marks a manifest record that failed to decode.
var ErrCorruptManifest = errors.New("partnerdb: corrupt manifest record")

// Decode parses a record previously written by Encode.
func (e *VersionEdit) Decode(data []byte) error {
	r := &byteReader{b: data}
	e.CompactionPointers = map[int]base.InternalKey{}
	for len(r.b) > 0 {
		tag, err := r.uvarint()
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			name, err := r.bytes()
			if err != nil {
				return err
			}
			e.ComparatorName = string(name)
		case tagLogNumber:
			v, err := r.uvarint()
			if err != nil {
				return err
			}
			e.NewLogNumber = v
		case tagPrevLogNumber:
			v, err := r.uvarint()
			if err != nil {
				return err
			}
			e.PrevLogNumber = v
		case tagNextFileNumber:
			v, err := r.uvarint()
			if err != nil {
				return err
			}
			e.NextFileNumber = v
		case tagLastSequence:
			v, err := r.uvarint()
			if err != nil {
				return err
			}
			e.LastSequence = base.SeqNum(v)
		case tagCompactPointer:
			level, err := r.uvarint()
			if err != nil {
				return err
			}
			k, err := r.internalKey()
			if err != nil {
				return err
			}
			e.CompactionPointers[int(level)] = k
		case tagDeletedFile:
			level, err := r.uvarint()
			if err != nil {
				return err
			}
			fileNum, err := r.uvarint()
			if err != nil {
				return err
			}
			e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{Level: int(level), FileNum: fileNum})
		case tagNewFile:
			level, err := r.uvarint()
			if err != nil {
				return err
			}
			fileNum, err := r.uvarint()
			if err != nil {
				return err
			}
			size, err := r.uvarint()
			if err != nil {
				return err
			}
			smallest, err := r.internalKey()
			if err != nil {
				return err
			}
			largest, err := r.internalKey()
			if err != nil {
				return err
			}
			e.NewFiles = append(e.NewFiles, NewFileEntry{
				Level: int(level),
				Meta:  &FileMetadata{FileNum: fileNum, Size: size, Smallest: smallest, Largest: largest},
			})
		default:
			return errors.Wrapf(ErrCorruptManifest, "partnerdb: unknown tag %d", tag)
		}
	}
	return nil
}

// bulkVersionEdit accumulates many edits (replayed from the manifest)
// before producing a single new Version, exactly as
// dialtr-pebble/version_set.go's bulkVersionEdit does.
type bulkVersionEdit struct {
	added   [NumLevels]map[uint64]*FileMetadata
	deleted [NumLevels]map[uint64]bool
	edit    VersionEdit
}

func (b *bulkVersionEdit) accumulate(e *VersionEdit) {
	for _, d := range e.DeletedFiles {
		if b.deleted[d.Level] == nil {
			b.deleted[d.Level] = map[uint64]bool{}
		}
		b.deleted[d.Level][d.FileNum] = true
		if b.added[d.Level] != nil {
			delete(b.added[d.Level], d.FileNum)
		}
	}
	for _, n := range e.NewFiles {
		if b.added[n.Level] == nil {
			b.added[n.Level] = map[uint64]*FileMetadata{}
		}
		b.added[n.Level][n.Meta.FileNum] = n.Meta
	}
	for level, k := range e.CompactionPointers {
		if b.edit.CompactionPointers == nil {
			b.edit.CompactionPointers = map[int]base.InternalKey{}
		}
		b.edit.CompactionPointers[level] = k
	}
}

// apply produces a new Version from base (nil means "empty") plus every
// edit accumulated so far.
func (b *bulkVersionEdit) apply(cmp base.Compare, base_ *Version) (*Version, error) {
	v := NewVersion()
	for level := 0; level < NumLevels; level++ {
		var files []*FileMetadata
		if base_ != nil {
			for _, f := range base_.Files[level] {
				if b.deleted[level][f.FileNum] {
					continue
				}
				files = append(files, f)
			}
		}
		for _, f := range b.added[level] {
			// A freshly added run gets a seek budget proportional to its
			// size: one charged seek costs about as much as compacting
			// 16KB, so a run whose budget runs dry has had reads bypass it
			// often enough that merging it down pays for itself
			// (spec.md §4.5's seek-driven trigger).
			if f.AllowedSeeks.Load() == 0 {
				allowed := int32(f.Size / 16384)
				if allowed < 100 {
					allowed = 100
				}
				f.AllowedSeeks.Store(allowed)
			}
			files = append(files, f)
		}
		if level > 0 {
			sortFilesByKey(cmp, files)
			if err := checkDisjoint(cmp, files); err != nil {
				return nil, err
			}
		} else {
			sortL0ByFileNumDesc(files)
		}
		v.Files[level] = files
	}
	if base_ != nil {
		v.CompactionPointer = base_.CompactionPointer
	}
	for level, k := range b.edit.CompactionPointers {
		v.CompactionPointer[level] = k
	}
	return v, nil
}

func sortFilesByKey(cmp base.Compare, files []*FileMetadata) {
	insertionSort(files, func(a, b *FileMetadata) bool {
		return cmp(a.Smallest.UserKey, b.Smallest.UserKey) < 0
	})
}

func sortL0ByFileNumDesc(files []*FileMetadata) {
	insertionSort(files, func(a, b *FileMetadata) bool {
		return a.FileNum > b.FileNum
	})
}

// insertionSort avoids pulling in sort.Slice's reflection-based closure
// for what's always a tiny (run-count-sized, not key-count-sized) slice.
func insertionSort(files []*FileMetadata, less func(a, b *FileMetadata) bool) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && less(files[j], files[j-1]); j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}

// checkDisjoint enforces invariant 1 (spec.md §8): for L>=1, runs must
// be pairwise key-disjoint.
func checkDisjoint(cmp base.Compare, files []*FileMetadata) error {
	for i := 1; i < len(files); i++ {
		if cmp(files[i-1].Largest.UserKey, files[i].Smallest.UserKey) >= 0 {
			return errors.Newf("partnerdb: level invariant violated: file %d overlaps file %d",
				files[i-1].FileNum, files[i].FileNum)
		}
	}
	return nil
}
