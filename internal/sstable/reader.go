package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/vfs"
	"github.com/golang/snappy"
)

// Reader opens an immutable run for point lookups and iteration. It
// holds the underlying file open and the index block decoded in memory;
// data blocks are read and decompressed on demand, exactly the contract
// spec.md §1 asks of this external collaborator ("returning ordered
// cursors and point lookups").
type Reader struct {
	f           vfs.File
	cmp         base.Compare
	compression Compression
	index       []byte
	size        int64
}

// NewReader opens f as a run.
func NewReader(f vfs.File, cmp base.Compare) (*Reader, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < footerLen {
		return nil, errors.Wrap(ErrCorruptBlock, "partnerdb: sstable too small for footer")
	}
	var footer [footerLen]byte
	if _, err := f.ReadAt(footer[:], size-footerLen); err != nil {
		return nil, err
	}
	gotMagic := binary.LittleEndian.Uint64(footer[17:25])
	if gotMagic != magic {
		return nil, errors.Wrap(ErrCorruptBlock, "partnerdb: bad sstable footer magic")
	}
	compression := Compression(footer[0])
	indexOffset := binary.LittleEndian.Uint64(footer[1:9])
	indexLen := binary.LittleEndian.Uint64(footer[9:17])

	// Writer.Close stores the index block uncompressed; only data blocks
	// pass through the codec named in the footer.
	index := make([]byte, indexLen)
	if _, err := f.ReadAt(index, int64(indexOffset)); err != nil {
		return nil, err
	}

	return &Reader{f: f, cmp: cmp, compression: compression, index: index, size: size}, nil
}

func decompress(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case SnappyCompression:
		return snappy.Decode(nil, raw)
	default:
		return raw, nil
	}
}

func (r *Reader) readBlock(offset, length uint64) (block, error) {
	raw := make([]byte, length)
	if _, err := r.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, err
	}
	data, err := decompress(raw, r.compression)
	if err != nil {
		return nil, err
	}
	return block(data), nil
}

// Get returns the value for an exact internal key lookup, used by the
// point-read path (Get(userKey, snapshot)) once the memtables have been
// exhausted.
func (r *Reader) Get(key base.InternalKey) ([]byte, bool, error) {
	it, err := r.newIndexIter()
	if err != nil {
		return nil, false, err
	}
	it.SeekGE(key.UserKey)
	if !it.Valid() {
		return nil, false, nil
	}
	offset, length := decodeBlockHandle(it.Value())
	b, err := r.readBlock(offset, length)
	if err != nil {
		return nil, false, err
	}
	bi, err := newBlockIter(r.cmp, b)
	if err != nil {
		return nil, false, err
	}
	bi.SeekGE(key.UserKey)
	for bi.Valid() {
		if !base.Equal(r.cmp, bi.Key().UserKey, key.UserKey) {
			return nil, false, nil
		}
		if bi.Key().SeqNum() <= key.SeqNum() {
			if bi.Key().Kind() == base.InternalKeyKindDelete {
				return nil, false, nil
			}
			return bi.Value(), true, nil
		}
		bi.Next()
	}
	return nil, false, nil
}

func (r *Reader) newIndexIter() (*blockIter, error) {
	return newBlockIter(r.cmp, block(r.index))
}

// NewIter returns an iterator over every entry in the run, in key order.
// It is one of C10's closed iterator variants (spec.md §4.8).
func (r *Reader) NewIter() (*Iter, error) {
	idx, err := r.newIndexIter()
	if err != nil {
		return nil, err
	}
	return &Iter{r: r, index: idx}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

// Iter is the run-level iterator: it walks the index block to find the
// data block covering the current position, then delegates to a
// blockIter, opening a new data block each time it crosses a boundary.
type Iter struct {
	r     *Reader
	index *blockIter
	data  *blockIter
	err   error
}

func (it *Iter) loadDataBlock() bool {
	if !it.index.Valid() {
		it.data = nil
		return false
	}
	offset, length := decodeBlockHandle(it.index.Value())
	b, err := it.r.readBlock(offset, length)
	if err != nil {
		it.err = err
		return false
	}
	bi, err := newBlockIter(it.r.cmp, b)
	if err != nil {
		it.err = err
		return false
	}
	it.data = bi
	return true
}

func (it *Iter) SeekGE(key []byte) {
	it.index.SeekGE(key)
	if !it.loadDataBlock() {
		return
	}
	it.data.SeekGE(key)
	if !it.data.Valid() {
		it.advanceBlock()
	}
}

func (it *Iter) First() {
	it.index.First()
	if !it.loadDataBlock() {
		return
	}
	it.data.First()
}

func (it *Iter) Last() {
	it.index.Last()
	if !it.loadDataBlock() {
		return
	}
	it.data.Last()
}

func (it *Iter) advanceBlock() {
	for {
		if !it.index.Next() {
			it.data = nil
			return
		}
		if !it.loadDataBlock() {
			return
		}
		it.data.First()
		if it.data.Valid() {
			return
		}
	}
}

func (it *Iter) Next() bool {
	if it.data == nil {
		return false
	}
	if it.data.Next() {
		return true
	}
	it.advanceBlock()
	return it.data != nil && it.data.Valid()
}

func (it *Iter) Prev() bool {
	if it.data == nil {
		return false
	}
	if it.data.Prev() {
		return true
	}
	if !it.index.Prev() {
		it.data = nil
		return false
	}
	if !it.loadDataBlock() {
		return false
	}
	it.data.Last()
	return it.data.Valid()
}

func (it *Iter) Valid() bool           { return it.data != nil && it.data.Valid() }
func (it *Iter) Key() base.InternalKey { return it.data.Key() }
func (it *Iter) Value() []byte         { return it.data.Value() }
func (it *Iter) Error() error          { return it.err }
func (it *Iter) Close() error          { return it.err }
