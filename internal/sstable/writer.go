package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/vfs"
	"github.com/golang/snappy"
)

// Compression selects the block compression codec, matching the
// `compression` option named in spec.md §6.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
)

const (
	defaultBlockSize             = 4096
	defaultBlockRestartInterval  = 16
	footerLen                    = 1 + 8 + 8 + 8 // compression(1) | index offset(8) | index len(8) | magic(8)
	magic                 uint64 = 0xf09a83d3a1b1e9c1
)

// WriterOptions configures a Writer, mirroring the subset of spec.md §6's
// recognized options this package consumes directly.
type WriterOptions struct {
	BlockSize            int
	BlockRestartInterval int
	Compression          Compression
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize == 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = defaultBlockRestartInterval
	}
	return o
}

// Writer builds one immutable run (spec.md §3), writing data blocks as
// they fill and a trailing index block plus footer on Close. Grounded on
// dialtr-pebble/sstable/block.go's blockWriter and on
// dialtr-pebble/db.go's writeLevel0Table call pattern (NewWriter, Add
// in a loop, Close, Stat for size).
type Writer struct {
	f       vfs.File
	opts    WriterOptions
	cmp     base.Compare
	offset  int64
	block   *blockWriter
	index   *blockWriter
	lastKey base.InternalKey
	count   int
	closed  bool
}

// NewWriter returns a Writer that will emit one run to f.
func NewWriter(f vfs.File, cmp base.Compare, opts WriterOptions) *Writer {
	opts = opts.withDefaults()
	return &Writer{
		f:     f,
		opts:  opts,
		cmp:   cmp,
		block: newBlockWriter(opts.BlockRestartInterval),
		index: newBlockWriter(1),
	}
}

// Add appends one internal key/value pair. Keys must be added in
// strictly increasing internal-key order (spec.md §4.6's monotonicity
// rule).
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.count > 0 && base.InternalCompare(w.cmp, key, w.lastKey) <= 0 {
		return errors.Newf("partnerdb: sstable keys must be added in increasing order: %s <= %s",
			key, w.lastKey)
	}
	w.block.add(key, value)
	w.lastKey = key.Clone()
	w.count++
	if w.block.estimatedSize() >= w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.nEntries == 0 {
		return nil
	}
	raw := w.block.finish()
	payload, err := w.compress(raw)
	if err != nil {
		return err
	}
	startOffset := w.offset
	if err := w.writeBlock(payload); err != nil {
		return err
	}
	handle := encodeBlockHandle(uint64(startOffset), uint64(len(payload)))
	w.index.add(w.lastKey, handle)
	w.block.reset()
	return nil
}

func (w *Writer) compress(raw []byte) ([]byte, error) {
	switch w.opts.Compression {
	case SnappyCompression:
		return snappy.Encode(nil, raw), nil
	default:
		return raw, nil
	}
}

func (w *Writer) writeBlock(payload []byte) error {
	n, err := w.f.Write(payload)
	if err != nil {
		return err
	}
	w.offset += int64(n)
	return nil
}

func encodeBlockHandle(offset, length uint64) []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint64(buf[8:16], length)
	return buf[:]
}

func decodeBlockHandle(b []byte) (offset, length uint64) {
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16])
}

// Close flushes any pending block, writes the index block and footer,
// and closes the underlying file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlock(); err != nil {
		return err
	}
	indexRaw := w.index.finish()
	indexOffset := w.offset
	if err := w.writeBlock(indexRaw); err != nil {
		return err
	}

	var footer [footerLen]byte
	footer[0] = byte(w.opts.Compression)
	binary.LittleEndian.PutUint64(footer[1:9], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[9:17], uint64(len(indexRaw)))
	binary.LittleEndian.PutUint64(footer[17:25], magic)
	if err := w.writeBlock(footer[:]); err != nil {
		return err
	}
	return w.f.Close()
}

// Stat returns the final file size. Only meaningful after Close.
func (w *Writer) Stat() (int64, error) { return w.offset, nil }

// EntryCount returns the number of entries written so far.
func (w *Writer) EntryCount() int { return w.count }

// Smallest/Largest are tracked by the caller (writeLevel0Table-style
// callers record meta.smallest on the first Add and meta.largest on
// every Add), matching dialtr-pebble/db.go's convention, so Writer
// itself does not duplicate that bookkeeping.
