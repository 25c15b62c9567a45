// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sstable is the concrete (if deliberately narrow — spec.md §1
// treats the block format as external) implementation of C3, the run
// reader/writer: it produces and consumes immutable, sorted, prefix-
// compressed blocks of internal keys with periodic restart points, the
// same block layout dialtr-pebble/sstable/block.go uses, adapted to this
// repo's internal/base key types and to plain byte-slice indexing instead
// of unsafe.Pointer arithmetic.
package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dialtr/partnerdb/internal/base"
)

// block is the decoded byte payload of one data or index block.
type block []byte

type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [50]byte
}

func newBlockWriter(restartInterval int) *blockWriter {
	return &blockWriter{restartInterval: restartInterval}
}

func (w *blockWriter) store(keySize int, value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(keySize-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

func (w *blockWriter) add(key base.InternalKey, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey

	size := key.Size()
	if cap(w.curKey) < size {
		w.curKey = make([]byte, 0, size*2)
	}
	w.curKey = w.curKey[:size]
	key.Encode(w.curKey)

	w.store(size, value)
}

func (w *blockWriter) finish() []byte {
	if w.nEntries == 0 {
		w.restarts = append(w.restarts[:0], 0)
	}
	var tmp4 [4]byte
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4[:], x)
		w.buf = append(w.buf, tmp4[:]...)
	}
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4[:]...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

// blockIter is a forward/backward iterator over a single block, one of
// C10's closed set of iterator variants (spec.md §4.8/§9).
type blockIter struct {
	cmp         base.Compare
	data        []byte
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	key         []byte
	val         []byte
	ikey        base.InternalKey
	err         error
}

func newBlockIter(cmp base.Compare, b block) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, b)
}

func (i *blockIter) init(cmp base.Compare, b block) error {
	if len(b) < 4 {
		return errors.Wrap(ErrCorruptBlock, "partnerdb: block too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts == 0 {
		return errors.Wrap(ErrCorruptBlock, "partnerdb: block has no restart points")
	}
	i.cmp = cmp
	i.restarts = len(b) - 4*(1+numRestarts)
	i.numRestarts = numRestarts
	i.data = b
	i.key = i.key[:0]
	i.val = nil
	return nil
}

// ErrCorruptBlock marks a block that failed to decode.
var ErrCorruptBlock = errors.New("partnerdb: corrupt sstable block")

func decodeEntryAt(data []byte, offset int) (shared, unshared, valLen, headerLen int) {
	p := offset
	s, n := binary.Uvarint(data[p:])
	p += n
	u, n := binary.Uvarint(data[p:])
	p += n
	v, n := binary.Uvarint(data[p:])
	p += n
	return int(s), int(u), int(v), p - offset
}

func (i *blockIter) readEntryAt(offset int) {
	shared, unshared, valLen, headerLen := decodeEntryAt(i.data, offset)
	start := offset + headerLen
	i.key = append(i.key[:shared], i.data[start:start+unshared]...)
	i.key = i.key[:len(i.key):len(i.key)]
	valStart := start + unshared
	i.val = i.data[valStart : valStart+valLen]
	i.nextOffset = valStart + valLen
}

func (i *blockIter) loadEntry(offset int) {
	i.offset = offset
	i.readEntryAt(offset)
	i.ikey = base.DecodeInternalKey(i.key)
}

// restartKey decodes just the unshared key bytes stored at a restart
// point (shared is always 0 there).
func (i *blockIter) restartKey(index int) base.InternalKey {
	offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*index:]))
	_, unshared, _, headerLen := decodeEntryAt(i.data, offset)
	start := offset + headerLen
	return base.DecodeInternalKey(i.data[start : start+unshared])
}

// SeekGE positions the iterator at the first entry with key >= the
// given user key (searched at the maximal sequence/kind so the newest
// version of that user key, if any, is found first).
func (i *blockIter) SeekGE(ukey []byte) {
	target := base.MakeInternalKey(ukey, base.SeqNumMax, base.InternalKeyKindMax)
	index := sort.Search(i.numRestarts, func(j int) bool {
		return base.InternalCompare(i.cmp, target, i.restartKey(j)) < 0
	})
	offset := 0
	if index > 0 {
		offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	i.loadEntry(offset)
	for i.Valid() {
		if base.InternalCompare(i.cmp, i.ikey, target) >= 0 {
			return
		}
		i.Next()
	}
}

// First positions the iterator at the block's first entry.
func (i *blockIter) First() { i.loadEntry(0) }

// Last positions the iterator at the block's last entry.
func (i *blockIter) Last() {
	offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(i.numRestarts-1):]))
	for {
		i.loadEntry(offset)
		if i.nextOffset >= i.restarts {
			return
		}
		offset = i.nextOffset
	}
}

// Next advances to the next entry, returning false at the end of block.
func (i *blockIter) Next() bool {
	if i.nextOffset >= i.restarts {
		i.offset = i.restarts
		return false
	}
	i.loadEntry(i.nextOffset)
	return true
}

// Prev moves to the previous entry by rescanning from the preceding
// restart point, the same approach dialtr-pebble/sstable/block.go uses,
// minus its entry cache (blocks here are small enough that re-walking
// from a restart point is cheap, and it avoids unsafe aliasing of
// cached byte slices across reset()s).
func (i *blockIter) Prev() bool {
	if i.offset <= 0 {
		i.offset = -1
		return false
	}
	target := i.offset
	index := sort.Search(i.numRestarts, func(j int) bool {
		offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		return offset >= target
	})
	offset := 0
	if index > 0 {
		offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	for {
		i.loadEntry(offset)
		if i.nextOffset >= target {
			return true
		}
		offset = i.nextOffset
	}
}

func (i *blockIter) Valid() bool           { return i.offset >= 0 && i.offset < i.restarts }
func (i *blockIter) Key() base.InternalKey { return i.ikey }
func (i *blockIter) Value() []byte         { return i.val }
func (i *blockIter) Error() error          { return i.err }
func (i *blockIter) Close() error          { return i.err }
