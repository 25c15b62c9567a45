package partnerdb

import "github.com/dialtr/partnerdb/internal/base"

// Batch collects a sequence of Set/Delete mutations applied atomically
// as one write, per spec.md §6's `Write(batch, opts)`.
type Batch struct {
	entries []base.BatchEntry
	seqNum  base.SeqNum
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Set stages a Set mutation.
func (b *Batch) Set(key, value []byte) {
	b.entries = append(b.entries, base.BatchEntry{
		Kind:  base.InternalKeyKindSet,
		Key:   append([]byte(nil), key...),
		Value: append([]byte{}, value...),
	})
}

// Delete stages a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, base.BatchEntry{
		Kind: base.InternalKeyKindDelete,
		Key:  append([]byte(nil), key...),
	})
}

// Count returns the number of staged mutations.
func (b *Batch) Count() int { return len(b.entries) }

// encode serializes the batch's header (sequence number, entry count)
// followed by each entry, the same WAL record framing spec.md §4.2
// describes for C2.
func (b *Batch) encode() []byte {
	buf := make([]byte, base.BatchHeaderLen)
	base.EncodeBatchHeader(buf, b.seqNum, uint32(len(b.entries)))
	for _, e := range b.entries {
		buf = base.EncodeBatchEntry(buf, e)
	}
	return buf
}

// decodeBatch parses a WAL record previously written by encode.
func decodeBatch(data []byte) (seqNum base.SeqNum, entries []base.BatchEntry, err error) {
	seqNum, count, err := base.DecodeBatchHeader(data)
	if err != nil {
		return 0, nil, err
	}
	err = base.DecodeBatchEntries(data[base.BatchHeaderLen:], count, func(e base.BatchEntry) error {
		entries = append(entries, e)
		return nil
	})
	return seqNum, entries, err
}
