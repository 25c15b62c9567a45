package base

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// BatchEntry is one (kind, user_key, value?) mutation inside a batch.
type BatchEntry struct {
	Kind  InternalKeyKind
	Key   []byte
	Value []byte // nil for InternalKeyKindDelete
}

// BatchHeaderLen is the fixed-size prefix of an encoded batch: an 8-byte
// sequence number followed by a 4-byte entry count.
const BatchHeaderLen = 12

// EncodeBatchHeader writes seqNum and count into the first 12 bytes of buf.
func EncodeBatchHeader(buf []byte, seqNum SeqNum, count uint32) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(seqNum))
	binary.LittleEndian.PutUint32(buf[8:12], count)
}

// DecodeBatchHeader reads the header written by EncodeBatchHeader.
func DecodeBatchHeader(buf []byte) (seqNum SeqNum, count uint32, err error) {
	if len(buf) < BatchHeaderLen {
		return 0, 0, errors.New("partnerdb: batch header too short")
	}
	seqNum = SeqNum(binary.LittleEndian.Uint64(buf[0:8]))
	count = binary.LittleEndian.Uint32(buf[8:12])
	return seqNum, count, nil
}

// EncodeBatchEntry appends the wire form of e to buf and returns the result.
// Wire form: kind(1) | varint(len(key)) | key | [varint(len(value)) | value].
func EncodeBatchEntry(buf []byte, e BatchEntry) []byte {
	buf = append(buf, byte(e.Kind))
	buf = appendUvarint(buf, uint64(len(e.Key)))
	buf = append(buf, e.Key...)
	if e.Kind != InternalKeyKindDelete {
		buf = appendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// DecodeBatchEntries decodes count entries from the body following the
// batch header, invoking fn for each.
func DecodeBatchEntries(data []byte, count uint32, fn func(BatchEntry) error) error {
	p := data
	for i := uint32(0); i < count; i++ {
		if len(p) < 1 {
			return errors.New("partnerdb: corrupt batch: truncated entry kind")
		}
		kind := InternalKeyKind(p[0])
		p = p[1:]

		keyLen, n := binary.Uvarint(p)
		if n <= 0 {
			return errors.New("partnerdb: corrupt batch: bad key length")
		}
		p = p[n:]
		if uint64(len(p)) < keyLen {
			return errors.New("partnerdb: corrupt batch: truncated key")
		}
		key := p[:keyLen]
		p = p[keyLen:]

		var value []byte
		if kind != InternalKeyKindDelete {
			valLen, n := binary.Uvarint(p)
			if n <= 0 {
				return errors.New("partnerdb: corrupt batch: bad value length")
			}
			p = p[n:]
			if uint64(len(p)) < valLen {
				return errors.New("partnerdb: corrupt batch: truncated value")
			}
			value = p[:valLen]
			p = p[valLen:]
		}

		if err := fn(BatchEntry{Kind: kind, Key: key, Value: value}); err != nil {
			return err
		}
	}
	return nil
}
