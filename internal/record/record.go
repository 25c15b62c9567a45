// Package record implements C2's on-disk format: a length-prefixed,
// CRC-protected record log where each batch is written as one logical
// record, physically split across fixed-size blocks (spec.md §4.2). The
// same format backs the manifest (C5) — a manifest is just a record
// stream of version edits (spec.md §4.4).
package record

import (
	"hash/crc32"

	"github.com/cockroachdb/errors"
)

// BlockSize is the physical block size a record log is chunked into,
// matching the LevelDB/Pebble record format this package is grounded on.
const BlockSize = 32 * 1024

// headerSize is checksum(4) + length(2) + type(1).
const headerSize = 7

type chunkType byte

const (
	chunkZero   chunkType = 0 // unused padding at the tail of a block
	chunkFull   chunkType = 1
	chunkFirst  chunkType = 2
	chunkMiddle chunkType = 3
	chunkLast   chunkType = 4
)

// castagnoliTable computes CRC32C, the checksum spec.md §4.2 requires;
// hash/crc32 already implements the Castagnoli polynomial, so no
// third-party checksum library is needed here (see DESIGN.md).
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(chunkType chunkType, data []byte) uint32 {
	h := crc32.New(castagnoliTable)
	h.Write([]byte{byte(chunkType)})
	h.Write(data)
	return h.Sum32()
}

// ErrCorruptRecord is returned by Reader.Next when a chunk fails its
// checksum or has an invalid header.
var ErrCorruptRecord = errors.New("partnerdb: corrupt record")
