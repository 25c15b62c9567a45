package record

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Reader reassembles logical records from a chunked physical block
// stream written by Writer.
type Reader struct {
	r          io.Reader
	buf        [BlockSize]byte
	begin, end int // valid bytes in buf are [begin:end)
	err        error
}

// NewReader wraps r for sequential logical-record replay, as used by
// WAL and manifest recovery (spec.md §4.4).
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fill() error {
	n, err := io.ReadFull(r.r, r.buf[:])
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return err
	}
	// A short read (end of file mid-block) is fine; the rest of the
	// block is implicitly zero chunkZero padding that Next will see as
	// EOF once consumed.
	r.begin, r.end = 0, n
	return nil
}

// Next returns the payload of the next logical record, or io.EOF. A
// chunk that fails its checksum, has a bad header, or leaves a record
// cut off mid-fragment is always reported as an ErrCorruptRecord error;
// whether that ends replay quietly or fails it is up to the caller
// (Store.replayLog decides by Options.ParanoidChecks).
func (r *Reader) Next() ([]byte, error) {
	var record []byte
	inFragment := false
	for {
		if r.begin >= r.end {
			if err := r.fill(); err != nil {
				if err == io.EOF {
					if inFragment {
						return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: truncated record at EOF")
					}
					return nil, io.EOF
				}
				return nil, err
			}
		}
		if r.end-r.begin < headerSize {
			// Zero padding (or a too-short tail): treat as EOF.
			if inFragment {
				return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: truncated record header")
			}
			return nil, io.EOF
		}
		hdr := r.buf[r.begin : r.begin+headerSize]
		wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
		length := int(binary.LittleEndian.Uint16(hdr[4:6]))
		typ := chunkType(hdr[6])

		if typ == chunkZero {
			// Padding to end of block: skip to next block.
			r.begin = r.end
			continue
		}

		dataStart := r.begin + headerSize
		dataEnd := dataStart + length
		if dataEnd > r.end {
			return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: chunk length exceeds block")
		}
		data := r.buf[dataStart:dataEnd]
		if checksum(typ, data) != wantCRC {
			return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: checksum mismatch")
		}
		r.begin = dataEnd

		switch typ {
		case chunkFull:
			if inFragment {
				return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: unexpected full chunk mid-record")
			}
			return append([]byte{}, data...), nil
		case chunkFirst:
			if inFragment {
				return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: unexpected first chunk mid-record")
			}
			record = append([]byte(nil), data...)
			inFragment = true
		case chunkMiddle:
			if !inFragment {
				return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: unexpected middle chunk")
			}
			record = append(record, data...)
		case chunkLast:
			if !inFragment {
				return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: unexpected last chunk")
			}
			record = append(record, data...)
			return record, nil
		default:
			return nil, errors.Wrap(ErrCorruptRecord, "partnerdb: unknown chunk type")
		}
	}
}
