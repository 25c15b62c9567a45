package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// memFile is a minimal in-memory file for exercising the record
// writer/reader round trip without touching disk.
type memFile struct {
	bytes.Buffer
}

func (m *memFile) Close() error { return nil }
func (m *memFile) Sync() error  { return nil }

func TestRecordRoundTripSmall(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f)

	records := [][]byte{[]byte("hello"), []byte(""), []byte("world!")}
	for _, r := range records {
		rw, err := w.Next()
		require.NoError(t, err)
		_, err = rw.Write(r)
		require.NoError(t, err)
		require.NoError(t, rw.Close())
	}

	r := NewReader(bytes.NewReader(f.Bytes()))
	for _, want := range records {
		got, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestRecordSpansMultipleBlocks(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f)

	big := bytes.Repeat([]byte("x"), BlockSize*2+100)
	rw, err := w.Next()
	require.NoError(t, err)
	_, err = rw.Write(big)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	r := NewReader(bytes.NewReader(f.Bytes()))
	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestRecordCorruptionDetected(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f)
	rw, err := w.Next()
	require.NoError(t, err)
	_, err = rw.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	corrupted := append([]byte(nil), f.Bytes()...)
	corrupted[0] ^= 0xff // flip a bit in the checksum

	r := NewReader(bytes.NewReader(corrupted))
	_, err = r.Next()
	require.ErrorIs(t, err, ErrCorruptRecord)
}
