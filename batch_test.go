package partnerdb

import (
	"testing"

	"github.com/dialtr/partnerdb/internal/vfs"
	"github.com/stretchr/testify/require"
)

// Encoding and decoding of a batch is the identity on the entry list
// (spec.md §8's round-trip law).
func TestBatchEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte(""), []byte("")) // empty key and empty value are legal
	b.Delete([]byte("c"))
	b.seqNum = 42

	seqNum, entries, err := decodeBatch(b.encode())
	require.NoError(t, err)
	require.EqualValues(t, 42, seqNum)
	require.Len(t, entries, 3)

	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("1"), entries[0].Value)
	require.Equal(t, []byte(""), entries[1].Key)
	require.Equal(t, []byte("c"), entries[2].Key)
}

// A multi-entry batch is one atomic WAL record: after a reopen every
// entry reappears (or, had the record been cut short, none would),
// never a prefix of the batch.
func TestBatchReplayAcrossReopen(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("/db"))
	opts := testOptions(fs)

	db, err := Open("/db", opts)
	require.NoError(t, err)

	b := NewBatch()
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))
	require.NoError(t, db.Write(b, Sync))
	require.NoError(t, db.Close())

	db2, err := Open("/db", opts)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	_, err = db2.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound, "the batch's own later delete must win over its earlier set")
}

// A zero-length batch is a no-op (spec.md §8 boundary behavior): Write
// must not assign any sequence numbers or touch the WAL.
func TestWriteEmptyBatchIsNoop(t *testing.T) {
	db := openTestStore(t)
	defer db.Close()

	before := db.versions.LogSeqNum
	require.NoError(t, db.Write(NewBatch(), nil))
	require.Equal(t, before, db.versions.LogSeqNum)
}
