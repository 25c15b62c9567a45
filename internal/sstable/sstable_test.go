package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dialtr/partnerdb/internal/base"
	"github.com/stretchr/testify/require"
)

func osFile(t *testing.T, name string) *os.File {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	return f
}

func writeRun(t *testing.T, path string, n int, opts WriterOptions) {
	f := osFile(t, path)
	w := NewWriter(f, base.DefaultComparer.Compare, opts)
	for i := 0; i < n; i++ {
		k := base.MakeInternalKey([]byte(fmt.Sprintf("k%04d", i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, w.Add(k, []byte(fmt.Sprintf("v%04d", i))))
	}
	require.NoError(t, w.Close())
}

func TestWriteAndIterate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	writeRun(t, path, 500, WriterOptions{BlockSize: 512})

	f, err := os.Open(path)
	require.NoError(t, err)
	r, err := NewReader(f, base.DefaultComparer.Compare)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.NewIter()
	require.NoError(t, err)
	it.First()
	count := 0
	for it.Valid() {
		want := fmt.Sprintf("k%04d", count)
		require.Equal(t, want, string(it.Key().UserKey))
		count++
		it.Next()
	}
	require.Equal(t, 500, count)
}

func TestGetExactLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000002.sst")
	writeRun(t, path, 200, WriterOptions{BlockSize: 512})

	f, err := os.Open(path)
	require.NoError(t, err)
	r, err := NewReader(f, base.DefaultComparer.Compare)
	require.NoError(t, err)
	defer r.Close()

	v, ok, err := r.Get(base.MakeInternalKey([]byte("k0100"), base.SeqNumMax, base.InternalKeyKindMax))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v0100", string(v))

	_, ok, err = r.Get(base.MakeInternalKey([]byte("missing"), base.SeqNumMax, base.InternalKeyKindMax))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnappyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000003.sst")
	writeRun(t, path, 300, WriterOptions{BlockSize: 512, Compression: SnappyCompression})

	f, err := os.Open(path)
	require.NoError(t, err)
	r, err := NewReader(f, base.DefaultComparer.Compare)
	require.NoError(t, err)
	defer r.Close()

	v, ok, err := r.Get(base.MakeInternalKey([]byte("k0150"), base.SeqNumMax, base.InternalKeyKindMax))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v0150", string(v))
}
