package memtable

import (
	"fmt"
	"testing"

	"github.com/dialtr/partnerdb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGet(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 1<<20)
	for i := 0; i < 100; i++ {
		k := base.MakeInternalKey([]byte(fmt.Sprintf("k%03d", i)), base.SeqNum(i+1), base.InternalKeyKindSet)
		require.NoError(t, m.Insert(k, []byte(fmt.Sprintf("v%03d", i))))
	}

	v, tomb, ok := m.Get([]byte("k050"), base.SeqNumMax)
	require.True(t, ok)
	require.False(t, tomb)
	require.Equal(t, "v050", string(v))

	_, _, ok = m.Get([]byte("missing"), base.SeqNumMax)
	require.False(t, ok)
}

func TestSnapshotFence(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 1<<20)
	key := []byte("x")
	require.NoError(t, m.Insert(base.MakeInternalKey(key, 1, base.InternalKeyKindSet), []byte("1")))
	require.NoError(t, m.Insert(base.MakeInternalKey(key, 2, base.InternalKeyKindSet), []byte("2")))

	v, _, ok := m.Get(key, 1)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	v, _, ok = m.Get(key, 2)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestTombstone(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 1<<20)
	key := []byte("x")
	require.NoError(t, m.Insert(base.MakeInternalKey(key, 1, base.InternalKeyKindSet), []byte("1")))
	require.NoError(t, m.Insert(base.MakeInternalKey(key, 2, base.InternalKeyKindDelete), nil))

	_, tomb, ok := m.Get(key, 2)
	require.True(t, ok)
	require.True(t, tomb)
}

func TestIterationOrder(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 1<<20)
	for _, k := range []string{"b", "a", "d", "c"} {
		require.NoError(t, m.Insert(base.MakeInternalKey([]byte(k), 1, base.InternalKeyKindSet), []byte(k)))
	}
	it := m.NewIter()
	it.First()
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key().UserKey))
		it.Next()
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestSealRejectsInsert(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 1<<20)
	m.Seal()
	err := m.Insert(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet), []byte("1"))
	require.ErrorIs(t, err, ErrArenaFull)
}

func TestPrepareRejectsWhenFull(t *testing.T) {
	m := New(base.DefaultComparer.Compare, 256)

	// The first batch is always admitted, even one bigger than the whole
	// table.
	require.NoError(t, m.Prepare(1024))
	require.NoError(t, m.Insert(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet), []byte("1")))

	// A non-empty table rejects a batch that would overflow it, but an
	// insert that was already admitted still lands.
	require.ErrorIs(t, m.Prepare(1024), ErrArenaFull)
	require.NoError(t, m.Insert(base.MakeInternalKey([]byte("b"), 2, base.InternalKeyKindSet), []byte("2")))
}
