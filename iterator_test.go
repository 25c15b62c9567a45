package partnerdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A fresh iterator over several flushed runs (so C10 actually merges
// across memtable + several L0 runs, not just one memtable)
// walks every live key in ascending order and back again.
func TestIteratorForwardAndBackward(t *testing.T) {
	db := openTestStore(t)
	defer db.Close()

	flush := func() {
		db.mu.Lock()
		require.NoError(t, db.rotateMemtable())
		db.mu.Unlock()
		waitForFlush(t, db)
	}

	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put(key(i), value(i), nil))
		if i%10 == 9 {
			flush()
		}
	}
	// Leave the last key in the active memtable so the merge
	// genuinely spans memtable + L0 sources.
	require.NoError(t, db.Put(key(n), value(n), nil))

	it := db.NewIterator(nil)
	defer it.Close()

	i := 0
	for it.First(); it.Valid(); it.Next() {
		require.Equal(t, string(key(i)), string(it.Key()))
		require.Equal(t, string(value(i)), string(it.Value()))
		i++
	}
	require.Equal(t, n+1, i, "forward iteration should visit every key exactly once")

	i = n
	for it.Last(); it.Valid(); it.Prev() {
		require.Equal(t, string(key(i)), string(it.Key()))
		require.Equal(t, string(value(i)), string(it.Value()))
		i--
	}
	require.Equal(t, -1, i, "backward iteration should revisit the same keys in reverse")
}

// A deleted key never surfaces through the iterator, even though its
// tombstone is still a live entry in the merge underneath (spec.md
// §4.8's "collapse each run of versions ... skip tombstones").
func TestIteratorSkipsTombstones(t *testing.T) {
	db := openTestStore(t)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1"), nil))
	require.NoError(t, db.Put([]byte("b"), []byte("2"), nil))
	require.NoError(t, db.Put([]byte("c"), []byte("3"), nil))
	require.NoError(t, db.Delete([]byte("b"), nil))

	it := db.NewIterator(nil)
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "c"}, got)
}

// An iterator opened against a snapshot is stable under concurrent
// writes: it keeps seeing the value as of the snapshot's sequence fence
// even after later Puts change the key
// (spec.md §8 invariant 7, "stable under concurrent writes and
// concurrent compactions").
func TestIteratorSnapshotStableUnderConcurrentWrites(t *testing.T) {
	db := openTestStore(t)
	defer db.Close()

	require.NoError(t, db.Put([]byte("x"), []byte("1"), nil))
	snap := db.NewSnapshot()
	defer snap.Close()

	it := db.NewIterator(snap)
	defer it.Close()

	require.NoError(t, db.Put([]byte("x"), []byte("2"), nil))
	require.NoError(t, db.Put([]byte("y"), []byte("new"), nil))

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	require.Equal(t, []string{"x=1"}, got,
		"the snapshot-fenced iterator must not observe writes committed after it was opened")

	live := db.NewIterator(nil)
	defer live.Close()
	var gotLive []string
	for live.First(); live.Valid(); live.Next() {
		gotLive = append(gotLive, string(live.Key())+"="+string(live.Value()))
	}
	require.Equal(t, []string{"x=2", "y=new"}, gotLive)
}

// SeekGE lands on the first visible key at or after the target,
// including when the target itself doesn't exist.
func TestIteratorSeekGE(t *testing.T) {
	db := openTestStore(t)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1"), nil))
	require.NoError(t, db.Put([]byte("c"), []byte("3"), nil))
	require.NoError(t, db.Put([]byte("e"), []byte("5"), nil))

	it := db.NewIterator(nil)
	defer it.Close()

	it.SeekGE([]byte("b"))
	require.True(t, it.Valid())
	require.Equal(t, "c", string(it.Key()))

	it.SeekGE([]byte("z"))
	require.False(t, it.Valid(), "seeking past the last key must land on an invalid iterator")
}
