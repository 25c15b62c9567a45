package partnerdb

import (
	"testing"

	"github.com/dialtr/partnerdb/internal/base"
	"github.com/dialtr/partnerdb/internal/manifest"
	"github.com/stretchr/testify/require"
)

func fakeRun(fileNum uint64, size uint64, lo, hi string) *manifest.FileMetadata {
	return &manifest.FileMetadata{
		FileNum:  fileNum,
		Size:     size,
		Smallest: base.MakeInternalKey([]byte(lo), 1, base.InternalKeyKindSet),
		Largest:  base.MakeInternalKey([]byte(hi), 1, base.InternalKeyKindSet),
	}
}

// Shards must tile the key space with no gaps: every shard's upper bound
// is exactly the next shard's lower bound, the outermost bounds are
// open, and in particular the largest key of a shard's own last L+1 run
// falls inside that shard's half-open range — not on its excluded edge.
// A plan that left the boundary keys (or the gap between two groups'
// ranges) owned by no shard would delete those keys' input runs without
// ever re-emitting them.
func TestPlanShardsTileKeySpace(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	lp1 := []*manifest.FileMetadata{
		fakeRun(10, 100, "a", "c"),
		fakeRun(11, 100, "d", "f"),
		fakeRun(12, 100, "g", "i"),
		fakeRun(13, 100, "j", "l"),
	}
	lFiles := []*manifest.FileMetadata{fakeRun(20, 400, "a", "z")}

	shards := planShards(cmp, lFiles, lp1, 2)
	require.Len(t, shards, 2)

	require.Nil(t, shards[0].lo, "the first shard's lower bound must be open")
	require.Nil(t, shards[len(shards)-1].hi, "the last shard's upper bound must be open")
	for i := 0; i+1 < len(shards); i++ {
		require.Equal(t, shards[i+1].lo, shards[i].hi,
			"shard %d must end exactly where shard %d begins", i, i+1)
	}

	// Every L+1 input's full key range, last key included, must be owned
	// by the shard it was assigned to.
	for i, s := range shards {
		for _, f := range s.lp1Files {
			if s.lo != nil {
				require.GreaterOrEqual(t, cmp(f.Smallest.UserKey, s.lo), 0,
					"shard %d: file %d starts below the shard", i, f.FileNum)
			}
			if s.hi != nil {
				require.Less(t, cmp(f.Largest.UserKey, s.hi), 0,
					"shard %d: file %d's largest key is outside the shard's half-open range", i, f.FileNum)
			}
		}
	}

	// The wide L run intersects every shard, so each shard must carry it.
	for i, s := range shards {
		require.Len(t, s.lFiles, 1, "shard %d should include the overlapping L run", i)
	}
}

// A plan is refused (classical fallback) when there are too few L+1
// inputs to split, per the skip conditions in runSplitCompaction.
func TestPlanShardsRefusesTinyInputs(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	one := []*manifest.FileMetadata{fakeRun(10, 100, "a", "c")}
	require.Nil(t, planShards(cmp, nil, one, 4))
	require.Nil(t, planShards(cmp, nil, nil, 4))
}
