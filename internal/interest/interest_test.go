package interest

import (
	"testing"

	"github.com/shardmux/proxy/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *shard.Registry {
	t.Helper()
	reg, err := shard.New(seamShards())
	require.NoError(t, err)
	return reg
}

// Two shards split along chunk X=0, plus a detached third far away.
func seamShards() []shard.Shard {
	return []shard.Shard{
		{ID: 1, Addr: "127.0.0.1:25566", Region: shard.Region{X1: -1024, Z1: -1024, X2: 0, Z2: 1024}},
		{ID: 2, Addr: "127.0.0.1:25567", Region: shard.Region{X1: 0, Z1: -1024, X2: 1024, Z2: 1024}},
		{ID: 3, Addr: "127.0.0.1:25568", Region: shard.Region{X1: 4000, Z1: 4000, X2: 4100, Z2: 4100}},
	}
}

func TestComputeDeepInside(t *testing.T) {
	reg := testRegistry(t)

	// Block (-1600, 0) = chunk (-100, 0), far from every boundary.
	res := Compute(reg, -1600, 0, 8)
	require.True(t, res.HasOwner)
	assert.Equal(t, shard.ID(1), res.Owner)
	assert.Len(t, res.Set, 1)
	assert.True(t, res.Set.Contains(1))
}

func TestComputeNearSeam(t *testing.T) {
	reg := testRegistry(t)

	// Block (-32, 0) = chunk (-2, 0); an 8-chunk view square crosses X=0.
	res := Compute(reg, -32, 0, 8)
	require.True(t, res.HasOwner)
	assert.Equal(t, shard.ID(1), res.Owner)
	assert.True(t, res.Set.Contains(1))
	assert.True(t, res.Set.Contains(2))
	assert.False(t, res.Set.Contains(3))
}

func TestComputeNoOwner(t *testing.T) {
	reg := testRegistry(t)

	// Chunk (2000, 2000): outside every region and every view square.
	res := Compute(reg, 32000, 32000, 8)
	assert.False(t, res.HasOwner)
	assert.Empty(t, res.Set)
}

func TestDelta(t *testing.T) {
	old := Set{1: {}, 2: {}}
	cur := Set{2: {}, 3: {}}

	add, remove := Delta(old, cur)
	assert.ElementsMatch(t, []shard.ID{3}, add)
	assert.ElementsMatch(t, []shard.ID{1}, remove)

	add, remove = Delta(nil, Set{1: {}})
	assert.ElementsMatch(t, []shard.ID{1}, add)
	assert.Empty(t, remove)
}

func TestTrackerHysteresis(t *testing.T) {
	reg := testRegistry(t)
	tr := NewTracker(reg, 8, 16)

	res, changed := tr.Update(-1600, 0)
	assert.True(t, changed, "first update always recomputes")
	assert.Equal(t, shard.ID(1), res.Owner)

	_, changed = tr.Update(-1590, 0)
	assert.False(t, changed, "10 blocks is under the 16-block threshold")

	_, changed = tr.Update(-1600, 20)
	assert.True(t, changed, "20 blocks of Z movement crosses the threshold")
}

func TestTrackerFollowsBoundaryCrossing(t *testing.T) {
	reg := testRegistry(t)
	tr := NewTracker(reg, 8, 16)

	res, _ := tr.Update(-40, 0)
	require.True(t, res.HasOwner)
	assert.Equal(t, shard.ID(1), res.Owner)
	assert.True(t, res.Set.Contains(2), "seam is inside the view square")

	res, changed := tr.Update(40, 0)
	require.True(t, changed)
	require.True(t, res.HasOwner)
	assert.Equal(t, shard.ID(2), res.Owner, "crossing the seam changes the owner")
	assert.True(t, res.Set.Contains(1), "old shard stays in view behind the player")
}
