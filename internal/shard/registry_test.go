package shard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoShards() []Shard {
	return []Shard{
		{ID: 1, Addr: "127.0.0.1:25566", Region: Region{X1: -100, Z1: -100, X2: 0, Z2: 100}},
		{ID: 2, Addr: "127.0.0.1:25567", Region: Region{X1: 0, Z1: -100, X2: 100, Z2: 100}},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(twoShards())
	require.NoError(t, err)

	_, err = New([]Shard{{ID: 1, Region: Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}})
	assert.ErrorContains(t, err, "empty address")

	_, err = New([]Shard{{ID: 1, Addr: "a:1", Region: Region{X1: 5, Z1: 0, X2: 5, Z2: 1}}})
	assert.ErrorContains(t, err, "empty region")

	dup := twoShards()
	dup[1].ID = 1
	_, err = New(dup)
	assert.ErrorContains(t, err, "duplicate shard id")

	overlap := twoShards()
	overlap[1].Region.X1 = -1
	_, err = New(overlap)
	assert.ErrorContains(t, err, "overlapping regions")
}

func TestOwnerOf(t *testing.T) {
	reg, err := New(twoShards())
	require.NoError(t, err)

	id, err := reg.OwnerOf(-1, 0)
	require.NoError(t, err)
	assert.Equal(t, ID(1), id)

	// The boundary chunk belongs to the right-hand shard: regions are
	// half-open on X2/Z2.
	id, err = reg.OwnerOf(0, 0)
	require.NoError(t, err)
	assert.Equal(t, ID(2), id)

	_, err = reg.OwnerOf(500, 0)
	assert.ErrorIs(t, err, ErrNoOwningShard)
	_, err = reg.OwnerOf(0, 100)
	assert.ErrorIs(t, err, ErrNoOwningShard)
}

func TestNeighborsWithin(t *testing.T) {
	reg, err := New(twoShards())
	require.NoError(t, err)

	// Deep inside shard 1, view square stays within it.
	assert.Equal(t, []ID{1}, reg.NeighborsWithin(-50, 0, 8))

	// Near the seam both shards fall inside the view square.
	assert.Equal(t, []ID{1, 2}, reg.NeighborsWithin(-4, 0, 8))
	assert.Equal(t, []ID{1, 2}, reg.NeighborsWithin(4, 0, 8))

	// Outside all regions but within radius of shard 2's edge.
	assert.Equal(t, []ID{2}, reg.NeighborsWithin(105, 0, 8))
}

func TestLoadTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shards.yaml")
	data := `shards:
  - id: 1
    addr: "127.0.0.1:25566"
    region: { x1: -10, z1: -10, x2: 0, z2: 10 }
  - id: 2
    addr: "127.0.0.1:25567"
    region: { x1: 0, z1: -10, x2: 10, z2: 10 }
    origin_x: 32
    origin_z: -16
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Count())

	s := reg.Get(2)
	require.NotNil(t, s)
	assert.Equal(t, int32(32), s.OriginX)
	assert.Equal(t, int32(-16), s.OriginZ)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestChunkOf(t *testing.T) {
	cx, cz := ChunkOf(0, 15)
	assert.Equal(t, int32(0), cx)
	assert.Equal(t, int32(0), cz)

	cx, cz = ChunkOf(16, -1)
	assert.Equal(t, int32(1), cx)
	assert.Equal(t, int32(-1), cz, "negative blocks round toward negative infinity")

	cx, _ = ChunkOf(-16, 0)
	assert.Equal(t, int32(-1), cx)
}
