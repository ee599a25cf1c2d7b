package mapping

import (
	"testing"

	"github.com/shardmux/proxy/internal/shard"
	"github.com/stretchr/testify/assert"
)

func TestChunkTranslation(t *testing.T) {
	s := &shard.Shard{ID: 1, OriginX: 100, OriginZ: -50}

	cx, cz := ChunkInbound(s, 5, 5)
	assert.Equal(t, int32(105), cx)
	assert.Equal(t, int32(-45), cz)

	lx, lz := ChunkOutbound(s, cx, cz)
	assert.Equal(t, int32(5), lx)
	assert.Equal(t, int32(5), lz)
}

func TestBlockTranslation(t *testing.T) {
	s := &shard.Shard{ID: 1, OriginX: 2, OriginZ: 3}

	x, z := BlockInbound(s, 10, 10)
	assert.Equal(t, int32(10+2*16), x)
	assert.Equal(t, int32(10+3*16), z)

	bx, bz := BlockOutbound(s, x, z)
	assert.Equal(t, int32(10), bx)
	assert.Equal(t, int32(10), bz)
}

func TestPosTranslation(t *testing.T) {
	s := &shard.Shard{ID: 1, OriginX: -4, OriginZ: 8}

	x, z := PosInbound(s, 1.5, 2.5)
	assert.InDelta(t, 1.5-64, x, 1e-9)
	assert.InDelta(t, 2.5+128, z, 1e-9)

	lx, lz := PosOutbound(s, x, z)
	assert.InDelta(t, 1.5, lx, 1e-9)
	assert.InDelta(t, 2.5, lz, 1e-9)
}

func TestZeroOriginIsIdentity(t *testing.T) {
	s := &shard.Shard{ID: 1}
	cx, cz := ChunkInbound(s, 7, -7)
	assert.Equal(t, int32(7), cx)
	assert.Equal(t, int32(-7), cz)
	x, z := PosInbound(s, 123.25, -9.75)
	assert.Equal(t, 123.25, x)
	assert.Equal(t, -9.75, z)
}
