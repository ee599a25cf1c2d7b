package mapping

import "github.com/shardmux/proxy/internal/shard"

// Chunk coordinate translation is pure arithmetic from the shard's
// registered origin: globalChunk = localChunk + origin. It lives in this
// package so all identifier translation crosses one boundary, even though
// no table lookup is involved.

// ChunkInbound converts a shard-local chunk coordinate to the global one.
func ChunkInbound(s *shard.Shard, cx, cz int32) (int32, int32) {
	return cx + s.OriginX, cz + s.OriginZ
}

// ChunkOutbound converts a global chunk coordinate to the shard-local one.
func ChunkOutbound(s *shard.Shard, cx, cz int32) (int32, int32) {
	return cx - s.OriginX, cz - s.OriginZ
}

// BlockInbound converts shard-local block coordinates to global ones.
func BlockInbound(s *shard.Shard, x, z int32) (int32, int32) {
	return x + s.OriginX<<4, z + s.OriginZ<<4
}

// BlockOutbound converts global block coordinates to shard-local ones.
func BlockOutbound(s *shard.Shard, x, z int32) (int32, int32) {
	return x - s.OriginX<<4, z - s.OriginZ<<4
}

// PosInbound converts shard-local absolute coordinates to global ones.
func PosInbound(s *shard.Shard, x, z float64) (float64, float64) {
	return x + float64(s.OriginX)*16, z + float64(s.OriginZ)*16
}

// PosOutbound converts global absolute coordinates to shard-local ones.
func PosOutbound(s *shard.Shard, x, z float64) (float64, float64) {
	return x - float64(s.OriginX)*16, z - float64(s.OriginZ)*16
}
