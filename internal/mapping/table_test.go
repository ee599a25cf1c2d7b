package mapping

import (
	"testing"

	"github.com/shardmux/proxy/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInboundIsStable(t *testing.T) {
	tb := NewTable()

	g1 := tb.Inbound(1, 100)
	g2 := tb.Inbound(1, 100)
	assert.Equal(t, g1, g2, "same shard-local ID must map to the same global ID")

	g3 := tb.Inbound(2, 100)
	assert.NotEqual(t, g1, g3, "same local ID on another shard is a different entity")
	assert.Equal(t, 2, tb.Live())
}

func TestTableRoundTrip(t *testing.T) {
	tb := NewTable()
	g := tb.Inbound(3, 42)

	local, err := tb.Outbound(3, g)
	require.NoError(t, err)
	assert.Equal(t, int32(42), local)

	s, local, err := tb.Resolve(g)
	require.NoError(t, err)
	assert.Equal(t, shard.ID(3), s)
	assert.Equal(t, int32(42), local)
}

func TestTableOutboundUnknown(t *testing.T) {
	tb := NewTable()
	g := tb.Inbound(1, 7)

	_, err := tb.Outbound(2, g)
	assert.ErrorIs(t, err, ErrUnknownIdentifier, "mapping belongs to shard 1, not 2")

	_, err = tb.Outbound(1, g+999)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	_, _, err = tb.Resolve(g + 999)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestTableReleaseIsIdempotent(t *testing.T) {
	tb := NewTable()
	g := tb.Inbound(1, 7)

	assert.Equal(t, g, tb.Release(1, 7))
	assert.Equal(t, int32(-1), tb.Release(1, 7), "second release is a no-op")
	assert.Equal(t, 0, tb.Live())

	_, err := tb.Outbound(1, g)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestTableNoReuseBeforeAck(t *testing.T) {
	tb := NewTable()
	g := tb.Inbound(1, 7)
	tb.Release(1, 7)

	// Not acknowledged yet: a fresh entity must not get the released ID.
	g2 := tb.Inbound(1, 8)
	assert.NotEqual(t, g, g2)

	tb.AckDespawn(g)
	g3 := tb.Inbound(1, 9)
	assert.Equal(t, g, g3, "acknowledged ID returns to the free list")
}

func TestTableAckDespawnUnknownIsNoop(t *testing.T) {
	tb := NewTable()
	tb.AckDespawn(12345)
	g := tb.Inbound(1, 1)
	assert.GreaterOrEqual(t, g, int32(0x10000000), "bogus ack must not seed the free list")
}

func TestTableReleaseShard(t *testing.T) {
	tb := NewTable()
	a := tb.Inbound(1, 10)
	b := tb.Inbound(1, 11)
	c := tb.Inbound(2, 10)

	globals := tb.ReleaseShard(1)
	assert.ElementsMatch(t, []int32{a, b}, globals)
	assert.Equal(t, 1, tb.Live())

	_, _, err := tb.Resolve(c)
	assert.NoError(t, err, "other shard's mappings survive")
}

func TestTableOwner(t *testing.T) {
	tb := NewTable()
	g := tb.Inbound(5, 77)

	owner, ok := tb.Owner(g)
	require.True(t, ok)
	assert.Equal(t, shard.ID(5), owner)

	tb.Release(5, 77)
	_, ok = tb.Owner(g)
	assert.False(t, ok)
}

func TestTableBindUnbind(t *testing.T) {
	tb := NewTable()
	self := tb.Inbound(1, 100)

	// Hand the self entity to shard 2 under the same global ID.
	tb.Unbind(1, 100)
	tb.Bind(2, 200, self)

	s, local, err := tb.Resolve(self)
	require.NoError(t, err)
	assert.Equal(t, shard.ID(2), s)
	assert.Equal(t, int32(200), local)

	_, err = tb.Outbound(1, self)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	local, err = tb.Outbound(2, self)
	require.NoError(t, err)
	assert.Equal(t, int32(200), local)
}
