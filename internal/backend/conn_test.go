package backend

import (
	gonet "net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/net/packet"
	"github.com/shardmux/proxy/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOpts() Options {
	return Options{
		PlayerName:      "Steve",
		ProtocolVersion: 753,
		DialTimeout:     2 * time.Second,
		DrainTimeout:    time.Second,
		WriteTimeout:    2 * time.Second,
		OutQueueSize:    32,
		HeldSlot:        0,
	}
}

// fakeShard runs a scripted shard-side login on one accepted connection and
// then hands control to script.
func fakeShard(t *testing.T, selfEID int32, script func(fc *net.Conn)) string {
	t.Helper()
	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		fc := net.NewConn(raw)

		// Handshake + login start.
		body, err := fc.ReadFrame()
		if err != nil {
			return
		}
		hs := packet.NewReader(body)
		if hs.ID() != packet.C_HANDSHAKE || func() int32 { hs.ReadVarInt(); hs.ReadString(); hs.ReadUShort(); return hs.ReadVarInt() }() != packet.NextStateLogin {
			raw.Close()
			return
		}
		if _, err := fc.ReadFrame(); err != nil {
			return
		}

		success := packet.NewWriter(packet.S_LOGIN_SUCCESS)
		success.WriteUUID(uuid.MustParse("11111111-2222-3333-4444-555555555555"))
		success.WriteString("Steve")
		fc.WriteFrame(success.Bytes())

		join := packet.NewWriter(packet.S_JOIN_GAME)
		join.WriteInt(selfEID)
		join.WriteBool(false) // hardcore flag, rest of the body is opaque
		fc.WriteFrame(join.Bytes())

		// Held item replay from the proxy.
		fc.ReadFrame()

		pos := packet.NewWriter(packet.S_PLAYER_POSITION_LOOK)
		pos.WriteDouble(8)
		pos.WriteDouble(64)
		pos.WriteDouble(8)
		pos.WriteFloat(0)
		pos.WriteFloat(0)
		pos.WriteByte(0)
		pos.WriteVarInt(7)
		fc.WriteFrame(pos.Bytes())

		// Teleport confirm, position sync, client status.
		fc.ReadFrame()
		fc.ReadFrame()
		fc.ReadFrame()

		if script != nil {
			script(fc)
		}
	}()

	return ln.Addr().String()
}

func TestAttachReachesSynced(t *testing.T) {
	inbound := make(chan InboundPacket, 16)
	events := make(chan Event, 4)

	sendEntity := make(chan struct{})
	addr := fakeShard(t, 4242, func(fc *net.Conn) {
		<-sendEntity
		anim := packet.NewWriter(packet.S_ENTITY_ANIMATION)
		anim.WriteVarInt(99)
		anim.WriteByte(0)
		fc.WriteFrame(anim.Bytes())
	})

	spec := &shard.Shard{ID: 7, Addr: addr, Region: shard.Region{X1: 0, Z1: 0, X2: 10, Z2: 10}}
	conn := NewConn(spec, inbound, events, testOpts(), zap.NewNop())
	go conn.Attach(testOpts())

	select {
	case ev := <-events:
		require.Equal(t, EventAttached, ev.Kind)
		require.Equal(t, shard.ID(7), ev.Shard)
	case <-time.After(5 * time.Second):
		t.Fatal("attach did not complete")
	}

	assert.Equal(t, StateSynced, conn.State())
	assert.Equal(t, int32(4242), conn.SelfEID)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", conn.IssuedUUID.String())
	assert.NotEmpty(t, conn.JoinGameBody)
	assert.Equal(t, 8.0, conn.SpawnX)
	assert.Equal(t, 64.0, conn.SpawnY)
	assert.Equal(t, 8.0, conn.SpawnZ)

	// Inbound packets arrive tagged with the origin shard.
	close(sendEntity)
	select {
	case pkt := <-inbound:
		assert.Equal(t, shard.ID(7), pkt.Shard)
		r := packet.NewReader(pkt.Body)
		assert.Equal(t, packet.S_ENTITY_ANIMATION, r.ID())
		assert.Equal(t, int32(99), r.ReadVarInt())
	case <-time.After(5 * time.Second):
		t.Fatal("entity packet not delivered")
	}

	conn.Close()
}

func TestAttachAbortsOnEncryptionRequest(t *testing.T) {
	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		fc := net.NewConn(raw)
		fc.ReadFrame() // handshake
		fc.ReadFrame() // login start
		enc := packet.NewWriter(packet.S_LOGIN_ENCRYPTION_REQUEST)
		enc.WriteString("")
		fc.WriteFrame(enc.Bytes())
	}()

	inbound := make(chan InboundPacket, 1)
	events := make(chan Event, 1)
	spec := &shard.Shard{ID: 1, Addr: ln.Addr().String(), Region: shard.Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}
	conn := NewConn(spec, inbound, events, testOpts(), zap.NewNop())
	go conn.Attach(testOpts())

	select {
	case ev := <-events:
		require.Equal(t, EventAttachFailed, ev.Kind)
		assert.ErrorContains(t, ev.Err, "requested encryption")
	case <-time.After(5 * time.Second):
		t.Fatal("no attach failure reported")
	}
	assert.Equal(t, StateClosed, conn.State())
}

func TestAttachFailsOnRefusedDial(t *testing.T) {
	inbound := make(chan InboundPacket, 1)
	events := make(chan Event, 1)
	// Reserve a port and close it so the dial is refused.
	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	spec := &shard.Shard{ID: 2, Addr: addr, Region: shard.Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}
	conn := NewConn(spec, inbound, events, testOpts(), zap.NewNop())
	go conn.Attach(testOpts())

	select {
	case ev := <-events:
		assert.Equal(t, EventAttachFailed, ev.Kind)
		assert.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no attach failure reported")
	}
}

func TestDisconnectWhileSynced(t *testing.T) {
	inbound := make(chan InboundPacket, 16)
	events := make(chan Event, 4)

	addr := fakeShard(t, 1, func(fc *net.Conn) {
		fc.Close()
	})

	spec := &shard.Shard{ID: 3, Addr: addr, Region: shard.Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}
	conn := NewConn(spec, inbound, events, testOpts(), zap.NewNop())
	go conn.Attach(testOpts())

	ev := <-events
	require.Equal(t, EventAttached, ev.Kind)

	select {
	case ev := <-events:
		assert.Equal(t, EventDisconnected, ev.Kind)
		assert.Error(t, ev.Err)
		assert.Equal(t, StateClosed, conn.State())
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestSendOverflowEmitsDisconnected(t *testing.T) {
	inbound := make(chan InboundPacket, 1)
	events := make(chan Event, 2)
	opts := testOpts()
	opts.OutQueueSize = 1
	spec := &shard.Shard{ID: 5, Addr: "127.0.0.1:1", Region: shard.Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}
	conn := NewConn(spec, inbound, events, opts, zap.NewNop())
	// Live connection with a full output queue; the loops are not running,
	// so the queue never drains.
	conn.state.Store(int32(StateSynced))

	require.True(t, conn.Send([]byte{0x00}))
	assert.False(t, conn.Send([]byte{0x01}), "full queue refuses output")

	select {
	case ev := <-events:
		assert.Equal(t, EventDisconnected, ev.Kind)
		assert.Equal(t, shard.ID(5), ev.Shard)
		assert.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("queue overflow produced no lifecycle event")
	}
	assert.Equal(t, StateClosed, conn.State())
}

func TestSendRefusedWhenNotSynced(t *testing.T) {
	inbound := make(chan InboundPacket, 1)
	events := make(chan Event, 1)
	spec := &shard.Shard{ID: 9, Addr: "127.0.0.1:1", Region: shard.Region{X1: 0, Z1: 0, X2: 1, Z2: 1}}
	conn := NewConn(spec, inbound, events, testOpts(), zap.NewNop())

	assert.Equal(t, StateConnecting, conn.State())
	assert.False(t, conn.Send([]byte{0x00}), "connecting state accepts no output")
}

func TestRoleStrings(t *testing.T) {
	assert.Equal(t, "observer", RoleObserver.String())
	assert.Equal(t, "authoritative", RoleAuthoritative.String())
	assert.Equal(t, "Synced", StateSynced.String())
	assert.Equal(t, "Draining", StateDraining.String())
}
