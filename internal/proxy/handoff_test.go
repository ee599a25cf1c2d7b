package proxy

import (
	gonet "net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shardmux/proxy/internal/backend"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/net/packet"
	"github.com/shardmux/proxy/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubShard is a real TCP listener speaking the shard-side login sequence,
// recording every frame the proxy sends after the attach completes.
type stubShard struct {
	addr string

	mu     sync.Mutex
	frames [][]byte
}

func newStubShard(t *testing.T, selfEID int32) *stubShard {
	t.Helper()
	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &stubShard{addr: ln.Addr().String()}
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		fc := net.NewConn(raw)

		// Handshake + login start.
		if _, err := fc.ReadFrame(); err != nil {
			return
		}
		if _, err := fc.ReadFrame(); err != nil {
			return
		}

		success := packet.NewWriter(packet.S_LOGIN_SUCCESS)
		success.WriteUUID(uuid.New())
		success.WriteString("Steve")
		fc.WriteFrame(success.Bytes())

		join := packet.NewWriter(packet.S_JOIN_GAME)
		join.WriteInt(selfEID)
		join.WriteBool(false)
		fc.WriteFrame(join.Bytes())

		// Held item replay.
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

		for {
			body, err := fc.ReadFrame()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, body)
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *stubShard) frameIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.frames))
	for _, body := range s.frames {
		ids = append(ids, packet.NewReader(body).ID())
	}
	return ids
}

func (s *stubShard) digStatuses() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var statuses []int32
	for _, body := range s.frames {
		r := packet.NewReader(body)
		if r.ID() == packet.C_PLAYER_DIGGING {
			statuses = append(statuses, r.ReadVarInt())
		}
	}
	return statuses
}

func (s *stubShard) countID(id int32) int {
	n := 0
	for _, got := range s.frameIDs() {
		if got == id {
			n++
		}
	}
	return n
}

// sawMoveY reports whether a recorded position packet carries the given Y.
// Y is never translated between coordinate frames, so it works as a marker
// on every shard.
func (s *stubShard) sawMoveY(y float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, body := range s.frames {
		r := packet.NewReader(body)
		if r.ID() != packet.C_PLAYER_POSITION {
			continue
		}
		r.ReadDouble()
		if r.ReadDouble() == y {
			return true
		}
	}
	return false
}

// attachStub runs a genuine attach against a stub shard and feeds the
// resulting lifecycle event through the coordinator, leaving the connection
// installed and synced.
func attachStub(t *testing.T, c *Coordinator, id shard.ID) *backend.Conn {
	t.Helper()
	spec := c.reg.Get(id)
	conn := backend.NewConn(spec, c.inbound, c.events, c.attachOpts(), zap.NewNop())
	c.attaching[id] = conn
	go conn.Attach(c.attachOpts())

	select {
	case ev := <-c.events:
		require.Equal(t, backend.EventAttached, ev.Kind)
		require.Equal(t, id, ev.Shard)
		c.handleEvent(ev)
	case <-time.After(5 * time.Second):
		t.Fatalf("shard %d never attached", id)
	}
	t.Cleanup(conn.Close)
	return conn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func moveBody(x, y, z float64) []byte {
	w := packet.NewWriter(packet.C_PLAYER_POSITION)
	w.WriteDouble(x)
	w.WriteDouble(y)
	w.WriteDouble(z)
	w.WriteBool(true)
	return w.Bytes()
}

func digBody(status, x, y, z int32) []byte {
	w := packet.NewWriter(packet.C_PLAYER_DIGGING)
	w.WriteVarInt(status)
	w.WritePosition(x, y, z)
	w.WriteByte(0)
	return w.Bytes()
}

// crossBoundary wires a coordinator to two stub shards straddling x=0, makes
// the west shard authoritative at block x=-40, and returns everything a
// boundary-crossing scenario needs.
func crossBoundary(t *testing.T) (*Coordinator, *stubShard, *stubShard) {
	t.Helper()
	c := newTestCoordinator(t)
	c.cfg.Interest.RecomputeInterval = 0

	west := newStubShard(t, 101)
	east := newStubShard(t, 202)
	c.reg.Get(1).Addr = west.addr
	c.reg.Get(2).Addr = east.addr

	one := attachStub(t, c, 1)
	attachStub(t, c, 2)

	one.SetRole(backend.RoleAuthoritative)
	c.auth, c.hasAuth = 1, true
	c.selfEID = c.table.Inbound(1, one.SelfEID)
	c.tracker.Update(-40, 0)
	return c, west, east
}

// The full crossing scenario: input before the boundary reaches only the
// west shard, input after it reaches only the east shard, and the mirrored
// movement stream reaches both, each in its own coordinate frame.
func TestBoundaryCrossingRoutesInputsExactlyOnce(t *testing.T) {
	c, west, east := crossBoundary(t)

	c.handleClient(moveBody(-40, 64, 0))
	c.handleClient(digBody(0, -41, 64, 0))
	c.handleClient(moveBody(40, 64, 0))

	require.Equal(t, shard.ID(2), c.auth, "crossing x=0 hands authority east")
	require.Equal(t, backend.RoleObserver, c.conns[1].Role())
	require.Equal(t, backend.RoleAuthoritative, c.conns[2].Role())

	c.handleClient(digBody(1, 41, 64, 0))

	// Marker movement with a unique Y; once both shards have it, every
	// earlier frame has been flushed and recorded.
	c.handleClient(moveBody(48, 65, 0))
	waitFor(t, func() bool { return west.sawMoveY(65) }, "west shard never saw the marker")
	waitFor(t, func() bool { return east.sawMoveY(65) }, "east shard never saw the marker")

	assert.Equal(t, []int32{0}, west.digStatuses(), "west gets only the pre-crossing dig")
	assert.Equal(t, []int32{1}, east.digStatuses(), "east gets only the post-crossing dig")

	wantWest := []int32{
		packet.C_PLAYER_POSITION,
		packet.C_PLAYER_DIGGING,
		packet.C_PLAYER_POSITION,
		packet.C_PLAYER_POSITION,
	}
	wantEast := []int32{
		packet.C_PLAYER_POSITION,
		packet.C_PLAYER_POSITION,
		packet.C_PLAYER_DIGGING,
		packet.C_PLAYER_POSITION,
	}
	assert.Equal(t, wantWest, west.frameIDs())
	assert.Equal(t, wantEast, east.frameIDs())
}

// Authority flips between two packets on the coordinator goroutine: once any
// input has reached the new shard, no later input may reach the old one, and
// none may be dropped.
func TestHandoffAtomicNoInputToOldShard(t *testing.T) {
	c, west, east := crossBoundary(t)

	c.handleClient(moveBody(40, 64, 0))
	require.Equal(t, shard.ID(2), c.auth)

	// A burst of raw player input right after the flip.
	const swings = 5
	for i := 0; i < swings; i++ {
		w := packet.NewWriter(packet.C_ANIMATION)
		w.WriteVarInt(0)
		c.handleClient(w.Bytes())
	}

	c.handleClient(moveBody(48, 65, 0))
	waitFor(t, func() bool { return west.sawMoveY(65) }, "west shard never saw the marker")
	waitFor(t, func() bool { return east.sawMoveY(65) }, "east shard never saw the marker")

	assert.Zero(t, west.countID(packet.C_ANIMATION), "demoted shard receives no input after the flip")
	assert.Equal(t, swings, east.countID(packet.C_ANIMATION), "every post-flip input reaches the new shard")
}
