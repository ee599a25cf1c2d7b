// Package backend maintains the proxy's connections to shard servers: one
// connection per (client session, shard of interest), each running the
// shard-side login with a proxy-controlled identity so the shard believes a
// real player is present.
package backend

import (
	"errors"
	"fmt"
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/net/packet"
	"github.com/shardmux/proxy/internal/shard"
	"go.uber.org/zap"
)

// State is the backend connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateSynced
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateSynced:
		return "Synced"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Role is the connection's attachment role within its session.
type Role int32

const (
	RoleObserver Role = iota
	RoleAuthoritative
)

func (r Role) String() string {
	if r == RoleAuthoritative {
		return "authoritative"
	}
	return "observer"
}

// InboundPacket is a shard packet tagged with its origin, delivered to the
// session coordinator in stream order per connection.
type InboundPacket struct {
	Shard shard.ID
	Body  []byte
}

// EventKind classifies connection lifecycle events.
type EventKind int

const (
	// EventAttached: login sequence completed, connection is Synced.
	EventAttached EventKind = iota
	// EventAttachFailed: dial or login failed before reaching Synced.
	EventAttachFailed
	// EventDisconnected: unexpected loss while Synced.
	EventDisconnected
	// EventClosed: drain finished or expected teardown completed.
	EventClosed
)

// Event reports a lifecycle transition to the session coordinator.
type Event struct {
	Shard shard.ID
	Kind  EventKind
	Err   error
}

// Options carries the per-attach parameters snapshotted by the coordinator.
type Options struct {
	PlayerName      string
	ProtocolVersion int32
	DialTimeout     time.Duration
	DrainTimeout    time.Duration
	WriteTimeout    time.Duration
	OutQueueSize    int
	// Latest client settings body (packet ID included) replayed to the
	// shard after JoinGame; nil skips the replay.
	SettingsBody []byte
	HeldSlot     int16
}

// Conn is one proxy→shard connection. The state field is mutated only by
// the owning coordinator goroutine and the connection's own loops, always
// through the atomic.
type Conn struct {
	Spec *shard.Shard

	framed *net.Conn
	state  atomic.Int32
	role   atomic.Int32

	out     chan []byte
	inbound chan<- InboundPacket
	events  chan<- Event

	// Set during the login sequence, read by the coordinator only after
	// the Attached event (channel send provides the ordering).
	SelfEID      int32
	IssuedUUID   uuid.UUID
	JoinGameBody []byte
	SpawnX       float64
	SpawnY       float64
	SpawnZ       float64

	drainTimeout time.Duration
	writeTimeout time.Duration

	drainCh   chan struct{}
	drainOnce sync.Once
	closeCh   chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

// NewConn prepares a connection in Connecting state. Attach performs the
// actual dial and login.
func NewConn(spec *shard.Shard, inbound chan<- InboundPacket, events chan<- Event, opts Options, log *zap.Logger) *Conn {
	c := &Conn{
		Spec:         spec,
		out:          make(chan []byte, opts.OutQueueSize),
		inbound:      inbound,
		events:       events,
		drainTimeout: opts.DrainTimeout,
		writeTimeout: opts.WriteTimeout,
		drainCh:      make(chan struct{}),
		closeCh:      make(chan struct{}),
		log:          log.With(zap.Int32("shard", int32(spec.ID))),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Role() Role {
	return Role(c.role.Load())
}

func (c *Conn) SetRole(r Role) {
	c.role.Store(int32(r))
}

// Attach dials the shard, runs the synthetic login sequence, and on success
// starts the read/write loops and emits EventAttached. Runs in its own
// goroutine; the coordinator only acts on the resulting event.
func (c *Conn) Attach(opts Options) {
	if err := c.attach(opts); err != nil {
		c.state.Store(int32(StateClosed))
		if c.framed != nil {
			c.framed.Close()
		}
		c.events <- Event{Shard: c.Spec.ID, Kind: EventAttachFailed, Err: err}
		return
	}
	c.state.Store(int32(StateSynced))
	go c.readLoop()
	go c.writeLoop()
	c.events <- Event{Shard: c.Spec.ID, Kind: EventAttached}
}

func (c *Conn) attach(opts Options) error {
	raw, err := gonet.DialTimeout("tcp", c.Spec.Addr, opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial shard %d at %s: %w", c.Spec.ID, c.Spec.Addr, err)
	}
	c.framed = net.NewConn(raw)
	c.state.Store(int32(StateHandshaking))

	host, port := splitHostPort(c.Spec.Addr)
	hs := packet.NewWriter(packet.C_HANDSHAKE)
	hs.WriteVarInt(opts.ProtocolVersion)
	hs.WriteString(host)
	hs.WriteUShort(port)
	hs.WriteVarInt(packet.NextStateLogin)
	if err := c.framed.WriteFrame(hs.Bytes()); err != nil {
		return fmt.Errorf("write handshake to shard %d: %w", c.Spec.ID, err)
	}

	ls := packet.NewWriter(packet.C_LOGIN_START)
	ls.WriteString(opts.PlayerName)
	if err := c.framed.WriteFrame(ls.Bytes()); err != nil {
		return fmt.Errorf("write login start to shard %d: %w", c.Spec.ID, err)
	}

	inPlay := false
	for {
		body, err := c.framed.ReadFrame()
		if err != nil {
			return fmt.Errorf("read login packet from shard %d: %w", c.Spec.ID, err)
		}
		r := packet.NewReader(body)
		if !inPlay {
			switch r.ID() {
			case packet.S_LOGIN_ENCRYPTION_REQUEST:
				return fmt.Errorf("shard %d requested encryption", c.Spec.ID)
			case packet.S_LOGIN_DISCONNECT:
				return fmt.Errorf("shard %d rejected login: %s", c.Spec.ID, r.ReadString())
			case packet.S_LOGIN_SET_COMPRESSION:
				threshold := int(r.ReadVarInt())
				if threshold <= 0 {
					threshold = -1
				}
				c.framed.SetCompressionThreshold(threshold)
			case packet.S_LOGIN_SUCCESS:
				c.IssuedUUID = r.ReadUUID()
				inPlay = true
			default:
				c.log.Debug("登入期間收到非預期封包", zap.Int32("pkt", r.ID()))
			}
			continue
		}

		switch r.ID() {
		case packet.S_JOIN_GAME:
			c.SelfEID = r.ReadInt()
			c.JoinGameBody = body
			if opts.SettingsBody != nil {
				if err := c.framed.WriteFrame(opts.SettingsBody); err != nil {
					return fmt.Errorf("replay client settings to shard %d: %w", c.Spec.ID, err)
				}
			}
			held := packet.NewWriter(packet.C_HELD_ITEM_CHANGE)
			held.WriteShort(opts.HeldSlot)
			if err := c.framed.WriteFrame(held.Bytes()); err != nil {
				return fmt.Errorf("replay held item to shard %d: %w", c.Spec.ID, err)
			}
		case packet.S_PLAYER_POSITION_LOOK:
			x := r.ReadDouble()
			y := r.ReadDouble()
			z := r.ReadDouble()
			r.ReadFloat() // yaw
			r.ReadFloat() // pitch
			r.ReadByte()  // relative flags
			teleportID := r.ReadVarInt()
			c.SpawnX, c.SpawnY, c.SpawnZ = x, y, z

			confirm := packet.NewWriter(packet.C_TELEPORT_CONFIRM)
			confirm.WriteVarInt(teleportID)
			if err := c.framed.WriteFrame(confirm.Bytes()); err != nil {
				return fmt.Errorf("confirm teleport to shard %d: %w", c.Spec.ID, err)
			}
			pos := packet.NewWriter(packet.C_PLAYER_POSITION_ROT)
			pos.WriteDouble(x)
			pos.WriteDouble(y)
			pos.WriteDouble(z)
			pos.WriteFloat(0)
			pos.WriteFloat(0)
			pos.WriteBool(false)
			if err := c.framed.WriteFrame(pos.Bytes()); err != nil {
				return fmt.Errorf("confirm position to shard %d: %w", c.Spec.ID, err)
			}
			status := packet.NewWriter(packet.C_CLIENT_STATUS)
			status.WriteVarInt(0) // perform respawn
			if err := c.framed.WriteFrame(status.Bytes()); err != nil {
				return fmt.Errorf("send client status to shard %d: %w", c.Spec.ID, err)
			}
			// The shard now simulates the synthetic player; steady state.
			return nil
		case packet.S_DISCONNECT:
			return fmt.Errorf("shard %d disconnected during attach: %s", c.Spec.ID, r.ReadString())
		default:
			// World payloads preceding the first position sync (chunks,
			// light, tab list...) are dropped; the shard re-sends what
			// matters once the connection is live.
		}
	}
}

// Send queues an outbound packet body for the shard. Returns false when the
// connection no longer accepts output (Draining or Closed).
func (c *Conn) Send(body []byte) bool {
	if c.State() != StateSynced {
		return false
	}
	select {
	case c.out <- body:
		return true
	case <-c.closeCh:
		return false
	default:
		c.log.Warn("後端輸出佇列已滿，斷開連線")
		c.Close()
		return false
	}
}

// StartDrain moves the connection to Draining: queued output is flushed,
// no new output is accepted, inbound already received is still delivered.
// After the drain timeout the connection is forced closed.
func (c *Conn) StartDrain() {
	c.drainOnce.Do(func() {
		c.state.Store(int32(StateDraining))
		close(c.drainCh)
		go func() {
			select {
			case <-time.After(c.drainTimeout):
				c.log.Warn("後端排空逾時，強制關閉")
				c.Close()
			case <-c.closeCh:
			}
		}()
	})
}

// errClosedWhileSynced reports a connection torn down from the proxy side
// while live: output queue overflow or a write failure.
var errClosedWhileSynced = errors.New("backend connection closed while synced")

// Close tears the connection down immediately. A live connection dropped
// here surfaces EventDisconnected, so the coordinator reacts the same way
// no matter which side noticed the loss first.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		prev := c.State()
		c.state.Store(int32(StateClosed))
		close(c.closeCh)
		if c.framed != nil {
			c.framed.Close()
		}
		switch prev {
		case StateDraining:
			c.events <- Event{Shard: c.Spec.ID, Kind: EventClosed}
		case StateSynced:
			c.events <- Event{Shard: c.Spec.ID, Kind: EventDisconnected, Err: errClosedWhileSynced}
		}
	})
}

// readLoop delivers shard packets, tagged with origin, to the coordinator.
// Stream order within this connection is preserved end to end.
func (c *Conn) readLoop() {
	for {
		body, err := c.framed.ReadFrame()
		if err != nil {
			switch c.State() {
			case StateSynced:
				c.state.Store(int32(StateClosed))
				c.framed.Close()
				c.events <- Event{Shard: c.Spec.ID, Kind: EventDisconnected, Err: err}
			case StateDraining:
				c.Close()
			}
			return
		}
		select {
		case c.inbound <- InboundPacket{Shard: c.Spec.ID, Body: body}:
		case <-c.closeCh:
			return
		}
	}
}

// writeLoop flushes queued output; on drain it writes what is already
// queued and then closes the shard-side connection.
func (c *Conn) writeLoop() {
	for {
		select {
		case body := <-c.out:
			if !c.writeOne(body) {
				return
			}
		case <-c.drainCh:
			for {
				select {
				case body := <-c.out:
					if !c.writeOne(body) {
						return
					}
				default:
					c.Close()
					return
				}
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) writeOne(body []byte) bool {
	c.framed.Raw().SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.framed.WriteFrame(body); err != nil {
		if c.State() == StateSynced {
			c.log.Debug("後端寫入錯誤", zap.Error(err))
		}
		c.Close()
		return false
	}
	return true
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := gonet.SplitHostPort(addr)
	if err != nil {
		return addr, 25565
	}
	var port uint16 = 25565
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
