package proxy

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shardmux/proxy/internal/backend"
	"github.com/shardmux/proxy/internal/config"
	"github.com/shardmux/proxy/internal/interest"
	"github.com/shardmux/proxy/internal/mapping"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/net/packet"
	"github.com/shardmux/proxy/internal/persist"
	"github.com/shardmux/proxy/internal/shard"
	"go.uber.org/zap"
)

type controlKind int

const (
	ctlKick controlKind = iota
	ctlSwitch
)

type controlMsg struct {
	kind   controlKind
	reason string
	target shard.ID
}

// Snapshot is the lock-free view of a session exposed to the console.
type Snapshot struct {
	SessionID uint64
	Name      string
	X, Y, Z   float64
	Shard     shard.ID
	Backends  int
}

// Coordinator owns one client session: it merges the client stream with
// every attached shard stream, translates identifiers at the boundary, and
// decides which shard simulates the player. All mutable session state
// (table, uuids, tracker, conns) is touched only by the Run goroutine, so
// the authority handoff is atomic by construction.
type Coordinator struct {
	cfg     *config.Config
	reg     *shard.Registry
	session *net.Session
	repo    *persist.ProfileRepo // nil when persistence is disabled
	detach  func(*Coordinator)
	log     *zap.Logger

	table   *mapping.Table
	uuids   *mapping.UUIDTable
	tracker *interest.Tracker

	conns     map[shard.ID]*backend.Conn
	attaching map[shard.ID]*backend.Conn

	auth           shard.ID
	hasAuth        bool
	pendingAuth    shard.ID
	hasPendingAuth bool

	selfEID int32
	x, y, z float64

	settingsBody []byte
	heldSlot     int16

	pendingSyntheticTeleport bool

	inbound chan backend.InboundPacket
	events  chan backend.Event
	control chan controlMsg

	lastKeepAliveAck time.Time
	lastRecompute    time.Time

	snap atomic.Value // Snapshot
}

func NewCoordinator(cfg *config.Config, reg *shard.Registry, session *net.Session,
	repo *persist.ProfileRepo, detach func(*Coordinator), log *zap.Logger) *Coordinator {

	c := &Coordinator{
		cfg:       cfg,
		reg:       reg,
		session:   session,
		repo:      repo,
		detach:    detach,
		log:       log.With(zap.Uint64("session", session.ID), zap.String("player", session.PlayerName)),
		table:     mapping.NewTable(),
		uuids:     mapping.NewUUIDTable(mapping.OfflineUUID(session.PlayerName)),
		tracker:   interest.NewTracker(reg, cfg.Interest.ViewDistance, cfg.Interest.HysteresisBlocks),
		conns:     make(map[shard.ID]*backend.Conn),
		attaching: make(map[shard.ID]*backend.Conn),
		inbound:   make(chan backend.InboundPacket, cfg.Network.InQueueSize),
		events:    make(chan backend.Event, 16),
		control:   make(chan controlMsg, 8),
	}
	c.snap.Store(Snapshot{SessionID: session.ID, Name: session.PlayerName})
	return c
}

// Snapshot returns the last published console view of this session.
func (c *Coordinator) Snapshot() Snapshot {
	return c.snap.Load().(Snapshot)
}

// RequestKick asks the coordinator to disconnect the client. Safe from any
// goroutine.
func (c *Coordinator) RequestKick(reason string) {
	select {
	case c.control <- controlMsg{kind: ctlKick, reason: reason}:
	default:
	}
}

// RequestSwitch asks the coordinator to hand authority to a specific shard.
func (c *Coordinator) RequestSwitch(target shard.ID) {
	select {
	case c.control <- controlMsg{kind: ctlSwitch, target: target}:
	default:
	}
}

// Run drives the session to completion. Blocks until the client disconnects
// or a fatal backend loss tears the session down.
func (c *Coordinator) Run() {
	defer c.teardown()

	if err := c.bootstrap(); err != nil {
		c.log.Warn("會話啟動失敗", zap.Error(err))
		c.kick(fmt.Sprintf("Could not join world: %v", err))
		return
	}

	c.session.StartPlay()
	c.lastKeepAliveAck = time.Now()

	ticker := time.NewTicker(c.cfg.Backend.KeepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case body := <-c.session.InQueue:
			c.handleClient(body)
		case pkt := <-c.inbound:
			c.handleBackend(pkt)
		case ev := <-c.events:
			c.handleEvent(ev)
		case msg := <-c.control:
			c.handleControl(msg)
		case <-ticker.C:
			c.keepalive()
		case <-c.session.Closed():
			return
		}
	}
}

// bootstrap attaches the shard owning the start position, replays its join
// sequence to the client, and fans out observer attaches for the rest of
// the interest set.
func (c *Coordinator) bootstrap() error {
	startX, startY, startZ := c.startPosition()
	c.x, c.y, c.z = startX, startY, startZ

	res, _ := c.tracker.Update(int32(startX), int32(startZ))
	if !res.HasOwner {
		return &RoutingError{Reason: fmt.Sprintf("no shard owns spawn (%.0f, %.0f)", startX, startZ)}
	}

	spec := c.reg.Get(res.Owner)
	conn := backend.NewConn(spec, c.inbound, c.events, c.attachOpts(), c.log)
	c.attaching[res.Owner] = conn
	go conn.Attach(c.attachOpts())

	deadline := time.After(c.cfg.Backend.DialTimeout + 5*time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Shard != res.Owner {
				continue
			}
			if ev.Kind == backend.EventAttachFailed {
				delete(c.attaching, res.Owner)
				return fmt.Errorf("attach authoritative shard %d: %w", res.Owner, ev.Err)
			}
			if ev.Kind != backend.EventAttached {
				continue
			}
			delete(c.attaching, res.Owner)
			c.conns[res.Owner] = conn
			conn.SetRole(backend.RoleAuthoritative)
			c.auth = res.Owner
			c.hasAuth = true
			c.uuids.Record(res.Owner, conn.IssuedUUID)
			c.selfEID = c.table.Inbound(res.Owner, conn.SelfEID)
			c.replayJoin(conn)
			c.publishSnapshot()
			for id := range res.Set {
				if id != res.Owner {
					c.attachObserver(id)
				}
			}
			c.log.Info("會話已就緒",
				zap.Int32("authoritative", int32(res.Owner)),
				zap.Int("interest", len(res.Set)))
			return nil
		case <-deadline:
			return &RoutingError{Shard: res.Owner, Reason: "attach timed out"}
		case <-c.session.Closed():
			return fmt.Errorf("client closed during bootstrap")
		}
	}
}

// replayJoin forwards the authoritative shard's join sequence with the
// player entity ID rewritten, followed by the proxy brand and a position
// sync at the global coordinates.
func (c *Coordinator) replayJoin(conn *backend.Conn) {
	r := packet.NewReader(conn.JoinGameBody)
	r.ReadInt() // shard-local self entity ID
	join := packet.NewWriter(packet.S_JOIN_GAME)
	join.WriteInt(c.selfEID)
	join.WriteBytes(r.Rest())
	c.session.Send(join.Bytes())

	brand := packet.NewWriter(packet.S_PLUGIN_MESSAGE)
	brand.WriteString("minecraft:brand")
	brand.WriteString(c.cfg.Proxy.Name)
	c.session.Send(brand.Bytes())

	gx, gz := mapping.PosInbound(conn.Spec, conn.SpawnX, conn.SpawnZ)
	c.x, c.y, c.z = gx, conn.SpawnY, gz
	pos := packet.NewWriter(packet.S_PLAYER_POSITION_LOOK)
	pos.WriteDouble(gx)
	pos.WriteDouble(conn.SpawnY)
	pos.WriteDouble(gz)
	pos.WriteFloat(0)
	pos.WriteFloat(0)
	pos.WriteByte(0)
	pos.WriteVarInt(0)
	c.pendingSyntheticTeleport = true
	c.session.Send(pos.Bytes())
}

func (c *Coordinator) startPosition() (float64, float64, float64) {
	if c.repo != nil {
		ctx, cancel := persist.QueryContext()
		defer cancel()
		if p, err := c.repo.Load(ctx, c.session.PlayerName); err != nil {
			c.log.Warn("讀取玩家檔案失敗", zap.Error(err))
		} else if p != nil {
			return p.X, p.Y, p.Z
		}
	}
	return float64(c.cfg.Proxy.SpawnX), 64, float64(c.cfg.Proxy.SpawnZ)
}

func (c *Coordinator) attachOpts() backend.Options {
	return backend.Options{
		PlayerName:      c.session.PlayerName,
		ProtocolVersion: c.cfg.Proxy.ProtocolVersion,
		DialTimeout:     c.cfg.Backend.DialTimeout,
		DrainTimeout:    c.cfg.Backend.DrainTimeout,
		WriteTimeout:    c.cfg.Network.WriteTimeout,
		OutQueueSize:    c.cfg.Network.OutQueueSize,
		SettingsBody:    c.settingsBody,
		HeldSlot:        c.heldSlot,
	}
}

func (c *Coordinator) attachObserver(id shard.ID) {
	if _, ok := c.conns[id]; ok {
		return
	}
	if _, ok := c.attaching[id]; ok {
		return
	}
	spec := c.reg.Get(id)
	if spec == nil {
		return
	}
	conn := backend.NewConn(spec, c.inbound, c.events, c.attachOpts(), c.log)
	c.attaching[id] = conn
	go conn.Attach(c.attachOpts())
	c.log.Debug("掛載觀察者分片", zap.Int32("shard", int32(id)))
}

func (c *Coordinator) handleEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventAttached:
		conn, ok := c.attaching[ev.Shard]
		if !ok {
			return
		}
		delete(c.attaching, ev.Shard)
		c.conns[ev.Shard] = conn
		c.uuids.Record(ev.Shard, conn.IssuedUUID)
		c.log.Debug("分片已同步", zap.Int32("shard", int32(ev.Shard)))
		if c.hasPendingAuth && c.pendingAuth == ev.Shard {
			c.hasPendingAuth = false
			c.promote(ev.Shard)
		}
		c.publishSnapshot()
	case backend.EventAttachFailed:
		delete(c.attaching, ev.Shard)
		c.log.Warn("分片掛載失敗", zap.Int32("shard", int32(ev.Shard)), zap.Error(ev.Err))
		if c.hasPendingAuth && c.pendingAuth == ev.Shard {
			c.hasPendingAuth = false
			c.log.Error("無法掛載目標權威分片，斷開會話", zap.Int32("shard", int32(ev.Shard)))
			c.kick("Lost connection to the world")
		}
	case backend.EventDisconnected:
		if c.hasAuth && ev.Shard == c.auth {
			err := &BackendDisconnect{Shard: ev.Shard, Role: backend.RoleAuthoritative, Err: ev.Err}
			c.log.Error("權威分片斷線，斷開會話", zap.Error(err))
			c.kick("Lost connection to the world")
			return
		}
		c.log.Warn("觀察者分片斷線", zap.Int32("shard", int32(ev.Shard)), zap.Error(ev.Err))
		c.dropShard(ev.Shard)
	case backend.EventClosed:
		c.dropShard(ev.Shard)
	}
}

// dropShard removes a shard's connection and despawns everything it had
// introduced to the client.
func (c *Coordinator) dropShard(id shard.ID) {
	if conn, ok := c.conns[id]; ok {
		conn.Close()
	}
	delete(c.conns, id)
	c.uuids.Drop(id)
	globals := c.table.ReleaseShard(id)
	if len(globals) > 0 {
		w := packet.NewWriter(packet.S_DESTROY_ENTITIES)
		w.WriteVarInt(int32(len(globals)))
		for _, g := range globals {
			w.WriteVarInt(g)
		}
		c.session.Send(w.Bytes())
		for _, g := range globals {
			c.table.AckDespawn(g)
		}
	}
	c.publishSnapshot()
}

// promote flips simulation authority to the target shard. Runs entirely on
// the coordinator goroutine between two packets, so the client never sees a
// partially switched state.
func (c *Coordinator) promote(target shard.ID) {
	// conns only holds connections that completed their attach, so
	// membership is the synced check.
	newConn, ok := c.conns[target]
	if !ok {
		return
	}
	prev := c.auth
	hadAuth := c.hasAuth
	if hadAuth {
		if old, ok := c.conns[prev]; ok {
			c.table.Unbind(prev, old.SelfEID)
			old.SetRole(backend.RoleObserver)
		}
	}
	c.table.Unbind(target, newConn.SelfEID)
	c.table.Bind(target, newConn.SelfEID, c.selfEID)
	newConn.SetRole(backend.RoleAuthoritative)
	c.auth = target
	c.hasAuth = true
	// The interest recompute that triggered this handoff skipped the shard
	// while it was still authoritative; if the view has left it behind,
	// demotion is straight into Draining.
	if hadAuth && prev != target && !c.tracker.Current().Set.Contains(prev) {
		if old, ok := c.conns[prev]; ok {
			c.log.Debug("前權威分片已離開視野，開始排空", zap.Int32("shard", int32(prev)))
			old.StartDrain()
		}
	}
	c.publishSnapshot()
	c.log.Info("權威移交",
		zap.Int32("from", int32(prev)),
		zap.Int32("to", int32(target)))
}

// updatePosition feeds the interest tracker and reconciles backend
// attachments when the interest set changes.
func (c *Coordinator) updatePosition(x, y, z float64) {
	c.x, c.y, c.z = x, y, z
	c.publishSnapshot()

	if time.Since(c.lastRecompute) < c.cfg.Interest.RecomputeInterval {
		return
	}
	old := c.tracker.Current().Set
	res, changed := c.tracker.Update(int32(x), int32(z))
	if !changed {
		return
	}
	c.lastRecompute = time.Now()

	add, remove := interest.Delta(old, res.Set)
	for _, id := range add {
		c.attachObserver(id)
	}
	for _, id := range remove {
		if c.hasAuth && id == c.auth {
			continue
		}
		if conn, ok := c.conns[id]; ok {
			c.log.Debug("卸載觀察者分片", zap.Int32("shard", int32(id)))
			conn.StartDrain()
		}
		if conn, ok := c.attaching[id]; ok {
			conn.Close()
			delete(c.attaching, id)
		}
	}

	if res.HasOwner && (!c.hasAuth || res.Owner != c.auth) {
		c.requestHandoff(res.Owner)
	}
}

func (c *Coordinator) requestHandoff(target shard.ID) {
	if conn, ok := c.conns[target]; ok && conn.State() == backend.StateSynced {
		c.promote(target)
		return
	}
	c.pendingAuth = target
	c.hasPendingAuth = true
	c.attachObserver(target)
}

func (c *Coordinator) handleControl(msg controlMsg) {
	switch msg.kind {
	case ctlKick:
		c.log.Info("控制台踢出玩家", zap.String("reason", msg.reason))
		c.kick(msg.reason)
	case ctlSwitch:
		if c.reg.Get(msg.target) == nil {
			return
		}
		c.log.Info("控制台強制切換分片", zap.Int32("target", int32(msg.target)))
		c.requestHandoff(msg.target)
	}
}

func (c *Coordinator) handleBackend(pkt backend.InboundPacket) {
	from, ok := c.conns[pkt.Shard]
	if !ok {
		return
	}
	r := packet.NewReader(pkt.Body)
	if from.Role() != backend.RoleAuthoritative {
		if _, gated := authOnlyIDs[r.ID()]; gated {
			return
		}
	}
	if h, ok := clientHandlers[r.ID()]; ok {
		h(c, from, r)
		if r.Truncated() {
			c.log.Warn("分片封包被截斷",
				zap.Int32("shard", int32(pkt.Shard)),
				zap.Int32("pkt", r.ID()))
		}
		return
	}
	c.session.Send(pkt.Body)
}

func (c *Coordinator) handleClient(body []byte) {
	r := packet.NewReader(body)
	if h, ok := serverHandlers[r.ID()]; ok {
		h(c, r)
		if r.Truncated() {
			c.log.Warn("客戶端封包被截斷，視為協議違規",
				zap.Int32("pkt", r.ID()), zap.Error(ErrProtocolViolation))
			c.kick("Protocol violation")
		}
		return
	}
	c.routeAuth(body)
}

// routeAuth relays a raw client packet to the authoritative shard.
func (c *Coordinator) routeAuth(body []byte) {
	if !c.hasAuth {
		return
	}
	conn, ok := c.conns[c.auth]
	if !ok {
		return
	}
	conn.Send(body)
}

// broadcast sends to every synced backend connection.
func (c *Coordinator) broadcast(body []byte) {
	for _, conn := range c.conns {
		conn.Send(body)
	}
}

// keepalive owns the client liveness probe: shards each run their own
// keepalive against the proxy, and the proxy runs exactly one against the
// client.
func (c *Coordinator) keepalive() {
	if time.Since(c.lastKeepAliveAck) > c.cfg.Backend.KeepAliveTimeout {
		c.log.Warn("客戶端心跳逾時，斷開連線")
		c.kick("Timed out")
		return
	}
	w := packet.NewWriter(packet.S_KEEP_ALIVE)
	w.WriteLong(time.Now().UnixMilli())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) kick(reason string) {
	msg, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: reason})
	w := packet.NewWriter(packet.S_DISCONNECT)
	w.WriteString(string(msg))
	c.session.Send(w.Bytes())
	c.session.Close()
}

func (c *Coordinator) publishSnapshot() {
	authID := shard.ID(0)
	if c.hasAuth {
		authID = c.auth
	}
	c.snap.Store(Snapshot{
		SessionID: c.session.ID,
		Name:      c.session.PlayerName,
		X:         c.x,
		Y:         c.y,
		Z:         c.z,
		Shard:     authID,
		Backends:  len(c.conns),
	})
}

func (c *Coordinator) teardown() {
	for _, conn := range c.conns {
		conn.Close()
		// Each close may emit a final lifecycle event; keep the buffer empty
		// so the emit never blocks once the Run loop has exited.
		select {
		case <-c.events:
		default:
		}
	}
	for _, conn := range c.attaching {
		conn.Close()
	}
	c.saveProfile()
	c.session.Close()
	if c.detach != nil {
		c.detach(c)
	}
	c.log.Info("會話結束", zap.Int("live_entities", c.table.Live()))
}

func (c *Coordinator) saveProfile() {
	if c.repo == nil || !c.hasAuth {
		return
	}
	ctx, cancel := persist.QueryContext()
	defer cancel()
	p := &persist.Profile{
		Name:  c.session.PlayerName,
		UUID:  c.uuids.Proxy(),
		X:     c.x,
		Y:     c.y,
		Z:     c.z,
		Shard: int32(c.auth),
	}
	if err := c.repo.Save(ctx, p); err != nil {
		c.log.Warn("儲存玩家檔案失敗", zap.Error(err))
	}
}
