package proxy

import (
	"time"

	"github.com/shardmux/proxy/internal/mapping"
	"github.com/shardmux/proxy/internal/net/packet"
	"github.com/shardmux/proxy/internal/shard"
	"go.uber.org/zap"
)

// Serverbound routing table. Player input goes to the authoritative shard,
// entity-subject packets go to whichever shard owns the entity, and
// movement is mirrored to every attached shard so each stand-in tracks the
// player's position in its own coordinate frame. Unlisted packets relay raw
// to the authoritative shard.
type serverHandler func(c *Coordinator, r *packet.Reader)

var serverHandlers = map[int32]serverHandler{
	packet.C_TELEPORT_CONFIRM:    (*Coordinator).onTeleportConfirm,
	packet.C_CLIENT_SETTINGS:     (*Coordinator).onClientSettings,
	packet.C_QUERY_ENTITY_NBT:    (*Coordinator).onQueryEntityNBT,
	packet.C_INTERACT_ENTITY:     (*Coordinator).onInteractEntity,
	packet.C_KEEP_ALIVE:          (*Coordinator).onClientKeepAlive,
	packet.C_PLAYER_POSITION:     (*Coordinator).onPlayerPosition,
	packet.C_PLAYER_POSITION_ROT: (*Coordinator).onPlayerPositionRot,
	packet.C_PLAYER_ROTATION:     (*Coordinator).onPlayerLook,
	packet.C_PLAYER_MOVEMENT:     (*Coordinator).onPlayerLook,
	packet.C_VEHICLE_MOVE:        (*Coordinator).onVehicleMove,
	packet.C_PLAYER_DIGGING:      (*Coordinator).onPlayerDigging,
	packet.C_ENTITY_ACTION:       (*Coordinator).onEntityAction,
	packet.C_HELD_ITEM_CHANGE:    (*Coordinator).onClientHeldItem,
	packet.C_CMD_BLOCK_MINECART:  (*Coordinator).onCmdBlockMinecart,
	packet.C_SPECTATE:            (*Coordinator).onSpectate,
	packet.C_PLAYER_BLOCK_PLACE:  (*Coordinator).onBlockPlace,
}

func (c *Coordinator) onTeleportConfirm(r *packet.Reader) {
	id := r.ReadVarInt()
	if c.pendingSyntheticTeleport && id == 0 {
		c.pendingSyntheticTeleport = false
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(id)
	c.routeAuth(w.Bytes())
}

func (c *Coordinator) onClientKeepAlive(r *packet.Reader) {
	r.ReadLong()
	c.lastKeepAliveAck = time.Now()
}

// onClientSettings stores the body for replay on future attaches and fans
// it out so every stand-in advertises the same view distance.
func (c *Coordinator) onClientSettings(r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	w.WriteBytes(r.Rest())
	c.settingsBody = w.Bytes()
	c.broadcast(c.settingsBody)
}

func (c *Coordinator) onClientHeldItem(r *packet.Reader) {
	slot := r.ReadShort()
	c.heldSlot = slot
	w := packet.NewWriter(r.ID())
	w.WriteShort(slot)
	c.broadcast(w.Bytes())
}

func (c *Coordinator) onPlayerPosition(r *packet.Reader) {
	x := r.ReadDouble()
	y := r.ReadDouble()
	z := r.ReadDouble()
	onGround := r.ReadBool()
	c.mirrorMovement(func(s *shard.Shard) *packet.Writer {
		lx, lz := mapping.PosOutbound(s, x, z)
		w := packet.NewWriter(r.ID())
		w.WriteDouble(lx)
		w.WriteDouble(y)
		w.WriteDouble(lz)
		w.WriteBool(onGround)
		return w
	})
	c.updatePosition(x, y, z)
}

func (c *Coordinator) onPlayerPositionRot(r *packet.Reader) {
	x := r.ReadDouble()
	y := r.ReadDouble()
	z := r.ReadDouble()
	yaw := r.ReadFloat()
	pitch := r.ReadFloat()
	onGround := r.ReadBool()
	c.mirrorMovement(func(s *shard.Shard) *packet.Writer {
		lx, lz := mapping.PosOutbound(s, x, z)
		w := packet.NewWriter(r.ID())
		w.WriteDouble(lx)
		w.WriteDouble(y)
		w.WriteDouble(lz)
		w.WriteFloat(yaw)
		w.WriteFloat(pitch)
		w.WriteBool(onGround)
		return w
	})
	c.updatePosition(x, y, z)
}

// onPlayerLook: rotation and movement-flag packets carry no coordinates, so
// one body serves every shard.
func (c *Coordinator) onPlayerLook(r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	w.WriteBytes(r.Rest())
	c.broadcast(w.Bytes())
}

func (c *Coordinator) onVehicleMove(r *packet.Reader) {
	x := r.ReadDouble()
	y := r.ReadDouble()
	z := r.ReadDouble()
	rest := r.Rest()
	if !c.hasAuth {
		return
	}
	conn, ok := c.conns[c.auth]
	if !ok {
		return
	}
	lx, lz := mapping.PosOutbound(conn.Spec, x, z)
	w := packet.NewWriter(r.ID())
	w.WriteDouble(lx)
	w.WriteDouble(y)
	w.WriteDouble(lz)
	w.WriteBytes(rest)
	conn.Send(w.Bytes())
	c.updatePosition(x, y, z)
}

func (c *Coordinator) onPlayerDigging(r *packet.Reader) {
	status := r.ReadVarInt()
	x, y, z := r.ReadPosition()
	rest := r.Rest()
	if !c.hasAuth {
		return
	}
	conn, ok := c.conns[c.auth]
	if !ok {
		return
	}
	lx, lz := mapping.BlockOutbound(conn.Spec, x, z)
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(status)
	w.WritePosition(lx, y, lz)
	w.WriteBytes(rest)
	conn.Send(w.Bytes())
}

func (c *Coordinator) onBlockPlace(r *packet.Reader) {
	hand := r.ReadVarInt()
	x, y, z := r.ReadPosition()
	rest := r.Rest()
	if !c.hasAuth {
		return
	}
	conn, ok := c.conns[c.auth]
	if !ok {
		return
	}
	lx, lz := mapping.BlockOutbound(conn.Spec, x, z)
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(hand)
	w.WritePosition(lx, y, lz)
	w.WriteBytes(rest)
	conn.Send(w.Bytes())
}

// onInteractEntity routes to the shard that owns the target entity; the
// authoritative shard may not even know it exists.
func (c *Coordinator) onInteractEntity(r *packet.Reader) {
	global := r.ReadVarInt()
	c.routeEntity(global, func(local int32, w *packet.Writer) {
		w.WriteVarInt(local)
		w.WriteBytes(r.Rest())
	}, r.ID())
}

func (c *Coordinator) onEntityAction(r *packet.Reader) {
	global := r.ReadVarInt()
	c.routeEntity(global, func(local int32, w *packet.Writer) {
		w.WriteVarInt(local)
		w.WriteBytes(r.Rest())
	}, r.ID())
}

func (c *Coordinator) onQueryEntityNBT(r *packet.Reader) {
	transaction := r.ReadVarInt()
	global := r.ReadVarInt()
	c.routeEntity(global, func(local int32, w *packet.Writer) {
		w.WriteVarInt(transaction)
		w.WriteVarInt(local)
		w.WriteBytes(r.Rest())
	}, r.ID())
}

func (c *Coordinator) onCmdBlockMinecart(r *packet.Reader) {
	global := r.ReadVarInt()
	c.routeEntity(global, func(local int32, w *packet.Writer) {
		w.WriteVarInt(local)
		w.WriteBytes(r.Rest())
	}, r.ID())
}

func (c *Coordinator) onSpectate(r *packet.Reader) {
	u := r.ReadUUID()
	if !c.hasAuth {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteUUID(c.uuids.ToShard(c.auth, u))
	c.routeAuth(w.Bytes())
}

// routeEntity resolves the entity's owning shard and delivers the packet
// rebuilt with the shard-local ID. Unknown identifiers mean the client
// acted on an entity that already despawned; the packet is dropped.
func (c *Coordinator) routeEntity(global int32, build func(local int32, w *packet.Writer), id int32) {
	owner, local, err := c.table.Resolve(global)
	if err != nil {
		c.log.Debug("丟棄指向未知實體的封包",
			zap.Int32("pkt", id), zap.Int32("eid", global))
		return
	}
	conn, ok := c.conns[owner]
	if !ok {
		return
	}
	w := packet.NewWriter(id)
	build(local, w)
	conn.Send(w.Bytes())
}

// mirrorMovement rebuilds one movement packet per attached shard, each in
// that shard's coordinate frame.
func (c *Coordinator) mirrorMovement(build func(s *shard.Shard) *packet.Writer) {
	for _, conn := range c.conns {
		conn.Send(build(conn.Spec).Bytes())
	}
}
