package proxy

import (
	"github.com/shardmux/proxy/internal/backend"
	"github.com/shardmux/proxy/internal/mapping"
	"github.com/shardmux/proxy/internal/net/packet"
	"go.uber.org/zap"
)

// Clientbound rewrite table. Every packet carrying entity IDs, UUIDs, or
// coordinates is rebuilt with the identifiers translated into the client's
// unified space; anything not listed here is relayed raw. Handlers run on
// the session's coordinator goroutine only.
type clientHandler func(c *Coordinator, from *backend.Conn, r *packet.Reader)

// Player-global state may only come from the authoritative shard; the same
// packets from observer connections describe the synthetic stand-in, not
// the player, and are dropped.
var authOnlyIDs = map[int32]struct{}{
	packet.S_SERVER_DIFFICULTY:    {},
	packet.S_CHAT_MESSAGE:         {},
	packet.S_DECLARE_COMMANDS:     {},
	packet.S_WINDOW_CONFIRMATION:  {},
	packet.S_CLOSE_WINDOW:         {},
	packet.S_WINDOW_ITEMS:         {},
	packet.S_WINDOW_PROPERTY:      {},
	packet.S_SET_SLOT:             {},
	packet.S_GAME_STATE_CHANGE:    {},
	packet.S_OPEN_WINDOW:          {},
	packet.S_PLAYER_ABILITIES:     {},
	packet.S_UNLOCK_RECIPES:       {},
	packet.S_RESPAWN:              {},
	packet.S_HELD_ITEM_CHANGE:     {},
	packet.S_UPDATE_VIEW_POSITION: {},
	packet.S_SPAWN_POSITION:       {},
	packet.S_SET_XP:               {},
	packet.S_UPDATE_HEALTH:        {},
	packet.S_TIME_UPDATE:          {},
	packet.S_DECLARE_RECIPES:      {},
	packet.S_TAGS:                 {},
}

var clientHandlers = map[int32]clientHandler{
	packet.S_SPAWN_ENTITY:          (*Coordinator).onSpawnEntity,
	packet.S_SPAWN_XP_ORB:          (*Coordinator).onSpawnWithPos,
	packet.S_SPAWN_LIVING_ENTITY:   (*Coordinator).onSpawnLiving,
	packet.S_SPAWN_PAINTING:        (*Coordinator).onSpawnPainting,
	packet.S_SPAWN_PLAYER:          (*Coordinator).onSpawnPlayer,
	packet.S_ENTITY_ANIMATION:      (*Coordinator).onEntityVarInt,
	packet.S_BLOCK_BREAK_ANIMATION: (*Coordinator).onBlockBreakAnimation,
	packet.S_BLOCK_CHANGE:          (*Coordinator).onBlockChange,
	packet.S_ENTITY_STATUS:         (*Coordinator).onEntityStatus,
	packet.S_UNLOAD_CHUNK:          (*Coordinator).onUnloadChunk,
	packet.S_OPEN_HORSE_WINDOW:     (*Coordinator).onOpenHorseWindow,
	packet.S_KEEP_ALIVE:            (*Coordinator).onBackendKeepAlive,
	packet.S_CHUNK_DATA:            (*Coordinator).onChunkData,
	packet.S_UPDATE_LIGHT:          (*Coordinator).onUpdateLight,
	packet.S_JOIN_GAME:             (*Coordinator).onStrayJoinGame,
	packet.S_ENTITY_POSITION:       (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_POSITION_ROT:   (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_ROTATION:       (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_MOVEMENT:       (*Coordinator).onEntityVarInt,
	packet.S_PLAYER_INFO:           (*Coordinator).onPlayerInfo,
	packet.S_FACE_PLAYER:           (*Coordinator).onFacePlayer,
	packet.S_PLAYER_POSITION_LOOK:  (*Coordinator).onBackendPositionLook,
	packet.S_DESTROY_ENTITIES:      (*Coordinator).onDestroyEntities,
	packet.S_REMOVE_ENTITY_EFFECT:  (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_HEAD_LOOK:      (*Coordinator).onEntityVarInt,
	packet.S_MULTI_BLOCK_CHANGE:    (*Coordinator).onMultiBlockChange,
	packet.S_CAMERA:                (*Coordinator).onEntityVarInt,
	packet.S_SPAWN_POSITION:        (*Coordinator).onSpawnPosition,
	packet.S_ENTITY_METADATA:       (*Coordinator).onEntityVarInt,
	packet.S_ATTACH_ENTITY:         (*Coordinator).onAttachEntity,
	packet.S_ENTITY_VELOCITY:       (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_EQUIPMENT:      (*Coordinator).onEntityVarInt,
	packet.S_SET_PASSENGERS:        (*Coordinator).onSetPassengers,
	packet.S_ENTITY_SOUND_EFFECT:   (*Coordinator).onEntitySound,
	packet.S_COLLECT_ITEM:          (*Coordinator).onCollectItem,
	packet.S_ENTITY_TELEPORT:       (*Coordinator).onEntityTeleport,
	packet.S_ENTITY_PROPERTIES:     (*Coordinator).onEntityVarInt,
	packet.S_ENTITY_EFFECT:         (*Coordinator).onEntityVarInt,
	packet.S_DISCONNECT:            (*Coordinator).onBackendDisconnectPacket,
}

// inboundEID maps a shard-local entity ID into the client's space. The
// synthetic stand-in of an observer shard must stay invisible, so its self
// ID never maps.
func (c *Coordinator) inboundEID(from *backend.Conn, local int32) (int32, bool) {
	if local == from.SelfEID && from.Role() != backend.RoleAuthoritative {
		return 0, false
	}
	return c.table.Inbound(from.Spec.ID, local), true
}

// onEntityVarInt covers every clientbound packet whose only identifier is a
// leading entity-ID VarInt.
func (c *Coordinator) onEntityVarInt(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSpawnEntity(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	w.WriteUUID(c.uuids.ToClient(r.ReadUUID()))
	w.WriteVarInt(r.ReadVarInt()) // entity type
	c.writeTranslatedPos(w, from, r)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

// onSpawnWithPos: leading VarInt entity ID followed directly by absolute
// x/y/z doubles (experience orbs).
func (c *Coordinator) onSpawnWithPos(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	c.writeTranslatedPos(w, from, r)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSpawnLiving(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	w.WriteUUID(c.uuids.ToClient(r.ReadUUID()))
	w.WriteVarInt(r.ReadVarInt()) // entity type
	c.writeTranslatedPos(w, from, r)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSpawnPainting(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	w.WriteUUID(c.uuids.ToClient(r.ReadUUID()))
	w.WriteVarInt(r.ReadVarInt()) // motive
	x, y, z := r.ReadPosition()
	bx, bz := mapping.BlockInbound(from.Spec, x, z)
	w.WritePosition(bx, y, bz)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSpawnPlayer(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	w.WriteUUID(c.uuids.ToClient(r.ReadUUID()))
	c.writeTranslatedPos(w, from, r)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onEntityTeleport(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	c.writeTranslatedPos(w, from, r)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onEntityStatus(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteInt(g)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onBlockBreakAnimation(from *backend.Conn, r *packet.Reader) {
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(g)
	x, y, z := r.ReadPosition()
	bx, bz := mapping.BlockInbound(from.Spec, x, z)
	w.WritePosition(bx, y, bz)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onBlockChange(from *backend.Conn, r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	x, y, z := r.ReadPosition()
	bx, bz := mapping.BlockInbound(from.Spec, x, z)
	w.WritePosition(bx, y, bz)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSpawnPosition(from *backend.Conn, r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	x, y, z := r.ReadPosition()
	bx, bz := mapping.BlockInbound(from.Spec, x, z)
	w.WritePosition(bx, y, bz)
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onUnloadChunk(from *backend.Conn, r *packet.Reader) {
	cx, cz := mapping.ChunkInbound(from.Spec, r.ReadInt(), r.ReadInt())
	w := packet.NewWriter(r.ID())
	w.WriteInt(cx)
	w.WriteInt(cz)
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onChunkData(from *backend.Conn, r *packet.Reader) {
	cx, cz := mapping.ChunkInbound(from.Spec, r.ReadInt(), r.ReadInt())
	w := packet.NewWriter(r.ID())
	w.WriteInt(cx)
	w.WriteInt(cz)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onUpdateLight(from *backend.Conn, r *packet.Reader) {
	cx, cz := mapping.ChunkInbound(from.Spec, r.ReadVarInt(), r.ReadVarInt())
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(cx)
	w.WriteVarInt(cz)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

// onMultiBlockChange rewrites the packed chunk-section position
// (x:22, z:22, y:20). Block records inside are section-relative and pass
// through untouched.
func (c *Coordinator) onMultiBlockChange(from *backend.Conn, r *packet.Reader) {
	v := r.ReadLong()
	secX := int32(v >> 42)
	secZ := int32(v << 22 >> 42)
	secY := int32(v << 44 >> 44)
	secX, secZ = mapping.ChunkInbound(from.Spec, secX, secZ)
	w := packet.NewWriter(r.ID())
	w.WriteLong((int64(secX&0x3FFFFF) << 42) | (int64(secZ&0x3FFFFF) << 20) | int64(secY&0xFFFFF))
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onAttachEntity(from *backend.Conn, r *packet.Reader) {
	attached, ok := c.inboundEID(from, r.ReadInt())
	if !ok {
		return
	}
	holding := r.ReadInt()
	if holding != -1 {
		if holding, ok = c.inboundEID(from, holding); !ok {
			return
		}
	}
	w := packet.NewWriter(r.ID())
	w.WriteInt(attached)
	w.WriteInt(holding)
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onSetPassengers(from *backend.Conn, r *packet.Reader) {
	vehicle, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	count := r.ReadVarInt()
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(vehicle)
	w.WriteVarInt(count)
	for i := int32(0); i < count; i++ {
		p, ok := c.inboundEID(from, r.ReadVarInt())
		if !ok {
			return
		}
		w.WriteVarInt(p)
	}
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onCollectItem(from *backend.Conn, r *packet.Reader) {
	collected, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	collector, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(collected)
	w.WriteVarInt(collector)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onEntitySound(from *backend.Conn, r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(r.ReadVarInt()) // sound
	w.WriteVarInt(r.ReadVarInt()) // category
	g, ok := c.inboundEID(from, r.ReadVarInt())
	if !ok {
		return
	}
	w.WriteVarInt(g)
	w.WriteBytes(r.Rest())
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onOpenHorseWindow(from *backend.Conn, r *packet.Reader) {
	if from.Role() != backend.RoleAuthoritative {
		return
	}
	windowID := r.ReadByte()
	slots := r.ReadVarInt()
	g, ok := c.inboundEID(from, r.ReadInt())
	if !ok {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteByte(windowID)
	w.WriteVarInt(slots)
	w.WriteInt(g)
	c.session.Send(w.Bytes())
}

func (c *Coordinator) onFacePlayer(from *backend.Conn, r *packet.Reader) {
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(r.ReadVarInt()) // feet/eyes
	c.writeTranslatedPos(w, from, r)
	isEntity := r.ReadBool()
	w.WriteBool(isEntity)
	if isEntity {
		g, ok := c.inboundEID(from, r.ReadVarInt())
		if !ok {
			return
		}
		w.WriteVarInt(g)
		w.WriteVarInt(r.ReadVarInt())
	}
	c.session.Send(w.Bytes())
}

// onPlayerInfo rewrites the UUID of every tab-list entry; the per-action
// entry layouts are all decodable, so a shard-issued synthetic identity
// never leaks clientward even in multi-entry payloads.
func (c *Coordinator) onPlayerInfo(from *backend.Conn, r *packet.Reader) {
	if from.Role() != backend.RoleAuthoritative {
		return
	}
	action := r.ReadVarInt()
	count := r.ReadVarInt()
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(action)
	w.WriteVarInt(count)
	for i := int32(0); i < count; i++ {
		w.WriteUUID(c.uuids.ToClient(r.ReadUUID()))
		switch action {
		case 0: // add player
			w.WriteString(r.ReadString())
			props := r.ReadVarInt()
			w.WriteVarInt(props)
			for p := int32(0); p < props; p++ {
				w.WriteString(r.ReadString()) // property name
				w.WriteString(r.ReadString()) // value
				signed := r.ReadBool()
				w.WriteBool(signed)
				if signed {
					w.WriteString(r.ReadString())
				}
			}
			w.WriteVarInt(r.ReadVarInt()) // gamemode
			w.WriteVarInt(r.ReadVarInt()) // ping
			hasDisplay := r.ReadBool()
			w.WriteBool(hasDisplay)
			if hasDisplay {
				w.WriteString(r.ReadString())
			}
		case 1, 2: // update gamemode / update latency
			w.WriteVarInt(r.ReadVarInt())
		case 3: // update display name
			hasDisplay := r.ReadBool()
			w.WriteBool(hasDisplay)
			if hasDisplay {
				w.WriteString(r.ReadString())
			}
		case 4: // remove player, UUID only
		default:
			// Unknown action: relay the remainder untouched.
			w.WriteBytes(r.Rest())
			c.session.Send(w.Bytes())
			return
		}
	}
	c.session.Send(w.Bytes())
}

// onDestroyEntities releases mappings and relays the despawn. A global ID
// stays reserved until the destroy packet is queued clientward, then
// AckDespawn returns it for reuse.
func (c *Coordinator) onDestroyEntities(from *backend.Conn, r *packet.Reader) {
	count := r.ReadVarInt()
	globals := make([]int32, 0, count)
	for i := int32(0); i < count; i++ {
		local := r.ReadVarInt()
		if local == from.SelfEID {
			continue
		}
		if g := c.table.Release(from.Spec.ID, local); g != -1 {
			globals = append(globals, g)
		}
	}
	if len(globals) == 0 {
		return
	}
	w := packet.NewWriter(r.ID())
	w.WriteVarInt(int32(len(globals)))
	for _, g := range globals {
		w.WriteVarInt(g)
	}
	c.session.Send(w.Bytes())
	for _, g := range globals {
		c.table.AckDespawn(g)
	}
}

// onBackendKeepAlive answers the shard directly; the client's keepalive is
// proxy-owned and never relayed.
func (c *Coordinator) onBackendKeepAlive(from *backend.Conn, r *packet.Reader) {
	w := packet.NewWriter(packet.C_KEEP_ALIVE)
	w.WriteLong(r.ReadLong())
	from.Send(w.Bytes())
}

// onBackendPositionLook: the authoritative shard repositions the real
// player; an observer repositioning its stand-in is confirmed shardward
// and hidden from the client.
func (c *Coordinator) onBackendPositionLook(from *backend.Conn, r *packet.Reader) {
	x := r.ReadDouble()
	y := r.ReadDouble()
	z := r.ReadDouble()
	yaw := r.ReadFloat()
	pitch := r.ReadFloat()
	flags := r.ReadByte()
	teleportID := r.ReadVarInt()

	if from.Role() != backend.RoleAuthoritative {
		confirm := packet.NewWriter(packet.C_TELEPORT_CONFIRM)
		confirm.WriteVarInt(teleportID)
		from.Send(confirm.Bytes())
		return
	}

	gx, gz := x, z
	if flags&0x01 == 0 && flags&0x04 == 0 { // absolute x/z
		gx, gz = mapping.PosInbound(from.Spec, x, z)
	}
	w := packet.NewWriter(r.ID())
	w.WriteDouble(gx)
	w.WriteDouble(y)
	w.WriteDouble(gz)
	w.WriteFloat(yaw)
	w.WriteFloat(pitch)
	w.WriteByte(flags)
	w.WriteVarInt(teleportID)
	c.session.Send(w.Bytes())
	if flags == 0 {
		c.updatePosition(gx, y, gz)
	}
}

// onStrayJoinGame: JoinGame outside the attach sequence means the shard
// restarted the session underneath us.
func (c *Coordinator) onStrayJoinGame(from *backend.Conn, r *packet.Reader) {
	c.log.Warn("分片在連線中途重送 JoinGame，已丟棄",
		zap.Int32("shard", int32(from.Spec.ID)))
}

func (c *Coordinator) onBackendDisconnectPacket(from *backend.Conn, r *packet.Reader) {
	reason := r.ReadString()
	if from.Role() == backend.RoleAuthoritative {
		c.log.Info("權威分片踢出玩家", zap.String("reason", reason))
		w := packet.NewWriter(packet.S_DISCONNECT)
		w.WriteString(reason)
		c.session.Send(w.Bytes())
		c.session.Close()
		return
	}
	// The observer connection will surface its own close event.
}

// writeTranslatedPos copies an absolute x/y/z double triple with the
// horizontal components shifted into the global frame.
func (c *Coordinator) writeTranslatedPos(w *packet.Writer, from *backend.Conn, r *packet.Reader) {
	x := r.ReadDouble()
	y := r.ReadDouble()
	z := r.ReadDouble()
	x, z = mapping.PosInbound(from.Spec, x, z)
	w.WriteDouble(x)
	w.WriteDouble(y)
	w.WriteDouble(z)
}
