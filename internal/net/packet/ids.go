package packet

import "fmt"

// SessionState represents the connection's current protocol phase.
type SessionState int

const (
	StateHandshaking SessionState = iota
	StateStatus
	StateLogin
	StatePlay
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateStatus:
		return "Status"
	case StateLogin:
		return "Login"
	case StatePlay:
		return "Play"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Packet IDs for protocol 753 (1.16.3). C_ = serverbound (client→proxy,
// proxy→shard), S_ = clientbound (shard→proxy, proxy→client). Only the IDs
// the proxy inspects or rewrites are listed; everything else is relayed raw.

// Handshaking, serverbound.
const C_HANDSHAKE int32 = 0x00

// Status.
const (
	C_STATUS_REQUEST  int32 = 0x00
	C_STATUS_PING     int32 = 0x01
	S_STATUS_RESPONSE int32 = 0x00
	S_STATUS_PONG     int32 = 0x01
)

// Login.
const (
	C_LOGIN_START int32 = 0x00

	S_LOGIN_DISCONNECT         int32 = 0x00
	S_LOGIN_ENCRYPTION_REQUEST int32 = 0x01
	S_LOGIN_SUCCESS            int32 = 0x02
	S_LOGIN_SET_COMPRESSION    int32 = 0x03
)

// Play, clientbound.
const (
	S_SPAWN_ENTITY          int32 = 0x00
	S_SPAWN_XP_ORB          int32 = 0x01
	S_SPAWN_LIVING_ENTITY   int32 = 0x02
	S_SPAWN_PAINTING        int32 = 0x03
	S_SPAWN_PLAYER          int32 = 0x04
	S_ENTITY_ANIMATION      int32 = 0x05
	S_BLOCK_BREAK_ANIMATION int32 = 0x08
	S_BLOCK_CHANGE          int32 = 0x0B
	S_SERVER_DIFFICULTY     int32 = 0x0D
	S_CHAT_MESSAGE          int32 = 0x0E
	S_DECLARE_COMMANDS      int32 = 0x10
	S_WINDOW_CONFIRMATION   int32 = 0x11
	S_CLOSE_WINDOW          int32 = 0x12
	S_WINDOW_ITEMS          int32 = 0x13
	S_WINDOW_PROPERTY       int32 = 0x14
	S_SET_SLOT              int32 = 0x15
	S_PLUGIN_MESSAGE        int32 = 0x17
	S_DISCONNECT            int32 = 0x19
	S_ENTITY_STATUS         int32 = 0x1A
	S_UNLOAD_CHUNK          int32 = 0x1C
	S_GAME_STATE_CHANGE     int32 = 0x1D
	S_OPEN_HORSE_WINDOW     int32 = 0x1E
	S_KEEP_ALIVE            int32 = 0x1F
	S_CHUNK_DATA            int32 = 0x20
	S_UPDATE_LIGHT          int32 = 0x23
	S_JOIN_GAME             int32 = 0x24
	S_ENTITY_POSITION       int32 = 0x27
	S_ENTITY_POSITION_ROT   int32 = 0x28
	S_ENTITY_ROTATION       int32 = 0x29
	S_ENTITY_MOVEMENT       int32 = 0x2A
	S_OPEN_WINDOW           int32 = 0x2E
	S_PLAYER_ABILITIES      int32 = 0x30
	S_PLAYER_INFO           int32 = 0x32
	S_FACE_PLAYER           int32 = 0x33
	S_PLAYER_POSITION_LOOK  int32 = 0x34
	S_UNLOCK_RECIPES        int32 = 0x35
	S_DESTROY_ENTITIES      int32 = 0x36
	S_REMOVE_ENTITY_EFFECT  int32 = 0x37
	S_RESPAWN               int32 = 0x39
	S_ENTITY_HEAD_LOOK      int32 = 0x3A
	S_MULTI_BLOCK_CHANGE    int32 = 0x3B
	S_WORLD_BORDER          int32 = 0x3D
	S_CAMERA                int32 = 0x3E
	S_HELD_ITEM_CHANGE      int32 = 0x3F
	S_UPDATE_VIEW_POSITION  int32 = 0x40
	S_SPAWN_POSITION        int32 = 0x42
	S_ENTITY_METADATA       int32 = 0x44
	S_ATTACH_ENTITY         int32 = 0x45
	S_ENTITY_VELOCITY       int32 = 0x46
	S_ENTITY_EQUIPMENT      int32 = 0x47
	S_SET_XP                int32 = 0x48
	S_UPDATE_HEALTH         int32 = 0x49
	S_SET_PASSENGERS        int32 = 0x4B
	S_TIME_UPDATE           int32 = 0x4E
	S_ENTITY_SOUND_EFFECT   int32 = 0x50
	S_COLLECT_ITEM          int32 = 0x55
	S_ENTITY_TELEPORT       int32 = 0x56
	S_ENTITY_PROPERTIES     int32 = 0x58
	S_ENTITY_EFFECT         int32 = 0x59
	S_DECLARE_RECIPES       int32 = 0x5A
	S_TAGS                  int32 = 0x5B
)

// Play, serverbound.
const (
	C_TELEPORT_CONFIRM     int32 = 0x00
	C_CHAT_MESSAGE         int32 = 0x03
	C_CLIENT_STATUS        int32 = 0x04
	C_CLIENT_SETTINGS      int32 = 0x05
	C_PLUGIN_MESSAGE       int32 = 0x0B
	C_QUERY_ENTITY_NBT     int32 = 0x0D
	C_INTERACT_ENTITY      int32 = 0x0E
	C_KEEP_ALIVE           int32 = 0x10
	C_PLAYER_POSITION      int32 = 0x12
	C_PLAYER_POSITION_ROT  int32 = 0x13
	C_PLAYER_ROTATION      int32 = 0x14
	C_PLAYER_MOVEMENT      int32 = 0x15
	C_VEHICLE_MOVE         int32 = 0x16
	C_STEER_BOAT           int32 = 0x17
	C_PLAYER_ABILITIES     int32 = 0x1A
	C_PLAYER_DIGGING       int32 = 0x1B
	C_ENTITY_ACTION        int32 = 0x1C
	C_STEER_VEHICLE        int32 = 0x1D
	C_HELD_ITEM_CHANGE     int32 = 0x25
	C_CMD_BLOCK_MINECART   int32 = 0x27
	C_ANIMATION            int32 = 0x2C
	C_SPECTATE             int32 = 0x2D
	C_PLAYER_BLOCK_PLACE   int32 = 0x2E
	C_USE_ITEM             int32 = 0x2F
)

// HandshakeNextState values.
const (
	NextStateStatus int32 = 1
	NextStateLogin  int32 = 2
)
