package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shardmux/proxy/internal/mapping"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/net/packet"
	"go.uber.org/zap"
)

const preLoginTimeout = 30 * time.Second

type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int32  `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
	Description struct {
		Text string `json:"text"`
	} `json:"description"`
}

// handleSession runs the pre-play phases directly on the framed connection;
// the reader and writer goroutines only start once the session reaches the
// Play state.
func (p *Proxy) handleSession(sess *net.Session) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("會話處理發生未預期錯誤", zap.Any("panic", r))
			sess.Close()
		}
	}()

	conn := sess.Conn()
	conn.Raw().SetReadDeadline(time.Now().Add(preLoginTimeout))

	// Legacy server-list ping predates framing: a bare 0xFE byte.
	if head, err := conn.Peek(1); err == nil && head[0] == 0xFE {
		p.handleLegacyPing(sess)
		return
	}

	body, err := conn.ReadFrame()
	if err != nil {
		sess.Close()
		return
	}
	r := packet.NewReader(body)
	if r.ID() != packet.C_HANDSHAKE {
		p.log.Debug("首個封包不是握手，關閉連線", zap.Int32("pkt", r.ID()))
		sess.Close()
		return
	}
	protocol := r.ReadVarInt()
	r.ReadString() // server address as typed by the client
	r.ReadUShort() // port
	next := r.ReadVarInt()
	if r.Truncated() {
		sess.Close()
		return
	}

	switch next {
	case packet.NextStateStatus:
		sess.SetState(packet.StateStatus)
		p.handleStatus(sess)
	case packet.NextStateLogin:
		sess.SetState(packet.StateLogin)
		p.handleLogin(sess, protocol)
	default:
		sess.Close()
	}
}

func (p *Proxy) handleLegacyPing(sess *net.Session) {
	defer sess.Close()
	kick, err := packet.EncodeLegacyKick(
		p.cfg.Proxy.VersionName,
		p.cfg.Proxy.Motd,
		p.Online(),
		p.cfg.Proxy.MaxPlayers,
	)
	if err != nil {
		return
	}
	sess.Conn().Raw().Write(kick)
}

func (p *Proxy) handleStatus(sess *net.Session) {
	defer sess.Close()
	conn := sess.Conn()

	for {
		body, err := conn.ReadFrame()
		if err != nil {
			return
		}
		r := packet.NewReader(body)
		switch r.ID() {
		case packet.C_STATUS_REQUEST:
			var resp statusResponse
			resp.Version.Name = p.cfg.Proxy.VersionName
			resp.Version.Protocol = p.cfg.Proxy.ProtocolVersion
			resp.Players.Max = p.cfg.Proxy.MaxPlayers
			resp.Players.Online = p.Online()
			resp.Description.Text = p.cfg.Proxy.Motd
			payload, err := json.Marshal(resp)
			if err != nil {
				return
			}
			w := packet.NewWriter(packet.S_STATUS_RESPONSE)
			w.WriteString(string(payload))
			if err := conn.WriteFrame(w.Bytes()); err != nil {
				return
			}
		case packet.C_STATUS_PING:
			w := packet.NewWriter(packet.S_STATUS_PONG)
			w.WriteLong(r.ReadLong())
			conn.WriteFrame(w.Bytes())
			return
		default:
			return
		}
	}
}

func (p *Proxy) handleLogin(sess *net.Session, protocol int32) {
	conn := sess.Conn()

	body, err := conn.ReadFrame()
	if err != nil {
		sess.Close()
		return
	}
	r := packet.NewReader(body)
	if r.ID() != packet.C_LOGIN_START {
		sess.Close()
		return
	}
	name := r.ReadString()
	if r.Truncated() || name == "" || len(name) > 16 || strings.ContainsAny(name, " \t\n") {
		p.loginDisconnect(sess, "Invalid player name")
		return
	}
	if protocol != p.cfg.Proxy.ProtocolVersion {
		p.loginDisconnect(sess, fmt.Sprintf("Unsupported client version, please use %s", p.cfg.Proxy.VersionName))
		return
	}
	if p.Online() >= p.cfg.Proxy.MaxPlayers {
		p.loginDisconnect(sess, "Server is full")
		return
	}
	if other := p.findByName(name); other != nil {
		p.loginDisconnect(sess, "You are already connected")
		return
	}

	if t := p.cfg.Proxy.CompressionThreshold; t >= 0 {
		w := packet.NewWriter(packet.S_LOGIN_SET_COMPRESSION)
		w.WriteVarInt(int32(t))
		if err := conn.WriteFrame(w.Bytes()); err != nil {
			sess.Close()
			return
		}
		conn.SetCompressionThreshold(t)
	}

	sess.PlayerName = name
	success := packet.NewWriter(packet.S_LOGIN_SUCCESS)
	success.WriteUUID(mapping.OfflineUUID(name))
	success.WriteString(name)
	if err := conn.WriteFrame(success.Bytes()); err != nil {
		sess.Close()
		return
	}
	sess.SetState(packet.StatePlay)
	conn.Raw().SetReadDeadline(time.Time{})

	p.log.Info("玩家登入",
		zap.Uint64("session", sess.ID),
		zap.String("player", name))

	c := NewCoordinator(p.cfg, p.reg, sess, p.repo, p.unregister, p.log)
	p.register(c)
	c.Run()
}

func (p *Proxy) loginDisconnect(sess *net.Session, reason string) {
	msg, _ := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: reason})
	w := packet.NewWriter(packet.S_LOGIN_DISCONNECT)
	w.WriteString(string(msg))
	sess.Conn().WriteFrame(w.Bytes())
	sess.Close()
}
