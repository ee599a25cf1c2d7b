package net

import (
	"fmt"
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardmux/proxy/internal/net/packet"
	"go.uber.org/zap"
)

// Session represents a single client connection. Network I/O runs in
// dedicated goroutines; all routing decisions happen on the owning
// coordinator goroutine.
type Session struct {
	ID   uint64
	conn *Conn

	state atomic.Int32 // packet.SessionState stored as int32

	InQueue  chan []byte // coordinator reads packet bodies from here
	OutQueue chan []byte // writer goroutine reads from here

	IP         string
	PlayerName string

	writeTimeout time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Per-second packet rate limiter (readLoop goroutine only, no lock needed)
	pktPerSec  int
	pktCount   int
	pktResetAt int64

	log *zap.Logger
}

func NewSession(raw gonet.Conn, id uint64, inSize, outSize, pktPerSec int, writeTimeout time.Duration, log *zap.Logger) *Session {
	s := &Session{
		ID:           id,
		conn:         NewConn(raw),
		InQueue:      make(chan []byte, inSize),
		OutQueue:     make(chan []byte, outSize),
		IP:           raw.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		closeCh:      make(chan struct{}),
		pktPerSec:    pktPerSec,
		log:          log.With(zap.Uint64("session", id)),
	}
	s.state.Store(int32(packet.StateHandshaking))
	return s
}

func (s *Session) State() packet.SessionState {
	return packet.SessionState(s.state.Load())
}

func (s *Session) SetState(st packet.SessionState) {
	s.state.Store(int32(st))
}

// Conn exposes the framed connection for the login sequence, which runs
// before the reader and writer goroutines start.
func (s *Session) Conn() *Conn {
	return s.conn
}

// Closed returns the channel closed on session teardown.
func (s *Session) Closed() <-chan struct{} {
	return s.closeCh
}

// StartPlay launches the reader and writer goroutines. Called once the
// login sequence has completed and the session is in the Play state.
func (s *Session) StartPlay() {
	go s.readLoop()
	go s.writeLoop()
}

// Send queues a packet body for the client. Non-blocking: a full queue
// disconnects the session (backpressure against slow clients).
func (s *Session) Send(body []byte) {
	if s.closed.Load() {
		return
	}
	select {
	case s.OutQueue <- body:
	case <-s.closeCh:
	default:
		s.log.Warn("輸出佇列已滿，斷開慢速連線")
		s.Close()
	}
}

// Close gracefully shuts down the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.SetState(packet.StateDisconnecting)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// readLoop reads frames from the client and pushes packet bodies onto
// InQueue for the coordinator to consume.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		body, err := s.conn.ReadFrame()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("讀取錯誤", zap.Error(err))
			}
			return
		}

		// Per-second packet rate limiter
		if s.pktPerSec > 0 {
			now := time.Now().Unix()
			if now != s.pktResetAt {
				s.pktCount = 0
				s.pktResetAt = now
			}
			s.pktCount++
			if s.pktCount > s.pktPerSec {
				s.log.Warn("封包速率超限，斷開連線", zap.Int("pps", s.pktCount))
				return
			}
		}

		// Block until the coordinator takes the packet or the session
		// closes. The readLoop goroutine is per-session, so blocking here
		// only stalls this client — dropping player input instead would
		// desync movement permanently.
		select {
		case s.InQueue <- body:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop drains OutQueue to the TCP connection.
func (s *Session) writeLoop() {
	defer s.Close()

	for {
		select {
		case body := <-s.OutQueue:
			if !s.writeOne(body) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeOne(body []byte) bool {
	if len(body) > 0 {
		s.log.Debug("TX",
			zap.String("pkt", fmt.Sprintf("0x%02X", body[0])),
			zap.Int("len", len(body)),
		)
	}

	s.conn.Raw().SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteFrame(body); err != nil {
		if !s.closed.Load() {
			s.log.Debug("寫入錯誤", zap.Error(err))
		}
		return false
	}
	return true
}
