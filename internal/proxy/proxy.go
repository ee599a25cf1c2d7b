// Package proxy is the multiplexing core: one client connection in, one
// connection per shard of interest out, with identifier translation and
// simulation-authority handoff in between.
package proxy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shardmux/proxy/internal/config"
	"github.com/shardmux/proxy/internal/net"
	"github.com/shardmux/proxy/internal/persist"
	"github.com/shardmux/proxy/internal/scripting"
	"github.com/shardmux/proxy/internal/shard"
	"go.uber.org/zap"
)

type Proxy struct {
	cfg    *config.Config
	reg    *shard.Registry
	repo   *persist.ProfileRepo
	server *net.Server
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[uint64]*Coordinator
	online   atomic.Int32
}

func New(cfg *config.Config, reg *shard.Registry, repo *persist.ProfileRepo, log *zap.Logger) (*Proxy, error) {
	server, err := net.NewServer(
		cfg.Proxy.BindAddress,
		cfg.Network.InQueueSize,
		cfg.Network.OutQueueSize,
		cfg.Network.PacketsPerSecond,
		cfg.Network.WriteTimeout,
		log,
	)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:      cfg,
		reg:      reg,
		repo:     repo,
		server:   server,
		log:      log,
		sessions: make(map[uint64]*Coordinator),
	}, nil
}

// Addr returns the client-facing listen address.
func (p *Proxy) Addr() string {
	return p.server.Addr().String()
}

// Online returns the number of sessions in the Play state.
func (p *Proxy) Online() int {
	return int(p.online.Load())
}

// Run serves clients until the context is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	go p.server.AcceptLoop()

	for {
		select {
		case sess := <-p.server.NewSessions():
			go p.handleSession(sess)
		case <-ctx.Done():
			p.server.Shutdown()
			p.mu.Lock()
			for _, c := range p.sessions {
				c.RequestKick("Proxy shutting down")
			}
			p.mu.Unlock()
			return nil
		}
	}
}

func (p *Proxy) register(c *Coordinator) {
	p.mu.Lock()
	p.sessions[c.session.ID] = c
	p.mu.Unlock()
	p.online.Add(1)
}

func (p *Proxy) unregister(c *Coordinator) {
	p.mu.Lock()
	delete(p.sessions, c.session.ID)
	p.mu.Unlock()
	p.online.Add(-1)
}

func (p *Proxy) findByName(name string) *Coordinator {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.sessions {
		if c.session.PlayerName == name {
			return c
		}
	}
	return nil
}

// Players implements the console host view.
func (p *Proxy) Players() []scripting.PlayerInfo {
	p.mu.Lock()
	coords := make([]*Coordinator, 0, len(p.sessions))
	for _, c := range p.sessions {
		coords = append(coords, c)
	}
	p.mu.Unlock()

	infos := make([]scripting.PlayerInfo, 0, len(coords))
	for _, c := range coords {
		s := c.Snapshot()
		infos = append(infos, scripting.PlayerInfo{
			SessionID: s.SessionID,
			Name:      s.Name,
			X:         s.X,
			Y:         s.Y,
			Z:         s.Z,
			Shard:     int32(s.Shard),
			Backends:  s.Backends,
		})
	}
	return infos
}

// Kick disconnects a player by name. Reports whether the player was found.
func (p *Proxy) Kick(name, reason string) bool {
	c := p.findByName(name)
	if c == nil {
		return false
	}
	c.RequestKick(reason)
	return true
}

// Switch forces a player's simulation authority onto a specific shard.
func (p *Proxy) Switch(name string, target int32) bool {
	c := p.findByName(name)
	if c == nil {
		return false
	}
	c.RequestSwitch(shard.ID(target))
	return true
}

// Shards lists the registered topology for the console.
func (p *Proxy) Shards() []scripting.ShardInfo {
	all := p.reg.All()
	infos := make([]scripting.ShardInfo, 0, len(all))
	for _, s := range all {
		infos = append(infos, scripting.ShardInfo{
			ID:   int32(s.ID),
			Addr: s.Addr,
			X1:   s.Region.X1,
			Z1:   s.Region.Z1,
			X2:   s.Region.X2,
			Z2:   s.Region.Z2,
		})
	}
	return infos
}
