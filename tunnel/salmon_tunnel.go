// Package tunnel runs one tunnel attempt: open the sockets for the configured role,
// then relay until cancelled.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"

	"salmontunnel/config"
	"salmontunnel/limiter"
	"salmontunnel/relay"
	"salmontunnel/sockets"
	"salmontunnel/status"
)

// Tunnel is an opened tunnel that has not started relaying yet.
type Tunnel struct {
	cfg     config.TunnelConfig
	sockets *sockets.Sockets
	engine  *relay.Engine
}

type initFunc func(context.Context, config.TunnelConfig) (*sockets.Sockets, error)

func initFor(r config.Role) (initFunc, error) {
	switch r {
	case config.RoleServer:
		return sockets.InitServer, nil
	case config.RoleClient:
		return sockets.InitClient, nil
	default:
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unknown role %q", r)}
	}
}

// Open opens the sockets for cfg.Role and builds the engine around them. On the
// server this blocks until the single client connects.
func Open(ctx context.Context, cfg config.TunnelConfig, m *status.TunnelMonitor) (*Tunnel, error) {
	open, err := initFor(cfg.Role)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = status.NewTunnelMonitor()
	}
	m.SetState(status.StateInitializing)

	s, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	l := limiter.New(int64(cfg.BandwidthLimit))
	m.RegisterLimiter(l)
	if l.MaxRate() > 0 {
		log.Printf("%s: link limited to %d bytes/s", cfg.Role.LogPrefix(), l.MaxRate())
	}

	e, err := relay.NewEngine(cfg, s, m, l)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &Tunnel{cfg: cfg, sockets: s, engine: e}, nil
}

// UDPAddr is the local address of the tunnel's UDP socket.
func (t *Tunnel) UDPAddr() *net.UDPAddr {
	return t.sockets.UDP.LocalAddr().(*net.UDPAddr)
}

// TCPLocalAddr is the local end of the link.
func (t *Tunnel) TCPLocalAddr() net.Addr {
	return t.sockets.TCP.LocalAddr()
}

// Run relays until ctx is done. The sockets are closed when it returns.
func (t *Tunnel) Run(ctx context.Context) error {
	return t.engine.Run(ctx)
}

// Run opens a tunnel and relays on it. Each call starts from scratch.
func Run(ctx context.Context, cfg config.TunnelConfig, m *status.TunnelMonitor) error {
	t, err := Open(ctx, cfg, m)
	if err != nil {
		return err
	}
	return t.Run(ctx)
}
