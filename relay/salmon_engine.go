// Package relay moves datagrams between a UDP socket and a framed TCP link.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"salmontunnel/codec"
	"salmontunnel/config"
	"salmontunnel/limiter"
	"salmontunnel/logging"
	"salmontunnel/sockets"
	"salmontunnel/status"
)

const (
	Initializing = status.StateInitializing
	Relaying     = status.StateRelaying
	Closed       = status.StateClosed
)

const maxDatagramSize = 65535

// eventQueueSize only absorbs scheduling jitter between readers and the loop.
const eventQueueSize = 64

// Engine owns the tunnel state. Everything below the readers is touched only by
// the loop goroutine.
type Engine struct {
	cfg     config.TunnelConfig
	prefix  string
	tcp     net.Conn
	udp     *net.UDPConn
	monitor *status.TunnelMonitor

	state status.TunnelState
	peer  *net.UDPAddr
	learn bool
	guard *net.UDPAddr // a co-located server tunnel, never learned or relayed

	tcpDown atomic.Bool
	closing atomic.Bool
}

// NewEngine takes ownership of s. A nil limiter leaves the link unthrottled and a
// nil monitor gets a private one.
func NewEngine(cfg config.TunnelConfig, s *sockets.Sockets, m *status.TunnelMonitor, l *limiter.Limiter) (*Engine, error) {
	if s == nil || s.TCP == nil || s.UDP == nil {
		return nil, errors.New("relay: engine needs both sockets")
	}
	if m == nil {
		m = status.NewTunnelMonitor()
	}
	e := &Engine{
		cfg:     cfg,
		prefix:  cfg.Role.LogPrefix(),
		tcp:     s.TCP,
		udp:     s.UDP,
		monitor: m,
		learn:   cfg.UDPPeer == "",
	}
	if l != nil {
		e.tcp = l.WrapConn(s.TCP)
	}
	if !e.learn {
		peer, err := net.ResolveUDPAddr("udp", cfg.UDPPeer)
		if err != nil {
			return nil, fmt.Errorf("resolve udp peer %s: %w", cfg.UDPPeer, err)
		}
		e.peer = peer
	}
	if addr := cfg.ColocatedServerAddr(); addr != "" {
		guard, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		e.guard = guard
		log.Printf("%s: remote is loopback and the peer is learned; datagrams from %s are dropped, set --udp-peer to reach a local app on the same host", e.prefix, addr)
	}
	e.setState(Initializing)
	return e, nil
}

// guarded reports whether from is the co-located server tunnel's socket. Relaying it
// would send the server's own deliveries straight back through the link.
func (e *Engine) guarded(from *net.UDPAddr) bool {
	if e.guard == nil || from == nil || from.Port != e.guard.Port {
		return false
	}
	if e.guard.IP.IsUnspecified() {
		return from.IP.IsLoopback()
	}
	return from.IP.Equal(e.guard.IP)
}

func (e *Engine) setState(s status.TunnelState) {
	e.state = s
	e.monitor.SetState(s)
}

// Run relays until ctx is cancelled or the UDP socket fails. A closed link is not an
// error: the engine stays up and drops local datagrams. Both sockets are closed on return.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(Relaying)
	if e.peer != nil {
		log.Printf("%s: relaying udp %s <-> tcp %s, peer %s", e.prefix, e.udp.LocalAddr(), e.tcp.RemoteAddr(), e.peer)
	} else {
		log.Printf("%s: relaying udp %s <-> tcp %s, peer learned from traffic", e.prefix, e.udp.LocalAddr(), e.tcp.RemoteAddr())
	}

	events := make(chan Event, eventQueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.readUDP(gctx, events) })
	g.Go(func() error { e.readTCP(gctx, events); return nil })
	g.Go(func() error { return e.loop(gctx, events) })

	err := g.Wait()
	e.setState(Closed)
	if err != nil {
		log.Printf("%s: relay stopped: %v", e.prefix, err)
	}
	return err
}

func (e *Engine) loop(ctx context.Context, events <-chan Event) error {
	defer e.closeAll()
	for {
		select {
		case <-ctx.Done():
			if e.state == Relaying {
				e.sendClose()
			}
			return nil
		case ev := <-events:
			err := e.step(ev)
			if err == nil {
				continue
			}
			var derr *codec.DecodeError
			if errors.As(err, &derr) {
				e.monitor.DecodeError()
				log.Printf("%s: dropping frame: %v", e.prefix, err)
				continue
			}
			return err
		}
	}
}

// step applies one event to the state machine. Decode failures are returned so the
// loop can count them; they never change state.
func (e *Engine) step(ev Event) error {
	switch ev := ev.(type) {
	case UDPIn:
		e.monitor.UDPIn()
		if e.state != Relaying {
			e.monitor.Dropped()
			logging.Debugf("%s: link %s, dropped %d byte datagram from %s", e.prefix, e.state, len(ev.Payload), ev.From)
			return nil
		}
		if e.guarded(ev.From) {
			e.monitor.Dropped()
			logging.Debugf("%s: dropped %d byte datagram from the co-located server tunnel %s", e.prefix, len(ev.Payload), ev.From)
			return nil
		}
		if e.learn && (e.peer == nil || e.peer.String() != ev.From.String()) {
			logging.Debugf("%s: local peer is now %s", e.prefix, ev.From)
			e.peer = ev.From
		}
		f := codec.Frame{Type: codec.FrameData, Data: codec.Encode(ev.Payload)}
		if _, err := codec.WriteFrame(e.tcp, f); err != nil {
			return e.step(TCPError{Err: fmt.Errorf("write: %w", err)})
		}
		e.monitor.FrameSent(len(ev.Payload))
		logging.Debugf("%s: %d bytes udp -> tcp", e.prefix, len(ev.Payload))

	case TCPIn:
		if e.state != Relaying {
			return nil
		}
		if ev.Err != nil {
			return ev.Err
		}
		if ev.Frame.Type == codec.FrameClose {
			e.closeTCP("remote said goodbye")
			return nil
		}
		e.monitor.FrameReceived()
		payload, err := codec.Decode(ev.Frame.Data)
		if err != nil {
			return err
		}
		if e.peer == nil {
			e.monitor.Dropped()
			logging.Debugf("%s: no local peer yet, dropped %d bytes", e.prefix, len(payload))
			return nil
		}
		if _, err := e.udp.WriteToUDP(payload, e.peer); err != nil {
			e.monitor.Dropped()
			log.Printf("%s: udp write to %s failed: %v", e.prefix, e.peer, err)
			return nil
		}
		e.monitor.DatagramDelivered(len(payload))
		logging.Debugf("%s: %d bytes tcp -> udp %s", e.prefix, len(payload), e.peer)

	case TCPClosed:
		if e.state == Relaying {
			e.closeTCP("remote closed the connection")
		}

	case TCPError:
		if e.state == Relaying {
			e.closeTCP(fmt.Sprintf("link error: %v", ev.Err))
		}
	}
	return nil
}

func (e *Engine) closeTCP(reason string) {
	log.Printf("%s: %s, tunnel closed", e.prefix, reason)
	e.tcpDown.Store(true)
	e.tcp.Close()
	e.setState(Closed)
}

func (e *Engine) sendClose() {
	if _, err := codec.WriteFrame(e.tcp, codec.Frame{Type: codec.FrameClose}); err != nil {
		logging.Debugf("%s: goodbye frame not sent: %v", e.prefix, err)
	}
}

func (e *Engine) closeAll() {
	e.closing.Store(true)
	e.tcpDown.Store(true)
	e.tcp.Close()
	e.udp.Close()
}

func publish(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) readUDP(ctx context.Context, events chan<- Event) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := e.udp.ReadFromUDP(buf)
		if err != nil {
			if e.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// ICMP port unreachable from an earlier send
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}
		if !publish(ctx, events, UDPIn{Payload: bytes.Clone(buf[:n]), From: from}) {
			return nil
		}
	}
}

func (e *Engine) readTCP(ctx context.Context, events chan<- Event) {
	for {
		f, err := codec.ReadFrame(e.tcp)
		if err == nil {
			if !publish(ctx, events, TCPIn{Frame: f}) {
				return
			}
			continue
		}
		if e.tcpDown.Load() {
			return
		}
		var derr *codec.DecodeError
		switch {
		case errors.As(err, &derr):
			if !publish(ctx, events, TCPIn{Err: err}) {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			publish(ctx, events, TCPClosed{})
		default:
			publish(ctx, events, TCPError{Err: err})
		}
		return
	}
}
