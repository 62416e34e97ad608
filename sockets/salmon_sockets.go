// Package sockets opens the one TCP connection and the one UDP socket a tunnel owns.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"salmontunnel/config"
)

// Sockets is the pair of handles a tunnel relays between.
type Sockets struct {
	TCP net.Conn
	UDP *net.UDPConn
}

// Close closes both sockets. It is safe to call with either handle nil.
func (s *Sockets) Close() error {
	var errs []error
	if s.TCP != nil {
		errs = append(errs, s.TCP.Close())
	}
	if s.UDP != nil {
		errs = append(errs, s.UDP.Close())
	}
	return errors.Join(errs...)
}

// Listener is a bound server socket that hands out exactly one connection.
type Listener struct {
	ln  net.Listener
	cfg config.TunnelConfig
}

// ListenServer binds the relay TCP port on ListenAddress.
func ListenServer(ctx context.Context, cfg config.TunnelConfig) (*Listener, error) {
	addr := net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.TCPPort))
	lc := net.ListenConfig{
		Control:   bindToDevice(cfg.InterfaceName),
		KeepAlive: cfg.KeepAlive.Duration(),
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Op: "tcp", Addr: addr, Err: err}
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for one inbound connection and then closes the listener, so no
// second client can ever be accepted. AcceptTimeout and ctx both bound the wait.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	defer l.ln.Close()

	if d := l.cfg.AcceptTimeout.Duration(); d > 0 {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			if err := tl.SetDeadline(time.Now().Add(d)); err != nil {
				return nil, &AcceptError{Addr: l.ln.Addr().String(), Err: fmt.Errorf("set accept deadline: %w", err)}
			}
		}
	}
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &AcceptError{Addr: l.ln.Addr().String(), Err: err}
	}
	return conn, nil
}

func listenUDP(ctx context.Context, cfg config.TunnelConfig, port int) (*net.UDPConn, error) {
	addr := net.JoinHostPort(cfg.UDPBindAddress, strconv.Itoa(port))
	lc := net.ListenConfig{Control: bindToDevice(cfg.InterfaceName)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, &BindError{Op: "udp", Addr: addr, Err: err}
	}
	return pc.(*net.UDPConn), nil
}

// InitServer listens on the relay TCP port, accepts a single client and then binds
// the secondary UDP port.
func InitServer(ctx context.Context, cfg config.TunnelConfig) (*Sockets, error) {
	l, err := ListenServer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("SERVER: waiting for a client on %s", l.Addr())

	conn, err := l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("SERVER: accepted client %s", conn.RemoteAddr())

	udp, err := listenUDP(ctx, cfg, cfg.SecondaryUDPPort)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Sockets{TCP: conn, UDP: udp}, nil
}

// InitClient binds the primary UDP port and dials the server once. There is no retry
// here; restarts belong to the supervisor.
func InitClient(ctx context.Context, cfg config.TunnelConfig) (*Sockets, error) {
	udp, err := listenUDP(ctx, cfg, cfg.UDPPort)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.RemoteAddress, strconv.Itoa(cfg.TCPPort))
	d := net.Dialer{
		Timeout:   cfg.DialTimeout.Duration(),
		KeepAlive: cfg.KeepAlive.Duration(),
		Control:   bindToDevice(cfg.InterfaceName),
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		udp.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	log.Printf("CLIENT: connected to %s from %s", addr, conn.LocalAddr())
	return &Sockets{TCP: conn, UDP: udp}, nil
}
