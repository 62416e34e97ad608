package main

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"salmontunnel/config"
)

func TestTunnelTarget(t *testing.T) {
	c := config.TunnelConfig{Role: config.RoleClient, UDPPort: 4000, SecondaryUDPPort: 4001, UDPBindAddress: "127.0.0.1"}
	if got := tunnelTarget(c); got != "127.0.0.1:4000" {
		t.Errorf("client target: got %s", got)
	}
	c.Role = config.RoleServer
	if got := tunnelTarget(c); got != "127.0.0.1:4001" {
		t.Errorf("server target: got %s", got)
	}
}

func TestPingEcho(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go echo(ctx, pc)

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	rtt, err := ping(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("expected a positive round trip, got %v", rtt)
	}
}

func TestBlastSink(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan int, 1)
	go func() {
		n, _ := sink(ctx, pc)
		got <- n
	}()

	res, err := blast(context.Background(), pc.LocalAddr().String(), 100, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("blast failed: %v", err)
	}
	if res.datagrams == 0 || res.bytes != res.datagrams*100 {
		t.Fatalf("unexpected result: %+v", res)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if n := <-got; n == 0 {
		t.Errorf("sink saw nothing")
	}
}
