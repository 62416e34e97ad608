package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"salmontunnel/config"
)

const VERSION = "0.1.0"

func main() {
	log.Printf("Salmon RateTest version %s starting...", VERSION)

	// Define flags first before any other operations
	mode := flag.String("mode", "test", "Mode: test, listen, pingpong")
	cfgPath := flag.String("config", "stconfig.yml", "Tunnel config file")
	lp := flag.Int("lport", 5555, "UDP port to listen on (listen, pingpong)")
	secs := flag.Int("secs", 10, "Test length in seconds")
	size := flag.Int("size", 1200, "Datagram size in bytes")
	flag.Parse()

	fc, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fc.SetDefaults()
	target := tunnelTarget(fc.Tunnel)
	log.Printf("Tunnel %s (%s) relay port is %s", fc.Tunnel.Name, fc.Tunnel.Role, target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch *mode {
	case "test":
		log.Printf("Starting rate test...")
		res, err := blast(ctx, target, *size, time.Duration(*secs)*time.Second)
		if err != nil {
			log.Fatalf("Rate test failed: %v", err)
		}
		log.Printf("Sent %d datagrams, %d bytes in %.2f secs\n -   %.2f kbps\n -   %.2f mbps",
			res.datagrams, res.bytes, res.elapsed.Seconds(), res.kbps(), res.kbps()/1024)
	case "listen":
		log.Printf("Starting rate listen...")
		pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", *lp))
		if err != nil {
			log.Fatalf("Responder failed to listen on %d: %v", *lp, err)
		}
		defer pc.Close()
		n, b := sink(ctx, pc)
		log.Printf("Received %d datagrams, %d bytes", n, b)
	case "pingpong":
		log.Printf("Starting pingpong mode...")
		pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", *lp))
		if err != nil {
			log.Fatalf("PingPong responder failed to listen on %d: %v", *lp, err)
		}
		defer pc.Close()
		go echo(ctx, pc)
		pingLoop(ctx, target)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

// tunnelTarget is the local UDP port datagrams enter the tunnel through.
func tunnelTarget(c config.TunnelConfig) string {
	port := c.UDPPort
	if c.Role == config.RoleServer {
		port = c.SecondaryUDPPort
	}
	return net.JoinHostPort(c.UDPBindAddress, strconv.Itoa(port))
}

type blastResult struct {
	datagrams int
	bytes     int
	elapsed   time.Duration
}

func (r blastResult) kbps() float64 {
	secs := r.elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.bytes) * 8 / 1024 / secs
}

// blast sends random datagrams of the given size to addr for d.
func blast(ctx context.Context, addr string, size int, d time.Duration) (blastResult, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return blastResult{}, err
	}
	defer conn.Close()

	buf := make([]byte, size)
	rand.Read(buf)

	var res blastResult
	start := time.Now()
	end := start.Add(d)
	for time.Now().Before(end) && ctx.Err() == nil {
		n, err := conn.Write(buf)
		if err != nil {
			// ICMP unreachable from a missing listener; keep going until the end time
			time.Sleep(50 * time.Millisecond)
			continue
		}
		res.datagrams++
		res.bytes += n
	}
	res.elapsed = time.Since(start)
	return res, nil
}

// sink counts datagrams until ctx is done.
func sink(ctx context.Context, pc net.PacketConn) (int, int) {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, 65535)
	count, total := 0, 0
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return count, total
		}
		count++
		total += n
	}
}

// echo sends every datagram back to where it came from until ctx is done.
func echo(ctx context.Context, pc net.PacketConn) {
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, 65535)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := pc.WriteTo(buf[:n], from); err != nil {
			log.Printf("Echo write error: %v", err)
		}
	}
}

// ping sends one datagram through conn and waits for the same bytes to come back.
func ping(conn net.Conn, timeout time.Duration) (time.Duration, error) {
	msg := []byte(fmt.Sprintf("ping %d", time.Now().UnixNano()))
	buf := make([]byte, len(msg)+16)

	start := time.Now()
	if _, err := conn.Write(msg); err != nil {
		return 0, err
	}
	conn.SetReadDeadline(start.Add(timeout))
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(buf[:n], msg) {
			return time.Since(start), nil
		}
	}
}

func pingLoop(ctx context.Context, addr string) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		log.Printf("Failed to open %s: %v", addr, err)
		return
	}
	defer conn.Close()

	for ctx.Err() == nil {
		elapsed, err := ping(conn, 5*time.Second)
		if err != nil {
			log.Printf("Ping error: %v", err)
		} else {
			log.Printf("Ping response received in %v", elapsed)
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}
