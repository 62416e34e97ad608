package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp4")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func runArgs(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := runArgs(t, context.Background(), "--help")
	if code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out, "--server PORT") || !strings.Contains(out, "--client PORT") {
		t.Fatalf("usage missing role flags: %q", out)
	}
}

func TestRun_ServerAndClientIsConfigError(t *testing.T) {
	port := freePort(t)
	p := strconv.Itoa(port)

	code, _, errOut := runArgs(t, context.Background(), "--server", p, "--client", p, "--udp-port", p)
	if code != exitConfig {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut, "mutually exclusive") {
		t.Fatalf("unexpected stderr: %q", errOut)
	}

	// nothing was bound
	ln, err := net.Listen("tcp", "127.0.0.1:"+p)
	if err != nil {
		t.Fatalf("tcp port still bound: %v", err)
	}
	ln.Close()
	pc, err := net.ListenPacket("udp", "127.0.0.1:"+p)
	if err != nil {
		t.Fatalf("udp port still bound: %v", err)
	}
	pc.Close()
}

func TestRun_ConfigErrors(t *testing.T) {
	cases := map[string][]string{
		"no role":        {},
		"unknown flag":   {"--client", "7000", "--bogus"},
		"stray argument": {"--client", "7000", "extra"},
		"bad bandwidth":  {"--client", "7000", "--bandwidth", "lots"},
		"bad peer":       {"--server", "7000", "--udp-peer", "nowhere"},
		"bad port":       {"--client", "70000"},
		"missing file":   {"--client", "7000", "--config", "/nonexistent/st.yml"},
	}
	for name, args := range cases {
		code, _, _ := runArgs(t, context.Background(), args...)
		if code != exitConfig {
			t.Errorf("%s: expected exit 2, got %d", name, code)
		}
	}
}

func TestRun_ClientGivesUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "st.yml")
	yml := "SalmonTunnel:\n  STMaxRestarts: 1\n  STRestartBackoff: \"1s\"\n  STStatsInterval: \"5m\"\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code, _, _ := runArgs(t, context.Background(),
		"--client", strconv.Itoa(freePort(t)),
		"--udp-port", strconv.Itoa(freePort(t)),
		"--config", path,
	)
	if code != exitRuntime {
		t.Fatalf("expected exit 1 after restarts ran out, got %d", code)
	}
}

func TestRun_CancelledIsClean(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	code, _, _ := runArgs(t, ctx,
		"--server", strconv.Itoa(freePort(t)),
		"--udp-secondary-port", strconv.Itoa(freePort(t)),
	)
	if code != exitOK {
		t.Fatalf("expected exit 0 after cancel, got %d", code)
	}
}

func TestBuildConfig_FileRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "st.yml")
	yml := "SalmonTunnel:\n  STRole: server\n  STTcpPort: 7300\n  STUdpPort: 5000\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	o, err := parseFlags([]string{"--config", path, "--udp-port", "5100", "--verbose"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fc, err := buildConfig(o)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c := fc.Tunnel
	if c.Role != "server" || c.TCPPort != 7300 {
		t.Fatalf("role not taken from file: %+v", c)
	}
	if c.UDPPort != 5100 {
		t.Fatalf("flag should override file, got %d", c.UDPPort)
	}
	if c.UDPPeer != "127.0.0.1:5100" {
		t.Fatalf("server peer default should follow the overridden port, got %q", c.UDPPeer)
	}
	if !c.Verbose {
		t.Fatalf("verbose not set")
	}
}

func TestBuildConfig_FlagRoleWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "st.yml")
	if err := os.WriteFile(path, []byte("SalmonTunnel:\n  STRole: server\n  STTcpPort: 7300\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	o, err := parseFlags([]string{"--config", path, "--client", "7400", "--bandwidth", "10MB"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fc, err := buildConfig(o)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if fc.Tunnel.Role != "client" || fc.Tunnel.TCPPort != 7400 {
		t.Fatalf("command line role should win: %+v", fc.Tunnel)
	}
	if fc.Tunnel.BandwidthLimit != 10*1024*1024 {
		t.Fatalf("bandwidth not parsed, got %d", fc.Tunnel.BandwidthLimit)
	}
}
