package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"salmontunnel/api"
	"salmontunnel/config"
	"salmontunnel/logging"
	"salmontunnel/status"
	"salmontunnel/supervisor"
	"salmontunnel/tunnel"
)

const VERSION = "0.1.0"

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Salmon Tunnel %s - carry UDP datagrams over one TCP connection

Usage:
  salmontunnel --server PORT [options]
  salmontunnel --client PORT [options]

Roles (exactly one):
  --server PORT          accept one client on TCP PORT
  --client PORT          connect to the server on TCP PORT

Options:
  --config FILE          YAML config file (SalmonTunnel / GlobalLog sections)
  --remote HOST          server address for the client (default 127.0.0.1)
  --udp-port PORT        primary local UDP relay port (default %d)
  --udp-secondary-port PORT
                         UDP port the server binds (default %d)
  --udp-peer HOST:PORT   where decoded datagrams are sent
                         (server default 127.0.0.1:<udp-port>, client learns it;
                         set it when both tunnels share one host)
  --bandwidth SIZE       TCP link limit, e.g. 10MB (bytes) or 80M (bits)
  --status ADDR          serve the status API on ADDR
  --verbose              log every datagram
  --help                 show this help

Exit status: 0 ok, 1 runtime failure, 2 configuration error.
`, VERSION, config.DefaultUDPPort, config.DefaultSecondaryUDPPort)
}

type options struct {
	server, client   int
	configPath       string
	remote           string
	udpPort          int
	udpSecondaryPort int
	udpPeer          string
	bandwidth        string
	statusAddr       string
	verbose          bool

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: map[string]bool{}}
	fs := flag.NewFlagSet("salmontunnel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}

	fs.IntVar(&o.server, "server", 0, "run as server on TCP port")
	fs.IntVar(&o.client, "client", 0, "run as client to TCP port")
	fs.StringVar(&o.configPath, "config", "", "YAML config file")
	fs.StringVar(&o.remote, "remote", "", "remote server host")
	fs.IntVar(&o.udpPort, "udp-port", 0, "primary UDP relay port")
	fs.IntVar(&o.udpSecondaryPort, "udp-secondary-port", 0, "server UDP bind port")
	fs.StringVar(&o.udpPeer, "udp-peer", "", "UDP peer host:port")
	fs.StringVar(&o.bandwidth, "bandwidth", "", "TCP link bandwidth limit")
	fs.StringVar(&o.statusAddr, "status", "", "status API listen address")
	fs.BoolVar(&o.verbose, "verbose", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, &config.ConfigError{Msg: fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// buildConfig merges the config file, then the command line, then defaults.
func buildConfig(o *options) (*config.FileConfig, error) {
	fc := &config.FileConfig{}
	if o.configPath != "" {
		loaded, err := config.LoadConfig(o.configPath)
		if err != nil {
			var cerr *config.ConfigError
			if errors.As(err, &cerr) {
				return nil, err
			}
			return nil, &config.ConfigError{Msg: "load " + o.configPath, Err: err}
		}
		fc = loaded
	}
	c := &fc.Tunnel

	var ind config.RoleIndicators
	if o.set["server"] {
		ind.Server = &o.server
	}
	if o.set["client"] {
		ind.Client = &o.client
	}
	if ind.Server == nil && ind.Client == nil {
		fromFile, err := config.IndicatorsFromFile(*c)
		if err != nil {
			return nil, err
		}
		ind = fromFile
	}
	role, port, err := config.ResolveRole(ind)
	if err != nil {
		return nil, err
	}
	c.Role = role
	c.TCPPort = port

	if o.set["remote"] {
		c.RemoteAddress = o.remote
	}
	if o.set["udp-port"] {
		c.UDPPort = o.udpPort
	}
	if o.set["udp-secondary-port"] {
		c.SecondaryUDPPort = o.udpSecondaryPort
	}
	if o.set["udp-peer"] {
		c.UDPPeer = o.udpPeer
	}
	if o.set["status"] {
		c.StatusListenAddress = o.statusAddr
	}
	if o.set["bandwidth"] {
		bw, err := config.ParseSize(o.bandwidth)
		if err != nil {
			return nil, &config.ConfigError{Msg: "invalid --bandwidth", Err: err}
		}
		c.BandwidthLimit = bw
	}
	if o.verbose {
		c.Verbose = true
	}

	fc.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		printUsage(stdout)
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "salmontunnel: %v\n\n", err)
		printUsage(stderr)
		return exitConfig
	}

	fc, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "salmontunnel: %v\n", err)
		return exitConfig
	}
	cfg := fc.Tunnel

	closer := logging.Setup(fc.GlobalLog, cfg.Verbose)
	defer closer.Close()

	prefix := cfg.Role.LogPrefix()
	log.Printf("%s: Salmon Tunnel %s starting %q", prefix, VERSION, cfg.Name)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := status.NewTunnelMonitor()
	monitor.StartPeriodicLogging(ctx, cfg.StatsInterval.Duration())

	if cfg.StatusListenAddress != "" {
		apiSrv := api.NewServer(cfg, monitor, cfg.StatusListenAddress)
		if err := apiSrv.Start(); err != nil {
			log.Printf("%s: status api on %s failed: %v", prefix, cfg.StatusListenAddress, err)
			return exitRuntime
		}
		defer apiSrv.Stop()
		log.Printf("%s: status api listening on %s", prefix, apiSrv.Addr())
	}

	policy := supervisor.Policy{
		MaxRestarts: cfg.MaxRestarts,
		Backoff:     cfg.RestartBackoff.Duration(),
		OnRestart:   func(int, error) { monitor.Restarted() },
	}
	err = supervisor.Run(ctx, policy, func(ctx context.Context, attempt int) error {
		err := tunnel.Run(ctx, cfg, monitor)
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			return supervisor.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		log.Printf("%s: stopped", prefix)
		return exitOK
	case ctx.Err() != nil:
		log.Printf("%s: stopped: %v", prefix, err)
		return exitOK
	default:
		log.Printf("%s: %v", prefix, err)
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			return exitConfig
		}
		return exitRuntime
	}
}
