package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalLogConfig holds optional global log file settings
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
}

// DurationString supports "10s", "5m" (only lowercase s/m)
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "10K", "10M", "1G" (bits, uppercase only) and "10KB", "10MB", "1GB" (bytes)
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	v, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses the SizeString notation. It is shared with the --bandwidth flag.
func ParseSize(in string) (SizeString, error) {
	raw := strings.TrimSpace(in)
	if raw == "" {
		return 0, fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "KB"):
		multiplier = 1024
		raw = strings.TrimSuffix(raw, "KB")
	case strings.HasSuffix(raw, "MB"):
		multiplier = 1024 * 1024
		raw = strings.TrimSuffix(raw, "MB")
	case strings.HasSuffix(raw, "GB"):
		multiplier = 1024 * 1024 * 1024
		raw = strings.TrimSuffix(raw, "GB")
	case strings.HasSuffix(raw, "K"):
		multiplier = 1000 / 8
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = (1000 * 1000) / 8
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = (1000 * 1000 * 1000) / 8
		raw = strings.TrimSuffix(raw, "G")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size string: %s (must end with 'K','M','G','KB','MB','GB')", in)
	}
	return SizeString(v * multiplier), nil
}

// TunnelConfig is built once at startup and handed to every component by value.
type TunnelConfig struct {
	Name    string `yaml:"STName,omitempty"`
	Role    Role   `yaml:"STRole,omitempty"`
	Verbose bool   `yaml:"STVerbose,omitempty"`

	TCPPort          int `yaml:"STTcpPort,omitempty"`
	UDPPort          int `yaml:"STUdpPort,omitempty"`          // primary local relay port
	SecondaryUDPPort int `yaml:"STSecondaryUdpPort,omitempty"` // server side UDP bind port

	ListenAddress  string `yaml:"STListenAddress,omitempty"`  // server TCP bind host, "" = all
	UDPBindAddress string `yaml:"STUdpBindAddress,omitempty"` // default "127.0.0.1"
	RemoteAddress  string `yaml:"STRemoteAddress,omitempty"`  // client only
	UDPPeer        string `yaml:"STUdpPeer,omitempty"`        // "host:port", "" on client = learn

	DialTimeout    DurationString `yaml:"STDialTimeout,omitempty"`    // default "10s"
	AcceptTimeout  DurationString `yaml:"STAcceptTimeout,omitempty"`  // default 0 (forever)
	KeepAlive      DurationString `yaml:"STKeepAlive,omitempty"`      // default "15s"
	BandwidthLimit SizeString     `yaml:"STBandwidthLimit,omitempty"` // default -1 (unlimited)
	InterfaceName  string         `yaml:"STInterfaceName,omitempty"`

	MaxRestarts    int            `yaml:"STMaxRestarts,omitempty"`    // default 5
	RestartBackoff DurationString `yaml:"STRestartBackoff,omitempty"` // default "1s"

	StatusListenAddress string         `yaml:"STStatusListenAddress,omitempty"`
	StatsInterval       DurationString `yaml:"STStatsInterval,omitempty"` // default "15s"
}

// FileConfig is the on-disk YAML layout.
type FileConfig struct {
	Tunnel    TunnelConfig     `yaml:"SalmonTunnel"`
	GlobalLog *GlobalLogConfig `yaml:"GlobalLog,omitempty"`
}

const (
	DefaultUDPPort          = 4000
	DefaultSecondaryUDPPort = 4001
)

// SetDefaults sets default values for optional fields
func (c *TunnelConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "salmon-tunnel"
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.SecondaryUDPPort == 0 {
		c.SecondaryUDPPort = DefaultSecondaryUDPPort
	}
	if c.UDPBindAddress == "" {
		c.UDPBindAddress = "127.0.0.1"
	}
	if c.Role == RoleClient && c.RemoteAddress == "" {
		c.RemoteAddress = "127.0.0.1"
	}
	// The server always knows where its local peer lives. The client learns it.
	if c.Role == RoleServer && c.UDPPeer == "" {
		c.UDPPeer = net.JoinHostPort(c.UDPBindAddress, strconv.Itoa(c.UDPPort))
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DurationString(10 * time.Second)
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DurationString(15 * time.Second)
	}
	if c.BandwidthLimit == 0 {
		c.BandwidthLimit = -1
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.RestartBackoff == 0 {
		c.RestartBackoff = DurationString(time.Second)
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = DurationString(15 * time.Second)
	}
}

// SetDefaults fills the log section. No section logs to stdout; a section without a
// file name writes st.log, rotated at 20 MB with 5 backups kept for 28 days.
func (f *FileConfig) SetDefaults() {
	f.Tunnel.SetDefaults()
	if f.GlobalLog == nil {
		f.GlobalLog = &GlobalLogConfig{
			Filename:   "", // Empty string means log to stdout
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
		}
		return
	}
	if f.GlobalLog.Filename == "" {
		f.GlobalLog.Filename = "st.log"
	}
	if f.GlobalLog.MaxSize == 0 {
		f.GlobalLog.MaxSize = 20
	}
	if f.GlobalLog.MaxBackups == 0 {
		f.GlobalLog.MaxBackups = 5
	}
	if f.GlobalLog.MaxAge == 0 {
		f.GlobalLog.MaxAge = 28
	}
}

// Validate checks a defaulted config. It never touches the network.
func (c TunnelConfig) Validate() error {
	if c.Role != RoleServer && c.Role != RoleClient {
		return configErrorf("role must be %q or %q, got %q", RoleServer, RoleClient, c.Role)
	}
	for name, p := range map[string]int{
		"tcp port":           c.TCPPort,
		"udp port":           c.UDPPort,
		"secondary udp port": c.SecondaryUDPPort,
	} {
		if p < 1 || p > 65535 {
			return configErrorf("invalid %s %d (must be 1~65535)", name, p)
		}
	}
	if c.Role == RoleClient && c.RemoteAddress == "" {
		return configErrorf("client role needs a remote server address")
	}
	if c.UDPPeer != "" {
		_, port, err := net.SplitHostPort(c.UDPPeer)
		if err == nil {
			_, err = strconv.ParseUint(port, 10, 16)
		}
		if err != nil {
			return &ConfigError{Msg: fmt.Sprintf("invalid udp peer %q", c.UDPPeer), Err: err}
		}
		own := net.JoinHostPort(c.UDPBindAddress, strconv.Itoa(c.SecondaryUDPPort))
		if c.Role == RoleServer && sameLocalAddr(c.UDPPeer, own) {
			return configErrorf("udp peer %s is the server's own udp socket", c.UDPPeer)
		}
	}
	if c.MaxRestarts < 0 {
		return configErrorf("max restarts cannot be negative")
	}
	return nil
}

// ColocatedServerAddr is the UDP socket a server tunnel on this host with the same port
// settings sends from. It is empty unless this is a client whose remote is loopback and
// whose peer is learned. Datagrams from that address must not be relayed back.
func (c TunnelConfig) ColocatedServerAddr() string {
	if c.Role != RoleClient || c.UDPPeer != "" || !isLoopbackHost(c.RemoteAddress) {
		return ""
	}
	return net.JoinHostPort(c.UDPBindAddress, strconv.Itoa(c.SecondaryUDPPort))
}

func isLoopbackHost(h string) bool {
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isUnspecifiedHost(h string) bool {
	if h == "" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsUnspecified()
}

// sameLocalAddr reports whether peer reaches the socket bound at bind on this host.
func sameLocalAddr(peer, bind string) bool {
	ph, pp, err := net.SplitHostPort(peer)
	if err != nil {
		return false
	}
	bh, bp, err := net.SplitHostPort(bind)
	if err != nil || pp != bp {
		return false
	}
	switch {
	case ph == bh:
		return true
	case isUnspecifiedHost(bh):
		return isLoopbackHost(ph) || isUnspecifiedHost(ph)
	default:
		return isLoopbackHost(ph) && isLoopbackHost(bh)
	}
}

// LoadConfig loads config from YAML file and parses it. Defaults are applied by the caller
// once command line overrides are merged in.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("parse %s", path), Err: err}
	}
	return &cfg, nil
}
