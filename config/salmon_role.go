package config

import "fmt"

// Role is the operating mode of a tunnel. It is fixed for the life of the process.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

func (r Role) String() string {
	return string(r)
}

// LogPrefix is the upper case tag every log line of this role starts with.
func (r Role) LogPrefix() string {
	switch r {
	case RoleServer:
		return "SERVER"
	case RoleClient:
		return "CLIENT"
	default:
		return "TUNNEL"
	}
}

// ConfigError reports an invalid or contradictory configuration. It is raised
// before any socket is opened and is never worth a restart.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// RoleIndicators carries the role selectors that were actually supplied.
// A nil pointer means the selector was absent.
type RoleIndicators struct {
	Server *int
	Client *int
}

// ResolveRole derives the role and its TCP port. Exactly one indicator must be present.
func ResolveRole(ind RoleIndicators) (Role, int, error) {
	switch {
	case ind.Server != nil && ind.Client != nil:
		return "", 0, configErrorf("--server and --client are mutually exclusive")
	case ind.Server != nil:
		return RoleServer, *ind.Server, nil
	case ind.Client != nil:
		return RoleClient, *ind.Client, nil
	default:
		return "", 0, configErrorf("one of --server PORT or --client PORT is required")
	}
}

// IndicatorsFromFile maps the STRole/STTcpPort pair of a config file onto role
// indicators, so a file and the command line go through the same resolver.
func IndicatorsFromFile(c TunnelConfig) (RoleIndicators, error) {
	port := c.TCPPort
	switch c.Role {
	case "":
		return RoleIndicators{}, nil
	case RoleServer:
		return RoleIndicators{Server: &port}, nil
	case RoleClient:
		return RoleIndicators{Client: &port}, nil
	default:
		return RoleIndicators{}, configErrorf("unknown STRole %q", c.Role)
	}
}
