// Package config defines the runtime configuration for dennis and
// provides helpers for parsing tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	ncerr "dennis/internal/errors"
	"dennis/util"
)

// Mode selects which halves of the system a process runs.
type Mode string

const (
	ModeAll    Mode = "all"    // server and client in one process
	ModeServer Mode = "server" // listener only
	ModeClient Mode = "client" // client only, dialing an existing server
)

// Responder names.
const (
	ResponderOpenAI = "openai"
	ResponderEcho   = "echo"
)

// Config holds every tuneable for a dennis process.
type Config struct {
	Mode Mode

	// ── Connection ───────────────────────────────────────────────────
	Host        string
	Port        int
	ConnTimeout time.Duration

	// ── Server pipeline ──────────────────────────────────────────────
	Delay            time.Duration // wait before each reply
	ResponderTimeout time.Duration // 0 = unbounded
	MaxConns         int

	// ── Responder ────────────────────────────────────────────────────
	Responder       string // "openai" or "echo"
	Endpoint        string
	APIKey          string
	Model           string
	Retries         int
	BreakerFailures int
	BreakerReset    time.Duration

	// ── SSH tunnel (client side) ─────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	NoUI    bool
	LogFile string
	Verbose int
	DryRun  bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Mode:             ModeAll,
		Host:             DefaultHost,
		Port:             DefaultPort,
		ConnTimeout:      DefaultConnTimeout,
		Delay:            DefaultDelay,
		ResponderTimeout: DefaultResponderTimeout,
		MaxConns:         DefaultMaxConns,
		Responder:        DefaultResponder,
		Endpoint:         DefaultEndpoint,
		Model:            DefaultModel,
		Retries:          DefaultRetries,
		BreakerFailures:  DefaultBreakerFailures,
		BreakerReset:     DefaultBreakerReset,
	}
}

// Address returns the host:port the server binds and the client dials.
func (c *Config) Address() string {
	return util.FormatAddr(c.Host, c.Port)
}

// RunsServer reports whether the mode includes the listener.
func (c *Config) RunsServer() bool { return c.Mode == ModeAll || c.Mode == ModeServer }

// RunsClient reports whether the mode includes the chat client.
func (c *Config) RunsClient() bool { return c.Mode == ModeAll || c.Mode == ModeClient }

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeServer, ModeClient:
	default:
		return &ncerr.ConfigError{
			Field:   "mode",
			Value:   c.Mode,
			Message: "unknown mode",
			Hint:    "use one of: all, server, client",
		}
	}

	if c.Host == "" {
		return &ncerr.ConfigError{Field: "host", Message: "host is required"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   c.Port,
			Message: "out of range 1-65535",
		}
	}

	if c.RunsServer() {
		if err := c.validateServer(); err != nil {
			return err
		}
	}

	if c.TunnelEnabled {
		if c.Mode != ModeClient {
			return &ncerr.ConfigError{
				Field:   "tunnel",
				Value:   c.TunnelSpec,
				Message: "SSH tunnels are only supported in client mode",
				Hint:    "add --mode=client to reach a remote dennis server",
			}
		}
		if c.TunnelHost == "" {
			return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
		}
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Delay < MinDelay {
		return &ncerr.ConfigError{
			Field:   "delay",
			Value:   c.Delay,
			Message: fmt.Sprintf("must be at least %v", MinDelay),
		}
	}
	if c.ResponderTimeout < 0 {
		return &ncerr.ConfigError{
			Field:   "responder-timeout",
			Value:   c.ResponderTimeout,
			Message: "must not be negative",
			Hint:    "use 0 to disable the timeout",
		}
	}
	if c.MaxConns < 1 {
		return &ncerr.ConfigError{
			Field:   "max-conns",
			Value:   c.MaxConns,
			Message: "must be at least 1",
		}
	}
	if c.Retries < 0 {
		return &ncerr.ConfigError{Field: "retries", Value: c.Retries, Message: "must not be negative"}
	}

	switch c.Responder {
	case ResponderEcho:
	case ResponderOpenAI:
		if c.APIKey == "" && !c.DryRun {
			return &ncerr.ConfigError{
				Field:   "api-key",
				Message: "required with --responder=openai",
				Hint:    "set DENNIS_API_KEY or DEEPINFRA_API_KEY, or use --responder=echo",
			}
		}
		if c.Endpoint == "" {
			return &ncerr.ConfigError{Field: "endpoint", Message: "endpoint is required"}
		}
		if c.Model == "" {
			return &ncerr.ConfigError{Field: "model", Message: "model is required"}
		}
	default:
		return &ncerr.ConfigError{
			Field:   "responder",
			Value:   c.Responder,
			Message: "unknown responder",
			Hint:    "use openai or echo",
		}
	}
	return nil
}
