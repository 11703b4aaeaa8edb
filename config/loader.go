package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the DENNIS_ prefix, except that the
// DeepInfra key is also picked up under its conventional name.
// Boolean values accept "1", "true", "yes" (case-insensitive);
// durations accept Go syntax ("1500ms") or plain seconds ("2").

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it BEFORE CLI flag
// parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DENNIS_MODE"); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v := os.Getenv("DENNIS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("DENNIS_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := envDuration("DENNIS_DELAY"); v > 0 {
		cfg.Delay = v
	}
	if v, ok := os.LookupEnv("DENNIS_RESPONDER_TIMEOUT"); ok && v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.ResponderTimeout = d
		}
	}
	if v := envInt("DENNIS_MAX_CONNS"); v > 0 {
		cfg.MaxConns = v
	}

	// Responder
	if v := os.Getenv("DENNIS_RESPONDER"); v != "" {
		cfg.Responder = strings.ToLower(v)
	}
	if v := os.Getenv("DENNIS_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("DEEPINFRA_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DENNIS_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DENNIS_MODEL"); v != "" {
		cfg.Model = v
	}
	if v, ok := envIntSet("DENNIS_RETRIES"); ok {
		cfg.Retries = v
	}

	// SSH tunnel
	if v := os.Getenv("DENNIS_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("DENNIS_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("DENNIS_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("DENNIS_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("DENNIS_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("DENNIS_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if envBool("DENNIS_NO_UI") {
		cfg.NoUI = true
	}
	if v := os.Getenv("DENNIS_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := envInt("DENNIS_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	n, _ := envIntSet(key)
	return n
}

// envIntSet distinguishes "unset or invalid" from an explicit zero.
func envIntSet(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	d, _ := parseDuration(os.Getenv(key))
	return d
}

func parseDuration(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
