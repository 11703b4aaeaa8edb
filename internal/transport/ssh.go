package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"dennis/tunnel"
	"dennis/util"
)

// SSHDialer routes client connections through an SSH gateway.  The
// tunnel is connected lazily on the first Dial and torn down on Close.
type SSHDialer struct {
	tunnel tunnel.Tunnel
	logger *util.Logger
	mu     sync.Mutex
	label  string
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel to the gateway described by cfg.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		logger: logger,
		label:  fmt.Sprintf("%s@%s:%d", cfg.User, cfg.Host, cfg.Port),
	}
}

// NewTunnelDialer wraps an arbitrary Tunnel.
func NewTunnelDialer(t tunnel.Tunnel, logger *util.Logger) *SSHDialer {
	return &SSHDialer{tunnel: t, logger: logger, label: "tunnel"}
}

// connect establishes the tunnel unless it is already up.  A tunnel
// that died since the last Dial is re-established.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel.IsAlive() {
		return nil
	}

	d.logger.Verbose("establishing SSH tunnel to %s", d.label)
	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	d.logger.Verbose("SSH tunnel established")
	return nil
}

// Dial connects to address through the SSH tunnel.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tunnel.Close()
}
