// Package transport provides the ways a chat client reaches a server:
// a plain TCP dial, or a dial forwarded through an SSH gateway.  What
// travels over the resulting connection is the session layer's job.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound connections to a dennis server.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.  Close is a
// no-op.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Close does nothing.
func (f DialerFunc) Close() error { return nil }
