// Package acceptor owns the listening socket.  It turns accepted TCP
// connections into a channel of line-framed sessions and raises the
// readiness signal once the socket is bound.
package acceptor

import (
	"context"
	"net"
	"sync"

	ncerr "dennis/internal/errors"
	"dennis/internal/ready"
	"dennis/internal/session"
	"dennis/util"
)

// Acceptor binds one listener for its lifetime.  To listen again,
// create a new Acceptor.
type Acceptor struct {
	ready  *ready.Signal
	logger *util.Logger
	base   *util.Logger // untagged, for the connections it hands out

	mu      sync.Mutex
	ln      net.Listener
	started bool
	err     error
}

// New returns an Acceptor that sets sig to true when it binds.  sig may
// be nil when nothing waits on readiness.
func New(sig *ready.Signal, logger *util.Logger) *Acceptor {
	if logger == nil {
		logger = util.Discard()
	}
	return &Acceptor{ready: sig, logger: logger.With("acceptor"), base: logger}
}

// Listen binds address and starts the accept loop.  Each accepted
// connection is delivered on the returned channel, which is closed when
// ctx is cancelled or the listener fails.  A bind failure is returned
// as a *BindError and nothing is delivered.
func (a *Acceptor) Listen(ctx context.Context, address string) (<-chan *session.Conn, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil, ncerr.ErrAlreadyListening
	}
	a.started = true
	a.mu.Unlock()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		bindErr := &ncerr.BindError{Addr: address, Err: err}
		a.setErr(bindErr)
		return nil, bindErr
	}

	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	a.logger.Info("listening on %s", ln.Addr())
	if a.ready != nil {
		a.ready.Set(true)
	}

	// Shut the listener down when the context expires.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	out := make(chan *session.Conn)
	go a.loop(ctx, ln, out)
	return out, nil
}

// Addr returns the bound address, or nil before a successful Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Err returns the error that ended the accept loop.  It is nil while
// the loop runs and after a clean shutdown.
func (a *Acceptor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Acceptor) loop(ctx context.Context, ln net.Listener, out chan<- *session.Conn) {
	defer close(out)
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				a.logger.Verbose("stopped accepting")
				return
			default:
			}
			if ncerr.IsClosed(err) {
				a.logger.Verbose("listener closed")
				return
			}
			wrapped := ncerr.Wrap("accept", ln.Addr().String(), err)
			a.logger.Error("%v", wrapped)
			a.setErr(wrapped)
			return
		}

		sess := session.New(conn, a.base)
		sess.Logger.Verbose("accepted %s", sess.RemoteAddr())

		select {
		case out <- sess:
		case <-ctx.Done():
			sess.Close()
			return
		}
	}
}

func (a *Acceptor) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}
