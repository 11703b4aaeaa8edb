package server

import (
	"context"
	"time"

	ncerr "dennis/internal/errors"
	"dennis/internal/responder"
	"dennis/internal/session"
)

// State is where a connection's pipeline currently is.
type State int

const (
	StateAwaitLine State = iota
	StateDelaying
	StateQuerying
	StateReplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitLine:
		return "AWAIT_LINE"
	case StateDelaying:
		return "DELAYING"
	case StateQuerying:
		return "QUERYING"
	case StateReplying:
		return "REPLYING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateHook observes pipeline transitions.  It runs on the session's
// goroutine, so it must not block.
type StateHook func(connID string, from, to State)

// pipeline relays one connection: read a line, wait, ask the
// responder, write the answer.  Exactly one line is in flight.
type pipeline struct {
	srv   *Server
	conn  *session.Conn
	state State
}

func (p *pipeline) run(ctx context.Context) {
	log := p.conn.Logger
	m := p.srv.metrics

	defer p.transition(StateClosed)
	defer p.conn.Close()
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	for {
		p.transition(StateAwaitLine)
		line, err := p.conn.ReadLine()
		if ncerr.Is(err, ncerr.ErrLineTooLong) {
			log.Warn("line over %d bytes skipped", session.MaxLineSize)
			m.LineReceived()
			if !p.refuse(ctx) {
				return
			}
			continue
		}
		if err != nil {
			if ncerr.IsClosed(err) || ctx.Err() != nil {
				log.Verbose("peer closed")
			} else {
				log.Error("%v", err)
				m.RecordIOError(err.Error())
			}
			return
		}
		m.LineReceived()
		log.Debug("line received (%d bytes)", len(line))

		p.transition(StateDelaying)
		if !sleep(ctx, p.srv.cfg.Delay) {
			return
		}

		p.transition(StateQuerying)
		start := time.Now()
		reply, ok := p.query(ctx, line)
		if !ok {
			return
		}
		m.ResponderLatency(time.Since(start))

		p.transition(StateReplying)
		if err := p.conn.WriteLine(reply); err != nil {
			if !ncerr.IsClosed(err) {
				log.Error("%v", err)
				m.RecordIOError(err.Error())
			}
			return
		}
		sentinel := responder.IsSentinel(reply)
		m.ReplySent(sentinel)
		if sentinel {
			log.Warn("relayed responder failure: %s", reply)
		}
	}
}

// refuse answers a line that was too long to read with OversizeReply,
// after the usual delay.  It reports whether the session can go on.
func (p *pipeline) refuse(ctx context.Context) bool {
	p.transition(StateDelaying)
	if !sleep(ctx, p.srv.cfg.Delay) {
		return false
	}
	p.transition(StateReplying)
	if err := p.conn.WriteLine(OversizeReply); err != nil {
		if !ncerr.IsClosed(err) {
			p.conn.Logger.Error("%v", err)
			p.srv.metrics.RecordIOError(err.Error())
		}
		return false
	}
	p.srv.metrics.ReplySent(true)
	return true
}

// query calls the responder under the configured timeout.  The result
// of a responder that ignores its context is abandoned at the deadline.
// ok is false only when the session itself is shutting down.
func (p *pipeline) query(ctx context.Context, line string) (reply string, ok bool) {
	qctx, cancel := ctx, context.CancelFunc(func() {})
	if t := p.srv.cfg.ResponderTimeout; t > 0 {
		qctx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	out := make(chan string, 1)
	go func() { out <- p.srv.responder.Respond(qctx, line) }()

	select {
	case reply = <-out:
		return reply, ctx.Err() == nil
	case <-qctx.Done():
		if ctx.Err() != nil {
			return "", false
		}
		p.conn.Logger.Warn("responder timed out after %v", p.srv.cfg.ResponderTimeout)
		return responder.TimeoutReply, true
	}
}

func (p *pipeline) transition(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	if hook := p.srv.hook; hook != nil {
		hook(p.conn.ID, from, to)
	}
}

// sleep waits d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
