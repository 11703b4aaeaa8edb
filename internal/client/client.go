// Package client is the chat client's session state machine.
//
// A Session dials the server, sends the naming directive, and then
// relays one user line at a time.  Input is gated: once a line is sent,
// nothing else can be submitted until its reply is on screen.  All
// output, including the gate itself, goes through a ui.Dispatcher.
package client

import (
	"context"
	"strings"
	"sync"

	ncerr "dennis/internal/errors"
	"dennis/internal/ready"
	"dennis/internal/session"
	"dennis/internal/transport"
	"dennis/internal/ui"
	"dennis/util"
)

// Directive is sent as the first line of every connection.
const Directive = "Your name is Dennis. Answer in one short sentence and ask if you can help."

// Labels and notices as they appear on screen.
const (
	ReplyLabel = "Dennis: "
	UserLabel  = "You: "

	NoticeConnectFailed  = "[Error] Could not connect to server."
	NoticeConnectionLost = "[Error] Connection to server lost."
	NoticeNotConnected   = "[Error] Not connected."
	NoticeReplyTooLong   = "[Error] Reply too long to display."
)

// State is the session's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateAwaitingReply
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY_FOR_INPUT"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Option customises a Session.
type Option func(*Session)

// WithReadiness makes Start wait for sig before dialing.
func WithReadiness(sig *ready.Signal) Option {
	return func(s *Session) { s.ready = sig }
}

// WithStateHook observes state transitions.  It is called with the
// session's lock held and must not call back into the Session.
func WithStateHook(h func(from, to State)) Option {
	return func(s *Session) { s.hook = h }
}

// WithDirective replaces the opening line.
func WithDirective(d string) Option {
	return func(s *Session) { s.directive = d }
}

// Session is one client connection.
type Session struct {
	addr      string
	dialer    transport.Dialer
	ui        *ui.Dispatcher
	logger    *util.Logger
	ready     *ready.Signal
	hook      func(from, to State)
	directive string

	mu      sync.Mutex
	state   State
	gate    bool // input accepted
	pending int  // lines sent whose reply has not arrived
	started bool
	conn    *session.Conn
	history []session.Message

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a session that will dial addr with d and render to disp.
func New(addr string, d transport.Dialer, disp *ui.Dispatcher, logger *util.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = util.Discard()
	}
	s := &Session{
		addr:      addr,
		dialer:    d,
		ui:        disp,
		logger:    logger.With("client"),
		directive: Directive,
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start connects and sends the directive.  On failure the error notice
// is rendered, the session is closed and a *ConnectError is returned.
// The read loop runs until the connection ends or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.state == StateClosed {
		s.mu.Unlock()
		return ncerr.ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	if s.ready != nil {
		if err := s.ready.Wait(ctx); err != nil {
			s.shutdown(false)
			return err
		}
	}

	s.logger.Verbose("connecting to %s", s.addr)
	raw, err := s.dialer.Dial(ctx, "tcp", s.addr)
	if err != nil {
		connErr := &ncerr.ConnectError{Addr: s.addr, Err: err}
		s.logger.Error("%v", connErr)
		s.notice(NoticeConnectFailed)
		s.shutdown(false)
		return connErr
	}

	conn := session.New(raw, s.logger)
	if err := conn.WriteLine(s.directive); err != nil {
		conn.Close()
		s.logger.Error("sending directive: %v", err)
		s.notice(NoticeConnectFailed)
		s.shutdown(false)
		return &ncerr.ConnectError{Addr: s.addr, Err: err}
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Closed while dialing.
		s.mu.Unlock()
		conn.Close()
		return ncerr.ErrClosed
	}
	s.conn = conn
	s.history = append(s.history, session.Message{Role: session.RoleDirective, Text: s.directive})
	s.pending = 1 // the directive's greeting
	s.gate = true
	s.transition(StateReady)
	s.ui.Submit(ui.Render{Gate: ui.GateEnable})
	s.mu.Unlock()

	s.logger.Info("connected to %s", conn.RemoteAddr())

	stop := context.AfterFunc(ctx, s.Close)
	go func() {
		defer stop()
		s.readLoop(conn)
	}()
	return nil
}

// Submit sends one user line.  Blank text is ignored.  It returns true
// only when the line was sent; while a reply is outstanding nothing is
// sent and false is returned.
func (s *Session) Submit(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.noticeLocked(NoticeNotConnected)
		s.mu.Unlock()
		return false
	case s.state == StateConnecting || !s.gate:
		s.mu.Unlock()
		return false
	}
	s.gate = false
	s.pending++
	s.transition(StateAwaitingReply)
	msg := session.Message{Role: session.RoleUser, Text: text}
	s.history = append(s.history, msg)
	conn := s.conn
	// Queued under the lock so a concurrent shutdown's enable lands after it.
	s.ui.Submit(ui.Render{Fragments: fragments(msg), Gate: ui.GateDisable})
	s.mu.Unlock()

	if err := conn.WriteLine(text); err != nil {
		s.lost(err)
		return false
	}
	conn.Logger.Debug("sent %d bytes", len(text))
	return true
}

// Close ends the session without a notice.  It is idempotent.
func (s *Session) Close() { s.shutdown(false) }

// Done is closed when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the messages of this session in the order they
// were sent, received or raised.
func (s *Session) Transcript() []session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Message(nil), s.history...)
}

// InputEnabled reports whether Submit would currently send.
func (s *Session) InputEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate && s.state != StateConnecting
}

// ── internal ─────────────────────────────────────────────────────────

func (s *Session) readLoop(conn *session.Conn) {
	for {
		line, err := conn.ReadLine()
		if ncerr.Is(err, ncerr.ErrLineTooLong) {
			s.logger.Warn("reply over %d bytes skipped", session.MaxLineSize)
			s.deliver(session.Message{Role: session.RoleError, Text: NoticeReplyTooLong})
			continue
		}
		if err != nil {
			s.lost(err)
			return
		}
		s.deliver(session.Message{Role: session.RoleReply, Text: strings.TrimSpace(line)})
	}
}

// deliver renders one reply.  The gate opens only when no sent line is
// still waiting for its answer, and only after the reply is shown.
func (s *Session) deliver(msg session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
	}
	last := s.pending == 0

	r := ui.Render{Gate: ui.GateKeep}
	if msg.Text != "" {
		s.history = append(s.history, msg)
		r.Fragments = fragments(msg)
	}
	if last {
		r.Gate = ui.GateEnable
		r.Then = func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.state != StateClosed && s.pending == 0 {
				s.gate = true
				s.transition(StateReady)
			}
		}
	}
	if r.Fragments == nil && r.Then == nil {
		return
	}
	s.ui.Submit(r)
}

// lost handles a read or write failure on an open connection.
func (s *Session) lost(err error) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}

	if ncerr.IsClosed(err) {
		s.logger.Verbose("server closed the connection")
	} else {
		s.logger.Error("%v", err)
	}
	s.shutdown(true)
}

// shutdown moves to CLOSED once.  With notify the connection-lost
// notice is rendered.  The gate is re-enabled either way so the surface
// is never left frozen.
func (s *Session) shutdown(notify bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.transition(StateClosed)
		s.gate = true
		conn := s.conn
		if notify {
			s.noticeLocked(NoticeConnectionLost)
		} else {
			s.ui.Submit(ui.Render{Gate: ui.GateEnable})
		}
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		close(s.done)
	})
}

func (s *Session) notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noticeLocked(text)
}

// noticeLocked renders an error line and opens the gate.  s.mu is held.
func (s *Session) noticeLocked(text string) {
	msg := session.Message{Role: session.RoleError, Text: text}
	s.history = append(s.history, msg)
	s.ui.Submit(ui.Render{Fragments: fragments(msg), Gate: ui.GateEnable})
}

// fragments lays a message out as label, text and a blank line.
func fragments(m session.Message) []string {
	label := ReplyLabel
	if m.Role == session.RoleUser {
		label = UserLabel
	}
	return []string{label, m.Text, "\n\n"}
}

func (s *Session) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if s.hook != nil {
		s.hook(from, to)
	}
}
