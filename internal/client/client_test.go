package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"dennis/internal/acceptor"
	ncerr "dennis/internal/errors"
	"dennis/internal/ready"
	"dennis/internal/responder"
	"dennis/internal/server"
	"dennis/internal/session"
	"dennis/internal/transport"
	"dennis/internal/ui"
	"dennis/util"
)

// screen is a Surface that records text and the latest gate value.
type screen struct {
	mu    sync.Mutex
	text  strings.Builder
	gate  bool
	gates []bool
}

func (s *screen) Append(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(t)
}

func (s *screen) SetInputEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = on
	s.gates = append(s.gates, on)
}

func (s *screen) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *screen) enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeServer accepts one connection and hands it to handle.
func fakeServer(t *testing.T, handle func(c net.Conn, r *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handle(c, bufio.NewReader(c))
	}()
	return ln.Addr().String()
}

// realServer runs the actual acceptor and server with r as responder.
func realServer(t *testing.T, delay time.Duration, r responder.Responder) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a := acceptor.New(nil, util.NewLogger(0))
	conns, err := a.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(r, server.Config{Delay: delay}, util.NewLogger(0))
	go srv.Serve(ctx, conns) //nolint:errcheck
	return a.Addr().String()
}

func newSession(t *testing.T, addr string, opts ...Option) (*Session, *screen) {
	t.Helper()
	scr := &screen{}
	disp := ui.NewDispatcher(scr)
	s := New(addr, &transport.TCPDialer{Timeout: time.Second}, disp, util.NewLogger(0), opts...)
	t.Cleanup(func() {
		s.Close()
		disp.Close()
		disp.Wait()
	})
	return s, scr
}

func greeter(prompt string) string {
	if prompt == Directive {
		return "Hi, I'm Dennis. Can I help?"
	}
	return "you said " + prompt
}

func TestSession_HelloScenario(t *testing.T) {
	const delay = 100 * time.Millisecond
	addr := realServer(t, delay, responder.Func(func(_ context.Context, p string) string { return greeter(p) }))
	s, scr := newSession(t, addr)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return strings.Contains(scr.String(), "Can I help?") }, "greeting")

	sent := time.Now()
	if !s.Submit("hello") {
		t.Fatal("Submit refused while ready")
	}
	eventually(t, func() bool { return s.InputEnabled() && scr.enabled() }, "gate re-enabled")
	if took := time.Since(sent); took < delay {
		t.Errorf("reply after %v, want >= %v", took, delay)
	}

	want := "Dennis: Hi, I'm Dennis. Can I help?\n\n" +
		"You: hello\n\n" +
		"Dennis: you said hello\n\n"
	if got := scr.String(); got != want {
		t.Errorf("screen:\n%q\nwant:\n%q", got, want)
	}
}

func TestSession_Transcript(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n')           //nolint:errcheck
		fmt.Fprintf(c, "hi there\n") //nolint:errcheck
		r.ReadString('\n')           //nolint:errcheck
		fmt.Fprintf(c, "pong\n")     //nolint:errcheck
		r.ReadString('\n')           //nolint:errcheck
	})
	s, _ := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(s.Transcript()) == 2 }, "greeting")
	s.Submit("ping")
	eventually(t, func() bool { return len(s.Transcript()) == 4 }, "reply")
	s.Close()

	got := s.Transcript()
	want := []session.Message{
		{Role: session.RoleDirective, Text: Directive},
		{Role: session.RoleReply, Text: "hi there"},
		{Role: session.RoleUser, Text: "ping"},
		{Role: session.RoleReply, Text: "pong"},
	}
	if len(got) != len(want) {
		t.Fatalf("transcript = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transcript[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSession_OversizeReplyKeepsSession(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n')                                                //nolint:errcheck
		fmt.Fprintf(c, "%s\n", strings.Repeat("z", session.MaxLineSize+1)) //nolint:errcheck
		r.ReadString('\n')                                                //nolint:errcheck
		fmt.Fprintf(c, "fine\n")                                          //nolint:errcheck
		r.ReadString('\n')                                                //nolint:errcheck
	})
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return strings.Contains(scr.String(), NoticeReplyTooLong) && s.InputEnabled() }, "too-long notice")
	if s.State() != StateReady {
		t.Fatalf("state = %s, want READY_FOR_INPUT", s.State())
	}

	if !s.Submit("again") {
		t.Fatal("Submit refused after an oversized reply")
	}
	eventually(t, func() bool { return strings.HasSuffix(scr.String(), "Dennis: fine\n\n") && s.InputEnabled() }, "next reply")
}

func TestSession_GateOpenAfterConcurrentClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		addr := fakeServer(t, func(_ net.Conn, r *bufio.Reader) {
			for {
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
			}
		})
		scr := &screen{}
		disp := ui.NewDispatcher(scr)
		s := New(addr, &transport.TCPDialer{Timeout: time.Second}, disp, util.NewLogger(0))
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		submitted := make(chan struct{})
		go func() {
			defer close(submitted)
			s.Submit("racing")
		}()
		s.Close()
		<-submitted
		disp.Close()
		disp.Wait()

		if !scr.enabled() {
			t.Fatalf("iteration %d: surface left read-only after close", i)
		}
	}
}

func TestSession_DirectiveFirst(t *testing.T) {
	lines := make(chan string, 4)
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSuffix(l, "\n")
			fmt.Fprintf(c, "ack\n")
		}
	})
	s, _ := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Submit("first user line")

	if got := <-lines; got != Directive {
		t.Fatalf("first line = %q, want directive", got)
	}
	if got := <-lines; got != "first user line" {
		t.Errorf("second line = %q", got)
	}
}

func TestSession_GateHeldUntilReplyRendered(t *testing.T) {
	release := make(chan struct{})
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n') //nolint:errcheck // directive
		fmt.Fprintf(c, "greeting\n")
		r.ReadString('\n') //nolint:errcheck
		<-release
		fmt.Fprintf(c, "reply\n")
		r.ReadString('\n') //nolint:errcheck
	})
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return strings.Contains(scr.String(), "greeting") && s.InputEnabled() }, "greeting")

	if !s.Submit("one") {
		t.Fatal("first Submit refused")
	}
	if s.InputEnabled() || s.State() != StateAwaitingReply {
		t.Fatalf("after send: enabled=%v state=%s", s.InputEnabled(), s.State())
	}
	if s.Submit("two") {
		t.Fatal("second Submit accepted while a reply was outstanding")
	}
	eventually(t, func() bool { return !scr.enabled() }, "surface gate disabled")

	close(release)
	eventually(t, func() bool { return s.InputEnabled() && scr.enabled() }, "gate re-enabled")
	if !strings.HasSuffix(scr.String(), "Dennis: reply\n\n") {
		t.Errorf("screen = %q", scr.String())
	}
	if strings.Contains(scr.String(), "two") {
		t.Error("refused submission reached the screen")
	}
}

func TestSession_GreetingDoesNotReopenGateEarly(t *testing.T) {
	sendGreeting := make(chan struct{})
	sendReply := make(chan struct{})
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n') //nolint:errcheck
		r.ReadString('\n') //nolint:errcheck
		<-sendGreeting
		fmt.Fprintf(c, "greeting\n")
		<-sendReply
		fmt.Fprintf(c, "reply\n")
		r.ReadString('\n') //nolint:errcheck
	})
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Submit("quick") {
		t.Fatal("Submit refused right after connect")
	}

	close(sendGreeting)
	eventually(t, func() bool { return strings.Contains(scr.String(), "greeting") }, "greeting")
	time.Sleep(20 * time.Millisecond)
	if s.InputEnabled() || scr.enabled() {
		t.Fatal("greeting re-enabled input while the user's line was outstanding")
	}

	close(sendReply)
	eventually(t, func() bool { return s.InputEnabled() && scr.enabled() }, "gate after reply")
}

func TestSession_BlankSubmitIsNoop(t *testing.T) {
	got := make(chan string, 4)
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			got <- l
		}
	})
	var transitions []string
	s, scr := newSession(t, addr, WithStateHook(func(from, to State) {
		transitions = append(transitions, to.String())
	}))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-got // directive

	for _, blank := range []string{"", "   ", "\t\n"} {
		if s.Submit(blank) {
			t.Errorf("Submit(%q) = true", blank)
		}
	}
	if s.State() != StateReady {
		t.Errorf("state = %s", s.State())
	}
	select {
	case l := <-got:
		t.Errorf("blank submission sent %q", l)
	case <-time.After(50 * time.Millisecond):
	}
	if strings.Contains(scr.String(), UserLabel) {
		t.Error("blank submission rendered")
	}
	if strings.Join(transitions, ",") != "READY_FOR_INPUT" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	s, scr := newSession(t, util.FormatAddr("127.0.0.1", port))

	err = s.Start(context.Background())
	var ce *ncerr.ConnectError
	if !ncerr.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	eventually(t, func() bool { return scr.String() != "" }, "notice")
	if got := scr.String(); got != "Dennis: [Error] Could not connect to server.\n\n" {
		t.Errorf("screen = %q", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

func TestSession_ConnectionLost(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n') //nolint:errcheck
	})
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after server hung up")
	}
	eventually(t, func() bool { return strings.Contains(scr.String(), NoticeConnectionLost) }, "lost notice")
	eventually(t, scr.enabled, "gate re-enabled after loss")

	if s.Submit("anyone there?") {
		t.Error("Submit accepted on a closed session")
	}
	eventually(t, func() bool { return strings.Contains(scr.String(), NoticeNotConnected) }, "not-connected notice")
}

func TestSession_SentinelRendered(t *testing.T) {
	sentinel := "[API Error] 401 – Unauthorized"
	addr := realServer(t, 0, responder.Func(func(context.Context, string) string { return sentinel }))
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, s.InputEnabled, "greeting")
	eventually(t, func() bool { return strings.Count(scr.String(), sentinel) == 1 }, "greeting sentinel")

	s.Submit("hello")
	eventually(t, func() bool { return strings.Count(scr.String(), sentinel) == 2 && s.InputEnabled() }, "reply sentinel")
	if !strings.HasSuffix(scr.String(), "Dennis: "+sentinel+"\n\n") {
		t.Errorf("screen = %q", scr.String())
	}
}

func TestSession_EmptyReplyReenablesGate(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn, r *bufio.Reader) {
		r.ReadString('\n') //nolint:errcheck
		fmt.Fprintf(c, "\n")
		r.ReadString('\n') //nolint:errcheck
		fmt.Fprintf(c, "   \n")
		r.ReadString('\n') //nolint:errcheck
	})
	s, scr := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, s.InputEnabled, "ready")
	s.Submit("hi")
	eventually(t, func() bool { return s.InputEnabled() && scr.enabled() }, "gate after blank reply")

	if strings.Contains(scr.String(), ReplyLabel) {
		t.Errorf("blank reply rendered: %q", scr.String())
	}
}

func TestSession_WaitsForReadiness(t *testing.T) {
	sig := ready.New()
	dialed := make(chan struct{}, 1)
	d := transport.DialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed <- struct{}{}
		a, b := net.Pipe()
		go func() {
			br := bufio.NewReader(b)
			for {
				if _, err := br.ReadString('\n'); err != nil {
					return
				}
			}
		}()
		return a, nil
	})

	disp := ui.NewDispatcher(&screen{})
	defer disp.Close()
	s := New("in-memory", d, disp, util.NewLogger(0), WithReadiness(sig))
	defer s.Close()

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()

	select {
	case <-dialed:
		t.Fatal("dialed before readiness")
	case <-time.After(50 * time.Millisecond):
	}

	sig.Set(true)
	select {
	case <-dialed:
	case <-time.After(time.Second):
		t.Fatal("did not dial after readiness")
	}
	if err := <-started; err != nil {
		t.Fatal(err)
	}
}

func TestSession_StateTransitions(t *testing.T) {
	addr := realServer(t, 0, responder.Echo{})
	var mu sync.Mutex
	var seen []string
	s, _ := newSession(t, addr, WithStateHook(func(from, to State) {
		mu.Lock()
		seen = append(seen, to.String())
		mu.Unlock()
	}))

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, s.InputEnabled, "ready")
	time.Sleep(20 * time.Millisecond) // let the greeting land
	s.Submit("x")
	eventually(t, func() bool { return s.State() == StateReady && s.InputEnabled() }, "reply")
	s.Close()
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	want := "READY_FOR_INPUT,AWAITING_REPLY,READY_FOR_INPUT,CLOSED"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("transitions = %s, want %s", got, want)
	}
}

func TestSession_StartTwice(t *testing.T) {
	addr := realServer(t, 0, responder.Echo{})
	s, _ := newSession(t, addr)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !ncerr.Is(err, ncerr.ErrClosed) {
		t.Errorf("second Start err = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateConnecting:    "CONNECTING",
		StateReady:         "READY_FOR_INPUT",
		StateAwaitingReply: "AWAITING_REPLY",
		StateClosed:        "CLOSED",
		State(42):          "UNKNOWN",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}
