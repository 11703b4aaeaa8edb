package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dennis/internal/acceptor"
	"dennis/internal/metrics"
	"dennis/internal/responder"
	"dennis/internal/session"
	"dennis/util"
)

type harness struct {
	addr    string
	metrics *metrics.Collector
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, cfg Config, r responder.Responder, opts ...Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	a := acceptor.New(nil, util.NewLogger(0))
	conns, err := a.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		cancel()
		t.Fatal(err)
	}

	m := metrics.New()
	srv := New(r, cfg, util.NewLogger(0), append(opts, WithMetrics(m))...)
	h := &harness{addr: a.Addr().String(), metrics: m, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- srv.Serve(ctx, conns) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return h
}

type client struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &client{Conn: c, r: bufio.NewReader(c)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(c, "%s\n", line); err != nil {
		t.Fatal(err)
	}
}

func (c *client) recv(t *testing.T) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func prefix(p string) responder.Responder {
	return responder.Func(func(_ context.Context, s string) string { return p + s })
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ReplyAfterDelay(t *testing.T) {
	const delay = 200 * time.Millisecond
	h := start(t, Config{Delay: delay}, prefix("re: "))
	c := dial(t, h.addr)

	sent := time.Now()
	c.send(t, "hello")
	if got := c.recv(t); got != "re: hello" {
		t.Errorf("reply = %q", got)
	}
	if took := time.Since(sent); took < delay {
		t.Errorf("reply after %v, want >= %v", took, delay)
	}
}

func TestServer_OneForOneInOrder(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	r := responder.Func(func(_ context.Context, s string) string {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return "#" + s
	})
	h := start(t, Config{Delay: 10 * time.Millisecond}, r)
	c := dial(t, h.addr)

	lines := []string{"one", "two", "three", "four"}
	for _, l := range lines {
		c.send(t, l)
	}
	for _, l := range lines {
		if got := c.recv(t); got != "#"+l {
			t.Errorf("reply = %q, want %q", got, "#"+l)
		}
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("max in flight = %d, want 1", maxInFlight.Load())
	}
	if h.metrics.LinesReceived() != 4 || h.metrics.RepliesSent() != 4 {
		t.Errorf("metrics: %+v", h.metrics.Snapshot())
	}
}

func TestServer_SentinelRelayed(t *testing.T) {
	sentinel := responder.ConnectionErrorReply("DeepInfra")
	h := start(t, Config{}, responder.Func(func(context.Context, string) string { return sentinel }))
	c := dial(t, h.addr)

	c.send(t, "hello")
	if got := c.recv(t); got != sentinel {
		t.Errorf("reply = %q, want %q", got, sentinel)
	}
	eventually(t, func() bool { return h.metrics.Sentinels() == 1 }, "sentinel count")
}

func TestServer_MultilineReplyFlattened(t *testing.T) {
	h := start(t, Config{}, responder.Func(func(context.Context, string) string { return "a\nb" }))
	c := dial(t, h.addr)

	c.send(t, "x")
	if got := c.recv(t); got != "a b" {
		t.Errorf("reply = %q, want %q", got, "a b")
	}
}

func TestServer_OversizeLineAnswered(t *testing.T) {
	var calls atomic.Int32
	r := responder.Func(func(_ context.Context, s string) string {
		calls.Add(1)
		return "echo: " + s
	})
	h := start(t, Config{Delay: 10 * time.Millisecond}, r)
	c := dial(t, h.addr)

	c.send(t, strings.Repeat("x", session.MaxLineSize+1))
	c.send(t, "short")

	if got := c.recv(t); got != OversizeReply {
		t.Fatalf("first reply = %q, want %q", got, OversizeReply)
	}
	if got := c.recv(t); got != "echo: short" {
		t.Errorf("second reply = %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("responder calls = %d, want 1", calls.Load())
	}
	if n := h.metrics.Sentinels(); n != 1 {
		t.Errorf("sentinels = %d, want 1", n)
	}
}

func TestServer_ClientsIsolated(t *testing.T) {
	h := start(t, Config{Delay: 20 * time.Millisecond}, prefix("to "))

	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob", "carol"} {
		c := dial(t, h.addr)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
			for i := 0; i < 3; i++ {
				msg := fmt.Sprintf("%s-%d", name, i)
				if _, err := fmt.Fprintf(c, "%s\n", msg); err != nil {
					t.Errorf("%s send: %v", name, err)
					return
				}
				got, err := c.r.ReadString('\n')
				if err != nil {
					t.Errorf("%s recv: %v", name, err)
					return
				}
				if got != "to "+msg+"\n" {
					t.Errorf("%s got %q", name, got)
				}
			}
		}(name)
	}
	wg.Wait()
}

func TestServer_RejectsAtCapacity(t *testing.T) {
	h := start(t, Config{MaxConns: 1}, prefix(""))

	first := dial(t, h.addr)
	eventually(t, func() bool { return h.metrics.ActiveConnections() == 1 }, "first session")

	second := dial(t, h.addr)
	if got := second.recv(t); got != BusyLine {
		t.Errorf("second got %q, want busy line", got)
	}
	if _, err := second.r.ReadString('\n'); err == nil {
		t.Error("rejected connection should be closed")
	}

	first.send(t, "still served")
	if got := first.recv(t); got != "still served" {
		t.Errorf("first got %q", got)
	}
	if h.metrics.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", h.metrics.Rejected())
	}
}

func TestServer_ResponderTimeout(t *testing.T) {
	stuck := responder.Func(func(context.Context, string) string {
		time.Sleep(2 * time.Second)
		return "too late"
	})
	h := start(t, Config{ResponderTimeout: 50 * time.Millisecond}, stuck)
	c := dial(t, h.addr)

	c.send(t, "hello")
	if got := c.recv(t); got != responder.TimeoutReply {
		t.Errorf("reply = %q, want timeout sentinel", got)
	}
}

func TestServer_StateTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	hook := func(_ string, from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+">"+to.String())
		mu.Unlock()
	}
	h := start(t, Config{}, prefix(""), WithStateHook(hook))

	c := dial(t, h.addr)
	c.send(t, "hi")
	c.recv(t)
	c.Close()
	eventually(t, func() bool { return h.metrics.ActiveConnections() == 0 && h.metrics.TotalConnections() == 1 }, "session end")

	want := []string{
		"AWAIT_LINE>DELAYING",
		"DELAYING>QUERYING",
		"QUERYING>REPLYING",
		"REPLYING>AWAIT_LINE",
		"AWAIT_LINE>CLOSED",
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, " ") != strings.Join(want, " ") {
		t.Errorf("transitions:\n got %v\nwant %v", seen, want)
	}
}

func TestServer_CancelClosesConnections(t *testing.T) {
	h := start(t, Config{}, prefix(""))
	c := dial(t, h.addr)
	eventually(t, func() bool { return h.metrics.ActiveConnections() == 1 }, "session start")

	h.cancel()
	c.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	if _, err := c.r.ReadString('\n'); err == nil {
		t.Fatal("expected connection to be closed on shutdown")
	}
	select {
	case err := <-h.done:
		h.done <- err // leave it for cleanup
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateAwaitLine: "AWAIT_LINE",
		StateDelaying:  "DELAYING",
		StateQuerying:  "QUERYING",
		StateReplying:  "REPLYING",
		StateClosed:    "CLOSED",
		State(9):       "UNKNOWN",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}
