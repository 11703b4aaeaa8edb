// Package ready provides the readiness latch that tells process wiring
// when the listening socket is open.
//
// A Signal behaves like a single-slot broadcast value: late
// subscribers receive the most recent value immediately instead of
// waiting for the next change, and the first true closes a latch
// channel that any number of goroutines can wait on.
package ready

import (
	"context"
	"sync"
)

// Signal is a replay-latest boolean with a one-shot latch on true.
// The zero value is not usable; call New.
type Signal struct {
	mu     sync.Mutex
	value  bool
	subs   map[chan bool]struct{}
	latch  chan struct{}
	closed bool // latch closed
}

// New returns a Signal holding false.
func New() *Signal {
	return &Signal{
		subs:  make(map[chan bool]struct{}),
		latch: make(chan struct{}),
	}
}

// Set stores v and pushes it to every subscriber.  The first true
// releases everything blocked in Wait or selecting on Ready.
func (s *Signal) Set(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.value = v
	for ch := range s.subs {
		replace(ch, v)
	}
	if v && !s.closed {
		s.closed = true
		close(s.latch)
	}
}

// Value returns the latest value.
func (s *Signal) Value() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Ready returns a channel that is closed once true has been set.
func (s *Signal) Ready() <-chan struct{} { return s.latch }

// Wait blocks until true has been set at least once or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.latch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel that already holds the current value and
// afterwards always holds the newest one.  Slow readers skip
// intermediate values; they never block Set.
func (s *Signal) Subscribe() <-chan bool {
	ch := make(chan bool, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	ch <- s.value
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Signal) Unsubscribe(ch <-chan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

// replace swaps whatever is buffered in ch for v.  Callers hold s.mu,
// which makes them the only sender.
func replace(ch chan bool, v bool) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
