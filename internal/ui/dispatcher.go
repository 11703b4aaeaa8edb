// Package ui serialises everything that reaches the screen.
//
// All output goes through one Dispatcher worker as Render commands.
// A command's fragments are appended back to back, so a label and the
// text after it can never be split by another command, and the input
// gate changes only after the text it belongs to is on screen.
package ui

import "sync"

// Surface is a display that can show text and accept or refuse input.
// The Dispatcher is its only caller.
type Surface interface {
	Append(text string)
	SetInputEnabled(enabled bool)
}

// GateAction says what a Render does to the input gate once its
// fragments are shown.
type GateAction int

const (
	GateKeep GateAction = iota
	GateEnable
	GateDisable
)

func (a GateAction) String() string {
	switch a {
	case GateKeep:
		return "keep"
	case GateEnable:
		return "enable"
	case GateDisable:
		return "disable"
	default:
		return "unknown"
	}
}

// Render is one unit of screen work.
type Render struct {
	Fragments []string
	Gate      GateAction
	// Then runs on the worker once the fragments are shown and before
	// the gate action, so state it updates is in place by the time the
	// surface accepts input again.  It must not wait on the Dispatcher.
	Then func()
}

// Dispatcher runs Render commands in submission order on a single
// goroutine.
type Dispatcher struct {
	surface Surface

	mu     sync.Mutex
	queue  []Render
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewDispatcher starts the worker for s.
func NewDispatcher(s Surface) *Dispatcher {
	d := &Dispatcher{
		surface: s,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.worker()
	return d
}

// Submit queues r without waiting for it to render.  It returns false
// once the Dispatcher is closed.
func (d *Dispatcher) Submit(r Render) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	r.Fragments = append([]string(nil), r.Fragments...)
	d.queue = append(d.queue, r)
	d.mu.Unlock()

	d.signal()
	return true
}

// Close stops accepting commands.  Already queued commands still run.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
}

// Wait blocks until Close was called and the queue is drained.
func (d *Dispatcher) Wait() { <-d.done }

// Done is closed when the worker exits.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, r := range batch {
			d.apply(r)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) apply(r Render) {
	for _, f := range r.Fragments {
		d.surface.Append(f)
	}
	if r.Then != nil {
		r.Then()
	}
	switch r.Gate {
	case GateEnable:
		d.surface.SetInputEnabled(true)
	case GateDisable:
		d.surface.SetInputEnabled(false)
	}
}
