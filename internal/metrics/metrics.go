// Package metrics provides lock-free counters for a dennis server:
// connections, relayed lines, responder outcomes and I/O faults.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one server.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	rejected          atomic.Int64
	linesIn           atomic.Int64
	repliesOut        atomic.Int64
	sentinels         atomic.Int64
	ioErrors          atomic.Int64
	responderNanos    atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connections ──────────────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ConnectionRejected records a connection turned away at capacity.
func (c *Collector) ConnectionRejected() {
	if c == nil {
		return
	}
	c.rejected.Add(1)
}

// ActiveConnections returns the current number of open sessions.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime session count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// Rejected returns how many connections were refused at capacity.
func (c *Collector) Rejected() int64 {
	if c == nil {
		return 0
	}
	return c.rejected.Load()
}

// ── Lines ────────────────────────────────────────────────────────────

// LineReceived records one inbound line.
func (c *Collector) LineReceived() {
	if c == nil {
		return
	}
	c.linesIn.Add(1)
}

// ReplySent records one reply line written back.  sentinel marks a
// reply that carries a responder failure string.
func (c *Collector) ReplySent(sentinel bool) {
	if c == nil {
		return
	}
	c.repliesOut.Add(1)
	if sentinel {
		c.sentinels.Add(1)
	}
}

// ResponderLatency accumulates the time spent inside the responder.
func (c *Collector) ResponderLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.responderNanos.Add(int64(d))
}

// LinesReceived returns total inbound lines.
func (c *Collector) LinesReceived() int64 {
	if c == nil {
		return 0
	}
	return c.linesIn.Load()
}

// RepliesSent returns total reply lines.
func (c *Collector) RepliesSent() int64 {
	if c == nil {
		return 0
	}
	return c.repliesOut.Load()
}

// Sentinels returns how many replies were responder failure strings.
func (c *Collector) Sentinels() int64 {
	if c == nil {
		return 0
	}
	return c.sentinels.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordIOError counts a read or write fault and stores its message.
func (c *Collector) RecordIOError(msg string) {
	if c == nil {
		return
	}
	c.ioErrors.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// IOErrors returns the total number of I/O faults recorded.
func (c *Collector) IOErrors() int64 {
	if c == nil {
		return 0
	}
	return c.ioErrors.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	ConnectionsActive  int64  `json:"connections_active"`
	ConnectionsTotal   int64  `json:"connections_total"`
	Rejected           int64  `json:"rejected"`
	LinesReceived      int64  `json:"lines_received"`
	RepliesSent        int64  `json:"replies_sent"`
	Sentinels          int64  `json:"sentinels"`
	IOErrors           int64  `json:"io_errors"`
	AvgResponderMillis int64  `json:"avg_responder_ms"`
	LastError          string `json:"last_error,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		Rejected:          c.rejected.Load(),
		LinesReceived:     c.linesIn.Load(),
		RepliesSent:       c.repliesOut.Load(),
		Sentinels:         c.sentinels.Load(),
		IOErrors:          c.ioErrors.Load(),
	}
	if s.RepliesSent > 0 {
		s.AvgResponderMillis = time.Duration(c.responderNanos.Load() / s.RepliesSent).Milliseconds()
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
