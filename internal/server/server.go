// Package server runs one relay pipeline per accepted connection.
//
// Each connection is served in strict request/response order: a line
// is read, held for the configured delay, handed to the responder, and
// the single reply line is written back before the next line is read.
// Connections share nothing but the responder and the metrics.
package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dennis/internal/metrics"
	"dennis/internal/responder"
	"dennis/internal/session"
	"dennis/util"
)

// BusyLine is sent to a connection turned away at capacity.
const BusyLine = "[Server Busy] too many connections, try again later"

// OversizeReply answers a line longer than session.MaxLineSize.
const OversizeReply = "[Input Error] Message too long, the limit is 1 MiB."

// Config holds the pipeline parameters.
type Config struct {
	// Delay is held between receiving a line and querying the
	// responder.  config.Validate enforces the one-second floor.
	Delay time.Duration
	// ResponderTimeout bounds one responder call.  Zero disables it.
	ResponderTimeout time.Duration
	// MaxConns caps concurrently served connections (default 64).
	MaxConns int64
}

// Server dispatches connections to pipelines.
type Server struct {
	responder responder.Responder
	cfg       Config
	logger    *util.Logger
	metrics   *metrics.Collector
	hook      StateHook
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics records counters into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStateHook observes every pipeline transition.
func WithStateHook(h StateHook) Option {
	return func(s *Server) { s.hook = h }
}

// New creates a Server.
func New(r responder.Responder, cfg Config, logger *util.Logger, opts ...Option) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 64
	}
	if logger == nil {
		logger = util.Discard()
	}
	s := &Server{
		responder: r,
		cfg:       cfg,
		logger:    logger.With("server"),
		sem:       semaphore.NewWeighted(cfg.MaxConns),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Metrics returns the collector, possibly nil.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Serve runs a pipeline for every connection received on conns.  It
// returns once conns is closed and every pipeline has finished.
// Cancelling ctx closes all open connections.
func (s *Server) Serve(ctx context.Context, conns <-chan *session.Conn) error {
	s.logger.Verbose("serving (delay %v, responder timeout %v, max %d connections)",
		s.cfg.Delay, s.cfg.ResponderTimeout, s.cfg.MaxConns)

	for conn := range conns {
		if !s.sem.TryAcquire(1) {
			s.metrics.ConnectionRejected()
			s.wg.Add(1)
			go s.reject(conn)
			continue
		}

		s.wg.Add(1)
		go func(c *session.Conn) {
			defer s.wg.Done()
			defer s.sem.Release(1)

			s.metrics.ConnectionOpened()
			defer s.metrics.ConnectionClosed()

			c.Logger.Verbose("session started for %s", c.RemoteAddr())
			p := &pipeline{srv: s, conn: c, state: StateAwaitLine}
			p.run(ctx)
			c.Logger.Verbose("session ended")
		}(conn)
	}

	s.wg.Wait()
	if s.metrics != nil {
		s.logger.Verbose("final metrics:\n%s", s.metrics.JSON())
	}
	return nil
}

func (s *Server) reject(c *session.Conn) {
	defer s.wg.Done()
	defer c.Close()

	c.Logger.Warn("at capacity (%d), rejecting %s", s.cfg.MaxConns, c.RemoteAddr())
	if err := c.WriteLine(BusyLine); err != nil {
		c.Logger.Debug("busy notice not delivered: %v", err)
	}
}
