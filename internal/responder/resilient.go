package responder

import (
	"context"
	"net/http"
	"time"

	"github.com/openai/openai-go"

	ncerr "dennis/internal/errors"
	"dennis/internal/retry"
	"dennis/util"
)

// ResilientConfig tunes [NewResilient].
type ResilientConfig struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	// InitialDelay is the first backoff wait (default 500ms).
	InitialDelay time.Duration
	// BreakerFailures opens the circuit after that many failed calls
	// in a row (default 5).
	BreakerFailures int
	// BreakerReset is how long the circuit stays open (default 30s).
	BreakerReset time.Duration
}

// Resilient retries transient backend failures and stops calling a
// backend that keeps failing.
type Resilient struct {
	backend Backend
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker
	logger  *util.Logger
}

// NewResilient wraps b.
func NewResilient(b Backend, cfg ResilientConfig, logger *util.Logger) *Resilient {
	if logger == nil {
		logger = util.Discard()
	}
	log := logger.With("responder")

	bo := retry.DefaultBackoff()
	bo.MaxAttempts = cfg.Retries + 1
	if cfg.InitialDelay > 0 {
		bo.InitialDelay = cfg.InitialDelay
	}
	bo.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("attempt %d failed: %v (retrying in %v)", attempt, err, wait.Truncate(time.Millisecond))
	}

	cb := retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
		OnStateChange: func(from, to retry.State) {
			log.Info("circuit %s -> %s for %s", from, to, b.Name())
		},
	})

	return &Resilient{backend: b, backoff: bo, breaker: cb, logger: log}
}

// Respond asks the backend, converting the final failure to a sentinel.
func (r *Resilient) Respond(ctx context.Context, text string) string {
	var reply string
	err := r.breaker.Execute(func() error {
		return r.backoff.Do(ctx, func(attempt int) error {
			out, err := r.backend.Complete(ctx, text)
			if err == nil {
				reply = out
				return nil
			}
			if !retryable(err) || ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		})
	})
	if err != nil {
		r.logger.Error("%s: %v", r.backend.Name(), err)
		return Sentinel(err, r.backend.Name())
	}
	return reply
}

// State exposes the breaker state for status output and tests.
func (r *Resilient) State() retry.State { return r.breaker.CurrentState() }

// retryable is true for throttling, server-side faults and transient
// transport errors.  Other HTTP statuses and context expiry are final.
func retryable(err error) bool {
	if ncerr.Is(err, context.Canceled) || ncerr.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if ncerr.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return ncerr.IsRetryable(err)
}
