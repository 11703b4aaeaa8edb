// Package responder turns one line of user text into one line of reply
// text.  A Responder never fails: backend faults come back as sentinel
// strings that the server relays like any other reply.
package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"

	ncerr "dennis/internal/errors"
)

// Responder answers a single prompt.
type Responder interface {
	Respond(ctx context.Context, text string) string
}

// Backend is a fallible completion call.  Wrap it with [NewResilient]
// or [Adapt] to get a Responder.
type Backend interface {
	Complete(ctx context.Context, text string) (string, error)
	Name() string
}

// Func adapts a plain function to Responder.
type Func func(ctx context.Context, text string) string

// Respond calls f.
func (f Func) Respond(ctx context.Context, text string) string { return f(ctx, text) }

// Echo answers without any backend, for offline runs and demos.
type Echo struct{}

// Respond returns "Dennis heard: <text>".
func (Echo) Respond(_ context.Context, text string) string {
	return "Dennis heard: " + text
}

// ── Sentinels ────────────────────────────────────────────────────────

const (
	apiErrorPrefix     = "[API Error] "
	connErrorPrefix    = "[Connection Error] "
	timeoutErrorPrefix = "[Timeout Error] "

	// TimeoutReply is returned when the backend does not answer before
	// the call's deadline.
	TimeoutReply = timeoutErrorPrefix + "The responder did not answer in time."
)

// APIErrorReply formats a non-2xx backend status.
func APIErrorReply(code int, status string) string {
	return fmt.Sprintf("%s%d – %s", apiErrorPrefix, code, status)
}

// ConnectionErrorReply formats a transport failure toward backend.
func ConnectionErrorReply(backend string) string {
	return fmt.Sprintf("%sCould not reach %s.", connErrorPrefix, backend)
}

// IsSentinel reports whether s is one of the failure strings above.
func IsSentinel(s string) bool {
	return strings.HasPrefix(s, apiErrorPrefix) ||
		strings.HasPrefix(s, connErrorPrefix) ||
		strings.HasPrefix(s, timeoutErrorPrefix)
}

// Sentinel maps a backend error onto the reply the user sees.
func Sentinel(err error, backend string) string {
	var apiErr *openai.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TimeoutReply
	case errors.Is(err, ncerr.ErrCircuitOpen):
		return APIErrorReply(http.StatusServiceUnavailable, "circuit open, "+backend+" keeps failing")
	case errors.As(err, &apiErr):
		return APIErrorReply(apiErr.StatusCode, statusText(apiErr.StatusCode))
	default:
		return ConnectionErrorReply(backend)
	}
}

func statusText(code int) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return "Unknown Status"
}

// ── Plain adapter ────────────────────────────────────────────────────

type adapted struct{ b Backend }

// Adapt turns a Backend into a Responder with no retries.
func Adapt(b Backend) Responder { return adapted{b} }

func (a adapted) Respond(ctx context.Context, text string) string {
	reply, err := a.b.Complete(ctx, text)
	if err != nil {
		return Sentinel(err, a.b.Name())
	}
	return reply
}
