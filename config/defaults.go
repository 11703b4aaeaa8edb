package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultHost is where the server listens and the client dials.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the chat port.
	DefaultPort = 12345

	// DefaultDelay is the artificial turnaround before each reply.
	DefaultDelay = 1 * time.Second

	// MinDelay is the smallest reply delay a deployment may configure.
	MinDelay = 1 * time.Second

	// DefaultResponderTimeout bounds a single responder call.  Zero
	// disables the bound.
	DefaultResponderTimeout = 60 * time.Second

	// DefaultMaxConns caps the number of simultaneously served
	// connections.
	DefaultMaxConns = 64

	// DefaultConnTimeout is the TCP/SSH dial timeout.
	DefaultConnTimeout = 10 * time.Second

	// DefaultResponder selects the AI backend.
	DefaultResponder = ResponderOpenAI

	// DefaultEndpoint is DeepInfra's OpenAI-compatible API root.
	DefaultEndpoint = "https://api.deepinfra.com/v1/openai/"

	// DefaultModel is the chat model requested from the endpoint.
	DefaultModel = "mistralai/Mistral-7B-Instruct-v0.1"

	// DefaultRetries is how many extra attempts a failed responder call
	// gets when the failure is transient.
	DefaultRetries = 2

	// DefaultBreakerFailures is the number of consecutive backend
	// failures that open the responder circuit.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long the responder circuit stays open.
	DefaultBreakerReset = 30 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22
)
