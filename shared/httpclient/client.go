// Package httpclient builds the HTTP clients behind the gateway's
// upstream calls: the manager API, speech providers, model endpoints
// and plugin fetches.
package httpclient

import (
	"net/http"
	"time"
)

// Timeouts by upstream kind. Each spans the full exchange including the
// body read, so streaming callers must pick one that covers the longest
// expected stream.
const (
	// ControlTimeout suits quick control-plane calls (manager API
	// lookups, config fetches).
	ControlTimeout = 10 * time.Second
	// FetchTimeout suits ordinary request/response fetches (plugin data,
	// report uploads).
	FetchTimeout = 30 * time.Second
	// SynthesisTimeout suits speech provider round trips carrying audio
	// payloads both ways.
	SynthesisTimeout = 60 * time.Second
	// CompletionTimeout bounds a whole model completion, stream
	// included.
	CompletionTimeout = 2 * time.Minute
)

type Option func(*http.Client)

// WithTransport sets a custom transport (e.g. for OTEL tracing).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) { c.Transport = rt }
}

// New builds a client with the given overall timeout.
func New(timeout time.Duration, opts ...Option) *http.Client {
	c := &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
