// Package provider defines the external image upscaling capability.
//
// Each supported backend (claid, fal, runware) lives in its own subpackage
// and implements the Upscaler interface. Clients are constructed explicitly
// and injected; there are no package-level singletons. A mock implementation
// exists for development and tests.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixlift/pixlift/internal/domain"
)

// Upscaler is the capability of turning an image URL into an upscaled image
// URL hosted by the provider. Implementations must be safe for concurrent use.
type Upscaler interface {
	// Name identifies the backend, matching the router's provider names.
	Name() domain.Provider

	// Upscale submits the image and blocks until the provider returns an
	// output URL or fails. The returned URL is provider-hosted and often
	// temporary; callers are expected to re-persist the bytes.
	Upscale(ctx context.Context, req Request) (Result, error)
}

// Request describes one upscale invocation.
type Request struct {
	ImageURL string
	Category domain.Category
	Scale    int
}

// Result is a successful provider response.
type Result struct {
	OutputURL string
}

// Config holds settings shared by the HTTP provider clients.
type Config struct {
	// MaxRetries is the number of attempts for transient failures.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration

	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
}

// withDefaults fills zero values with sensible defaults.
func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	return c
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// ErrUnavailable marks transient upstream failures (network errors, 5xx,
// rate limiting). These are worth retrying; everything else is not.
var ErrUnavailable = errors.New("provider unavailable")

// IsRetryable reports whether an upscale error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Registry resolves a provider name to its client.
type Registry map[domain.Provider]Upscaler

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Upscaler) Registry {
	reg := make(Registry, len(clients))
	for _, c := range clients {
		reg[c.Name()] = c
	}
	return reg
}

// Lookup returns the client for a provider name.
func (r Registry) Lookup(name domain.Provider) (Upscaler, error) {
	client, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("no client registered for provider %q", name)
	}
	return client, nil
}
