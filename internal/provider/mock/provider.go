package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixlift/pixlift/internal/domain"
	"github.com/pixlift/pixlift/internal/provider"
)

// Provider is a mock upscaler for testing and development
type Provider struct {
	ProviderName domain.Provider
	logger       *slog.Logger

	// Configurable responses for testing
	UpscaleResponse *provider.Result
	UpscaleError    error
	Delay           time.Duration

	mu           sync.Mutex
	upscaleCalls int
	lastRequest  provider.Request
}

// New creates a new mock upscaler
func New(name domain.Provider, logger *slog.Logger) *Provider {
	return &Provider{
		ProviderName: name,
		logger:       logger,
	}
}

func (p *Provider) Name() domain.Provider {
	return p.ProviderName
}

// Upscale returns the configured response or a canned output URL
func (p *Provider) Upscale(ctx context.Context, req provider.Request) (provider.Result, error) {
	p.mu.Lock()
	p.upscaleCalls++
	p.lastRequest = req
	p.mu.Unlock()

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	if p.UpscaleError != nil {
		return provider.Result{}, p.UpscaleError
	}
	if p.UpscaleResponse != nil {
		return *p.UpscaleResponse, nil
	}

	return provider.Result{
		OutputURL: fmt.Sprintf("https://mock.example.com/upscaled/%sx%d.jpg", req.Category, req.Scale),
	}, nil
}

// UpscaleCalls returns how many times Upscale has been invoked
func (p *Provider) UpscaleCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upscaleCalls
}

// LastRequest returns the most recent request passed to Upscale
func (p *Provider) LastRequest() provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRequest
}
