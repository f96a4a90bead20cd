// Package mock provides an in-process Provider for tests and local development.
package mock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/soundfoundry/backend/internal/provider"
)

// Provider is a mock music provider.
type Provider struct {
	name      string
	fileURL   string
	latency   time.Duration
	staticErr error
	callCount atomic.Int64
	lastReq   atomic.Pointer[provider.Request]
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{name: "mock"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithFileURL sets the URL returned on success.
func WithFileURL(url string) Option {
	return func(p *Provider) { p.fileURL = url }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

func (p *Provider) Name() string { return p.name }

// Calls returns how many times Generate was invoked.
func (p *Provider) Calls() int64 { return p.callCount.Load() }

// LastRequest returns the most recent request, or nil.
func (p *Provider) LastRequest() *provider.Request { return p.lastReq.Load() }

func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Result, error) {
	n := p.callCount.Add(1)
	p.lastReq.Store(&req)

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return provider.Result{}, provider.TransportError(p.name, ctx.Err())
		}
	}
	if p.staticErr != nil {
		return provider.Result{}, provider.Wrap(p.name, p.staticErr)
	}
	url := p.fileURL
	if url == "" {
		url = fmt.Sprintf("https://mock.local/%s/%d.mp3", p.name, n)
	}
	return provider.Result{FileURL: url, Provider: p.name, ProviderJobID: fmt.Sprintf("%s-%d", p.name, n)}, nil
}
