package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spikeclinical/spikebot/pkg/provider/llm"
)

// ErrAllBackendsFailed is returned when every backend in the chain failed or
// had an open breaker.
var ErrAllBackendsFailed = errors.New("failover: all dialogue backends failed")

type entry struct {
	name    string
	backend llm.Provider
	breaker *Breaker
}

// Provider implements llm.Provider with ordered failover across a primary
// and zero or more fallback backends. Each backend has its own circuit
// breaker; an open breaker is skipped without a call.
//
// For StreamCompletion only establishing the stream participates in
// failover; once a chunk channel is returned, mid-stream errors are the
// consumer's to handle.
type Provider struct {
	cfg     BreakerConfig
	log     *slog.Logger
	entries []entry
}

// Option configures a failover Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// WithBreakerConfig sets the per-backend breaker tuning.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(p *Provider) {
		p.cfg = cfg
	}
}

// New creates a failover Provider with primary as the preferred backend.
// Register fallbacks with AddFallback before serving traffic; the chain is
// not safe to grow concurrently with calls.
func New(primaryName string, primary llm.Provider, opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.entries = []entry{{
		name:    primaryName,
		backend: primary,
		breaker: NewBreaker(primaryName, p.cfg, p.log),
	}}
	return p
}

// AddFallback appends a backend tried after every earlier entry has failed
// or been skipped.
func (p *Provider) AddFallback(name string, backend llm.Provider) {
	p.entries = append(p.entries, entry{
		name:    name,
		backend: backend,
		breaker: NewBreaker(name, p.cfg, p.log),
	})
}

// Complete sends the request to the first healthy backend in chain order.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := p.attempt(func(backend llm.Provider) error {
		var err error
		resp, err = backend.Complete(ctx, req)
		return err
	})
	return resp, err
}

// StreamCompletion opens a reply stream on the first healthy backend in
// chain order.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var chunks <-chan llm.Chunk
	err := p.attempt(func(backend llm.Provider) error {
		var err error
		chunks, err = backend.StreamCompletion(ctx, req)
		return err
	})
	return chunks, err
}

func (p *Provider) attempt(fn func(llm.Provider) error) error {
	var lastErr error
	for i := range p.entries {
		e := &p.entries[i]
		err := e.breaker.Do(func() error {
			return fn(e.backend)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			p.log.Debug("skipping backend with open breaker", "backend", e.name)
		} else {
			p.log.Warn("dialogue backend failed, trying next", "backend", e.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
