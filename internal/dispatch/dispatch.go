// Package dispatch drains the transcript queue on a fixed tick, picks the
// freshest recognition result, enforces the staleness window, and fans the
// authoritative transcript out to the connected client and the dialogue
// engine.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/internal/transcript"
	"github.com/spikeclinical/spikebot/pkg/types"
)

const (
	// DefaultTick is the dispatch debounce period.
	DefaultTick = 100 * time.Millisecond

	// DefaultStalenessWindow is the maximum tolerated age between result
	// normalization and dispatch. Older results are discarded so the bot
	// never answers an utterance that has lagged too far behind real time.
	DefaultStalenessWindow = 500 * time.Millisecond
)

// Engine handles one authoritative transcript and streams the reply back as
// sentences on the returned channel. The channel is closed when the reply is
// complete. Implemented by the dialogue engine.
type Engine interface {
	HandleTranscript(ctx context.Context, text string) (<-chan string, error)
}

// Client receives conversation turns for relay to the connected caller.
type Client interface {
	SendTurn(ctx context.Context, turn types.Turn) error
}

// Dispatcher runs the debounce loop for one session.
//
// Fan-out to the engine is synchronous inside the tick: the next tick's
// selection is not processed until the previous reply stream has completed,
// which keeps engine invocations serialized.
type Dispatcher struct {
	queue   *transcript.Queue
	engine  Engine
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	tick      time.Duration
	staleness time.Duration

	mu     sync.Mutex
	client Client
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTick overrides the debounce period.
func WithTick(tick time.Duration) Option {
	return func(d *Dispatcher) {
		d.tick = tick
	}
}

// WithStalenessWindow overrides the staleness window.
func WithStalenessWindow(w time.Duration) Option {
	return func(d *Dispatcher) {
		d.staleness = w
	}
}

// New creates a Dispatcher draining queue into engine.
func New(queue *transcript.Queue, engine Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:     queue,
		engine:    engine,
		now:       time.Now,
		tick:      DefaultTick,
		staleness: DefaultStalenessWindow,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Attach sets the client that receives relayed turns. While no client is
// attached, drained transcripts complete the tick without fan-out.
func (d *Dispatcher) Attach(c Client) {
	d.mu.Lock()
	d.client = c
	d.mu.Unlock()
}

// Detach removes the attached client.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	d.client = nil
	d.mu.Unlock()
}

// Run executes the debounce loop until ctx is cancelled. Always returns nil;
// per-tick failures are logged and the loop keeps running.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.dispatchTick(ctx)
		}
	}
}

// dispatchTick performs one drain-select-dispatch cycle.
func (d *Dispatcher) dispatchTick(ctx context.Context) {
	newest, superseded, ok := d.queue.DrainNewest()
	if !ok {
		return
	}
	if superseded > 0 {
		d.metrics.TranscriptsSuperseded.Add(ctx, int64(superseded))
		d.log.Debug("discarded superseded transcripts", "count", superseded)
	}

	age := d.now().Sub(newest.RetrievalTime)
	if age > d.staleness {
		d.metrics.TranscriptsStale.Add(ctx, 1)
		d.log.Warn("dropping stale transcript",
			"text", newest.Text,
			"age", age,
			"window", d.staleness,
		)
		return
	}
	d.metrics.TranscriptAge.Record(ctx, age.Seconds())

	client := d.currentClient()
	if client == nil {
		d.log.Debug("no client attached, skipping dispatch", "text", newest.Text)
		return
	}

	if err := client.SendTurn(ctx, types.Turn{Role: "user", Content: newest.Text}); err != nil {
		d.log.Warn("failed to relay user turn", "error", err)
	} else {
		d.metrics.RecordTurn(ctx, "user")
	}

	started := d.now()
	sentences, err := d.engine.HandleTranscript(ctx, newest.Text)
	if err != nil {
		d.metrics.RecordBackendError(ctx, "dialogue")
		d.log.Error("dialogue engine failed, skipping turn", "error", err)
		return
	}
	for sentence := range sentences {
		if err := client.SendTurn(ctx, types.Turn{Role: "assistant", Content: sentence}); err != nil {
			d.log.Warn("failed to relay assistant sentence", "error", err)
			continue
		}
		d.metrics.RecordTurn(ctx, "assistant")
	}
	d.metrics.DialogueDuration.Record(ctx, d.now().Sub(started).Seconds())
}

func (d *Dispatcher) currentClient() Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}
