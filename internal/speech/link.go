// Package speech maintains the upstream link to the speech recognizer for
// one call session: audio forwarding, keepalive, and the listener loop that
// turns recognizer events into queued normalized transcripts.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/internal/transcript"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
)

var (
	// ErrUpstreamUnavailable indicates the recognizer connection could not be
	// established. Fatal to the session.
	ErrUpstreamUnavailable = errors.New("speech: upstream recognizer unavailable")

	// ErrNotConnected is returned by send operations when the link has not
	// been started or has failed. Non-fatal; the send is a no-op.
	ErrNotConnected = errors.New("speech: not connected to recognizer")
)

// DefaultKeepaliveInterval is the heartbeat period for the recognizer socket.
const DefaultKeepaliveInterval = 9 * time.Second

// keepaliveMessage is the no-op heartbeat understood by the recognizer.
var keepaliveMessage = map[string]string{"type": "KeepAlive"}

// Link is the upstream speech link for one session. Create with New, open
// with Start, then run RunKeepalive and RunListener as session tasks.
//
// Send methods are safe for concurrent use with the background loops.
type Link struct {
	provider recognizer.Provider
	clock    *transcript.Clock
	queue    *transcript.Queue
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	keepaliveInterval time.Duration

	mu      sync.Mutex
	session recognizer.SessionHandle
	failed  bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) {
		l.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Link) {
		l.metrics = m
	}
}

// WithKeepaliveInterval overrides the heartbeat period.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(l *Link) {
		l.keepaliveInterval = d
	}
}

// New creates a Link that feeds normalized transcripts from provider into
// queue, anchoring timestamps through clock.
func New(provider recognizer.Provider, clock *transcript.Clock, queue *transcript.Queue, opts ...Option) *Link {
	l := &Link{
		provider:          provider,
		clock:             clock,
		queue:             queue,
		now:               time.Now,
		keepaliveInterval: DefaultKeepaliveInterval,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Start opens the recognizer connection. A connection failure is wrapped in
// ErrUpstreamUnavailable and is fatal to the session.
func (l *Link) Start(ctx context.Context, cfg recognizer.StreamConfig) error {
	session, err := l.provider.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	l.mu.Lock()
	l.session = session
	l.failed = false
	l.mu.Unlock()

	l.log.Info("recognizer link established")
	return nil
}

// SendAudio forwards a raw audio chunk to the recognizer. captured is the
// client-reported capture time of the chunk; the first non-zero capture time
// latches the speech epoch. Returns ErrNotConnected when the link is not
// established or has failed.
func (l *Link) SendAudio(data []byte, captured time.Time) error {
	// The epoch comes from the client's clock, not from upstream delivery, so
	// the mark happens even when the forward fails.
	l.clock.MarkAudio(captured)

	session, err := l.currentSession()
	if err != nil {
		return err
	}
	if err := session.SendAudio(data); err != nil {
		l.markFailed()
		return fmt.Errorf("speech: send audio: %w", err)
	}
	return nil
}

// SendControl forwards a structured control instruction to the recognizer.
// Returns ErrNotConnected when the link is not established or has failed.
func (l *Link) SendControl(v any) error {
	session, err := l.currentSession()
	if err != nil {
		return err
	}
	if err := session.SendControl(v); err != nil {
		l.markFailed()
		return fmt.Errorf("speech: send control: %w", err)
	}
	return nil
}

// RunKeepalive sends a heartbeat on a fixed period for as long as the link is
// open. A failed heartbeat is logged and ends the loop without tearing down
// the session. Always returns nil so an errgroup does not cancel siblings.
func (l *Link) RunKeepalive(ctx context.Context) error {
	ticker := time.NewTicker(l.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.SendControl(keepaliveMessage); err != nil {
				l.log.Warn("keepalive failed, stopping heartbeat", "error", err)
				return nil
			}
			l.log.Debug("sent keepalive")
		}
	}
}

// RunListener consumes recognizer events until the stream closes: it shifts
// every offset by the speech epoch, stamps the retrieval time, and enqueues
// final non-empty transcripts. Partial and empty events are skipped. Closure
// of the recognizer stream ends the loop; when the stream ended on a socket
// failure the link is marked failed so later sends return ErrNotConnected.
func (l *Link) RunListener(ctx context.Context) error {
	session, err := l.currentSession()
	if err != nil {
		return err
	}

	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if err := session.Err(); err != nil {
					l.markFailed()
					l.log.Warn("recognizer stream failed", "error", err)
					return nil
				}
				l.log.Info("recognizer stream closed")
				return nil
			}
			if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
				continue
			}

			epoch, latched := l.clock.Epoch()
			if !latched {
				// No audio frame carried a capture time yet; the transcript
				// keeps stream-relative timing.
				l.log.Warn("transcript received before speech epoch was set", "text", ev.Text)
			}
			n := transcript.Normalize(ev, epoch, l.now())
			l.queue.Enqueue(n)
			l.metrics.TranscriptsEnqueued.Add(ctx, 1)
			attrs := []any{
				"text", n.Text,
				"start", n.Start,
				"confidence", n.Confidence,
			}
			if mark, ok := l.clock.LastAudio(); ok {
				attrs = append(attrs, "since_last_audio", l.now().Sub(mark))
			}
			l.log.Debug("enqueued transcript", attrs...)
		}
	}
}

// Close sends the graceful end-of-stream control, closes the socket, and
// releases the handle. Safe to call multiple times.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		session := l.session
		l.session = nil
		l.mu.Unlock()

		if session == nil {
			return
		}
		if err := session.Close(); err != nil {
			l.closeErr = fmt.Errorf("speech: close recognizer link: %w", err)
			return
		}
		l.log.Info("recognizer link closed")
	})
	return l.closeErr
}

func (l *Link) currentSession() (recognizer.SessionHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.failed {
		return nil, ErrNotConnected
	}
	return l.session, nil
}

func (l *Link) markFailed() {
	l.mu.Lock()
	l.failed = true
	l.mu.Unlock()
}
