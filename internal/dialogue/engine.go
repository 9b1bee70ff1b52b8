// Package dialogue runs the conversation with the insurance representative:
// it keeps the conversation history, invokes the benefit extractor, builds
// the outbound prompt, and streams the model's reply back sentence by
// sentence.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/types"
)

const (
	// DefaultBotName is the persona name used in the system prompt.
	DefaultBotName = "Spike Bot"

	// DefaultMaxTokens caps a single spoken reply. Short replies keep the
	// phone conversation moving.
	DefaultMaxTokens = 150

	// DefaultHistoryWindow is the number of most recent turns included in the
	// prompt.
	DefaultHistoryWindow = 30
)

// StateExtractor updates the call state from conversation history.
// Implemented by extract.Extractor.
type StateExtractor interface {
	Update(ctx context.Context, history []types.Message, state *callstate.State) ([]string, error)
}

// Engine drives one call's conversation. The dispatcher serializes
// HandleTranscript invocations; the internal mutex only guards history and
// state access from concurrent readers (call logging, teardown snapshots).
type Engine struct {
	llm       llm.Provider
	extractor StateExtractor
	patient   callstate.PatientInfo
	log       *slog.Logger
	metrics   *observe.Metrics

	botName       string
	maxTokens     int
	historyWindow int

	mu      sync.Mutex
	history []types.Message
	state   *callstate.State
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithBotName overrides the persona name.
func WithBotName(name string) Option {
	return func(e *Engine) {
		e.botName = name
	}
}

// WithMaxTokens overrides the reply token cap.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		e.maxTokens = n
	}
}

// WithHistoryWindow overrides the number of turns sent in the prompt.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		e.historyWindow = n
	}
}

// New creates an Engine for a call about the given patient.
func New(provider llm.Provider, extractor StateExtractor, patient callstate.PatientInfo, opts ...Option) *Engine {
	e := &Engine{
		llm:           provider,
		extractor:     extractor,
		patient:       patient,
		botName:       DefaultBotName,
		maxTokens:     DefaultMaxTokens,
		historyWindow: DefaultHistoryWindow,
		state:         &callstate.State{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// HandleTranscript processes one authoritative user transcript: it appends
// the user turn to the history, runs the extractor over the full history,
// and streams the model's reply as complete sentences on the returned
// channel. The channel closes when the reply is finished; the assistant turn
// is recorded in the history only then, and only when the reply is
// non-empty.
//
// A failure to start the completion stream is returned as an error; the user
// turn stays in the history and the session continues.
func (e *Engine) HandleTranscript(ctx context.Context, text string) (<-chan string, error) {
	e.mu.Lock()
	e.history = append(e.history, types.Message{Role: "user", Content: text})
	history := e.snapshotLocked()
	state := e.state
	e.mu.Unlock()

	// Extraction runs over the full history before the reply, so the prompt
	// variant below already reflects facts stated in this very utterance.
	if _, err := e.extractor.Update(ctx, history, state); err != nil {
		e.log.Warn("benefit extraction failed, state unchanged", "error", err)
	}

	req := llm.CompletionRequest{
		SystemPrompt: e.systemPrompt(len(history)),
		Messages:     lastN(history, e.historyWindow),
		Temperature:  0,
		MaxTokens:    e.maxTokens,
	}

	chunks, err := e.llm.StreamCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: start completion: %w", err)
	}

	sentences := make(chan string, 8)
	go e.forwardSentences(ctx, chunks, sentences)
	return sentences, nil
}

// History returns a copy of the conversation history.
func (e *Engine) History() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// State returns the call state. The pointer is shared with the extractor;
// callers must treat it as read-only.
func (e *Engine) State() *callstate.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) snapshotLocked() []types.Message {
	out := make([]types.Message, len(e.history))
	copy(out, e.history)
	return out
}

// forwardSentences reads token chunks, accumulates them into complete
// sentences, and sends each sentence on out as soon as it completes. The
// trailing fragment is flushed when the stream ends. The full reply is
// recorded as an assistant turn afterwards, unless it is empty.
func (e *Engine) forwardSentences(ctx context.Context, chunks <-chan llm.Chunk, out chan<- string) {
	defer close(out)

	var buf strings.Builder
	var full strings.Builder
	failed := false

loop:
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.FinishReason == "error" {
				// The chunk text carries the backend error, not content.
				e.metrics.RecordBackendError(ctx, "dialogue")
				e.log.Error("completion stream failed", "error", chunk.Text)
				failed = true
				break loop
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				full.WriteString(chunk.Text)
			}

			// Emit complete sentences eagerly so the caller hears the reply
			// while the rest still streams.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := strings.TrimSpace(buf.String()[:idx+1])
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				if sentence == "" {
					continue
				}
				select {
				case out <- sentence:
				case <-ctx.Done():
					return
				}
			}

			if chunk.FinishReason != "" {
				break loop
			}
		}
	}

	// Flush the trailing fragment.
	if !failed {
		if rest := strings.TrimSpace(buf.String()); rest != "" {
			select {
			case out <- rest:
			case <-ctx.Done():
				return
			}
		}
	}

	reply := strings.TrimSpace(full.String())
	if failed || reply == "" {
		// An empty or failed reply is not part of the conversation.
		return
	}
	e.mu.Lock()
	e.history = append(e.history, types.Message{Role: "assistant", Content: reply})
	e.mu.Unlock()
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// that is immediately followed by whitespace. Returns -1 if no such boundary
// exists in s. A terminator at the very end of s is not a boundary; the
// final flush handles it.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// lastN returns the trailing n elements of msgs.
func lastN(msgs []types.Message, n int) []types.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
