// Package extract pulls structured benefit facts out of the conversation
// using an LLM, merging them monotonically into the call state.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/types"
)

// systemPrompt instructs the model to emit a bare JSON object matching the
// call-state schema. Conservatism is the point: a hallucinated benefit value
// would poison the record for the rest of the call.
const systemPrompt = `You are a benefit-verification data parser for Spike Clinical.

Your task: parse the following phone conversation between a bot and an insurance representative into a JSON object.

Rules:
- ONLY extract values explicitly stated in the conversation.
- If a value is not mentioned, set it to null.
- Do NOT infer, assume, or guess values based on typical defaults.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "visit_limit": <integer or null>,
  "visit_limit_structure": <string or null>,
  "visits_used": <integer or null>,
  "copay": <number or null>,
  "deductible": <number or null>,
  "deductible_met": <number or null>,
  "oop_max": <number or null>,
  "oop_met": <number or null>,
  "authorization_required": <boolean or null>,
  "reference_number": <string or null>
}`

// Option is a functional option for configuring an [Extractor].
type Option func(*Extractor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Extractor) {
		e.log = log
	}
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) {
		e.metrics = m
	}
}

// Extractor uses an [llm.Provider] to parse benefit facts from conversation
// history. It is safe for concurrent use.
//
// Model selection follows the one-provider-per-model pattern: to use a
// specific model for extraction, construct the [llm.Provider] with that
// model configured.
type Extractor struct {
	llm     llm.Provider
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// New returns a new [Extractor] backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		llm: provider,
		now: time.Now,
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

// Update sends the full conversation history to the model and merges every
// explicitly stated fact into state. It returns the names of the fields
// learned from this pass.
//
// Any failure, from the network call to an unparseable response, leaves
// state untouched and returns an error; no fields are learned from a failed
// extraction.
func (e *Extractor) Update(ctx context.Context, history []types.Message, state *callstate.State) ([]string, error) {
	started := e.now()
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  0,
		Messages:     history,
	}

	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		e.metrics.RecordBackendError(ctx, "extract")
		return nil, fmt.Errorf("extract: complete: %w", err)
	}
	if resp == nil {
		e.metrics.RecordBackendError(ctx, "extract")
		return nil, errors.New("extract: backend returned no response")
	}
	e.metrics.ExtractDuration.Record(ctx, e.now().Sub(started).Seconds())

	var update callstate.State
	cleaned := stripMarkdown(resp.Content)
	if err := json.Unmarshal([]byte(cleaned), &update); err != nil {
		e.metrics.RecordBackendError(ctx, "extract")
		return nil, fmt.Errorf("extract: parse response: %w", err)
	}

	learned := state.Merge(&update)
	if len(learned) > 0 {
		e.metrics.FieldsLearned.Add(ctx, int64(len(learned)))
		e.log.Info("learned benefit fields", "fields", learned, "state", state)
	}
	return learned, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output despite instructions.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
