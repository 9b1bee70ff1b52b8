package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/provider/llm/mock"
	"github.com/spikeclinical/spikebot/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func history() []types.Message {
	return []types.Message{
		{Role: "user", Content: "The copay is twenty five dollars and no authorization is needed."},
	}
}

func TestUpdate_MergesExplicitFields(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"visit_limit": null, "visit_limit_structure": null, "visits_used": null,
				"copay": 25, "deductible": null, "deductible_met": null, "oop_max": null,
				"oop_met": null, "authorization_required": false, "reference_number": null}`,
		},
	}
	e := New(p, WithMetrics(testMetrics(t)))

	state := &callstate.State{}
	learned, err := e.Update(context.Background(), history(), state)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(learned) != 2 {
		t.Fatalf("expected 2 learned fields, got %v", learned)
	}
	if state.Copay == nil || *state.Copay != 25 {
		t.Errorf("expected copay 25, got %v", state.Copay)
	}
	if state.AuthorizationRequired == nil || *state.AuthorizationRequired {
		t.Errorf("expected authorization_required false, got %v", state.AuthorizationRequired)
	}
	if state.VisitLimit != nil {
		t.Errorf("null field must stay unknown, got %v", *state.VisitLimit)
	}
}

func TestUpdate_SendsFullHistoryAndSchema(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{}`},
	}
	e := New(p, WithMetrics(testMetrics(t)))

	h := []types.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "Hi, this is Spike Bot."},
		{Role: "user", Content: "the deductible is 1500"},
	}
	if _, err := e.Update(context.Background(), h, &callstate.State{}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("expected 1 complete call, got %d", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if len(req.Messages) != 3 {
		t.Errorf("expected full history (3 messages), got %d", len(req.Messages))
	}
	if req.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", req.Temperature)
	}
	if req.SystemPrompt == "" {
		t.Error("expected a system prompt")
	}
	for _, field := range callstate.FieldNames() {
		if !strings.Contains(req.SystemPrompt, field) {
			t.Errorf("system prompt missing field %q", field)
		}
	}
}

func TestUpdate_BackendFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("rate limited")}
	e := New(p, WithMetrics(testMetrics(t)))

	copay := 25.0
	state := &callstate.State{Copay: &copay}
	learned, err := e.Update(context.Background(), history(), state)
	if err == nil {
		t.Fatal("expected an error")
	}
	if learned != nil {
		t.Errorf("expected no learned fields, got %v", learned)
	}
	if state.Copay == nil || *state.Copay != 25 {
		t.Errorf("state changed by failed extraction: %v", state.Copay)
	}
}

func TestUpdate_UnparseableResponse(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "I could not find any benefit details."},
	}
	e := New(p, WithMetrics(testMetrics(t)))

	state := &callstate.State{}
	if _, err := e.Update(context.Background(), history(), state); err == nil {
		t.Fatal("expected a parse error")
	}
	if state.Copay != nil || state.VisitLimit != nil {
		t.Error("unparseable response must not change state")
	}
}

func TestUpdate_StripsCodeFences(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n{\"reference_number\": \"REF-99\"}\n```",
		},
	}
	e := New(p, WithMetrics(testMetrics(t)))

	state := &callstate.State{}
	learned, err := e.Update(context.Background(), history(), state)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(learned) != 1 || learned[0] != "reference_number" {
		t.Fatalf("expected reference_number learned, got %v", learned)
	}
	if state.ReferenceNumber == nil || *state.ReferenceNumber != "REF-99" {
		t.Errorf("expected REF-99, got %v", state.ReferenceNumber)
	}
}

func TestUpdate_NeverErasesKnownFields(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"copay": null, "deductible": 1500}`,
		},
	}
	e := New(p, WithMetrics(testMetrics(t)))

	copay := 25.0
	state := &callstate.State{Copay: &copay}
	if _, err := e.Update(context.Background(), history(), state); err != nil {
		t.Fatalf("update: %v", err)
	}
	if state.Copay == nil || *state.Copay != 25 {
		t.Errorf("known copay erased by null: %v", state.Copay)
	}
	if state.Deductible == nil || *state.Deductible != 1500 {
		t.Errorf("expected deductible 1500, got %v", state.Deductible)
	}
}

func TestStripMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := stripMarkdown(tc.in); got != tc.want {
				t.Errorf("stripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
