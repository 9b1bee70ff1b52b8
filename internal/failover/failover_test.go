package failover_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spikeclinical/spikebot/internal/failover"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/provider/llm/mock"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := failover.NewBreaker("test", failover.BreakerConfig{Trip: 3, Cooldown: time.Hour}, nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}

	err := b.Do(func() error {
		t.Fatal("open breaker must not invoke fn")
		return nil
	})
	if !errors.Is(err, failover.ErrBreakerOpen) {
		t.Errorf("err = %v, want ErrBreakerOpen", err)
	}
	if b.Healthy() {
		t.Error("breaker should not be healthy while open")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()
	b := failover.NewBreaker("test", failover.BreakerConfig{Trip: 3, Cooldown: time.Hour}, nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		b.Do(func() error { return boom })
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	for i := 0; i < 2; i++ {
		b.Do(func() error { return boom })
	}

	// Two failures after a success never reach the trip threshold of three.
	if err := b.Do(func() error { return nil }); errors.Is(err, failover.ErrBreakerOpen) {
		t.Error("breaker opened although the streak was broken")
	}
}

func TestBreaker_ProbesAfterCooldown(t *testing.T) {
	t.Parallel()
	b := failover.NewBreaker("test", failover.BreakerConfig{Trip: 1, Cooldown: 10 * time.Millisecond, Probes: 1}, nil)

	b.Do(func() error { return errors.New("boom") })
	if err := b.Do(func() error { return nil }); !errors.Is(err, failover.ErrBreakerOpen) {
		t.Fatalf("breaker should be open immediately after the trip, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if !b.Healthy() {
		t.Fatal("breaker should admit a probe after the cooldown")
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	// The successful probe closed the breaker again.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("post-probe call: %v", err)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b := failover.NewBreaker("test", failover.BreakerConfig{Trip: 1, Cooldown: 10 * time.Millisecond, Probes: 1}, nil)
	boom := errors.New("boom")

	b.Do(func() error { return boom })
	time.Sleep(20 * time.Millisecond)
	b.Do(func() error { return boom })

	if err := b.Do(func() error { return nil }); !errors.Is(err, failover.ErrBreakerOpen) {
		t.Errorf("breaker should re-open after a failed probe, got %v", err)
	}
}

func TestProvider_UsesPrimaryWhenHealthy(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "primary"}}
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "backup"}}

	p := failover.New("primary", primary)
	p.AddFallback("backup", backup)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "primary" {
		t.Errorf("content = %q, want primary", resp.Content)
	}
	if len(backup.CompleteCalls) != 0 {
		t.Errorf("backup received %d calls, want 0", len(backup.CompleteCalls))
	}
}

func TestProvider_FallsBackOnPrimaryFailure(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{CompleteErr: errors.New("rate limited")}
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "backup"}}

	p := failover.New("primary", primary)
	p.AddFallback("backup", backup)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "backup" {
		t.Errorf("content = %q, want backup", resp.Content)
	}
}

func TestProvider_AllBackendsFailed(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{CompleteErr: errors.New("down")}
	backup := &mock.Provider{CompleteErr: errors.New("also down")}

	p := failover.New("primary", primary)
	p.AddFallback("backup", backup)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, failover.ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestProvider_SkipsOpenBreakerWithoutCalling(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{CompleteErr: errors.New("down")}
	backup := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "backup"}}

	p := failover.New("primary", primary,
		failover.WithBreakerConfig(failover.BreakerConfig{Trip: 2, Cooldown: time.Hour}),
	)
	p.AddFallback("backup", backup)

	for i := 0; i < 3; i++ {
		if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// The primary tripped after two failures; the third call must not have
	// reached it.
	if got := len(primary.CompleteCalls); got != 2 {
		t.Errorf("primary calls = %d, want 2", got)
	}
	if got := len(backup.CompleteCalls); got != 3 {
		t.Errorf("backup calls = %d, want 3", got)
	}
}

func TestProvider_StreamFailover(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{StreamErr: errors.New("connect refused")}
	backup := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "hello"}}}

	p := failover.New("primary", primary)
	p.AddFallback("backup", backup)

	chunks, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var got []string
	for c := range chunks {
		got = append(got, c.Text)
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("chunks = %v, want [hello]", got)
	}
}
