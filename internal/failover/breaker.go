// Package failover keeps the dialogue pipeline alive when a language-model
// backend degrades: each configured backend sits behind its own circuit
// breaker, and requests move down the fallback chain past unhealthy entries.
package failover

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Breaker.Do while the breaker is open and the
// cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("failover: breaker is open")

const (
	stateClosed = iota
	stateOpen
	stateHalfOpen
)

// BreakerConfig tunes one backend's circuit breaker. Zero values select the
// defaults.
type BreakerConfig struct {
	// Trip is how many consecutive failures open the breaker. Default: 5.
	Trip int

	// Cooldown is how long the breaker stays open before probing the backend
	// again. Default: 30s.
	Cooldown time.Duration

	// Probes is how many trial calls the half-open state admits before the
	// breaker decides to close or re-open. Default: 3.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip <= 0 {
		c.Trip = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one backend. Safe for
// concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	log  *slog.Logger

	mu         sync.Mutex
	state      int
	failStreak int
	openedAt   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker creates a closed Breaker named for log messages.
func NewBreaker(name string, cfg BreakerConfig, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{name: name, cfg: cfg.withDefaults(), log: log}
}

// Do runs fn if the breaker admits the call, otherwise returns
// ErrBreakerOpen without invoking fn. The half-open state admits a bounded
// number of probe calls after the cooldown.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		b.log.Info("backend breaker probing after cooldown", "backend", b.name)
	case stateHalfOpen:
		if b.probeCalls >= b.cfg.Probes {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == stateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// Healthy reports whether the breaker would currently admit a call.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.openedAt) >= b.cfg.Cooldown
	}
	return true
}

func (b *Breaker) onFailure(probing bool) {
	b.openedAt = time.Now()
	if probing {
		b.probeFails++
		b.state = stateOpen
		b.failStreak = b.cfg.Trip
		b.log.Warn("backend breaker re-opened after failed probe", "backend", b.name)
		return
	}
	b.failStreak++
	if b.failStreak >= b.cfg.Trip && b.state == stateClosed {
		b.state = stateOpen
		b.log.Warn("backend breaker opened",
			"backend", b.name,
			"consecutive_failures", b.failStreak,
		)
	}
}

func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.cfg.Probes {
			b.state = stateClosed
			b.failStreak = 0
			b.log.Info("backend breaker closed after successful probes", "backend", b.name)
		}
		return
	}
	b.failStreak = 0
}
