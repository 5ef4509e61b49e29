// Package retry tracks per-operation exponential backoff.
package retry

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	Base       time.Duration
	Multiplier float64
	Ceiling    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Base:       time.Second,
		Multiplier: 2,
		Ceiling:    60 * time.Second,
	}
}

type state struct {
	failures    int
	lastFailure time.Time
	delay       time.Duration
}

// Budget is keyed by operation, e.g. "place_order:BTCUSDT" or "tp:BTCUSDT".
// CanAttempt may be called concurrently; writes are serialised.
type Budget struct {
	cfg   Config
	now   func() time.Time
	mu    sync.RWMutex
	state map[string]*state
}

func NewBudget(cfg Config) *Budget {
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig().Base
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if cfg.Ceiling < cfg.Base {
		cfg.Ceiling = cfg.Base
	}
	return &Budget{
		cfg:   cfg,
		now:   time.Now,
		state: make(map[string]*state),
	}
}

// WithClock replaces the time source. Used by tests and by the controller's
// scheduler so backoff follows the same clock as everything else.
func (b *Budget) WithClock(now func() time.Time) *Budget {
	b.now = now
	return b
}

// CanAttempt reports whether key has no recorded failure or more than its
// backoff delay has passed since the last one.
func (b *Budget) CanAttempt(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.state[key]
	if !ok || st.failures == 0 {
		return true
	}
	return b.now().Sub(st.lastFailure) > st.delay
}

func (b *Budget) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, key)
}

// RecordFailure bumps the failure count and returns the delay before the
// next attempt: min(ceiling, base * multiplier^failures).
func (b *Budget) RecordFailure(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[key]
	if !ok {
		st = &state{}
		b.state[key] = st
	}
	st.failures++
	st.lastFailure = b.now()
	st.delay = b.delayFor(st.failures)
	return st.delay
}

func (b *Budget) delayFor(failures int) time.Duration {
	d := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(failures))
	if d > float64(b.cfg.Ceiling) || math.IsInf(d, 1) {
		return b.cfg.Ceiling
	}
	return time.Duration(d)
}

func (b *Budget) Failures(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.state[key]; ok {
		return st.failures
	}
	return 0
}

// NextRetry returns how long until key may be attempted again; zero when it may be attempted now.
func (b *Budget) NextRetry(key string) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.state[key]
	if !ok {
		return 0
	}
	remaining := st.delay - b.now().Sub(st.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns failure counts for every key currently backing off.
func (b *Budget) Snapshot() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.state))
	for k, st := range b.state {
		out[k] = st.failures
	}
	return out
}
