package adapters

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold" validate:"gte=0"`
	CooldownSeconds    int     `yaml:"cooldown_seconds" validate:"gte=0"`
	CooldownMultiplier float64 `yaml:"cooldown_multiplier" validate:"gte=0"`
	MaxCooldownSeconds int     `yaml:"max_cooldown_seconds" validate:"gte=0"`
}

// DefaultBreakerConfig opens after 5 failures for 5 minutes, doubling up to an hour
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, CooldownSeconds: 300, CooldownMultiplier: 2, MaxCooldownSeconds: 3600}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = d.CooldownSeconds
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = 1
	}
	if c.MaxCooldownSeconds < c.CooldownSeconds {
		c.MaxCooldownSeconds = c.CooldownSeconds
	}
	return c
}

// CircuitBreakerState represents the circuit breaker state
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"    // Normal operation
	CircuitOpen     CircuitBreakerState = "open"      // Failing, reject requests
	CircuitHalfOpen CircuitBreakerState = "half-open" // Probing for recovery
)

func (s CircuitBreakerState) gauge() float64 {
	switch s {
	case CircuitOpen:
		return 1
	case CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

// CircuitState is the observable breaker state of one source
type CircuitState struct {
	Source    string              `json:"source"`
	State     CircuitBreakerState `json:"state"`
	Failures  int                 `json:"consecutive_failures"`
	OpenUntil time.Time           `json:"open_until,omitempty"`
	Cooldown  time.Duration       `json:"cooldown"`
}

type circuitBreaker struct {
	mu       sync.Mutex
	state    CircuitBreakerState
	failures int
	until    time.Time
	cooldown time.Duration
	probing  bool
}

// BreakerSet holds one breaker per source. Breakers are independent of quota
// state: a source can be open with quota headroom and vice versa.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*circuitBreaker
	now      func() time.Time
}

// BreakerOption customizes a BreakerSet
type BreakerOption func(*BreakerSet)

// WithBreakerClock injects the clock, for tests
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *BreakerSet) { b.now = now }
}

func NewBreakerSet(cfg BreakerConfig, opts ...BreakerOption) *BreakerSet {
	b := &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*circuitBreaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BreakerSet) baseCooldown() time.Duration {
	return time.Duration(b.cfg.CooldownSeconds) * time.Second
}

func (b *BreakerSet) get(sourceID string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[sourceID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed, cooldown: b.baseCooldown()}
		b.breakers[sourceID] = cb
	}
	return cb
}

// IsOpen reports whether calls to the source are short-circuited right now.
// An open breaker whose cooldown elapsed reads as not open until its single
// probe is in flight.
func (b *BreakerSet) IsOpen(sourceID string) bool {
	cb := b.get(sourceID)
	now := b.now()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitOpen:
		return now.Before(cb.until)
	case CircuitHalfOpen:
		return cb.probing
	default:
		return false
	}
}

// Allow admits a call. probe is true when the call is the single trial
// request of a half-open breaker; its verdict must be reported through
// RecordSuccess, RecordFailure or ReleaseProbe.
func (b *BreakerSet) Allow(sourceID string) (allowed, probe bool) {
	cb := b.get(sourceID)
	now := b.now()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if now.Before(cb.until) {
			return false, false
		}
		cb.state = CircuitHalfOpen
		b.publish(sourceID, cb.state)
	}
	if cb.probing {
		return false, false
	}
	cb.probing = true
	observ.Log("circuit_breaker_probe", map[string]any{"source": sourceID})
	return true, true
}

// RecordSuccess closes the breaker and resets the cooldown growth
func (b *BreakerSet) RecordSuccess(sourceID string) {
	cb := b.get(sourceID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
	cb.until = time.Time{}
	cb.cooldown = b.baseCooldown()
	if prev != CircuitClosed {
		b.publish(sourceID, cb.state)
		observ.Log("circuit_breaker_closed", map[string]any{
			"source": sourceID,
			"reason": "successful_probe",
		})
	}
}

// RecordFailure counts a source-level failure and reports whether this call
// opened the breaker
func (b *BreakerSet) RecordFailure(sourceID string) bool {
	cb := b.get(sourceID)
	now := b.now()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case CircuitHalfOpen:
		// failed probe: reopen with a grown cooldown
		grown := time.Duration(float64(cb.cooldown) * b.cfg.CooldownMultiplier)
		if max := time.Duration(b.cfg.MaxCooldownSeconds) * time.Second; grown > max {
			grown = max
		}
		cb.cooldown = grown
	case CircuitClosed:
		if cb.failures < b.cfg.FailureThreshold {
			return false
		}
	default:
		return false
	}

	cb.state = CircuitOpen
	cb.probing = false
	cb.until = now.Add(cb.cooldown)
	b.publish(sourceID, cb.state)
	observ.Warn("circuit_breaker_opened", map[string]any{
		"source":     sourceID,
		"failures":   cb.failures,
		"cooldown_s": cb.cooldown.Seconds(),
		"next_probe": cb.until.Format(time.RFC3339),
	})
	return true
}

// ReleaseProbe ends a probe that produced no verdict about the source
// (request-level error, cancellation); the next call may probe again.
func (b *BreakerSet) ReleaseProbe(sourceID string) {
	cb := b.get(sourceID)
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// State returns a snapshot of the breaker
func (b *BreakerSet) State(sourceID string) CircuitState {
	cb := b.get(sourceID)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitState{
		Source:    sourceID,
		State:     cb.state,
		Failures:  cb.failures,
		OpenUntil: cb.until,
		Cooldown:  cb.cooldown,
	}
}

// Reset forces the breaker closed
func (b *BreakerSet) Reset(sourceID string) {
	b.mu.Lock()
	delete(b.breakers, sourceID)
	b.mu.Unlock()
	b.publish(sourceID, CircuitClosed)
}

func (b *BreakerSet) publish(sourceID string, state CircuitBreakerState) {
	observ.SetGauge("circuit_state", state.gauge(), map[string]string{"source": sourceID})
}
