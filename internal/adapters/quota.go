package adapters

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// QuotaLimits are per-source ceilings; zero disables a window
type QuotaLimits struct {
	PerMinute int `yaml:"per_minute" validate:"gte=0"`
	PerHour   int `yaml:"per_hour" validate:"gte=0"`
	PerDay    int `yaml:"per_day" validate:"gte=0"`
}

// DefaultQuotaLimits matches the conservative free-tier quotas of the
// supported providers
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{PerMinute: 30, PerHour: 500, PerDay: 5000}
}

// WindowKind names one of the three quota windows
type WindowKind string

const (
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// Decision is the result of an admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when Allowed
	Window     WindowKind    // most restrictive saturated window when denied
}

// WindowState is the observable counter of one window
type WindowState struct {
	Kind        WindowKind `json:"kind"`
	Count       int        `json:"count"`
	Limit       int        `json:"limit"`
	WindowStart time.Time  `json:"window_start"`
}

type quotaWindow struct {
	kind  WindowKind
	size  time.Duration
	limit int
	start time.Time
	count int
}

// roll resets the counter when now falls into a new fixed window
func (w *quotaWindow) roll(now time.Time) {
	start := now.Truncate(w.size)
	if !start.Equal(w.start) {
		w.start = start
		w.count = 0
	}
}

func (w *quotaWindow) saturated() bool {
	return w.limit > 0 && w.count >= w.limit
}

type sourceQuota struct {
	mu      sync.Mutex
	windows [3]*quotaWindow
}

// QuotaTracker keeps fixed wall-clock windows of request counts per source.
// State is in memory only; losing it can only under-utilize a quota.
type QuotaTracker struct {
	mu       sync.Mutex
	defaults QuotaLimits
	limits   map[string]QuotaLimits
	sources  map[string]*sourceQuota
	now      func() time.Time
}

// QuotaOption customizes a QuotaTracker
type QuotaOption func(*QuotaTracker)

// WithQuotaClock injects the clock, for tests
func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(q *QuotaTracker) { q.now = now }
}

// NewQuotaTracker creates a tracker; sources without explicit limits use defaults
func NewQuotaTracker(defaults QuotaLimits, perSource map[string]QuotaLimits, opts ...QuotaOption) *QuotaTracker {
	q := &QuotaTracker{
		defaults: defaults,
		limits:   make(map[string]QuotaLimits, len(perSource)),
		sources:  make(map[string]*sourceQuota),
		now:      time.Now,
	}
	for id, l := range perSource {
		q.limits[id] = l
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetLimits replaces the limits of one source; existing counters are kept
func (q *QuotaTracker) SetLimits(sourceID string, limits QuotaLimits) {
	q.mu.Lock()
	q.limits[sourceID] = limits
	sq := q.sources[sourceID]
	q.mu.Unlock()
	if sq == nil {
		return
	}
	sq.mu.Lock()
	sq.windows[0].limit = limits.PerMinute
	sq.windows[1].limit = limits.PerHour
	sq.windows[2].limit = limits.PerDay
	sq.mu.Unlock()
}

func (q *QuotaTracker) source(sourceID string) *sourceQuota {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.sources[sourceID]
	if ok {
		return sq
	}
	limits, ok := q.limits[sourceID]
	if !ok {
		limits = q.defaults
	}
	sq = &sourceQuota{windows: [3]*quotaWindow{
		{kind: WindowMinute, size: time.Minute, limit: limits.PerMinute},
		{kind: WindowHour, size: time.Hour, limit: limits.PerHour},
		{kind: WindowDay, size: 24 * time.Hour, limit: limits.PerDay},
	}}
	q.sources[sourceID] = sq
	return sq
}

// Admit increments all three windows when every one has headroom. A denial
// mutates nothing and reports the wait until the most restrictive saturated
// window rolls over.
func (q *QuotaTracker) Admit(sourceID string) Decision {
	sq := q.source(sourceID)
	now := q.now().UTC()

	sq.mu.Lock()
	defer sq.mu.Unlock()

	var denied Decision
	for _, w := range sq.windows {
		w.roll(now)
		if !w.saturated() {
			continue
		}
		wait := w.start.Add(w.size).Sub(now)
		if wait > denied.RetryAfter {
			denied = Decision{RetryAfter: wait, Window: w.kind}
		}
	}
	if denied.Window != "" {
		observ.IncCounter("quota_denied_total", map[string]string{"source": sourceID, "window": string(denied.Window)})
		return denied
	}

	for _, w := range sq.windows {
		w.count++
	}
	return Decision{Allowed: true}
}

// State returns the current window counters of a source
func (q *QuotaTracker) State(sourceID string) []WindowState {
	sq := q.source(sourceID)
	now := q.now().UTC()

	sq.mu.Lock()
	defer sq.mu.Unlock()
	out := make([]WindowState, 0, len(sq.windows))
	for _, w := range sq.windows {
		w.roll(now)
		out = append(out, WindowState{Kind: w.kind, Count: w.count, Limit: w.limit, WindowStart: w.start})
	}
	return out
}

// Reset drops the counters of a source
func (q *QuotaTracker) Reset(sourceID string) {
	q.mu.Lock()
	delete(q.sources, sourceID)
	q.mu.Unlock()
}
