package adapters

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// FetcherConfig is the retry and admission policy of the Fetcher
type FetcherConfig struct {
	RetryTimes      int     `yaml:"retry_times" validate:"gte=0"`
	RetryIntervalMs int     `yaml:"retry_interval_ms" validate:"gte=0"`
	BackoffFactor   float64 `yaml:"backoff_factor" validate:"gte=0"`
	MaxWaitSeconds  int     `yaml:"max_wait_seconds" validate:"gte=0"`
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{RetryTimes: 3, RetryIntervalMs: 2000, BackoffFactor: 2, MaxWaitSeconds: 30}
}

// Fetcher is the only path to an upstream call. Each call resolves the
// active source, checks its breaker, waits for quota, invokes the adapter
// and retries retryable failures with exponential backoff.
type Fetcher struct {
	registry *Registry
	quotas   *QuotaTracker
	cfg      FetcherConfig
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// FetcherOption customizes a Fetcher
type FetcherOption func(*Fetcher)

// WithSleep replaces the wait primitive used for quota waits and backoff
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) FetcherOption {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithFetcherClock injects the clock used for latency and fetch stamps
func WithFetcherClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

func NewFetcher(registry *Registry, quotas *QuotaTracker, cfg FetcherConfig, opts ...FetcherOption) *Fetcher {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	f := &Fetcher{
		registry: registry,
		quotas:   quotas,
		cfg:      cfg,
		sleep:    sleepContext,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry exposes the source registry for status and reset
func (f *Fetcher) Registry() *Registry { return f.registry }

// Quotas exposes the quota tracker for status
func (f *Fetcher) Quotas() *QuotaTracker { return f.quotas }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns retryInterval * backoffFactor^n
func (f *Fetcher) backoff(n int) time.Duration {
	base := time.Duration(f.cfg.RetryIntervalMs) * time.Millisecond
	return time.Duration(float64(base) * math.Pow(f.cfg.BackoffFactor, float64(n)))
}

func (f *Fetcher) maxWait() time.Duration {
	return time.Duration(f.cfg.MaxWaitSeconds) * time.Second
}

type fetchOptions struct {
	pin string
}

// FetchOption tunes a single fetch
type FetchOption func(*fetchOptions)

// PinSource bypasses the registry and calls the named source; used for
// quality retries that must go back to the same provider
func PinSource(id string) FetchOption {
	return func(o *fetchOptions) { o.pin = id }
}

// DailyResult carries the bars and the source that produced them
type DailyResult struct {
	Quotes []market.Quote
	Source string
}

// FetchDaily fetches daily bars of one instrument. Bars outside r are
// discarded; an empty range performs no call.
func (f *Fetcher) FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange, opts ...FetchOption) (DailyResult, error) {
	if r.Empty() {
		return DailyResult{}, nil
	}
	o := collectOptions(opts)
	quotes, src, err := run(ctx, f, inst.Exchange, "daily", o, func(ctx context.Context, s Source) ([]market.Quote, error) {
		return s.FetchDaily(ctx, inst, r)
	})
	if err != nil {
		return DailyResult{Source: src}, err
	}

	fetchedAt := f.now().UTC()
	out := make([]market.Quote, 0, len(quotes))
	for _, q := range quotes {
		if !r.Contains(q.Day) {
			continue
		}
		q.InstrumentID = inst.ID
		q.Exchange = market.NormalizeExchange(inst.Exchange)
		q.Source = src
		if q.FetchedAt.IsZero() {
			q.FetchedAt = fetchedAt
		}
		out = append(out, q)
	}
	market.SortQuotes(out)
	return DailyResult{Quotes: out, Source: src}, nil
}

// FetchCalendar fetches the exchange calendar. Sources that do not serve
// calendars are skipped without promotion.
func (f *Fetcher) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	if r.Empty() {
		return nil, nil
	}
	exchange = market.NormalizeExchange(exchange)
	days, _, err := run(ctx, f, exchange, "calendar", fetchOptions{}, func(ctx context.Context, s Source) ([]market.TradingDay, error) {
		return s.FetchCalendar(ctx, exchange, r)
	})
	if err != nil {
		return nil, err
	}
	out := make([]market.TradingDay, 0, len(days))
	for _, d := range days {
		if !r.Contains(d.Day) {
			continue
		}
		d.Exchange = exchange
		out = append(out, d)
	}
	return out, nil
}

func collectOptions(opts []FetchOption) fetchOptions {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// run resolves sources and fails over after a promotion. Each source is
// tried at most once per call.
func run[T any](ctx context.Context, f *Fetcher, exchange, op string, o fetchOptions, call func(context.Context, Source) (T, error)) (T, string, error) {
	var zero T
	exchange = market.NormalizeExchange(exchange)

	var override Source
	if o.pin != "" {
		s, ok := f.registry.Source(o.pin)
		if !ok {
			return zero, "", fmt.Errorf("%w: %s", ErrNoSource, o.pin)
		}
		override = s
	}

	tried := make(map[string]bool)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		src := override
		override = nil
		if src == nil {
			active, err := f.registry.Active(exchange)
			if err != nil {
				return zero, "", err
			}
			src = active
		}
		id := src.ID()
		if tried[id] {
			return zero, id, exhausted(exchange, op, lastErr)
		}
		tried[id] = true

		val, err := attempt(ctx, f, src, exchange, op, call)
		if err == nil {
			return val, id, nil
		}
		lastErr = err

		switch {
		case o.pin != "":
			return zero, id, err
		case ctx.Err() != nil:
			return zero, id, ctx.Err()
		case errors.Is(err, ErrUnsupported):
			if override = f.nextSupporting(exchange, tried); override == nil {
				return zero, id, err
			}
		case KindOf(err) == KindDenied || SourceLevel(err):
			// the next Active call picks up a promotion, if one happened
		default:
			return zero, id, err
		}

		observ.Log("fetch_failover", map[string]any{
			"exchange": exchange,
			"op":       op,
			"from":     id,
			"error":    err.Error(),
		})
	}
}

func (f *Fetcher) nextSupporting(exchange string, tried map[string]bool) Source {
	for _, s := range f.registry.Sources(exchange) {
		if !tried[s.ID()] && !f.registry.breakers.IsOpen(s.ID()) {
			return s
		}
	}
	return nil
}

// exhausted turns a breaker denial with nowhere left to go into
// source_exhausted; any other last error is returned unchanged
func exhausted(exchange, op string, last error) error {
	if last == nil || KindOf(last) == KindDenied {
		return &FetchError{
			Kind:    KindSourceExhausted,
			Op:      op,
			Message: "no healthy source for " + exchange,
			Err:     ErrCircuitOpen,
		}
	}
	return last
}

func denied(source, op string) *FetchError {
	return &FetchError{Kind: KindDenied, Source: source, Op: op, Err: ErrCircuitOpen}
}

// attempt drives one source through breaker check, quota wait and the retry
// state machine
func attempt[T any](ctx context.Context, f *Fetcher, src Source, exchange, op string, call func(context.Context, Source) (T, error)) (T, error) {
	var zero T
	id := src.ID()
	labels := map[string]string{"source": id, "exchange": exchange, "op": op}
	breakers := f.registry.breakers

	var waited time.Duration
	for n := 0; ; n++ {
		// the breaker admits first so a refused call never spends a quota slot
		var probe bool
		for {
			allowed, p := breakers.Allow(id)
			if !allowed {
				return zero, denied(id, op)
			}
			d := f.quotas.Admit(id)
			if d.Allowed {
				probe = p
				break
			}
			if p {
				// no probe is held across a quota wait
				breakers.ReleaseProbe(id)
			}
			if waited+d.RetryAfter > f.maxWait() {
				return zero, &FetchError{
					Kind:    KindRateLimited,
					Source:  id,
					Op:      op,
					Message: fmt.Sprintf("%s quota wait %s exceeds ceiling %s", d.Window, waited+d.RetryAfter, f.maxWait()),
				}
			}
			observ.Debug("quota_wait", map[string]any{"source": id, "window": string(d.Window), "wait_ms": d.RetryAfter.Milliseconds()})
			if err := f.sleep(ctx, d.RetryAfter); err != nil {
				return zero, err
			}
			waited += d.RetryAfter
		}

		start := f.now()
		val, err := call(ctx, src)
		observ.RecordDuration("fetch_latency", f.now().Sub(start), map[string]string{"source": id})
		observ.IncCounter("fetch_requests_total", labels)

		outcome := Classify(err)
		if outcome == OutcomeOK {
			f.registry.ReportSuccess(id)
			return val, nil
		}
		if outcome == OutcomeRetryable && !probe && n < f.cfg.RetryTimes {
			wait := f.backoff(n)
			observ.IncCounter("fetch_retries_total", labels)
			observ.Debug("fetch_retry", map[string]any{
				"source":   id,
				"op":       op,
				"attempt":  n + 1,
				"error":    err.Error(),
				"wait_ms":  wait.Milliseconds(),
				"exchange": exchange,
			})
			if serr := f.sleep(ctx, wait); serr != nil {
				return zero, serr
			}
			continue
		}

		observ.IncCounter("fetch_errors_total", map[string]string{"source": id, "exchange": exchange, "kind": string(KindOf(err))})
		if SourceLevel(err) {
			f.registry.ReportFailure(exchange, id)
		} else if probe {
			breakers.ReleaseProbe(id)
		}
		return zero, err
	}
}
