package adapters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

var (
	testInst  = market.Instrument{ID: "600000.SSE", Exchange: "SSE", Code: "600000", ListingDate: market.MustParseDate("2000-01-01")}
	testRange = market.NewDateRange(market.MustParseDate("2024-01-01"), market.MustParseDate("2024-01-10"))
)

type sleepRecorder struct {
	mu     sync.Mutex
	clock  *fakeClock
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	s.clock.Advance(d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fetcherFixture struct {
	fetcher  *Fetcher
	breakers *BreakerSet
	clock    *fakeClock
	sleeper  *sleepRecorder
}

func newFetcherFixture(breakerCfg BreakerConfig, limits QuotaLimits, sources ...Source) fetcherFixture {
	clock := newFakeClock(time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC))
	breakers := NewBreakerSet(breakerCfg, WithBreakerClock(clock.Now))
	registry := NewRegistry(breakers, sources...)
	quotas := NewQuotaTracker(limits, nil, WithQuotaClock(clock.Now))
	sleeper := &sleepRecorder{clock: clock}
	f := NewFetcher(registry, quotas,
		FetcherConfig{RetryTimes: 3, RetryIntervalMs: 2000, BackoffFactor: 2, MaxWaitSeconds: 30},
		WithSleep(sleeper.sleep), WithFetcherClock(clock.Now))
	return fetcherFixture{fetcher: f, breakers: breakers, clock: clock, sleeper: sleeper}
}

func transient(source string) error {
	return NewTransientError(source, "daily", "connection reset", nil)
}

func TestFetcherRetriesTransientWithBackoff(t *testing.T) {
	src := NewScriptedSource("primary", 1, "SSE").FailNext(transient("primary"), transient("primary"))
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{}, src)

	res, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Source)
	assert.Len(t, res.Quotes, 8) // weekdays 01-01..01-10
	assert.Equal(t, 3, src.DailyCalls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, fx.sleeper.recorded())
	assert.Equal(t, 0, fx.breakers.State("primary").Failures)

	for _, q := range res.Quotes {
		assert.Equal(t, "600000.SSE", q.InstrumentID)
		assert.Equal(t, "primary", q.Source)
		assert.False(t, q.FetchedAt.IsZero())
	}
}

func TestFetcherOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		wantCalls    int
		wantKind     ErrorKind
		wantFailures int
	}{
		{
			name:         "retries exhausted",
			errs:         []error{transient("p"), transient("p"), transient("p"), transient("p")},
			wantCalls:    4,
			wantKind:     KindTransient,
			wantFailures: 1,
		},
		{
			name:         "bad request is not retried",
			errs:         []error{NewInvalidRequestError("p", "daily", "unknown code")},
			wantCalls:    1,
			wantKind:     KindInvalidRequest,
			wantFailures: 0,
		},
		{
			name:         "auth failure is fatal and source level",
			errs:         []error{NewAuthError("p", "daily", "token expired")},
			wantCalls:    1,
			wantKind:     KindAuth,
			wantFailures: 1,
		},
		{
			name:         "upstream quota is retried",
			errs:         []error{NewQuotaError("p", "daily", "40203")},
			wantCalls:    2,
			wantFailures: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewScriptedSource("p", 1, "SSE").FailNext(tt.errs...)
			fx := newFetcherFixture(BreakerConfig{FailureThreshold: 5}, QuotaLimits{}, src)

			_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
			if tt.wantKind == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
			}
			assert.Equal(t, tt.wantCalls, src.DailyCalls())
			assert.Equal(t, tt.wantFailures, fx.breakers.State("p").Failures)
		})
	}
}

func TestFetcherFailsOverAfterPromotion(t *testing.T) {
	primary := NewScriptedSource("primary", 1, "SSE").FailNext(
		transient("primary"), transient("primary"), transient("primary"), transient("primary"))
	backup := NewScriptedSource("backup", 2, "SSE")
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1, CooldownSeconds: 300}, QuotaLimits{}, primary, backup)

	res, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Source)
	assert.Equal(t, 4, primary.DailyCalls())
	assert.Equal(t, 1, backup.DailyCalls())

	// promotion holds for the next call
	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	assert.Equal(t, 4, primary.DailyCalls())
}

func TestFetcherBreakerOpenWithoutFallback(t *testing.T) {
	src := NewScriptedSource("only", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1, CooldownSeconds: 300}, QuotaLimits{}, src)
	fx.breakers.RecordFailure("only")

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceExhausted))
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Zero(t, src.DailyCalls(), "no network call while open")
}

func TestFetcherProbeIsNotRetried(t *testing.T) {
	src := NewScriptedSource("only", 1, "SSE").FailNext(transient("only"))
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1, CooldownSeconds: 60, CooldownMultiplier: 2, MaxCooldownSeconds: 600}, QuotaLimits{}, src)
	fx.breakers.RecordFailure("only")
	fx.clock.Advance(time.Minute)

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.Error(t, err)
	assert.Equal(t, 1, src.DailyCalls())
	assert.Equal(t, CircuitOpen, fx.breakers.State("only").State)
	assert.Equal(t, 2*time.Minute, fx.breakers.State("only").Cooldown)

	fx.clock.Advance(2 * time.Minute)
	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	assert.False(t, fx.breakers.IsOpen("only"))
}

func TestFetcherRefusedProbeSpendsNoQuota(t *testing.T) {
	src := NewScriptedSource("only", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1, CooldownSeconds: 60}, QuotaLimits{PerMinute: 1}, src)
	fx.breakers.RecordFailure("only")
	fx.clock.Advance(time.Minute)

	// another caller holds the half-open probe
	allowed, probe := fx.breakers.Allow("only")
	require.True(t, allowed)
	require.True(t, probe)

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.Error(t, err)
	assert.Zero(t, src.DailyCalls())
	for _, w := range fx.fetcher.Quotas().State("only") {
		assert.Zero(t, w.Count, string(w.Kind))
	}

	fx.breakers.ReleaseProbe("only")
	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	assert.Equal(t, 1, src.DailyCalls())
	assert.Equal(t, CircuitClosed, fx.breakers.State("only").State)
}

func TestFetcherReleasesProbeWhenQuotaDenies(t *testing.T) {
	src := NewScriptedSource("only", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1, CooldownSeconds: 60}, QuotaLimits{PerHour: 1}, src)
	require.True(t, fx.fetcher.Quotas().Admit("only").Allowed)
	fx.breakers.RecordFailure("only")
	fx.clock.Advance(time.Minute)

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Zero(t, src.DailyCalls())
	assert.False(t, fx.breakers.IsOpen("only"), "probe is free for the next caller")
}

func TestFetcherWaitsForQuota(t *testing.T) {
	src := NewScriptedSource("p", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{PerMinute: 1}, src)
	fx.clock.Advance(40 * time.Second)

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{20 * time.Second}, fx.sleeper.recorded())
	assert.Equal(t, 2, src.DailyCalls())
}

func TestFetcherRateLimitedBeyondMaxWait(t *testing.T) {
	src := NewScriptedSource("p", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{PerHour: 1}, src)

	_, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, 1, src.DailyCalls())
	assert.Empty(t, fx.sleeper.recorded())
	assert.Zero(t, fx.breakers.State("p").Failures, "local quota is not a source failure")
}

func TestFetcherEmptyRangeMakesNoCall(t *testing.T) {
	src := NewScriptedSource("p", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{}, src)

	res, err := fx.fetcher.FetchDaily(context.Background(), testInst, market.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, res.Quotes)
	assert.Zero(t, src.DailyCalls())
}

func TestFetcherDropsBarsOutsideRange(t *testing.T) {
	src := NewScriptedSource("p", 1, "SSE").WithDaily(func(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
		return []market.Quote{
			{Day: market.MustParseDate("2023-12-29"), Open: 1, High: 1, Low: 1, Close: 1},
			{Day: market.MustParseDate("2024-01-03"), Open: 1, High: 1, Low: 1, Close: 1},
			{Day: market.MustParseDate("2024-01-02"), Open: 1, High: 1, Low: 1, Close: 1},
		}, nil
	})
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{}, src)

	res, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange)
	require.NoError(t, err)
	require.Len(t, res.Quotes, 2)
	assert.Equal(t, "2024-01-02", res.Quotes[0].Day.String())
	assert.Equal(t, "2024-01-03", res.Quotes[1].Day.String())
}

func TestFetcherPinSource(t *testing.T) {
	primary := NewScriptedSource("primary", 1, "SSE")
	backup := NewScriptedSource("backup", 2, "SSE")
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{}, primary, backup)

	res, err := fx.fetcher.FetchDaily(context.Background(), testInst, testRange, PinSource("backup"))
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Source)
	assert.Zero(t, primary.DailyCalls())

	_, err = fx.fetcher.FetchDaily(context.Background(), testInst, testRange, PinSource("missing"))
	assert.True(t, errors.Is(err, ErrNoSource))
}

func TestFetcherCalendarSkipsUnsupportedSource(t *testing.T) {
	primary := NewScriptedSource("primary", 1, "SSE").WithoutCalendar()
	backup := NewScriptedSource("backup", 2, "SSE")
	fx := newFetcherFixture(BreakerConfig{FailureThreshold: 1}, QuotaLimits{}, primary, backup)

	days, err := fx.fetcher.FetchCalendar(context.Background(), "SSE", testRange)
	require.NoError(t, err)
	assert.Len(t, days, 10)
	assert.Len(t, market.TradingDates(days), 8)

	active, _ := fx.fetcher.Registry().Active("SSE")
	assert.Equal(t, "primary", active.ID(), "unsupported calls do not promote")
	assert.Equal(t, 1, backup.CalendarCalls())
}

func TestFetcherHonorsCancellation(t *testing.T) {
	src := NewScriptedSource("p", 1, "SSE")
	fx := newFetcherFixture(BreakerConfig{}, QuotaLimits{}, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.fetcher.FetchDaily(ctx, testInst, testRange)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, src.DailyCalls())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"transient", NewTransientError("s", "daily", "timeout", nil), OutcomeRetryable},
		{"quota", NewQuotaError("s", "daily", "slow down"), OutcomeRetryable},
		{"auth", NewAuthError("s", "daily", "bad token"), OutcomeFatal},
		{"invalid", NewInvalidRequestError("s", "daily", "bad code"), OutcomeFatal},
		{"canceled", context.Canceled, OutcomeFatal},
		{"deadline", context.DeadlineExceeded, OutcomeRetryable},
		{"unknown", errors.New("boom"), OutcomeRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestHTTPStatusError(t *testing.T) {
	assert.Equal(t, KindQuota, httpStatusError("s", "daily", 429, "").Kind)
	assert.Equal(t, KindAuth, httpStatusError("s", "daily", 403, "").Kind)
	assert.Equal(t, KindTransient, httpStatusError("s", "daily", 503, "").Kind)
	assert.Equal(t, KindInvalidRequest, httpStatusError("s", "daily", 404, "").Kind)
}
