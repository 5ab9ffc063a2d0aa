package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/quote-ingest/internal/adapters"
	"github.com/Rajchodisetti/quote-ingest/internal/calendar"
	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/quality"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

var (
	d     = market.MustParseDate
	jan   = market.NewDateRange(d("2024-01-01"), d("2024-01-10"))
	clock = func() time.Time { return time.Date(2024, 1, 11, 10, 0, 0, 0, time.UTC) }
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newFetcher(sources ...adapters.Source) *adapters.Fetcher {
	breakers := adapters.NewBreakerSet(adapters.DefaultBreakerConfig(), adapters.WithBreakerClock(clock))
	registry := adapters.NewRegistry(breakers, sources...)
	quotas := adapters.NewQuotaTracker(adapters.QuotaLimits{}, nil, adapters.WithQuotaClock(clock))
	return adapters.NewFetcher(registry, quotas, adapters.DefaultFetcherConfig(),
		adapters.WithSleep(noSleep), adapters.WithFetcherClock(clock))
}

func instruments(n int) []market.Instrument {
	out := make([]market.Instrument, n)
	for i := range out {
		code := fmt.Sprintf("6%05d", i)
		out[i] = market.Instrument{ID: code + ".SSE", Exchange: "SSE", Code: code, ListingDate: d("2000-01-01")}
	}
	return out
}

type fixture struct {
	orch   *Orchestrator
	source *adapters.ScriptedSource
	store  *storage.Memory
}

func newFixture(t *testing.T, insts []market.Instrument, cfg Config, checkpoints storage.CheckpointStore) fixture {
	t.Helper()
	src := adapters.NewScriptedSource("primary", 1, "SSE")
	store := storage.NewMemory()
	if checkpoints == nil {
		checkpoints = store
	}
	cat, err := catalog.NewFile(insts)
	require.NoError(t, err)
	orch := NewOrchestrator(newFetcher(src), store, checkpoints, calendar.NewWeekdays(), cat,
		quality.NewAssessor(quality.DefaultConfig()), cfg, WithClock(clock))
	return fixture{orch: orch, source: src, store: store}
}

func requestedIDs(src *adapters.ScriptedSource) map[string]int {
	out := make(map[string]int)
	for _, r := range src.Requests() {
		out[r.InstrumentID]++
	}
	return out
}

func TestRunThenResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, instruments(3), Config{BatchSize: 2, Workers: 2, ChunkDays: 7}, nil)

	sum, err := f.orch.Run(ctx, Request{Exchange: "sse", Range: jan})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, sum.Status)
	assert.Equal(t, "download_SSE_20240101_20240110", sum.BatchID)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 24, sum.QuotesWritten)
	// two chunks per instrument: Jan 1-5 and Jan 8-10
	assert.Equal(t, 6, f.source.DailyCalls())

	before, err := f.store.Quotes(ctx, "600001.SSE", jan)
	require.NoError(t, err)
	require.Len(t, before, 8)

	f.source.ResetCalls()
	again, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, again.Status)
	assert.Zero(t, f.source.DailyCalls())
	assert.Equal(t, 3, again.Skipped)

	after, err := f.store.Quotes(ctx, "600001.SSE", jan)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResumeAfterCrashProcessesOnlyRemaining(t *testing.T) {
	insts := instruments(50)
	f := newFixture(t, insts, Config{BatchSize: 10, Workers: 1, ChunkDays: 0}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crashAt := insts[25].ID
	f.source.WithDaily(func(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
		if inst.ID == crashAt {
			cancel()
			return nil, context.Canceled
		}
		return adapters.NewSimSource("primary", 1, []string{"SSE"}, adapters.SimConfig{}).FetchDaily(ctx, inst, r)
	})

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, storage.StatusAborted, sum.Status)
	assert.Equal(t, 25, sum.Processed)

	cp, err := f.store.LoadCheckpoint(context.Background(), sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 25, cp.Cursor, "indexes 0..24 committed")
	assert.Equal(t, storage.StatusAborted, cp.Status)
	assert.Equal(t, 2, cp.CurrentPartition)

	f.source.ResetCalls()
	f.source.WithDaily(nil)
	resumed, err := f.orch.Run(context.Background(), Request{Exchange: "SSE", Range: jan, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, resumed.Status)
	assert.Equal(t, 25, resumed.Skipped)
	assert.Equal(t, 50, resumed.Processed)

	got := requestedIDs(f.source)
	assert.Len(t, got, 25)
	for i, inst := range insts {
		if i < 25 {
			assert.NotContains(t, got, inst.ID)
		} else {
			assert.Equal(t, 1, got[inst.ID], inst.ID)
		}
	}
}

func TestResumeContinuesFromDayCursor(t *testing.T) {
	ctx := context.Background()
	insts := instruments(1)
	f := newFixture(t, insts, Config{ChunkDays: 7}, nil)

	batchID := BatchID("SSE", jan)
	cp := storage.NewCheckpoint(batchID, "SSE", jan, 1, 50, clock())
	cp.Status = storage.StatusRunning
	cp.DayCursor[insts[0].ID] = d("2024-01-05")
	require.NoError(t, f.store.SaveCheckpoint(ctx, cp))

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)

	reqs := f.source.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, market.NewDateRange(d("2024-01-08"), d("2024-01-10")), reqs[0].Range)

	done, err := f.store.LoadCheckpoint(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, done.DayCursor)
	assert.Equal(t, 1, done.Cursor)
}

func TestNoResumeDiscardsStaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, instruments(2), Config{}, nil)

	stale := storage.NewCheckpoint(BatchID("SSE", jan), "SSE", jan, 2, 50, clock())
	stale.MarkDone(0)
	stale.MarkDone(1)
	stale.Status = storage.StatusCompleted
	require.NoError(t, f.store.SaveCheckpoint(ctx, stale))

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan, Resume: false})
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, f.source.DailyCalls())
}

func TestQualityBelowThresholdIsStoredFlagged(t *testing.T) {
	ctx := context.Background()
	inst := instruments(1)
	r := market.NewDateRange(d("2024-01-02"), d("2024-01-03"))

	bad := func(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
		var out []market.Quote
		for day := r.Start; !day.After(r.End); day = day.AddDays(1) {
			out = append(out, market.Quote{Day: day, Open: 10, High: 11, Low: 9, Close: 0, Volume: 1000})
		}
		return out, nil
	}

	t.Run("still bad after retry", func(t *testing.T) {
		f := newFixture(t, inst, Config{}, nil)
		f.source.WithDaily(bad)

		sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: r})
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Succeeded)
		assert.Equal(t, 2, sum.QuotesWritten)
		assert.Equal(t, 2, sum.QuotesFlagged)
		assert.Equal(t, 2, f.source.DailyCalls(), "one fetch and one same-source retry")

		stored, err := f.store.Quotes(ctx, inst[0].ID, r)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		for _, q := range stored {
			assert.True(t, q.Flagged)
			assert.Less(t, q.Quality, 0.7)
			assert.Greater(t, q.Quality, 0.0)
			assert.Equal(t, "primary", q.Source)
		}
	})

	t.Run("retry improves", func(t *testing.T) {
		f := newFixture(t, inst, Config{}, nil)
		var mu sync.Mutex
		calls := 0
		f.source.WithDaily(func(ctx context.Context, i market.Instrument, r market.DateRange) ([]market.Quote, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				return bad(ctx, i, r)
			}
			return adapters.NewSimSource("primary", 1, []string{"SSE"}, adapters.SimConfig{}).FetchDaily(ctx, i, r)
		})

		sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: r})
		require.NoError(t, err)
		assert.Zero(t, sum.QuotesFlagged)

		stored, err := f.store.Quotes(ctx, inst[0].ID, r)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		for _, q := range stored {
			assert.False(t, q.Flagged)
			assert.GreaterOrEqual(t, q.Quality, 0.7)
		}
	})

	t.Run("request threshold override", func(t *testing.T) {
		f := newFixture(t, inst, Config{}, nil)
		f.source.WithDaily(bad)

		sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: r, QualityThreshold: 0.5})
		require.NoError(t, err)
		assert.Zero(t, sum.QuotesFlagged)
		assert.Equal(t, 1, f.source.DailyCalls())
	})
}

func TestPreListingDaysAreNeverRequested(t *testing.T) {
	ctx := context.Background()
	insts := []market.Instrument{
		{ID: "600100.SSE", Exchange: "SSE", Code: "600100", ListingDate: d("2024-01-05")},
		{ID: "600200.SSE", Exchange: "SSE", Code: "600200", ListingDate: d("2024-02-01")},
	}
	f := newFixture(t, insts, Config{ChunkDays: 0}, nil)

	wide := market.NewDateRange(d("2023-12-25"), d("2024-01-20"))
	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: wide})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)

	reqs := f.source.Requests()
	require.Len(t, reqs, 1, "the instrument listed after the range is never requested")
	assert.Equal(t, "600100.SSE", reqs[0].InstrumentID)
	assert.Equal(t, d("2024-01-05"), reqs[0].Range.Start)
	assert.Equal(t, d("2024-01-10"), reqs[0].Range.End, "nothing after yesterday")
}

func TestInstrumentFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	insts := instruments(3)
	f := newFixture(t, insts, Config{Workers: 3}, nil)
	sim := adapters.NewSimSource("primary", 1, []string{"SSE"}, adapters.SimConfig{})
	f.source.WithDaily(func(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
		if inst.ID == insts[1].ID {
			return nil, adapters.NewInvalidRequestError("primary", "daily", "unknown symbol")
		}
		return sim.FetchDaily(ctx, inst, r)
	})

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], insts[1].ID)
}

func TestCancelledBeforeStartIsAborted(t *testing.T) {
	f := newFixture(t, instruments(3), Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan})
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, storage.StatusAborted, sum.Status)
	assert.Zero(t, sum.Processed)
	assert.Zero(t, f.source.DailyCalls())

	cp, err := f.store.LoadCheckpoint(context.Background(), sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAborted, cp.Status)
	assert.Zero(t, cp.Cursor)
}

// flakyCheckpoints fails every save after the first n
type flakyCheckpoints struct {
	*storage.Memory
	mu    sync.Mutex
	saves int
	limit int
}

func (f *flakyCheckpoints) SaveCheckpoint(ctx context.Context, cp *storage.Checkpoint) error {
	f.mu.Lock()
	f.saves++
	over := f.saves > f.limit
	f.mu.Unlock()
	if over {
		return errors.New("disk full")
	}
	return f.Memory.SaveCheckpoint(ctx, cp)
}

func TestCheckpointStoreFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	checkpoints := &flakyCheckpoints{Memory: storage.NewMemory(), limit: 3}
	f := newFixture(t, instruments(5), Config{BatchSize: 10, Workers: 1, ChunkDays: 0}, checkpoints)

	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan})
	require.ErrorIs(t, err, storage.ErrCheckpointUnavailable)
	assert.Equal(t, storage.StatusFailed, sum.Status)
	assert.NotEmpty(t, sum.Error)
	assert.Less(t, f.source.DailyCalls(), 5)

	// saves: running, day cursor and commit of the first instrument; the
	// second instrument's day cursor is the first failed save
	last, err := checkpoints.Memory.LoadCheckpoint(ctx, sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRunning, last.Status)
	assert.Equal(t, 1, last.Cursor)
	assert.Equal(t, 2, f.source.DailyCalls())
}

func TestCatalogFailureFailsBatch(t *testing.T) {
	store := storage.NewMemory()
	orch := NewOrchestrator(newFetcher(adapters.NewScriptedSource("primary", 1, "SSE")), store, store,
		calendar.NewWeekdays(), failingCatalog{}, quality.NewAssessor(quality.DefaultConfig()), Config{}, WithClock(clock))

	sum, err := orch.Run(context.Background(), Request{Exchange: "SSE", Range: jan})
	require.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.Equal(t, storage.StatusFailed, sum.Status)

	_, err = store.LoadCheckpoint(context.Background(), sum.BatchID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingCatalog struct{}

func (failingCatalog) ListInstruments(context.Context, string, catalog.Filter) ([]market.Instrument, error) {
	return nil, errors.New("connection refused")
}

func TestExplicitInstrumentsAndDropCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Config{}, nil)
	inst := instruments(1)[0]

	sum, err := f.orch.Run(ctx, Request{
		BatchID:        "repair_test",
		Exchange:       "SSE",
		Range:          market.NewDateRange(d("2024-01-02"), d("2024-01-03")),
		Instruments:    []market.Instrument{inst},
		DropCheckpoint: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.QuotesWritten)

	_, err = f.store.LoadCheckpoint(ctx, "repair_test")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunk(t *testing.T) {
	days, _ := calendar.NewWeekdays().TradingDays(context.Background(), "SSE", market.NewDateRange(d("2024-01-01"), d("2024-01-19")))

	tests := []struct {
		name string
		span int
		want []market.DateRange
	}{
		{"single range", 0, []market.DateRange{{Start: d("2024-01-01"), End: d("2024-01-19")}}},
		{"weekly", 7, []market.DateRange{
			{Start: d("2024-01-01"), End: d("2024-01-05")},
			{Start: d("2024-01-08"), End: d("2024-01-12")},
			{Start: d("2024-01-15"), End: d("2024-01-19")},
		}},
		{"three days", 3, []market.DateRange{
			{Start: d("2024-01-01"), End: d("2024-01-03")},
			{Start: d("2024-01-04"), End: d("2024-01-05")},
			{Start: d("2024-01-08"), End: d("2024-01-10")},
			{Start: d("2024-01-11"), End: d("2024-01-12")},
			{Start: d("2024-01-15"), End: d("2024-01-17")},
			{Start: d("2024-01-18"), End: d("2024-01-19")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(days, tt.span))
		})
	}
	assert.Nil(t, Chunk(nil, 7))
}

func TestEffectiveRange(t *testing.T) {
	today := d("2024-01-11")
	tests := []struct {
		name    string
		listing market.Date
		r       market.DateRange
		want    market.DateRange
		empty   bool
	}{
		{"listed long ago", d("2000-01-01"), jan, jan, false},
		{"listed mid range", d("2024-01-05"), jan, market.NewDateRange(d("2024-01-05"), d("2024-01-10")), false},
		{"unknown listing", market.Date{}, jan, jan, false},
		{"future clipped", d("2000-01-01"), market.NewDateRange(d("2024-01-08"), d("2024-01-31")), market.NewDateRange(d("2024-01-08"), d("2024-01-10")), false},
		{"listed after range", d("2024-02-01"), jan, market.DateRange{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveRange(tt.r, market.Instrument{ListingDate: tt.listing}, today)
			if tt.empty {
				assert.True(t, got.Empty())
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgressOf(t *testing.T) {
	start := clock().Add(-time.Hour)
	cp := storage.NewCheckpoint("b", "SSE", jan, 8, 3, start)
	cp.Status = storage.StatusRunning
	for i := 0; i < 4; i++ {
		cp.MarkDone(i)
		cp.Processed++
		cp.Succeeded++
	}
	cp.Processed++
	cp.Failed++
	cp.MarkDone(4)
	cp.CurrentPartition = 1

	p := ProgressOf(cp, clock())
	assert.Equal(t, 62.5, p.PercentComplete)
	assert.Equal(t, 80.0, p.SuccessRate)
	assert.Equal(t, 3, p.Remaining)
	assert.Equal(t, 3, p.Partitions)
	assert.Equal(t, time.Hour, p.Elapsed)
}

func TestProgressFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, instruments(2), Config{}, nil)
	sum, err := f.orch.Run(ctx, Request{Exchange: "SSE", Range: jan})
	require.NoError(t, err)

	p, err := f.orch.Progress(ctx, sum.BatchID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, p.Status)
	assert.Equal(t, 100.0, p.PercentComplete)

	_, err = f.orch.Progress(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := f.orch.Checkpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
