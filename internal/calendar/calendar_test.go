package calendar

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

var (
	d = market.MustParseDate
	// Mon 2024-01-01 .. Wed 2024-01-10
	jan = market.NewDateRange(d("2024-01-01"), d("2024-01-10"))
)

func TestWeekdays(t *testing.T) {
	ctx := context.Background()
	days, err := NewWeekdays().TradingDays(ctx, "SSE", jan)
	require.NoError(t, err)
	assert.Len(t, days, 8)
	assert.Equal(t, d("2024-01-01"), days[0])
	assert.NotContains(t, days, d("2024-01-06"))
	assert.NotContains(t, days, d("2024-01-07"))

	days, err = NewWeekdays(d("2024-01-01")).TradingDays(ctx, "SSE", jan)
	require.NoError(t, err)
	assert.Len(t, days, 7)
	assert.Equal(t, d("2024-01-02"), days[0])

	days, err = NewWeekdays().TradingDays(ctx, "SSE", market.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestStatic(t *testing.T) {
	cal := Static{"SSE": {d("2024-01-03"), d("2024-01-02"), d("2024-01-03"), d("2024-02-01")}}
	days, err := cal.TradingDays(context.Background(), "sse", jan)
	require.NoError(t, err)
	assert.Equal(t, []market.Date{d("2024-01-02"), d("2024-01-03")}, days)
}

type fakeFetcher struct {
	days []market.TradingDay
	err  error
}

func (f fakeFetcher) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	return f.days, f.err
}

func TestStoredUpdateAndServe(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	cal := NewStored(mem, NewWeekdays())

	// nothing stored yet: weekday fallback
	days, err := cal.TradingDays(ctx, "SSE", jan)
	require.NoError(t, err)
	assert.Len(t, days, 8)

	n, err := cal.Update(ctx, fakeFetcher{days: []market.TradingDay{
		{Exchange: "SSE", Day: d("2024-01-02"), IsTrading: true},
		{Exchange: "SSE", Day: d("2024-01-03"), IsTrading: false},
		{Exchange: "SSE", Day: d("2024-01-04"), IsTrading: true},
	}}, "sse", jan)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// stored days win, the rest of the range falls back to weekdays
	days, err = cal.TradingDays(ctx, "SSE", jan)
	require.NoError(t, err)
	assert.Equal(t, []market.Date{
		d("2024-01-01"), d("2024-01-02"), d("2024-01-04"), d("2024-01-05"),
		d("2024-01-08"), d("2024-01-09"), d("2024-01-10"),
	}, days)
}

func TestStoredPartialCoverage(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	// refreshed for the first week only, with the 3rd closed
	var week []market.TradingDay
	for day := d("2024-01-01"); !day.After(d("2024-01-05")); day = day.AddDays(1) {
		week = append(week, market.TradingDay{Exchange: "SSE", Day: day, IsTrading: day != d("2024-01-03")})
	}
	require.NoError(t, mem.SaveTradingDays(ctx, week))

	tests := []struct {
		name     string
		fallback Calendar
		r        market.DateRange
		want     []market.Date
	}{
		{
			name:     "straddles refresh edge",
			fallback: NewWeekdays(),
			r:        jan,
			want: []market.Date{
				d("2024-01-01"), d("2024-01-02"), d("2024-01-04"), d("2024-01-05"),
				d("2024-01-08"), d("2024-01-09"), d("2024-01-10"),
			},
		},
		{
			name:     "hole before refresh",
			fallback: NewWeekdays(),
			r:        market.NewDateRange(d("2023-12-28"), d("2024-01-03")),
			want:     []market.Date{d("2023-12-28"), d("2023-12-29"), d("2024-01-01"), d("2024-01-02")},
		},
		{
			name:     "fully covered ignores fallback",
			fallback: Static{},
			r:        market.NewDateRange(d("2024-01-02"), d("2024-01-05")),
			want:     []market.Date{d("2024-01-02"), d("2024-01-04"), d("2024-01-05")},
		},
		{
			name: "no fallback serves stored only",
			r:    jan,
			want: []market.Date{d("2024-01-01"), d("2024-01-02"), d("2024-01-04"), d("2024-01-05")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days, err := NewStored(mem, tt.fallback).TradingDays(ctx, "SSE", tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, days)
		})
	}
}

func TestStoredUpdateFailure(t *testing.T) {
	cal := NewStored(storage.NewMemory(), nil)
	boom := errors.New("upstream down")
	_, err := cal.Update(context.Background(), fakeFetcher{err: boom}, "SSE", jan)
	assert.ErrorIs(t, err, boom)

	days, err := cal.TradingDays(context.Background(), "SSE", jan)
	require.NoError(t, err)
	assert.Empty(t, days)
}
