// Package calendar resolves the trading days of an exchange.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// Calendar returns the sorted, deduplicated trading dates of an exchange in r
type Calendar interface {
	TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.Date, error)
}

// Fetcher pulls a calendar from upstream; adapters.Fetcher satisfies it
type Fetcher interface {
	FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error)
}

// Stored serves trading days persisted by Update. Days never refreshed
// fall back to the weekday rule when Fallback is set.
type Stored struct {
	store    storage.CalendarStore
	fallback Calendar
}

func NewStored(store storage.CalendarStore, fallback Calendar) *Stored {
	return &Stored{store: store, fallback: fallback}
}

func (s *Stored) TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.Date, error) {
	if r.Empty() {
		return nil, nil
	}
	days, err := s.store.TradingDays(ctx, exchange, r)
	if err != nil {
		return nil, fmt.Errorf("load calendar %s: %w", exchange, err)
	}
	out := market.TradingDates(days)
	if s.fallback == nil {
		return out, nil
	}

	// stored closed days count as covered too
	covered := make(map[market.Date]bool, len(days))
	for _, td := range days {
		covered[td.Day] = true
	}
	for _, gap := range uncovered(r, covered) {
		observ.Debug("calendar_fallback", map[string]any{"exchange": exchange, "range": gap.String()})
		extra, err := s.fallback.TradingDays(ctx, exchange, gap)
		if err != nil {
			return nil, err
		}
		out = append(out, extra...)
	}
	market.SortDates(out)
	return dedupe(out), nil
}

// uncovered returns the maximal sub-ranges of r with no stored day
func uncovered(r market.DateRange, covered map[market.Date]bool) []market.DateRange {
	var out []market.DateRange
	var start market.Date
	open := false
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		switch {
		case !covered[d] && !open:
			start, open = d, true
		case covered[d] && open:
			out = append(out, market.NewDateRange(start, d.AddDays(-1)))
			open = false
		}
	}
	if open {
		out = append(out, market.NewDateRange(start, r.End))
	}
	return out
}

// Update fetches the calendar for r and persists it, returning the number
// of trading days stored
func (s *Stored) Update(ctx context.Context, f Fetcher, exchange string, r market.DateRange) (int, error) {
	exchange = market.NormalizeExchange(exchange)
	days, err := f.FetchCalendar(ctx, exchange, r)
	if err != nil {
		return 0, fmt.Errorf("fetch calendar %s: %w", exchange, err)
	}
	if err := s.store.SaveTradingDays(ctx, days); err != nil {
		return 0, fmt.Errorf("save calendar %s: %w", exchange, err)
	}
	n := len(market.TradingDates(days))
	observ.Log("calendar_updated", map[string]any{
		"exchange":     exchange,
		"range":        r.String(),
		"days":         len(days),
		"trading_days": n,
	})
	return n, nil
}

// Weekdays treats every Monday to Friday as a trading day, minus holidays
type Weekdays struct {
	holidays map[market.Date]bool
}

func NewWeekdays(holidays ...market.Date) *Weekdays {
	w := &Weekdays{holidays: make(map[market.Date]bool, len(holidays))}
	for _, h := range holidays {
		w.holidays[h] = true
	}
	return w
}

func (w *Weekdays) TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.Date, error) {
	if r.Empty() {
		return nil, nil
	}
	var out []market.Date
	for d := r.Start; !d.After(r.End); d = d.AddDays(1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday || w.holidays[d] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Static serves a fixed list of trading days; handy for tests and replays
type Static map[string][]market.Date

func (s Static) TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.Date, error) {
	var out []market.Date
	for _, d := range s[market.NormalizeExchange(exchange)] {
		if r.Contains(d) {
			out = append(out, d)
		}
	}
	market.SortDates(out)
	return dedupe(out), nil
}

func dedupe(dates []market.Date) []market.Date {
	if len(dates) < 2 {
		return dates
	}
	out := dates[:1]
	for _, d := range dates[1:] {
		if d != out[len(out)-1] {
			out = append(out, d)
		}
	}
	return out
}
