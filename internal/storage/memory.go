package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// Memory implements every storage contract in process. It backs tests and
// dry runs; nothing survives a restart.
type Memory struct {
	mu          sync.RWMutex
	quotes      map[string]map[market.Date]market.Quote
	checkpoints map[string]*Checkpoint
	calendars   map[string]map[market.Date]bool
	instruments map[string]market.Instrument
	writes      int
}

func NewMemory() *Memory {
	return &Memory{
		quotes:      make(map[string]map[market.Date]market.Quote),
		checkpoints: make(map[string]*Checkpoint),
		calendars:   make(map[string]map[market.Date]bool),
		instruments: make(map[string]market.Instrument),
	}
}

func (m *Memory) UpsertQuotes(ctx context.Context, quotes []market.Quote) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, q := range quotes {
		byDay, ok := m.quotes[q.InstrumentID]
		if !ok {
			byDay = make(map[market.Date]market.Quote)
			m.quotes[q.InstrumentID] = byDay
		}
		if existing, ok := byDay[q.Day]; ok && !shouldReplace(existing, q) {
			continue
		}
		byDay[q.Day] = q
		n++
	}
	m.writes += n
	return n, nil
}

func (m *Memory) QuoteDays(ctx context.Context, instrumentID string, r market.DateRange) (map[market.Date]QuoteDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[market.Date]QuoteDay)
	for d, q := range m.quotes[instrumentID] {
		if r.Contains(d) {
			out[d] = QuoteDay{Quality: q.Quality, Flagged: q.Flagged}
		}
	}
	return out, nil
}

func (m *Memory) Quotes(ctx context.Context, instrumentID string, r market.DateRange) ([]market.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []market.Quote
	for d, q := range m.quotes[instrumentID] {
		if r.Contains(d) {
			out = append(out, q)
		}
	}
	market.SortQuotes(out)
	return out, nil
}

func (m *Memory) LastQuote(ctx context.Context, instrumentID string, before market.Date) (market.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  market.Quote
		found bool
	)
	for d, q := range m.quotes[instrumentID] {
		if d.Before(before) && (!found || d.After(best.Day)) {
			best, found = q, true
		}
	}
	if !found {
		return market.Quote{}, ErrNotFound
	}
	return best, nil
}

// QuoteWrites counts rows written by UpsertQuotes since creation
func (m *Memory) QuoteWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// DeleteQuotes removes stored days; tests use it to punch gaps
func (m *Memory) DeleteQuotes(instrumentID string, days ...market.Date) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range days {
		delete(m.quotes[instrumentID], d)
	}
}

func (m *Memory) LoadCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.BatchID] = cp.Clone()
	return nil
}

func (m *Memory) DeleteCheckpoint(ctx context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, batchID)
	return nil
}

func (m *Memory) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		out = append(out, *cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out, nil
}

func (m *Memory) SaveTradingDays(ctx context.Context, days []market.TradingDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range days {
		ex := market.NormalizeExchange(d.Exchange)
		cal, ok := m.calendars[ex]
		if !ok {
			cal = make(map[market.Date]bool)
			m.calendars[ex] = cal
		}
		cal[d.Day] = d.IsTrading
	}
	return nil
}

func (m *Memory) TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex := market.NormalizeExchange(exchange)
	var out []market.TradingDay
	for d, open := range m.calendars[ex] {
		if r.Contains(d) {
			out = append(out, market.TradingDay{Exchange: ex, Day: d, IsTrading: open})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *Memory) UpsertInstruments(ctx context.Context, instruments []market.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range instruments {
		m.instruments[inst.ID] = inst
	}
	return nil
}

func (m *Memory) ListInstruments(ctx context.Context, exchange string) ([]market.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex := market.NormalizeExchange(exchange)
	var out []market.Instrument
	for _, inst := range m.instruments {
		if ex == "" || market.NormalizeExchange(inst.Exchange) == ex {
			out = append(out, inst)
		}
	}
	market.SortInstruments(out)
	return out, nil
}
