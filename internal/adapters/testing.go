package adapters

import (
	"context"
	"sync"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// DailyFunc is the daily fetch behavior of a ScriptedSource
type DailyFunc func(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error)

// DailyRequest records one FetchDaily call
type DailyRequest struct {
	InstrumentID string
	Range        market.DateRange
}

// ScriptedSource is a Source for tests and dry runs: it fails with queued
// errors first, then delegates to a sim source or a custom DailyFunc, and
// records every call it receives.
type ScriptedSource struct {
	sourceInfo
	sim *SimSource

	mu           sync.Mutex
	dailyErrs    []error
	calendarErrs []error
	daily        DailyFunc
	requests     []DailyRequest
	dailyCalls   int
	calCalls     int
	noCalendar   bool
}

func NewScriptedSource(id string, priority int, exchanges ...string) *ScriptedSource {
	return &ScriptedSource{
		sourceInfo: newSourceInfo(id, priority, exchanges),
		sim:        NewSimSource(id, priority, exchanges, SimConfig{}),
	}
}

// FailNext queues errors returned by the next FetchDaily calls, in order
func (s *ScriptedSource) FailNext(errs ...error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyErrs = append(s.dailyErrs, errs...)
	return s
}

// FailCalendarNext queues errors for the next FetchCalendar calls
func (s *ScriptedSource) FailCalendarNext(errs ...error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendarErrs = append(s.calendarErrs, errs...)
	return s
}

// WithDaily replaces the delegate daily behavior
func (s *ScriptedSource) WithDaily(fn DailyFunc) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = fn
	return s
}

// WithoutCalendar makes FetchCalendar report the operation as unsupported
func (s *ScriptedSource) WithoutCalendar() *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noCalendar = true
	return s
}

func (s *ScriptedSource) FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
	s.mu.Lock()
	s.dailyCalls++
	s.requests = append(s.requests, DailyRequest{InstrumentID: inst.ID, Range: r})
	var err error
	if len(s.dailyErrs) > 0 {
		err = s.dailyErrs[0]
		s.dailyErrs = s.dailyErrs[1:]
	}
	fn := s.daily
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, inst, r)
	}
	return s.sim.FetchDaily(ctx, inst, r)
}

func (s *ScriptedSource) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	s.mu.Lock()
	s.calCalls++
	var err error
	if len(s.calendarErrs) > 0 {
		err = s.calendarErrs[0]
		s.calendarErrs = s.calendarErrs[1:]
	}
	unsupported := s.noCalendar
	s.mu.Unlock()

	if unsupported {
		return nil, newUnsupportedError(s.id, "calendar")
	}
	if err != nil {
		return nil, err
	}
	return s.sim.FetchCalendar(ctx, exchange, r)
}

func (s *ScriptedSource) Close() error { return nil }

// DailyCalls returns how many FetchDaily calls reached the source
func (s *ScriptedSource) DailyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyCalls
}

// CalendarCalls returns how many FetchCalendar calls reached the source
func (s *ScriptedSource) CalendarCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calCalls
}

// Requests returns a copy of the recorded daily requests
func (s *ScriptedSource) Requests() []DailyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DailyRequest(nil), s.requests...)
}

// ResetCalls clears the call counters and recorded requests
func (s *ScriptedSource) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyCalls = 0
	s.calCalls = 0
	s.requests = nil
}
