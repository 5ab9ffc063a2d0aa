package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// InstrumentStatus follows active -> suspended -> delisted
type InstrumentStatus string

const (
	StatusActive    InstrumentStatus = "active"
	StatusSuspended InstrumentStatus = "suspended"
	StatusDelisted  InstrumentStatus = "delisted"
)

// Instrument is read-only reference data owned by the catalog
type Instrument struct {
	ID          string           `json:"id" yaml:"id"`             // exchange-qualified, e.g. "600000.SSE"
	Exchange    string           `json:"exchange" yaml:"exchange"` // "SSE", "SZSE", "NASDAQ", ...
	Code        string           `json:"code" yaml:"code"`         // local code at the exchange
	Name        string           `json:"name,omitempty" yaml:"name"`
	ListingDate Date             `json:"listing_date" yaml:"listing_date"`
	Status      InstrumentStatus `json:"status" yaml:"status"`
}

// Active reports whether the instrument is still listed and trading
func (i Instrument) Active() bool {
	return i.Status == "" || i.Status == StatusActive
}

// InstrumentID builds the canonical "<code>.<EXCHANGE>" identifier
func InstrumentID(exchange, code string) string {
	return fmt.Sprintf("%s.%s", strings.TrimSpace(code), NormalizeExchange(exchange))
}

// NormalizeExchange upper-cases and trims an exchange code
func NormalizeExchange(exchange string) string {
	return strings.ToUpper(strings.TrimSpace(exchange))
}

// SortInstruments orders by ID ascending; batch partitioning depends on it
func SortInstruments(instruments []Instrument) {
	sort.SliceStable(instruments, func(i, j int) bool {
		return instruments[i].ID < instruments[j].ID
	})
}

// Quote is one instrument's daily bar. Replacement is an upsert by
// (InstrumentID, Day); a stored quote is never edited in place.
type Quote struct {
	InstrumentID string    `json:"instrument_id"`
	Exchange     string    `json:"exchange"`
	Day          Date      `json:"day"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	Amount       float64   `json:"amount"`
	PreClose     float64   `json:"pre_close"`
	Change       float64   `json:"change"`
	PctChange    float64   `json:"pct_change"`
	Quality      float64   `json:"quality"`
	Flagged      bool      `json:"flagged"` // stored below the quality threshold
	Source       string    `json:"source"`
	BatchID      string    `json:"batch_id,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Key identifies a quote for upserts
func (q Quote) Key() QuoteKey {
	return QuoteKey{InstrumentID: q.InstrumentID, Day: q.Day}
}

// QuoteKey is the (instrument, day) uniqueness key
type QuoteKey struct {
	InstrumentID string
	Day          Date
}

// SortQuotes orders quotes by day ascending
func SortQuotes(quotes []Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].Day.Before(quotes[j].Day)
	})
}

// TradingDay marks one exchange date as trading or not
type TradingDay struct {
	Exchange  string `json:"exchange"`
	Day       Date   `json:"day"`
	IsTrading bool   `json:"is_trading"`
}

// TradingDates extracts the sorted, deduplicated trading dates
func TradingDates(days []TradingDay) []Date {
	seen := make(map[Date]bool, len(days))
	out := make([]Date, 0, len(days))
	for _, d := range days {
		if !d.IsTrading || seen[d.Day] {
			continue
		}
		seen[d.Day] = true
		out = append(out, d.Day)
	}
	SortDates(out)
	return out
}

// SortDates sorts ascending in place
func SortDates(dates []Date) {
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
}
