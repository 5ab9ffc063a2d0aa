// Package gaps derives missing trading days from stored quote coverage and
// turns them into targeted repair batches.
package gaps

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/quote-ingest/internal/calendar"
	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// Severity grades a run of missing days
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// ParseSeverity accepts the lower-case severity names
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Thresholds are the inclusive upper run lengths of each severity; longer
// runs are critical
type Thresholds struct {
	Low    int `yaml:"low" validate:"gte=1"`
	Medium int `yaml:"medium" validate:"gtefield=Low"`
	High   int `yaml:"high" validate:"gtefield=Medium"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Low: 1, Medium: 5, High: 20}
}

// Classify is a pure function of the run length
func (t Thresholds) Classify(length int) Severity {
	switch {
	case length <= t.Low:
		return SeverityLow
	case length <= t.Medium:
		return SeverityMedium
	case length <= t.High:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Recommendation is the operator hint attached to each gap
func Recommendation(s Severity) string {
	switch s {
	case SeverityLow:
		return "Monitor in next update"
	case SeverityMedium:
		return "Schedule immediate fill"
	case SeverityHigh:
		return "Prioritize for data completion"
	default:
		return "Investigate cause - possible delisting or suspension"
	}
}

// Config tunes detection
type Config struct {
	Thresholds         Thresholds            `yaml:"thresholds"`
	ExchangeThresholds map[string]Thresholds `yaml:"exchange_thresholds" validate:"dive"`
	// ExcludeFlagged counts days stored below the quality threshold as missing
	ExcludeFlagged bool `yaml:"exclude_flagged"`
	Workers        int  `yaml:"workers" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{Thresholds: DefaultThresholds(), Workers: 4}
}

// ThresholdsFor returns the severity thresholds of an exchange
func (c Config) ThresholdsFor(exchange string) Thresholds {
	if t, ok := c.ExchangeThresholds[market.NormalizeExchange(exchange)]; ok {
		return t
	}
	return c.Thresholds
}

// Gap is one contiguous run of missing trading days
type Gap struct {
	InstrumentID   string           `json:"instrument_id"`
	Exchange       string           `json:"exchange"`
	Code           string           `json:"code,omitempty"`
	Range          market.DateRange `json:"range"`
	Days           []market.Date    `json:"days"`
	Length         int              `json:"length"`
	Severity       Severity         `json:"severity"`
	Recommendation string           `json:"recommendation"`
}

// Instrument rebuilds the instrument reference a repair batch needs
func (g Gap) Instrument() market.Instrument {
	return market.Instrument{ID: g.InstrumentID, Exchange: g.Exchange, Code: g.Code}
}

// Filter selects what Detect scans and reports
type Filter struct {
	Catalog     catalog.Filter
	MinSeverity Severity
}

// Report is the result of one detection run
type Report struct {
	RunID            string           `json:"run_id"`
	Exchange         string           `json:"exchange"`
	Range            market.DateRange `json:"range"`
	Instruments      int              `json:"instruments"`
	Affected         int              `json:"affected_instruments"`
	TotalMissingDays int              `json:"total_missing_days"`
	BySeverity       map[Severity]int `json:"by_severity"`
	Gaps             []Gap            `json:"gaps"`
	Errors           []string         `json:"errors,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Detector compares stored coverage against the trading calendar
type Detector struct {
	quotes   storage.QuoteStore
	calendar calendar.Calendar
	catalog  catalog.Catalog
	cfg      Config
	now      func() time.Time
}

// DetectorOption customizes a Detector
type DetectorOption func(*Detector)

// WithClock injects the clock that defines "yesterday"
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

func NewDetector(quotes storage.QuoteStore, cal calendar.Calendar, cat catalog.Catalog, cfg Config, opts ...DetectorOption) *Detector {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	norm := make(map[string]Thresholds, len(cfg.ExchangeThresholds))
	for ex, t := range cfg.ExchangeThresholds {
		norm[market.NormalizeExchange(ex)] = t
	}
	cfg.ExchangeThresholds = norm
	d := &Detector{quotes: quotes, calendar: cal, catalog: cat, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// window clips r to [listing date, yesterday]; earlier days are
// pre-existence, not gaps
func (d *Detector) window(inst market.Instrument, r market.DateRange) market.DateRange {
	yesterday := market.DateOf(d.now().UTC()).AddDays(-1)
	return r.Intersect(market.DateRange{Start: inst.ListingDate, End: yesterday})
}

// DetectInstrument returns the gaps of one instrument in r, ascending
func (d *Detector) DetectInstrument(ctx context.Context, inst market.Instrument, r market.DateRange) ([]Gap, error) {
	win := d.window(inst, r)
	if win.Empty() {
		return nil, nil
	}
	days, err := d.calendar.TradingDays(ctx, inst.Exchange, win)
	if err != nil {
		return nil, fmt.Errorf("trading days: %w", err)
	}
	return d.detect(ctx, inst, win, days)
}

func (d *Detector) detect(ctx context.Context, inst market.Instrument, win market.DateRange, days []market.Date) ([]Gap, error) {
	if len(days) == 0 {
		return nil, nil
	}
	stored, err := d.quotes.QuoteDays(ctx, inst.ID, win)
	if err != nil {
		return nil, fmt.Errorf("coverage of %s: %w", inst.ID, err)
	}
	missing := make([]bool, len(days))
	for i, day := range days {
		q, ok := stored[day]
		missing[i] = !ok || (d.cfg.ExcludeFlagged && q.Flagged)
	}
	return d.encode(inst, days, missing), nil
}

// encode run-length encodes consecutive missing trading days
func (d *Detector) encode(inst market.Instrument, days []market.Date, missing []bool) []Gap {
	thresholds := d.cfg.ThresholdsFor(inst.Exchange)
	var out []Gap
	for i := 0; i < len(days); {
		if !missing[i] {
			i++
			continue
		}
		j := i
		for j < len(days) && missing[j] {
			j++
		}
		run := append([]market.Date(nil), days[i:j]...)
		sev := thresholds.Classify(len(run))
		out = append(out, Gap{
			InstrumentID:   inst.ID,
			Exchange:       market.NormalizeExchange(inst.Exchange),
			Code:           inst.Code,
			Range:          market.NewDateRange(run[0], run[len(run)-1]),
			Days:           run,
			Length:         len(run),
			Severity:       sev,
			Recommendation: Recommendation(sev),
		})
		i = j
	}
	return out
}

// Detect scans every instrument of an exchange. A failing instrument is
// reported in Errors and does not stop the scan.
func (d *Detector) Detect(ctx context.Context, exchange string, r market.DateRange, filter Filter) (Report, error) {
	exchange = market.NormalizeExchange(exchange)
	report := Report{
		RunID:       uuid.NewString(),
		Exchange:    exchange,
		Range:       r,
		BySeverity:  map[Severity]int{},
		GeneratedAt: d.now().UTC(),
	}

	instruments, err := d.catalog.ListInstruments(ctx, exchange, filter.Catalog)
	if err != nil {
		return report, fmt.Errorf("list instruments: %w", err)
	}
	report.Instruments = len(instruments)

	// one calendar lookup for the widest window; instruments slice it
	wide := d.window(market.Instrument{}, r)
	days, err := d.calendar.TradingDays(ctx, exchange, wide)
	if err != nil {
		return report, fmt.Errorf("trading days: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([][]Gap, len(instruments))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i, inst := range instruments {
		i, inst := i, inst
		g.Go(func() error {
			win := d.window(inst, r)
			if win.Empty() {
				return nil
			}
			gaps, err := d.detect(gctx, inst, win, within(days, win))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				report.Errors = append(report.Errors, inst.ID+": "+err.Error())
				mu.Unlock()
				return nil
			}
			results[i] = gaps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	for _, gaps := range results {
		affected := false
		for _, gap := range gaps {
			if filter.MinSeverity != "" && !gap.Severity.AtLeast(filter.MinSeverity) {
				continue
			}
			report.Gaps = append(report.Gaps, gap)
			report.BySeverity[gap.Severity]++
			report.TotalMissingDays += gap.Length
			affected = true
		}
		if affected {
			report.Affected++
		}
	}
	sort.Strings(report.Errors)
	for sev, n := range report.BySeverity {
		observ.IncCounterBy("gaps_detected_total", map[string]string{"exchange": exchange, "severity": string(sev)}, int64(n))
	}
	observ.Log("gap_detection_completed", map[string]any{
		"run_id":       report.RunID,
		"exchange":     exchange,
		"range":        r.String(),
		"instruments":  report.Instruments,
		"gaps":         len(report.Gaps),
		"missing_days": report.TotalMissingDays,
		"errors":       len(report.Errors),
	})
	return report, nil
}

func within(days []market.Date, r market.DateRange) []market.Date {
	lo := sort.Search(len(days), func(i int) bool { return !days[i].Before(r.Start) })
	hi := sort.Search(len(days), func(i int) bool { return days[i].After(r.End) })
	if lo >= hi {
		return nil
	}
	return days[lo:hi]
}
