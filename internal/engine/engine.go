// Package engine is the surface schedulers, the CLI and API handlers call.
// It wires the fetcher, orchestrator, gap detector and repair driver and
// never exposes quota, breaker or registry internals beyond read-only status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/quote-ingest/internal/adapters"
	"github.com/Rajchodisetti/quote-ingest/internal/calendar"
	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/gaps"
	"github.com/Rajchodisetti/quote-ingest/internal/ingest"
	"github.com/Rajchodisetti/quote-ingest/internal/journal"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/quality"
	"github.com/Rajchodisetti/quote-ingest/internal/reports"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// ErrNoCalendarStore is returned by UpdateCalendar when calendars are not persisted
var ErrNoCalendarStore = errors.New("calendar store not configured")

// Config collects the tunables of the wired components
type Config struct {
	Ingest        ingest.Config  `yaml:"ingest"`
	Gaps          gaps.Config    `yaml:"gaps"`
	Quality       quality.Config `yaml:"quality"`
	RepairWorkers int            `yaml:"repair_workers" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Ingest:        ingest.DefaultConfig(),
		Gaps:          gaps.DefaultConfig(),
		Quality:       quality.DefaultConfig(),
		RepairWorkers: 2,
	}
}

// Deps are the collaborators the engine drives
type Deps struct {
	Fetcher     *adapters.Fetcher
	Quotes      storage.QuoteStore
	Checkpoints storage.CheckpointStore
	// Calendars persists refreshed calendars; nil serves weekdays only
	Calendars storage.CalendarStore
	Catalog   catalog.Catalog
	// Reports receives batch summaries and gap analyses; optional
	Reports reports.Sink
	// Journal records finished batches and repairs; optional
	Journal *journal.Journal
}

// Engine exposes the ingestion operations
type Engine struct {
	fetcher  *adapters.Fetcher
	calendar calendar.Calendar
	stored   *calendar.Stored
	orch     *ingest.Orchestrator
	detector *gaps.Detector
	repairer *gaps.Repairer
	sink     reports.Sink
	journal  *journal.Journal
	now      func() time.Time

	mu      sync.Mutex
	handles map[string]*BatchHandle
}

// Option customizes an Engine
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock injects the clock used for "today" across components
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	if deps.Fetcher == nil || deps.Quotes == nil || deps.Checkpoints == nil || deps.Catalog == nil {
		return nil, errors.New("engine requires fetcher, quote store, checkpoint store and catalog")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var cal calendar.Calendar = calendar.NewWeekdays()
	var stored *calendar.Stored
	if deps.Calendars != nil {
		stored = calendar.NewStored(deps.Calendars, calendar.NewWeekdays())
		cal = stored
	}

	assessor := quality.NewAssessor(cfg.Quality)
	if cfg.Quality.RequireForCoverage {
		cfg.Gaps.ExcludeFlagged = true
	}
	orch := ingest.NewOrchestrator(deps.Fetcher, deps.Quotes, deps.Checkpoints, cal, deps.Catalog, assessor, cfg.Ingest,
		ingest.WithClock(o.now))
	detector := gaps.NewDetector(deps.Quotes, cal, deps.Catalog, cfg.Gaps, gaps.WithClock(o.now))

	return &Engine{
		fetcher:  deps.Fetcher,
		calendar: cal,
		stored:   stored,
		orch:     orch,
		detector: detector,
		repairer: gaps.NewRepairer(orch, cfg.RepairWorkers, gaps.WithVerifier(detector)),
		sink:     deps.Reports,
		journal:  deps.Journal,
		now:      o.now,
		handles:  make(map[string]*BatchHandle),
	}, nil
}

// DownloadRequest starts one batch per exchange
type DownloadRequest struct {
	Exchanges        []string
	Range            market.DateRange
	Resume           bool
	QualityThreshold float64
	Filter           catalog.Filter
}

// BatchHandle tracks a download started in the background
type BatchHandle struct {
	RunID    string
	BatchIDs []string

	cancel    context.CancelFunc
	done      chan struct{}
	summaries []ingest.Summary
	err       error
}

// Wait blocks until every batch of the run reached a terminal status
func (h *BatchHandle) Wait(ctx context.Context) ([]ingest.Summary, error) {
	select {
	case <-h.done:
		return h.summaries, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the run; checkpoints keep the last committed instrument
func (h *BatchHandle) Cancel() { h.cancel() }

// Done is closed when the run finishes
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// StartDownload launches the batches and returns immediately. Exchanges run
// in parallel; each has independent source, quota and breaker state.
func (e *Engine) StartDownload(ctx context.Context, req DownloadRequest) (*BatchHandle, error) {
	if req.Range.Empty() {
		return nil, fmt.Errorf("empty date range %s", req.Range)
	}
	if len(req.Exchanges) == 0 {
		return nil, errors.New("no exchange given")
	}
	exchanges := dedupeExchanges(req.Exchanges)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &BatchHandle{
		RunID:     uuid.NewString(),
		cancel:    cancel,
		done:      make(chan struct{}),
		summaries: make([]ingest.Summary, len(exchanges)),
	}
	for _, ex := range exchanges {
		h.BatchIDs = append(h.BatchIDs, ingest.BatchID(ex, req.Range))
	}

	e.mu.Lock()
	e.handles[h.RunID] = h
	e.mu.Unlock()

	observ.Log("download_started", map[string]any{"run_id": h.RunID, "exchanges": exchanges, "range": req.Range.String(), "resume": req.Resume})

	go func() {
		defer close(h.done)
		defer e.forget(h.RunID)
		defer cancel()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for i, ex := range exchanges {
			wg.Add(1)
			go func(i int, ex string) {
				defer wg.Done()
				sum, err := e.orch.Run(runCtx, ingest.Request{
					Exchange:         ex,
					Range:            req.Range,
					Resume:           req.Resume,
					QualityThreshold: req.QualityThreshold,
					Filter:           req.Filter,
				})
				e.writeBatchReport(runCtx, sum)
				mu.Lock()
				h.summaries[i] = sum
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ex, err))
				}
				mu.Unlock()
			}(i, ex)
		}
		wg.Wait()
		h.err = errors.Join(errs...)
	}()
	return h, nil
}

// Download runs the batches and waits for them
func (e *Engine) Download(ctx context.Context, req DownloadRequest) ([]ingest.Summary, error) {
	h, err := e.StartDownload(ctx, req)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()
	<-h.Done()
	return h.summaries, h.err
}

// Handle returns a run started by StartDownload that is still in flight
func (e *Engine) Handle(runID string) (*BatchHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[runID]
	return h, ok
}

// forget drops a finished run; callers keep their own *BatchHandle
func (e *Engine) forget(runID string) {
	e.mu.Lock()
	delete(e.handles, runID)
	e.mu.Unlock()
}

// GetProgress derives a snapshot from the batch checkpoint
func (e *Engine) GetProgress(ctx context.Context, batchID string) (ingest.Progress, error) {
	return e.orch.Progress(ctx, batchID)
}

// ListProgress snapshots every stored batch
func (e *Engine) ListProgress(ctx context.Context) ([]ingest.Progress, error) {
	return e.orch.Checkpoints(ctx)
}

// DetectGaps recomputes gaps from stored coverage. The report is also
// written to the report sink as the cached result of the last run.
func (e *Engine) DetectGaps(ctx context.Context, exchange string, r market.DateRange, filter gaps.Filter) (gaps.Report, error) {
	report, err := e.detector.Detect(ctx, exchange, r, filter)
	if err != nil {
		return report, err
	}
	if e.sink != nil {
		if _, err := reports.WriteJSON(ctx, e.sink, reports.GapRunKey(report.Exchange, report.RunID), report); err == nil {
			_, _ = reports.WriteJSON(ctx, e.sink, reports.GapKey(report.Exchange), report)
		}
	}
	return report, nil
}

// LastGapReport reads the cached report of the last detection run
func (e *Engine) LastGapReport(ctx context.Context, exchange string) (gaps.Report, error) {
	var report gaps.Report
	if e.sink == nil {
		return report, reports.ErrNotFound
	}
	err := reports.ReadJSON(ctx, e.sink, reports.GapKey(exchange), &report)
	return report, err
}

// RepairGaps submits one targeted batch per selected gap
func (e *Engine) RepairGaps(ctx context.Context, detected []gaps.Gap, dryRun bool, filter gaps.RepairFilter) gaps.RepairResult {
	res := e.repairer.Repair(ctx, detected, dryRun, filter)
	if dryRun {
		return res
	}
	for _, o := range res.Outcomes {
		if o.Summary != nil {
			e.writeBatchReport(ctx, *o.Summary)
		}
		if e.journal != nil {
			if err := e.journal.Append(journal.TypeRepair, o.BatchID, o); err != nil {
				observ.Warn("journal_append_failed", map[string]any{"batch_id": o.BatchID, "error": err.Error()})
			}
		}
	}
	return res
}

// UpdateCalendar refreshes and stores an exchange calendar
func (e *Engine) UpdateCalendar(ctx context.Context, exchange string, r market.DateRange) (int, error) {
	if e.stored == nil {
		return 0, ErrNoCalendarStore
	}
	return e.stored.Update(ctx, e.fetcher, exchange, r)
}

// DailyBatchID names the batch that downloads one day of one exchange
func DailyBatchID(exchange string, day market.Date) string {
	return fmt.Sprintf("daily_%s_%s", market.NormalizeExchange(exchange), day.Compact())
}

// UpdateDaily downloads a single trading day for every active instrument.
// Rerunning it for the same day resumes the same batch.
func (e *Engine) UpdateDaily(ctx context.Context, exchanges []string, day market.Date) ([]ingest.Summary, error) {
	if day.IsZero() {
		day = market.DateOf(e.now().UTC()).AddDays(-1)
	}
	var (
		out  []ingest.Summary
		errs []error
	)
	for _, ex := range dedupeExchanges(exchanges) {
		days, err := e.calendar.TradingDays(ctx, ex, market.NewDateRange(day, day))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ex, err))
			continue
		}
		if len(days) == 0 {
			observ.Log("daily_update_skipped", map[string]any{"exchange": ex, "day": day.String(), "reason": "not a trading day"})
			continue
		}
		sum, err := e.orch.Run(ctx, ingest.Request{
			BatchID:  DailyBatchID(ex, day),
			Exchange: ex,
			Range:    market.NewDateRange(day, day),
			Resume:   true,
			Filter:   catalog.Filter{ActiveOnly: true},
		})
		e.writeBatchReport(ctx, sum)
		out = append(out, sum)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ex, err))
		}
	}
	return out, errors.Join(errs...)
}

// SourceStatus reports the source chain of every exchange
func (e *Engine) SourceStatus() []adapters.ExchangeStatus {
	return e.fetcher.Registry().Status()
}

// ResetSources restores an exchange's highest-priority source
func (e *Engine) ResetSources(exchange string) error {
	return e.fetcher.Registry().Reset(exchange)
}

// Close cancels running downloads and releases the sources
func (e *Engine) Close() error {
	e.mu.Lock()
	for _, h := range e.handles {
		h.Cancel()
	}
	e.mu.Unlock()
	return e.fetcher.Registry().Close()
}

// History returns the newest journal entries of a kind
func (e *Engine) History(kind string, n int) ([]journal.Entry, error) {
	if e.journal == nil {
		return nil, nil
	}
	return e.journal.Recent(kind, n)
}

// writeBatchReport stores a batch summary; repair summaries are journaled
// by RepairGaps together with their gap
func (e *Engine) writeBatchReport(ctx context.Context, sum ingest.Summary) {
	if sum.BatchID == "" {
		return
	}
	if e.sink != nil {
		if _, err := reports.WriteJSON(context.WithoutCancel(ctx), e.sink, reports.BatchKey(sum.BatchID), sum); err != nil {
			observ.Warn("batch_report_failed", map[string]any{"batch_id": sum.BatchID, "error": err.Error()})
		}
	}
	if e.journal != nil && !strings.HasPrefix(sum.BatchID, "repair_") {
		if err := e.journal.Append(journal.TypeBatch, sum.BatchID, sum); err != nil {
			observ.Warn("journal_append_failed", map[string]any{"batch_id": sum.BatchID, "error": err.Error()})
		}
	}
}

func dedupeExchanges(exchanges []string) []string {
	seen := make(map[string]bool, len(exchanges))
	var out []string
	for _, ex := range exchanges {
		ex = market.NormalizeExchange(ex)
		if ex == "" || seen[ex] {
			continue
		}
		seen[ex] = true
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}
