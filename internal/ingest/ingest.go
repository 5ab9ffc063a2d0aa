// Package ingest drives resumable, checkpointed download batches: it
// partitions an exchange's instruments, fetches their daily bars through the
// rate-limited fetcher, scores them and commits progress instrument by
// instrument.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/quote-ingest/internal/adapters"
	"github.com/Rajchodisetti/quote-ingest/internal/calendar"
	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/quality"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

var (
	// ErrCatalogUnavailable fails a batch whose instrument universe cannot be listed
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	// ErrAborted is returned when a batch is cancelled
	ErrAborted = errors.New("batch aborted")
)

// Config tunes the orchestrator
type Config struct {
	BatchSize int `yaml:"batch_size" validate:"gte=1"`
	Workers   int `yaml:"workers" validate:"gte=1"`
	// ChunkDays is the calendar span of one fetch; 0 fetches each
	// instrument's whole range at once
	ChunkDays int `yaml:"chunk_days" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, Workers: 4, ChunkDays: 7}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ChunkDays < 0 {
		c.ChunkDays = 0
	}
	return c
}

// DailyFetcher is the slice of adapters.Fetcher the orchestrator uses
type DailyFetcher interface {
	FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange, opts ...adapters.FetchOption) (adapters.DailyResult, error)
}

// Request describes one download batch
type Request struct {
	BatchID  string // derived from exchange and range when empty
	Exchange string
	Range    market.DateRange
	Resume   bool
	// QualityThreshold overrides the configured threshold when positive
	QualityThreshold float64
	Filter           catalog.Filter
	// Instruments bypasses the catalog; repair batches name their instrument
	Instruments []market.Instrument
	// DropCheckpoint deletes the checkpoint once the batch completes
	DropCheckpoint bool
}

// BatchID names a download batch deterministically so reruns find their checkpoint
func BatchID(exchange string, r market.DateRange) string {
	return fmt.Sprintf("download_%s_%s_%s", market.NormalizeExchange(exchange), r.Start.Compact(), r.End.Compact())
}

// Summary is returned by every run regardless of outcome
type Summary struct {
	BatchID       string              `json:"batch_id"`
	Exchange      string              `json:"exchange"`
	Status        storage.BatchStatus `json:"status"`
	Range         market.DateRange    `json:"range"`
	Total         int                 `json:"total"`
	Skipped       int                 `json:"skipped"` // already processed when the run started
	Processed     int                 `json:"processed"`
	Succeeded     int                 `json:"succeeded"`
	Failed        int                 `json:"failed"`
	QuotesWritten int                 `json:"quotes_written"`
	QuotesFlagged int                 `json:"quotes_flagged"`
	Errors        []string            `json:"errors,omitempty"`
	Error         string              `json:"error,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
}

func summarize(cp *storage.Checkpoint, skipped int, finished time.Time, err error) Summary {
	s := Summary{
		BatchID:       cp.BatchID,
		Exchange:      cp.Exchange,
		Status:        cp.Status,
		Range:         cp.Range,
		Total:         cp.Total,
		Skipped:       skipped,
		Processed:     cp.Processed,
		Succeeded:     cp.Succeeded,
		Failed:        cp.Failed,
		QuotesWritten: cp.QuotesWritten,
		QuotesFlagged: cp.QuotesFlagged,
		Errors:        append([]string(nil), cp.Errors...),
		StartedAt:     cp.StartedAt,
		FinishedAt:    finished,
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Orchestrator runs download batches
type Orchestrator struct {
	fetcher     DailyFetcher
	quotes      storage.QuoteStore
	checkpoints storage.CheckpointStore
	calendar    calendar.Calendar
	catalog     catalog.Catalog
	assessor    *quality.Assessor
	cfg         Config
	now         func() time.Time
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClock injects the clock that defines "yesterday"
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	fetcher DailyFetcher,
	quotes storage.QuoteStore,
	checkpoints storage.CheckpointStore,
	cal calendar.Calendar,
	cat catalog.Catalog,
	assessor *quality.Assessor,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		fetcher:     fetcher,
		quotes:      quotes,
		checkpoints: checkpoints,
		calendar:    cal,
		catalog:     cat,
		assessor:    assessor,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes a batch to a terminal status. The summary is always
// populated; the error is non-nil for failed and aborted batches.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Summary, error) {
	exchange := market.NormalizeExchange(req.Exchange)
	batchID := req.BatchID
	if batchID == "" {
		batchID = BatchID(exchange, req.Range)
	}
	started := o.now().UTC()
	logFields := map[string]any{"batch_id": batchID, "exchange": exchange, "range": req.Range.String()}

	fail := func(cp *storage.Checkpoint, err error) (Summary, error) {
		if cp == nil {
			cp = storage.NewCheckpoint(batchID, exchange, req.Range, 0, o.cfg.BatchSize, started)
		}
		cp.Status = storage.StatusFailed
		observ.Error("batch_failed", err, logFields)
		observ.IncCounter("batches_total", map[string]string{"exchange": exchange, "status": string(storage.StatusFailed)})
		return summarize(cp, 0, o.now().UTC(), err), err
	}

	instruments, err := o.universe(ctx, exchange, req)
	if err != nil {
		return fail(nil, err)
	}

	cp, err := o.openCheckpoint(ctx, batchID, exchange, req, len(instruments), started)
	if err != nil {
		return fail(nil, err)
	}
	if cp.Status == storage.StatusCompleted && cp.Remaining() == 0 {
		observ.Log("batch_already_completed", logFields)
		return summarize(cp, cp.Total, o.now().UTC(), nil), nil
	}

	skipped := cp.Total - cp.Remaining()
	threshold := req.QualityThreshold
	if threshold <= 0 {
		threshold = cp.QualityThreshold
	}
	cp.QualityThreshold = threshold
	cp.Status = storage.StatusRunning

	t := newTracker(cp, o.checkpoints, o.now)
	if err := t.save(ctx); err != nil {
		return fail(t.snapshot(), err)
	}

	logFields["total"] = len(instruments)
	logFields["skipped"] = skipped
	logFields["resume"] = req.Resume
	observ.Log("batch_started", logFields)

	job := &batchJob{
		o:        o,
		t:        t,
		batchID:  batchID,
		exchange: exchange,
		r:        req.Range,
		assessor: o.assessor.WithThreshold(threshold),
	}
	runErr := job.run(ctx, instruments)

	switch {
	case errors.Is(runErr, storage.ErrCheckpointUnavailable):
		// the store is gone; the last good checkpoint stays as it was
		return fail(t.snapshot(), runErr)
	case ctx.Err() != nil && t.snapshot().Remaining() > 0:
		abortErr := fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		if err := t.finish(ctx, storage.StatusAborted); err != nil {
			abortErr = errors.Join(abortErr, err)
		}
		cp := t.snapshot()
		cp.Status = storage.StatusAborted
		observ.Warn("batch_aborted", map[string]any{"batch_id": batchID, "processed": cp.Processed, "remaining": cp.Remaining()})
		observ.IncCounter("batches_total", map[string]string{"exchange": exchange, "status": string(storage.StatusAborted)})
		return summarize(cp, skipped, o.now().UTC(), abortErr), abortErr
	case runErr != nil:
		return fail(t.snapshot(), runErr)
	}

	if err := t.finish(ctx, storage.StatusCompleted); err != nil {
		return fail(t.snapshot(), err)
	}
	if req.DropCheckpoint {
		if err := o.checkpoints.DeleteCheckpoint(ctx, batchID); err != nil {
			observ.Warn("checkpoint_drop_failed", map[string]any{"batch_id": batchID, "error": err.Error()})
		}
	}

	final := t.snapshot()
	summary := summarize(final, skipped, o.now().UTC(), nil)
	observ.IncCounter("batches_total", map[string]string{"exchange": exchange, "status": string(storage.StatusCompleted)})
	observ.Log("batch_completed", map[string]any{
		"batch_id":       batchID,
		"processed":      summary.Processed,
		"succeeded":      summary.Succeeded,
		"failed":         summary.Failed,
		"quotes_written": summary.QuotesWritten,
		"quotes_flagged": summary.QuotesFlagged,
		"duration_ms":    summary.FinishedAt.Sub(started).Milliseconds(),
	})
	return summary, nil
}

// universe resolves the sorted instrument set of the batch
func (o *Orchestrator) universe(ctx context.Context, exchange string, req Request) ([]market.Instrument, error) {
	var instruments []market.Instrument
	if req.Instruments != nil {
		instruments = append(instruments, req.Instruments...)
	} else {
		if o.catalog == nil {
			return nil, fmt.Errorf("%w: no catalog configured", ErrCatalogUnavailable)
		}
		listed, err := o.catalog.ListInstruments(ctx, exchange, req.Filter)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
		}
		instruments = listed
	}
	for i := range instruments {
		if instruments[i].Exchange == "" {
			instruments[i].Exchange = exchange
		}
	}
	market.SortInstruments(instruments)
	return instruments, nil
}

// openCheckpoint loads the batch checkpoint on resume or starts a new one.
// Without resume any stale checkpoint is discarded first.
func (o *Orchestrator) openCheckpoint(ctx context.Context, batchID, exchange string, req Request, total int, now time.Time) (*storage.Checkpoint, error) {
	fresh := func() *storage.Checkpoint {
		cp := storage.NewCheckpoint(batchID, exchange, req.Range, total, o.cfg.BatchSize, now)
		cp.QualityThreshold = o.assessor.Threshold(exchange)
		return cp
	}

	if !req.Resume {
		if err := o.checkpoints.DeleteCheckpoint(ctx, batchID); err != nil {
			return nil, fmt.Errorf("%w: discard %s: %v", storage.ErrCheckpointUnavailable, batchID, err)
		}
		return fresh(), nil
	}

	cp, err := o.checkpoints.LoadCheckpoint(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return fresh(), nil
	}
	if err != nil {
		if !errors.Is(err, storage.ErrCheckpointUnavailable) {
			err = fmt.Errorf("%w: load %s: %v", storage.ErrCheckpointUnavailable, batchID, err)
		}
		return nil, err
	}

	if cp.Total != total {
		observ.Warn("checkpoint_universe_changed", map[string]any{"batch_id": batchID, "checkpoint_total": cp.Total, "total": total})
		cp.Total = total
	}
	if cp.BatchSize <= 0 {
		cp.BatchSize = o.cfg.BatchSize
	}
	cp.Clamp()
	observ.Log("checkpoint_resumed", map[string]any{
		"batch_id":  batchID,
		"status":    string(cp.Status),
		"cursor":    cp.Cursor,
		"remaining": cp.Remaining(),
	})
	return cp, nil
}

// batchJob holds the per-run state shared by workers
type batchJob struct {
	o        *Orchestrator
	t        *tracker
	batchID  string
	exchange string
	r        market.DateRange
	assessor *quality.Assessor
}

// run walks partitions in order; instruments inside a partition run on the
// worker pool
func (j *batchJob) run(ctx context.Context, instruments []market.Instrument) error {
	size := j.t.snapshot().BatchSize
	for p, start := 0, 0; start < len(instruments); p, start = p+1, start+size {
		if ctx.Err() != nil {
			return nil
		}
		end := min(start+size, len(instruments))
		if !j.partitionPending(start, end) {
			continue
		}
		if err := j.t.setPartition(ctx, p); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.o.cfg.Workers)
		for i := start; i < end; i++ {
			if j.t.isDone(i) {
				continue
			}
			// cancellation is checked before each instrument begins
			if gctx.Err() != nil {
				break
			}
			i, inst := i, instruments[i]
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				return j.instrument(gctx, i, inst)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (j *batchJob) partitionPending(start, end int) bool {
	for i := start; i < end; i++ {
		if !j.t.isDone(i) {
			return true
		}
	}
	return false
}

// instrument downloads one instrument and commits it. Only checkpoint store
// failures are returned; download failures are counted against the
// instrument.
func (j *batchJob) instrument(ctx context.Context, i int, inst market.Instrument) error {
	start := j.o.now()
	err := j.download(ctx, inst)
	if errors.Is(err, storage.ErrCheckpointUnavailable) {
		return err
	}
	if err != nil && ctx.Err() != nil {
		// interrupted, not finished: leave it for the resume
		observ.Debug("instrument_interrupted", map[string]any{"batch_id": j.batchID, "instrument": inst.ID})
		return nil
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
		observ.Warn("instrument_failed", map[string]any{
			"batch_id":   j.batchID,
			"instrument": inst.ID,
			"kind":       string(adapters.KindOf(err)),
			"error":      err.Error(),
		})
	}
	observ.IncCounter("instruments_processed_total", map[string]string{"exchange": j.exchange, "status": status})
	observ.RecordDuration("instrument_duration", j.o.now().Sub(start), map[string]string{"exchange": j.exchange})
	return j.t.commit(ctx, i, inst.ID, err)
}

// EffectiveRange clips r to [listing date, yesterday]; days outside it are
// never requested
func EffectiveRange(r market.DateRange, inst market.Instrument, today market.Date) market.DateRange {
	bound := market.DateRange{Start: inst.ListingDate, End: today.AddDays(-1)}
	return r.Intersect(bound)
}

func (j *batchJob) download(ctx context.Context, inst market.Instrument) error {
	today := market.DateOf(j.o.now().UTC())
	eff := EffectiveRange(j.r, inst, today)
	if cur, ok := j.t.dayCursor(inst.ID); ok {
		eff.Start = market.MaxDate(eff.Start, cur.AddDays(1))
	}
	if eff.Empty() {
		observ.Debug("instrument_nothing_to_fetch", map[string]any{"batch_id": j.batchID, "instrument": inst.ID})
		return nil
	}

	days, err := j.o.calendar.TradingDays(ctx, j.exchange, eff)
	if err != nil {
		return fmt.Errorf("trading days: %w", err)
	}
	if len(days) == 0 {
		return nil
	}

	var prev *market.Quote
	last, err := j.o.quotes.LastQuote(ctx, inst.ID, days[0])
	switch {
	case err == nil:
		prev = &last
	case !errors.Is(err, storage.ErrNotFound):
		observ.Warn("previous_quote_unavailable", map[string]any{"instrument": inst.ID, "error": err.Error()})
	}

	for _, chunk := range Chunk(days, j.o.cfg.ChunkDays) {
		if err := ctx.Err(); err != nil {
			return err
		}
		quotes, err := j.fetchChunk(ctx, inst, chunk, prev)
		if err != nil {
			return err
		}

		written, err := j.o.quotes.UpsertQuotes(ctx, quotes)
		if err != nil {
			return fmt.Errorf("store quotes: %w", err)
		}
		flagged := 0
		for _, q := range quotes {
			if q.Flagged {
				flagged++
			}
		}
		if len(quotes) > 0 {
			prev = &quotes[len(quotes)-1]
		} else {
			observ.Warn("chunk_no_data", map[string]any{"instrument": inst.ID, "range": chunk.String()})
		}
		observ.IncCounterBy("quotes_written_total", map[string]string{"exchange": j.exchange}, int64(written))
		observ.IncCounterBy("quotes_flagged_total", map[string]string{"exchange": j.exchange}, int64(flagged))

		if err := j.t.advanceDay(ctx, inst.ID, chunk.End, written, flagged); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk fetches and scores one chunk. Bars under the threshold are
// fetched once more from the same source and the better score is kept;
// whatever is still below the threshold is returned flagged.
func (j *batchJob) fetchChunk(ctx context.Context, inst market.Instrument, chunk market.DateRange, prev *market.Quote) ([]market.Quote, error) {
	res, err := j.o.fetcher.FetchDaily(ctx, inst, chunk)
	if err != nil {
		return nil, err
	}
	quotes := res.Quotes
	for i := range quotes {
		quotes[i].BatchID = j.batchID
	}
	assessed := j.assessor.Assess(quotes, prev)
	if len(assessed.Below) == 0 {
		return quotes, nil
	}

	retry, err := j.o.fetcher.FetchDaily(ctx, inst, chunk, adapters.PinSource(res.Source))
	if err != nil {
		observ.Warn("quality_retry_failed", map[string]any{"instrument": inst.ID, "source": res.Source, "error": err.Error()})
		return quotes, nil
	}
	byDay := make(map[market.Date]market.Quote, len(retry.Quotes))
	rescored := retry.Quotes
	for i := range rescored {
		rescored[i].BatchID = j.batchID
	}
	j.assessor.Assess(rescored, prev)
	for _, q := range rescored {
		byDay[q.Day] = q
	}
	improved := 0
	for _, idx := range assessed.Below {
		if q, ok := byDay[quotes[idx].Day]; ok && q.Quality > quotes[idx].Quality {
			quotes[idx] = q
			improved++
		}
	}
	observ.Log("quality_retry", map[string]any{
		"instrument": inst.ID,
		"source":     res.Source,
		"below":      len(assessed.Below),
		"improved":   improved,
	})
	return quotes, nil
}

// Chunk groups sorted trading days into fetch ranges spanning at most
// span calendar days; span <= 0 yields a single range
func Chunk(days []market.Date, span int) []market.DateRange {
	if len(days) == 0 {
		return nil
	}
	if span <= 0 {
		return []market.DateRange{{Start: days[0], End: days[len(days)-1]}}
	}
	var out []market.DateRange
	cur := market.DateRange{Start: days[0], End: days[0]}
	for _, d := range days[1:] {
		if cur.Start.DaysUntil(d) >= span {
			out = append(out, cur)
			cur = market.DateRange{Start: d, End: d}
			continue
		}
		cur.End = d
	}
	return append(out, cur)
}
