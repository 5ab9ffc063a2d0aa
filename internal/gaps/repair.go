package gaps

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/quote-ingest/internal/ingest"
	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// BatchRunner submits download batches; ingest.Orchestrator satisfies it
type BatchRunner interface {
	Run(ctx context.Context, req ingest.Request) (ingest.Summary, error)
}

// Verifier re-checks coverage after a repair batch; Detector satisfies it
type Verifier interface {
	DetectInstrument(ctx context.Context, inst market.Instrument, r market.DateRange) ([]Gap, error)
}

// RepairFilter selects which gaps are repaired. Zero values match all.
type RepairFilter struct {
	Severities  []Severity
	Exchange    string
	Instruments []string
	MaxGapDays  int // skip runs longer than this
}

// Match reports whether a gap passes the filter
func (f RepairFilter) Match(g Gap) bool {
	if len(f.Severities) > 0 {
		ok := false
		for _, s := range f.Severities {
			if s == g.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Exchange != "" && market.NormalizeExchange(f.Exchange) != market.NormalizeExchange(g.Exchange) {
		return false
	}
	if len(f.Instruments) > 0 {
		ok := false
		for _, id := range f.Instruments {
			if strings.EqualFold(id, g.InstrumentID) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.MaxGapDays <= 0 || g.Length <= f.MaxGapDays
}

// RepairStatus is the outcome of one gap
type RepairStatus string

const (
	RepairPlanned   RepairStatus = "planned" // dry run
	RepairSucceeded RepairStatus = "succeeded"
	RepairFailed    RepairStatus = "failed"
)

// RepairOutcome reports one gap's repair
type RepairOutcome struct {
	Gap     Gap             `json:"gap"`
	BatchID string          `json:"batch_id"`
	Status  RepairStatus    `json:"status"`
	Summary *ingest.Summary `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RepairResult aggregates outcomes; it is returned even under partial failure
type RepairResult struct {
	DryRun    bool            `json:"dry_run"`
	Total     int             `json:"total"`
	Selected  int             `json:"selected"`
	Filtered  int             `json:"filtered"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Quotes    int             `json:"quotes_written"`
	Outcomes  []RepairOutcome `json:"outcomes"`
}

// Repairer converts gaps into targeted download batches
type Repairer struct {
	runner   BatchRunner
	verifier Verifier
	workers  int
}

type RepairerOption func(*Repairer)

// WithVerifier fails repairs that leave any of the gap's days missing
func WithVerifier(v Verifier) RepairerOption {
	return func(r *Repairer) { r.verifier = v }
}

func NewRepairer(runner BatchRunner, workers int, opts ...RepairerOption) *Repairer {
	if workers <= 0 {
		workers = 1
	}
	r := &Repairer{runner: runner, workers: workers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RepairBatchID names the batch that fills one gap
func RepairBatchID(g Gap) string {
	return fmt.Sprintf("repair_%s_%s_%s", g.InstrumentID, g.Range.Start.Compact(), g.Range.End.Compact())
}

// RepairRequest builds the download batch covering exactly the gap's days
func RepairRequest(g Gap) ingest.Request {
	return ingest.Request{
		BatchID:        RepairBatchID(g),
		Exchange:       g.Exchange,
		Range:          g.Range,
		Instruments:    []market.Instrument{g.Instrument()},
		DropCheckpoint: true,
	}
}

// Repair runs one batch per selected gap. Gaps are independent: a failed
// repair is reported and the others proceed.
func (r *Repairer) Repair(ctx context.Context, gaps []Gap, dryRun bool, filter RepairFilter) RepairResult {
	res := RepairResult{DryRun: dryRun, Total: len(gaps)}
	var selected []Gap
	for _, g := range gaps {
		if filter.Match(g) {
			selected = append(selected, g)
		}
	}
	res.Selected = len(selected)
	res.Filtered = res.Total - res.Selected
	res.Outcomes = make([]RepairOutcome, len(selected))

	if dryRun {
		for i, g := range selected {
			res.Outcomes[i] = RepairOutcome{Gap: g, BatchID: RepairBatchID(g), Status: RepairPlanned}
		}
		observ.Log("gap_repair_planned", map[string]any{"selected": res.Selected, "filtered": res.Filtered})
		return res
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, gap := range selected {
		i, gap := i, gap
		g.Go(func() error {
			res.Outcomes[i] = r.repairOne(ctx, gap)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range res.Outcomes {
		if o.Status == RepairSucceeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
		if o.Summary != nil {
			res.Quotes += o.Summary.QuotesWritten
		}
		observ.IncCounter("gap_repairs_total", map[string]string{"exchange": o.Gap.Exchange, "status": string(o.Status)})
	}
	observ.Log("gap_repair_completed", map[string]any{
		"selected":  res.Selected,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"quotes":    res.Quotes,
	})
	return res
}

func (r *Repairer) repairOne(ctx context.Context, gap Gap) RepairOutcome {
	req := RepairRequest(gap)
	out := RepairOutcome{Gap: gap, BatchID: req.BatchID}
	if err := ctx.Err(); err != nil {
		out.Status, out.Error = RepairFailed, err.Error()
		return out
	}

	summary, err := r.runner.Run(ctx, req)
	out.Summary = &summary
	switch {
	case err != nil:
		out.Status, out.Error = RepairFailed, err.Error()
	case summary.Failed > 0:
		out.Status = RepairFailed
		out.Error = strings.Join(summary.Errors, "; ")
	case summary.QuotesWritten == 0:
		out.Status, out.Error = RepairFailed, "no quotes returned for gap"
	default:
		out.Status = RepairSucceeded
		if msg := r.verify(ctx, gap); msg != "" {
			out.Status, out.Error = RepairFailed, msg
		}
	}
	if out.Status == RepairFailed {
		observ.Warn("gap_repair_failed", map[string]any{"instrument": gap.InstrumentID, "range": gap.Range.String(), "error": out.Error})
	}
	return out
}

// verify returns why the gap is still open, or "" when it is filled
func (r *Repairer) verify(ctx context.Context, gap Gap) string {
	if r.verifier == nil {
		return ""
	}
	remaining, err := r.verifier.DetectInstrument(ctx, gap.Instrument(), gap.Range)
	if err != nil {
		return fmt.Sprintf("verify repair: %v", err)
	}
	missing := 0
	for _, g := range remaining {
		missing += g.Length
	}
	if missing > 0 {
		return fmt.Sprintf("%d of %d days still missing", missing, gap.Length)
	}
	return ""
}
