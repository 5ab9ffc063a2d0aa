package ingest

import (
	"context"
	"math"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// Progress is the operator view of a batch checkpoint
type Progress struct {
	BatchID          string              `json:"batch_id"`
	Exchange         string              `json:"exchange"`
	Status           storage.BatchStatus `json:"status"`
	Total            int                 `json:"total"`
	Processed        int                 `json:"processed"`
	Succeeded        int                 `json:"succeeded"`
	Failed           int                 `json:"failed"`
	Remaining        int                 `json:"remaining"`
	QuotesWritten    int                 `json:"quotes_written"`
	QuotesFlagged    int                 `json:"quotes_flagged"`
	PercentComplete  float64             `json:"percent_complete"`
	SuccessRate      float64             `json:"success_rate"`
	CurrentPartition int                 `json:"current_partition"`
	Partitions       int                 `json:"partitions"`
	Elapsed          time.Duration       `json:"elapsed_ns"`
	RecentErrors     []string            `json:"recent_errors,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

const recentErrors = 10

// ProgressOf derives a snapshot from a checkpoint. Elapsed runs to
// CompletedAt for finished batches and to now otherwise.
func ProgressOf(cp *storage.Checkpoint, now time.Time) Progress {
	done := cp.Total - cp.Remaining()
	p := Progress{
		BatchID:          cp.BatchID,
		Exchange:         cp.Exchange,
		Status:           cp.Status,
		Total:            cp.Total,
		Processed:        cp.Processed,
		Succeeded:        cp.Succeeded,
		Failed:           cp.Failed,
		Remaining:        cp.Remaining(),
		QuotesWritten:    cp.QuotesWritten,
		QuotesFlagged:    cp.QuotesFlagged,
		CurrentPartition: cp.CurrentPartition,
		StartedAt:        cp.StartedAt,
		UpdatedAt:        cp.UpdatedAt,
	}
	if cp.Total > 0 {
		p.PercentComplete = round2(float64(done) / float64(cp.Total) * 100)
	} else if cp.Status == storage.StatusCompleted {
		p.PercentComplete = 100
	}
	if cp.Processed > 0 {
		p.SuccessRate = round2(float64(cp.Succeeded) / float64(cp.Processed) * 100)
	}
	if cp.BatchSize > 0 {
		p.Partitions = (cp.Total + cp.BatchSize - 1) / cp.BatchSize
	}

	end := now
	if cp.CompletedAt != nil {
		end = *cp.CompletedAt
	} else if cp.Status.Terminal() {
		end = cp.UpdatedAt
	}
	if !cp.StartedAt.IsZero() && end.After(cp.StartedAt) {
		p.Elapsed = end.Sub(cp.StartedAt)
	}

	if n := len(cp.Errors); n > 0 {
		p.RecentErrors = append([]string(nil), cp.Errors[max(0, n-recentErrors):]...)
	}
	return p
}

// Progress loads the checkpoint of a batch
func (o *Orchestrator) Progress(ctx context.Context, batchID string) (Progress, error) {
	cp, err := o.checkpoints.LoadCheckpoint(ctx, batchID)
	if err != nil {
		return Progress{}, err
	}
	return ProgressOf(cp, o.now().UTC()), nil
}

// Checkpoints lists every stored batch
func (o *Orchestrator) Checkpoints(ctx context.Context) ([]Progress, error) {
	cps, err := o.checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	out := make([]Progress, 0, len(cps))
	for i := range cps {
		out = append(out, ProgressOf(&cps[i], now))
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
