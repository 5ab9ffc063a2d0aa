package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// tracker is the single writer of one batch's checkpoint. Workers report
// through it; every mutation is persisted before the call returns.
type tracker struct {
	mu    sync.Mutex
	cp    *storage.Checkpoint
	store storage.CheckpointStore
	now   func() time.Time
}

func newTracker(cp *storage.Checkpoint, store storage.CheckpointStore, now func() time.Time) *tracker {
	return &tracker{cp: cp, store: store, now: now}
}

// saveLocked persists even after cancellation so an aborted batch still
// records its last committed instrument
func (t *tracker) saveLocked(ctx context.Context) error {
	t.cp.UpdatedAt = t.now().UTC()
	if err := t.store.SaveCheckpoint(context.WithoutCancel(ctx), t.cp); err != nil {
		return fmt.Errorf("%w: save %s: %v", storage.ErrCheckpointUnavailable, t.cp.BatchID, err)
	}
	return nil
}

func (t *tracker) save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked(ctx)
}

func (t *tracker) isDone(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.IsDone(i)
}

func (t *tracker) dayCursor(instrumentID string) (market.Date, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.cp.DayCursor[instrumentID]
	return d, ok
}

func (t *tracker) setPartition(ctx context.Context, p int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cp.CurrentPartition == p {
		return nil
	}
	t.cp.CurrentPartition = p
	return t.saveLocked(ctx)
}

// advanceDay records that every trading day up to day is stored for an
// instrument. The cursor only moves forward.
func (t *tracker) advanceDay(ctx context.Context, instrumentID string, day market.Date, written, flagged int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.cp.DayCursor[instrumentID]; ok && !day.After(cur) {
		return nil
	}
	t.cp.DayCursor[instrumentID] = day
	t.cp.QuotesWritten += written
	t.cp.QuotesFlagged += flagged
	return t.saveLocked(ctx)
}

// commit marks instrument i processed and advances the cursor
func (t *tracker) commit(ctx context.Context, i int, instrumentID string, failure error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Processed++
	if failure != nil {
		t.cp.Failed++
		t.cp.RecordError(instrumentID + ": " + failure.Error())
	} else {
		t.cp.Succeeded++
	}
	delete(t.cp.DayCursor, instrumentID)
	t.cp.MarkDone(i)
	return t.saveLocked(ctx)
}

// finish moves the batch to a terminal status
func (t *tracker) finish(ctx context.Context, status storage.BatchStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cp.Status = status
	if status == storage.StatusCompleted {
		now := t.now().UTC()
		t.cp.CompletedAt = &now
	}
	return t.saveLocked(ctx)
}

func (t *tracker) snapshot() *storage.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp.Clone()
}
