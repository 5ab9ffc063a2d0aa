// Package storage defines the persistence contracts consumed by the ingestion
// core and provides in-memory, file and Postgres implementations.
package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

var (
	// ErrNotFound is returned when a checkpoint or record does not exist
	ErrNotFound = errors.New("not found")
	// ErrCheckpointUnavailable marks a checkpoint store failure; it is fatal to a batch
	ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")
)

// QuoteStore persists quotes with upsert-by-(instrument, day) semantics.
// An accepted (unflagged) quote is never replaced by a flagged one.
type QuoteStore interface {
	UpsertQuotes(ctx context.Context, quotes []market.Quote) (int, error)
	// QuoteDays returns the stored days in r with their quality score
	QuoteDays(ctx context.Context, instrumentID string, r market.DateRange) (map[market.Date]QuoteDay, error)
	Quotes(ctx context.Context, instrumentID string, r market.DateRange) ([]market.Quote, error)
	// LastQuote returns the latest quote strictly before day, or ErrNotFound
	LastQuote(ctx context.Context, instrumentID string, before market.Date) (market.Quote, error)
}

// QuoteDay is the coverage view of one stored quote
type QuoteDay struct {
	Quality float64
	Flagged bool
}

// CheckpointStore keeps exactly one live checkpoint per batch id
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	DeleteCheckpoint(ctx context.Context, batchID string) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
}

// CalendarStore persists exchange calendars
type CalendarStore interface {
	SaveTradingDays(ctx context.Context, days []market.TradingDay) error
	TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error)
}

// InstrumentStore persists the instrument catalog
type InstrumentStore interface {
	UpsertInstruments(ctx context.Context, instruments []market.Instrument) error
	ListInstruments(ctx context.Context, exchange string) ([]market.Instrument, error)
}

// BatchStatus follows pending -> running -> completed | failed | aborted
type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusRunning   BatchStatus = "running"
	StatusCompleted BatchStatus = "completed"
	StatusFailed    BatchStatus = "failed"
	StatusAborted   BatchStatus = "aborted"
)

// Terminal reports whether no further transitions happen without a resume
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// MaxCheckpointErrors caps the error tally kept in a checkpoint
const MaxCheckpointErrors = 100

// Checkpoint is the persisted cursor of a download batch. Its JSON form is
// the on-disk representation of file-backed progress.
type Checkpoint struct {
	BatchID  string           `json:"batch_id"`
	Exchange string           `json:"exchange"`
	Status   BatchStatus      `json:"status"`
	Range    market.DateRange `json:"range"`

	Total     int `json:"total"`
	BatchSize int `json:"batch_size"`
	// Cursor is the number of instruments, counted from index 0, that are
	// fully processed; Done holds processed indexes beyond it
	Cursor           int                    `json:"cursor"`
	Done             []int                  `json:"done,omitempty"`
	DayCursor        map[string]market.Date `json:"day_cursor,omitempty"`
	CurrentPartition int                    `json:"current_partition"`

	Processed     int      `json:"processed"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	QuotesWritten int      `json:"quotes_written"`
	QuotesFlagged int      `json:"quotes_flagged"`
	Errors        []string `json:"errors,omitempty"`

	QualityThreshold float64    `json:"quality_threshold,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewCheckpoint returns a pending checkpoint for a batch
func NewCheckpoint(batchID, exchange string, r market.DateRange, total, batchSize int, now time.Time) *Checkpoint {
	return &Checkpoint{
		BatchID:   batchID,
		Exchange:  exchange,
		Status:    StatusPending,
		Range:     r,
		Total:     total,
		BatchSize: batchSize,
		DayCursor: map[string]market.Date{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// IsDone reports whether instrument index i is fully processed
func (c *Checkpoint) IsDone(i int) bool {
	if i < c.Cursor {
		return true
	}
	for _, d := range c.Done {
		if d == i {
			return true
		}
	}
	return false
}

// MarkDone records index i and advances the contiguous cursor. The cursor
// never moves past Total.
func (c *Checkpoint) MarkDone(i int) {
	if i < 0 || i >= c.Total || c.IsDone(i) {
		return
	}
	c.Done = append(c.Done, i)
	sort.Ints(c.Done)
	for len(c.Done) > 0 && c.Done[0] == c.Cursor {
		c.Cursor++
		c.Done = c.Done[1:]
	}
	if len(c.Done) == 0 {
		c.Done = nil
	}
}

// Clamp repairs a cursor loaded from storage against the current bounds
func (c *Checkpoint) Clamp() {
	if c.Cursor < 0 {
		c.Cursor = 0
	}
	if c.Cursor > c.Total {
		c.Cursor = c.Total
	}
	kept := c.Done[:0]
	for _, d := range c.Done {
		if d >= c.Cursor && d < c.Total {
			kept = append(kept, d)
		}
	}
	c.Done = kept
	if c.DayCursor == nil {
		c.DayCursor = map[string]market.Date{}
	}
}

// Remaining is the number of instruments not yet processed
func (c *Checkpoint) Remaining() int {
	return c.Total - c.Cursor - len(c.Done)
}

// RecordError appends to the error tally, keeping the most recent entries
func (c *Checkpoint) RecordError(msg string) {
	c.Errors = append(c.Errors, msg)
	if over := len(c.Errors) - MaxCheckpointErrors; over > 0 {
		c.Errors = append([]string(nil), c.Errors[over:]...)
	}
}

// Clone returns a deep copy
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	cp.Done = append([]int(nil), c.Done...)
	cp.Errors = append([]string(nil), c.Errors...)
	cp.DayCursor = make(map[string]market.Date, len(c.DayCursor))
	for k, v := range c.DayCursor {
		cp.DayCursor[k] = v
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// shouldReplace implements the upsert rule: a flagged quote never replaces
// an accepted one
func shouldReplace(existing, incoming market.Quote) bool {
	return existing.Flagged || !incoming.Flagged
}
