package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// PostgresStore implements every storage contract on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and verifies the pool
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	observ.Log("postgres_connected", map[string]any{"max_conns": pool.Config().MaxConns})
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		id           TEXT PRIMARY KEY,
		exchange     TEXT NOT NULL,
		code         TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		listing_date DATE,
		status       TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS trading_days (
		exchange   TEXT NOT NULL,
		day        DATE NOT NULL,
		is_trading BOOLEAN NOT NULL,
		PRIMARY KEY (exchange, day)
	)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		instrument_id TEXT NOT NULL,
		day           DATE NOT NULL,
		exchange      TEXT NOT NULL,
		open          DOUBLE PRECISION,
		high          DOUBLE PRECISION,
		low           DOUBLE PRECISION,
		close         DOUBLE PRECISION,
		volume        DOUBLE PRECISION,
		amount        DOUBLE PRECISION,
		pre_close     DOUBLE PRECISION,
		change        DOUBLE PRECISION,
		pct_change    DOUBLE PRECISION,
		quality       DOUBLE PRECISION NOT NULL,
		flagged       BOOLEAN NOT NULL DEFAULT FALSE,
		source        TEXT NOT NULL,
		batch_id      TEXT NOT NULL DEFAULT '',
		fetched_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instrument_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		batch_id   TEXT PRIMARY KEY,
		exchange   TEXT NOT NULL,
		status     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// flagged rows may be replaced by anything; accepted rows only by accepted rows
const upsertQuote = `
INSERT INTO quotes (instrument_id, day, exchange, open, high, low, close, volume, amount,
	pre_close, change, pct_change, quality, flagged, source, batch_id, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (instrument_id, day) DO UPDATE SET
	exchange = EXCLUDED.exchange, open = EXCLUDED.open, high = EXCLUDED.high,
	low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume,
	amount = EXCLUDED.amount, pre_close = EXCLUDED.pre_close, change = EXCLUDED.change,
	pct_change = EXCLUDED.pct_change, quality = EXCLUDED.quality, flagged = EXCLUDED.flagged,
	source = EXCLUDED.source, batch_id = EXCLUDED.batch_id, fetched_at = EXCLUDED.fetched_at
WHERE quotes.flagged OR NOT EXCLUDED.flagged`

func (p *PostgresStore) UpsertQuotes(ctx context.Context, quotes []market.Quote) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, q := range quotes {
		batch.Queue(upsertQuote,
			q.InstrumentID, q.Day.Time(), q.Exchange, q.Open, q.High, q.Low, q.Close, q.Volume, q.Amount,
			q.PreClose, q.Change, q.PctChange, q.Quality, q.Flagged, q.Source, q.BatchID, q.FetchedAt)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	written := 0
	for range quotes {
		tag, err := br.Exec()
		if err != nil {
			return written, fmt.Errorf("upsert quotes: %w", err)
		}
		written += int(tag.RowsAffected())
	}
	return written, nil
}

func (p *PostgresStore) QuoteDays(ctx context.Context, instrumentID string, r market.DateRange) (map[market.Date]QuoteDay, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT day, quality, flagged FROM quotes WHERE instrument_id = $1 AND day BETWEEN $2 AND $3`,
		instrumentID, r.Start.Time(), r.End.Time())
	if err != nil {
		return nil, fmt.Errorf("query quote days: %w", err)
	}
	defer rows.Close()

	out := make(map[market.Date]QuoteDay)
	for rows.Next() {
		var (
			day     time.Time
			quality float64
			flagged bool
		)
		if err := rows.Scan(&day, &quality, &flagged); err != nil {
			return nil, err
		}
		out[market.DateOf(day)] = QuoteDay{Quality: quality, Flagged: flagged}
	}
	return out, rows.Err()
}

const quoteColumns = `instrument_id, day, exchange, open, high, low, close, volume, amount,
	pre_close, change, pct_change, quality, flagged, source, batch_id, fetched_at`

func scanQuote(row pgx.Row) (market.Quote, error) {
	var (
		q   market.Quote
		day time.Time
	)
	err := row.Scan(&q.InstrumentID, &day, &q.Exchange, &q.Open, &q.High, &q.Low, &q.Close, &q.Volume, &q.Amount,
		&q.PreClose, &q.Change, &q.PctChange, &q.Quality, &q.Flagged, &q.Source, &q.BatchID, &q.FetchedAt)
	q.Day = market.DateOf(day)
	return q, err
}

func (p *PostgresStore) Quotes(ctx context.Context, instrumentID string, r market.DateRange) ([]market.Quote, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE instrument_id = $1 AND day BETWEEN $2 AND $3 ORDER BY day`,
		instrumentID, r.Start.Time(), r.End.Time())
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	var out []market.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastQuote(ctx context.Context, instrumentID string, before market.Date) (market.Quote, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE instrument_id = $1 AND day < $2 ORDER BY day DESC LIMIT 1`,
		instrumentID, before.Time())
	q, err := scanQuote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Quote{}, ErrNotFound
	}
	return q, err
}

func (p *PostgresStore) LoadCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM checkpoints WHERE batch_id = $1`, batchID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: parse checkpoint %s: %v", ErrCheckpointUnavailable, batchID, err)
	}
	return &cp, nil
}

func (p *PostgresStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO checkpoints (batch_id, exchange, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id) DO UPDATE SET
			exchange = EXCLUDED.exchange, status = EXCLUDED.status,
			payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		cp.BatchID, cp.Exchange, string(cp.Status), payload, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) DeleteCheckpoint(ctx context.Context, batchID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM checkpoints WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := p.pool.Query(ctx, `SELECT payload FROM checkpoints ORDER BY batch_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTradingDays(ctx context.Context, days []market.TradingDay) error {
	if len(days) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range days {
		batch.Queue(`
			INSERT INTO trading_days (exchange, day, is_trading) VALUES ($1, $2, $3)
			ON CONFLICT (exchange, day) DO UPDATE SET is_trading = EXCLUDED.is_trading`,
			market.NormalizeExchange(d.Exchange), d.Day.Time(), d.IsTrading)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save trading days: %w", err)
	}
	return nil
}

func (p *PostgresStore) TradingDays(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	ex := market.NormalizeExchange(exchange)
	rows, err := p.pool.Query(ctx,
		`SELECT day, is_trading FROM trading_days WHERE exchange = $1 AND day BETWEEN $2 AND $3 ORDER BY day`,
		ex, r.Start.Time(), r.End.Time())
	if err != nil {
		return nil, fmt.Errorf("query trading days: %w", err)
	}
	defer rows.Close()

	var out []market.TradingDay
	for rows.Next() {
		var (
			day  time.Time
			open bool
		)
		if err := rows.Scan(&day, &open); err != nil {
			return nil, err
		}
		out = append(out, market.TradingDay{Exchange: ex, Day: market.DateOf(day), IsTrading: open})
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertInstruments(ctx context.Context, instruments []market.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, inst := range instruments {
		var listed *time.Time
		if !inst.ListingDate.IsZero() {
			t := inst.ListingDate.Time()
			listed = &t
		}
		status := inst.Status
		if status == "" {
			status = market.StatusActive
		}
		batch.Queue(`
			INSERT INTO instruments (id, exchange, code, name, listing_date, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				exchange = EXCLUDED.exchange, code = EXCLUDED.code, name = EXCLUDED.name,
				listing_date = EXCLUDED.listing_date, status = EXCLUDED.status`,
			inst.ID, market.NormalizeExchange(inst.Exchange), inst.Code, inst.Name, listed, string(status))
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert instruments: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListInstruments(ctx context.Context, exchange string) ([]market.Instrument, error) {
	ex := market.NormalizeExchange(exchange)
	rows, err := p.pool.Query(ctx,
		`SELECT id, exchange, code, name, listing_date, status FROM instruments
		 WHERE $1 = '' OR exchange = $1 ORDER BY id`, ex)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []market.Instrument
	for rows.Next() {
		var (
			inst   market.Instrument
			listed *time.Time
			status string
		)
		if err := rows.Scan(&inst.ID, &inst.Exchange, &inst.Code, &inst.Name, &listed, &status); err != nil {
			return nil, err
		}
		if listed != nil {
			inst.ListingDate = market.DateOf(*listed)
		}
		inst.Status = market.InstrumentStatus(status)
		out = append(out, inst)
	}
	return out, rows.Err()
}
