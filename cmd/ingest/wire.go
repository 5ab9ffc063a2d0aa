package main

import (
	"context"
	"fmt"

	"github.com/Rajchodisetti/quote-ingest/internal/adapters"
	"github.com/Rajchodisetti/quote-ingest/internal/catalog"
	"github.com/Rajchodisetti/quote-ingest/internal/config"
	"github.com/Rajchodisetti/quote-ingest/internal/engine"
	"github.com/Rajchodisetti/quote-ingest/internal/journal"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/reports"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// backend is everything a storage driver provides
type backend interface {
	storage.QuoteStore
	storage.CheckpointStore
	storage.CalendarStore
	storage.InstrumentStore
}

type app struct {
	engine  *engine.Engine
	closers []func()
}

func (a *app) Close() {
	if a.engine != nil {
		_ = a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Root) (*app, error) {
	if err := observ.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	a := &app{}

	fetcher, err := adapters.NewFetcherFromConfig(cfg.Config, nil)
	if err != nil {
		return nil, err
	}

	var store backend
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := storage.OpenPostgres(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				a.Close()
				return nil, err
			}
		}
		store = pg
	default:
		observ.Warn("memory_storage", map[string]any{"note": "quotes are not persisted across runs"})
		store = storage.NewMemory()
	}

	var checkpoints storage.CheckpointStore = store
	if cfg.Storage.CheckpointDir != "" {
		fc, err := storage.NewFileCheckpoints(cfg.Storage.CheckpointDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		checkpoints = fc
	}

	var cat catalog.Catalog = catalog.NewStored(store)
	if cfg.Catalog.Path != "" {
		file, err := catalog.LoadFile(cfg.Catalog.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		if cfg.Catalog.Import {
			if err := catalog.NewStored(store).Import(ctx, file.Instruments()); err != nil {
				a.Close()
				return nil, fmt.Errorf("import catalog: %w", err)
			}
		}
		cat = file
	}

	var sink reports.Sink
	switch {
	case cfg.Reports.Object != nil:
		sink, err = reports.NewObjectSink(*cfg.Reports.Object)
	case cfg.Reports.Dir != "":
		sink, err = reports.NewFileSink(cfg.Reports.Dir)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	var runs *journal.Journal
	if cfg.Reports.Journal != "" {
		if runs, err = journal.New(cfg.Reports.Journal); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.engine, err = engine.New(engine.Deps{
		Fetcher:     fetcher,
		Quotes:      store,
		Checkpoints: checkpoints,
		Calendars:   store,
		Catalog:     cat,
		Reports:     sink,
		Journal:     runs,
	}, cfg.Engine())
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
