// Package catalog lists the instrument universe per exchange.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/storage"
)

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	IDs          []string    // exact instrument ids
	ActiveOnly   bool        // drop suspended and delisted instruments
	ListedBefore market.Date // keep instruments listed on or before this day
	Limit        int
}

// Match reports whether inst passes the filter, ignoring Limit
func (f Filter) Match(inst market.Instrument) bool {
	if f.ActiveOnly && !inst.Active() {
		return false
	}
	if !f.ListedBefore.IsZero() && !inst.ListingDate.IsZero() && inst.ListingDate.After(f.ListedBefore) {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if strings.EqualFold(id, inst.ID) {
				return true
			}
		}
		return false
	}
	return true
}

// Apply filters, sorts by id and truncates to Limit
func (f Filter) Apply(instruments []market.Instrument) []market.Instrument {
	out := make([]market.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if f.Match(inst) {
			out = append(out, inst)
		}
	}
	market.SortInstruments(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Catalog is the instrument reference data the ingestion core reads
type Catalog interface {
	ListInstruments(ctx context.Context, exchange string, filter Filter) ([]market.Instrument, error)
}

// Stored lists instruments from an InstrumentStore
type Stored struct {
	store storage.InstrumentStore
}

func NewStored(store storage.InstrumentStore) *Stored {
	return &Stored{store: store}
}

func (s *Stored) ListInstruments(ctx context.Context, exchange string, filter Filter) ([]market.Instrument, error) {
	all, err := s.store.ListInstruments(ctx, exchange)
	if err != nil {
		return nil, fmt.Errorf("list instruments %s: %w", exchange, err)
	}
	return filter.Apply(all), nil
}

// Import copies instruments into the store
func (s *Stored) Import(ctx context.Context, instruments []market.Instrument) error {
	return s.store.UpsertInstruments(ctx, instruments)
}

// File is a catalog kept in a YAML document:
//
//	instruments:
//	  - id: 600000.SSE
//	    exchange: SSE
//	    code: "600000"
//	    listing_date: 1999-11-10
type File struct {
	instruments []market.Instrument
}

type fileDoc struct {
	Instruments []market.Instrument `yaml:"instruments"`
}

// LoadFile reads a YAML catalog, filling ids from exchange and code when omitted
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewFile(doc.Instruments)
}

// NewFile builds an in-memory catalog from instruments
func NewFile(instruments []market.Instrument) (*File, error) {
	seen := make(map[string]bool, len(instruments))
	out := make([]market.Instrument, 0, len(instruments))
	for i, inst := range instruments {
		inst.Exchange = market.NormalizeExchange(inst.Exchange)
		if inst.ID == "" {
			if inst.Code == "" || inst.Exchange == "" {
				return nil, fmt.Errorf("instrument %d: id or exchange+code required", i)
			}
			inst.ID = market.InstrumentID(inst.Exchange, inst.Code)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("duplicate instrument %s", inst.ID)
		}
		seen[inst.ID] = true
		if inst.Status == "" {
			inst.Status = market.StatusActive
		}
		out = append(out, inst)
	}
	market.SortInstruments(out)
	return &File{instruments: out}, nil
}

func (f *File) ListInstruments(ctx context.Context, exchange string, filter Filter) ([]market.Instrument, error) {
	ex := market.NormalizeExchange(exchange)
	var out []market.Instrument
	for _, inst := range f.instruments {
		if ex == "" || inst.Exchange == ex {
			out = append(out, inst)
		}
	}
	return filter.Apply(out), nil
}

// Instruments returns every instrument in the file
func (f *File) Instruments() []market.Instrument {
	return append([]market.Instrument(nil), f.instruments...)
}
