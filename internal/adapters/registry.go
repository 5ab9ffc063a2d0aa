package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// chain is the priority-ordered source list of one exchange
type chain struct {
	mu       sync.Mutex
	exchange string
	sources  []Source
	active   int
}

// Registry resolves the active source per exchange and promotes the next
// lower-priority source when the active one's breaker opens. Promotion is
// sticky: it only moves down the chain until Reset.
type Registry struct {
	mu       sync.RWMutex
	breakers *BreakerSet
	byID     map[string]Source
	chains   map[string]*chain
}

func NewRegistry(breakers *BreakerSet, sources ...Source) *Registry {
	r := &Registry{
		breakers: breakers,
		byID:     make(map[string]Source),
		chains:   make(map[string]*chain),
	}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source to every exchange chain it supports
func (r *Registry) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[src.ID()] = src
	for _, ex := range src.Exchanges() {
		ex = market.NormalizeExchange(ex)
		ch, ok := r.chains[ex]
		if !ok {
			ch = &chain{exchange: ex}
			r.chains[ex] = ch
		}
		ch.mu.Lock()
		ch.sources = append(ch.sources, src)
		sort.SliceStable(ch.sources, func(i, j int) bool {
			if ch.sources[i].Priority() != ch.sources[j].Priority() {
				return ch.sources[i].Priority() < ch.sources[j].Priority()
			}
			return ch.sources[i].ID() < ch.sources[j].ID()
		})
		ch.mu.Unlock()
	}

	observ.Log("source_registered", map[string]any{
		"source":    src.ID(),
		"priority":  src.Priority(),
		"exchanges": src.Exchanges(),
	})
}

func (r *Registry) chain(exchange string) (*chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.chains[market.NormalizeExchange(exchange)]
	if !ok || len(ch.sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, exchange)
	}
	return ch, nil
}

// Active returns the source currently serving the exchange. If its breaker
// is open and a later source in the chain is healthy, that source is
// promoted first.
func (r *Registry) Active(exchange string) (Source, error) {
	ch, err := r.chain(exchange)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if r.breakers.IsOpen(ch.sources[ch.active].ID()) {
		r.promoteLocked(ch, "breaker_open")
	}
	return ch.sources[ch.active], nil
}

// ReportFailure records a source-level failure of sourceID while serving the
// exchange. It returns true when the failure opened the breaker of the active
// source and a fallback was promoted.
func (r *Registry) ReportFailure(exchange, sourceID string) bool {
	if !r.breakers.RecordFailure(sourceID) {
		return false
	}
	ch, err := r.chain(exchange)
	if err != nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sources[ch.active].ID() != sourceID {
		return false
	}
	return r.promoteLocked(ch, "failure_threshold")
}

// ReportSuccess closes the source's breaker
func (r *Registry) ReportSuccess(sourceID string) {
	r.breakers.RecordSuccess(sourceID)
}

// promoteLocked moves to the next source after the active one whose breaker
// is not open. It never moves back up the chain.
func (r *Registry) promoteLocked(ch *chain, reason string) bool {
	for i := ch.active + 1; i < len(ch.sources); i++ {
		if r.breakers.IsOpen(ch.sources[i].ID()) {
			continue
		}
		from := ch.sources[ch.active].ID()
		ch.active = i
		observ.IncCounter("source_promotions_total", map[string]string{"exchange": ch.exchange, "source": ch.sources[i].ID()})
		observ.Warn("source_promoted", map[string]any{
			"exchange": ch.exchange,
			"from":     from,
			"to":       ch.sources[i].ID(),
			"reason":   reason,
		})
		return true
	}
	return false
}

// Reset restores the highest-priority source of the exchange and closes the
// breakers of its chain
func (r *Registry) Reset(exchange string) error {
	ch, err := r.chain(exchange)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.active = 0
	for _, s := range ch.sources {
		r.breakers.Reset(s.ID())
	}
	observ.Log("source_chain_reset", map[string]any{"exchange": ch.exchange, "active": ch.sources[0].ID()})
	return nil
}

// Source looks a source up by id
func (r *Registry) Source(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Sources returns the exchange chain in priority order
func (r *Registry) Sources(exchange string) []Source {
	ch, err := r.chain(exchange)
	if err != nil {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Source(nil), ch.sources...)
}

// Exchanges lists every exchange with at least one source
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chains))
	for ex := range r.chains {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// SourceStatus is one chain member as seen by operators
type SourceStatus struct {
	ID       string       `json:"id"`
	Priority int          `json:"priority"`
	Active   bool         `json:"active"`
	Circuit  CircuitState `json:"circuit"`
}

// ExchangeStatus is the registry view of one exchange
type ExchangeStatus struct {
	Exchange string         `json:"exchange"`
	Active   string         `json:"active"`
	Sources  []SourceStatus `json:"sources"`
}

// Status returns the chain state of every exchange
func (r *Registry) Status() []ExchangeStatus {
	out := make([]ExchangeStatus, 0)
	for _, ex := range r.Exchanges() {
		ch, err := r.chain(ex)
		if err != nil {
			continue
		}
		ch.mu.Lock()
		st := ExchangeStatus{Exchange: ex, Active: ch.sources[ch.active].ID()}
		for i, s := range ch.sources {
			st.Sources = append(st.Sources, SourceStatus{
				ID:       s.ID(),
				Priority: s.Priority(),
				Active:   i == ch.active,
				Circuit:  r.breakers.State(s.ID()),
			})
		}
		ch.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Close closes every registered source
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, s := range r.byID {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
