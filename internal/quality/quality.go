// Package quality scores daily bars for structural validity and plausibility.
package quality

import (
	"math"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// Sub-score weights; they sum to 1
const (
	weightCompleteness = 0.35
	weightLowBound     = 0.175
	weightHighBound    = 0.175
	weightNonNegative  = 0.2
	weightContinuity   = 0.1
)

// Config holds thresholds; ExchangeThresholds overrides Threshold per exchange
type Config struct {
	Threshold          float64            `yaml:"threshold" validate:"gte=0,lte=1"`
	MaxPriceJump       float64            `yaml:"max_price_jump" validate:"gte=0"`
	ExchangeThresholds map[string]float64 `yaml:"exchange_thresholds" validate:"dive,gte=0,lte=1"`
	RequireForCoverage bool               `yaml:"require_for_coverage"` // gap detection ignores flagged days
}

func DefaultConfig() Config {
	return Config{Threshold: 0.7, MaxPriceJump: 0.5}
}

// ThresholdFor returns the acceptance threshold of an exchange
func (c Config) ThresholdFor(exchange string) float64 {
	if t, ok := c.ExchangeThresholds[market.NormalizeExchange(exchange)]; ok {
		return t
	}
	return c.Threshold
}

// Assessor scores quotes. It is immutable and safe for concurrent use.
type Assessor struct {
	cfg      Config
	override float64
}

func NewAssessor(cfg Config) *Assessor {
	if cfg.MaxPriceJump <= 0 {
		cfg.MaxPriceJump = DefaultConfig().MaxPriceJump
	}
	norm := make(map[string]float64, len(cfg.ExchangeThresholds))
	for ex, t := range cfg.ExchangeThresholds {
		norm[market.NormalizeExchange(ex)] = t
	}
	cfg.ExchangeThresholds = norm
	return &Assessor{cfg: cfg}
}

// WithThreshold returns a copy that applies t to every exchange; t <= 0
// keeps the configured thresholds
func (a *Assessor) WithThreshold(t float64) *Assessor {
	cp := *a
	if t > 0 {
		cp.override = t
	}
	return &cp
}

// Threshold returns the effective threshold for an exchange
func (a *Assessor) Threshold(exchange string) float64 {
	if a.override > 0 {
		return a.override
	}
	return a.cfg.ThresholdFor(exchange)
}

// Accepts reports whether a score meets the exchange threshold
func (a *Assessor) Accepts(exchange string, score float64) bool {
	return score >= a.Threshold(exchange)
}

// Score is a pure function of the quote and the previous trading day's
// quote (nil when unknown). The result is in [0, 1].
func (a *Assessor) Score(q market.Quote, prev *market.Quote) float64 {
	prices := []float64{q.Open, q.High, q.Low, q.Close}
	present := 0
	allPrices := true
	for _, p := range prices {
		if validPrice(p) {
			present++
		} else {
			allPrices = false
		}
	}
	volumeOK := finite(q.Volume) && q.Volume >= 0
	if volumeOK {
		present++
	}

	score := weightCompleteness * float64(present) / 5

	if allPrices {
		if q.Low <= q.Open && q.Low <= q.Close && q.Low <= q.High {
			score += weightLowBound
		}
		if q.High >= q.Open && q.High >= q.Close && q.High >= q.Low {
			score += weightHighBound
		}
	}

	if volumeOK {
		score += weightNonNegative / 2
	}
	if finite(q.Amount) && q.Amount >= 0 {
		score += weightNonNegative / 2
	}

	score += weightContinuity * a.continuity(q, prev)
	return round4(math.Max(0, math.Min(1, score)))
}

// continuity is 1 for a plausible move against the reference close, falling
// linearly to 0 at twice the allowed jump
func (a *Assessor) continuity(q market.Quote, prev *market.Quote) float64 {
	ref := q.PreClose
	if !validPrice(ref) && prev != nil {
		ref = prev.Close
	}
	if !validPrice(ref) || !validPrice(q.Close) {
		return 1
	}
	jump := math.Abs(q.Close-ref) / ref
	limit := a.cfg.MaxPriceJump
	if jump <= limit {
		return 1
	}
	return math.Max(0, 1-(jump-limit)/limit)
}

// Enrich derives the fields providers commonly omit: pre-close from the
// previous bar, change, percent change, and amount from volume times the
// typical price.
func Enrich(q market.Quote, prev *market.Quote) market.Quote {
	if !validPrice(q.PreClose) && prev != nil && validPrice(prev.Close) {
		q.PreClose = prev.Close
	}
	if validPrice(q.PreClose) && validPrice(q.Close) {
		if q.Change == 0 {
			q.Change = round4(q.Close - q.PreClose)
		}
		if q.PctChange == 0 {
			q.PctChange = round4((q.Close - q.PreClose) / q.PreClose * 100)
		}
	}
	if q.Amount == 0 && q.Volume > 0 && validPrice(q.Open) && validPrice(q.High) && validPrice(q.Low) && validPrice(q.Close) {
		q.Amount = round4(q.Volume * (q.Open + q.High + q.Low + q.Close) / 4)
	}
	return q
}

// Result summarizes an assessed slice
type Result struct {
	Scored  int
	Flagged int
	Mean    float64
	Below   []int // indexes of quotes under the threshold
}

// Assess enriches and scores quotes in ascending day order, chaining each
// bar to the previous one. Quality and Flagged are set in place.
func (a *Assessor) Assess(quotes []market.Quote, prev *market.Quote) Result {
	var res Result
	var sum float64
	for i := range quotes {
		quotes[i] = Enrich(quotes[i], prev)
		score := a.Score(quotes[i], prev)
		quotes[i].Quality = score
		quotes[i].Flagged = !a.Accepts(quotes[i].Exchange, score)
		if quotes[i].Flagged {
			res.Flagged++
			res.Below = append(res.Below, i)
		}
		sum += score
		res.Scored++
		prev = &quotes[i]
	}
	if res.Scored > 0 {
		res.Mean = round4(sum / float64(res.Scored))
	}
	return res
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func validPrice(v float64) bool { return finite(v) && v > 0 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
