package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

func bar(o, h, l, c, v float64) market.Quote {
	return market.Quote{InstrumentID: "600000.SSE", Exchange: "SSE", Day: market.MustParseDate("2024-01-03"), Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestScore(t *testing.T) {
	a := NewAssessor(DefaultConfig())
	prev := &market.Quote{Close: 10}

	tests := []struct {
		name  string
		quote market.Quote
		prev  *market.Quote
		want  float64
	}{
		{name: "clean bar", quote: bar(10, 11, 9, 10.5, 1000), want: 1},
		{name: "missing close", quote: bar(10, 11, 9, 0, 1000), want: 0.58},
		{name: "low above open", quote: bar(10, 11, 10.5, 10.8, 1000), want: 0.825},
		{name: "high below close", quote: bar(10, 10.5, 9, 11, 1000), want: 0.825},
		{name: "negative volume", quote: bar(10, 11, 9, 10.5, -5), want: 0.83},
		{name: "nan open", quote: bar(math.NaN(), 11, 9, 10.5, 1000), want: 0.58},
		{name: "everything missing", quote: bar(0, 0, 0, 0, 0), want: 0.37},
		{name: "plausible move", quote: bar(10, 12, 9.5, 11.5, 1000), prev: prev, want: 1},
		{name: "large jump reduces", quote: bar(15, 16.5, 15, 16, 1000), prev: prev, want: 0.98},
		{name: "doubling zeroes continuity", quote: bar(19, 20.5, 19, 20, 1000), prev: prev, want: 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Score(tt.quote, tt.prev)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	a := NewAssessor(DefaultConfig())
	q := bar(10, 11, 9, 10.5, 1000)
	assert.Equal(t, a.Score(q, nil), a.Score(q, nil))
}

func TestJumpAlonePassesThreshold(t *testing.T) {
	a := NewAssessor(DefaultConfig())
	q := bar(30, 31, 29, 30, 1000)
	score := a.Score(q, &market.Quote{Close: 10})
	assert.True(t, a.Accepts("SSE", score), "a price jump lowers but does not invalidate")
}

func TestEnrich(t *testing.T) {
	prev := &market.Quote{Close: 10}
	q := Enrich(bar(10, 12, 9, 11, 1000), prev)

	assert.Equal(t, 10.0, q.PreClose)
	assert.Equal(t, 1.0, q.Change)
	assert.Equal(t, 10.0, q.PctChange)
	assert.Equal(t, 10500.0, q.Amount)

	// provider values are kept
	given := bar(10, 12, 9, 11, 1000)
	given.PreClose, given.Amount = 10.5, 42
	q = Enrich(given, prev)
	assert.Equal(t, 10.5, q.PreClose)
	assert.Equal(t, 42.0, q.Amount)
}

func TestAssessFlagsWithoutDropping(t *testing.T) {
	a := NewAssessor(DefaultConfig())
	quotes := []market.Quote{
		bar(10, 11, 9, 10.5, 1000),
		bar(0, 0, 0, 0, 0),
		bar(10.5, 11, 10, 10.8, 900),
	}

	res := a.Assess(quotes, nil)
	require.Len(t, quotes, 3)
	assert.Equal(t, 3, res.Scored)
	assert.Equal(t, 1, res.Flagged)
	assert.Equal(t, []int{1}, res.Below)
	assert.True(t, quotes[1].Flagged)
	assert.InDelta(t, 0.37, quotes[1].Quality, 1e-9)
	assert.False(t, quotes[0].Flagged)
	assert.Equal(t, 10.5, quotes[0].Close)
}

func TestThresholdOverrides(t *testing.T) {
	a := NewAssessor(Config{Threshold: 0.7, ExchangeThresholds: map[string]float64{"szse": 0.9}})

	assert.Equal(t, 0.7, a.Threshold("SSE"))
	assert.Equal(t, 0.9, a.Threshold("SZSE"))
	assert.Equal(t, 0.5, a.WithThreshold(0.5).Threshold("SZSE"))
	assert.Equal(t, 0.9, a.WithThreshold(0).Threshold("SZSE"))
	assert.False(t, a.Accepts("SZSE", 0.85))
	assert.True(t, a.Accepts("SSE", 0.85))
}
