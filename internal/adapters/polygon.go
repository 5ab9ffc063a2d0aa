package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// PolygonSource serves US daily aggregates through the Polygon.io REST client
type PolygonSource struct {
	sourceInfo
	client      *polygon.Client
	rateLimiter *rate.Limiter
}

// PolygonConfig holds configuration for the Polygon source
type PolygonConfig struct {
	APIKey             string
	RateLimitPerMinute int
}

// NewPolygonSource creates a new Polygon.io source
func NewPolygonSource(id string, priority int, exchanges []string, config PolygonConfig) (*PolygonSource, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Polygon API key is required")
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 5 // free tier
	}
	if len(exchanges) == 0 {
		exchanges = []string{"NASDAQ", "NYSE"}
	}
	return &PolygonSource{
		sourceInfo:  newSourceInfo(id, priority, exchanges),
		client:      polygon.New(config.APIKey),
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}, nil
}

// FetchDaily lists adjusted 1-day aggregates in ascending order
func (p *PolygonSource) FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
	ticker := normalizeSymbol(inst.Code)
	if ticker == "" {
		return nil, NewInvalidRequestError(p.id, "daily", "empty symbol")
	}
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTransientError(p.id, "daily", "rate limit wait cancelled", err)
	}

	params := models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: 1,
		Timespan:   models.Day,
		From:       models.Millis(r.Start.Time()),
		To:         models.Millis(r.End.Time()),
	}.WithAdjusted(true).WithOrder(models.Asc).WithLimit(50000)

	var out []market.Quote
	it := p.client.ListAggs(ctx, params)
	for it.Next() {
		agg := it.Item()
		// day bars are stamped at exchange-local midnight, which is the same UTC date
		d := market.DateOf(time.Time(agg.Timestamp).UTC())
		if !r.Contains(d) {
			continue
		}
		out = append(out, market.Quote{
			InstrumentID: inst.ID,
			Exchange:     inst.Exchange,
			Day:          d,
			Open:         agg.Open,
			High:         agg.High,
			Low:          agg.Low,
			Close:        agg.Close,
			Volume:       agg.Volume,
			Amount:       agg.VWAP * agg.Volume,
			Source:       p.id,
		})
	}
	if err := it.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyPolygonError(p.id, err)
	}
	return out, nil
}

// FetchCalendar is not served by this source
func (p *PolygonSource) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	return nil, newUnsupportedError(p.id, "calendar")
}

func (p *PolygonSource) Close() error { return nil }

var polygonStatus = regexp.MustCompile(`(?:code|status)\D{0,3}(\d{3})`)

// classifyPolygonError maps client errors onto the taxonomy using the HTTP
// status embedded in the client's error text
func classifyPolygonError(source string, err error) *FetchError {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(source, "daily", "request failed", err)
	}
	if m := polygonStatus.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		fe := httpStatusError(source, "daily", status, err.Error())
		fe.Err = err
		return fe
	}
	return NewTransientError(source, "daily", "aggregates request failed", err)
}

// normalizeSymbol normalizes symbol format for Polygon.io
func normalizeSymbol(symbol string) string {
	if symbol == "" {
		return ""
	}

	// Polygon uses standard format: AAPL, BRK.A, BRK.B
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	// Handle common variations
	switch {
	case strings.Contains(symbol, "BRK-A"):
		return "BRK.A"
	case strings.Contains(symbol, "BRK-B"):
		return "BRK.B"
	case strings.HasSuffix(symbol, ".US"):
		return strings.TrimSuffix(symbol, ".US")
	default:
		return symbol
	}
}
