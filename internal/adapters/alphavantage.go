package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// AlphaVantageSource serves US daily bars from the TIME_SERIES_DAILY endpoint
type AlphaVantageSource struct {
	sourceInfo
	apiKey      string
	baseURL     string
	outputSize  string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// AlphaVantageConfig holds configuration for the Alpha Vantage adapter
type AlphaVantageConfig struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	TimeoutSeconds     int
	OutputSize         string // compact | full
}

// NewAlphaVantageSource creates a new Alpha Vantage source
func NewAlphaVantageSource(id string, priority int, exchanges []string, config AlphaVantageConfig) (*AlphaVantageSource, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Alpha Vantage API key is required")
	}

	// Set defaults
	if config.BaseURL == "" {
		config.BaseURL = "https://www.alphavantage.co/query"
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 5 // Free tier limit
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.OutputSize == "" {
		config.OutputSize = "full"
	}
	if len(exchanges) == 0 {
		exchanges = []string{"NASDAQ", "NYSE"}
	}

	return &AlphaVantageSource{
		sourceInfo: newSourceInfo(id, priority, exchanges),
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		outputSize: config.OutputSize,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}, nil
}

// FetchDaily requests the daily series and keeps the days inside r
func (av *AlphaVantageSource) FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
	symbol := strings.ToUpper(strings.TrimSpace(inst.Code))
	if symbol == "" {
		return nil, NewInvalidRequestError(av.id, "daily", "empty symbol")
	}

	if err := av.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTransientError(av.id, "daily", "rate limit wait cancelled", err)
	}

	params := url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {symbol},
		"outputsize": {av.outputSize},
		"apikey":     {av.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, av.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, NewInvalidRequestError(av.id, "daily", "failed to create request: "+err.Error())
	}

	resp, err := av.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(av.id, "daily", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, httpStatusError(av.id, "daily", resp.StatusCode, string(body))
	}
	return av.parseDailyResponse(resp.Body, inst, r)
}

// parseDailyResponse parses the TIME_SERIES_DAILY payload
func (av *AlphaVantageSource) parseDailyResponse(body io.Reader, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
	var response struct {
		Series       map[string]map[string]string `json:"Time Series (Daily)"`
		ErrorMessage string                       `json:"Error Message"`
		Information  string                       `json:"Information"`
		Note         string                       `json:"Note"`
	}
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return nil, NewTransientError(av.id, "daily", "failed to parse response", err)
	}

	// Check for API errors
	if response.ErrorMessage != "" {
		return nil, NewInvalidRequestError(av.id, "daily", response.ErrorMessage)
	}
	if response.Information != "" || response.Note != "" {
		// Usually rate limit or API call frequency message
		return nil, NewQuotaError(av.id, "daily", response.Information+response.Note)
	}

	out := make([]market.Quote, 0, len(response.Series))
	for day, bar := range response.Series {
		d, err := market.ParseDate(day)
		if err != nil || !r.Contains(d) {
			continue
		}
		// unparseable fields stay zero and are scored as missing
		out = append(out, market.Quote{
			InstrumentID: inst.ID,
			Exchange:     inst.Exchange,
			Day:          d,
			Open:         parseField(bar["1. open"]),
			High:         parseField(bar["2. high"]),
			Low:          parseField(bar["3. low"]),
			Close:        parseField(bar["4. close"]),
			Volume:       parseField(bar["5. volume"]),
			Source:       av.id,
		})
	}
	market.SortQuotes(out)
	return out, nil
}

// FetchCalendar is not offered by Alpha Vantage
func (av *AlphaVantageSource) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	return nil, newUnsupportedError(av.id, "calendar")
}

// Close performs cleanup
func (av *AlphaVantageSource) Close() error {
	av.httpClient.CloseIdleConnections()
	return nil
}

func parseField(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
