package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

const avDailyPayload = `{
  "Meta Data": {"2. Symbol": "IBM"},
  "Time Series (Daily)": {
    "2024-01-03": {"1. open": "161.00", "2. high": "161.73", "3. low": "160.08", "4. close": "160.10", "5. volume": "4086142"},
    "2024-01-02": {"1. open": "162.83", "2. high": "163.29", "3. low": "160.38", "4. close": "161.50", "5. volume": "3825045"},
    "2023-12-29": {"1. open": "162.86", "2. high": "163.80", "3. low": "162.30", "4. close": "163.55", "5. volume": "3293736"}
  }
}`

func newAVSource(t *testing.T, handler http.HandlerFunc) *AlphaVantageSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	src, err := NewAlphaVantageSource("av", 1, nil, AlphaVantageConfig{
		APIKey:             "demo",
		BaseURL:            srv.URL,
		RateLimitPerMinute: 6000,
	})
	require.NoError(t, err)
	return src
}

func TestAlphaVantageFetchDaily(t *testing.T) {
	var gotQuery map[string]string
	src := newAVSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"function": r.URL.Query().Get("function"),
			"symbol":   r.URL.Query().Get("symbol"),
			"apikey":   r.URL.Query().Get("apikey"),
		}
		_, _ = w.Write([]byte(avDailyPayload))
	})

	inst := market.Instrument{ID: "IBM.NYSE", Exchange: "NYSE", Code: "ibm"}
	r := market.NewDateRange(market.MustParseDate("2024-01-01"), market.MustParseDate("2024-01-05"))
	quotes, err := src.FetchDaily(context.Background(), inst, r)
	require.NoError(t, err)

	assert.Equal(t, "TIME_SERIES_DAILY", gotQuery["function"])
	assert.Equal(t, "IBM", gotQuery["symbol"])
	assert.Equal(t, "demo", gotQuery["apikey"])

	require.Len(t, quotes, 2)
	assert.Equal(t, "2024-01-02", quotes[0].Day.String())
	assert.Equal(t, 162.83, quotes[0].Open)
	assert.Equal(t, 161.50, quotes[0].Close)
	assert.Equal(t, 3825045.0, quotes[0].Volume)
	assert.Equal(t, "av", quotes[1].Source)
	assert.True(t, src.Supports("nasdaq"))
}

func TestAlphaVantageErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
	}{
		{"throttle note", 200, `{"Note": "Thank you for using Alpha Vantage! call frequency is 5 per minute"}`, KindQuota},
		{"information", 200, `{"Information": "daily limit reached"}`, KindQuota},
		{"bad symbol", 200, `{"Error Message": "Invalid API call."}`, KindInvalidRequest},
		{"server error", 502, `bad gateway`, KindTransient},
		{"forbidden", 403, `nope`, KindAuth},
		{"garbage", 200, `<html>`, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newAVSource(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := src.FetchDaily(context.Background(), market.Instrument{ID: "IBM.NYSE", Exchange: "NYSE", Code: "IBM"}, testRange)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestAlphaVantageCalendarUnsupported(t *testing.T) {
	src := newAVSource(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := src.FetchCalendar(context.Background(), "NYSE", testRange)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAlphaVantageRequiresKey(t *testing.T) {
	_, err := NewAlphaVantageSource("av", 1, nil, AlphaVantageConfig{})
	assert.Error(t, err)
}
