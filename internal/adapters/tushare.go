package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// TushareSource serves mainland exchanges (SSE, SZSE, BSE) from the Tushare
// pro HTTP API: "daily" for bars and "trade_cal" for calendars
type TushareSource struct {
	sourceInfo
	token       string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// TushareConfig holds configuration for the Tushare adapter
type TushareConfig struct {
	Token              string
	BaseURL            string
	RateLimitPerMinute int
	TimeoutSeconds     int
}

// exchange code -> ts_code suffix
var tushareSuffix = map[string]string{
	"SSE":  "SH",
	"SZSE": "SZ",
	"BSE":  "BJ",
}

// Tushare response codes
const (
	tushareRateLimited = 40203
	tushareNoAuth      = 40101
	tushareBadToken    = 40001
)

func NewTushareSource(id string, priority int, exchanges []string, config TushareConfig) (*TushareSource, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("Tushare token is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://api.tushare.pro"
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 200
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	if len(exchanges) == 0 {
		exchanges = []string{"SSE", "SZSE"}
	}
	return &TushareSource{
		sourceInfo: newSourceInfo(id, priority, exchanges),
		token:      config.Token,
		baseURL:    config.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
	}, nil
}

type tushareRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string `json:"fields"`
		Items  [][]any  `json:"items"`
	} `json:"data"`
}

// tsCode renders "600000.SH" from code and exchange
func tsCode(code, exchange string) (string, bool) {
	suffix, ok := tushareSuffix[market.NormalizeExchange(exchange)]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(code) + "." + suffix, true
}

func (t *TushareSource) FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error) {
	code, ok := tsCode(inst.Code, inst.Exchange)
	if !ok {
		return nil, NewInvalidRequestError(t.id, "daily", "exchange not served: "+inst.Exchange)
	}
	rows, err := t.call(ctx, "daily", map[string]string{
		"ts_code":    code,
		"start_date": r.Start.Compact(),
		"end_date":   r.End.Compact(),
	}, "ts_code,trade_date,open,high,low,close,pre_close,change,pct_chg,vol,amount")
	if err != nil {
		return nil, err
	}

	out := make([]market.Quote, 0, len(rows))
	for _, row := range rows {
		d, err := time.Parse("20060102", row.str("trade_date"))
		if err != nil {
			continue
		}
		out = append(out, market.Quote{
			InstrumentID: inst.ID,
			Exchange:     inst.Exchange,
			Day:          market.DateOf(d),
			Open:         row.num("open"),
			High:         row.num("high"),
			Low:          row.num("low"),
			Close:        row.num("close"),
			PreClose:     row.num("pre_close"),
			Change:       row.num("change"),
			PctChange:    row.num("pct_chg"),
			Volume:       row.num("vol") * 100,     // lots of 100 shares
			Amount:       row.num("amount") * 1000, // thousands of yuan
			Source:       t.id,
		})
	}
	market.SortQuotes(out)
	return out, nil
}

func (t *TushareSource) FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error) {
	exchange = market.NormalizeExchange(exchange)
	if _, ok := tushareSuffix[exchange]; !ok {
		return nil, NewInvalidRequestError(t.id, "calendar", "exchange not served: "+exchange)
	}
	rows, err := t.call(ctx, "trade_cal", map[string]string{
		"exchange":   exchange,
		"start_date": r.Start.Compact(),
		"end_date":   r.End.Compact(),
	}, "exchange,cal_date,is_open")
	if err != nil {
		return nil, err
	}

	out := make([]market.TradingDay, 0, len(rows))
	for _, row := range rows {
		d, err := time.Parse("20060102", row.str("cal_date"))
		if err != nil {
			continue
		}
		out = append(out, market.TradingDay{
			Exchange:  exchange,
			Day:       market.DateOf(d),
			IsTrading: row.num("is_open") == 1,
		})
	}
	return out, nil
}

func (t *TushareSource) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}

// tushareRow is one item keyed by field name
type tushareRow map[string]any

func (r tushareRow) str(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// num returns 0 for null or unparseable values
func (r tushareRow) num(field string) float64 {
	switch v := r[field].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (t *TushareSource) call(ctx context.Context, api string, params map[string]string, fields string) ([]tushareRow, error) {
	if err := t.rateLimiter.Wait(ctx); err != nil {
		return nil, NewTransientError(t.id, api, "rate limit wait cancelled", err)
	}

	payload, err := json.Marshal(tushareRequest{APIName: api, Token: t.token, Params: params, Fields: fields})
	if err != nil {
		return nil, NewInvalidRequestError(t.id, api, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, NewInvalidRequestError(t.id, api, "failed to create request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(t.id, api, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, httpStatusError(t.id, api, resp.StatusCode, string(body))
	}

	var out tushareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewTransientError(t.id, api, "failed to parse response", err)
	}
	switch {
	case out.Code == tushareRateLimited:
		return nil, NewQuotaError(t.id, api, out.Msg)
	case out.Code == tushareNoAuth || out.Code == tushareBadToken:
		return nil, NewAuthError(t.id, api, out.Msg)
	case out.Code != 0:
		return nil, NewInvalidRequestError(t.id, api, fmt.Sprintf("code %d: %s", out.Code, out.Msg))
	}
	if out.Data == nil {
		return nil, nil
	}

	rows := make([]tushareRow, 0, len(out.Data.Items))
	for _, item := range out.Data.Items {
		row := make(tushareRow, len(out.Data.Fields))
		for i, f := range out.Data.Fields {
			if i < len(item) {
				row[f] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
