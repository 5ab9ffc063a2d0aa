package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/Rajchodisetti/quote-ingest/internal/market"
)

// Source hides one upstream provider's protocol, auth and payload shape
// behind a fixed capability set.
type Source interface {
	ID() string
	// Priority ranks sources for an exchange; 1 is the primary, larger values are fallbacks
	Priority() int
	Exchanges() []string
	Supports(exchange string) bool
	FetchDaily(ctx context.Context, inst market.Instrument, r market.DateRange) ([]market.Quote, error)
	FetchCalendar(ctx context.Context, exchange string, r market.DateRange) ([]market.TradingDay, error)
	Close() error
}

// sourceInfo carries the static descriptor shared by every adapter
type sourceInfo struct {
	id        string
	priority  int
	exchanges []string
}

func newSourceInfo(id string, priority int, exchanges []string) sourceInfo {
	norm := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		norm = append(norm, market.NormalizeExchange(ex))
	}
	sort.Strings(norm)
	if priority <= 0 {
		priority = 1
	}
	return sourceInfo{id: id, priority: priority, exchanges: norm}
}

func (s sourceInfo) ID() string          { return s.id }
func (s sourceInfo) Priority() int       { return s.priority }
func (s sourceInfo) Exchanges() []string { return append([]string(nil), s.exchanges...) }

func (s sourceInfo) Supports(exchange string) bool {
	exchange = market.NormalizeExchange(exchange)
	for _, ex := range s.exchanges {
		if ex == exchange {
			return true
		}
	}
	return false
}

// ErrorKind is the fetch error taxonomy
type ErrorKind string

const (
	KindTransient       ErrorKind = "transient"        // network, timeout, 5xx
	KindQuota           ErrorKind = "quota"            // upstream throttled the request
	KindAuth            ErrorKind = "auth"             // permanent credential failure
	KindInvalidRequest  ErrorKind = "invalid_request"  // bad symbol, unsupported call
	KindNoData          ErrorKind = "no_data"          // upstream has nothing for the request
	KindDenied          ErrorKind = "denied"           // breaker open for the resolved source
	KindSourceExhausted ErrorKind = "source_exhausted" // breaker open and nothing to fail over to
	KindRateLimited     ErrorKind = "rate_limited"     // local quota wait exceeded the ceiling
)

// FetchError is returned by adapters and by the Fetcher
type FetchError struct {
	Kind    ErrorKind
	Source  string
	Op      string
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Source != "" {
		b.WriteString(" from ")
		b.WriteString(e.Source)
	}
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches kind-only sentinels, so errors.Is(err, ErrRateLimited) works on
// any FetchError of that kind.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok || t.Source != "" || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSourceExhausted = &FetchError{Kind: KindSourceExhausted}
	ErrRateLimited     = &FetchError{Kind: KindRateLimited}
	ErrTransient       = &FetchError{Kind: KindTransient}
	ErrInvalidRequest  = &FetchError{Kind: KindInvalidRequest}
	ErrAuth            = &FetchError{Kind: KindAuth}
	ErrUpstreamQuota   = &FetchError{Kind: KindQuota}
	ErrNoData          = &FetchError{Kind: KindNoData}
	ErrDenied          = &FetchError{Kind: KindDenied}

	// ErrCircuitOpen is wrapped by source-exhausted errors caused by an open breaker
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrNoSource means no adapter is registered for the exchange
	ErrNoSource = errors.New("no source registered for exchange")
	// ErrUnsupported marks an operation the adapter does not implement
	ErrUnsupported = errors.New("operation not supported by source")
)

// Common error constructors
func NewTransientError(source, op, message string, cause error) *FetchError {
	return &FetchError{Kind: KindTransient, Source: source, Op: op, Message: message, Err: cause}
}

func NewQuotaError(source, op, message string) *FetchError {
	return &FetchError{Kind: KindQuota, Source: source, Op: op, Message: message}
}

func NewAuthError(source, op, message string) *FetchError {
	return &FetchError{Kind: KindAuth, Source: source, Op: op, Message: message}
}

func NewInvalidRequestError(source, op, message string) *FetchError {
	return &FetchError{Kind: KindInvalidRequest, Source: source, Op: op, Message: message}
}

func newUnsupportedError(source, op string) *FetchError {
	return &FetchError{Kind: KindInvalidRequest, Source: source, Op: op, Err: ErrUnsupported}
}

func NewNoDataError(source, op, message string) *FetchError {
	return &FetchError{Kind: KindNoData, Source: source, Op: op, Message: message}
}

// Outcome is the adapter call result consumed by the Fetcher retry machine
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps an adapter error onto Ok | Retryable | Fatal
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTransient, KindQuota:
			return OutcomeRetryable
		default:
			return OutcomeFatal
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetryable
	}
	// unknown adapter failures are treated as transient
	return OutcomeRetryable
}

// SourceLevel reports whether err says something about the provider's health
// (auth, quota, 5xx, timeout) rather than about the request.
func SourceLevel(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTransient, KindQuota, KindAuth:
			return true
		default:
			return false
		}
	}
	return true
}

// KindOf returns the taxonomy kind of err, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// httpStatusError maps an upstream HTTP status onto the taxonomy
func httpStatusError(source, op string, status int, body string) *FetchError {
	msg := fmt.Sprintf("HTTP %d: %s", status, truncate(body, 200))
	switch {
	case status == 429:
		return NewQuotaError(source, op, msg)
	case status == 401 || status == 403:
		return NewAuthError(source, op, msg)
	case status >= 500:
		return NewTransientError(source, op, msg, nil)
	default:
		return NewInvalidRequestError(source, op, msg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
