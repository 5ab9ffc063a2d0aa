package adapters

import (
	"fmt"
	"os"
	"strings"

	"github.com/Rajchodisetti/quote-ingest/internal/observ"
)

// Config holds the source list and the admission policy shared by all sources
type Config struct {
	Sources []SourceConfig `yaml:"sources" validate:"dive"`
	Quota   QuotaLimits    `yaml:"quota"`
	Breaker BreakerConfig  `yaml:"breaker"`
	Fetch   FetcherConfig  `yaml:"fetch"`
}

// SourceConfig describes one upstream provider instance
type SourceConfig struct {
	ID                 string       `yaml:"id" validate:"required"`
	Type               string       `yaml:"type" validate:"required,oneof=tushare alphavantage polygon sim"`
	Priority           int          `yaml:"priority" validate:"gte=0"`
	Exchanges          []string     `yaml:"exchanges"`
	APIKeyEnv          string       `yaml:"api_key_env"`
	BaseURL            string       `yaml:"base_url"`
	RateLimitPerMinute int          `yaml:"rate_limit_per_minute" validate:"gte=0"`
	TimeoutSeconds     int          `yaml:"timeout_seconds" validate:"gte=0"`
	Quota              *QuotaLimits `yaml:"quota"` // overrides Config.Quota for this source
	Sim                SimConfig    `yaml:"sim"`
	Disabled           bool         `yaml:"disabled"`
}

// DefaultConfig runs a single sim source for SSE and SZSE
func DefaultConfig() Config {
	return Config{
		Sources: []SourceConfig{{ID: "sim", Type: "sim", Priority: 1, Exchanges: []string{"SSE", "SZSE"}}},
		Quota:   DefaultQuotaLimits(),
		Breaker: DefaultBreakerConfig(),
		Fetch:   DefaultFetcherConfig(),
	}
}

// NewSource creates the adapter named by cfg.Type
func NewSource(cfg SourceConfig) (Source, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	if kind != "sim" && cfg.APIKeyEnv == "" {
		return nil, fmt.Errorf("source %s: api_key_env is required for %s", cfg.ID, kind)
	}
	key := ""
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
	}

	var (
		src Source
		err error
	)
	switch kind {
	case "sim":
		src = NewSimSource(cfg.ID, cfg.Priority, cfg.Exchanges, cfg.Sim)
	case "tushare":
		src, err = NewTushareSource(cfg.ID, cfg.Priority, cfg.Exchanges, TushareConfig{
			Token:              key,
			BaseURL:            cfg.BaseURL,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			TimeoutSeconds:     cfg.TimeoutSeconds,
		})
	case "alphavantage":
		src, err = NewAlphaVantageSource(cfg.ID, cfg.Priority, cfg.Exchanges, AlphaVantageConfig{
			APIKey:             key,
			BaseURL:            cfg.BaseURL,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			TimeoutSeconds:     cfg.TimeoutSeconds,
		})
	case "polygon":
		src, err = NewPolygonSource(cfg.ID, cfg.Priority, cfg.Exchanges, PolygonConfig{
			APIKey:             key,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		})
	default:
		return nil, fmt.Errorf("source %s: unknown type %q", cfg.ID, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("source %s (%s env): %w", cfg.ID, cfg.APIKeyEnv, err)
	}

	observ.Log("source_created", map[string]any{
		"source":    cfg.ID,
		"type":      kind,
		"priority":  cfg.Priority,
		"exchanges": src.Exchanges(),
		"api_key":   maskAPIKey(key),
	})
	return src, nil
}

// NewFetcherFromConfig assembles sources, quotas, breakers, registry and
// fetcher. Extra sources (tests, dry runs) are registered after configured ones.
func NewFetcherFromConfig(cfg Config, extra []Source, opts ...FetcherOption) (*Fetcher, error) {
	perSource := make(map[string]QuotaLimits)
	breakers := NewBreakerSet(cfg.Breaker)
	registry := NewRegistry(breakers)

	for _, sc := range cfg.Sources {
		if sc.Disabled {
			continue
		}
		src, err := NewSource(sc)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		if sc.Quota != nil {
			perSource[sc.ID] = *sc.Quota
		}
		registry.Register(src)
	}
	for _, src := range extra {
		registry.Register(src)
	}
	if len(registry.Exchanges()) == 0 {
		return nil, fmt.Errorf("no enabled sources configured")
	}

	quotas := NewQuotaTracker(cfg.Quota, perSource)
	return NewFetcher(registry, quotas, cfg.Fetch, opts...), nil
}

// maskAPIKey masks sensitive API key for logging
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
