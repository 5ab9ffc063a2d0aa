package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/quote-ingest/internal/adapters"
	"github.com/Rajchodisetti/quote-ingest/internal/engine"
	"github.com/Rajchodisetti/quote-ingest/internal/gaps"
	"github.com/Rajchodisetti/quote-ingest/internal/ingest"
	"github.com/Rajchodisetti/quote-ingest/internal/observ"
	"github.com/Rajchodisetti/quote-ingest/internal/quality"
	"github.com/Rajchodisetti/quote-ingest/internal/reports"
)

type Storage struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres"`
	// DSNEnv names the env var holding the postgres connection string
	DSNEnv  string `yaml:"dsn_env"`
	Migrate bool   `yaml:"migrate"`
	// CheckpointDir stores checkpoints as JSON files instead of in the quote store
	CheckpointDir string `yaml:"checkpoint_dir"`
}

type Reports struct {
	Dir    string                `yaml:"dir"`
	Object *reports.ObjectConfig `yaml:"object"` // takes precedence over Dir
	// Journal is the JSON-lines history of finished batches and repairs
	Journal string `yaml:"journal"`
}

type Catalog struct {
	Path string `yaml:"path"` // YAML instrument list; empty reads the storage catalog
	// Import copies the file catalog into storage on startup
	Import bool `yaml:"import"`
}

type Root struct {
	Logging observ.LoggingConfig `yaml:"logging"`
	// sources, quota, breaker and fetch sit at the top level
	adapters.Config `yaml:",inline"`
	Ingest          ingest.Config  `yaml:"ingest"`
	Quality         quality.Config `yaml:"quality"`
	Gaps            gaps.Config    `yaml:"gaps"`
	RepairWorkers   int            `yaml:"repair_workers" validate:"gte=0"`
	Storage         Storage        `yaml:"storage"`
	Reports         Reports        `yaml:"reports"`
	Catalog         Catalog        `yaml:"catalog"`
	Exchanges       []string       `yaml:"exchanges"` // default exchanges of daily and download runs
	MetricsAddr     string         `yaml:"metrics_addr"`
}

// Default is the configuration used when no file is given
func Default() Root {
	return Root{
		Logging:       observ.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Config:        adapters.DefaultConfig(),
		Ingest:        ingest.DefaultConfig(),
		Quality:       quality.DefaultConfig(),
		Gaps:          gaps.DefaultConfig(),
		RepairWorkers: 2,
		Storage:       Storage{Driver: "memory", DSNEnv: "DATABASE_URL"},
		Reports:       Reports{Dir: "data/reports", Journal: "data/runs.jsonl"},
		Exchanges:     []string{"SSE", "SZSE"},
	}
}

// Load reads a .env file when present, then the YAML file at path over the
// defaults, and validates the result. An empty path returns the defaults.
func Load(path string) (Root, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Root{}, fmt.Errorf("load .env: %w", err)
	}

	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Logging.Level = strings.ToLower(lvl)
	}
	c.fillDefaults()

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) fillDefaults() {
	d := Default()
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.DSNEnv == "" {
		c.Storage.DSNEnv = d.Storage.DSNEnv
	}
	if c.Gaps.Thresholds == (gaps.Thresholds{}) {
		c.Gaps.Thresholds = gaps.DefaultThresholds()
	}
	for i, ex := range c.Exchanges {
		c.Exchanges[i] = strings.ToUpper(strings.TrimSpace(ex))
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express
func (c Root) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.ID] {
			return fmt.Errorf("invalid config: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if c.Storage.Driver == "postgres" && os.Getenv(c.Storage.DSNEnv) == "" {
		return fmt.Errorf("invalid config: postgres storage needs %s set", c.Storage.DSNEnv)
	}
	if o := c.Reports.Object; o != nil && (o.Endpoint == "" || o.Bucket == "") {
		return errors.New("invalid config: reports.object needs endpoint and bucket")
	}
	return nil
}

// DSN resolves the postgres connection string
func (c Root) DSN() string {
	return os.Getenv(c.Storage.DSNEnv)
}

// Engine returns the engine tunables
func (c Root) Engine() engine.Config {
	return engine.Config{
		Ingest:        c.Ingest,
		Gaps:          c.Gaps,
		Quality:       c.Quality,
		RepairWorkers: c.RepairWorkers,
	}
}
