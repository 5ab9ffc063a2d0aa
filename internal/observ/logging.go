package observ

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig selects level, format and destination of the event log
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output     string `yaml:"output"` // stdout | stderr | file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

var (
	logMu  sync.RWMutex
	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(jsonFormatter())
	return l
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "event",
		},
	}
}

// Configure replaces the process logger according to cfg
func Configure(cfg LoggingConfig) error {
	l := logrus.New()

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	l.SetLevel(lvl)

	switch cfg.Format {
	case "", "json":
		l.SetFormatter(jsonFormatter())
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	switch cfg.Output {
	case "", "stdout":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		l.SetOutput(&lumberjack.Logger{
			Filename: cfg.Output,
			MaxSize:  maxSize,
			MaxAge:   cfg.MaxAgeDays,
			Compress: cfg.Compress,
		})
	}

	logMu.Lock()
	logger = l
	logMu.Unlock()
	return nil
}

// SetOutput redirects the current logger, mainly for tests
func SetOutput(w io.Writer) {
	logMu.RLock()
	defer logMu.RUnlock()
	logger.SetOutput(w)
}

func current() *logrus.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits one structured info event
func Log(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Info(event)
}

// Debug emits a debug-level event
func Debug(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Debug(event)
}

// Warn emits a warning-level event
func Warn(event string, kv map[string]any) {
	current().WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits an error-level event with err attached
func Error(event string, err error, kv map[string]any) {
	entry := current().WithFields(logrus.Fields(kv))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}
