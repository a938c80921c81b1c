// Package config reads the process configuration from SCREEEM_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendNATS     Backend = "nats"
)

type Config struct {
	LogLevel  string `env:"SCREEEM_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SCREEEM_LOG_FORMAT" envDefault:"text"`

	Backend     Backend `env:"SCREEEM_BACKEND"      envDefault:"sqlite"`
	SQLitePath  string  `env:"SCREEEM_SQLITE_PATH"  envDefault:"screeem.db"`
	PostgresDSN string  `env:"SCREEEM_POSTGRES_DSN"`
	NatsURL     string  `env:"SCREEEM_NATS_URL"     envDefault:"nats://127.0.0.1:4222"`
	NatsPrefix  string  `env:"SCREEEM_NATS_PREFIX"  envDefault:"screeem"`

	// NatsNotify fans notifications out over core NATS instead of the
	// in-process bus. Only used by the memory and sqlite backends.
	NatsNotify bool `env:"SCREEEM_NATS_NOTIFY"`

	MetricsAddr string `env:"SCREEEM_METRICS_ADDR" envDefault:":9090"`

	PublishSchedule string        `env:"SCREEEM_PUBLISH_SCHEDULE" envDefault:"@every 1m"`
	PublishBatch    int           `env:"SCREEEM_PUBLISH_BATCH"    envDefault:"10"`
	DryRun          bool          `env:"SCREEEM_DRY_RUN"          envDefault:"true"`
	CommandRetries  int           `env:"SCREEEM_COMMAND_RETRIES"  envDefault:"5"`
	ProjectorBatch  int           `env:"SCREEEM_PROJECTOR_BATCH"  envDefault:"500"`
	ShutdownTimeout time.Duration `env:"SCREEEM_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SCREEEM_SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("SCREEEM_POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendNATS:
		if strings.TrimSpace(c.NatsURL) == "" {
			errs = append(errs, errors.New("SCREEEM_NATS_URL is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.CommandRetries < 1 {
		errs = append(errs, errors.New("SCREEEM_COMMAND_RETRIES must be at least 1"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// Logger builds the process logger and installs it as the slog default.
func (c Config) Logger() *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
