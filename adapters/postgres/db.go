// Package postgres binds the event store, the projector cursors and the
// posts read model to PostgreSQL through a pgx connection pool.
//
// Appends take a transaction scoped advisory lock, so the BIGSERIAL
// sequence of committed events grows in commit order and readers paging
// with GetAll never skip a late commit. Notifications are sent with
// pg_notify inside the append transaction and are delivered on commit only.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx"
)

//go:embed schema.sql
var schema string

const (
	appendLockKey  = "screeem.events.append"
	migrateLockKey = "screeem.schema"
)

// DB is the part of a pool or transaction the adapter queries through.
type DB interface {
	ExecEx(ctx context.Context, sql string, options *pgx.QueryExOptions, args ...any) (pgx.CommandTag, error)
	QueryEx(ctx context.Context, sql string, options *pgx.QueryExOptions, args ...any) (*pgx.Rows, error)
	QueryRowEx(ctx context.Context, sql string, options *pgx.QueryExOptions, args ...any) *pgx.Row
}

type Config struct {
	DSN            string
	MaxConnections int
	Log            *slog.Logger
}

// Open creates a connection pool for dsn, checks it and applies the schema.
func Open(ctx context.Context, cfg Config) (*pgx.ConnPool, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	conf, err := pgx.ParseConnectionString(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	conf.Logger = pgxLogger{log: log.With(slog.String("component", "pgx"))}
	conf.LogLevel = pgx.LogLevelWarn

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{ConnConfig: conf, MaxConnections: maxConns})
	if err != nil {
		return nil, Unavailable(fmt.Errorf("create pgx connection pool: %w", err))
	}
	if _, err := pool.ExecEx(ctx, "SELECT 1", nil); err != nil {
		pool.Close()
		return nil, Unavailable(fmt.Errorf("open first pgx connection: %w", err))
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres ready", slog.String("host", conf.Host), slog.String("database", conf.Database))
	return pool, nil
}

// Migrate creates the tables if they do not exist. Concurrent callers are
// serialized on an advisory lock.
func Migrate(ctx context.Context, pool *pgx.ConnPool) error {
	return WithTx(ctx, pool, func(tx DB) error {
		if _, err := tx.ExecEx(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", nil, migrateLockKey); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.ExecEx(ctx, schema, nil); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

// WithTx runs f in a transaction and commits if f returns nil.
func WithTx(ctx context.Context, pool *pgx.ConnPool, f func(DB) error) error {
	tx, err := pool.BeginEx(ctx, nil)
	if err != nil {
		return Unavailable(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := f(tx); err != nil {
		return err
	}
	if err := tx.CommitEx(ctx); err != nil {
		return Unavailable(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgxLogger struct {
	log *slog.Logger
}

func (l pgxLogger) Log(level pgx.LogLevel, msg string, data map[string]any) {
	attrs := make([]any, 0, len(data))
	for k, v := range data {
		attrs = append(attrs, slog.Any(k, v))
	}
	switch {
	case level <= pgx.LogLevelError:
		l.log.Error(msg, attrs...)
	case level == pgx.LogLevelWarn:
		l.log.Warn(msg, attrs...)
	case level == pgx.LogLevelInfo:
		l.log.Info(msg, attrs...)
	default:
		l.log.Debug(msg, attrs...)
	}
}

var _ pgx.Logger = pgxLogger{}
