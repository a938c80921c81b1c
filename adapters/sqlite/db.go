// Package sqlite binds the event store, the projector cursors and the posts
// read model to a single SQLite database file (modernc.org/sqlite, no cgo).
//
// Writers use BEGIN IMMEDIATE so two processes sharing the file serialize on
// the database write lock; within one process appends are additionally
// serialized so notifications leave in commit order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/screeem/screeem/adapters/sqlite/migrations"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate"

// DSN returns the connection string used for path.
func DSN(path string) string {
	return "file:" + filepath.ToSlash(filepath.Clean(path)) + "?" + pragmas
}

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("sqlite", path))

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Unavailable(fmt.Errorf("ping sqlite db: %w", err))
	}
	if err := ApplyMigrations(ctx, db, migrations.FS, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug("sqlite ready")
	return db, nil
}
