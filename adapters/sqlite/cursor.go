package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/screeem/screeem/core/es"
)

// CursorStore keeps projector cursors in the subscription_cursors table, so
// a restarted projector resumes in the same database as the events.
type CursorStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db, now: time.Now}
}

func (c *CursorStore) Get(ctx context.Context, name string) (uint64, error) {
	var seq uint64
	err := c.db.QueryRowContext(ctx, `SELECT sequence FROM subscription_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, Unavailable(fmt.Errorf("get cursor %s: %w", name, err))
	}
	return seq, nil
}

func (c *CursorStore) Set(ctx context.Context, name string, seq uint64) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO subscription_cursors (name, sequence, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at`,
		name, seq, c.now().UTC().UnixMilli(),
	)
	if err != nil {
		return Unavailable(fmt.Errorf("set cursor %s: %w", name, err))
	}
	return nil
}

var _ es.CursorStore = (*CursorStore)(nil)
