package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx"

	"github.com/screeem/screeem/core/es"
)

// CursorStore keeps projector cursors next to the events.
type CursorStore struct {
	db  DB
	now func() time.Time
}

func NewCursorStore(db DB) *CursorStore {
	return &CursorStore{db: db, now: time.Now}
}

func (c *CursorStore) Get(ctx context.Context, name string) (uint64, error) {
	var seq int64
	err := c.db.QueryRowEx(ctx, `SELECT sequence FROM subscription_cursors WHERE name = $1`, nil, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, Unavailable(fmt.Errorf("get cursor %s: %w", name, err))
	}
	return uint64(seq), nil
}

func (c *CursorStore) Set(ctx context.Context, name string, seq uint64) error {
	_, err := c.db.ExecEx(ctx, `
INSERT INTO subscription_cursors (name, sequence, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at`, nil,
		name, int64(seq), c.now().UTC(),
	)
	if err != nil {
		return Unavailable(fmt.Errorf("set cursor %s: %w", name, err))
	}
	return nil
}

var _ es.CursorStore = (*CursorStore)(nil)
