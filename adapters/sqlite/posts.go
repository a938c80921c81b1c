package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/timeline"
)

const postColumns = `id, organization_id, content, media_urls, scheduled_for, status, tweet_id, error, cancel_reason, created_by, created_at, updated_at, published_at, version`

// PostsReadModel is the scheduled_posts table.
type PostsReadModel struct {
	db *sql.DB
}

func NewPostsReadModel(db *sql.DB) *PostsReadModel {
	return &PostsReadModel{db: db}
}

func (m *PostsReadModel) Get(ctx context.Context, postID string) (timeline.PostRow, error) {
	rows, err := m.query(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, postID)
	if err != nil {
		return timeline.PostRow{}, err
	}
	if len(rows) == 0 {
		return timeline.PostRow{}, timeline.ErrPostNotFound
	}
	return rows[0], nil
}

func (m *PostsReadModel) Save(ctx context.Context, row timeline.PostRow) error {
	media, err := json.Marshal(nonNil(row.MediaURLs))
	if err != nil {
		return fmt.Errorf("marshal media urls: %w", err)
	}
	var publishedAt sql.NullInt64
	if row.PublishedAt != nil {
		publishedAt = sql.NullInt64{Int64: row.PublishedAt.UnixMilli(), Valid: true}
	}

	_, err = m.db.ExecContext(ctx, `
INSERT INTO scheduled_posts (`+postColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    organization_id = excluded.organization_id,
    content         = excluded.content,
    media_urls      = excluded.media_urls,
    scheduled_for   = excluded.scheduled_for,
    status          = excluded.status,
    tweet_id        = excluded.tweet_id,
    error           = excluded.error,
    cancel_reason   = excluded.cancel_reason,
    created_by      = excluded.created_by,
    created_at      = excluded.created_at,
    updated_at      = excluded.updated_at,
    published_at    = excluded.published_at,
    version         = excluded.version`,
		row.ID,
		row.OrganizationID,
		row.Content,
		string(media),
		row.ScheduledFor.UnixMilli(),
		string(row.Status),
		row.TweetID,
		row.Error,
		row.CancelReason,
		row.CreatedBy,
		row.CreatedAt.UnixMilli(),
		row.UpdatedAt.UnixMilli(),
		publishedAt,
		uint64(row.Version),
	)
	if err != nil {
		return Unavailable(fmt.Errorf("save post %s: %w", row.ID, err))
	}
	return nil
}

func (m *PostsReadModel) ListByOrganization(ctx context.Context, organizationID string) ([]timeline.PostRow, error) {
	return m.query(ctx, `
SELECT `+postColumns+` FROM scheduled_posts
WHERE organization_id = ?
ORDER BY scheduled_for ASC, id ASC`, organizationID)
}

func (m *PostsReadModel) ListDue(ctx context.Context, now time.Time, limit int) ([]timeline.PostRow, error) {
	if limit <= 0 {
		limit = -1
	}
	return m.query(ctx, `
SELECT `+postColumns+` FROM scheduled_posts
WHERE status = ? AND scheduled_for <= ?
ORDER BY scheduled_for ASC, id ASC
LIMIT ?`, string(timeline.StatusScheduled), now.UnixMilli(), limit)
}

func (m *PostsReadModel) Clear(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM scheduled_posts`); err != nil {
		return Unavailable(fmt.Errorf("clear scheduled posts: %w", err))
	}
	return nil
}

func (m *PostsReadModel) query(ctx context.Context, query string, args ...any) ([]timeline.PostRow, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("query scheduled posts: %w", err))
	}
	defer func() { _ = rows.Close() }()

	out := make([]timeline.PostRow, 0)
	for rows.Next() {
		var (
			r            timeline.PostRow
			media        string
			status       string
			scheduledFor int64
			createdAt    int64
			updatedAt    int64
			publishedAt  sql.NullInt64
			version      uint64
		)
		if err := rows.Scan(
			&r.ID,
			&r.OrganizationID,
			&r.Content,
			&media,
			&scheduledFor,
			&status,
			&r.TweetID,
			&r.Error,
			&r.CancelReason,
			&r.CreatedBy,
			&createdAt,
			&updatedAt,
			&publishedAt,
			&version,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		if err := json.Unmarshal([]byte(media), &r.MediaURLs); err != nil {
			return nil, errors.Join(fmt.Errorf("decode media urls of post %s", r.ID), err)
		}
		r.Status = timeline.Status(status)
		r.ScheduledFor = time.UnixMilli(scheduledFor).UTC()
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		if publishedAt.Valid {
			at := time.UnixMilli(publishedAt.Int64).UTC()
			r.PublishedAt = &at
		}
		r.Version = es.Version(version)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable(fmt.Errorf("read scheduled posts: %w", err))
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ timeline.ReadModel = (*PostsReadModel)(nil)
