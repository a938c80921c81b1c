package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/timeline"
)

const postColumns = `id, organization_id, content, media_urls, scheduled_for, status, tweet_id, error, cancel_reason, created_by, created_at, updated_at, published_at, version`

// PostsReadModel is the scheduled_posts table. Times are stored with
// microsecond precision.
type PostsReadModel struct {
	db DB
}

func NewPostsReadModel(db DB) *PostsReadModel {
	return &PostsReadModel{db: db}
}

func (m *PostsReadModel) Get(ctx context.Context, postID string) (timeline.PostRow, error) {
	rows, err := m.query(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, postID)
	if err != nil {
		return timeline.PostRow{}, err
	}
	if len(rows) == 0 {
		return timeline.PostRow{}, timeline.ErrPostNotFound
	}
	return rows[0], nil
}

func (m *PostsReadModel) Save(ctx context.Context, row timeline.PostRow) error {
	media := row.MediaURLs
	if media == nil {
		media = []string{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("marshal media urls: %w", err)
	}

	_, err = m.db.ExecEx(ctx, `
INSERT INTO scheduled_posts (`+postColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    organization_id = EXCLUDED.organization_id,
    content         = EXCLUDED.content,
    media_urls      = EXCLUDED.media_urls,
    scheduled_for   = EXCLUDED.scheduled_for,
    status          = EXCLUDED.status,
    tweet_id        = EXCLUDED.tweet_id,
    error           = EXCLUDED.error,
    cancel_reason   = EXCLUDED.cancel_reason,
    created_by      = EXCLUDED.created_by,
    created_at      = EXCLUDED.created_at,
    updated_at      = EXCLUDED.updated_at,
    published_at    = EXCLUDED.published_at,
    version         = EXCLUDED.version`, nil,
		row.ID,
		row.OrganizationID,
		row.Content,
		string(mediaJSON),
		row.ScheduledFor.UTC(),
		string(row.Status),
		row.TweetID,
		row.Error,
		row.CancelReason,
		row.CreatedBy,
		row.CreatedAt.UTC(),
		row.UpdatedAt.UTC(),
		row.PublishedAt,
		int64(row.Version),
	)
	if err != nil {
		return Unavailable(fmt.Errorf("save post %s: %w", row.ID, err))
	}
	return nil
}

func (m *PostsReadModel) ListByOrganization(ctx context.Context, organizationID string) ([]timeline.PostRow, error) {
	return m.query(ctx, `
SELECT `+postColumns+` FROM scheduled_posts
WHERE organization_id = $1
ORDER BY scheduled_for ASC, id ASC`, organizationID)
}

func (m *PostsReadModel) ListDue(ctx context.Context, now time.Time, limit int) ([]timeline.PostRow, error) {
	q := `
SELECT ` + postColumns + ` FROM scheduled_posts
WHERE status = $1 AND scheduled_for <= $2
ORDER BY scheduled_for ASC, id ASC`
	if limit > 0 {
		return m.query(ctx, q+` LIMIT $3`, string(timeline.StatusScheduled), now.UTC(), int64(limit))
	}
	return m.query(ctx, q, string(timeline.StatusScheduled), now.UTC())
}

func (m *PostsReadModel) Clear(ctx context.Context) error {
	if _, err := m.db.ExecEx(ctx, `TRUNCATE scheduled_posts`, nil); err != nil {
		return Unavailable(fmt.Errorf("clear scheduled posts: %w", err))
	}
	return nil
}

func (m *PostsReadModel) query(ctx context.Context, query string, args ...any) ([]timeline.PostRow, error) {
	rows, err := m.db.QueryEx(ctx, query, nil, args...)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("query scheduled posts: %w", err))
	}
	defer rows.Close()

	out := make([]timeline.PostRow, 0)
	for rows.Next() {
		var (
			r           timeline.PostRow
			media       []byte
			status      string
			publishedAt *time.Time
			version     int64
		)
		if err := rows.Scan(
			&r.ID,
			&r.OrganizationID,
			&r.Content,
			&media,
			&r.ScheduledFor,
			&status,
			&r.TweetID,
			&r.Error,
			&r.CancelReason,
			&r.CreatedBy,
			&r.CreatedAt,
			&r.UpdatedAt,
			&publishedAt,
			&version,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		if err := json.Unmarshal(media, &r.MediaURLs); err != nil {
			return nil, errors.Join(fmt.Errorf("decode media urls of post %s", r.ID), err)
		}
		r.Status = timeline.Status(status)
		r.ScheduledFor = r.ScheduledFor.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		if publishedAt != nil {
			at := publishedAt.UTC()
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

var _ timeline.ReadModel = (*PostsReadModel)(nil)
