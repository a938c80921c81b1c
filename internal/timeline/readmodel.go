package timeline

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/screeem/screeem/core/es"
)

var ErrPostNotFound = errors.New("post not found")

// PostRow is one row of the scheduled_posts read model. Version is the
// stream sequence of the last event applied to the row.
type PostRow struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	Content        string     `json:"content"`
	MediaURLs      []string   `json:"mediaUrls"`
	ScheduledFor   time.Time  `json:"scheduledFor"`
	Status         Status     `json:"status"`
	TweetID        string     `json:"tweetId,omitempty"`
	Error          string     `json:"error,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	Version        es.Version `json:"version"`
}

// ReadModel stores PostRows. Save inserts or replaces the row by id.
type ReadModel interface {
	Get(ctx context.Context, postID string) (PostRow, error)
	Save(ctx context.Context, row PostRow) error
	// ListByOrganization returns the posts of an organization by scheduled time.
	ListByOrganization(ctx context.Context, organizationID string) ([]PostRow, error)
	// ListDue returns up to limit scheduled posts with scheduled_for <= now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]PostRow, error)
	Clear(ctx context.Context) error
}

type MemReadModel struct {
	mu   sync.RWMutex
	rows map[string]PostRow
}

func NewMemReadModel() *MemReadModel {
	return &MemReadModel{rows: map[string]PostRow{}}
}

func (m *MemReadModel) Get(_ context.Context, postID string) (PostRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[postID]
	if !ok {
		return PostRow{}, ErrPostNotFound
	}
	return cloneRow(row), nil
}

func (m *MemReadModel) Save(_ context.Context, row PostRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = cloneRow(row)
	return nil
}

func (m *MemReadModel) ListByOrganization(_ context.Context, organizationID string) ([]PostRow, error) {
	return m.list(func(r PostRow) bool { return r.OrganizationID == organizationID }, 0), nil
}

func (m *MemReadModel) ListDue(_ context.Context, now time.Time, limit int) ([]PostRow, error) {
	return m.list(func(r PostRow) bool {
		return r.Status == StatusScheduled && !r.ScheduledFor.After(now)
	}, limit), nil
}

func (m *MemReadModel) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = map[string]PostRow{}
	return nil
}

func (m *MemReadModel) list(keep func(PostRow) bool, limit int) []PostRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PostRow, 0)
	for _, r := range m.rows {
		if keep(r) {
			out = append(out, cloneRow(r))
		}
	}
	slices.SortFunc(out, func(a, b PostRow) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneRow(r PostRow) PostRow {
	r.MediaURLs = slices.Clone(r.MediaURLs)
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		r.PublishedAt = &t
	}
	return r
}

var _ ReadModel = (*MemReadModel)(nil)
