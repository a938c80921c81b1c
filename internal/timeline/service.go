package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/screeem/screeem/core/es"
)

// Service runs timeline commands against an event store. User commands and
// publisher claims go through a repository with optimistic concurrency; the
// transitions closing a claim are appended unconditionally.
type Service struct {
	store es.EventStore
	repo  *es.Repository[*PostTimeline]
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

type Option func(*serviceConfig)

type serviceConfig struct {
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	repoOpts []es.RepositoryOption
}

func WithLogger(l *slog.Logger) Option            { return func(c *serviceConfig) { c.log = l } }
func WithClock(now func() time.Time) Option       { return func(c *serviceConfig) { c.now = now } }
func WithPostIDGenerator(fn func() string) Option { return func(c *serviceConfig) { c.newID = fn } }

// WithRepositoryOptions passes options to the underlying es.Repository.
func WithRepositoryOptions(opts ...es.RepositoryOption) Option {
	return func(c *serviceConfig) { c.repoOpts = append(c.repoOpts, opts...) }
}

func NewService(store es.EventStore, opts ...Option) *Service {
	cfg := serviceConfig{
		log:   slog.Default(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Service{
		store: store,
		log:   cfg.log.With(slog.String("service", "timeline")),
		now:   cfg.now,
		newID: cfg.newID,
	}
	repoOpts := append([]es.RepositoryOption{es.WithLog(cfg.log)}, cfg.repoOpts...)
	s.repo = es.NewRepository(store, s.newTimeline, repoOpts...)
	return s
}

func (s *Service) newTimeline(organizationID string) *PostTimeline {
	return newPostTimeline(organizationID, s.now, s.newID)
}

// SchedulePost schedules a post on the organization's timeline and returns
// its id.
func (s *Service) SchedulePost(ctx context.Context, organizationID string, cmd SchedulePost) (string, []es.StoredEvent, error) {
	var postID string
	_, stored, err := s.repo.Execute(ctx, organizationID, es.NewMetadata(cmd.UserID), func(t *PostTimeline) error {
		id, err := t.SchedulePost(cmd)
		postID = id
		return err
	})
	if err != nil {
		return "", nil, err
	}
	s.log.Info(
		"post scheduled",
		slog.String("organization_id", organizationID),
		slog.String("post_id", postID),
		slog.Time("scheduled_for", cmd.ScheduledFor),
	)
	return postID, stored, nil
}

func (s *Service) UpdatePost(ctx context.Context, organizationID string, cmd UpdatePost) ([]es.StoredEvent, error) {
	_, stored, err := s.repo.Execute(ctx, organizationID, es.NewMetadata(cmd.UserID), func(t *PostTimeline) error {
		return t.UpdatePost(cmd)
	})
	return stored, err
}

func (s *Service) CancelPost(ctx context.Context, organizationID string, cmd CancelPost) ([]es.StoredEvent, error) {
	_, stored, err := s.repo.Execute(ctx, organizationID, es.NewMetadata(cmd.UserID), func(t *PostTimeline) error {
		return t.CancelPost(cmd)
	})
	return stored, err
}

// Timeline replays the organization's timeline.
func (s *Service) Timeline(ctx context.Context, organizationID string) (*PostTimeline, error) {
	return s.repo.Load(ctx, organizationID)
}

// History returns a page of the organization's events, newest first.
func (s *Service) History(ctx context.Context, organizationID string, page, pageSize int) (*es.History, error) {
	return s.store.GetEventHistory(ctx, organizationID, page, pageSize)
}

// Claim is a post the publisher holds in the publishing state.
type Claim struct {
	OrganizationID string
	Post           Post
	// EventID is the id of the PostPublishing event.
	EventID string
}

// ClaimPost moves a scheduled post to publishing. The append is checked
// against the version the timeline was loaded at, so a cancel or a second
// publisher committing first makes the claim fail with a validation error
// once the conflict is retried.
func (s *Service) ClaimPost(ctx context.Context, organizationID, postID string) (Claim, error) {
	var post Post
	meta := s.systemMetadata(postID, "")
	_, stored, err := s.repo.Execute(ctx, organizationID, meta, func(t *PostTimeline) error {
		if err := t.StartPublishing(postID); err != nil {
			return err
		}
		post, _ = t.Post(postID)
		return nil
	})
	if err != nil {
		return Claim{}, err
	}
	return Claim{OrganizationID: organizationID, Post: post, EventID: stored[0].ID}, nil
}

// MarkPublished and MarkFailed close a claim. Only the claim holder can
// reach them, so they are appended unconditionally.
func (s *Service) MarkPublished(ctx context.Context, c Claim, tweetID string, publishedAt time.Time) error {
	return s.system(ctx, c, EventPostPublished, PostPublished{
		PostID:      c.Post.ID,
		TweetID:     tweetID,
		PublishedAt: publishedAt.UTC(),
	})
}

func (s *Service) MarkFailed(ctx context.Context, c Claim, reason string) error {
	return s.system(ctx, c, EventPostFailed, PostFailed{PostID: c.Post.ID, Error: reason})
}

func (s *Service) system(ctx context.Context, c Claim, eventType string, payload any) error {
	ev, err := es.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	meta := s.systemMetadata(c.Post.ID, c.EventID)
	if _, err := s.store.AppendUnconditional(ctx, c.OrganizationID, StreamType, []es.Event{ev}, meta); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}

// systemMetadata correlates every publisher transition of a post by its id.
func (s *Service) systemMetadata(postID, causationID string) es.Metadata {
	meta := es.Metadata{UserID: SystemUserID, Timestamp: s.now().UTC()}
	return meta.WithCorrelation(postID, causationID)
}

// Close stops the repository's command workers.
func (s *Service) Close() { s.repo.Close() }
