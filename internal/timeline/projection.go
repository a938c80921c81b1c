package timeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/screeem/screeem/core/es"
)

const PostsProjectionName = "posts"

// PostsProjection keeps the scheduled_posts read model in step with the
// post timelines. Row timestamps come from the events, so a rebuild
// produces the same rows as live handling.
type PostsProjection struct {
	*es.BaseProjection
	rm  ReadModel
	log *slog.Logger
}

func NewPostsProjection(rm ReadModel, log *slog.Logger) *PostsProjection {
	if log == nil {
		log = slog.Default()
	}
	p := &PostsProjection{
		BaseProjection: es.NewBaseProjection(PostsProjectionName),
		rm:             rm,
		log:            log.With(slog.String("projection", PostsProjectionName)),
	}

	es.OnEvent(p.BaseProjection, EventPostScheduled, p.onScheduled)
	es.OnEvent(p.BaseProjection, EventPostUpdated, func(ctx context.Context, ev es.StoredEvent, e PostUpdated) error {
		return p.update(ctx, ev, e.PostID, func(r *PostRow) {
			r.Content = e.Content
			r.ScheduledFor = e.ScheduledFor
		})
	})
	es.OnEvent(p.BaseProjection, EventPostCancelled, func(ctx context.Context, ev es.StoredEvent, e PostCancelled) error {
		return p.update(ctx, ev, e.PostID, func(r *PostRow) {
			r.Status = StatusCancelled
			r.CancelReason = e.Reason
		})
	})
	es.OnEvent(p.BaseProjection, EventPostPublishing, func(ctx context.Context, ev es.StoredEvent, e PostPublishing) error {
		return p.update(ctx, ev, e.PostID, func(r *PostRow) { r.Status = StatusPublishing })
	})
	es.OnEvent(p.BaseProjection, EventPostPublished, func(ctx context.Context, ev es.StoredEvent, e PostPublished) error {
		return p.update(ctx, ev, e.PostID, func(r *PostRow) {
			at := e.PublishedAt
			r.Status = StatusPublished
			r.TweetID = e.TweetID
			r.PublishedAt = &at
		})
	})
	es.OnEvent(p.BaseProjection, EventPostFailed, func(ctx context.Context, ev es.StoredEvent, e PostFailed) error {
		return p.update(ctx, ev, e.PostID, func(r *PostRow) {
			r.Status = StatusFailed
			r.Error = e.Error
		})
	})
	p.OnClear(rm.Clear)
	return p
}

func (p *PostsProjection) onScheduled(ctx context.Context, ev es.StoredEvent, e PostScheduled) error {
	_, err := p.rm.Get(ctx, e.PostID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPostNotFound) {
		return err
	}

	media := e.MediaURLs
	if media == nil {
		media = []string{}
	}
	return p.rm.Save(ctx, PostRow{
		ID:             e.PostID,
		OrganizationID: ev.StreamID,
		Content:        e.Content,
		MediaURLs:      media,
		ScheduledFor:   e.ScheduledFor,
		Status:         StatusScheduled,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
		Version:        ev.StreamSequence,
	})
}

// update applies fn to the row unless the row already reflects ev.
func (p *PostsProjection) update(ctx context.Context, ev es.StoredEvent, postID string, fn func(*PostRow)) error {
	row, err := p.rm.Get(ctx, postID)
	if errors.Is(err, ErrPostNotFound) {
		p.log.Warn("event for unknown post", ev.SlogAttr(), slog.String("post_id", postID))
		return nil
	}
	if err != nil {
		return err
	}
	if ev.StreamSequence <= row.Version {
		return nil
	}

	fn(&row)
	row.UpdatedAt = ev.CreatedAt
	row.Version = ev.StreamSequence
	return p.rm.Save(ctx, row)
}

// ReadModel returns the read model the projection writes to.
func (p *PostsProjection) ReadModel() ReadModel { return p.rm }
