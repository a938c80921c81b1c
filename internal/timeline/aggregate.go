package timeline

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/es/assert"
)

// Post is the aggregate's view of one post.
type Post struct {
	ID           string
	Content      string
	MediaURLs    []string
	ScheduledFor time.Time
	Status       Status
	CreatedBy    string
	TweetID      string
	PublishedAt  time.Time
	Error        string
	CancelReason string
}

type (
	SchedulePost struct {
		Content      string
		MediaURLs    []string
		ScheduledFor time.Time
		UserID       string
	}

	UpdatePost struct {
		PostID       string
		Content      string
		ScheduledFor time.Time
		UserID       string
	}

	CancelPost struct {
		PostID string
		Reason string
		UserID string
	}
)

// PostTimeline holds all posts of one organization.
type PostTimeline struct {
	es.BaseAggregate

	posts map[string]*Post
	order []string

	now   func() time.Time
	newID func() string
}

// NewPostTimeline returns an empty timeline for the organization.
func NewPostTimeline(organizationID string) *PostTimeline {
	return newPostTimeline(organizationID, time.Now, uuid.NewString)
}

func newPostTimeline(organizationID string, now func() time.Time, newID func() string) *PostTimeline {
	t := &PostTimeline{
		posts: map[string]*Post{},
		now:   now,
		newID: newID,
	}
	t.Init(organizationID, StreamType)

	es.On(&t.BaseAggregate, EventPostScheduled, func(e PostScheduled, _ es.Metadata) {
		if _, ok := t.posts[e.PostID]; !ok {
			t.order = append(t.order, e.PostID)
		}
		t.posts[e.PostID] = &Post{
			ID:           e.PostID,
			Content:      e.Content,
			MediaURLs:    slices.Clone(e.MediaURLs),
			ScheduledFor: e.ScheduledFor,
			Status:       StatusScheduled,
			CreatedBy:    e.CreatedBy,
		}
	})
	es.On(&t.BaseAggregate, EventPostUpdated, func(e PostUpdated, _ es.Metadata) {
		if p, ok := t.posts[e.PostID]; ok {
			p.Content = e.Content
			p.ScheduledFor = e.ScheduledFor
		}
	})
	es.On(&t.BaseAggregate, EventPostCancelled, func(e PostCancelled, _ es.Metadata) {
		if p, ok := t.posts[e.PostID]; ok {
			p.Status = StatusCancelled
			p.CancelReason = e.Reason
		}
	})
	es.On(&t.BaseAggregate, EventPostPublishing, func(e PostPublishing, _ es.Metadata) {
		if p, ok := t.posts[e.PostID]; ok {
			p.Status = StatusPublishing
		}
	})
	es.On(&t.BaseAggregate, EventPostPublished, func(e PostPublished, _ es.Metadata) {
		if p, ok := t.posts[e.PostID]; ok {
			p.Status = StatusPublished
			p.TweetID = e.TweetID
			p.PublishedAt = e.PublishedAt
		}
	})
	es.On(&t.BaseAggregate, EventPostFailed, func(e PostFailed, _ es.Metadata) {
		if p, ok := t.posts[e.PostID]; ok {
			p.Status = StatusFailed
			p.Error = e.Error
		}
	})
	return t
}

// === Commands ===

// SchedulePost validates cmd and raises PostScheduled. It returns the new
// post id.
func (t *PostTimeline) SchedulePost(cmd SchedulePost) (string, error) {
	if err := assert.Check(
		contentRules(cmd.Content),
		assert.After(cmd.ScheduledFor, t.now(), "Scheduled time must be in the future"),
		assert.MaxItems(len(cmd.MediaURLs), MaxMediaItems, "Cannot attach more than 4 media items"),
	); err != nil {
		return "", err
	}

	media := cmd.MediaURLs
	if media == nil {
		media = []string{}
	}
	postID := t.newID()
	err := t.Raise(EventPostScheduled, PostScheduled{
		PostID:       postID,
		Content:      strings.TrimSpace(cmd.Content),
		MediaURLs:    media,
		ScheduledFor: cmd.ScheduledFor.UTC(),
		CreatedBy:    cmd.UserID,
	})
	if err != nil {
		return "", err
	}
	return postID, nil
}

func (t *PostTimeline) UpdatePost(cmd UpdatePost) error {
	p, ok := t.posts[cmd.PostID]
	if err := assert.Check(
		assert.True(ok, "Post not found"),
		assert.That(func() bool { return p.Status == StatusScheduled }, "Can only update scheduled posts"),
		contentRules(cmd.Content),
	); err != nil {
		return err
	}
	return t.Raise(EventPostUpdated, PostUpdated{
		PostID:       cmd.PostID,
		Content:      strings.TrimSpace(cmd.Content),
		ScheduledFor: cmd.ScheduledFor.UTC(),
	})
}

func (t *PostTimeline) CancelPost(cmd CancelPost) error {
	p, ok := t.posts[cmd.PostID]
	if err := assert.Check(
		assert.True(ok, "Post not found"),
		assert.That(func() bool { return p.Status == StatusScheduled }, "Can only cancel scheduled posts"),
	); err != nil {
		return err
	}
	return t.Raise(EventPostCancelled, PostCancelled{PostID: cmd.PostID, Reason: cmd.Reason})
}

// StartPublishing raises PostPublishing for a scheduled post.
func (t *PostTimeline) StartPublishing(postID string) error {
	p, ok := t.posts[postID]
	if err := assert.Check(
		assert.True(ok, "Post not found"),
		assert.That(func() bool { return p.Status == StatusScheduled }, "Can only publish scheduled posts"),
	); err != nil {
		return err
	}
	return t.Raise(EventPostPublishing, PostPublishing{PostID: postID})
}

// The length limit applies to the content as submitted, before trimming.
func contentRules(content string) assert.Cond {
	return assert.All(
		assert.NotBlank(content, "Post content cannot be empty"),
		assert.MaxRunes(content, MaxContentLength, "Post content cannot exceed 280 characters"),
	)
}

// === Read ===

// Posts returns copies of all posts in the order they were scheduled.
func (t *PostTimeline) Posts() []Post {
	out := make([]Post, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.copyOf(t.posts[id]))
	}
	return out
}

func (t *PostTimeline) Post(id string) (Post, bool) {
	p, ok := t.posts[id]
	if !ok {
		return Post{}, false
	}
	return t.copyOf(p), true
}

func (t *PostTimeline) copyOf(p *Post) Post {
	c := *p
	c.MediaURLs = slices.Clone(p.MediaURLs)
	return c
}
