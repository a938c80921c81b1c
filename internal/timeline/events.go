// Package timeline is the post scheduling domain. Every organization owns
// one event-sourced post timeline; the scheduled_posts read model and the
// publisher are fed from its events.
package timeline

import "time"

// StreamType is the stream type of every post timeline. The stream id is
// the organization id.
const StreamType = "post-timeline"

const (
	EventPostScheduled  = "PostScheduled"
	EventPostUpdated    = "PostUpdated"
	EventPostCancelled  = "PostCancelled"
	EventPostPublishing = "PostPublishing"
	EventPostPublished  = "PostPublished"
	EventPostFailed     = "PostFailed"
)

const (
	MaxContentLength = 280
	MaxMediaItems    = 4

	// SystemUserID is recorded for transitions the publisher appends.
	SystemUserID = "system"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type (
	PostScheduled struct {
		PostID       string    `json:"postId"`
		Content      string    `json:"content"`
		MediaURLs    []string  `json:"mediaUrls"`
		ScheduledFor time.Time `json:"scheduledFor"`
		CreatedBy    string    `json:"createdBy"`
	}

	PostUpdated struct {
		PostID       string    `json:"postId"`
		Content      string    `json:"content"`
		ScheduledFor time.Time `json:"scheduledFor"`
	}

	PostCancelled struct {
		PostID string `json:"postId"`
		Reason string `json:"reason"`
	}

	PostPublishing struct {
		PostID string `json:"postId"`
	}

	PostPublished struct {
		PostID      string    `json:"postId"`
		TweetID     string    `json:"tweetId"`
		PublishedAt time.Time `json:"publishedAt"`
	}

	PostFailed struct {
		PostID string `json:"postId"`
		Error  string `json:"error"`
	}
)
