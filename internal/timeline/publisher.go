package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/metrics"
)

const (
	DefaultPublishSchedule = "@every 1m"
	DefaultPublishBatch    = 10
)

// Published is what a Poster reports for a post that went out.
type Published struct {
	TweetID     string
	PublishedAt time.Time
}

// Poster sends a post to the external network.
type Poster interface {
	Publish(ctx context.Context, post PostRow) (Published, error)
}

// DryRunPoster logs posts instead of sending them.
type DryRunPoster struct {
	Log *slog.Logger
	Now func() time.Time
}

func (d DryRunPoster) Publish(_ context.Context, post PostRow) (Published, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	log.Info(
		"dry run publish",
		slog.String("post_id", post.ID),
		slog.String("organization_id", post.OrganizationID),
		slog.Int("media", len(post.MediaURLs)),
	)
	return Published{TweetID: "dry-run-" + post.ID, PublishedAt: now().UTC()}, nil
}

// PublisherMetrics instruments publish passes.
type PublisherMetrics interface {
	PassDuration() metrics.Timer
	PostHandled(outcome string)
}

// Outcomes reported to PublisherMetrics.PostHandled.
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

type nopPublisherMetrics struct{}

func (nopPublisherMetrics) PassDuration() metrics.Timer { return metrics.NopTimer() }
func (nopPublisherMetrics) PostHandled(string)          {}

// Publisher periodically publishes posts whose scheduled time has passed.
// Due posts come from the read model; each one is claimed through the
// timeline, which rejects posts that are no longer scheduled.
type Publisher struct {
	svc      *Service
	rm       ReadModel
	poster   Poster
	log      *slog.Logger
	now      func() time.Time
	metrics  PublisherMetrics
	schedule string
	batch    int

	mu    sync.Mutex
	cron  *cron.Cron
	first sync.WaitGroup
}

type PublisherConfig struct {
	Schedule string
	Batch    int
	Log      *slog.Logger
	Now      func() time.Time
	Metrics  PublisherMetrics
}

func NewPublisher(svc *Service, rm ReadModel, poster Poster, cfg PublisherConfig) *Publisher {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultPublishSchedule
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultPublishBatch
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopPublisherMetrics{}
	}
	return &Publisher{
		svc:      svc,
		rm:       rm,
		poster:   poster,
		log:      cfg.Log.With(slog.String("component", "publisher")),
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		schedule: cfg.Schedule,
		batch:    cfg.Batch,
	}
}

// Start runs one pass right away and then one per schedule tick until ctx
// is done or Stop is called. Overlapping ticks are skipped.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return errors.New("publisher already started")
	}

	logger := cronLogger{log: p.log}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger))

	// the immediate pass and the scheduled ones share the skip guard
	job := cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	).Then(cron.FuncJob(func() {
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Error("publish pass failed", slog.Any("error", err))
		}
	}))
	if _, err := c.AddJob(p.schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", p.schedule, err)
	}
	p.cron = c

	p.first.Add(1)
	go func() {
		defer p.first.Done()
		job.Run()
	}()
	c.Start()
	context.AfterFunc(ctx, p.Stop)

	p.log.Info("publisher started", slog.String("schedule", p.schedule))
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.first.Wait()
	p.log.Info("publisher stopped")
}

// RunOnce publishes the posts that are due now and returns how many it
// handled. A failing post does not stop the pass.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	defer p.metrics.PassDuration().ObserveDuration()

	due, err := p.rm.ListDue(ctx, p.now().UTC(), p.batch)
	if err != nil {
		return 0, fmt.Errorf("list due posts: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	p.log.Info("publishing due posts", slog.Int("count", len(due)))

	handled := 0
	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		outcome, err := p.publish(ctx, row)
		p.metrics.PostHandled(outcome)
		if err != nil {
			p.log.Error(
				"publish post failed",
				slog.String("post_id", row.ID),
				slog.String("organization_id", row.OrganizationID),
				slog.Any("error", err),
			)
			continue
		}
		if outcome != OutcomeSkipped {
			handled++
		}
	}
	return handled, nil
}

func (p *Publisher) publish(ctx context.Context, row PostRow) (string, error) {
	claim, err := p.svc.ClaimPost(ctx, row.OrganizationID, row.ID)
	if err != nil {
		if es.IsValidation(err) || es.IsConflict(err) {
			// cancelled, claimed elsewhere, or the read model is behind
			p.log.Debug("post not claimable", slog.String("post_id", row.ID), slog.Any("reason", err))
			return OutcomeSkipped, nil
		}
		return OutcomeError, err
	}

	row.Content = claim.Post.Content
	row.MediaURLs = claim.Post.MediaURLs
	res, err := p.poster.Publish(ctx, row)
	if err != nil {
		p.log.Warn("poster rejected post", slog.String("post_id", row.ID), slog.Any("error", err))
		if err := p.svc.MarkFailed(ctx, claim, err.Error()); err != nil {
			return OutcomeError, err
		}
		return OutcomeFailed, nil
	}
	if res.PublishedAt.IsZero() {
		res.PublishedAt = p.now()
	}
	if err := p.svc.MarkPublished(ctx, claim, res.TweetID, res.PublishedAt); err != nil {
		return OutcomeError, err
	}
	p.log.Info("post published", slog.String("post_id", row.ID), slog.String("tweet_id", res.TweetID))
	return OutcomePublished, nil
}

// cronLogger routes cron's logging to slog. Cron's key/value pairs are
// passed through as slog arguments.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}

var _ cron.Logger = cronLogger{}
