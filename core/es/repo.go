package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/screeem/screeem/core/perkey"
)

// Repository loads aggregates of one type from an EventStore and persists
// their uncommitted events with optimistic concurrency.
type Repository[T Aggregate] struct {
	store      EventStore
	factory    func(id string) T
	streamType string
	log        *slog.Logger
	metrics    ESMetrics
	retries    uint
	backoff    func() backoff.BackOff
	sched      *perkey.Queue[string]
}

// NewRepository creates a repository. factory returns an empty aggregate
// bound to the given stream id.
func NewRepository[T Aggregate](store EventStore, factory func(id string) T, opts ...RepositoryOption) *Repository[T] {
	o := newRepoOpts(opts...)
	streamType := factory("").GetStreamType()
	r := &Repository[T]{
		store:      store,
		factory:    factory,
		streamType: streamType,
		log:        o.log.With(slog.String("repo", streamType)),
		metrics:    o.metrics,
		retries:    o.retries,
		backoff:    o.backoff,
	}
	if o.serialize {
		r.sched = perkey.New[string]()
	}
	return r
}

func (r *Repository[T]) StreamType() string { return r.streamType }

// New returns an empty aggregate for id without touching the store.
func (r *Repository[T]) New(id string) T { return r.factory(id) }

// Load rehydrates the aggregate from its full stream. A stream without
// events yields an aggregate at version 0.
func (r *Repository[T]) Load(ctx context.Context, id string) (T, error) {
	agg := r.factory(id)
	events, err := r.store.GetStream(ctx, id)
	if err != nil {
		return agg, fmt.Errorf("load %s/%s: %w", r.streamType, id, err)
	}
	if err := agg.LoadFromHistory(events); err != nil {
		return agg, fmt.Errorf("load %s/%s: %w", r.streamType, id, err)
	}
	r.log.Debug(
		"loaded",
		slog.String("stream_id", id),
		agg.GetVersion().SlogAttr(),
		slog.Int("num_events", len(events)),
	)
	return agg, nil
}

// Save appends the uncommitted events of agg at its expected version. On
// success the buffer is cleared. On failure, including a conflict, agg is
// left as it was and should be discarded.
func (r *Repository[T]) Save(ctx context.Context, agg T, meta Metadata) ([]StoredEvent, error) {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil, nil
	}
	stored, err := r.store.Append(ctx, agg.GetID(), agg.GetStreamType(), events, agg.ExpectedVersion(), meta)
	if err != nil {
		return nil, err
	}
	agg.MarkEventsCommitted()
	return stored, nil
}

// Execute runs the load, command, save cycle for one stream. A concurrency
// conflict restarts the cycle with a freshly loaded aggregate, up to the
// configured number of attempts. Validation and storage errors are returned
// immediately.
func (r *Repository[T]) Execute(
	ctx context.Context,
	id string,
	meta Metadata,
	cmd func(T) error,
) (T, []StoredEvent, error) {
	defer r.metrics.CommandDuration(r.streamType).ObserveDuration()

	var res executeResult[T]
	run := func() (err error) {
		res, err = r.executeWithRetry(ctx, id, meta, cmd)
		return err
	}

	if r.sched == nil {
		err := run()
		return res.agg, res.stored, err
	}

	// res stays zero when ctx ends before the command got its turn
	err := r.sched.DoContext(ctx, id, run)
	return res.agg, res.stored, err
}

type executeResult[T Aggregate] struct {
	agg    T
	stored []StoredEvent
}

func (r *Repository[T]) executeWithRetry(
	ctx context.Context,
	id string,
	meta Metadata,
	cmd func(T) error,
) (executeResult[T], error) {
	attempt := 0
	op := func() (executeResult[T], error) {
		attempt++
		agg, err := r.Load(ctx, id)
		if err != nil {
			return executeResult[T]{agg: agg}, backoff.Permanent(err)
		}
		if err := cmd(agg); err != nil {
			return executeResult[T]{agg: agg}, backoff.Permanent(err)
		}
		stored, err := r.Save(ctx, agg, meta)
		if err != nil {
			if IsConflict(err) {
				return executeResult[T]{agg: agg}, err
			}
			return executeResult[T]{agg: agg}, backoff.Permanent(err)
		}
		return executeResult[T]{agg: agg, stored: stored}, nil
	}

	res, err := backoff.Retry(
		ctx,
		op,
		backoff.WithBackOff(r.backoff()),
		backoff.WithMaxTries(r.retries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.metrics.CommandRetried(r.streamType)
			r.log.Debug(
				"retrying command",
				slog.String("stream_id", id),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", d),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		var cc *ConcurrencyConflictError
		if errors.As(err, &cc) {
			r.log.Warn(
				"command gave up after conflicts",
				slog.String("stream_id", id),
				slog.Int("attempts", attempt),
			)
		}
		return executeResult[T]{agg: res.agg}, err
	}
	return res, nil
}

// Close stops the per-stream command workers, if any.
func (r *Repository[T]) Close() {
	if r.sched != nil {
		r.sched.Close()
	}
}
