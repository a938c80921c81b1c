package es

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultCommandRetries = 5

type (
	repoOpts struct {
		log       *slog.Logger
		metrics   ESMetrics
		retries   uint
		backoff   func() backoff.BackOff
		serialize bool
	}

	RepositoryOption interface{ applyToRepoOpts(*repoOpts) }

	RetriesOption            valueOption[int]
	BackoffOption            valueOption[func() backoff.BackOff]
	SerializedCommandsOption valueOption[bool]
)

// WithRetries sets the number of attempts Execute makes before giving up on
// a conflicting stream. Values below 1 mean a single attempt.
func WithRetries(n int) RetriesOption { return RetriesOption{v: n} }

// WithBackoff sets the delay policy between conflicting attempts. fn is
// called once per Execute.
func WithBackoff(fn func() backoff.BackOff) BackoffOption { return BackoffOption{v: fn} }

// WithSerializedCommands runs commands for the same stream id one at a time
// inside the process. Conflicts between processes are still retried.
func WithSerializedCommands() SerializedCommandsOption { return SerializedCommandsOption{v: true} }

func (o LogOption) applyToRepoOpts(r *repoOpts)       { r.log = o.l }
func (o ESMetricsOption) applyToRepoOpts(r *repoOpts) { r.metrics = o.m }
func (o BackoffOption) applyToRepoOpts(r *repoOpts)   { r.backoff = o.v }
func (o SerializedCommandsOption) applyToRepoOpts(r *repoOpts) {
	r.serialize = o.v
}
func (o RetriesOption) applyToRepoOpts(r *repoOpts) {
	r.retries = uint(max(o.v, 1))
}

// DefaultCommandBackoff is a short jittered exponential backoff suited to
// in-process conflicts.
func DefaultCommandBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	o := repoOpts{
		log:     slog.Default(),
		metrics: NopESMetrics(),
		retries: DefaultCommandRetries,
		backoff: DefaultCommandBackoff,
	}
	for _, opt := range opts {
		opt.applyToRepoOpts(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopESMetrics()
	}
	return o
}
