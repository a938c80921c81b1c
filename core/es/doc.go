// Package es is the event sourcing core: an append-only event log with
// optimistic concurrency, aggregates rebuilt by folding their stream, and
// projections that keep read models up to date from committed events.
//
// # Event store
//
// An [EventStore] appends events to a stream identified by stream id and
// stream type. [EventStore.Append] takes the version the caller based its
// decision on and fails with a [*ConcurrencyConflictError] if the stream has
// moved on. Every stored event carries a per-stream sequence starting at 1
// without gaps and a global sequence that grows in commit order across all
// streams.
//
// [NewInMemoryStore] is the reference implementation. Durable stores live in
// the adapters packages (sqlite, postgres, nats) and pass the same
// conformance suite in es/estests.
//
// # Aggregates
//
// Embed [BaseAggregate], register folds with [On] and raise events from
// command methods:
//
//	type Post struct {
//	    es.BaseAggregate
//	    content string
//	}
//
//	func NewPost(id string) *Post {
//	    p := &Post{}
//	    p.Init(id, "post")
//	    es.On(&p.BaseAggregate, "ContentChanged", func(e ContentChanged, _ es.Metadata) {
//	        p.content = e.Content
//	    })
//	    return p
//	}
//
//	func (p *Post) Edit(content string) error {
//	    return p.Raise("ContentChanged", ContentChanged{Content: content})
//	}
//
// A [Repository] loads an aggregate, runs a command against it and appends
// the raised events. Conflicts are retried with backoff:
//
//	repo := es.NewRepository(store, NewPost)
//	post, stored, err := repo.Execute(ctx, "post-1", es.NewMetadata(userID), func(p *Post) error {
//	    return p.Edit("hello")
//	})
//
// # Projections
//
// A [Projection] handles committed events. [BaseProjection] dispatches by
// event type. A [Projector] subscribes, catches up from a durable cursor and
// then follows live notifications; delivery is at least once, so handlers
// must be idempotent.
package es
