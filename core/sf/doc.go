// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
// Several subscriptions of one process can receive the same Postgres
// notification at once; each of them has to load the referenced row.
// Routing the load through a Group turns those into a single query:
//
//	rows := sf.New[es.StoredEvent]()
//	ev, _, err := rows.Do(eventID, func() (es.StoredEvent, error) {
//	    return loadEvent(ctx, eventID)
//	})
package sf
