package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/sf"
)

const (
	eventColumns = `id, stream_id, stream_type, event_type, event_version, payload, metadata, sequence, stream_sequence, created_at`

	// NotifyChannel carries the id of every committed event.
	NotifyChannel = "events"

	fetchTimeout = 10 * time.Second
)

// Store is an es.EventStore on PostgreSQL.
type Store struct {
	pool    *pgx.ConnPool
	opts    es.StoreOpts
	log     *slog.Logger
	fetches *sf.Group[es.StoredEvent]

	mu     sync.Mutex
	subs   map[*listener]struct{}
	closed bool
}

// NewStore returns a store on pool. pool must have been opened with Open;
// the caller keeps ownership of it. A notifier configured in opts is not
// used: notifications travel through LISTEN/NOTIFY.
func NewStore(pool *pgx.ConnPool, opts ...es.StoreOption) *Store {
	o := es.NewStoreOpts(opts...)
	return &Store{
		pool:    pool,
		opts:    o,
		log:     o.Log().With(slog.String("store", "postgres")),
		fetches: sf.New[es.StoredEvent](),
		subs:    map[*listener]struct{}{},
	}
}

func (s *Store) Append(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	expected es.Version,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	return s.append(ctx, streamID, streamType, events, &expected, meta)
}

func (s *Store) AppendUnconditional(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	return s.append(ctx, streamID, streamType, events, nil, meta)
}

func (s *Store) append(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	expected *es.Version,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	defer s.opts.Metrics().StoreAppendDuration(streamType).ObserveDuration()

	req, err := es.PrepareAppend(s.opts, streamID, streamType, events, meta)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if s.isClosed() {
		return nil, es.ErrClosed
	}

	err = WithTx(ctx, s.pool, func(tx DB) error {
		return s.insert(ctx, tx, req, expected, string(metaJSON))
	})
	if err != nil {
		if es.IsConflict(err) {
			s.opts.Metrics().ConcurrencyConflict(streamType)
		}
		return nil, err
	}

	out := make([]es.StoredEvent, len(req.Events))
	copy(out, req.Events)

	last := out[len(out)-1]
	s.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", last.Sequence),
		last.StreamSequence.SlogAttr(),
		slog.Int("num_events", len(out)),
		slog.Bool("unconditional", expected == nil),
	)
	s.opts.Metrics().EventsAppended(streamType, len(out))
	s.opts.Metrics().NotificationsPublished(len(out))
	return out, nil
}

func (s *Store) insert(ctx context.Context, tx DB, req *es.AppendRequest, expected *es.Version, metaJSON string) error {
	// sequence values are handed out in commit order while this is held
	if _, err := tx.ExecEx(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, nil, appendLockKey); err != nil {
		return Unavailable(fmt.Errorf("lock events: %w", err))
	}

	cur, err := currentVersion(ctx, tx, req.StreamID)
	if err != nil {
		return err
	}
	if expected != nil && cur != *expected {
		return es.NewConcurrencyConflict(req.StreamID, *expected, cur)
	}

	req.Assign(cur)
	for i := range req.Events {
		ev := &req.Events[i]
		ev.CreatedAt = ev.CreatedAt.Truncate(time.Microsecond)

		var seq int64
		err := tx.QueryRowEx(ctx, `
INSERT INTO events (id, stream_id, stream_type, event_type, event_version, payload, metadata, stream_sequence, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING sequence`, nil,
			ev.ID,
			ev.StreamID,
			ev.StreamType,
			ev.EventType,
			int32(ev.EventVersion),
			string(ev.Payload),
			metaJSON,
			int64(ev.StreamSequence),
			ev.CreatedAt,
		).Scan(&seq)
		if err != nil {
			if isUniqueViolation(err) && expected != nil {
				return es.NewConcurrencyConflict(req.StreamID, *expected, cur+1)
			}
			return Unavailable(fmt.Errorf("insert event: %w", err))
		}
		ev.Sequence = uint64(seq)

		if _, err := tx.ExecEx(ctx, `SELECT pg_notify($1, $2)`, nil, NotifyChannel, ev.ID); err != nil {
			return Unavailable(fmt.Errorf("notify event: %w", err))
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db DB, streamID string) (es.Version, error) {
	var v int64
	err := db.QueryRowEx(ctx, `SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = $1`, nil, streamID).Scan(&v)
	if err != nil {
		return 0, Unavailable(fmt.Errorf("read stream version: %w", err))
	}
	return es.Version(v), nil
}

func (s *Store) GetStream(ctx context.Context, streamID string) ([]es.StoredEvent, error) {
	return s.GetStreamFromSequence(ctx, streamID, 1)
}

func (s *Store) GetStreamFromSequence(ctx context.Context, streamID string, from es.Version) ([]es.StoredEvent, error) {
	defer s.opts.Metrics().StoreReadDuration("get_stream").ObserveDuration()
	return s.query(ctx, `
SELECT `+eventColumns+` FROM events
WHERE stream_id = $1 AND stream_sequence >= $2
ORDER BY stream_sequence ASC`, streamID, int64(from))
}

func (s *Store) GetEventHistory(ctx context.Context, streamID string, page, pageSize int) (*es.History, error) {
	defer s.opts.Metrics().StoreReadDuration("get_event_history").ObserveDuration()
	_, pageSize, offset := es.NormalizePage(page, pageSize)

	var total int64
	err := s.pool.QueryRowEx(ctx, `SELECT COUNT(*) FROM events WHERE stream_id = $1`, nil, streamID).Scan(&total)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("count stream: %w", err))
	}
	if int64(offset) >= int64(total) {
		return &es.History{Events: []es.StoredEvent{}, Total: int(total)}, nil
	}

	events, err := s.query(ctx, `
SELECT `+eventColumns+` FROM events
WHERE stream_id = $1
ORDER BY stream_sequence DESC
LIMIT $2 OFFSET $3`, streamID, int64(pageSize), int64(offset))
	if err != nil {
		return nil, err
	}
	return &es.History{Events: events, Total: int(total)}, nil
}

func (s *Store) GetAll(ctx context.Context, after uint64, limit int) ([]es.StoredEvent, error) {
	defer s.opts.Metrics().StoreReadDuration("get_all").ObserveDuration()
	return s.query(ctx, `
SELECT `+eventColumns+` FROM events
WHERE sequence > $1
ORDER BY sequence ASC
LIMIT $2`, int64(after), int64(es.NormalizeLimit(limit)))
}

// byID loads one event. Concurrent loads of the same id, as done by
// several listeners for the same notification, share one query, which is
// not cut short when the listener that started it goes away.
func (s *Store) byID(ctx context.Context, id string) (es.StoredEvent, error) {
	ev, _, err := s.fetches.DoContext(ctx, id, fetchTimeout, func(ctx context.Context) (es.StoredEvent, error) {
		events, err := s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
		if err != nil {
			return es.StoredEvent{}, err
		}
		if len(events) == 0 {
			return es.StoredEvent{}, fmt.Errorf("event %s: %w", id, pgx.ErrNoRows)
		}
		return events[0], nil
	})
	return ev, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]es.StoredEvent, error) {
	if s.isClosed() {
		return nil, es.ErrClosed
	}
	rows, err := s.pool.QueryEx(ctx, query, nil, args...)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	out := make([]es.StoredEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable(fmt.Errorf("read events: %w", err))
	}
	return out, nil
}

func scanEvent(rows *pgx.Rows) (es.StoredEvent, error) {
	var (
		ev        es.StoredEvent
		version   int32
		payload   []byte
		meta      []byte
		seq       int64
		streamSeq int64
	)
	if err := rows.Scan(
		&ev.ID,
		&ev.StreamID,
		&ev.StreamType,
		&ev.EventType,
		&version,
		&payload,
		&meta,
		&seq,
		&streamSeq,
		&ev.CreatedAt,
	); err != nil {
		return es.StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.EventVersion = int(version)
	ev.Payload = json.RawMessage(payload)
	if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
		return es.StoredEvent{}, errors.Join(fmt.Errorf("decode metadata of event %s", ev.ID), err)
	}
	ev.Sequence = uint64(seq)
	ev.StreamSequence = es.Version(streamSeq)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends all subscriptions. The pool stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*listener, 0, len(s.subs))
	for l := range s.subs {
		subs = append(subs, l)
	}
	s.mu.Unlock()

	for _, l := range subs {
		l.stop()
	}
	return nil
}

var _ es.EventStore = (*Store)(nil)
