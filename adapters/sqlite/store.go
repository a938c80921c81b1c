package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/screeem/screeem/core/es"
)

const eventColumns = `id, stream_id, stream_type, event_type, event_version, payload, metadata, sequence, stream_sequence, created_at`

// Store is an es.EventStore on SQLite.
type Store struct {
	db           *sql.DB
	opts         es.StoreOpts
	log          *slog.Logger
	notifier     es.Notifier
	ownsNotifier bool

	// writeMu is held from BEGIN until the notifications are published.
	writeMu sync.Mutex
	closed  bool
}

// NewStore returns a store on db. db must have been opened with Open; the
// caller keeps ownership of it.
func NewStore(db *sql.DB, opts ...es.StoreOption) *Store {
	o := es.NewStoreOpts(opts...)
	n, owned := o.Notifier()
	return &Store{
		db:           db,
		opts:         o,
		log:          o.Log().With(slog.String("store", "sqlite")),
		notifier:     n,
		ownsNotifier: owned,
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return nil, es.ErrClosed
	}

	out, err := s.insert(ctx, req, expected, metaJSON)
	if err != nil {
		if es.IsConflict(err) {
			s.opts.Metrics().ConcurrencyConflict(streamType)
		}
		return nil, err
	}

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

	if err := s.notifier.Publish(ctx, out...); err != nil {
		s.log.Warn("publish failed", slog.Any("error", err))
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, req *es.AppendRequest, expected *es.Version, metaJSON []byte) ([]es.StoredEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("begin append: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := currentVersion(ctx, tx, req.StreamID)
	if err != nil {
		return nil, err
	}
	if expected != nil && cur != *expected {
		return nil, es.NewConcurrencyConflict(req.StreamID, *expected, cur)
	}

	req.Assign(cur)
	for i := range req.Events {
		ev := &req.Events[i]
		ev.CreatedAt = ev.CreatedAt.Truncate(time.Millisecond)
		err := tx.QueryRowContext(ctx, `
INSERT INTO events (id, stream_id, stream_type, event_type, event_version, payload, metadata, stream_sequence, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING sequence`,
			ev.ID,
			ev.StreamID,
			ev.StreamType,
			ev.EventType,
			ev.EventVersion,
			string(ev.Payload),
			string(metaJSON),
			uint64(ev.StreamSequence),
			ev.CreatedAt.UnixMilli(),
		).Scan(&ev.Sequence)
		if err != nil {
			if isConstraintError(err) && expected != nil {
				// another process got there first
				return nil, es.NewConcurrencyConflict(req.StreamID, *expected, s.versionAfterConflict(ctx, req.StreamID, cur))
			}
			return nil, Unavailable(fmt.Errorf("insert event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, Unavailable(fmt.Errorf("commit append: %w", err))
	}

	out := make([]es.StoredEvent, len(req.Events))
	copy(out, req.Events)
	return out, nil
}

func (s *Store) versionAfterConflict(ctx context.Context, streamID string, fallback es.Version) es.Version {
	v, err := currentVersion(ctx, s.db, streamID)
	if err != nil {
		return fallback + 1
	}
	return v
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentVersion(ctx context.Context, q queryer, streamID string) (es.Version, error) {
	var v uint64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(stream_sequence), 0) FROM events WHERE stream_id = ?`, streamID).Scan(&v)
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
WHERE stream_id = ? AND stream_sequence >= ?
ORDER BY stream_sequence ASC`, streamID, uint64(from))
}

func (s *Store) GetEventHistory(ctx context.Context, streamID string, page, pageSize int) (*es.History, error) {
	defer s.opts.Metrics().StoreReadDuration("get_event_history").ObserveDuration()
	_, pageSize, offset := es.NormalizePage(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE stream_id = ?`, streamID).Scan(&total); err != nil {
		return nil, Unavailable(fmt.Errorf("count stream: %w", err))
	}
	if int64(offset) >= int64(total) {
		return &es.History{Events: []es.StoredEvent{}, Total: total}, nil
	}

	events, err := s.query(ctx, `
SELECT `+eventColumns+` FROM events
WHERE stream_id = ?
ORDER BY stream_sequence DESC
LIMIT ? OFFSET ?`, streamID, pageSize, offset)
	if err != nil {
		return nil, err
	}
	return &es.History{Events: events, Total: total}, nil
}

func (s *Store) GetAll(ctx context.Context, after uint64, limit int) ([]es.StoredEvent, error) {
	defer s.opts.Metrics().StoreReadDuration("get_all").ObserveDuration()
	return s.query(ctx, `
SELECT `+eventColumns+` FROM events
WHERE sequence > ?
ORDER BY sequence ASC
LIMIT ?`, after, es.NormalizeLimit(limit))
}

func (s *Store) Subscribe(ctx context.Context, cb es.Callback, opts ...es.SubscribeOption) (es.Unsubscribe, error) {
	return s.notifier.Subscribe(ctx, cb, opts...)
}

// Close closes the store's own notifier. The database stays open.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsNotifier {
		return s.notifier.Close()
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]es.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("query events: %w", err))
	}
	defer func() { _ = rows.Close() }()

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

func scanEvent(rows *sql.Rows) (es.StoredEvent, error) {
	var (
		ev        es.StoredEvent
		payload   string
		meta      string
		streamSeq uint64
		createdAt int64
	)
	if err := rows.Scan(
		&ev.ID,
		&ev.StreamID,
		&ev.StreamType,
		&ev.EventType,
		&ev.EventVersion,
		&payload,
		&meta,
		&ev.Sequence,
		&streamSeq,
		&createdAt,
	); err != nil {
		return es.StoredEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
		return es.StoredEvent{}, errors.Join(fmt.Errorf("decode metadata of event %s", ev.ID), err)
	}
	ev.StreamSequence = es.Version(streamSeq)
	ev.CreatedAt = time.UnixMilli(createdAt).UTC()
	return ev, nil
}

var _ es.EventStore = (*Store)(nil)
