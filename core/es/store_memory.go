package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// InMemoryStore is a simple, correct (optimistic) store for tests and dev.
// Notifications are published while the write lock is held, which keeps
// them in commit order.
type InMemoryStore struct {
	mu           sync.Mutex
	opts         StoreOpts
	log          *slog.Logger
	seq          uint64
	streams      map[string][]StoredEvent
	all          []StoredEvent
	notifier     Notifier
	ownsNotifier bool
	closed       bool
}

func NewInMemoryStore(opts ...StoreOption) *InMemoryStore {
	o := NewStoreOpts(opts...)
	n, owned := o.Notifier()
	return &InMemoryStore{
		opts:         o,
		log:          o.Log().With(slog.String("store", "memory")),
		streams:      map[string][]StoredEvent{},
		notifier:     n,
		ownsNotifier: owned,
	}
}

func (s *InMemoryStore) Append(
	ctx context.Context,
	streamID, streamType string,
	events []Event,
	expected Version,
	meta Metadata,
) ([]StoredEvent, error) {
	return s.append(ctx, streamID, streamType, events, &expected, meta)
}

func (s *InMemoryStore) AppendUnconditional(
	ctx context.Context,
	streamID, streamType string,
	events []Event,
	meta Metadata,
) ([]StoredEvent, error) {
	return s.append(ctx, streamID, streamType, events, nil, meta)
}

func (s *InMemoryStore) append(
	ctx context.Context,
	streamID, streamType string,
	events []Event,
	expected *Version,
	meta Metadata,
) ([]StoredEvent, error) {
	defer s.opts.Metrics().StoreAppendDuration(streamType).ObserveDuration()

	req, err := PrepareAppend(s.opts, streamID, streamType, events, meta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	cur := s.currentVersion(streamID)
	if expected != nil && cur != *expected {
		s.opts.Metrics().ConcurrencyConflict(streamType)
		return nil, NewConcurrencyConflict(streamID, *expected, cur)
	}

	req.Assign(cur)
	for i := range req.Events {
		s.seq++
		req.Events[i].Sequence = s.seq
	}
	s.streams[streamID] = append(s.streams[streamID], req.Events...)
	s.all = append(s.all, req.Events...)

	last := req.Events[len(req.Events)-1]
	s.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", last.Sequence),
		last.StreamSequence.SlogAttr(),
		slog.Int("num_events", len(req.Events)),
		slog.Bool("unconditional", expected == nil),
	)
	s.opts.Metrics().EventsAppended(streamType, len(req.Events))

	out := make([]StoredEvent, len(req.Events))
	copy(out, req.Events)

	if err := s.notifier.Publish(ctx, out...); err != nil {
		s.log.Warn("publish failed", slog.Any("error", err))
	}

	return out, nil
}

func (s *InMemoryStore) currentVersion(streamID string) Version {
	stream := s.streams[streamID]
	if len(stream) == 0 {
		return 0
	}
	return stream[len(stream)-1].StreamSequence
}

func (s *InMemoryStore) GetStream(ctx context.Context, streamID string) ([]StoredEvent, error) {
	return s.GetStreamFromSequence(ctx, streamID, 1)
}

func (s *InMemoryStore) GetStreamFromSequence(ctx context.Context, streamID string, from Version) ([]StoredEvent, error) {
	defer s.opts.Metrics().StoreReadDuration("get_stream").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredEvent, 0)
	for _, ev := range s.streams[streamID] {
		if ev.StreamSequence >= from {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetEventHistory(ctx context.Context, streamID string, page, pageSize int) (*History, error) {
	defer s.opts.Metrics().StoreReadDuration("get_event_history").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return PageDescending(s.streams[streamID], page, pageSize), nil
}

func (s *InMemoryStore) GetAll(ctx context.Context, after uint64, limit int) ([]StoredEvent, error) {
	defer s.opts.Metrics().StoreReadDuration("get_all").ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit = NormalizeLimit(limit)
	start := sort.Search(len(s.all), func(i int) bool { return s.all[i].Sequence > after })
	end := min(start+limit, len(s.all))

	out := make([]StoredEvent, end-start)
	copy(out, s.all[start:end])
	return out, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, cb Callback, opts ...SubscribeOption) (Unsubscribe, error) {
	return s.notifier.Subscribe(ctx, cb, opts...)
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsNotifier {
		return s.notifier.Close()
	}
	return nil
}

var _ EventStore = (*InMemoryStore)(nil)
