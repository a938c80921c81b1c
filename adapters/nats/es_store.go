package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/screeem/screeem/core/es"
)

const (
	defaultStreamName    = "SCREEEM_EVENTS"
	defaultSubjectPrefix = "screeem.es"

	// Global sequences are <jetstream sequence><<16 | <index in commit>.
	commitIndexBits = 16
	maxCommitEvents = 1 << commitIndexBits

	unconditionalRetries = 100
	fetchBatch           = 256
	fetchWait            = 2 * time.Second
)

type EventStoreConfig struct {
	Connect       Connector
	StreamName    string // default SCREEEM_EVENTS
	SubjectPrefix string // default screeem.es
	Replicas      int
	// Duplicates is the window in which a retried commit with the same
	// message id is dropped by the server. Defaults to two minutes.
	Duplicates time.Duration
}

// EventStore keeps every append as one JetStream message ("commit") on the
// subject <prefix>.<base64url(stream id)>. The expected version is enforced by the server through the last sequence per
// subject, so several processes can append to the same stream safely.
type EventStore struct {
	opts    es.StoreOpts
	log     *slog.Logger
	closeNc closeFunc
	js      jetstream.JetStream
	stream  jetstream.Stream
	prefix  string

	mu     sync.Mutex
	subs   map[string]es.Unsubscribe
	closed bool
}

type commit struct {
	Events []es.StoredEvent `json:"events"`
}

func NewEventStore(ctx context.Context, cfg EventStoreConfig, opts ...es.StoreOption) (*EventStore, error) {
	o := es.NewStoreOpts(opts...)

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	replicas := max(cfg.Replicas, 1)
	duplicates := cfg.Duplicates
	if duplicates <= 0 {
		duplicates = 2 * time.Minute
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, es.Unavailable(err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := o.Log().With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", prefix),
	)
	log.Debug("ensuring stream")

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Subjects:    []string{prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    replicas,
		Duplicates:  duplicates,
		DenyDelete:  true,
		AllowDirect: true,
	})
	if err != nil {
		closeNc()
		return nil, es.Unavailable(fmt.Errorf("ensure stream %s: %w", streamName, err))
	}

	return &EventStore{
		opts:    o,
		log:     log,
		closeNc: closeNc,
		js:      js,
		stream:  stream,
		prefix:  prefix,
		subs:    map[string]es.Unsubscribe{},
	}, nil
}

func encodeToken(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func (e *EventStore) subject(streamID string) string {
	return e.prefix + "." + encodeToken(streamID)
}

// filterSubjects narrows a subscription to stream id subjects. A nil
// result means the whole stream; stream types are matched on delivery.
func (e *EventStore) filterSubjects(filters []es.SubscribeFilter) []string {
	var out []string
	for _, f := range filters {
		if f.StreamID == "" {
			return nil
		}
		out = append(out, e.subject(f.StreamID))
	}
	return out
}

// GlobalSequence returns the global sequence of event index of the commit
// stored at jetstream sequence jsSeq.
func GlobalSequence(jsSeq uint64, index int) uint64 {
	return jsSeq<<commitIndexBits | uint64(index)
}

func (e *EventStore) Append(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	expected es.Version,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	return e.append(ctx, streamID, streamType, events, &expected, meta)
}

func (e *EventStore) AppendUnconditional(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	return e.append(ctx, streamID, streamType, events, nil, meta)
}

func (e *EventStore) append(
	ctx context.Context,
	streamID, streamType string,
	events []es.Event,
	expected *es.Version,
	meta es.Metadata,
) ([]es.StoredEvent, error) {
	defer e.opts.Metrics().StoreAppendDuration(streamType).ObserveDuration()

	if len(events) >= maxCommitEvents {
		return nil, es.NewValidationError("at most %d events per append", maxCommitEvents-1)
	}
	req, err := es.PrepareAppend(e.opts, streamID, streamType, events, meta)
	if err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, es.ErrClosed
	}

	subject := e.subject(streamID)

	op := func() ([]es.StoredEvent, error) {
		lastSeq, current, err := e.last(ctx, subject)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if expected != nil && current != *expected {
			e.opts.Metrics().ConcurrencyConflict(streamType)
			return nil, backoff.Permanent(es.NewConcurrencyConflict(streamID, *expected, current))
		}

		req.Assign(current)
		stored, err := e.publish(ctx, subject, req, lastSeq)
		if err == nil {
			return stored, nil
		}
		if !isWrongLastSequence(err) {
			return nil, backoff.Permanent(err)
		}
		if expected == nil {
			// another writer got in between, go again on the new tail
			return nil, err
		}
		e.opts.Metrics().ConcurrencyConflict(streamType)
		_, current, lerr := e.last(ctx, subject)
		if lerr != nil {
			return nil, backoff.Permanent(lerr)
		}
		return nil, backoff.Permanent(es.NewConcurrencyConflict(streamID, *expected, current))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	stored, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(unconditionalRetries))
	if err != nil {
		return nil, err
	}

	last := stored[len(stored)-1]
	e.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", last.Sequence),
		last.StreamSequence.SlogAttr(),
		slog.Int("num_events", len(stored)),
		slog.Bool("unconditional", expected == nil),
	)
	e.opts.Metrics().EventsAppended(streamType, len(stored))
	return stored, nil
}

func (e *EventStore) publish(ctx context.Context, subject string, req *es.AppendRequest, lastSeq uint64) ([]es.StoredEvent, error) {
	data, err := json.Marshal(commit{Events: req.Events})
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}

	msg := natsgo.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("x-stream-type", req.StreamType)
	msg.Header.Set("x-event-count", strconv.Itoa(len(req.Events)))

	ack, err := e.js.PublishMsg(
		ctx,
		msg,
		jetstream.WithMsgID(req.Events[0].ID),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	if ack.Duplicate {
		e.log.Debug("commit already stored", slog.Uint64("js_seq", ack.Sequence))
	}

	out := make([]es.StoredEvent, len(req.Events))
	copy(out, req.Events)
	for i := range out {
		out[i].Sequence = GlobalSequence(ack.Sequence, i)
	}
	return out, nil
}

// last returns the jetstream sequence and the stream version of the latest
// commit on subject, or zeros when there is none.
func (e *EventStore) last(ctx context.Context, subject string) (uint64, es.Version, error) {
	msg, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, 0, nil
		}
		return 0, 0, unavailable(fmt.Errorf("get last commit of %s: %w", subject, err))
	}
	var c commit
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return 0, 0, fmt.Errorf("decode commit %d: %w", msg.Sequence, err)
	}
	if len(c.Events) == 0 {
		return msg.Sequence, 0, nil
	}
	return msg.Sequence, c.Events[len(c.Events)-1].StreamSequence, nil
}

func (e *EventStore) GetStream(ctx context.Context, streamID string) ([]es.StoredEvent, error) {
	return e.GetStreamFromSequence(ctx, streamID, 1)
}

func (e *EventStore) GetStreamFromSequence(ctx context.Context, streamID string, from es.Version) ([]es.StoredEvent, error) {
	defer e.opts.Metrics().StoreReadDuration("get_stream").ObserveDuration()
	return e.readStream(ctx, streamID, from)
}

func (e *EventStore) GetEventHistory(ctx context.Context, streamID string, page, pageSize int) (*es.History, error) {
	defer e.opts.Metrics().StoreReadDuration("get_event_history").ObserveDuration()
	events, err := e.readStream(ctx, streamID, 1)
	if err != nil {
		return nil, err
	}
	return es.PageDescending(events, page, pageSize), nil
}

func (e *EventStore) readStream(ctx context.Context, streamID string, from es.Version) ([]es.StoredEvent, error) {
	if e.isClosed() {
		return nil, es.ErrClosed
	}
	subject := e.subject(streamID)

	tail, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return []es.StoredEvent{}, nil
		}
		return nil, unavailable(err)
	}

	out := make([]es.StoredEvent, 0)
	err = e.consume(ctx, []string{subject}, 1, tail.Sequence, func(jsSeq uint64, c commit) bool {
		for i, ev := range c.Events {
			if ev.StreamSequence < from {
				continue
			}
			ev.Sequence = GlobalSequence(jsSeq, i)
			out = append(out, ev)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *EventStore) GetAll(ctx context.Context, after uint64, limit int) ([]es.StoredEvent, error) {
	defer e.opts.Metrics().StoreReadDuration("get_all").ObserveDuration()
	if e.isClosed() {
		return nil, es.ErrClosed
	}
	limit = es.NormalizeLimit(limit)

	info, err := e.stream.Info(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	start := max(after>>commitIndexBits, 1)
	end := info.State.LastSeq
	out := make([]es.StoredEvent, 0)
	if end < start {
		return out, nil
	}

	err = e.consume(ctx, nil, start, end, func(jsSeq uint64, c commit) bool {
		for i, ev := range c.Events {
			ev.Sequence = GlobalSequence(jsSeq, i)
			if ev.Sequence <= after {
				continue
			}
			out = append(out, ev)
			if len(out) == limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// consume reads commits in [start, end] with an ordered consumer and hands
// them to fn until fn returns false or end is reached.
func (e *EventStore) consume(
	ctx context.Context,
	subjects []string,
	start, end uint64,
	fn func(jsSeq uint64, c commit) bool,
) error {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    start,
	}
	cons, err := e.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return unavailable(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := cons.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			return unavailable(err)
		}

		empty := true
		for msg := range batch.Messages() {
			empty = false
			jsSeq, c, err := decodeCommit(msg)
			if err != nil {
				return err
			}
			if !fn(jsSeq, c) || jsSeq >= end {
				return nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, natsgo.ErrTimeout) {
			return unavailable(err)
		}
		if empty {
			// end was deleted or is not covered by the filter
			return nil
		}
	}
}

func decodeCommit(msg jetstream.Msg) (uint64, commit, error) {
	md, err := msg.Metadata()
	if err != nil {
		return 0, commit{}, err
	}
	var c commit
	if err := json.Unmarshal(msg.Data(), &c); err != nil {
		return 0, commit{}, fmt.Errorf("decode commit %d: %w", md.Sequence.Stream, err)
	}
	return md.Sequence.Stream, c, nil
}

// Subscribe delivers commits appended after the call. Each subscription
// runs its own ordered consumer, so a slow callback only delays itself.
func (e *EventStore) Subscribe(ctx context.Context, cb es.Callback, opts ...es.SubscribeOption) (es.Unsubscribe, error) {
	if cb == nil {
		return nil, errors.New("callback is nil")
	}
	if e.isClosed() {
		return nil, es.ErrClosed
	}
	options := es.NewSubscribeOpts(opts...)

	info, err := e.stream.Info(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	cons, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: e.filterSubjects(options.Filters()),
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    info.State.LastSeq + 1,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	id := gonanoid.Must()
	log := e.log.With(slog.String("subscriber", id))
	subCtx, cancel := context.WithCancel(ctx)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		jsSeq, c, err := decodeCommit(msg)
		if err != nil {
			log.Error("skip undecodable commit", slog.Any("error", err))
			return
		}
		for i, ev := range c.Events {
			if subCtx.Err() != nil {
				return
			}
			ev.Sequence = GlobalSequence(jsSeq, i)
			if options.Match(ev) {
				deliver(subCtx, log, cb, ev)
			}
		}
	})
	if err != nil {
		cancel()
		return nil, unavailable(err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			cc.Stop()
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			e.opts.Metrics().Subscribers(-1)
			log.Debug("unsubscribed")
		})
	}

	e.mu.Lock()
	e.subs[id] = unsubscribe
	e.mu.Unlock()
	e.opts.Metrics().Subscribers(1)
	log.Debug("subscribed", slog.Any("filters", options.Filters()), slog.Uint64("start", info.State.LastSeq+1))

	context.AfterFunc(subCtx, unsubscribe)
	return unsubscribe, nil
}

func deliver(ctx context.Context, log *slog.Logger, cb es.Callback, ev es.StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", ev.SlogAttr(), slog.Any("panic", r))
		}
	}()
	cb(ctx, ev)
}

func (e *EventStore) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *EventStore) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := make([]es.Unsubscribe, 0, len(e.subs))
	for _, unsub := range e.subs {
		subs = append(subs, unsub)
	}
	e.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// unavailable marks transport and server side failures as transient.
// Request errors reported by the server are returned as they are.
func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code < 500 {
		return err
	}
	return es.Unavailable(err)
}

var _ es.EventStore = (*EventStore)(nil)
