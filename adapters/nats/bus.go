package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/screeem/screeem/core/es"
)

const defaultBusPrefix = "screeem.events"

type BusConfig struct {
	Connect Connector
	Log     *slog.Logger
	Metrics es.ESMetrics
	// SubjectPrefix defaults to "screeem.events". Events are published on
	// <prefix>.<base64url(stream type)>.
	SubjectPrefix string
}

// Bus is an es.Notifier that fans events out over core NATS, so every
// process connected to the same server sees the commits of all others.
// Delivery to local subscribers goes through an in-process es.Bus.
type Bus struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	prefix  string
	log     *slog.Logger
	metrics es.ESMetrics
	local   *es.Bus
	sub     *natsgo.Subscription

	mu     sync.Mutex
	closed bool
}

func NewBus(cfg BusConfig) (*Bus, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = es.NopESMetrics()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultBusPrefix
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	b := &Bus{
		nc:      nc,
		closeNc: closeNc,
		prefix:  prefix,
		log:     log.With(slog.String("notifier", "nats"), slog.String("subject_prefix", prefix)),
		metrics: metrics,
		local:   es.NewBus(es.WithLog(log), es.WithMetrics(metrics)),
	}

	b.sub, err = nc.Subscribe(prefix+".*", b.receive)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("subscribe %s.*: %w", prefix, err)
	}
	// the local bus queues per subscriber, so NATS itself never has to
	if err := b.sub.SetPendingLimits(-1, -1); err != nil {
		closeNc()
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		closeNc()
		return nil, err
	}
	return b, nil
}

func (b *Bus) subject(streamType string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(streamType))
}

func (b *Bus) receive(msg *natsgo.Msg) {
	var ev es.StoredEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Error("decode notification", slog.String("subject", msg.Subject), slog.Any("error", err))
		return
	}
	if err := b.local.Publish(context.Background(), ev); err != nil && !errors.Is(err, es.ErrClosed) {
		b.log.Error("deliver notification", ev.SlogAttr(), slog.Any("error", err))
	}
}

// Publish sends events to the server. It returns once they are flushed,
// not when subscribers have seen them.
func (b *Bus) Publish(ctx context.Context, events ...es.StoredEvent) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return es.ErrClosed
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.ID, err)
		}
		if err := b.nc.Publish(b.subject(ev.StreamType), data); err != nil {
			return es.Unavailable(fmt.Errorf("publish %s: %w", ev.ID, err))
		}
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return es.Unavailable(fmt.Errorf("flush: %w", err))
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, cb es.Callback, opts ...es.SubscribeOption) (es.Unsubscribe, error) {
	return b.local.Subscribe(ctx, cb, opts...)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.sub.Unsubscribe()
	b.closeNc()
	_ = b.local.Close()
	b.log.Debug("closed notifier")
	return err
}

var _ es.Notifier = (*Bus)(nil)
