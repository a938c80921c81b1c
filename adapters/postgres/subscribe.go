package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/screeem/screeem/core/es"
)

// Subscribe holds one pool connection that LISTENs on NotifyChannel for the
// life of the subscription. Each notification names an event id; the event
// is loaded and handed to cb if it matches the filters. Delivery follows
// commit order.
func (s *Store) Subscribe(ctx context.Context, cb es.Callback, opts ...es.SubscribeOption) (es.Unsubscribe, error) {
	if cb == nil {
		return nil, errors.New("callback is nil")
	}
	if s.isClosed() {
		return nil, es.ErrClosed
	}

	conn, err := s.pool.AcquireEx(ctx)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("acquire listen connection: %w", err))
	}
	if err := conn.Listen(NotifyChannel); err != nil {
		s.pool.Release(conn)
		return nil, Unavailable(fmt.Errorf("listen %s: %w", NotifyChannel, err))
	}

	l := &listener{
		store: s,
		conn:  conn,
		opts:  es.NewSubscribeOpts(opts...),
		cb:    cb,
	}
	id := gonanoid.Must()
	l.log = s.log.With(slog.String("subscriber", id))
	l.ctx, l.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.cancel()
		s.pool.Release(conn)
		return nil, es.ErrClosed
	}
	s.subs[l] = struct{}{}
	s.mu.Unlock()

	s.opts.Metrics().Subscribers(1)
	l.log.Debug("subscribed", slog.Any("filters", l.opts.Filters()))

	go l.run()
	context.AfterFunc(l.ctx, l.stop)

	return l.stop, nil
}

type listener struct {
	store  *Store
	conn   *pgx.Conn
	opts   es.SubscribeOpts
	cb     es.Callback
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *listener) run() {
	defer l.release()

	for {
		n, err := l.conn.WaitForNotification(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				// the subscription cannot recover without its connection
				l.log.Error("listen connection lost", slog.Any("error", err))
			}
			return
		}
		if n.Channel != NotifyChannel {
			continue
		}

		ev, err := l.store.byID(l.ctx, n.Payload)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log.Warn("load notified event failed", slog.String("event_id", n.Payload), slog.Any("error", err))
			}
			continue
		}
		if l.opts.Match(ev) {
			l.deliver(ev)
		}
	}
}

func (l *listener) deliver(ev es.StoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("subscriber callback panicked", slog.Any("panic", r), ev.SlogAttr())
		}
	}()
	l.cb(l.ctx, ev)
}

// release hands the connection back. A connection torn down by the context
// is discarded by the pool.
func (l *listener) release() {
	if l.conn.IsAlive() {
		if err := l.conn.Unlisten(NotifyChannel); err != nil {
			l.log.Debug("unlisten failed", slog.Any("error", err))
		}
	}
	l.store.pool.Release(l.conn)

	l.store.mu.Lock()
	delete(l.store.subs, l)
	l.store.mu.Unlock()

	l.store.opts.Metrics().Subscribers(-1)
	l.log.Debug("unsubscribed")
}

// stop may be called from inside the callback; the listen loop exits once
// the callback returns.
func (l *listener) stop() {
	l.once.Do(l.cancel)
}
