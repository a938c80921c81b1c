package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/screeem/screeem/adapters/nats"
	"github.com/screeem/screeem/adapters/postgres"
	"github.com/screeem/screeem/adapters/sqlite"
	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/internal/config"
	"github.com/screeem/screeem/internal/timeline"
)

const cursorBucket = "cursors"

// backend is an event store together with the places its projections
// keep their state.
type backend struct {
	store     es.EventStore
	cursors   es.CursorStore
	readModel timeline.ReadModel
	closers   []func() error
}

func (b *backend) onClose(f func() error) { b.closers = append(b.closers, f) }

// Close releases everything in reverse order of acquisition.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// openBackend wires the store selected by cfg.Backend:
//
//   - memory: everything in process, lost on exit
//   - sqlite: events, cursors and posts in one file
//   - postgres: events, cursors and posts in one database, notifications
//     over LISTEN/NOTIFY
//   - nats: events in JetStream, cursors in a NATS KV bucket, posts in
//     SQLite at cfg.SQLitePath
func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger, m es.ESMetrics) (_ *backend, err error) {
	b := &backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	storeOpts := []es.StoreOption{es.WithLog(log), es.WithMetrics(m)}
	if cfg.NatsNotify && (cfg.Backend == config.BackendMemory || cfg.Backend == config.BackendSQLite) {
		bus, err := nats.NewBus(nats.BusConfig{
			Connect:       nats.ConnectURL(cfg.NatsURL, log),
			Log:           log,
			Metrics:       m,
			SubjectPrefix: cfg.NatsPrefix + ".events",
		})
		if err != nil {
			return nil, fmt.Errorf("connect notification bus: %w", err)
		}
		b.onClose(bus.Close)
		storeOpts = append(storeOpts, es.WithNotifier(bus))
	}

	switch cfg.Backend {
	case config.BackendMemory:
		store := es.NewInMemoryStore(storeOpts...)
		b.onClose(store.Close)
		b.store = store
		b.cursors = es.NewInMemCursorStore()
		b.readModel = timeline.NewMemReadModel()

	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		b.onClose(db.Close)
		store := sqlite.NewStore(db, storeOpts...)
		b.onClose(store.Close)
		b.store = store
		b.cursors = sqlite.NewCursorStore(db)
		b.readModel = sqlite.NewPostsReadModel(db)

	case config.BackendPostgres:
		pool, err := postgres.Open(ctx, postgres.Config{DSN: cfg.PostgresDSN, Log: log})
		if err != nil {
			return nil, err
		}
		b.onClose(func() error { pool.Close(); return nil })
		store := postgres.NewStore(pool, storeOpts...)
		b.onClose(store.Close)
		b.store = store
		b.cursors = postgres.NewCursorStore(pool)
		b.readModel = postgres.NewPostsReadModel(pool)

	case config.BackendNATS:
		connect := nats.ReuseConnection(nats.ConnectURL(cfg.NatsURL, log))
		store, err := nats.NewEventStore(ctx, nats.EventStoreConfig{
			Connect:       connect,
			SubjectPrefix: cfg.NatsPrefix + ".es",
		}, storeOpts...)
		if err != nil {
			return nil, err
		}
		b.onClose(store.Close)
		b.store = store

		kvStore, err := nats.NewKvStore(ctx, nats.KvConfig{
			Connect: connect,
			Bucket:  cfg.NatsPrefix + "_" + cursorBucket,
		})
		if err != nil {
			return nil, err
		}
		b.onClose(kvStore.Close)
		b.cursors = es.NewKVCursorStore(kvStore, "projector.")

		db, err := sqlite.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		b.onClose(db.Close)
		b.readModel = sqlite.NewPostsReadModel(db)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	log.Info("backend ready", slog.String("backend", string(cfg.Backend)), slog.Bool("nats_notify", cfg.NatsNotify))
	return b, nil
}

// postsProjector builds the projector that keeps the posts read model of b
// current.
func postsProjector(cfg config.Config, log *slog.Logger, m es.ESMetrics, b *backend) *es.Projector {
	return es.NewProjector(
		b.store,
		timeline.NewPostsProjection(b.readModel, log),
		es.WithCursorStore(b.cursors),
		es.WithProjectedStreamTypes(timeline.StreamType),
		es.WithBatchSize(cfg.ProjectorBatch),
		es.WithLog(log),
		es.WithMetrics(m),
	)
}

func newService(cfg config.Config, log *slog.Logger, m es.ESMetrics, b *backend) *timeline.Service {
	return timeline.NewService(
		b.store,
		timeline.WithLogger(log),
		timeline.WithRepositoryOptions(
			es.WithRetries(cfg.CommandRetries),
			es.WithMetrics(m),
			es.WithSerializedCommands(),
		),
	)
}
