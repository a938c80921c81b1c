package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/screeem/screeem/ports/kv"
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	// TTL applies to every key of the bucket. Per key TTLs in
	// kv.PutOptions are not supported.
	TTL time.Duration
}

// KvStore is a kv.Store on a JetStream key-value bucket.
type KvStore struct {
	kv    jetstream.KeyValue
	close closeFunc
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		Storage: jetstream.FileStorage,
		TTL:     cfg.TTL,
		History: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &KvStore{kv: bucket, close: closeNc}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, value []byte, opts kv.PutOptions) (uint64, error) {
	if opts.TTL > 0 {
		return 0, errors.New("per key ttl is not supported, set KvConfig.TTL")
	}
	rev, err := k.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Value: v.Value(), Revision: v.Revision()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Close() error {
	k.close()
	return nil
}

var _ kv.Store = (*KvStore)(nil)
