package statestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	kvHistory      = 10
	kvMaxValueSize = 1 << 20
)

// KVConfig describes the JetStream bucket backing the store
type KVConfig struct {
	Bucket string
	TTL    time.Duration
}

// NATSKVStore stores entity state in a JetStream key-value bucket
type NATSKVStore struct {
	kv     jetstream.KeyValue
	bucket string
}

// NewNATSKVStore creates or updates the bucket, falling back to binding an
// existing bucket when this client may not change its configuration.
func NewNATSKVStore(ctx context.Context, js jetstream.JetStream, cfg KVConfig) (*NATSKVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "Consolidated per-entity state",
		History:      kvHistory,
		TTL:          cfg.TTL,
		MaxValueSize: kvMaxValueSize,
		Storage:      jetstream.FileStorage,
	})
	if err != nil {
		log.Printf("[StateStore] Could not create bucket %s (%v), binding existing", cfg.Bucket, err)

		kv, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind kv bucket %s: %w", cfg.Bucket, err)
		}
	}

	log.Printf("[StateStore] Using JetStream KV bucket %s", cfg.Bucket)

	return &NATSKVStore{kv: kv, bucket: cfg.Bucket}, nil
}

func (s *NATSKVStore) Get(ctx context.Context, key string) (Entry, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Entry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return Entry{Value: e.Value(), Revision: e.Revision()}, nil
}

func (s *NATSKVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		return 0, s.mapWriteErr(key, err)
	}
	return rev, nil
}

func (s *NATSKVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		return 0, s.mapWriteErr(key, err)
	}
	return rev, nil
}

func (s *NATSKVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return rev, nil
}

func (s *NATSKVStore) mapWriteErr(key string, err error) error {
	if isWrongRevision(err) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, key, err)
	}
	return fmt.Errorf("failed to write %s: %w", key, err)
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *NATSKVStore) Name() string { return "nats-kv:" + s.bucket }

// Close is a no-op; the connection is owned by the event bus
func (s *NATSKVStore) Close() error { return nil }
