package statestore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue    = "value"
	fieldRevision = "rev"
)

// RedisConfig holds connection details for the Redis backend
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps each entry as a hash of value and revision. Conditional
// writes use WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("[StateStore] Connected to Redis: %s", cfg.Address)

	return NewRedisStoreFromClient(rdb, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	rev, err := strconv.ParseUint(fields[fieldRevision], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("corrupt revision for %s: %w", key, err)
	}

	return Entry{Value: []byte(fields[fieldValue]), Revision: rev}, nil
}

func (s *RedisStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.conditionalWrite(ctx, key, value, func(current uint64, exists bool) bool {
		return !exists
	})
}

func (s *RedisStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.conditionalWrite(ctx, key, value, func(current uint64, exists bool) bool {
		return exists && current == revision
	})
}

func (s *RedisStore) conditionalWrite(ctx context.Context, key string, value []byte, allowed func(current uint64, exists bool) bool) (uint64, error) {
	k := s.key(key)
	var next uint64

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, k, fieldRevision).Uint64()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		if !allowed(current, exists) {
			return ErrConflict
		}

		next = current + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, fieldValue, value, fieldRevision, next)
			if s.ttl > 0 {
				pipe.Expire(ctx, k, s.ttl)
			}
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, fmt.Errorf("%w: %s", ErrConflict, key)
	default:
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	k := s.key(key)

	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, k, fieldRevision, 1)
		pipe.HSet(ctx, k, fieldValue, value)
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}

	return uint64(incr.Val()), nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
