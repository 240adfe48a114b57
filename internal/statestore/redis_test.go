package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server, e.g.
// REDIS_ADDRESS=localhost:6379 go test ./internal/statestore
func setupRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}

	// DB 1 keeps test keys away from a local service
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("Redis not available, skipping test: %v", err)
	}

	prefix := fmt.Sprintf("overwatch-test:%s:%d", t.Name(), time.Now().UnixNano())
	s := NewRedisStoreFromClient(rdb, prefix, ttl)

	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := rdb.Keys(ctx, prefix+":*").Result(); err == nil && len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
		_ = s.Close()
	})

	return s
}

func TestRedisStore_Semantics(t *testing.T) {
	s := setupRedisStore(t, time.Minute)

	exerciseStore(t, s)
	assert.Equal(t, "redis", s.Name())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRedisStore_ExpiredKeyStartsOver(t *testing.T) {
	ctx := context.Background()
	s := setupRedisStore(t, time.Second)

	rev, err := s.Create(ctx, "drone-1", []byte(`{"a":1}`))
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	_, err = s.Get(ctx, "drone-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// A revision read before expiry no longer applies
	_, err = s.Update(ctx, "drone-1", []byte(`{"a":2}`), rev)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Create(ctx, "drone-1", []byte(`{"a":3}`))
	require.NoError(t, err)

	e, err := s.Get(ctx, "drone-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3}`, string(e.Value))
}

func TestRedisStore_PutOnMissingKey(t *testing.T) {
	ctx := context.Background()
	s := setupRedisStore(t, time.Minute)

	rev, err := s.Put(ctx, "drone-1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	next, err := s.Update(ctx, "drone-1", []byte(`{"a":2}`), rev)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestRedisStore_ConcurrentUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	s := setupRedisStore(t, time.Minute)

	rev, err := s.Create(ctx, "drone-1", []byte(`{}`))
	require.NoError(t, err)

	const writers = 16
	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Update(ctx, "drone-1", []byte(fmt.Sprintf(`{"w":%d}`, i)), rev)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())
}
