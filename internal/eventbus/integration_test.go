package eventbus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live JetStream-enabled server, e.g.
// NATS_URL=nats://localhost:4222 go test ./internal/eventbus
func natsURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	return url
}

func TestIntegration_FrameIntakeAndEventPublish(t *testing.T) {
	url := natsURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(url, "overwatch-isr-test", nil)
	require.NoError(t, err)
	defer conn.Close()

	var (
		mu       sync.Mutex
		received []models.Frame
	)
	sub := NewSubscriber(conn, "overwatch.test.frames", func(entityID string, frame models.Frame) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, frame)
	})
	require.NoError(t, sub.Start())
	defer sub.Close()

	events := make(chan *nats.Msg, 1)
	eventSub, err := conn.nc.ChanSubscribe("overwatch.test.events.>", events)
	require.NoError(t, err)
	defer eventSub.Unsubscribe()

	require.NoError(t, conn.nc.Flush())

	require.NoError(t, conn.nc.Publish("overwatch.test.frames.drone-1", []byte(`{"detections":[]}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// No stream captures the test subjects, so this goes out as core NATS
	pub := NewPublisher(ctx, conn, "OVERWATCH_TEST_MISSING")
	assert.False(t, pub.UsesJetStream())

	require.NoError(t, pub.Publish(ctx, "overwatch.test.events.org.drone-1",
		map[string]string{"Event-Type": "detection", "Device-ID": "dev"}, []byte(`{}`)))

	select {
	case msg := <-events:
		assert.Equal(t, "detection", msg.Header.Get("Event-Type"))
		assert.Equal(t, "dev", msg.Header.Get("Device-ID"))
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}

func TestIntegration_KVStore(t *testing.T) {
	url := natsURL(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Connect(url, "overwatch-isr-test", nil)
	require.NoError(t, err)
	defer conn.Close()

	bucket := "OVERWATCH_TEST_STATE"
	store, err := statestore.NewNATSKVStore(ctx, conn.JetStream(), statestore.KVConfig{Bucket: bucket, TTL: time.Minute})
	require.NoError(t, err)
	defer conn.JetStream().DeleteKeyValue(context.Background(), bucket)

	key := "drone-" + time.Now().Format("150405")

	rev, err := store.Create(ctx, key, []byte(`{"a":1}`))
	require.NoError(t, err)

	_, err = store.Create(ctx, key, []byte(`{"a":2}`))
	assert.ErrorIs(t, err, statestore.ErrConflict)

	_, err = store.Update(ctx, key, []byte(`{"a":3}`), rev+100)
	assert.ErrorIs(t, err, statestore.ErrConflict)

	next, err := store.Update(ctx, key, []byte(`{"a":4}`), rev)
	require.NoError(t, err)

	e, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, next, e.Revision)
	assert.JSONEq(t, `{"a":4}`, string(e.Value))
}
