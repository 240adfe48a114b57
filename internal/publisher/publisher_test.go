package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/metrics"
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var publishedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type message struct {
	subject string
	headers map[string]string
	payload []byte
}

type fakeBus struct {
	mu       sync.Mutex
	messages []message
	failures int
	failAll  bool
	calls    int
}

func (b *fakeBus) Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls++
	if b.failAll {
		return errors.New("nats: timeout")
	}
	if b.failures > 0 {
		b.failures--
		return errors.New("nats: timeout")
	}
	b.messages = append(b.messages, message{subject: subject, headers: headers, payload: payload})
	return nil
}

// flakyStore injects conflicts and transient read failures
type flakyStore struct {
	statestore.Store
	mu              sync.Mutex
	updateConflicts int
	failGets        int
	puts            int
}

func (s *flakyStore) Get(ctx context.Context, key string) (statestore.Entry, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		s.mu.Unlock()
		return statestore.Entry{}, errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	if s.updateConflicts > 0 {
		s.updateConflicts--
		s.mu.Unlock()
		return 0, statestore.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, key, value, revision)
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Store.Put(ctx, key, value)
}

func newTestPublisher(t *testing.T, bus Bus, store statestore.Store) (*StatePublisher, *metrics.Metrics) {
	t.Helper()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	p := New(bus, store, m, Config{
		OrganizationID: "org-7",
		DeviceID:       "a1b2c3d4e5f60718",
		PublishTimeout: time.Second,
		RetryBase:      time.Millisecond,
	})
	p.now = func() time.Time { return publishedAt }
	return p, m
}

func carEvent() models.DetectionEvent {
	return models.DetectionEvent{
		TrackID:    "trk_1",
		NativeID:   3,
		ModelType:  "rtdetr",
		Label:      "car",
		Confidence: 0.8,
		BBox:       models.BoundingBox{XMin: 0.1, YMin: 0.1, XMax: 0.2, YMax: 0.2},
		FramesSeen: 2,
		Timestamp:  publishedAt.Add(-500 * time.Millisecond),
		Reason:     "appeared",
		Metadata:   map[string]any{"native_id": 3, "class_id": 2},
	}
}

func readRecord(t *testing.T, store statestore.Store, key string) (models.EntityState, map[string]json.RawMessage) {
	t.Helper()

	e, err := store.Get(context.Background(), key)
	require.NoError(t, err)

	var state models.EntityState
	require.NoError(t, json.Unmarshal(e.Value, &state))

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(e.Value, &raw))
	return state, raw
}

func TestPublish_DetectionWireFormat(t *testing.T) {
	bus := &fakeBus{}
	p, m := newTestPublisher(t, bus, statestore.NewMemoryStore())

	err := p.Publish(context.Background(), "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{})
	require.NoError(t, err)

	require.Len(t, bus.messages, 1)
	msg := bus.messages[0]

	assert.Equal(t, "constellation.events.isr.org-7.drone-1", msg.subject)
	assert.Equal(t, map[string]string{
		"Content-Type": "application/json",
		"Event-Type":   "detection",
		"Device-ID":    "a1b2c3d4e5f60718",
	}, msg.headers)

	assert.JSONEq(t, `{
		"timestamp": "2026-03-01T12:00:00Z",
		"event_type": "detection",
		"entity_id": "drone-1",
		"device_id": "a1b2c3d4e5f60718",
		"detection": {
			"track_id": "trk_1",
			"model_type": "rtdetr",
			"label": "car",
			"confidence": 0.8,
			"bbox": {"x_min": 0.1, "y_min": 0.1, "x_max": 0.2, "y_max": 0.2},
			"timestamp": "2026-03-01T11:59:59.5Z",
			"metadata": {"native_id": 3, "class_id": 2}
		}
	}`, string(msg.payload))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("drone-1", "detection")))
}

func TestPublish_ThreatHeadersAndEmptyMetadata(t *testing.T) {
	bus := &fakeBus{}
	p, _ := newTestPublisher(t, bus, statestore.NewMemoryStore())

	ev := carEvent()
	ev.Label = "weapon"
	ev.ThreatLevel = models.ThreatHigh
	ev.Metadata = nil

	require.NoError(t, p.Publish(context.Background(), "drone-1", []models.DetectionEvent{ev}, nil, nil, models.Analytics{}))

	require.Len(t, bus.messages, 1)
	assert.Equal(t, "HIGH", bus.messages[0].headers["Threat-Level"])
	assert.Equal(t, "weapon", bus.messages[0].headers["Label"])

	var decoded struct {
		Detection struct {
			Metadata map[string]any `json:"metadata"`
		} `json:"detection"`
	}
	require.NoError(t, json.Unmarshal(bus.messages[0].payload, &decoded))
	assert.NotNil(t, decoded.Detection.Metadata)
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	bus := &fakeBus{failures: 2}
	p, m := newTestPublisher(t, bus, statestore.NewMemoryStore())

	err := p.Publish(context.Background(), "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{})
	require.NoError(t, err)

	assert.Len(t, bus.messages, 1)
	assert.Equal(t, 3, bus.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishRetries.WithLabelValues("drone-1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("drone-1")))
}

func TestPublish_DropsAfterExhaustingRetries(t *testing.T) {
	bus := &fakeBus{failAll: true}
	store := statestore.NewMemoryStore()
	p, m := newTestPublisher(t, bus, store)

	err := p.Publish(context.Background(), "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEventDropped)

	assert.Equal(t, DefaultPublishAttempts, bus.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("drone-1")))

	// The state record is still written
	state, _ := readRecord(t, store, "drone-1")
	assert.Contains(t, state.Detections, "trk_1")
}

func TestPublish_MergesEntityRecord(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	p, m := newTestPublisher(t, &fakeBus{}, store)

	_, err := store.Put(ctx, "drone-1", []byte(`{
		"operator_note": "keep me",
		"detections": {"trk_old": {"label": "dog", "confidence": 0.4, "bbox": {"x_min":0.5,"y_min":0.5,"x_max":0.6,"y_max":0.6}, "frames_seen": 9}}
	}`))
	require.NoError(t, err)

	summary := &models.ThreatSummary{
		TotalThreats:       1,
		ThreatDistribution: map[models.ThreatLevel]int{models.ThreatLow: 1},
		AlertLevel:         models.ThreatLow,
	}
	analytics := models.Analytics{
		TotalUniqueObjects:   2,
		TotalFramesProcessed: 40,
		ActiveObjectsCount:   1,
		LabelDistribution:    map[string]int{"car": 1},
	}

	require.NoError(t, p.Publish(ctx, "drone-1", []models.DetectionEvent{carEvent()}, []string{"trk_old"}, summary, analytics))

	got, raw := readRecord(t, store, "drone-1")

	want := models.EntityState{
		Timestamp: "2026-03-01T12:00:00Z",
		EntityID:  "drone-1",
		DeviceID:  "a1b2c3d4e5f60718",
		Detections: map[string]models.Snapshot{
			"trk_1": {
				Label:      "car",
				Confidence: 0.8,
				BBox:       models.BoundingBox{XMin: 0.1, YMin: 0.1, XMax: 0.2, YMax: 0.2},
				FramesSeen: 2,
			},
		},
		Analytics: &analytics,
		Threat:    summary,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entity record mismatch (-want +got):\n%s", diff)
	}
	assert.JSONEq(t, `"keep me"`, string(raw["operator_note"]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KVMerges.WithLabelValues("drone-1")))
}

func TestPublish_NoSummaryLeavesThreatUntouched(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	p, _ := newTestPublisher(t, &fakeBus{}, store)

	_, err := store.Put(ctx, "drone-1", []byte(`{"threat":{"total_threats":4,"threat_distribution":{"HIGH":4},"alert_level":"HIGH"}}`))
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "drone-1", nil, nil, nil, models.Analytics{}))

	got, _ := readRecord(t, store, "drone-1")
	require.NotNil(t, got.Threat)
	assert.Equal(t, 4, got.Threat.TotalThreats)
	assert.NotNil(t, got.Detections)
}

func TestPublish_RetriesRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: statestore.NewMemoryStore(), updateConflicts: 2}
	_, err := store.Store.Put(ctx, "drone-1", []byte(`{}`))
	require.NoError(t, err)

	p, m := newTestPublisher(t, &fakeBus{}, store)

	require.NoError(t, p.Publish(ctx, "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{}))

	assert.Equal(t, 0, store.puts)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.KVConflicts.WithLabelValues("drone-1")))

	got, _ := readRecord(t, store, "drone-1")
	assert.Contains(t, got.Detections, "trk_1")
}

func TestPublish_ExhaustedConflictsFallBackToPut(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: statestore.NewMemoryStore(), updateConflicts: DefaultMergeAttempts}
	_, err := store.Store.Put(ctx, "drone-1", []byte(`{"detections":{}}`))
	require.NoError(t, err)

	p, m := newTestPublisher(t, &fakeBus{}, store)

	require.NoError(t, p.Publish(ctx, "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{}))

	assert.Equal(t, 1, store.puts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KVConflicts.WithLabelValues("drone-1")))

	got, _ := readRecord(t, store, "drone-1")
	assert.Contains(t, got.Detections, "trk_1")
}

func TestPublish_DeferredCleanupIsReapplied(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: statestore.NewMemoryStore()}
	p, m := newTestPublisher(t, &fakeBus{}, store)

	require.NoError(t, p.Publish(ctx, "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{}))

	// Every read attempt of the next cycle fails
	store.failGets = DefaultPublishAttempts
	err := p.Publish(ctx, "drone-1", nil, []string{"trk_1"}, nil, models.Analytics{})
	require.Error(t, err)
	assert.Equal(t, []string{"trk_1"}, p.PendingCleanups("drone-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KVFailures.WithLabelValues("drone-1")))

	got, _ := readRecord(t, store, "drone-1")
	assert.Contains(t, got.Detections, "trk_1")

	// Next healthy cycle removes it even though nothing new disappeared
	require.NoError(t, p.Publish(ctx, "drone-1", nil, nil, nil, models.Analytics{}))
	assert.Empty(t, p.PendingCleanups("drone-1"))

	got, _ = readRecord(t, store, "drone-1")
	assert.NotContains(t, got.Detections, "trk_1")
}

func TestPublishBootSequenceAndShutdown(t *testing.T) {
	bus := &fakeBus{}
	p, _ := newTestPublisher(t, bus, statestore.NewMemoryStore())

	fp := models.DeviceFingerprint{
		DeviceID:       "a1b2c3d4e5f60718",
		OrganizationID: "org-7",
		Hostname:       "edge-01",
		Component:      models.ComponentInfo{Name: "overwatch-isr", Mode: "rtdetr"},
	}

	require.NoError(t, p.PublishBootSequence(context.Background(), "drone-1", fp))
	require.NoError(t, p.PublishShutdown(context.Background(), "drone-1", models.Analytics{TotalUniqueObjects: 12}))

	require.Len(t, bus.messages, 2)

	var boot models.Event
	require.NoError(t, json.Unmarshal(bus.messages[0].payload, &boot))
	assert.Equal(t, models.EventBootSequence, boot.EventType)
	assert.Equal(t, "bootsequence", bus.messages[0].headers["Event-Type"])
	assert.Nil(t, boot.Detection)
	require.NotNil(t, boot.Fingerprint)
	assert.Equal(t, "drone-1", boot.Fingerprint.EntityID)
	assert.Equal(t, "edge-01", boot.Fingerprint.Hostname)

	var shutdown models.Event
	require.NoError(t, json.Unmarshal(bus.messages[1].payload, &shutdown))
	assert.Equal(t, models.EventShutdown, shutdown.EventType)
	require.NotNil(t, shutdown.Analytics)
	assert.Equal(t, uint64(12), shutdown.Analytics.TotalUniqueObjects)
	assert.Contains(t, string(bus.messages[1].payload), `"final_analytics"`)
}

func TestPublish_CancelledContextStopsRetrying(t *testing.T) {
	bus := &fakeBus{failAll: true}
	p, _ := newTestPublisher(t, bus, statestore.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, "drone-1", []models.DetectionEvent{carEvent()}, nil, nil, models.Analytics{})
	assert.Error(t, err)
	assert.Equal(t, 1, bus.calls)
}
