// Package metrics provides the Prometheus metrics exported by the tracking
// service. All methods are safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "overwatch"

// Metrics contains all Prometheus metrics for the tracking pipeline
type Metrics struct {
	FramesProcessed    *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	DetectionsSkipped  *prometheus.CounterVec
	DetectionsFiltered *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	EventsSuppressed   *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	PublishRetries     *prometheus.CounterVec
	KVMerges           *prometheus.CounterVec
	KVConflicts        *prometheus.CounterVec
	KVFailures         *prometheus.CounterVec
	TracksDisappeared  *prometheus.CounterVec
	ActiveTracks       *prometheus.GaugeVec
	AlertLevel         *prometheus.GaugeVec
	BusConnected       prometheus.Gauge
	PublishLatency     prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the metrics and registers them on registry
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register tracking metrics: %w", err)
	}
	return m, nil
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func (m *Metrics) initMetrics() {
	m.FramesProcessed = counterVec("frames_processed_total", "Frames processed by the tracking coordinator", "entity_id")
	m.FramesDropped = counterVec("frames_dropped_total", "Frames dropped because the session buffer was full", "entity_id")
	m.DetectionsSkipped = counterVec("detections_skipped_total", "Malformed detections skipped", "entity_id")
	m.DetectionsFiltered = counterVec("detections_filtered_total", "Detections below the model confidence floor", "entity_id")
	m.EventsPublished = counterVec("events_published_total", "Events delivered to the bus", "entity_id", "event_type")
	m.EventsSuppressed = counterVec("events_suppressed_total", "Track updates suppressed by the change detector", "entity_id")
	m.EventsDropped = counterVec("events_dropped_total", "Events dropped after exhausting publish retries", "entity_id")
	m.PublishRetries = counterVec("publish_retries_total", "Publish attempts that were retried", "entity_id")
	m.KVMerges = counterVec("kv_merges_total", "Entity state records written", "entity_id")
	m.KVConflicts = counterVec("kv_conflicts_total", "State merges that exhausted their revision retries", "entity_id")
	m.KVFailures = counterVec("kv_failures_total", "State merges abandoned after store errors", "entity_id")
	m.TracksDisappeared = counterVec("tracks_disappeared_total", "Tracks expired from the live set", "entity_id")

	m.ActiveTracks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tracks",
		Help:      "Live tracks per entity",
	}, []string{"entity_id"})

	m.AlertLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alert_level",
		Help:      "Current alert severity per entity (0 none, 1 normal, 2 low, 3 medium, 4 high)",
	}, []string{"entity_id"})

	m.BusConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_connected",
		Help:      "NATS connection status (1 for connected, 0 for disconnected)",
	})

	m.PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_latency_seconds",
		Help:      "Latency of a publish cycle including the state merge",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesProcessed,
		m.FramesDropped,
		m.DetectionsSkipped,
		m.DetectionsFiltered,
		m.EventsPublished,
		m.EventsSuppressed,
		m.EventsDropped,
		m.PublishRetries,
		m.KVMerges,
		m.KVConflicts,
		m.KVFailures,
		m.TracksDisappeared,
		m.ActiveTracks,
		m.AlertLevel,
		m.BusConnected,
		m.PublishLatency,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Registry returns the registry the metrics were registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordFrame records the per-frame coordinator outcome
func (m *Metrics) RecordFrame(entityID string, skipped, filtered, suppressed, disappeared, active int) {
	if m == nil {
		return
	}
	m.FramesProcessed.WithLabelValues(entityID).Inc()
	m.DetectionsSkipped.WithLabelValues(entityID).Add(float64(skipped))
	m.DetectionsFiltered.WithLabelValues(entityID).Add(float64(filtered))
	m.EventsSuppressed.WithLabelValues(entityID).Add(float64(suppressed))
	m.TracksDisappeared.WithLabelValues(entityID).Add(float64(disappeared))
	m.ActiveTracks.WithLabelValues(entityID).Set(float64(active))
}

func (m *Metrics) IncFramesDropped(entityID string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(entityID).Inc()
}

func (m *Metrics) IncEventsPublished(entityID, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(entityID, eventType).Inc()
}

func (m *Metrics) IncEventsDropped(entityID string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(entityID).Inc()
}

func (m *Metrics) IncPublishRetries(entityID string) {
	if m == nil {
		return
	}
	m.PublishRetries.WithLabelValues(entityID).Inc()
}

func (m *Metrics) IncKVMerges(entityID string) {
	if m == nil {
		return
	}
	m.KVMerges.WithLabelValues(entityID).Inc()
}

func (m *Metrics) IncKVFailures(entityID string) {
	if m == nil {
		return
	}
	m.KVFailures.WithLabelValues(entityID).Inc()
}

func (m *Metrics) IncKVConflicts(entityID string) {
	if m == nil {
		return
	}
	m.KVConflicts.WithLabelValues(entityID).Inc()
}

func (m *Metrics) SetAlertLevel(entityID string, severity int) {
	if m == nil {
		return
	}
	m.AlertLevel.WithLabelValues(entityID).Set(float64(severity))
}

func (m *Metrics) SetBusConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

// ObservePublish records how long a publish cycle took
func (m *Metrics) ObservePublish(start time.Time) {
	if m == nil {
		return
	}
	m.PublishLatency.Observe(time.Since(start).Seconds())
}
