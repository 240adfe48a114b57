// Package engine runs one tracking pipeline per entity: frames in, events and
// state updates out.
package engine

import (
	"context"
	"log"
	"maps"
	"sync/atomic"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/identity"
	"github.com/constellation-overwatch/overwatch-isr/internal/metrics"
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/threat"
	"github.com/constellation-overwatch/overwatch-isr/internal/tracking"
)

const (
	DefaultFrameBuffer     = 8
	DefaultShutdownTimeout = 5 * time.Second
	DefaultCleanupInterval = 5 * time.Second
)

// Publisher is the outbound side of a session
type Publisher interface {
	Publish(ctx context.Context, entityID string, events []models.DetectionEvent,
		disappeared []string, summary *models.ThreatSummary, analytics models.Analytics) error
	PublishBootSequence(ctx context.Context, entityID string, fp models.DeviceFingerprint) error
	PublishShutdown(ctx context.Context, entityID string, final models.Analytics) error

	// PendingCleanups lists disappeared tracks whose state removal has not
	// been written yet
	PendingCleanups(entityID string) []string
}

// SessionConfig configures one entity session
type SessionConfig struct {
	EntityID        string
	Tracking        tracking.Config
	FrameBuffer     int
	ShutdownTimeout time.Duration

	// How often deferred state cleanups are retried while no frames arrive
	CleanupInterval time.Duration

	// Announced on start when set
	Fingerprint *models.DeviceFingerprint
}

// Stats is a point-in-time view of a session
type Stats struct {
	EntityID        string
	ActiveTracks    int
	FramesProcessed uint64
	FramesDropped   uint64
}

// Session owns the identity registry and coordinator for one entity and
// processes its frames strictly one at a time
type Session struct {
	cfg      SessionConfig
	registry *identity.Registry
	coord    *tracking.Coordinator
	pub      Publisher
	metrics  *metrics.Metrics
	frames   chan models.Frame

	processed atomic.Uint64
	dropped   atomic.Uint64

	lastSummary *models.ThreatSummary
}

// NewSession creates a session. classifier and m may be nil.
func NewSession(cfg SessionConfig, classifier *threat.Classifier, pub Publisher, m *metrics.Metrics) *Session {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultFrameBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	registry := identity.NewRegistry(cfg.Tracking.Expiry)

	return &Session{
		cfg:      cfg,
		registry: registry,
		coord:    tracking.NewCoordinator(cfg.Tracking, registry, classifier),
		pub:      pub,
		metrics:  m,
		frames:   make(chan models.Frame, cfg.FrameBuffer),
	}
}

func (s *Session) EntityID() string {
	return s.cfg.EntityID
}

// Submit queues a frame without blocking. A full queue drops the frame.
func (s *Session) Submit(frame models.Frame) bool {
	select {
	case s.frames <- frame:
		return true
	default:
		n := s.dropped.Add(1)
		s.metrics.IncFramesDropped(s.cfg.EntityID)
		if n == 1 || n%100 == 0 {
			log.Printf("[Session %s] Frame queue full, %d frames dropped so far", s.cfg.EntityID, n)
		}
		return false
	}
}

// Run processes frames until ctx is cancelled, then publishes the final
// analytics and releases the session's registry
func (s *Session) Run(ctx context.Context) error {
	log.Printf("[Session %s] Started (model %s, min frames %d, expiry %v)",
		s.cfg.EntityID, s.cfg.Tracking.ModelType, s.cfg.Tracking.MinFrames, s.cfg.Tracking.Expiry)

	if s.cfg.Fingerprint != nil {
		if err := s.pub.PublishBootSequence(ctx, s.cfg.EntityID, *s.cfg.Fingerprint); err != nil {
			log.Printf("[Session %s] %v", s.cfg.EntityID, err)
		}
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case frame := <-s.frames:
			s.handle(ctx, frame)
		case <-ticker.C:
			s.retryCleanups(ctx)
		}
	}
}

func (s *Session) handle(ctx context.Context, frame models.Frame) {
	res := s.coord.Process(frame)
	s.processed.Add(1)

	s.metrics.RecordFrame(s.cfg.EntityID, res.Skipped, res.Filtered, res.Suppressed, len(res.Disappeared), s.coord.ActiveCount())

	var summary *models.ThreatSummary
	summaryChanged := false
	if s.coord.ThreatAware() {
		sum := threat.Summarize(s.coord.LiveStates())
		summary = &sum
		summaryChanged = !sameSummary(s.lastSummary, summary)
		s.lastSummary = summary
		s.metrics.SetAlertLevel(s.cfg.EntityID, sum.AlertLevel.Severity())
	}

	if len(res.Publishable) == 0 && len(res.Disappeared) == 0 && !summaryChanged &&
		len(s.pub.PendingCleanups(s.cfg.EntityID)) == 0 {
		return
	}

	if err := s.pub.Publish(ctx, s.cfg.EntityID, res.Publishable, res.Disappeared, summary, s.coord.Analytics()); err != nil {
		log.Printf("[Session %s] Publish cycle degraded: %v", s.cfg.EntityID, err)
	}
}

// retryCleanups writes deferred removals when the entity is quiet
func (s *Session) retryCleanups(ctx context.Context) {
	pending := s.pub.PendingCleanups(s.cfg.EntityID)
	if len(pending) == 0 {
		return
	}

	log.Printf("[Session %s] Retrying %d deferred state cleanups", s.cfg.EntityID, len(pending))

	if err := s.pub.Publish(ctx, s.cfg.EntityID, nil, nil, s.lastSummary, s.coord.Analytics()); err != nil {
		log.Printf("[Session %s] Cleanup retry failed: %v", s.cfg.EntityID, err)
	}
}

func sameSummary(a, b *models.ThreatSummary) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TotalThreats == b.TotalThreats &&
		a.AlertLevel == b.AlertLevel &&
		maps.Equal(a.ThreatDistribution, b.ThreatDistribution)
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	final := s.coord.Analytics()
	if err := s.pub.PublishShutdown(ctx, s.cfg.EntityID, final); err != nil {
		log.Printf("[Session %s] %v", s.cfg.EntityID, err)
	}

	s.registry.Close()

	log.Printf("[Session %s] Stopped after %d frames (%d dropped)",
		s.cfg.EntityID, s.processed.Load(), s.dropped.Load())
}

// Stats reports the session's counters
func (s *Session) Stats() Stats {
	return Stats{
		EntityID:        s.cfg.EntityID,
		ActiveTracks:    s.coord.ActiveCount(),
		FramesProcessed: s.processed.Load(),
		FramesDropped:   s.dropped.Load(),
	}
}
