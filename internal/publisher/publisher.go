// Package publisher delivers detection events to the bus and keeps the
// consolidated per-entity record in the state store current.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/metrics"
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
)

const (
	DefaultPublishTimeout  = 2 * time.Second
	DefaultPublishAttempts = 3
	DefaultMergeAttempts   = 5
	DefaultRetryBase       = 100 * time.Millisecond
)

// ErrEventDropped marks events abandoned after exhausting their retries
var ErrEventDropped = errors.New("event dropped")

// Bus is the message transport
type Bus interface {
	Publish(ctx context.Context, subject string, headers map[string]string, payload []byte) error
}

// Config controls publishing
type Config struct {
	OrganizationID  string
	DeviceID        string
	SubjectRoot     string
	PublishTimeout  time.Duration
	PublishAttempts int
	MergeAttempts   int
	RetryBase       time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubjectRoot == "" {
		c.SubjectRoot = "constellation.events.isr"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = DefaultPublishAttempts
	}
	if c.MergeAttempts <= 0 {
		c.MergeAttempts = DefaultMergeAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
}

// StatePublisher is shared by all entity sessions. Per-entity state (pending
// disappearance cleanups) is kept separately for each entity id.
type StatePublisher struct {
	bus     Bus
	store   statestore.Store
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]map[string]struct{}
}

// New creates a publisher. m may be nil.
func New(bus Bus, store statestore.Store, m *metrics.Metrics, cfg Config) *StatePublisher {
	cfg.applyDefaults()

	return &StatePublisher{
		bus:     bus,
		store:   store,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[string]map[string]struct{}),
	}
}

// Subject returns the event subject for an entity
func (p *StatePublisher) Subject(entityID string) string {
	return fmt.Sprintf("%s.%s.%s", p.cfg.SubjectRoot, p.cfg.OrganizationID, entityID)
}

// Publish sends each event, then merges the cycle into the entity record.
// summary is nil for models that do not produce threat levels. Failures are
// logged and counted; the returned error reports what was lost this cycle
// and is never fatal to the caller.
func (p *StatePublisher) Publish(ctx context.Context, entityID string, events []models.DetectionEvent,
	disappeared []string, summary *models.ThreatSummary, analytics models.Analytics) error {

	defer p.metrics.ObservePublish(time.Now())

	var errs []error

	for _, ev := range events {
		if err := p.publishDetection(ctx, entityID, ev); err != nil {
			p.metrics.IncEventsDropped(entityID)
			log.Printf("[Publisher] Dropping %s event for %s: %v", ev.Label, ev.TrackID, err)
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrEventDropped, ev.TrackID, err))
		}
	}

	removals := p.takePending(entityID, disappeared)

	if err := p.mergeState(ctx, entityID, events, removals, summary, analytics); err != nil {
		p.metrics.IncKVFailures(entityID)
		p.restorePending(entityID, removals)
		log.Printf("[Publisher] State merge for %s failed, %d cleanups deferred: %v", entityID, len(removals), err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (p *StatePublisher) publishDetection(ctx context.Context, entityID string, ev models.DetectionEvent) error {
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	event := models.Event{
		Timestamp: models.FormatTimestamp(p.now()),
		EventType: models.EventDetection,
		EntityID:  entityID,
		DeviceID:  p.cfg.DeviceID,
		Detection: &models.DetectionPayload{
			TrackID:    ev.TrackID,
			ModelType:  ev.ModelType,
			Label:      ev.Label,
			Confidence: ev.Confidence,
			BBox:       ev.BBox,
			Timestamp:  models.FormatTimestamp(ev.Timestamp),
			Metadata:   metadata,
		},
	}

	headers := p.headers(models.EventDetection)
	if ev.ThreatLevel != models.ThreatNone {
		headers["Threat-Level"] = string(ev.ThreatLevel)
		headers["Label"] = ev.Label
	}

	return p.send(ctx, entityID, event, headers)
}

// PublishBootSequence announces the component with its device fingerprint
func (p *StatePublisher) PublishBootSequence(ctx context.Context, entityID string, fp models.DeviceFingerprint) error {
	fp.EntityID = entityID
	event := models.Event{
		Timestamp:   models.FormatTimestamp(p.now()),
		EventType:   models.EventBootSequence,
		EntityID:    entityID,
		DeviceID:    p.cfg.DeviceID,
		Message:     fmt.Sprintf("%s online", fp.Component.Name),
		Fingerprint: &fp,
	}

	if err := p.send(ctx, entityID, event, p.headers(models.EventBootSequence)); err != nil {
		return fmt.Errorf("failed to publish bootsequence for %s: %w", entityID, err)
	}

	log.Printf("[Publisher] Bootsequence published for %s (device %s)", entityID, p.cfg.DeviceID)
	return nil
}

// PublishShutdown reports the session's final analytics
func (p *StatePublisher) PublishShutdown(ctx context.Context, entityID string, final models.Analytics) error {
	event := models.Event{
		Timestamp: models.FormatTimestamp(p.now()),
		EventType: models.EventShutdown,
		EntityID:  entityID,
		DeviceID:  p.cfg.DeviceID,
		Message:   "session shutting down",
		Analytics: &final,
	}

	if err := p.send(ctx, entityID, event, p.headers(models.EventShutdown)); err != nil {
		return fmt.Errorf("failed to publish shutdown for %s: %w", entityID, err)
	}

	log.Printf("[Publisher] Shutdown published for %s: %d unique objects over %d frames",
		entityID, final.TotalUniqueObjects, final.TotalFramesProcessed)
	return nil
}

func (p *StatePublisher) headers(eventType models.EventType) map[string]string {
	return map[string]string{
		"Content-Type": "application/json",
		"Event-Type":   string(eventType),
		"Device-ID":    p.cfg.DeviceID,
	}
}

func (p *StatePublisher) send(ctx context.Context, entityID string, event models.Event, headers map[string]string) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}

	subject := p.Subject(entityID)
	err = p.withRetry(ctx, entityID, "publish", func(ctx context.Context) error {
		return p.bus.Publish(ctx, subject, headers, payload)
	})
	if err != nil {
		return err
	}

	p.metrics.IncEventsPublished(entityID, string(event.EventType))
	return nil
}

// takePending returns disappeared plus any cleanups deferred from earlier
// cycles, sorted
func (p *StatePublisher) takePending(entityID string, disappeared []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.pending[entityID]
	delete(p.pending, entityID)

	ids := make([]string, 0, len(set)+len(disappeared))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range disappeared {
		if _, dup := set[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p *StatePublisher) restorePending(entityID string, ids []string) {
	if len(ids) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.pending[entityID]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		p.pending[entityID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// PendingCleanups returns the disappeared track ids still to be removed
// from the entity record
func (p *StatePublisher) PendingCleanups(entityID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.pending[entityID]))
	for id := range p.pending[entityID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
