// Package tracking turns per-frame detections into stable tracks and decides
// which of them produce events.
package tracking

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/detector"
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/constellation-overwatch/overwatch-isr/internal/threat"
)

const (
	// DefaultExpiry is how long a track may go unseen before it disappears
	DefaultExpiry = time.Second

	// Number of recent threat alerts kept in analytics
	MaxThreatAlerts = 10
)

// Resolver is the identity registry surface the coordinator needs. Both
// calls run on the frame clock.
type Resolver interface {
	Resolve(nativeID any, modelType string, at time.Time) string
	Release(nativeID any, modelType, trackID string) bool
}

// Config controls one coordinator
type Config struct {
	ModelType       string
	Capabilities    models.Capability
	MinFrames       uint64
	Expiry          time.Duration
	ConfidenceFloor float64
	Thresholds      detector.Thresholds
}

// ConfigFromProfile derives a coordinator config from a model profile
func ConfigFromProfile(p models.ModelProfile, expiry time.Duration) Config {
	return Config{
		ModelType:       p.ModelType,
		Capabilities:    p.Capabilities,
		MinFrames:       p.MinFrames,
		Expiry:          expiry,
		ConfidenceFloor: p.ConfidenceThreshold,
		Thresholds:      detector.DefaultThresholds(p.Capabilities.ProducesThreatLevel),
	}
}

// Result is the outcome of one frame
type Result struct {
	Publishable []models.DetectionEvent
	Disappeared []string
	Skipped     int // malformed detections
	Filtered    int // below the model's confidence floor
	Suppressed  int // eligible tracks with no meaningful change
	Duplicates  int // extra detections for a track already seen this frame
}

type pendingUpdate struct {
	raw   models.RawDetection
	level models.ThreatLevel
}

// Coordinator owns the live ObjectState set for one entity session.
// Process must be called for one frame at a time; the read accessors are
// safe to call concurrently with it.
type Coordinator struct {
	mu         sync.RWMutex
	config     Config
	registry   Resolver
	classifier *threat.Classifier
	states     map[string]*models.ObjectState

	totalUnique     uint64
	framesProcessed uint64
	totalSkipped    uint64
	totalPublished  uint64
	totalSuppressed uint64
	totalGone       uint64
	alerts          []models.ThreatAlert
}

// NewCoordinator creates a coordinator. classifier may be nil; it is only
// consulted for threat-aware models whose detections carry no threat level.
func NewCoordinator(cfg Config, registry Resolver, classifier *threat.Classifier) *Coordinator {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.MinFrames == 0 {
		cfg.MinFrames = 1
	}
	if cfg.Thresholds == (detector.Thresholds{}) {
		cfg.Thresholds = detector.DefaultThresholds(cfg.Capabilities.ProducesThreatLevel)
	}

	return &Coordinator{
		config:     cfg,
		registry:   registry,
		classifier: classifier,
		states:     make(map[string]*models.ObjectState),
	}
}

// ThreatAware reports whether this coordinator tracks threat levels
func (c *Coordinator) ThreatAware() bool {
	return c.config.Capabilities.ProducesThreatLevel
}

// Process applies one frame of detections and returns the events to publish
// and the tracks that have disappeared. It never fails: malformed detections
// are counted and dropped.
func (c *Coordinator) Process(frame models.Frame) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	modelType := frame.ModelType
	if modelType == "" {
		modelType = c.config.ModelType
	}

	c.framesProcessed++

	// Collapse the frame to one update per track, last write wins
	order := make([]string, 0, len(frame.Detections))
	latest := make(map[string]pendingUpdate, len(frame.Detections))

	for _, raw := range frame.Detections {
		if err := raw.Validate(); err != nil {
			res.Skipped++
			log.Printf("[Tracking] Skipping detection: %v", err)
			continue
		}

		if *raw.Confidence < c.config.ConfidenceFloor {
			res.Filtered++
			continue
		}

		trackID := c.registry.Resolve(raw.NativeID, modelType, ts)
		if _, seen := latest[trackID]; seen {
			res.Duplicates++
		} else {
			order = append(order, trackID)
		}
		latest[trackID] = pendingUpdate{raw: raw, level: c.threatLevelFor(raw)}
	}

	touched := make(map[string]bool, len(order))

	for _, trackID := range order {
		u := latest[trackID]
		touched[trackID] = true

		state, exists := c.states[trackID]
		if !exists {
			state = &models.ObjectState{
				TrackID:     trackID,
				NativeID:    u.raw.NativeID,
				ModelType:   modelType,
				FirstSeenAt: ts,
			}
			c.states[trackID] = state
			c.totalUnique++
		}

		state.Label = u.raw.Label
		state.Confidence = *u.raw.Confidence
		state.BBox = *u.raw.BBox
		state.ThreatLevel = u.level
		state.FramesSeen++
		state.LastSeenAt = ts
		state.Metadata = c.metadataFor(u)

		if !exists {
			c.recordAlert(state, ts)
		}

		if state.FramesSeen < c.config.MinFrames {
			continue
		}

		reason := detector.Reason(state.LastPublished, state.Snapshot(), c.config.Thresholds)
		if reason == detector.ReasonUnchanged {
			res.Suppressed++
			c.totalSuppressed++
			continue
		}

		snap := state.Snapshot()
		state.LastPublished = &snap
		res.Publishable = append(res.Publishable, models.NewDetectionEvent(state, ts, reason))
		c.totalPublished++
	}

	for trackID, state := range c.states {
		if touched[trackID] {
			continue
		}
		if ts.Sub(state.LastSeenAt) > c.config.Expiry {
			res.Disappeared = append(res.Disappeared, trackID)
			delete(c.states, trackID)
			c.registry.Release(state.NativeID, state.ModelType, trackID)
			c.totalGone++
			log.Printf("[Tracking] Track %s (%s) disappeared after %d frames", trackID, state.Label, state.FramesSeen)
		}
	}
	sort.Strings(res.Disappeared)

	c.totalSkipped += uint64(res.Skipped)

	return res
}

func (c *Coordinator) threatLevelFor(raw models.RawDetection) models.ThreatLevel {
	if !c.ThreatAware() {
		return models.ThreatNone
	}

	// Validate has already rejected unparseable levels
	level, _ := models.ParseThreatLevel(raw.ThreatLevel)
	if level == models.ThreatNone {
		if c.classifier != nil {
			return c.classifier.Classify(raw.Label)
		}
		return models.ThreatNormal
	}
	return level
}

func (c *Coordinator) metadataFor(u pendingUpdate) map[string]any {
	md := make(map[string]any, len(u.raw.Extra)+4)
	for k, v := range u.raw.Extra {
		md[k] = v
	}

	md["native_id"] = u.raw.NativeID

	caps := c.config.Capabilities
	if caps.ProducesThreatLevel {
		md["threat_level"] = string(u.level)
		md["suspicious_indicators"] = threat.SuspiciousIndicators(u.level, *u.raw.Confidence)
	}
	if caps.ProducesClassID && u.raw.ClassID != nil {
		md["class_id"] = *u.raw.ClassID
	}
	if caps.ProducesMask && u.raw.MaskArea != nil {
		md["mask_area"] = *u.raw.MaskArea
	}

	return md
}

func (c *Coordinator) recordAlert(state *models.ObjectState, ts time.Time) {
	if state.ThreatLevel != models.ThreatHigh && state.ThreatLevel != models.ThreatMedium {
		return
	}

	stamp := models.FormatTimestamp(ts)
	c.alerts = append(c.alerts, models.ThreatAlert{
		AlertID:       fmt.Sprintf("%s_%s", state.TrackID, stamp),
		TrackID:       state.TrackID,
		Label:         state.Label,
		ThreatLevel:   state.ThreatLevel,
		Confidence:    state.Confidence,
		FirstDetected: stamp,
		BBox:          state.BBox,
		Status:        "active",
	})

	if len(c.alerts) > MaxThreatAlerts {
		c.alerts = c.alerts[len(c.alerts)-MaxThreatAlerts:]
	}

	log.Printf("[Tracking] %s threat alert: %s (%s, conf %.2f)", state.ThreatLevel, state.Label, state.TrackID, state.Confidence)
}

// LiveStates returns copies of all live tracks ordered by track id
func (c *Coordinator) LiveStates() []models.ObjectState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]models.ObjectState, 0, len(c.states))
	for _, s := range c.states {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TrackID < result[j].TrackID })
	return result
}

// ActiveCount returns the number of live tracks
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Analytics summarises the session so far
func (c *Coordinator) Analytics() models.Analytics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := models.Analytics{
		TotalUniqueObjects:   c.totalUnique,
		TotalFramesProcessed: c.framesProcessed,
		ActiveObjectsCount:   len(c.states),
		LabelDistribution:    make(map[string]int),
		SkippedDetections:    c.totalSkipped,
		PublishedEvents:      c.totalPublished,
		SuppressedEvents:     c.totalSuppressed,
		DisappearedTracks:    c.totalGone,
	}

	if c.ThreatAware() {
		a.ThreatDistribution = make(map[models.ThreatLevel]int)
	}

	for _, s := range c.states {
		a.LabelDistribution[s.Label]++
		if a.ThreatDistribution != nil && s.ThreatLevel != models.ThreatNone {
			a.ThreatDistribution[s.ThreatLevel]++
		}
		if s.ThreatLevel == models.ThreatHigh || s.ThreatLevel == models.ThreatMedium {
			a.ActiveThreatCount++
		}
	}

	if len(c.alerts) > 0 {
		a.ThreatAlerts = append([]models.ThreatAlert(nil), c.alerts...)
	}

	return a
}
