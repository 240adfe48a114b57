package models

import (
	"time"
)

// EventType is carried in both the payload and the Event-Type header
type EventType string

const (
	EventDetection    EventType = "detection"
	EventBootSequence EventType = "bootsequence"
	EventShutdown     EventType = "shutdown"
)

// FormatTimestamp renders timestamps the way downstream consumers parse them
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Event is the wrapper published on constellation.events.isr.{org}.{entity}.
// Detection events carry Detection; lifecycle events leave it nil.
type Event struct {
	Timestamp string            `json:"timestamp"`
	EventType EventType         `json:"event_type"`
	EntityID  string            `json:"entity_id"`
	DeviceID  string            `json:"device_id"`
	Detection *DetectionPayload `json:"detection,omitempty"`

	// Lifecycle-only fields
	Message     string             `json:"message,omitempty"`
	Fingerprint *DeviceFingerprint `json:"fingerprint,omitempty"`
	Analytics   *Analytics         `json:"final_analytics,omitempty"`
}

// DetectionPayload is the standardised detection body shared by every model
type DetectionPayload struct {
	TrackID    string         `json:"track_id"`
	ModelType  string         `json:"model_type"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	BBox       BoundingBox    `json:"bbox"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
}

// ThreatSummary is recomputed from the live state set every cycle
type ThreatSummary struct {
	TotalThreats       int                 `json:"total_threats"`
	ThreatDistribution map[ThreatLevel]int `json:"threat_distribution"`
	AlertLevel         ThreatLevel         `json:"alert_level"`
}

// ThreatAlert records the first sighting of a HIGH or MEDIUM track
type ThreatAlert struct {
	AlertID       string      `json:"alert_id"`
	TrackID       string      `json:"track_id"`
	Label         string      `json:"label"`
	ThreatLevel   ThreatLevel `json:"threat_level"`
	Confidence    float64     `json:"confidence"`
	FirstDetected string      `json:"first_detected"`
	BBox          BoundingBox `json:"bbox"`
	Status        string      `json:"status"`
}

// Analytics are the per-entity summary metrics stored alongside detections
type Analytics struct {
	TotalUniqueObjects   uint64              `json:"total_unique_objects"`
	TotalFramesProcessed uint64              `json:"total_frames_processed"`
	ActiveObjectsCount   int                 `json:"active_objects_count"`
	LabelDistribution    map[string]int      `json:"label_distribution"`
	ThreatDistribution   map[ThreatLevel]int `json:"threat_distribution,omitempty"`
	ActiveThreatCount    int                 `json:"active_threat_count"`
	SkippedDetections    uint64              `json:"skipped_detections"`
	PublishedEvents      uint64              `json:"published_events"`
	SuppressedEvents     uint64              `json:"suppressed_events"`
	DisappearedTracks    uint64              `json:"disappeared_tracks"`
	ThreatAlerts         []ThreatAlert       `json:"threat_alerts,omitempty"`
}

// EntityState is the consolidated KV record at key {entity_id}
type EntityState struct {
	Timestamp  string              `json:"timestamp"`
	EntityID   string              `json:"entity_id"`
	DeviceID   string              `json:"device_id"`
	Detections map[string]Snapshot `json:"detections"`
	Analytics  *Analytics          `json:"analytics,omitempty"`
	Threat     *ThreatSummary      `json:"threat,omitempty"`
}

// DeviceFingerprint identifies the edge device in bootsequence events
type DeviceFingerprint struct {
	DeviceID        string             `json:"device_id"`
	OrganizationID  string             `json:"organization_id"`
	EntityID        string             `json:"entity_id"`
	Hostname        string             `json:"hostname"`
	MACAddress      string             `json:"mac_address"`
	Platform        map[string]string  `json:"platform"`
	Component       ComponentInfo      `json:"component"`
	System          map[string]float64 `json:"system,omitempty"`
	FingerprintedAt string             `json:"fingerprinted_at"`
}

// ComponentInfo describes the detection component running on the device
type ComponentInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	Mode         string   `json:"mode"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}
