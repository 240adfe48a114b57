package models

import (
	"maps"
	"time"
)

// Snapshot is an immutable copy of the fields the change detector compares.
// It holds no references into live state.
type Snapshot struct {
	Label       string      `json:"label"`
	Confidence  float64     `json:"confidence"`
	BBox        BoundingBox `json:"bbox"`
	ThreatLevel ThreatLevel `json:"threat_level,omitempty"`
	FramesSeen  uint64      `json:"frames_seen"`
}

// ObjectState is the live, mutable record for one track
type ObjectState struct {
	TrackID     string
	NativeID    any
	ModelType   string
	Label       string
	Confidence  float64
	BBox        BoundingBox
	ThreatLevel ThreatLevel
	FramesSeen  uint64

	// LastPublished is nil until the first event for this track goes out
	LastPublished *Snapshot

	FirstSeenAt time.Time
	LastSeenAt  time.Time

	Metadata map[string]any
}

// Snapshot copies the comparable fields by value
func (s *ObjectState) Snapshot() Snapshot {
	return Snapshot{
		Label:       s.Label,
		Confidence:  s.Confidence,
		BBox:        s.BBox,
		ThreatLevel: s.ThreatLevel,
		FramesSeen:  s.FramesSeen,
	}
}

// Clone returns a deep copy safe to hand outside the owning coordinator
func (s *ObjectState) Clone() ObjectState {
	c := *s
	if s.LastPublished != nil {
		lp := *s.LastPublished
		c.LastPublished = &lp
	}
	c.Metadata = maps.Clone(s.Metadata)
	return c
}

// DetectionEvent is the immutable record handed to the publisher
type DetectionEvent struct {
	TrackID     string
	NativeID    any
	ModelType   string
	Label       string
	Confidence  float64
	BBox        BoundingBox
	ThreatLevel ThreatLevel
	FramesSeen  uint64
	Timestamp   time.Time
	Reason      string
	Metadata    map[string]any
}

// NewDetectionEvent freezes the state as of the given frame
func NewDetectionEvent(s *ObjectState, at time.Time, reason string) DetectionEvent {
	return DetectionEvent{
		TrackID:     s.TrackID,
		NativeID:    s.NativeID,
		ModelType:   s.ModelType,
		Label:       s.Label,
		Confidence:  s.Confidence,
		BBox:        s.BBox,
		ThreatLevel: s.ThreatLevel,
		FramesSeen:  s.FramesSeen,
		Timestamp:   at,
		Reason:      reason,
		Metadata:    maps.Clone(s.Metadata),
	}
}

// Snapshot of the event as stored in the consolidated entity record
func (e DetectionEvent) Snapshot() Snapshot {
	return Snapshot{
		Label:       e.Label,
		Confidence:  e.Confidence,
		BBox:        e.BBox,
		ThreatLevel: e.ThreatLevel,
		FramesSeen:  e.FramesSeen,
	}
}
