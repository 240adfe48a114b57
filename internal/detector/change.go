// Package detector decides whether a track's latest state differs enough from
// what was last published to be worth another event.
package detector

import (
	"math"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
)

const (
	DefaultMovementThreshold   = 0.05
	DefaultConfidenceThreshold = 0.10
)

// Reasons returned by Reason, in evaluation order
const (
	ReasonAppeared          = "appeared"
	ReasonLabelChanged      = "label_changed"
	ReasonThreatChanged     = "threat_changed"
	ReasonMoved             = "moved"
	ReasonConfidenceChanged = "confidence_changed"
	ReasonUnchanged         = "unchanged"
)

// Thresholds configures the publish gate
type Thresholds struct {
	MovementThreshold   float64 // bbox centre displacement, normalised units
	ConfidenceThreshold float64 // absolute confidence delta
	ThreatAware         bool    // compare threat levels
}

// DefaultThresholds returns the standard gate for a model
func DefaultThresholds(threatAware bool) Thresholds {
	return Thresholds{
		MovementThreshold:   DefaultMovementThreshold,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		ThreatAware:         threatAware,
	}
}

// ShouldPublish reports whether current differs from previous enough to publish
func ShouldPublish(previous *models.Snapshot, current models.Snapshot, t Thresholds) bool {
	return Reason(previous, current, t) != ReasonUnchanged
}

// Reason returns the first rule that fires, or ReasonUnchanged.
// New objects, label changes and threat transitions always fire.
func Reason(previous *models.Snapshot, current models.Snapshot, t Thresholds) string {
	if previous == nil {
		return ReasonAppeared
	}

	if current.Label != previous.Label {
		return ReasonLabelChanged
	}

	if t.ThreatAware && current.ThreatLevel != previous.ThreatLevel {
		return ReasonThreatChanged
	}

	if CenterDisplacement(previous.BBox, current.BBox) > t.MovementThreshold {
		return ReasonMoved
	}

	if math.Abs(current.Confidence-previous.Confidence) > t.ConfidenceThreshold {
		return ReasonConfidenceChanged
	}

	return ReasonUnchanged
}

// CenterDisplacement is the Euclidean distance between the two box centres
func CenterDisplacement(a, b models.BoundingBox) float64 {
	ax, ay := a.Center()
	bx, by := b.Center()
	return math.Hypot(bx-ax, by-ay)
}
