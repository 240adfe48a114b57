package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ThreatLevel is the discrete severity attached to detections in threat-aware mode
type ThreatLevel string

const (
	ThreatNone   ThreatLevel = ""
	ThreatNormal ThreatLevel = "NORMAL"
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

// Severity orders threat levels; absent and unknown levels rank below NORMAL.
func (t ThreatLevel) Severity() int {
	switch t {
	case ThreatHigh:
		return 4
	case ThreatMedium:
		return 3
	case ThreatLow:
		return 2
	case ThreatNormal:
		return 1
	default:
		return 0
	}
}

// IsThreat reports whether the level counts towards total_threats
func (t ThreatLevel) IsThreat() bool {
	return t.Severity() >= ThreatLow.Severity()
}

// ParseThreatLevel accepts both the short form ("HIGH") and the model form ("HIGH_THREAT").
func ParseThreatLevel(s string) (ThreatLevel, error) {
	normalised := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "_THREAT")
	switch ThreatLevel(normalised) {
	case ThreatNone:
		return ThreatNone, nil
	case ThreatNormal, ThreatLow, ThreatMedium, ThreatHigh:
		return ThreatLevel(normalised), nil
	}
	return ThreatNone, fmt.Errorf("unknown threat level %q", s)
}

// BoundingBox holds normalised [0,1] coordinates
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

var ErrInvalidBoundingBox = errors.New("invalid bounding box")

func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: coordinate %v outside [0,1]", ErrInvalidBoundingBox, v)
		}
	}
	if b.XMin >= b.XMax || b.YMin >= b.YMax {
		return fmt.Errorf("%w: min must be below max", ErrInvalidBoundingBox)
	}
	return nil
}

// Center returns the centre point of the box
func (b BoundingBox) Center() (float64, float64) {
	return (b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2
}

// Area in normalised units
func (b BoundingBox) Area() float64 {
	return (b.XMax - b.XMin) * (b.YMax - b.YMin)
}

// RawDetection is one model output entry for one frame. Pointer fields are
// optional on the wire so a missing field can be told apart from a zero value.
type RawDetection struct {
	NativeID    any            `json:"native_id"`
	Label       string         `json:"label"`
	Confidence  *float64       `json:"confidence"`
	BBox        *BoundingBox   `json:"bbox"`
	ThreatLevel string         `json:"threat_level,omitempty"`
	ClassID     *int           `json:"class_id,omitempty"`
	MaskArea    *float64       `json:"mask_area,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

var ErrMalformedDetection = errors.New("malformed detection")

// Validate checks the fields every detection must carry
func (d RawDetection) Validate() error {
	if d.NativeID == nil {
		return fmt.Errorf("%w: missing native_id", ErrMalformedDetection)
	}
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("%w: missing label", ErrMalformedDetection)
	}
	if d.Confidence == nil {
		return fmt.Errorf("%w: missing confidence", ErrMalformedDetection)
	}
	if c := *d.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDetection, c)
	}
	if d.BBox == nil {
		return fmt.Errorf("%w: missing bbox", ErrMalformedDetection)
	}
	if err := d.BBox.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDetection, err)
	}
	if _, err := ParseThreatLevel(d.ThreatLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDetection, err)
	}
	return nil
}

// Frame is the per-frame model output delivered to a session
type Frame struct {
	EntityID   string         `json:"entity_id,omitempty"`
	ModelType  string         `json:"model_type,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Detections []RawDetection `json:"detections"`
}
