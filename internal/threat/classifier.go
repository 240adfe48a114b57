package threat

import (
	"log"
	"strings"
	"sync"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
)

// Default C4ISR class table
var defaultClasses = map[models.ThreatLevel][]string{
	models.ThreatHigh:   {"weapon", "knife", "gun", "rifle", "pistol", "explosive", "bomb"},
	models.ThreatMedium: {"suspicious package", "unattended bag", "backpack", "suitcase", "unauthorized vehicle", "truck", "van"},
	models.ThreatLow:    {"person", "car", "bicycle", "motorcycle", "dog"},
	models.ThreatNormal: {"traffic light", "stop sign", "bench", "bird", "cat"},
}

// Classifier maps detection labels onto threat levels
type Classifier struct {
	mu      sync.RWMutex
	classes map[string]models.ThreatLevel
}

// NewClassifier builds the default table plus any custom classes, which are
// registered as MEDIUM unless they already exist.
func NewClassifier(custom ...string) *Classifier {
	c := &Classifier{classes: make(map[string]models.ThreatLevel)}

	for level, labels := range defaultClasses {
		for _, label := range labels {
			c.classes[label] = level
		}
	}

	for _, label := range custom {
		c.AddClass(label, models.ThreatMedium)
	}

	return c
}

// AddClass registers a custom class. Existing classes keep their level.
func (c *Classifier) AddClass(label string, level models.ThreatLevel) bool {
	label = normaliseLabel(label)
	if label == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.classes[label]; exists {
		return false
	}
	c.classes[label] = level
	log.Printf("[Threat] Added custom threat class: %s (%s)", label, level)
	return true
}

// Classify returns the level for a label, NORMAL when unknown
func (c *Classifier) Classify(label string) models.ThreatLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if level, ok := c.classes[normaliseLabel(label)]; ok {
		return level
	}
	return models.ThreatNormal
}

// Classes returns the number of known classes
func (c *Classifier) Classes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.classes)
}

func normaliseLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// SuspiciousIndicators flags detections that warrant operator attention
func SuspiciousIndicators(level models.ThreatLevel, confidence float64) []string {
	indicators := []string{}

	if level == models.ThreatHigh && confidence > 0.7 {
		indicators = append(indicators, "high_confidence_weapon_detection")
	}

	if level == models.ThreatMedium && confidence > 0.5 {
		indicators = append(indicators, "suspicious_object_detected")
	}

	if level == models.ThreatHigh && confidence < 0.5 {
		indicators = append(indicators, "uncertain_threat_requires_validation")
	}

	return indicators
}
