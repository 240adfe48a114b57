// Package threat classifies detections and summarises the threat picture of
// an entity's live tracks.
package threat

import (
	"github.com/constellation-overwatch/overwatch-isr/internal/models"
)

// Summarize recomputes the threat summary from the full live state set.
// It keeps no counters between calls, so the result depends only on states.
func Summarize(states []models.ObjectState) models.ThreatSummary {
	summary := models.ThreatSummary{
		ThreatDistribution: make(map[models.ThreatLevel]int),
		AlertLevel:         models.ThreatNormal,
	}

	for i := range states {
		level := states[i].ThreatLevel
		if level == models.ThreatNone {
			continue
		}

		summary.ThreatDistribution[level]++

		if level.IsThreat() {
			summary.TotalThreats++
		}

		if level.Severity() > summary.AlertLevel.Severity() {
			summary.AlertLevel = level
		}
	}

	return summary
}
