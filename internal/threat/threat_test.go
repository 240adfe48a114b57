package threat

import (
	"testing"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func statesWith(levels ...models.ThreatLevel) []models.ObjectState {
	states := make([]models.ObjectState, len(levels))
	for i, l := range levels {
		states[i] = models.ObjectState{TrackID: string(rune('a' + i)), ThreatLevel: l}
	}
	return states
}

func TestSummarize_MixedLevels(t *testing.T) {
	got := Summarize(statesWith(models.ThreatHigh, models.ThreatMedium, models.ThreatLow))

	want := models.ThreatSummary{
		TotalThreats: 3,
		ThreatDistribution: map[models.ThreatLevel]int{
			models.ThreatHigh:   1,
			models.ThreatMedium: 1,
			models.ThreatLow:    1,
		},
		AlertLevel: models.ThreatHigh,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize_Empty(t *testing.T) {
	got := Summarize(nil)

	assert.Equal(t, 0, got.TotalThreats)
	assert.NotNil(t, got.ThreatDistribution)
	assert.Empty(t, got.ThreatDistribution)
	assert.Equal(t, models.ThreatNormal, got.AlertLevel)
}

func TestSummarize_NormalAndUnclassified(t *testing.T) {
	got := Summarize(statesWith(models.ThreatNormal, models.ThreatNone, models.ThreatNormal))

	assert.Equal(t, 0, got.TotalThreats)
	assert.Equal(t, map[models.ThreatLevel]int{models.ThreatNormal: 2}, got.ThreatDistribution)
	assert.Equal(t, models.ThreatNormal, got.AlertLevel)
}

func TestSummarize_AlertIsMaxSeverity(t *testing.T) {
	assert.Equal(t, models.ThreatMedium, Summarize(statesWith(models.ThreatLow, models.ThreatMedium, models.ThreatLow)).AlertLevel)
	assert.Equal(t, models.ThreatLow, Summarize(statesWith(models.ThreatNormal, models.ThreatLow)).AlertLevel)
}

func TestSummarize_Idempotent(t *testing.T) {
	states := statesWith(models.ThreatHigh, models.ThreatHigh, models.ThreatNormal, models.ThreatLow)

	first := Summarize(states)
	second := Summarize(states)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second Summarize() differs:\n%s", diff)
	}
}

func TestClassifier_DefaultTable(t *testing.T) {
	c := NewClassifier()

	assert.Equal(t, models.ThreatHigh, c.Classify("weapon"))
	assert.Equal(t, models.ThreatMedium, c.Classify("Backpack"))
	assert.Equal(t, models.ThreatLow, c.Classify("person"))
	assert.Equal(t, models.ThreatNormal, c.Classify("bench"))
	assert.Equal(t, models.ThreatNormal, c.Classify("giraffe"))
}

func TestClassifier_CustomClasses(t *testing.T) {
	c := NewClassifier("drone", " Drone ", "knife")

	assert.Equal(t, models.ThreatMedium, c.Classify("drone"))
	// existing classes are not downgraded
	assert.Equal(t, models.ThreatHigh, c.Classify("knife"))
	assert.False(t, c.AddClass("", models.ThreatHigh))
}

func TestSuspiciousIndicators(t *testing.T) {
	assert.Equal(t, []string{"high_confidence_weapon_detection"}, SuspiciousIndicators(models.ThreatHigh, 0.9))
	assert.Equal(t, []string{"uncertain_threat_requires_validation"}, SuspiciousIndicators(models.ThreatHigh, 0.3))
	assert.Equal(t, []string{"suspicious_object_detected"}, SuspiciousIndicators(models.ThreatMedium, 0.6))
	assert.Empty(t, SuspiciousIndicators(models.ThreatLow, 0.99))
}
