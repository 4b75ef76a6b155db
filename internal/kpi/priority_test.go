package kpi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

func TestCalculateAlertPriority(t *testing.T) {
	evs := append(events(2, model.DetectionSafetyHazard, model.SeverityCritical, 0),
		events(3, model.DetectionPPEViolation, model.SeverityHigh, 0)...)
	evs = append(evs, events(1, model.DetectionWeatherAlert, model.SeverityMedium, 0)...)
	evs = append(evs, events(4, model.DetectionPersonnelCount, model.SeverityLow, 0)...)
	evs = append(evs, event("bad", model.DetectionSafetyHazard, "extreme", 0))

	got := CalculateAlertPriority(evs)
	assert.Equal(t, model.AlertMetrics{
		Critical:       2,
		High:           3,
		Medium:         1,
		Total:          10,
		NeedsImmediate: 5,
	}, got)
}

func TestTallyAlerts(t *testing.T) {
	alerts := []*model.Alert{
		{ID: "1", Priority: model.SeverityCritical},
		{ID: "2", Priority: model.SeverityLow},
		{ID: "3", Priority: model.SeverityMedium},
		nil,
	}

	got := TallyAlerts(alerts)
	assert.Equal(t, model.AlertMetrics{Critical: 1, Medium: 1, Total: 3, NeedsImmediate: 1}, got)
}
