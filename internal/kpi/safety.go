package kpi

import (
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

const incidentPenalty = 0.5

// CalculateSafetyScore derives a 0-10 safety score from detection confidence,
// penalised by critical and high severity events of the last 24 hours.
func CalculateSafetyScore(events []model.Event, now time.Time) model.SafetyMetrics {
	var sum float64
	var scored int
	for i := range events {
		if c, ok := events[i].Confidence(); ok {
			sum += c
			scored++
		}
	}
	if scored == 0 {
		return model.SafetyMetrics{}
	}

	mean := sum / float64(scored)
	raw := round1(mean * 10)

	recent := 0
	for i := range events {
		e := &events[i]
		if e.Severity != model.SeverityCritical && e.Severity != model.SeverityHigh {
			continue
		}
		if inWindow(e.Timestamp, now, IncidentWindow) {
			recent++
		}
	}

	score := clamp(raw-incidentPenalty*float64(recent), 0, 10)
	return model.SafetyMetrics{
		Score:           round1(score),
		Confidence:      mean,
		RecentIncidents: recent,
		TotalEvents:     len(events),
	}
}
