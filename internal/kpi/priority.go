package kpi

import "github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"

func tally(m *model.AlertMetrics, s model.Severity) {
	switch s {
	case model.SeverityCritical:
		m.Critical++
	case model.SeverityHigh:
		m.High++
	case model.SeverityMedium:
		m.Medium++
	}
	m.Total++
}

// CalculateAlertPriority counts events by severity bucket
func CalculateAlertPriority(events []model.Event) model.AlertMetrics {
	var m model.AlertMetrics
	for i := range events {
		if !events[i].Severity.Valid() {
			continue
		}
		tally(&m, events[i].Severity)
	}
	m.NeedsImmediate = m.Critical + m.High
	return m
}

// TallyAlerts counts alerts by priority bucket
func TallyAlerts(alerts []*model.Alert) model.AlertMetrics {
	var m model.AlertMetrics
	for _, a := range alerts {
		if a == nil || !a.Priority.Valid() {
			continue
		}
		tally(&m, a.Priority)
	}
	m.NeedsImmediate = m.Critical + m.High
	return m
}
