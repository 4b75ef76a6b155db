package kpi

import (
	"math"
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

const (
	complianceFloor = 60
	complianceBonus = 2
)

// CalculatePPECompliance reports PPE compliance over the trailing
// timeWindowHours. Both personnel counts and PPE violations count as
// observed personnel. A non-positive window falls back to 24 hours.
func CalculatePPECompliance(events []model.Event, now time.Time, timeWindowHours int) model.PPEMetrics {
	if timeWindowHours <= 0 {
		timeWindowHours = DefaultPPEWindowHours
	}
	window := time.Duration(timeWindowHours) * time.Hour

	violations, personnel := 0, 0
	for i := range events {
		e := &events[i]
		if !inWindow(e.Timestamp, now, window) {
			continue
		}
		switch e.DetectionType {
		case model.DetectionPPEViolation:
			violations++
			personnel++
		case model.DetectionPersonnelCount:
			personnel++
		}
	}

	if personnel == 0 {
		return model.PPEMetrics{Compliance: 100}
	}

	rate := float64(violations) / float64(personnel)
	compliance := math.Max(complianceFloor, 100-rate*100)
	if violations == 0 {
		compliance = math.Min(100, compliance+complianceBonus)
	}

	return model.PPEMetrics{
		Compliance:    int(math.Round(clamp(compliance, complianceFloor, 100))),
		Violations:    violations,
		Total:         personnel,
		ViolationRate: rate,
	}
}
