package kpi

import (
	"regexp"
	"strconv"
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// personnelPattern pulls a head count out of descriptions such as
// "3 personnel detected in Zone A". This is a weak heuristic; switch to a
// structured count field once the event schema carries one.
var personnelPattern = regexp.MustCompile(`(?i)(\d+)\s+personnel`)

// ParsePersonnelCount extracts "<N> personnel" from a description.
// Descriptions without a count stand for a single person.
func ParsePersonnelCount(description string) int {
	m := personnelPattern.FindStringSubmatch(description)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 1
	}
	return n
}

// CalculatePersonnelCount sums personnel seen in the last 30 minutes
func CalculatePersonnelCount(events []model.Event, now time.Time) model.PersonnelMetrics {
	var metrics model.PersonnelMetrics
	zones := make(map[string]struct{})

	for i := range events {
		e := &events[i]
		if e.DetectionType != model.DetectionPersonnelCount || !inWindow(e.Timestamp, now, PersonnelWindow) {
			continue
		}
		metrics.Count += ParsePersonnelCount(e.Description)
		if e.CameraID != "" {
			zones[e.CameraID] = struct{}{}
		}
		if metrics.LastUpdate == nil || e.Timestamp.After(*metrics.LastUpdate) {
			ts := e.Timestamp
			metrics.LastUpdate = &ts
		}
	}

	metrics.ActiveZones = len(zones)
	return metrics
}
