package kpi

import (
	"sort"
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// CalculateEquipmentMetrics reports equipment seen operating in the last hour
func CalculateEquipmentMetrics(events []model.Event, now time.Time) model.EquipmentMetrics {
	seen := make(map[string]struct{})
	var last *time.Time

	for i := range events {
		e := &events[i]
		if e.DetectionType != model.DetectionEquipmentOperation || !inWindow(e.Timestamp, now, EquipmentWindow) {
			continue
		}
		for _, id := range e.EquipmentInvolved {
			if id != "" {
				seen[id] = struct{}{}
			}
		}
		if last == nil || e.Timestamp.After(*last) {
			ts := e.Timestamp
			last = &ts
		}
	}

	types := make([]string, 0, len(seen))
	for id := range seen {
		types = append(types, id)
	}
	sort.Strings(types)

	return model.EquipmentMetrics{
		Active:       len(types),
		Types:        types,
		LastActivity: last,
	}
}
