package kpi

import (
	"fmt"
	"time"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func conf(v float64) *float64 { return &v }

func event(id string, typ model.DetectionType, sev model.Severity, age time.Duration) model.Event {
	return model.Event{
		ID:            id,
		DetectionType: typ,
		Severity:      sev,
		CameraID:      "cam-1",
		Timestamp:     testNow.Add(-age),
	}
}

func events(n int, typ model.DetectionType, sev model.Severity, age time.Duration) []model.Event {
	out := make([]model.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, event(fmt.Sprintf("%s-%d", typ, i), typ, sev, age))
	}
	return out
}
