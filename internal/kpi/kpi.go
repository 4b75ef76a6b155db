// Package kpi reduces a window of site events into dashboard KPIs.
//
// Every calculator is a pure function of its arguments: callers pass the
// evaluation instant explicitly so repeated calls on the same input agree.
// Calculators never panic on empty input and skip events that lack the
// fields they read.
package kpi

import (
	"math"
	"time"
)

// Default windows
const (
	DefaultPPEWindowHours = 24
	PersonnelWindow       = 30 * time.Minute
	EquipmentWindow       = 60 * time.Minute
	IncidentWindow        = 24 * time.Hour
	TrendWindow           = 7 * 24 * time.Hour
)

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// inWindow reports whether ts falls in the trailing window ending at now
func inWindow(ts, now time.Time, window time.Duration) bool {
	return !ts.IsZero() && !ts.Before(now.Add(-window))
}
