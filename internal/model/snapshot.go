package model

import "time"

// Progress trends
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

type SafetyMetrics struct {
	Score           float64 `json:"score"`
	Confidence      float64 `json:"confidence"`
	RecentIncidents int     `json:"recent_incidents"`
	TotalEvents     int     `json:"total_events"`
}

type PPEMetrics struct {
	Compliance    int     `json:"compliance"`
	Violations    int     `json:"violations"`
	Total         int     `json:"total"`
	ViolationRate float64 `json:"violation_rate"`
}

type PersonnelMetrics struct {
	Count       int        `json:"count"`
	ActiveZones int        `json:"active_zones"`
	LastUpdate  *time.Time `json:"last_update"`
}

type EquipmentMetrics struct {
	Active       int        `json:"active"`
	Types        []string   `json:"types"`
	LastActivity *time.Time `json:"last_activity"`
}

type ProgressMetrics struct {
	Completion       int    `json:"completion"`
	Milestones       int    `json:"milestones"`
	RecentMilestones int    `json:"recent_milestones"`
	Trend            string `json:"trend"`
}

type AlertMetrics struct {
	Critical       int `json:"critical"`
	High           int `json:"high"`
	Medium         int `json:"medium"`
	Total          int `json:"total"`
	NeedsImmediate int `json:"needs_immediate"`
}

// DashboardMetricsSnapshot is the full KPI set of one aggregation cycle.
// Snapshots are ephemeral and superseded by the next cycle.
type DashboardMetricsSnapshot struct {
	Safety         SafetyMetrics    `json:"safety"`
	PPE            PPEMetrics       `json:"ppe"`
	Personnel      PersonnelMetrics `json:"personnel"`
	Equipment      EquipmentMetrics `json:"equipment"`
	Progress       ProgressMetrics  `json:"progress"`
	Alerts         AlertMetrics     `json:"alerts"`
	Coordinates    Coordinates      `json:"coordinates"`
	LastCalculated time.Time        `json:"last_calculated"`
}
