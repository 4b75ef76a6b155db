package model

import "time"

// AlertStatus represents where an alert is in its triage lifecycle
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "open"
	AlertStatusInvestigating AlertStatus = "investigating"
	AlertStatusAcknowledged  AlertStatus = "acknowledged"
	AlertStatusResolved      AlertStatus = "resolved"
)

// Valid reports whether s is a known alert status
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusInvestigating, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// Unassigned is the assignee of every freshly ingested alert
const Unassigned = "unassigned"

// Alert is an actionable notification with its own lifecycle
type Alert struct {
	ID                  string      `json:"id"`
	SiteID              string      `json:"site_id,omitempty"`
	Type                string      `json:"type"`
	Priority            Severity    `json:"priority"`
	Title               string      `json:"title"`
	Message             string      `json:"message"`
	Location            string      `json:"location"`
	Camera              string      `json:"camera"`
	Status              AlertStatus `json:"status"`
	AssignedTo          string      `json:"assigned_to"`
	Timestamp           time.Time   `json:"timestamp"`
	ResponseTimeMinutes *int        `json:"response_time_minutes"`
	Evidence            []string    `json:"evidence,omitempty"`
}

// Clone returns a deep copy so callers cannot reach managed state
func (a *Alert) Clone() *Alert {
	c := *a
	if a.ResponseTimeMinutes != nil {
		v := *a.ResponseTimeMinutes
		c.ResponseTimeMinutes = &v
	}
	if a.Evidence != nil {
		c.Evidence = append([]string(nil), a.Evidence...)
	}
	return &c
}

// AlertTransition is one recorded change applied to an alert
type AlertTransition struct {
	ID                  string      `json:"id"`
	AlertID             string      `json:"alert_id"`
	Action              string      `json:"action"`
	FromStatus          AlertStatus `json:"from_status,omitempty"`
	ToStatus            AlertStatus `json:"to_status,omitempty"`
	AssignedTo          string      `json:"assigned_to,omitempty"`
	ResponseTimeMinutes *int        `json:"response_time_minutes,omitempty"`
	OccurredAt          time.Time   `json:"occurred_at"`
}
