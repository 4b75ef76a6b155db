package model

import (
	"math"
	"time"
)

// DetectionType classifies what a camera or inspection detected
type DetectionType string

const (
	DetectionPPEViolation       DetectionType = "ppe_violation"
	DetectionRestrictedAccess   DetectionType = "restricted_access"
	DetectionEquipmentOperation DetectionType = "equipment_operation"
	DetectionPersonnelCount     DetectionType = "personnel_count"
	DetectionSafetyHazard       DetectionType = "safety_hazard"
	DetectionProgressMilestone  DetectionType = "progress_milestone"
	DetectionWeatherAlert       DetectionType = "weather_alert"
)

// Valid reports whether t is a known detection type
func (t DetectionType) Valid() bool {
	switch t {
	case DetectionPPEViolation, DetectionRestrictedAccess, DetectionEquipmentOperation,
		DetectionPersonnelCount, DetectionSafetyHazard, DetectionProgressMilestone,
		DetectionWeatherAlert:
		return true
	}
	return false
}

// Severity is shared by events and alert priorities
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities: critical > high > medium > low. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Event is a single detection or inspection record. Events are produced
// upstream and never mutated once received.
type Event struct {
	ID                string        `json:"id"`
	DetectionType     DetectionType `json:"detection_type"`
	Severity          Severity      `json:"severity"`
	CameraID          string        `json:"camera_id"`
	Timestamp         time.Time     `json:"timestamp"`
	ConfidenceScore   *float64      `json:"confidence_score,omitempty"`
	Description       string        `json:"description,omitempty"`
	EquipmentInvolved []string      `json:"equipment_involved,omitempty"`
	Acknowledged      bool          `json:"acknowledged"`
	Resolved          bool          `json:"resolved"`
}

// Valid reports whether the fields every calculator relies on are present
func (e *Event) Valid() bool {
	return e.ID != "" && !e.Timestamp.IsZero() && e.DetectionType.Valid()
}

// Confidence returns the confidence score when it is present and within [0,1]
func (e *Event) Confidence() (float64, bool) {
	if e.ConfidenceScore == nil {
		return 0, false
	}
	c := *e.ConfidenceScore
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0, false
	}
	return c, true
}
