package monitor

import (
	"sort"
	"strings"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/kpi"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// AlertFilter narrows the alert view. Empty fields match everything.
type AlertFilter struct {
	Site     string            `json:"site,omitempty"`
	Status   model.AlertStatus `json:"status,omitempty"`
	Priority model.Severity    `json:"priority,omitempty"`
	Type     string            `json:"type,omitempty"`
	Search   string            `json:"search,omitempty"`
}

// SortField names the attribute the view is ordered by
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByPriority  SortField = "priority"
	SortByStatus    SortField = "status"
	SortByLocation  SortField = "location"
)

// SortOptions orders the alert view. The zero value sorts newest first.
type SortOptions struct {
	Field     SortField `json:"field,omitempty"`
	Ascending bool      `json:"ascending,omitempty"`
}

// statusRank orders statuses along the triage lifecycle
func statusRank(s model.AlertStatus) int {
	switch s {
	case model.AlertStatusOpen:
		return 0
	case model.AlertStatusInvestigating:
		return 1
	case model.AlertStatusAcknowledged:
		return 2
	case model.AlertStatusResolved:
		return 3
	}
	return 4
}

func (f AlertFilter) matches(a *model.Alert) bool {
	if f.Site != "" && a.SiteID != f.Site {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Search == "" {
		return true
	}

	q := strings.ToLower(f.Search)
	for _, field := range []string{a.ID, a.Title, a.Message, a.Location, a.Camera, a.Type, a.AssignedTo} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// List returns copies of the alerts matching filter, ordered by opts. The
// managed collection is never reordered.
func (m *AlertManager) List(filter AlertFilter, opts SortOptions) []*model.Alert {
	m.mu.RLock()
	view := make([]*model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if filter.matches(a) {
			view = append(view, a.Clone())
		}
	}
	m.mu.RUnlock()

	sortAlerts(view, opts)
	return view
}

// compareAlerts returns <0, 0 or >0 comparing a and b in ascending order of field
func compareAlerts(a, b *model.Alert, field SortField) int {
	switch field {
	case SortByPriority:
		return a.Priority.Rank() - b.Priority.Rank()
	case SortByStatus:
		return statusRank(a.Status) - statusRank(b.Status)
	case SortByLocation:
		return strings.Compare(a.Location, b.Location)
	}
	return a.Timestamp.Compare(b.Timestamp)
}

func sortAlerts(alerts []*model.Alert, opts SortOptions) {
	field := opts.Field
	if field == "" {
		field = SortByTimestamp
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		c := compareAlerts(alerts[i], alerts[j], field)
		if c == 0 {
			// newest first, then id, keeps the view deterministic
			if t := alerts[i].Timestamp.Compare(alerts[j].Timestamp); t != 0 {
				return t > 0
			}
			return alerts[i].ID < alerts[j].ID
		}
		if opts.Ascending {
			return c < 0
		}
		return c > 0
	})
}

// Summary tallies unresolved alerts of a site by priority bucket. An empty
// site tallies every alert.
func (m *AlertManager) Summary(site string) model.AlertMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if site != "" && a.SiteID != site {
			continue
		}
		if a.Status != model.AlertStatusResolved {
			active = append(active, a)
		}
	}
	return kpi.TallyAlerts(active)
}
