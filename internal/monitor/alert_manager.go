package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

var (
	// ErrAlertNotFound is returned when an alert id is not managed
	ErrAlertNotFound = errors.New("alert not found")

	// ErrDuplicateAlert is returned when an alert id is ingested twice
	ErrDuplicateAlert = errors.New("duplicate alert")

	// ErrInvalidStatus is returned for unknown status values
	ErrInvalidStatus = errors.New("invalid alert status")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidPriority is returned when an alert carries an unknown priority
	ErrInvalidPriority = errors.New("invalid alert priority")

	// ErrNilAlert is returned when Ingest is given no alert
	ErrNilAlert = errors.New("nil alert")
)

// Transition actions recorded to history
const (
	ActionIngest = "ingest"
	ActionStatus = "status"
	ActionAssign = "assign"
	ActionReopen = "reopen"
)

// transitions lists the statuses reachable through UpdateStatus. Going back
// to open is only possible through Reopen.
var transitions = map[model.AlertStatus][]model.AlertStatus{
	model.AlertStatusOpen:          {model.AlertStatusInvestigating, model.AlertStatusAcknowledged, model.AlertStatusResolved},
	model.AlertStatusInvestigating: {model.AlertStatusResolved, model.AlertStatusAcknowledged},
	model.AlertStatusAcknowledged:  {model.AlertStatusInvestigating, model.AlertStatusResolved},
	model.AlertStatusResolved:      {},
}

func canTransition(from, to model.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NotificationChannel receives a copy of every alert that changed
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// AlertHistory records alert transitions
type AlertHistory interface {
	Record(ctx context.Context, transition *model.AlertTransition) error
}

// BulkResult reports the outcome of a bulk operation per alert id
type BulkResult struct {
	Updated []*model.Alert
	Failed  map[string]error
}

// AlertManager owns the managed alert collection. All mutations, single and
// bulk, are serialised so overlapping updates never get lost.
type AlertManager struct {
	logger   *zap.Logger
	history  AlertHistory
	now      func() time.Time
	mu       sync.RWMutex
	alerts   map[string]*model.Alert
	selected map[string]struct{}
	channels map[string]NotificationChannel
}

// AlertManagerOption configures an AlertManager
type AlertManagerOption func(*AlertManager)

// WithAlertClock overrides the time source used for response times
func WithAlertClock(now func() time.Time) AlertManagerOption {
	return func(m *AlertManager) { m.now = now }
}

// WithAlertHistory records every transition to h
func WithAlertHistory(h AlertHistory) AlertManagerOption {
	return func(m *AlertManager) { m.history = h }
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *zap.Logger, opts ...AlertManagerOption) *AlertManager {
	m := &AlertManager{
		logger:   logger.Named("alert-manager"),
		now:      time.Now,
		alerts:   make(map[string]*model.Alert),
		selected: make(map[string]struct{}),
		channels: make(map[string]NotificationChannel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// Ingest adds a new alert. Whatever lifecycle fields the caller set, the
// alert enters as open, unassigned and without a response time.
func (m *AlertManager) Ingest(alert *model.Alert) (*model.Alert, error) {
	if alert == nil {
		return nil, ErrNilAlert
	}
	if !alert.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, alert.Priority)
	}

	a := alert.Clone()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := m.now()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.Status = model.AlertStatusOpen
	a.AssignedTo = model.Unassigned
	a.ResponseTimeMinutes = nil

	m.mu.Lock()
	if _, exists := m.alerts[a.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAlert, a.ID)
	}
	m.alerts[a.ID] = a
	out := a.Clone()
	m.mu.Unlock()

	m.logger.Info("Alert ingested",
		zap.String("id", a.ID),
		zap.String("type", a.Type),
		zap.String("priority", string(a.Priority)))

	m.afterChange([]*model.Alert{out}, []*model.AlertTransition{{
		AlertID:    a.ID,
		Action:     ActionIngest,
		ToStatus:   model.AlertStatusOpen,
		AssignedTo: model.Unassigned,
		OccurredAt: now,
	}})
	return out, nil
}

// Sync ingests alerts not yet managed. Alerts already under management keep
// their triage state. It returns the number of alerts added.
func (m *AlertManager) Sync(alerts []*model.Alert) int {
	added := 0
	for _, a := range alerts {
		if a == nil {
			continue
		}
		if a.ID != "" && m.has(a.ID) {
			continue
		}
		if _, err := m.Ingest(a); err != nil {
			if !errors.Is(err, ErrDuplicateAlert) {
				m.logger.Warn("Skipping malformed alert",
					zap.String("id", a.ID),
					zap.Error(err))
			}
			continue
		}
		added++
	}
	return added
}

// EventAlertID is the id of the alert derived from an event
func EventAlertID(eventID string) string {
	return "evt-" + eventID
}

// IngestEvents raises an alert for every high or critical event of a site
// that is neither acknowledged nor resolved. Each event raises at most one
// alert.
func (m *AlertManager) IngestEvents(siteID string, events []model.Event) int {
	var derived []*model.Alert
	for i := range events {
		e := &events[i]
		if !e.Valid() || e.Acknowledged || e.Resolved {
			continue
		}
		if e.Severity != model.SeverityCritical && e.Severity != model.SeverityHigh {
			continue
		}
		derived = append(derived, &model.Alert{
			ID:        EventAlertID(e.ID),
			SiteID:    siteID,
			Type:      string(e.DetectionType),
			Priority:  e.Severity,
			Title:     eventTitle(e.DetectionType),
			Message:   e.Description,
			Camera:    e.CameraID,
			Timestamp: e.Timestamp,
		})
	}
	return m.Sync(derived)
}

func eventTitle(t model.DetectionType) string {
	switch t {
	case model.DetectionPPEViolation:
		return "PPE violation"
	case model.DetectionRestrictedAccess:
		return "Restricted area access"
	case model.DetectionSafetyHazard:
		return "Safety hazard"
	case model.DetectionEquipmentOperation:
		return "Equipment operation"
	case model.DetectionWeatherAlert:
		return "Weather alert"
	}
	return string(t)
}

func (m *AlertManager) has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.alerts[id]
	return ok
}

// Get returns a copy of an alert
func (m *AlertManager) Get(id string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return a.Clone(), nil
}

// Count returns the number of managed alerts
func (m *AlertManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

// responseMinutes is the whole minutes between creation and now, never negative
func responseMinutes(created, now time.Time) int {
	minutes := int(now.Sub(created).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

// updateStatusLocked applies one status change. m.mu must be held.
func (m *AlertManager) updateStatusLocked(id string, status model.AlertStatus, now time.Time) (*model.Alert, *model.AlertTransition, error) {
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.Status == status {
		return a.Clone(), nil, nil
	}
	if !canTransition(a.Status, status) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, status)
	}

	from := a.Status
	a.Status = status
	if a.ResponseTimeMinutes == nil {
		rt := responseMinutes(a.Timestamp, now)
		a.ResponseTimeMinutes = &rt
	}

	out := a.Clone()
	return out, &model.AlertTransition{
		AlertID:             id,
		Action:              ActionStatus,
		FromStatus:          from,
		ToStatus:            status,
		AssignedTo:          a.AssignedTo,
		ResponseTimeMinutes: out.ResponseTimeMinutes,
		OccurredAt:          now,
	}, nil
}

func validateTarget(status model.AlertStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status == model.AlertStatusOpen {
		return fmt.Errorf("%w: use reopen to return an alert to open", ErrInvalidTransition)
	}
	return nil
}

// UpdateStatus moves an alert to a new status. The first move away from open
// fixes the response time; later moves never change it.
func (m *AlertManager) UpdateStatus(id string, status model.AlertStatus) (*model.Alert, error) {
	if err := validateTarget(status); err != nil {
		return nil, err
	}

	m.mu.Lock()
	out, tr, err := m.updateStatusLocked(id, status, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if tr != nil {
		m.logger.Info("Alert status updated",
			zap.String("id", id),
			zap.String("from", string(tr.FromStatus)),
			zap.String("to", string(status)))
		m.afterChange([]*model.Alert{out}, []*model.AlertTransition{tr})
	}
	return out, nil
}

// Reopen returns an alert to open and clears its response time so the next
// transition measures it again.
func (m *AlertManager) Reopen(id string) (*model.Alert, error) {
	now := m.now()

	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.Status == model.AlertStatusOpen {
		out := a.Clone()
		m.mu.Unlock()
		return out, nil
	}
	from := a.Status
	a.Status = model.AlertStatusOpen
	a.ResponseTimeMinutes = nil
	out := a.Clone()
	m.mu.Unlock()

	m.logger.Info("Alert reopened", zap.String("id", id), zap.String("from", string(from)))
	m.afterChange([]*model.Alert{out}, []*model.AlertTransition{{
		AlertID:    id,
		Action:     ActionReopen,
		FromStatus: from,
		ToStatus:   model.AlertStatusOpen,
		AssignedTo: out.AssignedTo,
		OccurredAt: now,
	}})
	return out, nil
}

func (m *AlertManager) assignLocked(id, assignee string, now time.Time) (*model.Alert, *model.AlertTransition, error) {
	a, ok := m.alerts[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	a.AssignedTo = assignee
	return a.Clone(), &model.AlertTransition{
		AlertID:    id,
		Action:     ActionAssign,
		FromStatus: a.Status,
		ToStatus:   a.Status,
		AssignedTo: assignee,
		OccurredAt: now,
	}, nil
}

func normalizeAssignee(assignee string) string {
	if assignee == "" {
		return model.Unassigned
	}
	return assignee
}

// Assign sets the assignee of an alert regardless of its status
func (m *AlertManager) Assign(id, assignee string) (*model.Alert, error) {
	assignee = normalizeAssignee(assignee)

	m.mu.Lock()
	out, tr, err := m.assignLocked(id, assignee, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("Alert assigned", zap.String("id", id), zap.String("assigned_to", assignee))
	m.afterChange([]*model.Alert{out}, []*model.AlertTransition{tr})
	return out, nil
}

// BulkUpdateStatus applies UpdateStatus to every id as one serialised
// operation. A failing id is reported and does not stop the others.
func (m *AlertManager) BulkUpdateStatus(ids []string, status model.AlertStatus) *BulkResult {
	result := &BulkResult{Failed: make(map[string]error)}
	if err := validateTarget(status); err != nil {
		for _, id := range ids {
			result.Failed[id] = err
		}
		return result
	}

	now := m.now()
	var changes []*model.AlertTransition
	var changed []*model.Alert

	m.mu.Lock()
	for _, id := range dedupe(ids) {
		out, tr, err := m.updateStatusLocked(id, status, now)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		result.Updated = append(result.Updated, out)
		if tr != nil {
			changes = append(changes, tr)
			changed = append(changed, out)
		}
	}
	m.mu.Unlock()

	m.logger.Info("Bulk status update",
		zap.String("status", string(status)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("failed", len(result.Failed)))

	m.afterChange(changed, changes)
	return result
}

// BulkAssign applies Assign to every id as one serialised operation
func (m *AlertManager) BulkAssign(ids []string, assignee string) *BulkResult {
	assignee = normalizeAssignee(assignee)
	result := &BulkResult{Failed: make(map[string]error)}
	now := m.now()
	var changes []*model.AlertTransition

	m.mu.Lock()
	for _, id := range dedupe(ids) {
		out, tr, err := m.assignLocked(id, assignee, now)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		result.Updated = append(result.Updated, out)
		changes = append(changes, tr)
	}
	m.mu.Unlock()

	m.logger.Info("Bulk assign",
		zap.String("assigned_to", assignee),
		zap.Int("updated", len(result.Updated)),
		zap.Int("failed", len(result.Failed)))

	m.afterChange(result.Updated, changes)
	return result
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Select adds ids to the selection set. Unknown ids are ignored.
func (m *AlertManager) Select(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.alerts[id]; ok {
			m.selected[id] = struct{}{}
		}
	}
}

// Deselect removes ids from the selection set
func (m *AlertManager) Deselect(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.selected, id)
	}
}

// SelectAll selects every alert visible under filter
func (m *AlertManager) SelectAll(filter AlertFilter) int {
	view := m.List(filter, SortOptions{})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range view {
		m.selected[a.ID] = struct{}{}
	}
	return len(view)
}

// ClearSelection empties the selection set
func (m *AlertManager) ClearSelection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = make(map[string]struct{})
}

// Selected returns the selected ids in sorted order
func (m *AlertManager) Selected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.selected))
	for id := range m.selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// afterChange records history and notifies channels outside the lock
func (m *AlertManager) afterChange(changed []*model.Alert, trs []*model.AlertTransition) {
	if m.history != nil {
		ctx := context.Background()
		for _, tr := range trs {
			if tr.ID == "" {
				tr.ID = uuid.New().String()
			}
			if err := m.history.Record(ctx, tr); err != nil {
				m.logger.Error("Failed to record alert transition",
					zap.String("alert_id", tr.AlertID),
					zap.String("action", tr.Action),
					zap.Error(err))
			}
		}
	}

	m.mu.RLock()
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.RUnlock()

	for _, a := range changed {
		for name, ch := range channels {
			if err := ch.Send(a); err != nil {
				m.logger.Error("Failed to send alert notification",
					zap.String("channel", name),
					zap.String("alert_id", a.ID),
					zap.Error(err))
			}
		}
	}
}
