package kpi

import (
	"time"

	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

// DefaultCoordinates is used when neither cameras nor sites carry a location
var DefaultCoordinates = model.Coordinates{Lat: 40.7128, Lon: -74.0060}

// Input is the context shared by every calculator in one aggregation cycle
type Input struct {
	Events  []model.Event
	Cameras []model.Camera
	Sites   []model.Site
}

// ResolveCoordinates prefers the first camera with coordinates, then the
// first site with a location, then DefaultCoordinates.
func ResolveCoordinates(cameras []model.Camera, sites []model.Site) model.Coordinates {
	for i := range cameras {
		if c := cameras[i].Coordinates; c != nil {
			return *c
		}
	}
	for i := range sites {
		if sites[i].HasLocation() {
			return model.Coordinates{Lat: sites[i].Lat, Lon: sites[i].Lon}
		}
	}
	return DefaultCoordinates
}

// validEvents returns the well-formed events of a batch without touching it
func validEvents(events []model.Event) []model.Event {
	valid := make([]model.Event, 0, len(events))
	for i := range events {
		if events[i].Valid() {
			valid = append(valid, events[i])
		}
	}
	return valid
}

// GenerateDashboardMetrics assembles a snapshot at the given instant.
// Malformed events are dropped from the batch; the first site, when present,
// provides the progress context.
func GenerateDashboardMetrics(in Input, now time.Time, ppeWindowHours int) *model.DashboardMetricsSnapshot {
	events := validEvents(in.Events)

	var site *model.Site
	if len(in.Sites) > 0 {
		site = &in.Sites[0]
	}

	return &model.DashboardMetricsSnapshot{
		Safety:         CalculateSafetyScore(events, now),
		PPE:            CalculatePPECompliance(events, now, ppeWindowHours),
		Personnel:      CalculatePersonnelCount(events, now),
		Equipment:      CalculateEquipmentMetrics(events, now),
		Progress:       CalculateProgressMetrics(events, site, now),
		Alerts:         CalculateAlertPriority(events),
		Coordinates:    ResolveCoordinates(in.Cameras, in.Sites),
		LastCalculated: now,
	}
}

// Aggregator produces snapshots against a clock
type Aggregator struct {
	logger         *zap.Logger
	now            func() time.Time
	ppeWindowHours int
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithPPEWindow sets the PPE compliance window in hours
func WithPPEWindow(hours int) Option {
	return func(a *Aggregator) { a.ppeWindowHours = hours }
}

// NewAggregator creates a new aggregator
func NewAggregator(logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:         logger.Named("aggregator"),
		now:            time.Now,
		ppeWindowHours: DefaultPPEWindowHours,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate computes a snapshot for the input at the aggregator's current time
func (a *Aggregator) Generate(in Input) *model.DashboardMetricsSnapshot {
	skipped := 0
	for i := range in.Events {
		if !in.Events[i].Valid() {
			skipped++
		}
	}
	if skipped > 0 {
		a.logger.Debug("Malformed events in batch",
			zap.Int("skipped", skipped),
			zap.Int("total", len(in.Events)))
	}

	snapshot := GenerateDashboardMetrics(in, a.now(), a.ppeWindowHours)

	a.logger.Debug("Dashboard metrics calculated",
		zap.Float64("safety_score", snapshot.Safety.Score),
		zap.Int("ppe_compliance", snapshot.PPE.Compliance),
		zap.Int("personnel", snapshot.Personnel.Count),
		zap.Int("equipment_active", snapshot.Equipment.Active),
		zap.Int("progress", snapshot.Progress.Completion),
		zap.Int("needs_immediate", snapshot.Alerts.NeedsImmediate))

	return snapshot
}
