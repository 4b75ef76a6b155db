package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/kpi"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/monitor"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func conf(v float64) *float64 { return &v }

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots   map[string]int
	changes     []*model.Alert
	changeSites []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{snapshots: make(map[string]int)}
}

func (p *recordingPublisher) PublishSnapshot(siteID string, snap *model.DashboardMetricsSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[siteID]++
	return nil
}

func (p *recordingPublisher) PublishAlertChange(siteID string, alert *model.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, alert)
	p.changeSites = append(p.changeSites, siteID)
	return nil
}

func (p *recordingPublisher) snapshotCount(siteID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots[siteID]
}

func (p *recordingPublisher) alertChanges() []*model.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.Alert(nil), p.changes...)
}

func (p *recordingPublisher) alertChangeSites() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.changeSites...)
}

// flakyStore fails event listing on demand
type flakyStore struct {
	storage.EventStore

	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) ListEvents(ctx context.Context, siteID string, since time.Time, limit int) ([]model.Event, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return s.EventStore.ListEvents(ctx, siteID, since, limit)
}

func newTestStore(t *testing.T) *storage.SQLiteEventStore {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewSQLiteEventStore(zaptest.NewLogger(t), db)
	require.NoError(t, err)
	return store
}

// seedSites stores two sites, each with one camera and a few events
func seedSites(t *testing.T, store storage.EventStore) {
	t.Helper()
	ctx := context.Background()

	start := now.AddDate(0, 0, -30)
	require.NoError(t, store.SaveSite(ctx, &model.Site{ID: "site-a", Name: "Harbor Tower", Type: model.SiteTypeHighRise, StartDate: &start, Lat: 47.6, Lon: -122.3}))
	require.NoError(t, store.SaveSite(ctx, &model.Site{ID: "site-b", Name: "Mill Renovation", Type: model.SiteTypeRenovation}))

	require.NoError(t, store.SaveCamera(ctx, &model.Camera{
		ID: "cam-1", Name: "Gate", SiteID: "site-a",
		Coordinates: &model.Coordinates{Lat: 47.61, Lon: -122.33},
	}))
	require.NoError(t, store.SaveCamera(ctx, &model.Camera{ID: "cam-2", Name: "Roof", SiteID: "site-b"}))

	events := []*model.Event{
		{ID: "e1", DetectionType: model.DetectionSafetyHazard, Severity: model.SeverityCritical, CameraID: "cam-1",
			Timestamp: now.Add(-10 * time.Minute), ConfidenceScore: conf(0.9), Description: "Open edge on level 4"},
		{ID: "e2", DetectionType: model.DetectionPPEViolation, Severity: model.SeverityHigh, CameraID: "cam-1",
			Timestamp: now.Add(-20 * time.Minute), ConfidenceScore: conf(0.8), Description: "Missing hard hat"},
		{ID: "e3", DetectionType: model.DetectionPersonnelCount, Severity: model.SeverityLow, CameraID: "cam-1",
			Timestamp: now.Add(-5 * time.Minute), ConfidenceScore: conf(1.0), Description: "12 personnel on deck"},
		{ID: "e4", DetectionType: model.DetectionPersonnelCount, Severity: model.SeverityLow, CameraID: "cam-2",
			Timestamp: now.Add(-5 * time.Minute), Description: "3 personnel in stairwell"},
	}
	for _, e := range events {
		site := "site-a"
		if e.CameraID == "cam-2" {
			site = "site-b"
		}
		require.NoError(t, store.SaveEvent(ctx, site, e))
	}

	require.NoError(t, store.SaveAlert(ctx, "site-a", &model.Alert{
		ID: "u1", Type: "restricted_access", Title: "Unauthorised entry", Priority: model.SeverityMedium,
		Timestamp: now.Add(-15 * time.Minute), Location: "North gate",
	}))
}

type dashboardFixture struct {
	dashboard *Dashboard
	alerts    *monitor.AlertManager
	publisher *recordingPublisher
	store     *flakyStore
}

func newDashboardFixture(t *testing.T, site string, opts ...DashboardOption) *dashboardFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	base := newTestStore(t)
	seedSites(t, base)
	store := &flakyStore{EventStore: base}

	alerts := monitor.NewAlertManager(logger, monitor.WithAlertClock(clock))
	publisher := newRecordingPublisher()
	opts = append([]DashboardOption{WithPublisher(publisher), WithDashboardClock(clock)}, opts...)

	d := NewDashboard(DashboardConfig{
		SiteID:         site,
		CameraInterval: time.Minute,
		EventInterval:  time.Minute,
		AlertInterval:  time.Minute,
	}, store, alerts, kpi.NewAggregator(logger, kpi.WithClock(clock)), logger, opts...)

	return &dashboardFixture{dashboard: d, alerts: alerts, publisher: publisher, store: store}
}

func (f *dashboardFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.dashboard.Start(ctx))
	t.Cleanup(func() {
		f.dashboard.Stop()
		cancel()
	})
}

func waitForSnapshot(t *testing.T, d *Dashboard, cond func(*model.DashboardMetricsSnapshot) bool) *model.DashboardMetricsSnapshot {
	t.Helper()
	var snap *model.DashboardMetricsSnapshot
	require.Eventually(t, func() bool {
		s, err := d.Snapshot(context.Background())
		if err != nil || !cond(s) {
			return false
		}
		snap = s
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return snap
}

func TestDashboard_ComputesSnapshot(t *testing.T) {
	f := newDashboardFixture(t, "site-a")
	f.start(t)

	snap := waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Coordinates == model.Coordinates{Lat: 47.61, Lon: -122.33}
	})

	assert.Equal(t, 12, snap.Personnel.Count)
	assert.Equal(t, 1, snap.PPE.Violations)
	assert.Equal(t, 2, snap.PPE.Total)
	assert.Equal(t, 60, snap.PPE.Compliance)
	assert.Equal(t, now, snap.LastCalculated)
	assert.Greater(t, f.publisher.snapshotCount("site-a"), 0)
	assert.Zero(t, f.publisher.snapshotCount("site-b"))

	assert.Len(t, f.dashboard.Cameras(), 1)
}

func TestDashboard_FeedsAlertManager(t *testing.T) {
	f := newDashboardFixture(t, "site-a")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.alerts.Count() == 3
	}, 5*time.Second, 20*time.Millisecond)

	derived, err := f.alerts.Get(monitor.EventAlertID("e1"))
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, derived.Priority)
	assert.Equal(t, model.AlertStatusOpen, derived.Status)

	upstream, err := f.alerts.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "North gate", upstream.Location)
	assert.Equal(t, "site-a", upstream.SiteID)

	// low severity personnel counts never raise alerts
	_, err = f.alerts.Get(monitor.EventAlertID("e3"))
	assert.ErrorIs(t, err, monitor.ErrAlertNotFound)

	_, err = f.alerts.UpdateStatus("u1", model.AlertStatusInvestigating)
	require.NoError(t, err)

	// three ingests and one status change
	changes := f.publisher.alertChanges()
	require.Len(t, changes, 4)
	last := changes[len(changes)-1]
	assert.Equal(t, "u1", last.ID)
	assert.Equal(t, model.AlertStatusInvestigating, last.Status)
}

func TestDashboard_SetSite(t *testing.T) {
	f := newDashboardFixture(t, "site-a")

	require.ErrorIs(t, f.dashboard.SetSite(""), ErrInvalidSite)

	f.start(t)
	waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Personnel.Count == 12
	})

	require.NoError(t, f.dashboard.SetSite("site-b"))
	assert.Equal(t, "site-b", f.dashboard.Site())

	// site-b has no located camera, only the site without coordinates
	snap := waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Personnel.Count == 3
	})
	assert.Equal(t, kpi.DefaultCoordinates, snap.Coordinates)
	assert.Zero(t, snap.PPE.Violations)

	for _, src := range f.dashboard.Sources() {
		assert.Equal(t, "site-b", src.Key, src.Name)
	}

	// switching to the current site is a no-op
	require.NoError(t, f.dashboard.SetSite("site-b"))
	_, err := f.dashboard.Snapshot(context.Background())
	require.NoError(t, err)
}

func TestDashboard_SetSiteScopesAlerts(t *testing.T) {
	f := newDashboardFixture(t, "site-a")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.alerts.Count() == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, f.alerts.Summary("site-a").Total)

	require.NoError(t, f.dashboard.SetSite("site-b"))
	waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Personnel.Count == 3
	})

	// site-b raises nothing, site-a alerts stay with site-a
	assert.Empty(t, f.alerts.List(monitor.AlertFilter{Site: "site-b"}, monitor.SortOptions{}))
	assert.Zero(t, f.alerts.Summary("site-b").Total)

	siteA := f.alerts.List(monitor.AlertFilter{Site: "site-a"}, monitor.SortOptions{})
	require.Len(t, siteA, 3)
	for _, a := range siteA {
		assert.Equal(t, "site-a", a.SiteID, a.ID)
	}

	_, err := f.alerts.UpdateStatus("u1", model.AlertStatusInvestigating)
	require.NoError(t, err)

	sites := f.publisher.alertChangeSites()
	require.Len(t, sites, 4)
	for _, site := range sites {
		assert.Equal(t, "site-a", site)
	}
}

func TestDashboard_SnapshotBeforeStart(t *testing.T) {
	f := newDashboardFixture(t, "site-a")

	_, err := f.dashboard.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDashboard_ServesCachedSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := storage.NewSnapshotCache(zaptest.NewLogger(t), client, time.Hour)

	cached := &model.DashboardMetricsSnapshot{
		Personnel:      model.PersonnelMetrics{Count: 40},
		LastCalculated: now.Add(-time.Hour),
	}
	require.NoError(t, cache.Put(context.Background(), "site-a", cached))

	f := newDashboardFixture(t, "site-a", WithSnapshotCache(cache))

	snap, err := f.dashboard.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, snap.Personnel.Count)

	f.start(t)
	waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Personnel.Count == 12
	})

	require.Eventually(t, func() bool {
		stored, err := cache.Get(context.Background(), "site-a")
		return err == nil && stored.Personnel.Count == 12
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDashboard_KeepsDataOnFailure(t *testing.T) {
	f := newDashboardFixture(t, "site-a")
	f.start(t)

	waitForSnapshot(t, f.dashboard, func(s *model.DashboardMetricsSnapshot) bool {
		return s.Personnel.Count == 12
	})

	f.store.setFailing(true)
	require.NoError(t, f.dashboard.Refetch(SourceEvents))

	require.Eventually(t, func() bool {
		for _, src := range f.dashboard.Sources() {
			if src.Name == SourceEvents {
				return src.Failures == 1 && src.Error != "" && src.HasData
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := f.dashboard.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, snap.Personnel.Count)

	f.store.setFailing(false)
	require.NoError(t, f.dashboard.Refetch(SourceEvents))
	require.Eventually(t, func() bool {
		for _, src := range f.dashboard.Sources() {
			if src.Name == SourceEvents {
				return src.Error == ""
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDashboard_SourcesAndRefetch(t *testing.T) {
	f := newDashboardFixture(t, "site-a")

	sources := f.dashboard.Sources()
	require.Len(t, sources, 3)
	assert.Equal(t, SourceCameras, sources[0].Name)
	assert.Equal(t, SourceEvents, sources[1].Name)
	assert.Equal(t, SourceAlerts, sources[2].Name)

	assert.Error(t, f.dashboard.Refetch(SourceEvents), "refetch before start")

	f.start(t)
	assert.ErrorIs(t, f.dashboard.Refetch("weather"), ErrUnknownSource)
	assert.NoError(t, f.dashboard.Refetch(SourceCameras))
	assert.NoError(t, f.dashboard.Refetch(SourceAlerts))

	ctx := context.Background()
	assert.ErrorIs(t, f.dashboard.Start(ctx), ErrAlreadyStarted)
}
