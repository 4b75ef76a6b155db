package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/monitor"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/scheduler"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/service"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

var created = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDashboard struct {
	mu        sync.Mutex
	site      string
	snapshot  *model.DashboardMetricsSnapshot
	refetched []string
}

func (d *fakeDashboard) Snapshot(ctx context.Context) (*model.DashboardMetricsSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snapshot == nil {
		return nil, service.ErrNoSnapshot
	}
	return d.snapshot, nil
}

func (d *fakeDashboard) Sources() []service.SourceStatus {
	return []service.SourceStatus{{Name: service.SourceEvents, Key: d.Site(), HasData: true, Ticks: 3}}
}

func (d *fakeDashboard) Refetch(source string) error {
	switch source {
	case service.SourceCameras, service.SourceEvents, service.SourceAlerts:
	default:
		return service.ErrUnknownSource
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.site == "" {
		return scheduler.ErrNotRunning
	}
	d.refetched = append(d.refetched, source)
	return nil
}

func (d *fakeDashboard) Site() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.site
}

func (d *fakeDashboard) SetSite(siteID string) error {
	if siteID == "" {
		return service.ErrInvalidSite
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.site = siteID
	d.snapshot = nil
	return nil
}

func (d *fakeDashboard) Cameras() []model.Camera {
	return []model.Camera{{ID: "cam-1", SiteID: d.Site()}}
}

type fakeIngest struct {
	mu     sync.Mutex
	events map[string][]*model.Event
	alerts int
	cams   []*model.Camera
	sites  []*model.Site
}

func (f *fakeIngest) PublishEvent(siteID string, event *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]*model.Event)
	}
	f.events[siteID] = append(f.events[siteID], event)
	return nil
}

func (f *fakeIngest) PublishAlert(siteID string, alert *model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts++
	return nil
}

func (f *fakeIngest) PublishCamera(camera *model.Camera) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cams = append(f.cams, camera)
	return nil
}

func (f *fakeIngest) PublishSite(site *model.Site) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sites = append(f.sites, site)
	return nil
}

type testServer struct {
	router    *gin.Engine
	dashboard *fakeDashboard
	alerts    *monitor.AlertManager
	ingest    *fakeIngest
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	history, err := storage.NewSQLiteAlertHistory(logger, db)
	require.NoError(t, err)

	now := created.Add(30 * time.Minute)
	alerts := monitor.NewAlertManager(logger,
		monitor.WithAlertClock(func() time.Time { return now }),
		monitor.WithAlertHistory(history))

	for _, a := range []*model.Alert{
		{ID: "a1", SiteID: "site-a", Type: "ppe_violation", Priority: model.SeverityCritical, Title: "No harness", Location: "Level 9", Timestamp: created},
		{ID: "a2", SiteID: "site-a", Type: "safety_hazard", Priority: model.SeverityHigh, Title: "Loose rebar", Location: "Level 2", Timestamp: created.Add(time.Minute)},
		{ID: "a3", SiteID: "site-a", Type: "ppe_violation", Priority: model.SeverityLow, Title: "No gloves", Location: "Yard", Timestamp: created.Add(2 * time.Minute)},
	} {
		_, err := alerts.Ingest(a)
		require.NoError(t, err)
	}

	dashboard := &fakeDashboard{
		site:     "site-a",
		snapshot: &model.DashboardMetricsSnapshot{Personnel: model.PersonnelMetrics{Count: 7}},
	}
	ingest := &fakeIngest{}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "site_monitor_test_total", Help: "test"}))

	jobs := scheduler.NewCronScheduler(logger)
	require.NoError(t, jobs.AddJob(&model.HousekeepingJob{ID: "event-retention", Name: "event-retention", Expression: "0 30 3 * * *"},
		func(ctx context.Context) error { return nil }))

	h := NewHandler(dashboard, alerts, history, ingest, jobs, logger)
	return &testServer{
		router:    NewRouter(h, registry),
		dashboard: dashboard,
		alerts:    alerts,
		ingest:    ingest,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "site-a", body["site"])
}

func TestHandler_Metrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "site_monitor_test_total")
}

func TestHandler_Snapshot(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/dashboard/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.DashboardMetricsSnapshot
	decode(t, w, &snap)
	assert.Equal(t, 7, snap.Personnel.Count)

	w = s.do(t, http.MethodPut, "/api/v1/dashboard/site", map[string]string{"site_id": "site-b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "site-b", s.dashboard.Site())

	w = s.do(t, http.MethodGet, "/api/v1/dashboard/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/dashboard/site", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SourcesAndRefetch(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/dashboard/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Site    string                 `json:"site"`
		Sources []service.SourceStatus `json:"sources"`
	}
	decode(t, w, &body)
	assert.Equal(t, "site-a", body.Site)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, 3, body.Sources[0].Ticks)

	w = s.do(t, http.MethodPost, "/api/v1/dashboard/sources/events/refetch", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"events"}, s.dashboard.refetched)

	w = s.do(t, http.MethodPost, "/api/v1/dashboard/sources/weather/refetch", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/dashboard/cameras", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ListAlerts(t *testing.T) {
	s := newTestServer(t)

	list := func(query string) []*model.Alert {
		w := s.do(t, http.MethodGet, "/api/v1/alerts"+query, nil)
		require.Equal(t, http.StatusOK, w.Code, query)
		var body struct {
			Alerts []*model.Alert `json:"alerts"`
			Count  int            `json:"count"`
		}
		decode(t, w, &body)
		assert.Len(t, body.Alerts, body.Count)
		return body.Alerts
	}
	ids := func(alerts []*model.Alert) []string {
		out := make([]string, len(alerts))
		for i, a := range alerts {
			out[i] = a.ID
		}
		return out
	}

	assert.Equal(t, []string{"a3", "a2", "a1"}, ids(list("")))
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(list("?sort=priority")))
	assert.Equal(t, []string{"a1", "a3"}, ids(list("?type=ppe_violation&sort=timestamp&order=asc")))
	assert.Equal(t, []string{"a2"}, ids(list("?search=REBAR")))
	assert.Empty(t, list("?status=resolved"))

	w := s.do(t, http.MethodGet, "/api/v1/alerts?sort=colour", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AlertLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/api/v1/alerts/a1/status", map[string]string{"status": "investigating"})
	require.Equal(t, http.StatusOK, w.Code)
	var alert model.Alert
	decode(t, w, &alert)
	assert.Equal(t, model.AlertStatusInvestigating, alert.Status)
	require.NotNil(t, alert.ResponseTimeMinutes)
	assert.Equal(t, 30, *alert.ResponseTimeMinutes)

	w = s.do(t, http.MethodPut, "/api/v1/alerts/a1/status", map[string]string{"status": "open"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/alerts/a1/status", map[string]string{"status": "closed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/alerts/missing/status", map[string]string{"status": "resolved"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/alerts/a1/assignee", map[string]string{"assignee": "j.ortiz"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &alert)
	assert.Equal(t, "j.ortiz", alert.AssignedTo)

	w = s.do(t, http.MethodPost, "/api/v1/alerts/a1/reopen", nil)
	require.Equal(t, http.StatusOK, w.Code)
	alert = model.Alert{}
	decode(t, w, &alert)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)
	assert.Nil(t, alert.ResponseTimeMinutes)

	w = s.do(t, http.MethodGet, "/api/v1/alerts/a1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/alerts/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary model.AlertMetrics
	decode(t, w, &summary)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Critical)
}

func TestHandler_CreateAlert(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/alerts", map[string]string{"title": "Crane overload", "priority": "high", "status": "resolved"})
	require.Equal(t, http.StatusCreated, w.Code)
	var alert model.Alert
	decode(t, w, &alert)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)

	w = s.do(t, http.MethodPost, "/api/v1/alerts", map[string]string{"id": "a1", "priority": "high"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/alerts", map[string]string{"priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AlertsScopedToDashboardSite(t *testing.T) {
	s := newTestServer(t)

	_, err := s.alerts.Ingest(&model.Alert{ID: "b1", SiteID: "site-b", Type: "ppe_violation", Priority: model.SeverityCritical, Timestamp: created})
	require.NoError(t, err)

	list := func(query string) []string {
		w := s.do(t, http.MethodGet, "/api/v1/alerts"+query, nil)
		require.Equal(t, http.StatusOK, w.Code, query)
		var body struct {
			Alerts []*model.Alert `json:"alerts"`
		}
		decode(t, w, &body)
		out := make([]string, 0, len(body.Alerts))
		for _, a := range body.Alerts {
			out = append(out, a.ID)
		}
		return out
	}
	summary := func() model.AlertMetrics {
		w := s.do(t, http.MethodGet, "/api/v1/alerts/summary", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var m model.AlertMetrics
		decode(t, w, &m)
		return m
	}

	assert.Equal(t, []string{"a3", "a2", "a1"}, list(""))
	assert.Equal(t, 3, summary().Total)

	require.NoError(t, s.dashboard.SetSite("site-b"))
	assert.Equal(t, []string{"b1"}, list(""))
	assert.Equal(t, []string{"a3", "a2", "a1"}, list("?site=site-a"))
	got := summary()
	assert.Equal(t, 1, got.Total)
	assert.Equal(t, 1, got.Critical)

	w := s.do(t, http.MethodPost, "/api/v1/alerts/selection/all?type=ppe_violation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sel struct {
		IDs []string `json:"ids"`
	}
	decode(t, w, &sel)
	assert.Equal(t, []string{"b1"}, sel.IDs)

	w = s.do(t, http.MethodPost, "/api/v1/alerts", map[string]string{"title": "Crane overload", "priority": "high"})
	require.Equal(t, http.StatusCreated, w.Code)
	var alert model.Alert
	decode(t, w, &alert)
	assert.Equal(t, "site-b", alert.SiteID)
}

func TestHandler_BulkOnSelection(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/alerts/selection", map[string][]string{"ids": {"a1", "a2", "ghost"}})
	require.Equal(t, http.StatusOK, w.Code)
	var sel struct {
		IDs []string `json:"ids"`
	}
	decode(t, w, &sel)
	assert.Equal(t, []string{"a1", "a2"}, sel.IDs)

	w = s.do(t, http.MethodPost, "/api/v1/alerts/bulk/status", map[string]string{"status": "acknowledged"})
	require.Equal(t, http.StatusOK, w.Code)
	var res bulkResponse
	decode(t, w, &res)
	require.Len(t, res.Updated, 2)
	for _, a := range res.Updated {
		require.NotNil(t, a.ResponseTimeMinutes)
	}
	assert.Equal(t, *res.Updated[0].ResponseTimeMinutes, *res.Updated[1].ResponseTimeMinutes)
	assert.Empty(t, res.Failed)

	w = s.do(t, http.MethodPost, "/api/v1/alerts/bulk/assign", map[string]interface{}{"ids": []string{"a3", "ghost"}, "assignee": "crew-2"})
	require.Equal(t, http.StatusOK, w.Code)
	res = bulkResponse{}
	decode(t, w, &res)
	require.Len(t, res.Updated, 1)
	assert.Contains(t, res.Failed, "ghost")

	w = s.do(t, http.MethodPost, "/api/v1/alerts/selection/remove", map[string][]string{"ids": {"a1"}})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sel)
	assert.Equal(t, []string{"a2"}, sel.IDs)

	w = s.do(t, http.MethodPost, "/api/v1/alerts/selection/all?type=ppe_violation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sel)
	assert.Equal(t, []string{"a1", "a2", "a3"}, sel.IDs)

	w = s.do(t, http.MethodDelete, "/api/v1/alerts/selection", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sel.IDs = nil
	decode(t, w, &sel)
	assert.Empty(t, sel.IDs)
}

func TestHandler_History(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPut, "/api/v1/alerts/a2/status", map[string]string{"status": "resolved"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/alerts/a2/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		History    []*model.AlertTransition `json:"history"`
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	decode(t, w, &body)
	require.Len(t, body.History, 2)
	assert.Equal(t, 2, body.Pagination.Total)
	assert.Equal(t, model.AlertStatusResolved, body.History[0].ToStatus)

	w = s.do(t, http.MethodGet, "/api/v1/history?action=ingest&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body.History = nil
	decode(t, w, &body)
	assert.Len(t, body.History, 2)
	assert.Equal(t, 3, body.Pagination.Total)
}

func TestHandler_Jobs(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Jobs []*model.HousekeepingJob `json:"jobs"`
	}
	decode(t, w, &body)
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "event-retention", body.Jobs[0].ID)
	assert.Equal(t, model.JobStatusPending, body.Jobs[0].Status)
	assert.NotNil(t, body.Jobs[0].NextRunTime)
}

func TestHandler_Ingest(t *testing.T) {
	s := newTestServer(t)

	event := map[string]interface{}{
		"id":             "e1",
		"detection_type": "personnel_count",
		"severity":       "low",
		"camera_id":      "cam-1",
		"timestamp":      created.Format(time.RFC3339),
		"description":    "5 personnel",
	}
	w := s.do(t, http.MethodPost, "/api/v1/sites/site-a/events", event)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, s.ingest.events["site-a"], 1)

	event["detection_type"] = "drone_sighting"
	w = s.do(t, http.MethodPost, "/api/v1/sites/site-a/events", event)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/sites/site-a/alerts", map[string]string{
		"id": "u1", "priority": "medium", "timestamp": created.Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, s.ingest.alerts)

	w = s.do(t, http.MethodPost, "/api/v1/sites/site-a/cameras", map[string]string{"id": "cam-9", "site_id": "elsewhere"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.ingest.cams, 1)
	assert.Equal(t, "site-a", s.ingest.cams[0].SiteID)

	w = s.do(t, http.MethodPut, "/api/v1/sites/site-c", map[string]string{"name": "Depot"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, s.ingest.sites, 1)
	assert.Equal(t, "site-c", s.ingest.sites[0].ID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sites/site-a/events", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
