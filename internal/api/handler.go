package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/monitor"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/scheduler"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/service"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Dashboard is the read side of the site dashboard
type Dashboard interface {
	Snapshot(ctx context.Context) (*model.DashboardMetricsSnapshot, error)
	Sources() []service.SourceStatus
	Refetch(source string) error
	Site() string
	SetSite(siteID string) error
	Cameras() []model.Camera
}

// IngestPublisher hands site entities to the ingestion pipeline
type IngestPublisher interface {
	PublishEvent(siteID string, event *model.Event) error
	PublishAlert(siteID string, alert *model.Alert) error
	PublishCamera(camera *model.Camera) error
	PublishSite(site *model.Site) error
}

// JobLister lists scheduled housekeeping jobs
type JobLister interface {
	ListJobs() []*model.HousekeepingJob
}

// Handler serves the dashboard API
type Handler struct {
	dashboard Dashboard
	alerts    *monitor.AlertManager
	history   storage.AlertHistoryStorage
	ingest    IngestPublisher
	jobs      JobLister
	logger    *zap.Logger
}

// NewHandler creates a new handler. history, ingest and jobs may be nil, in
// which case their endpoints answer 503.
func NewHandler(
	dashboard Dashboard,
	alerts *monitor.AlertManager,
	history storage.AlertHistoryStorage,
	ingest IngestPublisher,
	jobs JobLister,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		dashboard: dashboard,
		alerts:    alerts,
		history:   history,
		ingest:    ingest,
		jobs:      jobs,
		logger:    logger.Named("api"),
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, monitor.ErrAlertNotFound),
		errors.Is(err, service.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrInvalidStatus),
		errors.Is(err, monitor.ErrInvalidPriority),
		errors.Is(err, monitor.ErrNilAlert),
		errors.Is(err, service.ErrInvalidSite),
		errors.Is(err, service.ErrUnknownSource),
		errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrInvalidTransition),
		errors.Is(err, monitor.ErrDuplicateAlert):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// Health reports liveness and the site being shown
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"site":   h.dashboard.Site(),
	})
}

// GetSnapshot returns the latest metrics snapshot of the current site
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, err := h.dashboard.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, "Snapshot not available", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetSources returns the refresh state of every data source
func (h *Handler) GetSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"site":    h.dashboard.Site(),
		"sources": h.dashboard.Sources(),
	})
}

// Refetch triggers an immediate fetch of one source
func (h *Handler) Refetch(c *gin.Context) {
	source := c.Param("source")
	if err := h.dashboard.Refetch(source); err != nil {
		h.fail(c, "Failed to refetch source", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"source": source})
}

// GetSite returns the site currently shown
func (h *Handler) GetSite(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"site_id": h.dashboard.Site()})
}

// SetSite switches the dashboard to another site
func (h *Handler) SetSite(c *gin.Context) {
	var req struct {
		SiteID string `json:"site_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.dashboard.SetSite(req.SiteID); err != nil {
		h.fail(c, "Failed to switch site", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site_id": req.SiteID})
}

// GetCameras returns the cameras of the current site
func (h *Handler) GetCameras(c *gin.Context) {
	cameras := h.dashboard.Cameras()
	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

// siteFor returns the site named by the query, defaulting to the site the
// dashboard shows
func (h *Handler) siteFor(c *gin.Context) string {
	if site := c.Query("site"); site != "" {
		return site
	}
	return h.dashboard.Site()
}

func (h *Handler) filterFromQuery(c *gin.Context) monitor.AlertFilter {
	return monitor.AlertFilter{
		Site:     h.siteFor(c),
		Status:   model.AlertStatus(c.Query("status")),
		Priority: model.Severity(c.Query("priority")),
		Type:     c.Query("type"),
		Search:   c.Query("search"),
	}
}

// ListAlerts returns the filtered and sorted alert view
func (h *Handler) ListAlerts(c *gin.Context) {
	filter := h.filterFromQuery(c)
	opts := monitor.SortOptions{
		Field:     monitor.SortField(c.DefaultQuery("sort", string(monitor.SortByTimestamp))),
		Ascending: c.Query("order") == "asc",
	}
	switch opts.Field {
	case monitor.SortByTimestamp, monitor.SortByPriority, monitor.SortByStatus, monitor.SortByLocation:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sort field", "details": string(opts.Field)})
		return
	}

	alerts := h.alerts.List(filter, opts)
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlertSummary returns the priority tally of unresolved alerts of a site
func (h *Handler) GetAlertSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.alerts.Summary(h.siteFor(c)))
}

// GetAlert returns a single alert
func (h *Handler) GetAlert(c *gin.Context) {
	alert, err := h.alerts.Get(c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to get alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// CreateAlert adds an alert raised by an operator
func (h *Handler) CreateAlert(c *gin.Context) {
	var alert model.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		badRequest(c, err)
		return
	}
	if alert.SiteID == "" {
		alert.SiteID = h.dashboard.Site()
	}
	out, err := h.alerts.Ingest(&alert)
	if err != nil {
		h.fail(c, "Failed to create alert", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// UpdateAlertStatus moves an alert along its lifecycle
func (h *Handler) UpdateAlertStatus(c *gin.Context) {
	var req struct {
		Status model.AlertStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := h.alerts.UpdateStatus(c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, "Failed to update alert status", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// AssignAlert sets the assignee of an alert
func (h *Handler) AssignAlert(c *gin.Context) {
	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := h.alerts.Assign(c.Param("id"), req.Assignee)
	if err != nil {
		h.fail(c, "Failed to assign alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

// ReopenAlert returns an alert to open
func (h *Handler) ReopenAlert(c *gin.Context) {
	alert, err := h.alerts.Reopen(c.Param("id"))
	if err != nil {
		h.fail(c, "Failed to reopen alert", err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type bulkResponse struct {
	Updated []*model.Alert    `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func toBulkResponse(r *monitor.BulkResult) bulkResponse {
	resp := bulkResponse{Updated: r.Updated}
	if resp.Updated == nil {
		resp.Updated = []*model.Alert{}
	}
	if len(r.Failed) > 0 {
		resp.Failed = make(map[string]string, len(r.Failed))
		for id, err := range r.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	return resp
}

// bulkIDs falls back to the current selection when no ids are given
func (h *Handler) bulkIDs(ids []string) []string {
	if len(ids) > 0 {
		return ids
	}
	return h.alerts.Selected()
}

// BulkUpdateStatus applies one status to many alerts with one timestamp
func (h *Handler) BulkUpdateStatus(c *gin.Context) {
	var req struct {
		IDs    []string          `json:"ids"`
		Status model.AlertStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, toBulkResponse(h.alerts.BulkUpdateStatus(h.bulkIDs(req.IDs), req.Status)))
}

// BulkAssign assigns many alerts at once
func (h *Handler) BulkAssign(c *gin.Context) {
	var req struct {
		IDs      []string `json:"ids"`
		Assignee string   `json:"assignee"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, toBulkResponse(h.alerts.BulkAssign(h.bulkIDs(req.IDs), req.Assignee)))
}

// GetSelection returns the selected alert ids
func (h *Handler) GetSelection(c *gin.Context) {
	ids := h.alerts.Selected()
	c.JSON(http.StatusOK, gin.H{"ids": ids, "count": len(ids)})
}

type selectionRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// Select adds alerts to the selection
func (h *Handler) Select(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.alerts.Select(req.IDs...)
	h.GetSelection(c)
}

// Deselect removes alerts from the selection
func (h *Handler) Deselect(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.alerts.Deselect(req.IDs...)
	h.GetSelection(c)
}

// SelectAll selects every alert matching the query filter
func (h *Handler) SelectAll(c *gin.Context) {
	h.alerts.SelectAll(h.filterFromQuery(c))
	h.GetSelection(c)
}

// ClearSelection empties the selection
func (h *Handler) ClearSelection(c *gin.Context) {
	h.alerts.ClearSelection()
	h.GetSelection(c)
}

func pageFromQuery(c *gin.Context) (offset, limit int) {
	limit = defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxHistoryLimit {
			limit = parsed
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return offset, limit
}

func (h *Handler) listHistory(c *gin.Context, filter storage.HistoryFilter) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Alert history is not configured"})
		return
	}

	offset, limit := pageFromQuery(c)
	ctx := c.Request.Context()
	entries, err := h.history.List(ctx, filter, offset, limit)
	if err != nil {
		h.fail(c, "Failed to retrieve alert history", err)
		return
	}
	total, err := h.history.Count(ctx, filter)
	if err != nil {
		h.fail(c, "Failed to count alert history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(entries),
			"total":  total,
		},
	})
}

// GetHistory lists recorded alert transitions
func (h *Handler) GetHistory(c *gin.Context) {
	h.listHistory(c, storage.HistoryFilter{
		AlertID: c.Query("alert_id"),
		Action:  c.Query("action"),
	})
}

// GetAlertHistory lists the transitions of one alert
func (h *Handler) GetAlertHistory(c *gin.Context) {
	h.listHistory(c, storage.HistoryFilter{
		AlertID: c.Param("id"),
		Action:  c.Query("action"),
	})
}

// GetJobs lists the housekeeping jobs with their last outcome
func (h *Handler) GetJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Housekeeping is not configured"})
		return
	}
	jobs := h.jobs.ListJobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *Handler) ingestEnabled(c *gin.Context) bool {
	if h.ingest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ingestion is not configured"})
		return false
	}
	return true
}

// IngestEvent queues an event of a site for ingestion
func (h *Handler) IngestEvent(c *gin.Context) {
	if !h.ingestEnabled(c) {
		return
	}
	var event model.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, err)
		return
	}
	if !event.Valid() || !event.Severity.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event is missing id, timestamp, detection type or severity"})
		return
	}
	if err := h.ingest.PublishEvent(c.Param("site"), &event); err != nil {
		h.fail(c, "Failed to queue event", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": event.ID})
}

// IngestAlert queues an upstream alert of a site for ingestion
func (h *Handler) IngestAlert(c *gin.Context) {
	if !h.ingestEnabled(c) {
		return
	}
	var alert model.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		badRequest(c, err)
		return
	}
	if alert.ID == "" || alert.Timestamp.IsZero() || !alert.Priority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Alert is missing id, timestamp or priority"})
		return
	}
	if err := h.ingest.PublishAlert(c.Param("site"), &alert); err != nil {
		h.fail(c, "Failed to queue alert", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": alert.ID})
}

// IngestCamera queues camera metadata of a site for ingestion
func (h *Handler) IngestCamera(c *gin.Context) {
	if !h.ingestEnabled(c) {
		return
	}
	var camera model.Camera
	if err := c.ShouldBindJSON(&camera); err != nil {
		badRequest(c, err)
		return
	}
	camera.SiteID = c.Param("site")
	if camera.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Camera is missing id"})
		return
	}
	if err := h.ingest.PublishCamera(&camera); err != nil {
		h.fail(c, "Failed to queue camera", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": camera.ID})
}

// IngestSite queues site metadata for ingestion
func (h *Handler) IngestSite(c *gin.Context) {
	if !h.ingestEnabled(c) {
		return
	}
	var site model.Site
	if err := c.ShouldBindJSON(&site); err != nil {
		badRequest(c, err)
		return
	}
	site.ID = c.Param("site")
	if err := h.ingest.PublishSite(&site); err != nil {
		h.fail(c, "Failed to queue site", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": site.ID})
}
