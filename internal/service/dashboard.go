package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/kpi"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/monitor"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/scheduler"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

// Data source names
const (
	SourceCameras = "cameras"
	SourceEvents  = "events"
	SourceAlerts  = "alerts"
)

const cacheTimeout = 2 * time.Second

// SiteContext is what the cameras source fetches: the site and its cameras
type SiteContext struct {
	Site    *model.Site    `json:"site,omitempty"`
	Cameras []model.Camera `json:"cameras"`
}

// SnapshotCache stores the latest snapshot per site
type SnapshotCache interface {
	Put(ctx context.Context, siteID string, snap *model.DashboardMetricsSnapshot) error
	Get(ctx context.Context, siteID string) (*model.DashboardMetricsSnapshot, error)
}

// Publisher publishes dashboard output
type Publisher interface {
	PublishSnapshot(siteID string, snap *model.DashboardMetricsSnapshot) error
	PublishAlertChange(siteID string, alert *model.Alert) error
}

// MetricsObserver receives dashboard measurements
type MetricsObserver interface {
	ObserveSnapshot(site string, snap *model.DashboardMetricsSnapshot)
	ObserveAlerts(m model.AlertMetrics)
	ObserveRefresh(source string, err error)
}

// SourceStatus is the consumer view of one refreshed data source
type SourceStatus struct {
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	HasData   bool      `json:"has_data"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Ticks     int       `json:"ticks"`
	Failures  int       `json:"failures"`
}

func statusOf[T any](name string, st scheduler.State[T]) SourceStatus {
	return SourceStatus{
		Name:      name,
		Key:       st.Key,
		HasData:   st.HasData,
		Loading:   st.Loading,
		Error:     st.Error,
		UpdatedAt: st.UpdatedAt,
		Ticks:     st.Ticks,
		Failures:  st.Failures,
	}
}

// DashboardConfig configures the refresh schedule of a Dashboard
type DashboardConfig struct {
	SiteID         string
	CameraInterval time.Duration
	EventInterval  time.Duration
	AlertInterval  time.Duration
	EventLookback  time.Duration
}

// Dashboard keeps the metrics of one site fresh. It runs one refresher per
// data source keyed by site id, recomputes the snapshot whenever events or
// cameras change and feeds alerts into the alert manager.
type Dashboard struct {
	logger     *zap.Logger
	cfg        DashboardConfig
	store      storage.EventStore
	alerts     *monitor.AlertManager
	aggregator *kpi.Aggregator
	cache      SnapshotCache
	publisher  Publisher
	metrics    MetricsObserver
	now        func() time.Time

	cameras  *scheduler.Refresher[SiteContext]
	events   *scheduler.Refresher[[]model.Event]
	upstream *scheduler.Refresher[[]*model.Alert]

	// recomputeMu serialises snapshot recomputation across refresher goroutines
	recomputeMu sync.Mutex

	mu       sync.RWMutex
	site     string
	snapshot *model.DashboardMetricsSnapshot
	started  bool
}

// DashboardOption configures optional collaborators
type DashboardOption func(*Dashboard)

// WithSnapshotCache caches every snapshot
func WithSnapshotCache(c SnapshotCache) DashboardOption {
	return func(d *Dashboard) { d.cache = c }
}

// WithPublisher publishes every snapshot and alert change
func WithPublisher(p Publisher) DashboardOption {
	return func(d *Dashboard) { d.publisher = p }
}

// WithMetrics exports dashboard measurements
func WithMetrics(m MetricsObserver) DashboardOption {
	return func(d *Dashboard) { d.metrics = m }
}

// WithDashboardClock overrides the time source used for event lookback
func WithDashboardClock(now func() time.Time) DashboardOption {
	return func(d *Dashboard) { d.now = now }
}

// NewDashboard creates a dashboard for cfg.SiteID
func NewDashboard(
	cfg DashboardConfig,
	store storage.EventStore,
	alerts *monitor.AlertManager,
	aggregator *kpi.Aggregator,
	logger *zap.Logger,
	opts ...DashboardOption,
) *Dashboard {
	if cfg.CameraInterval <= 0 {
		cfg.CameraInterval = scheduler.DefaultCameraInterval
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = scheduler.DefaultEventInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = scheduler.DefaultAlertInterval
	}
	if cfg.EventLookback <= 0 {
		cfg.EventLookback = kpi.TrendWindow * 2
	}

	d := &Dashboard{
		logger:     logger.Named("dashboard"),
		cfg:        cfg,
		store:      store,
		alerts:     alerts,
		aggregator: aggregator,
		now:        time.Now,
		site:       cfg.SiteID,
		cameras:    scheduler.NewRefresher[SiteContext](SourceCameras, cfg.CameraInterval, logger),
		events:     scheduler.NewRefresher[[]model.Event](SourceEvents, cfg.EventInterval, logger),
		upstream:   scheduler.NewRefresher[[]*model.Alert](SourceAlerts, cfg.AlertInterval, logger),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.cameras.Subscribe(func(st scheduler.State[SiteContext]) {
		d.observeRefresh(SourceCameras, st.Error)
		d.recompute()
	})
	d.events.Subscribe(func(st scheduler.State[[]model.Event]) {
		d.observeRefresh(SourceEvents, st.Error)
		if st.Error == "" {
			d.alerts.IngestEvents(st.Key, st.Data)
			d.observeAlerts()
		}
		d.recompute()
	})
	d.upstream.Subscribe(func(st scheduler.State[[]*model.Alert]) {
		d.observeRefresh(SourceAlerts, st.Error)
		if st.Error == "" {
			if added := d.alerts.Sync(tagSite(st.Key, st.Data)); added > 0 {
				d.logger.Info("Ingested upstream alerts",
					zap.String("site", st.Key),
					zap.Int("added", added))
			}
			d.observeAlerts()
		}
	})

	d.alerts.AddChannel("dashboard", &alertChangeChannel{d: d})
	return d
}

// tagSite returns copies of alerts attributed to siteID when they carry no
// site of their own
func tagSite(siteID string, alerts []*model.Alert) []*model.Alert {
	out := make([]*model.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a == nil {
			continue
		}
		c := a.Clone()
		if c.SiteID == "" {
			c.SiteID = siteID
		}
		out = append(out, c)
	}
	return out
}

func (d *Dashboard) cameraProducer(siteID string) scheduler.Producer[SiteContext] {
	return func(ctx context.Context) (SiteContext, error) {
		site, err := d.store.GetSite(ctx, siteID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return SiteContext{}, fmt.Errorf("failed to load site: %w", err)
		}
		cameras, err := d.store.ListCameras(ctx, siteID)
		if err != nil {
			return SiteContext{}, fmt.Errorf("failed to load cameras: %w", err)
		}
		return SiteContext{Site: site, Cameras: cameras}, nil
	}
}

func (d *Dashboard) eventProducer(siteID string) scheduler.Producer[[]model.Event] {
	return func(ctx context.Context) ([]model.Event, error) {
		return d.store.ListEvents(ctx, siteID, d.now().Add(-d.cfg.EventLookback), 0)
	}
}

func (d *Dashboard) alertProducer(siteID string) scheduler.Producer[[]*model.Alert] {
	return func(ctx context.Context) ([]*model.Alert, error) {
		return d.store.ListAlerts(ctx, siteID, d.now().Add(-d.cfg.EventLookback))
	}
}

// Start starts every refresher for the configured site
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	site := d.site
	d.mu.Unlock()

	if err := d.startRefreshers(ctx, site); err != nil {
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		return err
	}

	d.logger.Info("Dashboard started", zap.String("site", site))
	return nil
}

func (d *Dashboard) startRefreshers(ctx context.Context, site string) error {
	if err := d.cameras.Start(ctx, site, d.cameraProducer(site)); err != nil {
		return fmt.Errorf("failed to start cameras refresher: %w", err)
	}
	if err := d.events.Start(ctx, site, d.eventProducer(site)); err != nil {
		d.cameras.Stop()
		return fmt.Errorf("failed to start events refresher: %w", err)
	}
	if err := d.upstream.Start(ctx, site, d.alertProducer(site)); err != nil {
		d.cameras.Stop()
		d.events.Stop()
		return fmt.Errorf("failed to start alerts refresher: %w", err)
	}
	return nil
}

// Stop stops every refresher and waits for their goroutines. No snapshot
// is produced after Stop returns.
func (d *Dashboard) Stop() {
	d.cameras.Stop()
	d.events.Stop()
	d.upstream.Stop()
	<-d.cameras.Done()
	<-d.events.Done()
	<-d.upstream.Done()

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()

	d.logger.Info("Dashboard stopped")
}

// Site returns the site currently shown
func (d *Dashboard) Site() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.site
}

// SetSite switches every source to siteID. The previous site's snapshot is
// dropped and a fresh fetch starts immediately.
func (d *Dashboard) SetSite(siteID string) error {
	if siteID == "" {
		return ErrInvalidSite
	}

	d.mu.Lock()
	if d.site == siteID {
		d.mu.Unlock()
		return nil
	}
	previous := d.site
	d.site = siteID
	d.snapshot = nil
	started := d.started
	d.mu.Unlock()

	if started {
		if err := d.cameras.SetKey(siteID, d.cameraProducer(siteID)); err != nil {
			return fmt.Errorf("failed to re-key cameras: %w", err)
		}
		if err := d.events.SetKey(siteID, d.eventProducer(siteID)); err != nil {
			return fmt.Errorf("failed to re-key events: %w", err)
		}
		if err := d.upstream.SetKey(siteID, d.alertProducer(siteID)); err != nil {
			return fmt.Errorf("failed to re-key alerts: %w", err)
		}
	}

	d.observeAlerts()
	d.logger.Info("Switched site", zap.String("from", previous), zap.String("to", siteID))
	return nil
}

// Refetch triggers an immediate fetch of one source
func (d *Dashboard) Refetch(source string) error {
	switch source {
	case SourceCameras:
		return d.cameras.Refetch()
	case SourceEvents:
		return d.events.Refetch()
	case SourceAlerts:
		return d.upstream.Refetch()
	}
	return fmt.Errorf("%w: %s", ErrUnknownSource, source)
}

// Sources reports the state of every data source
func (d *Dashboard) Sources() []SourceStatus {
	return []SourceStatus{
		statusOf(SourceCameras, d.cameras.State()),
		statusOf(SourceEvents, d.events.State()),
		statusOf(SourceAlerts, d.upstream.State()),
	}
}

// Cameras returns the cameras of the current site as last fetched
func (d *Dashboard) Cameras() []model.Camera {
	st := d.cameras.State()
	return append([]model.Camera(nil), st.Data.Cameras...)
}

// Snapshot returns the latest snapshot of the current site. Before the first
// computation the cached snapshot is served when one exists.
func (d *Dashboard) Snapshot(ctx context.Context) (*model.DashboardMetricsSnapshot, error) {
	d.mu.RLock()
	snap := d.snapshot
	site := d.site
	d.mu.RUnlock()

	if snap != nil {
		c := *snap
		return &c, nil
	}

	if d.cache != nil {
		cached, err := d.cache.Get(ctx, site)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("Failed to read cached snapshot", zap.String("site", site), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("%w: site %s", ErrNoSnapshot, site)
}

// recompute rebuilds the snapshot from the latest events and site context.
// Results of a previous site are never mixed in.
func (d *Dashboard) recompute() {
	d.recomputeMu.Lock()
	defer d.recomputeMu.Unlock()

	site := d.Site()
	events := d.events.State()
	if events.Key != site || !events.HasData {
		return
	}

	in := kpi.Input{Events: events.Data}
	if cameras := d.cameras.State(); cameras.Key == site && cameras.HasData {
		in.Cameras = cameras.Data.Cameras
		if cameras.Data.Site != nil {
			in.Sites = []model.Site{*cameras.Data.Site}
		}
	}

	snap := d.aggregator.Generate(in)

	d.mu.Lock()
	if d.site != site {
		d.mu.Unlock()
		return
	}
	d.snapshot = snap
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.ObserveSnapshot(site, snap)
	}
	if d.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
		if err := d.cache.Put(ctx, site, snap); err != nil {
			d.logger.Warn("Failed to cache snapshot", zap.String("site", site), zap.Error(err))
		}
		cancel()
	}
	if d.publisher != nil {
		if err := d.publisher.PublishSnapshot(site, snap); err != nil {
			d.logger.Warn("Failed to publish snapshot", zap.String("site", site), zap.Error(err))
		}
	}
}

func (d *Dashboard) observeRefresh(source, errMsg string) {
	if d.metrics == nil {
		return
	}
	var err error
	if errMsg != "" {
		err = errors.New(errMsg)
	}
	d.metrics.ObserveRefresh(source, err)
}

func (d *Dashboard) observeAlerts() {
	if d.metrics != nil {
		d.metrics.ObserveAlerts(d.alerts.Summary(d.Site()))
	}
}

// alertChangeChannel forwards triage changes to the publisher and metrics.
// Changes are published under the alert's own site.
type alertChangeChannel struct {
	d *Dashboard
}

func (c *alertChangeChannel) Send(alert *model.Alert) error {
	c.d.observeAlerts()
	if c.d.publisher == nil {
		return nil
	}
	site := alert.SiteID
	if site == "" {
		site = c.d.Site()
	}
	return c.d.publisher.PublishAlertChange(site, alert)
}
