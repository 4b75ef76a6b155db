package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

// Subjects. Every ingest subject ends with the site id.
const (
	SubjectEvents   = "site.events"
	SubjectAlerts   = "site.alerts"
	SubjectCameras  = "site.cameras"
	SubjectSites    = "site.info"
	SubjectSnapshot = "dashboard.metrics"
	SubjectAlertLog = "dashboard.alerts"

	dashboardStream = "DASHBOARD"
	storeTimeout    = 5 * time.Second
	nakDelay        = 2 * time.Second
)

// Ingestor moves site entities from JetStream into the event store and
// publishes dashboard output back to JetStream.
type Ingestor struct {
	js     nats.JetStreamContext
	store  storage.EventStore
	stream string
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewIngestor creates a new ingestor reading from stream
func NewIngestor(js nats.JetStreamContext, store storage.EventStore, stream string, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		js:     js,
		store:  store,
		stream: stream,
		logger: logger.Named("ingestor"),
	}
}

// EnsureStreams creates the ingest and dashboard streams when missing
func (i *Ingestor) EnsureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:     i.stream,
			Subjects: []string{"site.>"},
			Storage:  nats.FileStorage,
		},
		{
			Name:              dashboardStream,
			Subjects:          []string{"dashboard.>"},
			Storage:           nats.MemoryStorage,
			MaxMsgsPerSubject: 16,
		},
	}

	for _, cfg := range streams {
		_, err := i.js.StreamInfo(cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream %s: %w", cfg.Name, err)
		}
		if _, err := i.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		i.logger.Info("Created stream", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))
	}
	return nil
}

// Start subscribes to every ingest subject. Subscriptions end with ctx.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.subs) > 0 {
		return ErrAlreadyStarted
	}

	handlers := []struct {
		subject string
		durable string
		handle  func(ctx context.Context, siteID string, data []byte) error
	}{
		{SubjectSites, "monitor-sites", i.handleSite},
		{SubjectCameras, "monitor-cameras", i.handleCamera},
		{SubjectEvents, "monitor-events", i.handleEvent},
		{SubjectAlerts, "monitor-alerts", i.handleAlert},
	}

	for _, h := range handlers {
		h := h
		sub, err := i.js.Subscribe(h.subject+".*", func(msg *nats.Msg) {
			i.dispatch(ctx, msg, h.handle)
		}, nats.Durable(h.durable), nats.ManualAck(), nats.DeliverAll())
		if err != nil {
			i.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
		}
		i.subs = append(i.subs, sub)
	}

	go func() {
		<-ctx.Done()
		i.Stop()
	}()

	i.logger.Info("Ingestor started", zap.String("stream", i.stream))
	return nil
}

// Stop removes all subscriptions
func (i *Ingestor) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unsubscribeLocked()
}

func (i *Ingestor) unsubscribeLocked() {
	for _, sub := range i.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			i.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	i.subs = nil
}

// siteFromSubject returns the last subject token
func siteFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}

func (i *Ingestor) dispatch(ctx context.Context, msg *nats.Msg, handle func(context.Context, string, []byte) error) {
	siteID := siteFromSubject(msg.Subject)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := handle(storeCtx, siteID, msg.Data)
	cancel()

	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			i.logger.Warn("Dropping invalid message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if termErr := msg.Term(); termErr != nil {
				i.logger.Error("Failed to terminate message", zap.Error(termErr))
			}
			return
		}
		i.logger.Error("Failed to ingest message",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
			i.logger.Error("Failed to nak message", zap.Error(nakErr))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		i.logger.Error("Failed to ack message", zap.Error(err))
	}
}

func (i *Ingestor) handleEvent(ctx context.Context, siteID string, data []byte) error {
	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !event.Valid() {
		return fmt.Errorf("%w: event %q is missing id, timestamp or a known detection type", ErrInvalidPayload, event.ID)
	}
	if !event.Severity.Valid() {
		return fmt.Errorf("%w: event %q has severity %q", ErrInvalidPayload, event.ID, event.Severity)
	}
	return i.store.SaveEvent(ctx, siteID, &event)
}

func (i *Ingestor) handleAlert(ctx context.Context, siteID string, data []byte) error {
	var alert model.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if alert.ID == "" || alert.Timestamp.IsZero() || !alert.Priority.Valid() {
		return fmt.Errorf("%w: alert %q is missing id, timestamp or priority", ErrInvalidPayload, alert.ID)
	}
	if siteID == "" {
		return fmt.Errorf("%w: alert %q has no site", ErrInvalidPayload, alert.ID)
	}
	return i.store.SaveAlert(ctx, siteID, &alert)
}

func (i *Ingestor) handleCamera(ctx context.Context, siteID string, data []byte) error {
	var camera model.Camera
	if err := json.Unmarshal(data, &camera); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if camera.SiteID == "" {
		camera.SiteID = siteID
	}
	if camera.ID == "" || camera.SiteID == "" {
		return fmt.Errorf("%w: camera is missing id or site", ErrInvalidPayload)
	}
	return i.store.SaveCamera(ctx, &camera)
}

func (i *Ingestor) handleSite(ctx context.Context, siteID string, data []byte) error {
	var site model.Site
	if err := json.Unmarshal(data, &site); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if site.ID == "" {
		site.ID = siteID
	}
	if site.ID == "" {
		return fmt.Errorf("%w: site is missing id", ErrInvalidPayload)
	}
	return i.store.SaveSite(ctx, &site)
}

func (i *Ingestor) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}
	if _, err := i.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishEvent publishes an event for ingestion
func (i *Ingestor) PublishEvent(siteID string, event *model.Event) error {
	return i.publish(SubjectEvents+"."+siteID, event)
}

// PublishAlert publishes an upstream alert for ingestion
func (i *Ingestor) PublishAlert(siteID string, alert *model.Alert) error {
	return i.publish(SubjectAlerts+"."+siteID, alert)
}

// PublishCamera publishes camera metadata for ingestion
func (i *Ingestor) PublishCamera(camera *model.Camera) error {
	return i.publish(SubjectCameras+"."+camera.SiteID, camera)
}

// PublishSite publishes site metadata for ingestion
func (i *Ingestor) PublishSite(site *model.Site) error {
	return i.publish(SubjectSites+"."+site.ID, site)
}

// PublishSnapshot publishes the latest dashboard snapshot of a site
func (i *Ingestor) PublishSnapshot(siteID string, snap *model.DashboardMetricsSnapshot) error {
	return i.publish(SubjectSnapshot+"."+siteID, snap)
}

// PublishAlertChange publishes the new state of a triaged alert
func (i *Ingestor) PublishAlertChange(siteID string, alert *model.Alert) error {
	return i.publish(SubjectAlertLog+"."+siteID, alert)
}
