package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
)

const metricPrefix = "site_monitor_"

// SystemSubject carries periodic host usage samples
const SystemSubject = "metrics.system"

// SystemStats is one host usage sample
type SystemStats struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
}

// MetricsCollector exports dashboard KPIs, refresh outcomes and host usage
// to Prometheus. Host samples are also published on NATS when a JetStream
// context is configured.
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	interval time.Duration
	registry *prometheus.Registry
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.RWMutex
	last SystemStats

	safetyScore       *prometheus.GaugeVec
	ppeCompliance     *prometheus.GaugeVec
	personnelCount    *prometheus.GaugeVec
	equipmentActive   *prometheus.GaugeVec
	progressComplete  *prometheus.GaugeVec
	openAlerts        *prometheus.GaugeVec
	refreshTotal      *prometheus.CounterVec
	alertChanges      *prometheus.CounterVec
	cpuUsage          prometheus.Gauge
	memoryUsage       prometheus.Gauge
	snapshotTimestamp *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector with its own registry.
// js may be nil.
func NewMetricsCollector(js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	c := &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		interval: interval,
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),

		safetyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "safety_score",
			Help: "Safety score on a 0-10 scale",
		}, []string{"site"}),
		ppeCompliance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "ppe_compliance_percent",
			Help: "PPE compliance percentage",
		}, []string{"site"}),
		personnelCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "personnel_count",
			Help: "Personnel observed in the trailing window",
		}, []string{"site"}),
		equipmentActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "equipment_active",
			Help: "Distinct equipment active in the trailing window",
		}, []string{"site"}),
		progressComplete: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "progress_completion_percent",
			Help: "Estimated project completion percentage",
		}, []string{"site"}),
		openAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "unresolved_alerts",
			Help: "Unresolved alerts by priority",
		}, []string{"priority"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "refresh_total",
			Help: "Refresh ticks by source and result",
		}, []string{"source", "result"}),
		alertChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alert_changes_total",
			Help: "Alert changes by resulting status",
		}, []string{"status"}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "host_cpu_percent",
			Help: "Host CPU usage percentage",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "host_memory_percent",
			Help: "Host memory usage percentage",
		}),
		snapshotTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "snapshot_timestamp_seconds",
			Help: "Unix time of the latest snapshot",
		}, []string{"site"}),
	}

	c.registry.MustRegister(
		c.safetyScore,
		c.ppeCompliance,
		c.personnelCount,
		c.equipmentActive,
		c.progressComplete,
		c.openAlerts,
		c.refreshTotal,
		c.alertChanges,
		c.cpuUsage,
		c.memoryUsage,
		c.snapshotTimestamp,
	)
	return c
}

// Registry returns the registry backing the /metrics endpoint
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Start starts sampling host usage every interval
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	c.mu.Lock()
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.collectLoop(ctx, done)
	return nil
}

// Stop stops the metrics collector and waits for the sampling loop to exit
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})

	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// ObserveSnapshot exports the KPIs of a freshly computed snapshot
func (c *MetricsCollector) ObserveSnapshot(site string, snap *model.DashboardMetricsSnapshot) {
	if snap == nil {
		return
	}
	c.safetyScore.WithLabelValues(site).Set(snap.Safety.Score)
	c.ppeCompliance.WithLabelValues(site).Set(float64(snap.PPE.Compliance))
	c.personnelCount.WithLabelValues(site).Set(float64(snap.Personnel.Count))
	c.equipmentActive.WithLabelValues(site).Set(float64(snap.Equipment.Active))
	c.progressComplete.WithLabelValues(site).Set(float64(snap.Progress.Completion))
	c.snapshotTimestamp.WithLabelValues(site).Set(float64(snap.LastCalculated.Unix()))
}

// ObserveAlerts exports the unresolved alert tally
func (c *MetricsCollector) ObserveAlerts(m model.AlertMetrics) {
	c.openAlerts.WithLabelValues(string(model.SeverityCritical)).Set(float64(m.Critical))
	c.openAlerts.WithLabelValues(string(model.SeverityHigh)).Set(float64(m.High))
	c.openAlerts.WithLabelValues(string(model.SeverityMedium)).Set(float64(m.Medium))
}

// ObserveRefresh counts one refresh tick of source
func (c *MetricsCollector) ObserveRefresh(source string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.refreshTotal.WithLabelValues(source, result).Inc()
}

// Send implements NotificationChannel by counting changes per status
func (c *MetricsCollector) Send(alert *model.Alert) error {
	c.alertChanges.WithLabelValues(string(alert.Status)).Inc()
	return nil
}

// collectLoop runs the host sampling loop
func (c *MetricsCollector) collectLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectMetrics()
		}
	}
}

// collectMetrics samples host CPU and memory usage
func (c *MetricsCollector) collectMetrics() {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
		return
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
		return
	}

	stats := SystemStats{
		Timestamp:   time.Now(),
		CPUUsage:    cpuPercent[0],
		MemoryUsage: memInfo.UsedPercent,
	}
	c.cpuUsage.Set(stats.CPUUsage)
	c.memoryUsage.Set(stats.MemoryUsage)

	c.mu.Lock()
	c.last = stats
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(stats)
		if err != nil {
			c.logger.Error("Failed to marshal metrics", zap.Error(err))
			return
		}
		if _, err := c.js.Publish(SystemSubject, data); err != nil {
			c.logger.Error("Failed to publish metrics", zap.Error(err))
			return
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))
}

// LastSystemStats returns the latest host sample
func (c *MetricsCollector) LastSystemStats() SystemStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
