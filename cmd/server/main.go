package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/api"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/config"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/kpi"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/logging"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/model"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/monitor"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/scheduler"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/service"
	"github.com/vv2017kl/ai-construction-monitoring-sub001/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("MONITOR_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.App.Name)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := connectNATS(cfg.NATS, cfg.App.Name, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	db, err := storage.OpenSQLite(cfg.SQLite.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	store, err := storage.NewSQLiteEventStore(logger, db)
	if err != nil {
		logger.Fatal("Failed to create event store", zap.Error(err))
	}
	history, err := storage.NewSQLiteAlertHistory(logger, db)
	if err != nil {
		logger.Fatal("Failed to create alert history storage", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// snapshots are still computed, only the warm-start cache is lost
		logger.Warn("Redis unavailable, snapshot cache disabled until it recovers",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
	}
	pingCancel()
	cache := storage.NewSnapshotCache(logger, rdb, cfg.Redis.SnapshotTTL)

	ingestor := service.NewIngestor(js, store, cfg.NATS.Stream, logger)
	if err := ingestor.EnsureStreams(); err != nil {
		logger.Fatal("Failed to set up streams", zap.Error(err))
	}

	metrics := monitor.NewMetricsCollector(js, cfg.Refresh.SystemMetrics, logger)
	alerts := monitor.NewAlertManager(logger, monitor.WithAlertHistory(history))
	alerts.AddChannel("metrics", metrics)

	aggregator := kpi.NewAggregator(logger, kpi.WithPPEWindow(cfg.KPI.PPEWindowHours))
	dashboard := service.NewDashboard(service.DashboardConfig{
		SiteID:         cfg.App.SiteID,
		CameraInterval: cfg.Refresh.Cameras,
		EventInterval:  cfg.Refresh.Events,
		AlertInterval:  cfg.Refresh.Alerts,
		EventLookback:  cfg.Refresh.EventLookback,
	}, store, alerts, aggregator, logger,
		service.WithSnapshotCache(cache),
		service.WithPublisher(ingestor),
		service.WithMetrics(metrics),
	)

	housekeeping := scheduler.NewCronScheduler(logger)
	if err := addRetentionJobs(housekeeping, cfg.Retention, store, history); err != nil {
		logger.Fatal("Failed to schedule retention jobs", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := ingestor.Start(ctx); err != nil {
		logger.Fatal("Failed to start ingestor", zap.Error(err))
	}
	if err := metrics.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	if err := dashboard.Start(ctx); err != nil {
		logger.Fatal("Failed to start dashboard", zap.Error(err))
	}
	if err := housekeeping.Start(ctx); err != nil {
		logger.Fatal("Failed to start housekeeping scheduler", zap.Error(err))
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(dashboard, alerts, history, ingestor, housekeeping, logger)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, metrics.Registry()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	housekeeping.Stop()
	dashboard.Stop()
	ingestor.Stop()
	metrics.Stop()

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	urls := strings.Join(cfg.URLs, ",")
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func addRetentionJobs(s *scheduler.CronScheduler, cfg config.RetentionConfig, store storage.EventStore, history storage.AlertHistoryStorage) error {
	jobs := []struct {
		name   string
		maxAge time.Duration
		run    func(ctx context.Context, before time.Time) (int64, error)
	}{
		{"event-retention", cfg.EventMaxAge, store.DeleteEventsBefore},
		{"history-retention", cfg.HistoryMaxAge, history.DeleteBefore},
	}

	for _, j := range jobs {
		if j.maxAge <= 0 {
			continue
		}
		j := j
		job := &model.HousekeepingJob{Name: j.name, Expression: cfg.Schedule}
		if err := s.AddJob(job, func(ctx context.Context) error {
			_, err := j.run(ctx, time.Now().Add(-j.maxAge))
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}
