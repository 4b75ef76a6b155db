package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP routes. gatherer backs /metrics and may be nil.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(h.logger))
	router.Use(gin.Recovery())

	router.GET("/health", h.Health)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		dashboard := api.Group("/dashboard")
		dashboard.GET("/snapshot", h.GetSnapshot)
		dashboard.GET("/sources", h.GetSources)
		dashboard.POST("/sources/:source/refetch", h.Refetch)
		dashboard.GET("/site", h.GetSite)
		dashboard.PUT("/site", h.SetSite)
		dashboard.GET("/cameras", h.GetCameras)

		alerts := api.Group("/alerts")
		alerts.GET("", h.ListAlerts)
		alerts.POST("", h.CreateAlert)
		alerts.GET("/summary", h.GetAlertSummary)
		alerts.POST("/bulk/status", h.BulkUpdateStatus)
		alerts.POST("/bulk/assign", h.BulkAssign)
		alerts.GET("/selection", h.GetSelection)
		alerts.POST("/selection", h.Select)
		alerts.POST("/selection/remove", h.Deselect)
		alerts.POST("/selection/all", h.SelectAll)
		alerts.DELETE("/selection", h.ClearSelection)
		alerts.GET("/:id", h.GetAlert)
		alerts.PUT("/:id/status", h.UpdateAlertStatus)
		alerts.PUT("/:id/assignee", h.AssignAlert)
		alerts.POST("/:id/reopen", h.ReopenAlert)
		alerts.GET("/:id/history", h.GetAlertHistory)

		api.GET("/history", h.GetHistory)
		api.GET("/jobs", h.GetJobs)

		ingest := api.Group("/sites/:site")
		ingest.PUT("", h.IngestSite)
		ingest.POST("/events", h.IngestEvent)
		ingest.POST("/alerts", h.IngestAlert)
		ingest.POST("/cameras", h.IngestCamera)
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if status >= 500 {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}
