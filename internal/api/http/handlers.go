package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/inference"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/startup"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/workspace"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/monitoring"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
	"github.com/des-work/WorldBuilder-sub000/internal/providers/theme"
)

// StartupController exposes the startup run.
type StartupController interface {
	Status() startup.Status
	Cancel()
}

// CircuitRegistry exposes circuit breaker state.
type CircuitRegistry interface {
	Snapshot() []resilience.CircuitRecord
	Reset(key string) bool
}

// TaskStats exposes background processor counters.
type TaskStats interface {
	Stats() tasks.Stats
}

// AI is the resilient inference façade.
type AI interface {
	ListModels(ctx context.Context) []inference.Model
	Generate(ctx context.Context, req inference.GenerationRequest) inference.Completion
	Status(ctx context.Context) inference.ServiceStatus
	LastStatus() inference.ServiceStatus
	PullModel(ctx context.Context, name string) bool
	CacheStats() map[string]inference.CacheStats
	PendingRetries() int
}

// ThemeStore reads and switches the UI theme.
type ThemeStore interface {
	Current() theme.Theme
	Themes() []theme.Theme
	Set(id string) (theme.Theme, error)
}

// WorkspaceSource returns the latest workspace index, or nil before the
// first scan.
type WorkspaceSource interface {
	Index() *workspace.Index
}

// MetricsSource returns the JSON metrics summary.
type MetricsSource interface {
	Snapshot() monitoring.MetricsSnapshot
}

// Deps are the components served by the API. Nil components answer 503.
type Deps struct {
	Startup   StartupController
	Circuits  CircuitRegistry
	Tasks     TaskStats
	AI        AI
	Theme     ThemeStore
	Workspace WorkspaceSource
	Metrics   MetricsSource
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Version   string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	Deps
	logger   *zap.Logger
	uiLogger *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handlers{
		Deps:     deps,
		logger:   logger.Named("api"),
		uiLogger: logger.Named("ui"),
	}
}

// Register mounts every route on r. events, when set, serves /events.
func (h *Handlers) Register(r gin.IRouter, events gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/startup", h.StartupStatus)
	r.POST("/startup/cancel", h.CancelStartup)

	r.GET("/circuits", h.ListCircuits)
	r.POST("/circuits/:key/reset", h.ResetCircuit)
	r.GET("/tasks/stats", h.TaskStats)

	ai := r.Group("/ai")
	ai.GET("/models", h.ListModels)
	ai.POST("/models/pull", h.PullModel)
	ai.POST("/generate", h.Generate)
	ai.GET("/status", h.AIStatus)
	ai.GET("/cache", h.AICache)

	r.GET("/theme", h.GetTheme)
	r.PUT("/theme", h.SetTheme)

	r.GET("/workspace/projects", h.ListProjects)
	r.GET("/workspace/projects/:id", h.GetProject)

	r.POST("/logs", h.StreamLogs)

	r.GET("/metrics", h.PrometheusMetrics)
	r.GET("/metrics/json", h.MetricsJSON)

	if events != nil {
		r.GET("/events", events)
	}
}

// Root identifies the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "WorldBuilder host",
		"version": h.Version,
	})
}

// Health reports startup and dependency state. It answers 503 only when
// startup failed; an offline AI service leaves the host degraded but usable.
func (h *Handlers) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	body := gin.H{}

	if h.Startup != nil {
		s := h.Startup.Status()
		body["startup"] = gin.H{"state": s.State, "phase": s.Phase, "progress": s.Progress}
		if s.State == startup.StateFailed {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	if h.AI != nil {
		ai := h.AI.LastStatus()
		body["ai_service"] = ai
		if !ai.Online && status == "healthy" {
			status = "degraded"
		}
	}

	if h.Circuits != nil {
		open := 0
		for _, rec := range h.Circuits.Snapshot() {
			if rec.State != resilience.StateClosed {
				open++
			}
		}
		body["circuits_not_closed"] = open
		if open > 0 && status == "healthy" {
			status = "degraded"
		}
	}

	body["status"] = status
	c.JSON(code, body)
}

func unavailable(c *gin.Context, component string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": component + " is not available"})
}

// PrometheusMetrics serves the registry in Prometheus text format
func (h *Handlers) PrometheusMetrics(c *gin.Context) {
	if h.Gatherer == nil {
		unavailable(c, "metrics")
		return
	}
	promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// MetricsJSON returns the metrics summary
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.Metrics == nil {
		unavailable(c, "metrics")
		return
	}
	c.JSON(http.StatusOK, h.Metrics.Snapshot())
}
