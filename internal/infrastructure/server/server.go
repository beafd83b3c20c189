package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/des-work/WorldBuilder-sub000/internal/api/http"
	"github.com/des-work/WorldBuilder-sub000/internal/api/middleware"
	"github.com/des-work/WorldBuilder-sub000/internal/api/ws"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/inference"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/startup"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/workspace"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/config"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/logging"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/monitoring"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tracing"
	aiclient "github.com/des-work/WorldBuilder-sub000/internal/providers/inference"
	"github.com/des-work/WorldBuilder-sub000/internal/providers/theme"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// Event types broadcast on /events besides the startup ones.
const (
	EventCircuitState     = "circuit.state"
	EventAIDegraded       = "ai.degraded"
	EventAIStatus         = "ai.status"
	EventThemeChanged     = "theme.changed"
	EventUIReady          = "ui.ready"
	EventWorkspaceIndexed = "workspace.indexed"
	EventWorkspaceReady   = "workspace.ready"
)

// Options configures the host.
type Options struct {
	Config *config.Config
	Logger *logging.Logger
	// Registry receives the Prometheus collectors; a fresh one when nil
	Registry *prometheus.Registry
	// Service replaces the HTTP inference client
	Service inference.Service
	Clock   clock.Clock
	Version string
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	version string

	registry  *prometheus.Registry
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	breaker   *resilience.Breaker
	processor *tasks.Processor
	facade    *inference.Facade
	probe     *aiclient.HealthProbe
	theme     *theme.Provider
	loader    *workspace.Loader
	migrator  *workspace.Migrator
	hub       *ws.Hub
	limiter   *middleware.ClientLimiter
	scheduler gocron.Scheduler

	orchestrator *startup.Orchestrator
	router       *gin.Engine
	httpServer   *http.Server

	index   atomic.Pointer[workspace.Index]
	uiReady atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	group    *errgroup.Group
	baseCtx  context.Context

	startOnce    sync.Once
	watchOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds every component and wires them together. Nothing runs until Run.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  opts.Version,
		registry: registry,
		baseCtx:  context.Background(),
	}

	s.metrics = monitoring.NewMetrics(registry)
	s.tracer = tracing.New("worldbuilder", logger.Component("tracing"))

	s.hub = ws.NewHub(ws.Options{
		Logger:   logger.Component("ws"),
		Recorder: s.metrics,
		Snapshot: func() any { return s.orchestrator.Status() },
	})

	settings := cfg.BreakerSettings()
	settings.Clock = opts.Clock
	settings.Logger = logger.Component("resilience")
	settings.OnStateChange = func(key string, from, to resilience.State) {
		s.metrics.CircuitStateChanged(key, from, to)
		s.hub.Publish(EventCircuitState, map[string]any{
			"key":  key,
			"from": from.String(),
			"to":   to.String(),
		})
	}
	settings.OnReject = s.metrics.CircuitRejected
	s.breaker = resilience.New(settings)

	policy := cfg.RetryPolicy()
	policy.Clock = opts.Clock
	policy.OnRetry = s.metrics.RetryAttempted

	taskCfg := cfg.TaskProcessorConfig()
	taskCfg.Clock = opts.Clock
	taskCfg.Logger = logger.Component("tasks")
	taskCfg.Recorder = s.metrics
	s.processor = tasks.New(taskCfg)

	svc := opts.Service
	if svc == nil {
		svc = aiclient.New(aiclient.Config{
			BaseURL:           cfg.Inference.URL,
			Timeout:           cfg.Inference.Timeout,
			RequestsPerSecond: cfg.Inference.RequestsPerSecond,
			Logger:            logger.Logger,
		})
	}
	if cfg.Inference.GRPCHealthAddr != "" {
		probe, err := aiclient.NewHealthProbe(cfg.Inference.GRPCHealthAddr, s.tracer)
		if err != nil {
			logger.Warn("gRPC health probe disabled", zap.Error(err))
		} else {
			s.probe = probe
		}
	}

	s.facade = inference.NewFacade(svc, inference.Options{
		Breaker:       s.breaker,
		Retry:         policy,
		Tasks:         s.processor,
		Timeout:       cfg.Inference.Timeout,
		ModelsTTL:     cfg.Cache.ModelsTTL,
		GenerationTTL: cfg.Cache.GenerationTTL,
		OnDegraded: func(ev inference.DegradedEvent) {
			s.hub.Publish(EventAIDegraded, ev)
		},
		Recorder: s.metrics,
		Tracer:   s.tracer,
		Clock:    opts.Clock,
		Logger:   logger.Logger,
	})

	s.theme = theme.NewProvider(cfg.Workspace.ThemeFile, logger.Component("theme"))
	s.loader = workspace.NewLoader(cfg.Workspace.Dir, logger.Component("workspace"))
	s.migrator = workspace.NewMigrator(s.loader, opts.Clock, logger.Component("workspace"))

	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewClientLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.scheduler = scheduler
	if err := s.scheduleJobs(); err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}

	orch, err := startup.New(startup.StandardPhases(s.phaseActions()), startup.Options{
		Clock:    opts.Clock,
		Logger:   logger.Logger,
		Tracer:   s.tracer,
		Observer: s.metrics,
	})
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}
	s.orchestrator = orch
	orch.Subscribe(func(ev startup.Event) {
		s.hub.Publish(string(ev.Type), ev)
	})

	s.router = s.buildRouter(cfg)
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("WorldBuilder host initialized",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ai_url", cfg.Inference.URL),
		zap.String("workspace", cfg.Workspace.Dir),
	)
	return s, nil
}

func (s *Server) buildRouter(cfg *config.Config) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.Recovery(s.logger.Component("http")))
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.RequestLogger(s.logger.Component("http")))
	if s.limiter != nil {
		router.Use(s.limiter.Middleware())
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	handlers := apihttp.NewHandlers(apihttp.Deps{
		Startup:   s.orchestrator,
		Circuits:  s.breaker,
		Tasks:     s.processor,
		AI:        s.facade,
		Theme:     s.theme,
		Workspace: s,
		Metrics:   s.metrics,
		Gatherer:  s.registry,
		Logger:    s.logger.Logger,
		Version:   s.version,
	})
	handlers.Register(router, s.hub.HandleConnection)
	return router
}

// Run binds the listener through the startup plan and serves until ctx is
// cancelled or the HTTP server fails, then shuts down. A failure after the
// listener is bound keeps the host serving so the UI can show it.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = g
	s.baseCtx = gctx
	s.mu.Unlock()

	if err := s.orchestrator.Start(gctx); err != nil {
		if s.Addr() == "" {
			s.shutdownWithTimeout(ctx)
			return fmt.Errorf("startup failed: %w", err)
		}
		s.logger.Error("Startup failed; serving failure state", zap.Error(err))
	}

	<-gctx.Done()
	shutdownErr := s.shutdownWithTimeout(ctx)
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func (s *Server) shutdownWithTimeout(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the HTTP server and every background component. It is safe
// to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down WorldBuilder host")
		var errs []error

		s.orchestrator.Cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		s.hub.Close()
		if err := s.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		if err := s.processor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task processor shutdown: %w", err))
		}
		if err := s.theme.Close(); err != nil {
			errs = append(errs, fmt.Errorf("theme watcher: %w", err))
		}
		if s.probe != nil {
			if err := s.probe.Close(); err != nil {
				errs = append(errs, fmt.Errorf("health probe: %w", err))
			}
		}
		s.tracer.Close()
		_ = s.logger.Sync()

		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

// Addr returns the bound listener address, or "" before HostStart.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Index returns the latest workspace index, or nil before DataLoad.
func (s *Server) Index() *workspace.Index {
	return s.index.Load()
}

// UIReady reports whether InitialPaint has run.
func (s *Server) UIReady() bool {
	return s.uiReady.Load()
}

// Orchestrator returns the startup orchestrator.
func (s *Server) Orchestrator() *startup.Orchestrator {
	return s.orchestrator
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the Prometheus collectors.
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}
