package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/startup"
	"github.com/des-work/WorldBuilder-sub000/internal/providers/theme"
)

// checkTimeout bounds each dependency check made during startup.
const checkTimeout = 2 * time.Second

func (s *Server) phaseActions() map[string]startup.Action {
	return map[string]startup.Action{
		startup.PhaseHostStart:         s.startHost,
		startup.PhaseServiceResolution: s.resolveServices,
		startup.PhaseThemeInit:         s.initTheme,
		startup.PhaseInitialPaint:      s.initialPaint,
		startup.PhaseDataLoad:          s.loadData,
		startup.PhaseStorageInit:       s.initStorage,
	}
}

// startHost binds the listener and serves the router. A restarted run reuses
// the listener bound by an earlier one.
func (s *Server) startHost(ctx context.Context, _ *startup.Recorder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	if s.cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConnections)
	}
	s.listener = ln

	if s.group == nil {
		s.group = new(errgroup.Group)
	}
	s.group.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	s.logger.Info("HTTP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.cfg.Server.MaxConnections),
	)
	return nil
}

// resolveServices starts the worker pool and scheduler and checks the AI
// service once. An offline AI service degrades the host but does not fail
// startup; the scheduled status job keeps checking in the background.
func (s *Server) resolveServices(ctx context.Context, rec *startup.Recorder) error {
	s.processor.Start()
	rec.ServicesResolved(1)

	s.startOnce.Do(s.scheduler.Start)
	rec.ServicesResolved(1)

	statusCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	status := s.facade.CheckStatus(statusCtx)
	cancel()
	if status.Online {
		rec.ServicesResolved(1)
		s.logger.Info("AI service online", zap.String("version", status.Version))
	} else {
		s.logger.Warn("AI service offline; continuing degraded", zap.String("reason", status.Reason))
	}

	if s.probe != nil {
		healthCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		serving, err := s.probe.Check(healthCtx, "")
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("gRPC health probe failed", zap.Error(err))
		case serving:
			rec.ServicesResolved(1)
		default:
			s.logger.Warn("gRPC health endpoint reports not serving")
		}
	}
	return nil
}

// initTheme loads the theme file and watches it for edits.
func (s *Server) initTheme(_ context.Context, _ *startup.Recorder) error {
	t, err := s.theme.Load()
	if err != nil {
		return err
	}
	s.logger.Info("Theme loaded", zap.String("theme", t.ID))

	s.watchOnce.Do(func() {
		err := s.theme.Watch(s.runContext(), func(t theme.Theme) {
			s.hub.Publish(EventThemeChanged, t)
		})
		if err != nil {
			s.logger.Warn("Theme hot reload disabled", zap.Error(err))
		}
	})
	return nil
}

func (s *Server) initialPaint(_ context.Context, _ *startup.Recorder) error {
	s.uiReady.Store(true)
	s.hub.Publish(EventUIReady, map[string]any{"theme": s.theme.Current().ID})
	return nil
}

// loadData indexes the workspace and warms the model cache.
func (s *Server) loadData(ctx context.Context, _ *startup.Recorder) error {
	idx, err := s.loader.Scan(ctx)
	if err != nil {
		return err
	}
	s.index.Store(idx)
	s.hub.Publish(EventWorkspaceIndexed, map[string]any{
		"projects":  len(idx.Projects),
		"documents": idx.Documents,
		"words":     idx.Words,
		"skipped":   len(idx.Skipped),
	})

	models := s.facade.ListModels(ctx)
	s.logger.Info("Model cache warmed", zap.Int("models", len(models)))
	return nil
}

// initStorage migrates manifests, seeds an empty workspace and refreshes the
// index when anything changed.
func (s *Server) initStorage(ctx context.Context, rec *startup.Recorder) error {
	report, err := s.migrator.Run(ctx)
	if err != nil {
		return err
	}
	if len(report.Migrated) > 0 {
		rec.MigrationRan()
	}
	if report.Seeded {
		rec.SeedingRan()
	}

	if len(report.Migrated) > 0 || report.Seeded {
		idx, err := s.loader.Scan(ctx)
		if err != nil {
			return err
		}
		s.index.Store(idx)
	}
	s.hub.Publish(EventWorkspaceReady, report)
	return nil
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
