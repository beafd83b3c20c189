package server

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// scheduleJobs registers the periodic maintenance jobs. They run once the
// scheduler is started during ServiceResolution.
func (s *Server) scheduleJobs() error {
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.Cache.SweepInterval),
		gocron.NewTask(s.sweepCaches),
		gocron.WithName("cache-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(s.cfg.Inference.ProbeInterval),
		gocron.NewTask(s.probeAI),
		gocron.WithName("ai-probe"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule AI probe: %w", err)
	}
	return nil
}

// sweepCaches drops expired façade entries and idle rate limiters.
func (s *Server) sweepCaches() {
	entries := s.facade.Sweep()
	clients := 0
	if s.limiter != nil {
		clients = s.limiter.Sweep()
	}
	if entries > 0 || clients > 0 {
		s.logger.Debug("Swept caches",
			zap.Int("cache_entries", entries),
			zap.Int("rate_limit_clients", clients),
		)
	}
}

// probeAI refreshes AI availability and broadcasts changes.
func (s *Server) probeAI() {
	before := s.facade.LastStatus()
	ctx, cancel := context.WithTimeout(s.runContext(), s.cfg.Inference.Timeout)
	defer cancel()

	after := s.facade.Status(ctx)
	if after.Online != before.Online {
		s.logger.Info("AI availability changed",
			zap.Bool("online", after.Online),
			zap.String("reason", after.Reason),
		)
		s.hub.Publish(EventAIStatus, after)
	}
}
