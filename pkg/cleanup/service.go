// Package cleanup provides data retention for the durable store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// Service periodically enforces retention policies:
//   - Deletes terminal task records past their retention window
//   - Deletes stopped and errored agent records past theirs
//
// All operations are idempotent; live records are never touched.
type Service struct {
	cfg   config.RetentionConfig
	store storage.Store
	clock ident.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper over the store.
func NewService(cfg config.RetentionConfig, store storage.Store, clock ident.Clock) *Service {
	return &Service{cfg: cfg, store: store, clock: clock}
}

// Start launches the background cleanup loop. A zero interval disables it.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.cfg.Interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"task_retention", s.cfg.TaskRetention,
		"agent_retention", s.cfg.AgentRetention,
		"interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one sweep of every retention policy.
func (s *Service) RunAll(ctx context.Context) {
	s.sweepTasks(ctx)
	s.sweepAgents(ctx)
}

func (s *Service) sweepTasks(ctx context.Context) {
	if s.cfg.TaskRetention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.TaskRetention)

	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		slog.Error("Retention: task listing failed", "error", err)
		return
	}
	count := 0
	for _, t := range tasks {
		if !t.Status.Terminal() || t.EndedAt == nil || t.EndedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil && !storage.IsNotFound(err) {
			slog.Error("Retention: task delete failed", "task_id", t.ID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("Retention: deleted settled tasks", "count", count)
	}
}

func (s *Service) sweepAgents(ctx context.Context) {
	if s.cfg.AgentRetention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.cfg.AgentRetention)

	agents, err := s.store.ListAgents(ctx, models.AgentFilter{})
	if err != nil {
		slog.Error("Retention: agent listing failed", "error", err)
		return
	}
	count := 0
	for _, a := range agents {
		if !a.Status.Terminal() || a.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteAgent(ctx, a.ID); err != nil && !storage.IsNotFound(err) {
			slog.Error("Retention: agent delete failed", "agent_id", a.ID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("Retention: deleted settled agent records", "count", count)
	}
}
