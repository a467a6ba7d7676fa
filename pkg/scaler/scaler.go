// Package scaler is the closed-loop controller that grows and shrinks the
// agent fleet against a scaling policy, using the metrics ring as its
// signal and the coordinator as its actuator.
package scaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/metrics"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// Decision signal watermarks beyond the policy thresholds.
const (
	queueHighWatermark = 5
	rtHighWatermark    = 5 * time.Second
)

// ErrInvalidPolicy means the policy violates the bounds or hysteresis
// constraints and was not adopted.
var ErrInvalidPolicy = errors.New("invalid scaling policy")

// ErrLimit means a manual scaling request would cross the policy bounds.
var ErrLimit = errors.New("scaling limit violation")

// Fleet is the slice of the coordinator the scaler actuates.
type Fleet interface {
	ActiveAgentCount() int
	RegisterAgent(ctx context.Context, spec process.AgentSpec) (*models.Agent, error)
	PickScaleDownVictim() (string, error)
	UnregisterAgent(ctx context.Context, id string, force bool) error
}

// Scaler runs one decision tick per interval while the adopted policy is
// enabled, and executes at most one unit of change per tick.
type Scaler struct {
	store    storage.Store
	eventBus *bus.Bus
	clock    ident.Clock
	fleet    Fleet
	ring     *metrics.Ring
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	policy *models.ScalingPolicy

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scaler with no policy adopted yet.
func New(store storage.Store, eventBus *bus.Bus, clock ident.Clock, fleet Fleet, ring *metrics.Ring, interval time.Duration) *Scaler {
	return &Scaler{
		store:    store,
		eventBus: eventBus,
		clock:    clock,
		fleet:    fleet,
		ring:     ring,
		interval: interval,
		logger:   slog.With("component", "scaler"),
		stopCh:   make(chan struct{}),
	}
}

// ValidatePolicy enforces the bounds and strict hysteresis invariants.
func ValidatePolicy(p *models.ScalingPolicy) error {
	if p.MinAgents < 0 {
		return fmt.Errorf("%w: min_agents must not be negative", ErrInvalidPolicy)
	}
	if p.MaxAgents < p.MinAgents {
		return fmt.Errorf("%w: max_agents %d below min_agents %d", ErrInvalidPolicy, p.MaxAgents, p.MinAgents)
	}
	if p.TargetUtilization <= 0 || p.TargetUtilization >= 100 {
		return fmt.Errorf("%w: target_utilization must be inside (0, 100)", ErrInvalidPolicy)
	}
	if !(p.ScaleDownThreshold < p.TargetUtilization && p.TargetUtilization < p.ScaleUpThreshold) {
		return fmt.Errorf("%w: thresholds must satisfy down < target < up strictly", ErrInvalidPolicy)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// SetPolicy validates, persists, and adopts a policy.
func (s *Scaler) SetPolicy(ctx context.Context, p *models.ScalingPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	adopted := p.Clone()
	if adopted.ID == "" {
		adopted.ID = ident.NewID()
	}
	if adopted.Type == "" {
		adopted.Type = models.PolicyAuto
	}
	if err := s.store.PutScalingPolicy(ctx, adopted.Clone()); err != nil {
		return err
	}

	s.mu.Lock()
	s.policy = adopted
	s.mu.Unlock()
	s.logger.Info("Scaling policy adopted",
		"policy_id", adopted.ID, "min", adopted.MinAgents, "max", adopted.MaxAgents,
		"enabled", adopted.Enabled)
	return nil
}

// Policy returns the adopted policy, or nil.
func (s *Scaler) Policy() *models.ScalingPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == nil {
		return nil
	}
	return s.policy.Clone()
}

// Recover re-adopts the current policy from the store.
func (s *Scaler) Recover(ctx context.Context) error {
	p, err := s.store.CurrentPolicy(ctx)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("Scaling policy recovered", "policy_id", p.ID)
	return nil
}

// Start launches the control loop.
func (s *Scaler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Scaler started", "interval", s.interval)
}

// Stop halts the control loop and waits for it.
func (s *Scaler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scaler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one decision pass. The loop calls it per interval; tests call
// it directly.
func (s *Scaler) Tick(ctx context.Context) {
	s.mu.Lock()
	var policy *models.ScalingPolicy
	if s.policy != nil {
		policy = s.policy.Clone()
	}
	s.mu.Unlock()
	if policy == nil || !policy.Enabled {
		return
	}

	sample, ok := s.ring.Latest()
	if !ok {
		return
	}

	now := s.clock.Now()
	if policy.LastTriggeredAt != nil && now.Sub(*policy.LastTriggeredAt) < policy.Cooldown {
		return
	}

	active := s.fleet.ActiveAgentCount()

	scaleUp := active < policy.MaxAgents &&
		(sample.CPUPct > policy.ScaleUpThreshold ||
			sample.QueueLen > queueHighWatermark ||
			sample.ResponseTime > rtHighWatermark)

	// Scale-down is never chosen when scale-up was eligible this tick.
	scaleDown := !scaleUp && active > policy.MinAgents &&
		sample.CPUPct < policy.ScaleDownThreshold &&
		sample.QueueLen == 0 &&
		sample.IdleAgents > 0

	switch {
	case scaleUp:
		s.execute(ctx, policy, models.ScaleUp, active,
			fmt.Sprintf("cpu=%.1f queue=%d rt=%s", sample.CPUPct, sample.QueueLen, sample.ResponseTime))
	case scaleDown:
		s.execute(ctx, policy, models.ScaleDown, active,
			fmt.Sprintf("cpu=%.1f idle=%d", sample.CPUPct, sample.IdleAgents))
	}
}

// execute applies one unit of change and records the action.
func (s *Scaler) execute(ctx context.Context, policy *models.ScalingPolicy, kind models.ScalingKind, fromCount int, reason string) {
	start := s.clock.Now()
	action := &models.ScalingAction{
		ID:          ident.NewID(),
		Kind:        kind,
		Reason:      reason,
		FromCount:   fromCount,
		ToCount:     fromCount,
		RequestedAt: start,
		Status:      models.ActionInProgress,
	}
	s.recordAction(ctx, action)

	var err error
	switch kind {
	case models.ScaleUp:
		_, err = s.fleet.RegisterAgent(ctx, process.AgentSpec{Type: models.AgentTypeGeneral})
		if err == nil {
			action.ToCount = fromCount + 1
		}
	case models.ScaleDown:
		var victim string
		victim, err = s.fleet.PickScaleDownVictim()
		if err == nil {
			err = s.fleet.UnregisterAgent(ctx, victim, false)
		}
		if err == nil {
			action.ToCount = fromCount - 1
		}
	}

	action.Duration = s.clock.Now().Sub(start)
	if err != nil {
		action.Status = models.ActionFailed
		action.Error = err.Error()
		s.logger.Error("Scaling action failed", "action_id", action.ID, "kind", kind, "error", err)
	} else {
		action.Status = models.ActionCompleted
		s.logger.Info("Scaling action completed",
			"action_id", action.ID, "kind", kind,
			"from", action.FromCount, "to", action.ToCount, "reason", reason)
	}
	s.recordAction(ctx, action)

	// Failed attempts also start the cooldown so a broken actuator is not
	// hammered every tick.
	s.markTriggered(ctx, policy)
}

func (s *Scaler) markTriggered(ctx context.Context, policy *models.ScalingPolicy) {
	now := s.clock.Now()
	s.mu.Lock()
	if s.policy != nil && s.policy.ID == policy.ID {
		s.policy.LastTriggeredAt = &now
		policy = s.policy.Clone()
	}
	s.mu.Unlock()
	if err := s.store.PutScalingPolicy(ctx, policy); err != nil {
		s.logger.Error("Failed to persist policy trigger time", "policy_id", policy.ID, "error", err)
	}
}

func (s *Scaler) recordAction(ctx context.Context, a *models.ScalingAction) {
	snapshot := *a
	if err := s.store.PutScalingAction(ctx, &snapshot); err != nil {
		s.logger.Error("Failed to persist scaling action", "action_id", a.ID, "error", err)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicScalingAction, bus.ScalingActionPayload{
			ActionID:  a.ID,
			Kind:      string(a.Kind),
			FromCount: a.FromCount,
			ToCount:   a.ToCount,
			Status:    string(a.Status),
		})
	}
}

// ListActions returns the most recent scaling actions in append order.
func (s *Scaler) ListActions(ctx context.Context, limit int) ([]*models.ScalingAction, error) {
	return s.store.ListScalingActions(ctx, limit)
}

// ManualScale applies n explicit units in one direction, bypassing the
// thresholds but never the policy bounds.
func (s *Scaler) ManualScale(ctx context.Context, kind models.ScalingKind, n int) (*models.ScalingAction, error) {
	if n < 1 {
		return nil, fmt.Errorf("scale count must be at least 1")
	}
	if kind != models.ScaleUp && kind != models.ScaleDown {
		return nil, fmt.Errorf("unsupported scaling kind %q", kind)
	}

	s.mu.Lock()
	var policy *models.ScalingPolicy
	if s.policy != nil {
		policy = s.policy.Clone()
	}
	s.mu.Unlock()

	from := s.fleet.ActiveAgentCount()
	target := from + n
	if kind == models.ScaleDown {
		target = from - n
	}
	if policy != nil {
		if target > policy.MaxAgents || target < policy.MinAgents {
			return nil, fmt.Errorf("%w: target %d outside %d..%d",
				ErrLimit, target, policy.MinAgents, policy.MaxAgents)
		}
	} else if target < 0 {
		return nil, fmt.Errorf("%w: target %d below zero", ErrLimit, target)
	}

	start := s.clock.Now()
	action := &models.ScalingAction{
		ID:          ident.NewID(),
		Kind:        kind,
		Reason:      "manual",
		FromCount:   from,
		ToCount:     from,
		RequestedAt: start,
		Status:      models.ActionInProgress,
	}
	s.recordAction(ctx, action)

	var err error
	applied := 0
	for i := 0; i < n; i++ {
		if kind == models.ScaleUp {
			_, err = s.fleet.RegisterAgent(ctx, process.AgentSpec{Type: models.AgentTypeGeneral})
		} else {
			var victim string
			victim, err = s.fleet.PickScaleDownVictim()
			if err == nil {
				err = s.fleet.UnregisterAgent(ctx, victim, false)
			}
		}
		if err != nil {
			break
		}
		applied++
	}

	if kind == models.ScaleUp {
		action.ToCount = from + applied
	} else {
		action.ToCount = from - applied
	}
	action.Duration = s.clock.Now().Sub(start)
	if err != nil {
		action.Status = models.ActionFailed
		action.Error = err.Error()
	} else {
		action.Status = models.ActionCompleted
	}
	s.recordAction(ctx, action)

	if err != nil {
		return action, err
	}
	return action, nil
}
