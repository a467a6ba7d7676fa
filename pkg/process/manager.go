package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// Sink receives upward notifications from the watchers. The coordinator
// implements it; it must not call back into the manager synchronously.
type Sink interface {
	// AgentStatusChanged delivers a snapshot after every status change.
	AgentStatusChanged(a *models.Agent)

	// TaskOutcome delivers one task execution report.
	TaskOutcome(agentID string, out models.TaskOutcome)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) AgentStatusChanged(*models.Agent)       {}
func (NopSink) TaskOutcome(string, models.TaskOutcome) {}

// AgentSpec holds the caller-supplied fields for creating an agent.
type AgentSpec struct {
	Name         string              `json:"name,omitempty"`
	Type         models.AgentType    `json:"type"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Caps         models.ResourceCaps `json:"resource_caps,omitempty"`
	SwarmID      string              `json:"swarm_id,omitempty"`
}

// Stats summarizes the live fleet.
type Stats struct {
	Live          int                        `json:"live"`
	ByStatus      map[models.AgentStatus]int `json:"by_status"`
	InflightTasks int                        `json:"inflight_tasks"`
	RestartsTotal int                        `json:"restarts_total"`
}

// Manager supervises agent subprocesses: one watcher per live agent tracks
// heartbeats, task outcomes, wall timeouts, and exits, and keeps the stored
// agent record in step with reality.
type Manager struct {
	cfg      config.ProcessConfig
	store    storage.Store
	eventBus *bus.Bus
	clock    ident.Clock
	launcher Launcher
	sink     Sink
	logger   *slog.Logger

	mu     sync.RWMutex
	agents map[string]*supervised

	restartsTotal int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// supervised is the watcher-side state for one live agent. Its mutex guards
// the record and counters; the handle swap on restart happens under it.
type supervised struct {
	mu       sync.Mutex
	agent    *models.Agent
	handle   Handle
	inflight int
	restarts int
	stopping bool
	done     chan struct{}
	backoff  *backoff.ExponentialBackOff
}

// NewManager builds a process manager. sink may be nil.
func NewManager(cfg config.ProcessConfig, store storage.Store, eventBus *bus.Bus, clock ident.Clock, launcher Launcher, sink Sink) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		eventBus: eventBus,
		clock:    clock,
		launcher: launcher,
		sink:     sink,
		logger:   slog.With("component", "process_manager"),
		agents:   make(map[string]*supervised),
		stopCh:   make(chan struct{}),
	}
}

// SetSink installs the upward notification target. Call it during assembly,
// before any agent is created.
func (m *Manager) SetSink(sink Sink) {
	if sink == nil {
		sink = NopSink{}
	}
	m.sink = sink
}

// CreateAgent allocates an id, persists a starting record, spawns the
// process, and hands it to a watcher. The agent reaches idle on its first
// heartbeat; if none arrives within the start grace it is treated as
// crashed.
func (m *Manager) CreateAgent(ctx context.Context, spec AgentSpec) (*models.Agent, error) {
	if !models.ValidAgentType(spec.Type) {
		return nil, fmt.Errorf("invalid agent type %q", spec.Type)
	}

	now := m.clock.Now()
	caps := spec.Caps
	if caps.MaxMemoryBytes == 0 {
		caps.MaxMemoryBytes = m.cfg.DefaultMemoryBytes
	}
	if caps.MaxConcurrentTasks == 0 {
		caps.MaxConcurrentTasks = m.cfg.DefaultMaxTasks
	}
	if caps.WallTimeout == 0 {
		caps.WallTimeout = m.cfg.DefaultWallTimeout
	}
	name := spec.Name
	if name == "" {
		name = string(spec.Type) + "-" + ident.NewID()[:8]
	}

	agent := &models.Agent{
		ID:           ident.NewID(),
		Name:         name,
		Type:         spec.Type,
		Capabilities: append([]string(nil), spec.Capabilities...),
		Status:       models.AgentStarting,
		ResourceCaps: caps,
		SwarmID:      spec.SwarmID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.putAgent(ctx, agent); err != nil {
		return nil, err
	}

	handle, err := m.launcher.Launch(agent)
	if err != nil {
		agent.Status = models.AgentError
		agent.UpdatedAt = m.clock.Now()
		if perr := m.putAgent(ctx, agent); perr != nil {
			m.logger.Error("Failed to record spawn failure", "agent_id", agent.ID, "error", perr)
		}
		return nil, err
	}

	startedAt := m.clock.Now()
	agent.PID = handle.PID()
	agent.Metrics.StartedAt = &startedAt

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	s := &supervised{
		agent:   agent,
		handle:  handle,
		done:    make(chan struct{}),
		backoff: bo,
	}

	m.mu.Lock()
	m.agents[agent.ID] = s
	m.mu.Unlock()

	m.notifyStatus(s, "spawned")

	m.wg.Add(1)
	go m.watch(s)

	m.logger.Info("Agent created", "agent_id", agent.ID, "agent_type", agent.Type, "pid", agent.PID)
	return agent.Clone(), nil
}

// StopAgent terminates the agent. Graceful stops signal first and escalate
// to a kill after the configured stop timeout. Stopping an already-stopped
// or unknown-but-stored agent is a no-op.
func (m *Manager) StopAgent(ctx context.Context, id string, graceful bool) error {
	m.mu.RLock()
	s, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		// Not live: a no-op when a terminal record exists.
		a, err := m.store.GetAgent(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if a.Status.Terminal() || a.Status == models.AgentError {
			return nil
		}
		// Record claims liveness we do not have (stale after restart):
		// settle it to stopped.
		a.Status = models.AgentStopped
		a.PID = 0
		a.UpdatedAt = m.clock.Now()
		return m.putAgent(ctx, a)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		m.awaitDone(ctx, s)
		return nil
	}
	s.stopping = true
	s.agent.Status = models.AgentStopping
	s.agent.UpdatedAt = m.clock.Now()
	handle := s.handle
	s.mu.Unlock()

	m.persistSnapshot(s)
	m.notifyStatus(s, "stop requested")

	if graceful {
		if err := handle.Stop(); err != nil {
			m.logger.Warn("Cooperative stop failed, killing", "agent_id", id, "error", err)
			_ = handle.Kill()
		} else {
			// Escalate if the process outlives the stop timeout.
			go func() {
				select {
				case <-s.done:
				case <-time.After(m.cfg.StopTimeout):
					m.logger.Warn("Stop timeout exceeded, killing", "agent_id", id)
					_ = handle.Kill()
				}
			}()
		}
	} else {
		_ = handle.Kill()
	}

	m.awaitDone(ctx, s)
	return nil
}

func (m *Manager) awaitDone(ctx context.Context, s *supervised) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// SendTask dispatches a task envelope to the agent's stdin channel.
func (m *Manager) SendTask(id string, env models.TaskEnvelope) error {
	m.mu.RLock()
	s, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	status := s.agent.Status
	if status != models.AgentIdle && status != models.AgentBusy {
		s.mu.Unlock()
		return fmt.Errorf("%w: agent %s is %s", ErrAgentUnavailable, id, status)
	}
	if s.inflight >= s.agent.ResourceCaps.MaxConcurrentTasks {
		s.mu.Unlock()
		return fmt.Errorf("%w: agent %s at concurrency cap", ErrAgentUnavailable, id)
	}
	handle := s.handle
	s.mu.Unlock()

	if err := handle.Send(env); err != nil {
		return err
	}

	s.mu.Lock()
	s.inflight++
	changed := s.agent.Status != models.AgentBusy
	s.agent.Status = models.AgentBusy
	now := m.clock.Now()
	s.agent.Metrics.LastActivityAt = &now
	s.agent.UpdatedAt = now
	s.mu.Unlock()

	m.persistSnapshot(s)
	if changed {
		m.notifyStatus(s, "task dispatched")
	}
	return nil
}

// GetAgent returns the live snapshot, falling back to the store.
func (m *Manager) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	s, ok := m.agents[id]
	m.mu.RUnlock()
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.agent.Clone(), nil
	}
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListAgents delegates to the store, which the watchers keep current.
func (m *Manager) ListAgents(ctx context.Context, f models.AgentFilter) ([]*models.Agent, error) {
	return m.store.ListAgents(ctx, f)
}

// GetStats summarizes the live fleet.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Live:          len(m.agents),
		ByStatus:      make(map[models.AgentStatus]int),
		RestartsTotal: m.restartsTotal,
	}
	for _, s := range m.agents {
		s.mu.Lock()
		stats.ByStatus[s.agent.Status]++
		stats.InflightTasks += s.inflight
		s.mu.Unlock()
	}
	return stats
}

// Shutdown stops all live agents and waits for their watchers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopAgent(ctx, id, true); err != nil {
				m.logger.Warn("Shutdown stop failed", "agent_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
	m.wg.Wait()
}

// watch is the per-agent supervision loop.
func (m *Manager) watch(s *supervised) {
	defer m.wg.Done()

	grace := time.NewTimer(m.cfg.StartGrace)
	defer grace.Stop()
	hb := time.NewTicker(m.cfg.HeartbeatInterval)
	defer hb.Stop()

	var wallCh <-chan time.Time
	if s.agent.ResourceCaps.WallTimeout > 0 {
		wallCh = time.After(s.agent.ResourceCaps.WallTimeout)
	}

	missed := 0
	stopCh := m.stopCh
	for {
		s.mu.Lock()
		events := s.handle.Events()
		s.mu.Unlock()

		select {
		case ev, ok := <-events:
			if !ok {
				// Exit event already handled; channel drained.
				continue
			}
			switch ev.Kind {
			case EventHeartbeat:
				missed = 0
				s.mu.Lock()
				promoted := s.agent.Status == models.AgentStarting
				if promoted {
					s.agent.Status = models.AgentIdle
					s.agent.UpdatedAt = m.clock.Now()
				}
				s.mu.Unlock()
				if promoted {
					grace.Stop()
					m.persistSnapshot(s)
					m.notifyStatus(s, "first heartbeat")
				}
			case EventOutcome:
				m.handleOutcome(s, *ev.Outcome)
			case EventExit:
				if m.handleExit(s, ev) {
					// Restarted with a fresh handle: reset timers.
					grace.Reset(m.cfg.StartGrace)
					missed = 0
					continue
				}
				return
			default:
				m.logger.Warn("Dropping unknown agent event", "kind", ev.Kind)
			}

		case <-grace.C:
			s.mu.Lock()
			stuck := s.agent.Status == models.AgentStarting
			handle := s.handle
			s.mu.Unlock()
			if stuck {
				m.logger.Error("Agent missed start grace, killing", "agent_id", s.agent.ID)
				_ = handle.Kill()
			}

		case <-hb.C:
			s.mu.Lock()
			active := s.agent.Status == models.AgentIdle || s.agent.Status == models.AgentBusy
			handle := s.handle
			s.mu.Unlock()
			if !active {
				continue
			}
			missed++
			if missed >= m.cfg.MaxMissedHeartbeats {
				m.logger.Error("Agent missed heartbeats, killing",
					"agent_id", s.agent.ID, "missed", missed)
				_ = handle.Kill()
			}

		case <-wallCh:
			m.logger.Warn("Agent exceeded wall timeout, stopping", "agent_id", s.agent.ID)
			s.mu.Lock()
			s.stopping = true
			handle := s.handle
			s.mu.Unlock()
			_ = handle.Kill()

		case <-stopCh:
			// Shutdown stops agents explicitly; keep draining until the
			// exit event lands.
			stopCh = nil
		}
	}
}

func (m *Manager) handleOutcome(s *supervised, out models.TaskOutcome) {
	now := m.clock.Now()
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	if out.Success {
		s.agent.Metrics.TasksCompleted++
	} else {
		s.agent.Metrics.TasksFailed++
	}
	s.agent.Metrics.LastActivityAt = &now
	s.agent.UpdatedAt = now
	idleAgain := s.agent.Status == models.AgentBusy && s.inflight == 0
	if idleAgain {
		s.agent.Status = models.AgentIdle
	}
	agentID := s.agent.ID
	s.mu.Unlock()

	m.persistSnapshot(s)
	m.sink.TaskOutcome(agentID, out)
	if idleAgain {
		m.notifyStatus(s, "task finished")
	}
}

// handleExit settles a process exit. It returns true when the agent was
// restarted in place with a fresh handle.
func (m *Manager) handleExit(s *supervised, ev AgentEvent) bool {
	now := m.clock.Now()

	s.mu.Lock()
	crashed := ev.ExitCode != 0 && !s.stopping
	orphaned := s.inflight
	s.inflight = 0
	s.agent.PID = 0
	if crashed {
		s.agent.Status = models.AgentError
	} else {
		s.agent.Status = models.AgentStopped
	}
	s.agent.UpdatedAt = now
	canRestart := crashed && m.cfg.RestartOnCrash && s.restarts < m.cfg.MaxRestarts
	s.mu.Unlock()

	if orphaned > 0 {
		m.logger.Warn("Agent exited with tasks in flight",
			"agent_id", s.agent.ID, "inflight", orphaned, "exit_code", ev.ExitCode)
	}

	m.persistSnapshot(s)
	if crashed {
		m.notifyStatus(s, fmt.Sprintf("exit code %d", ev.ExitCode))
	} else {
		m.notifyStatus(s, "stopped")
	}

	if canRestart {
		delay := s.backoff.NextBackOff()
		m.logger.Info("Restarting crashed agent",
			"agent_id", s.agent.ID, "attempt", s.restarts+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			m.finish(s)
			return false
		}

		handle, err := m.launcher.Launch(s.agent)
		if err != nil {
			m.logger.Error("Restart failed", "agent_id", s.agent.ID, "error", err)
			m.finish(s)
			return false
		}

		startedAt := m.clock.Now()
		s.mu.Lock()
		s.handle = handle
		s.restarts++
		s.agent.PID = handle.PID()
		s.agent.Status = models.AgentStarting
		s.agent.Metrics.StartedAt = &startedAt
		s.agent.UpdatedAt = startedAt
		s.mu.Unlock()

		m.mu.Lock()
		m.restartsTotal++
		m.mu.Unlock()

		m.persistSnapshot(s)
		m.notifyStatus(s, "restarted")
		return true
	}

	m.finish(s)
	return false
}

// finish retires a supervised agent: terminal record, map removal, done.
func (m *Manager) finish(s *supervised) {
	s.mu.Lock()
	if s.agent.Status != models.AgentError {
		s.agent.Status = models.AgentStopped
	}
	s.agent.PID = 0
	s.agent.UpdatedAt = m.clock.Now()
	id := s.agent.ID
	s.mu.Unlock()

	m.persistSnapshot(s)

	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()

	close(s.done)
	m.logger.Info("Agent retired", "agent_id", id)
}

// persistSnapshot writes the current record through the store, retrying
// transient failures with backoff.
func (m *Manager) persistSnapshot(s *supervised) {
	s.mu.Lock()
	snapshot := s.agent.Clone()
	s.mu.Unlock()

	op := func() error {
		err := m.store.PutAgent(context.Background(), snapshot)
		if err != nil && !storage.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, bo); err != nil {
		m.logger.Error("Failed to persist agent record",
			"agent_id", snapshot.ID, "error", err)
	}
}

func (m *Manager) putAgent(ctx context.Context, a *models.Agent) error {
	return m.store.PutAgent(ctx, a.Clone())
}

func (m *Manager) notifyStatus(s *supervised, reason string) {
	s.mu.Lock()
	snapshot := s.agent.Clone()
	s.mu.Unlock()

	m.sink.AgentStatusChanged(snapshot)
	if m.eventBus != nil {
		m.eventBus.Publish(bus.TopicAgentStatus, bus.AgentStatusPayload{
			AgentID: snapshot.ID,
			Status:  string(snapshot.Status),
			Reason:  reason,
		})
	}
}
