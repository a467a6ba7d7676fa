// Package coordinator owns the authoritative agent and task state and
// decides which agent runs which task. All mutations flow through its
// serial assignment loop; reads take a read lock on the maps it owns.
package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// AgentManager is the slice of the process manager the coordinator drives.
type AgentManager interface {
	CreateAgent(ctx context.Context, spec process.AgentSpec) (*models.Agent, error)
	StopAgent(ctx context.Context, id string, graceful bool) error
	SendTask(id string, env models.TaskEnvelope) error
	GetStats() process.Stats
}

// Coordinator is the swarm control center: agent registry, task queue,
// assignment policy, and swarm bookkeeping.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	maxAgents int
	store     storage.Store
	eventBus  *bus.Bus
	clock     ident.Clock
	apm       AgentManager
	logger    *slog.Logger

	// mu guards all maps and the pending queue. The assignment pass holds
	// it for the decision phase only; dispatch happens outside it.
	mu      sync.RWMutex
	agents  map[string]*models.Agent
	tasks   map[string]*models.Task
	swarms  map[string]*models.Swarm
	pending deque.Deque[string]
	// reserved counts registrations that hold an agent slot while their
	// process spawn is still in flight.
	reserved int

	startedAt time.Time

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a coordinator. Call Start to run the assignment loop, and wire
// the returned value into the process manager as its sink.
func New(cfg config.CoordinatorConfig, maxAgents int, store storage.Store, eventBus *bus.Bus, clock ident.Clock, apm AgentManager) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		maxAgents: maxAgents,
		store:     store,
		eventBus:  eventBus,
		clock:     clock,
		apm:       apm,
		logger:    slog.With("component", "coordinator"),
		agents:    make(map[string]*models.Agent),
		tasks:     make(map[string]*models.Task),
		swarms:    make(map[string]*models.Swarm),
		startedAt: clock.Now(),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the assignment loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("Coordinator started")
}

// Stop shuts the assignment loop down and waits for it.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
}

// Recover reloads non-terminal agents and tasks from the store, re-queueing
// tasks that were in flight when the previous process died.
func (c *Coordinator) Recover(ctx context.Context) error {
	tasks, err := c.store.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		return err
	}
	agents, err := c.store.ListAgents(ctx, models.AgentFilter{})
	if err != nil {
		return err
	}
	swarms, err := c.store.ListSwarms(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range agents {
		// Processes did not survive the restart; their records settle to
		// stopped and the scaler brings capacity back as needed.
		if !a.Status.Terminal() {
			a.Status = models.AgentStopped
			a.PID = 0
		}
		c.agents[a.ID] = a
	}
	requeued := 0
	for _, t := range tasks {
		if t.Status == models.TaskAssigned || t.Status == models.TaskRunning {
			t.Status = models.TaskPending
			t.AssignedTo = ""
			requeued++
		}
		c.tasks[t.ID] = t
		if t.Status == models.TaskPending {
			c.pending.PushBack(t.ID)
		}
	}
	for _, s := range swarms {
		c.swarms[s.ID] = s
	}
	if requeued > 0 {
		c.logger.Info("Recovered in-flight tasks", "requeued", requeued)
	}
	return nil
}

// signal wakes the assignment loop without blocking.
func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.wake:
			c.assignmentPass()
		}
	}
}

// GetStatus returns the counts-by-state snapshot.
func (c *Coordinator) GetStatus() models.SwarmStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := models.SwarmStatus{
		AgentsByStatus: make(map[models.AgentStatus]int),
		TasksByStatus:  make(map[models.TaskStatus]int),
		Swarms:         len(c.swarms),
		Uptime:         c.clock.Now().Sub(c.startedAt),
	}
	for _, a := range c.agents {
		st.AgentsByStatus[a.Status]++
	}
	for _, t := range c.tasks {
		st.TasksByStatus[t.Status]++
		if t.Status == models.TaskPending || t.Status == models.TaskRunning {
			st.QueueLength++
		}
	}
	return st
}

// CompletionStats summarizes the lastN most recently ended tasks plus the
// lifetime terminal counters, for the metrics sampler.
func (c *Coordinator) CompletionStats(lastN int) models.CompletionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var stats models.CompletionStats
	type ended struct {
		at       time.Time
		duration time.Duration
		failed   bool
	}
	var recent []ended
	for _, t := range c.tasks {
		switch t.Status {
		case models.TaskCompleted:
			stats.CompletedTotal++
		case models.TaskFailed:
			stats.FailedTotal++
		default:
			continue
		}
		if t.EndedAt == nil {
			continue
		}
		e := ended{at: *t.EndedAt, failed: t.Status == models.TaskFailed}
		if t.StartedAt != nil {
			e.duration = t.EndedAt.Sub(*t.StartedAt)
		}
		recent = append(recent, e)
	}
	if len(recent) == 0 {
		return stats
	}

	sort.Slice(recent, func(i, j int) bool { return recent[i].at.After(recent[j].at) })
	if lastN > 0 && len(recent) > lastN {
		recent = recent[:lastN]
	}

	durations := make([]time.Duration, len(recent))
	failures := 0
	for i, e := range recent {
		durations[i] = e.duration
		if e.failed {
			failures++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.ResponseTimeP50 = durations[len(durations)/2]
	stats.ErrorRatePct = 100 * float64(failures) / float64(len(recent))
	return stats
}

// ListAgents returns agent snapshots matching the filter.
func (c *Coordinator) ListAgents(f models.AgentFilter) []*models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sortAgents(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ListTasks returns task snapshots matching the filter, newest first.
func (c *Coordinator) ListTasks(f models.TaskFilter) []*models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetTask returns one task snapshot.
func (c *Coordinator) GetTask(id string) (*models.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// GetAgent returns one agent snapshot.
func (c *Coordinator) GetAgent(id string) (*models.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ActiveAgentCount counts agents that are live or coming up.
func (c *Coordinator) ActiveAgentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeCountLocked()
}

func (c *Coordinator) activeCountLocked() int {
	n := 0
	for _, a := range c.agents {
		switch a.Status {
		case models.AgentStarting, models.AgentIdle, models.AgentBusy:
			n++
		}
	}
	return n
}

func (c *Coordinator) persistTask(t *models.Task) {
	if err := c.store.PutTask(context.Background(), t.Clone()); err != nil {
		c.logger.Error("Failed to persist task", "task_id", t.ID, "error", err)
	}
}

func (c *Coordinator) publishTask(t *models.Task) {
	if c.eventBus != nil {
		c.eventBus.Publish(bus.TopicTaskStatus, bus.TaskStatusPayload{
			TaskID:  t.ID,
			Status:  string(t.Status),
			AgentID: t.AssignedTo,
		})
	}
}
