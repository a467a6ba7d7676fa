package coordinator

import (
	"sort"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// assignment is one decided (task, agent) pairing awaiting dispatch.
type assignment struct {
	taskID  string
	agentID string
}

// assignmentPass matches ready tasks to eligible agents. The decision phase
// holds the write lock; dispatch to the process manager happens after it is
// released so the manager's sink callbacks can re-enter the coordinator.
func (c *Coordinator) assignmentPass() {
	for {
		decided := c.decideOne()
		if decided == nil {
			return
		}
		c.dispatch(*decided)
	}
}

// decideOne picks the single best pairing, marks the task assigned, and
// reserves the agent slot. It returns nil when no pairing is possible.
func (c *Coordinator) decideOne() *assignment {
	c.mu.Lock()
	defer c.mu.Unlock()

	ready := c.readyTasksLocked()
	if len(ready) == 0 {
		return nil
	}

	for _, t := range ready {
		agent := c.pickAgentLocked(t)
		if agent == nil {
			continue
		}

		t.Status = models.TaskAssigned
		t.AssignedTo = agent.ID
		t.AttemptCount++
		c.removePendingLocked(t.ID)

		return &assignment{taskID: t.ID, agentID: agent.ID}
	}
	return nil
}

// readyTasksLocked returns pending tasks whose dependencies are all
// completed, ordered by (priority desc, submission order asc).
func (c *Coordinator) readyTasksLocked() []*models.Task {
	ready := make([]*models.Task, 0, c.pending.Len())
	for i := 0; i < c.pending.Len(); i++ {
		t, ok := c.tasks[c.pending.At(i)]
		if !ok || t.Status != models.TaskPending {
			continue
		}
		if c.depsCompletedLocked(t) {
			ready = append(ready, t)
		}
	}
	// The pending queue preserves submission order; a stable sort on
	// priority keeps FIFO inside each priority band.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

func (c *Coordinator) depsCompletedLocked(t *models.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := c.tasks[dep]
		if !ok || d.Status != models.TaskCompleted {
			return false
		}
	}
	return true
}

// pickAgentLocked scores eligible agents for the task: capability match
// first, then least loaded, then success rate, with ties broken by agent id
// so assignment is deterministic.
func (c *Coordinator) pickAgentLocked(t *models.Task) *models.Agent {
	var (
		best      *models.Agent
		bestScore [3]float64
	)
	for _, a := range c.agents {
		load := c.loadLocked(a.ID)
		eligible := (a.Status == models.AgentIdle || a.Status == models.AgentBusy) &&
			load < a.ResourceCaps.MaxConcurrentTasks
		if !eligible {
			continue
		}

		score := [3]float64{
			capabilityMatch(t.RequiredCaps, a),
			1.0 / float64(load+1),
			a.Metrics.SuccessRate(),
		}
		if best == nil || scoreLess(bestScore, score) ||
			(score == bestScore && a.ID < best.ID) {
			best = a
			bestScore = score
		}
	}
	return best
}

// loadLocked counts tasks currently assigned to or running on the agent.
func (c *Coordinator) loadLocked(agentID string) int {
	n := 0
	for _, t := range c.tasks {
		if t.AssignedTo == agentID &&
			(t.Status == models.TaskAssigned || t.Status == models.TaskRunning) {
			n++
		}
	}
	return n
}

func capabilityMatch(required []string, a *models.Agent) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, tag := range required {
		if a.HasCapability(tag) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// scoreLess compares lexicographically: a < b when b wins.
func scoreLess(a, b [3]float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// dispatch hands an assigned task to its agent outside the coordinator
// lock. A successful send flips the task to running; a refusal requeues it.
func (c *Coordinator) dispatch(as assignment) {
	c.mu.RLock()
	t, ok := c.tasks[as.taskID]
	var env models.TaskEnvelope
	var snap *models.Task
	if ok {
		env = models.TaskEnvelope{
			TaskID: t.ID,
			Type:   t.Type,
			Input:  t.Input,
		}
		snap = t.Clone()
	}
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.persistTask(snap)
	c.publishTask(snap)

	err := c.apm.SendTask(as.agentID, env)

	now := c.clock.Now()
	c.mu.Lock()
	t, ok = c.tasks[as.taskID]
	if !ok || t.Status != models.TaskAssigned || t.AssignedTo != as.agentID {
		c.mu.Unlock()
		return
	}
	if err != nil {
		t.Status = models.TaskPending
		t.AssignedTo = ""
		c.pending.PushBack(t.ID)
		snapshot := t.Clone()
		c.mu.Unlock()
		c.logger.Warn("Dispatch refused, task requeued",
			"task_id", as.taskID, "agent_id", as.agentID, "error", err)
		c.persistTask(snapshot)
		c.publishTask(snapshot)
		return
	}
	t.Status = models.TaskRunning
	started := now
	t.StartedAt = &started
	snapshot := t.Clone()
	c.mu.Unlock()

	c.persistTask(snapshot)
	c.publishTask(snapshot)
	c.logger.Debug("Task dispatched", "task_id", as.taskID, "agent_id", as.agentID)
}
