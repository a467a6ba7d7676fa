package coordinator

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
)

// SubmitTask validates and enqueues a task, returning its id. Submissions
// are rejected when the pending queue is full or when the dependency graph
// would acquire a cycle. Dependencies may reference tasks not submitted
// yet; such tasks wait until every dependency exists and completes.
func (c *Coordinator) SubmitTask(spec models.TaskSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("task type is required")
	}
	if spec.Priority < 0 || spec.Priority > 10 {
		return "", fmt.Errorf("priority %d out of range 0..10", spec.Priority)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending.Len() >= c.cfg.MaxQueueSize {
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, c.pending.Len())
	}

	id := spec.ID
	if id == "" {
		id = ident.NewID()
	} else if _, exists := c.tasks[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if err := c.checkAcyclicLocked(id, spec.Dependencies); err != nil {
		return "", err
	}

	t := &models.Task{
		ID:           id,
		Type:         spec.Type,
		Description:  spec.Description,
		Priority:     spec.Priority,
		Status:       models.TaskPending,
		Dependencies: append([]string(nil), spec.Dependencies...),
		RequiredCaps: append([]string(nil), spec.RequiredCaps...),
		Input:        spec.Input,
		CreatedAt:    c.clock.Now(),
	}
	c.tasks[id] = t
	c.pending.PushBack(id)

	c.persistTask(t)
	c.publishTask(t)
	c.signal()
	c.logger.Info("Task submitted", "task_id", id, "task_type", t.Type, "priority", t.Priority)
	return id, nil
}

// checkAcyclicLocked rejects a submission whose dependency edges would
// close a cycle among the known tasks.
func (c *Coordinator) checkAcyclicLocked(newID string, deps []string) error {
	edges := make([]toposort.Edge, 0, len(deps))
	for _, dep := range deps {
		edges = append(edges, toposort.Edge{dep, newID})
	}
	for _, t := range c.tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}
	return nil
}

// CancelTask moves a non-terminal task to cancelled. The agent possibly
// still executing it stays untouched; a late outcome for a cancelled task
// is dropped.
func (c *Coordinator) CancelTask(id, reason string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if t.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, t.Status)
	}
	if t.Status == models.TaskPending {
		c.removePendingLocked(id)
	}
	now := c.clock.Now()
	t.Status = models.TaskCancelled
	t.EndedAt = &now
	t.Error = reason
	snapshot := t.Clone()
	c.mu.Unlock()

	c.persistTask(snapshot)
	c.publishTask(snapshot)
	c.signal()
	c.logger.Info("Task cancelled", "task_id", id, "reason", reason)
	return nil
}

// TaskOutcome is the process-manager sink: one execution report per task.
func (c *Coordinator) TaskOutcome(agentID string, out models.TaskOutcome) {
	now := c.clock.Now()

	c.mu.Lock()
	t, ok := c.tasks[out.TaskID]
	if !ok || t.Status.Terminal() || t.AssignedTo != agentID {
		c.mu.Unlock()
		c.logger.Warn("Dropping outcome for unknown or settled task",
			"task_id", out.TaskID, "agent_id", agentID)
		return
	}

	if out.Success {
		t.Status = models.TaskCompleted
		t.Result = out.Result
		t.EndedAt = &now
	} else if t.AttemptCount >= c.cfg.MaxRetries {
		t.Status = models.TaskFailed
		t.Error = out.Error
		t.EndedAt = &now
	} else {
		// Requeue for another attempt.
		t.Status = models.TaskPending
		t.AssignedTo = ""
		t.Error = out.Error
		c.pending.PushBack(t.ID)
	}
	snapshot := t.Clone()
	c.mu.Unlock()

	c.persistTask(snapshot)
	c.publishTask(snapshot)
	c.signal()
	c.logger.Info("Task outcome recorded",
		"task_id", out.TaskID, "agent_id", agentID,
		"success", out.Success, "status", snapshot.Status)
}

// removePendingLocked drops one id from the pending queue.
func (c *Coordinator) removePendingLocked(id string) {
	for i := 0; i < c.pending.Len(); i++ {
		if c.pending.At(i) == id {
			c.pending.Remove(i)
			return
		}
	}
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
