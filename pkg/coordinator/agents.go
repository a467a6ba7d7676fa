package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
)

// RegisterAgent creates and starts a new agent through the process manager.
// The slot is claimed under the write lock before the spawn, so concurrent
// registrations cannot overshoot the agent limit; a failed spawn releases
// the claim.
func (c *Coordinator) RegisterAgent(ctx context.Context, spec process.AgentSpec) (*models.Agent, error) {
	c.mu.Lock()
	active := c.activeCountLocked() + c.reserved
	if active >= c.maxAgents {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d agents active, max %d", ErrLimit, active, c.maxAgents)
	}
	c.reserved++
	c.mu.Unlock()

	a, err := c.apm.CreateAgent(ctx, spec)

	c.mu.Lock()
	c.reserved--
	if err == nil {
		c.agents[a.ID] = a.Clone()
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.signal()
	return a, nil
}

// UnregisterAgent stops an agent and deletes its record. Without force, an
// agent that still has work assigned is refused.
func (c *Coordinator) UnregisterAgent(ctx context.Context, id string, force bool) error {
	c.mu.RLock()
	a, ok := c.agents[id]
	var load int
	if ok {
		load = c.loadLocked(id)
	}
	c.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if load > 0 && !force {
		return fmt.Errorf("%w: %s has %d tasks assigned", ErrAgentInUse, id, load)
	}

	if !a.Status.Terminal() {
		if err := c.apm.StopAgent(ctx, id, !force); err != nil && err != process.ErrNotFound {
			return err
		}
	}

	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()

	if err := c.store.DeleteAgent(ctx, id); err != nil {
		c.logger.Error("Failed to delete agent record", "agent_id", id, "error", err)
	}
	c.signal()
	c.logger.Info("Agent unregistered", "agent_id", id, "force", force)
	return nil
}

// StopAgent stops the process but keeps the record.
func (c *Coordinator) StopAgent(ctx context.Context, id string, graceful bool) error {
	c.mu.RLock()
	_, ok := c.agents[id]
	c.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := c.apm.StopAgent(ctx, id, graceful); err != nil {
		if err == process.ErrNotFound {
			return nil
		}
		return err
	}
	return nil
}

// AgentStatusChanged is the process-manager sink for status transitions.
// Losing an agent (error or stop) requeues its in-flight tasks.
func (c *Coordinator) AgentStatusChanged(a *models.Agent) {
	c.mu.Lock()
	c.agents[a.ID] = a.Clone()

	var requeued []*models.Task
	if a.Status == models.AgentError || a.Status == models.AgentStopped {
		requeued = c.requeueAgentTasksLocked(a.ID)
	}
	c.mu.Unlock()

	for _, t := range requeued {
		c.persistTask(t)
		c.publishTask(t)
	}
	if len(requeued) > 0 {
		c.logger.Warn("Requeued tasks from lost agent",
			"agent_id", a.ID, "count", len(requeued))
	}
	c.signal()
}

// requeueAgentTasksLocked returns snapshots of the tasks moved off a lost
// agent. Tasks out of retries are failed instead of requeued.
func (c *Coordinator) requeueAgentTasksLocked(agentID string) []*models.Task {
	var out []*models.Task
	now := c.clock.Now()
	for _, t := range c.tasks {
		if t.AssignedTo != agentID {
			continue
		}
		if t.Status != models.TaskAssigned && t.Status != models.TaskRunning {
			continue
		}
		if t.AttemptCount >= c.cfg.MaxRetries {
			t.Status = models.TaskFailed
			t.Error = "agent lost"
			t.EndedAt = &now
		} else {
			t.Status = models.TaskPending
			t.AssignedTo = ""
			c.pending.PushBack(t.ID)
		}
		out = append(out, t.Clone())
	}
	return out
}

// PickScaleDownVictim chooses the agent the auto-scaler should remove:
// idle only, fewest lifetime completions first, then earliest process
// start, then id. Agents with work in flight are never chosen.
func (c *Coordinator) PickScaleDownVictim() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []*models.Agent
	for _, a := range c.agents {
		if a.Status == models.AgentIdle && c.loadLocked(a.ID) == 0 {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", ErrNoVictim
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Metrics.TasksCompleted != cj.Metrics.TasksCompleted {
			return ci.Metrics.TasksCompleted < cj.Metrics.TasksCompleted
		}
		si, sj := ci.Metrics.StartedAt, cj.Metrics.StartedAt
		switch {
		case si != nil && sj != nil && !si.Equal(*sj):
			return si.Before(*sj)
		case si == nil && sj != nil:
			return true
		case si != nil && sj == nil:
			return false
		}
		return ci.ID < cj.ID
	})
	return candidates[0].ID, nil
}

func sortAgents(agents []*models.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].ID < agents[j].ID
	})
}
