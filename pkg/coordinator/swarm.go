package coordinator

import (
	"context"
	"fmt"

	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
)

// SwarmSnapshot is the per-swarm status returned by GetSwarmStatus.
type SwarmSnapshot struct {
	Swarm          *models.Swarm              `json:"swarm"`
	AgentsByStatus map[models.AgentStatus]int `json:"agents_by_status"`
	TasksByStatus  map[models.TaskStatus]int  `json:"tasks_by_status"`
}

// CreateSwarm spawns agentCount agents and groups them under a new swarm.
func (c *Coordinator) CreateSwarm(ctx context.Context, name string, agentCount int, mode models.SwarmMode, strategy models.SwarmStrategy) (*models.Swarm, error) {
	if !models.ValidSwarmMode(mode) {
		return nil, fmt.Errorf("invalid swarm mode %q", mode)
	}
	if !models.ValidSwarmStrategy(strategy) {
		return nil, fmt.Errorf("invalid swarm strategy %q", strategy)
	}
	if agentCount < 0 {
		return nil, fmt.Errorf("agent count must not be negative")
	}

	s := &models.Swarm{
		ID:        ident.NewID(),
		Name:      name,
		Mode:      mode,
		Strategy:  strategy,
		Status:    models.SwarmActive,
		CreatedAt: c.clock.Now(),
	}

	for i := 0; i < agentCount; i++ {
		a, err := c.RegisterAgent(ctx, process.AgentSpec{
			Type:    models.AgentTypeGeneral,
			SwarmID: s.ID,
		})
		if err != nil {
			c.logger.Warn("Swarm agent spawn failed",
				"swarm_id", s.ID, "wanted", agentCount, "spawned", i, "error", err)
			break
		}
		s.AgentIDs = append(s.AgentIDs, a.ID)
	}

	c.mu.Lock()
	c.swarms[s.ID] = s.Clone()
	c.mu.Unlock()

	if err := c.store.PutSwarm(ctx, s.Clone()); err != nil {
		c.logger.Error("Failed to persist swarm", "swarm_id", s.ID, "error", err)
	}
	c.logger.Info("Swarm created", "swarm_id", s.ID, "swarm_name", name, "agents", len(s.AgentIDs))
	return s.Clone(), nil
}

// GetSwarmStatus reports the swarm and its member counts by state.
func (c *Coordinator) GetSwarmStatus(id string) (*SwarmSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.swarms[id]
	if !ok {
		return nil, ErrNotFound
	}

	snap := &SwarmSnapshot{
		Swarm:          s.Clone(),
		AgentsByStatus: make(map[models.AgentStatus]int),
		TasksByStatus:  make(map[models.TaskStatus]int),
	}
	for _, a := range c.agents {
		if a.SwarmID == id {
			snap.AgentsByStatus[a.Status]++
		}
	}
	for _, tid := range s.TaskIDs {
		if t, ok := c.tasks[tid]; ok {
			snap.TasksByStatus[t.Status]++
		}
	}
	return snap, nil
}

// ListSwarms returns snapshots of all swarms.
func (c *Coordinator) ListSwarms() []*models.Swarm {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Swarm, 0, len(c.swarms))
	for _, s := range c.swarms {
		out = append(out, s.Clone())
	}
	return out
}

// ScaleSwarm grows or shrinks a swarm's membership to target agents.
// Shrinking removes idle members only; busy members are left in place and
// the call reports how far it got.
func (c *Coordinator) ScaleSwarm(ctx context.Context, id string, target int) (*models.Swarm, error) {
	if target < 0 || target > c.maxAgents {
		return nil, fmt.Errorf("%w: target %d outside 0..%d", ErrLimit, target, c.maxAgents)
	}

	c.mu.RLock()
	s, ok := c.swarms[id]
	var live []string
	if ok {
		for _, aid := range s.AgentIDs {
			if a, found := c.agents[aid]; found && !a.Status.Terminal() {
				live = append(live, aid)
			}
		}
	}
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	for len(live) < target {
		a, err := c.RegisterAgent(ctx, process.AgentSpec{
			Type:    models.AgentTypeGeneral,
			SwarmID: id,
		})
		if err != nil {
			return nil, err
		}
		live = append(live, a.ID)
	}

	for len(live) > target {
		victim := c.pickSwarmVictim(id)
		if victim == "" {
			c.logger.Warn("Swarm scale-down blocked on busy agents",
				"swarm_id", id, "live", len(live), "target", target)
			break
		}
		if err := c.UnregisterAgent(ctx, victim, false); err != nil {
			return nil, err
		}
		live = removeString(live, victim)
	}

	c.mu.Lock()
	s = c.swarms[id]
	s.AgentIDs = append([]string(nil), live...)
	snapshot := s.Clone()
	c.mu.Unlock()

	if err := c.store.PutSwarm(ctx, snapshot); err != nil {
		c.logger.Error("Failed to persist swarm", "swarm_id", id, "error", err)
	}
	return snapshot, nil
}

// pickSwarmVictim selects an idle member of the swarm for removal.
func (c *Coordinator) pickSwarmVictim(swarmID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.swarms[swarmID]
	if !ok {
		return ""
	}
	best := ""
	for _, aid := range s.AgentIDs {
		a, found := c.agents[aid]
		if !found || a.Status != models.AgentIdle || c.loadLocked(aid) > 0 {
			continue
		}
		if best == "" || aid < best {
			best = aid
		}
	}
	return best
}

func removeString(xs []string, x string) []string {
	out := xs[:0]
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}
