package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmfleet/swarmd/pkg/models"
)

var errNoSuchKey = errors.New("no such key")

// MemoryStore is a map-backed Store used for tests and for running without a
// database (data_path unset). All records are copied on read and write so
// callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	tasks    map[string]*models.Task
	swarms   map[string]*models.Swarm
	actions  []*models.ScalingAction
	policies map[string]*models.ScalingPolicy
	// currentPolicy is the id of the most recently written enabled policy.
	currentPolicy string
	memory        map[string]*MemoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		tasks:    make(map[string]*models.Task),
		swarms:   make(map[string]*models.Swarm),
		policies: make(map[string]*models.ScalingPolicy),
		memory:   make(map[string]*MemoryEntry),
	}
}

// PutAgent stores a copy of the agent record keyed by id.
func (s *MemoryStore) PutAgent(_ context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a.Clone()
	return nil
}

// GetAgent returns a copy of the agent record.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, NewError("get_agent", id, KindNotFound, errNoSuchKey)
	}
	return a.Clone(), nil
}

// ListAgents returns copies of agents passing the filter, ordered by id.
func (s *MemoryStore) ListAgents(_ context.Context, f models.AgentFilter) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteAgent removes the agent record. Deleting a missing id is an error.
func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return NewError("delete_agent", id, KindNotFound, errNoSuchKey)
	}
	delete(s.agents, id)
	return nil
}

// PutTask stores a copy of the task record keyed by id.
func (s *MemoryStore) PutTask(_ context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask returns a copy of the task record.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, NewError("get_task", id, KindNotFound, errNoSuchKey)
	}
	return t.Clone(), nil
}

// ListTasks returns copies of tasks passing the filter, creation order.
func (s *MemoryStore) ListTasks(_ context.Context, f models.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteTask removes a task record.
func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return NewError("delete_task", id, KindNotFound, errNoSuchKey)
	}
	delete(s.tasks, id)
	return nil
}

// PutSwarm stores a copy of the swarm record keyed by id.
func (s *MemoryStore) PutSwarm(_ context.Context, sw *models.Swarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swarms[sw.ID] = sw.Clone()
	return nil
}

// GetSwarm returns a copy of the swarm record.
func (s *MemoryStore) GetSwarm(_ context.Context, id string) (*models.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.swarms[id]
	if !ok {
		return nil, NewError("get_swarm", id, KindNotFound, errNoSuchKey)
	}
	return sw.Clone(), nil
}

// ListSwarms returns copies of all swarms ordered by id.
func (s *MemoryStore) ListSwarms(_ context.Context) ([]*models.Swarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Swarm, 0, len(s.swarms))
	for _, sw := range s.swarms {
		out = append(out, sw.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutScalingAction appends or updates a scaling action. Actions are
// append-only: a second write with the same id updates the existing record
// in place (status transitions), never reorders.
func (s *MemoryStore) PutScalingAction(_ context.Context, a *models.ScalingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	for i, existing := range s.actions {
		if existing.ID == a.ID {
			s.actions[i] = &cp
			return nil
		}
	}
	s.actions = append(s.actions, &cp)
	return nil
}

// ListScalingActions returns the most recent actions, newest last, capped at
// limit (0 means all).
func (s *MemoryStore) ListScalingActions(_ context.Context, limit int) ([]*models.ScalingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.actions) > limit {
		start = len(s.actions) - limit
	}
	out := make([]*models.ScalingAction, 0, len(s.actions)-start)
	for _, a := range s.actions[start:] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// PutScalingPolicy stores the policy; an enabled policy becomes current.
func (s *MemoryStore) PutScalingPolicy(_ context.Context, p *models.ScalingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p.Clone()
	if p.Enabled {
		s.currentPolicy = p.ID
	} else if s.currentPolicy == p.ID {
		s.currentPolicy = ""
	}
	return nil
}

// CurrentPolicy returns the most recently adopted enabled policy.
func (s *MemoryStore) CurrentPolicy(_ context.Context) (*models.ScalingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentPolicy == "" {
		return nil, NewError("current_policy", "", KindNotFound, errNoSuchKey)
	}
	return s.policies[s.currentPolicy].Clone(), nil
}

// PutMemory stores a key-value memory entry.
func (s *MemoryStore) PutMemory(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[key] = &MemoryEntry{Key: key, Value: value, UpdatedAt: time.Now().UnixMilli()}
	return nil
}

// GetMemory returns one memory entry by key.
func (s *MemoryStore) GetMemory(_ context.Context, key string) (*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.memory[key]
	if !ok {
		return nil, NewError("get_memory", key, KindNotFound, errNoSuchKey)
	}
	cp := *e
	return &cp, nil
}

// QueryMemory returns entries whose key starts with prefix, key order.
func (s *MemoryStore) QueryMemory(_ context.Context, prefix string) ([]*MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MemoryEntry, 0)
	for k, e := range s.memory {
		if strings.HasPrefix(k, prefix) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteMemory removes a memory entry; deleting a missing key is a no-op.
func (s *MemoryStore) DeleteMemory(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memory, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
