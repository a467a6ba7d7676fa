// Package models defines the entity schemas shared across the control plane:
// agents, tasks, swarms, scaling policies and actions, metrics samples.
package models

import "time"

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

// Agent lifecycle states.
const (
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentStopping AgentStatus = "stopping"
	AgentStopped  AgentStatus = "stopped"
	AgentError    AgentStatus = "error"
)

// Terminal reports whether the status is a terminal agent state.
func (s AgentStatus) Terminal() bool {
	return s == AgentStopped || s == AgentError
}

// AgentType is the closed set of worker specializations.
type AgentType string

// Known agent types.
const (
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeTester      AgentType = "tester"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeOptimizer   AgentType = "optimizer"
	AgentTypeDocumenter  AgentType = "documenter"
	AgentTypeMonitor     AgentType = "monitor"
	AgentTypeSpecialist  AgentType = "specialist"
	AgentTypeSecurity    AgentType = "security"
	AgentTypeDevOps      AgentType = "devops"
	AgentTypeGeneral     AgentType = "general"
)

var agentTypes = map[AgentType]bool{
	AgentTypeResearcher: true, AgentTypeCoder: true, AgentTypeAnalyst: true,
	AgentTypeCoordinator: true, AgentTypeTester: true, AgentTypeReviewer: true,
	AgentTypeArchitect: true, AgentTypeOptimizer: true, AgentTypeDocumenter: true,
	AgentTypeMonitor: true, AgentTypeSpecialist: true, AgentTypeSecurity: true,
	AgentTypeDevOps: true, AgentTypeGeneral: true,
}

// ValidAgentType reports whether t is one of the known agent types.
func ValidAgentType(t AgentType) bool {
	return agentTypes[t]
}

// ResourceCaps bounds the resources one agent process may consume.
type ResourceCaps struct {
	MaxMemoryBytes     int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	WallTimeout        time.Duration `json:"wall_timeout_ms" yaml:"wall_timeout_ms"`
}

// AgentMetrics tracks per-agent work counters.
type AgentMetrics struct {
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	LastActivityAt *time.Time `json:"last_activity_ts,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// SuccessRate returns completed/(completed+failed), or 1.0 with no history.
// Agents with no track record score as reliable so new capacity is usable
// immediately.
func (m AgentMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(m.TasksCompleted) / float64(total)
}

// Agent is a managed worker subprocess record.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         AgentType    `json:"type"`
	Capabilities []string     `json:"capabilities"`
	Status       AgentStatus  `json:"status"`
	ResourceCaps ResourceCaps `json:"resource_caps"`
	// PID of the running subprocess; zero when not running.
	PID     int          `json:"pid,omitempty"`
	SwarmID string       `json:"swarm_id,omitempty"`
	Metrics AgentMetrics `json:"metrics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent carries the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metrics.LastActivityAt != nil {
		t := *a.Metrics.LastActivityAt
		cp.Metrics.LastActivityAt = &t
	}
	if a.Metrics.StartedAt != nil {
		t := *a.Metrics.StartedAt
		cp.Metrics.StartedAt = &t
	}
	return &cp
}

// AgentFilter selects agents for list operations. Zero values match all.
type AgentFilter struct {
	Status     AgentStatus `json:"status,omitempty"`
	Type       AgentType   `json:"type,omitempty"`
	SwarmID    string      `json:"swarm_id,omitempty"`
	Capability string      `json:"capability,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// Matches reports whether the agent passes the filter.
func (f AgentFilter) Matches(a *Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.SwarmID != "" && a.SwarmID != f.SwarmID {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}
