package models

import "time"

// SwarmMode is the coordination topology of a swarm.
type SwarmMode string

// Swarm coordination modes.
const (
	SwarmHierarchical SwarmMode = "hierarchical"
	SwarmMesh         SwarmMode = "mesh"
	SwarmCentralized  SwarmMode = "centralized"
)

// ValidSwarmMode reports whether m is a known mode.
func ValidSwarmMode(m SwarmMode) bool {
	return m == SwarmHierarchical || m == SwarmMesh || m == SwarmCentralized
}

// SwarmStrategy is the task-distribution strategy of a swarm.
type SwarmStrategy string

// Swarm strategies.
const (
	StrategyAuto   SwarmStrategy = "auto"
	StrategyManual SwarmStrategy = "manual"
	StrategyHybrid SwarmStrategy = "hybrid"
)

// ValidSwarmStrategy reports whether s is a known strategy.
func ValidSwarmStrategy(s SwarmStrategy) bool {
	return s == StrategyAuto || s == StrategyManual || s == StrategyHybrid
}

// SwarmState is the lifecycle state of a swarm grouping.
type SwarmState string

// Swarm lifecycle states.
const (
	SwarmActive  SwarmState = "active"
	SwarmPaused  SwarmState = "paused"
	SwarmStopped SwarmState = "stopped"
)

// Swarm is a named logical grouping of agents and tasks. It references
// agents and tasks by id and does not own them exclusively; an agent
// belongs to at most one swarm at a time.
type Swarm struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Mode      SwarmMode     `json:"mode"`
	Strategy  SwarmStrategy `json:"strategy"`
	AgentIDs  []string      `json:"agent_ids"`
	TaskIDs   []string      `json:"task_ids"`
	Status    SwarmState    `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone returns a deep copy of the swarm record.
func (s *Swarm) Clone() *Swarm {
	cp := *s
	cp.AgentIDs = append([]string(nil), s.AgentIDs...)
	cp.TaskIDs = append([]string(nil), s.TaskIDs...)
	return &cp
}

// SwarmStatus is the counts-by-state snapshot returned by the coordinator.
type SwarmStatus struct {
	AgentsByStatus map[AgentStatus]int `json:"agents_by_status"`
	TasksByStatus  map[TaskStatus]int  `json:"tasks_by_status"`
	QueueLength    int                 `json:"queue_length"`
	Swarms         int                 `json:"swarms"`
	Uptime         time.Duration       `json:"uptime_ms"`
}
