package coordinator

import "errors"

// Sentinel errors returned by the coordinator API.
var (
	// ErrQueueFull means the pending-task queue is at capacity; the
	// submission was shed.
	ErrQueueFull = errors.New("task queue full")

	// ErrDependencyCycle means the submitted task would close a cycle in
	// the dependency graph.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrDuplicateTask means a submission reused an existing task id.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrNotFound means no task, agent, or swarm with the given id.
	ErrNotFound = errors.New("not found")

	// ErrTerminal means the task already reached a terminal state.
	ErrTerminal = errors.New("task already terminal")

	// ErrAgentInUse means the agent still has work assigned and the
	// operation was not forced.
	ErrAgentInUse = errors.New("agent in use")

	// ErrLimit means the operation would violate the configured agent
	// bounds.
	ErrLimit = errors.New("agent limit violation")

	// ErrNoVictim means no agent is currently eligible for removal.
	ErrNoVictim = errors.New("no removable agent")
)
