package process

import "errors"

// Sentinel errors returned by the process manager.
var (
	// ErrSpawn means the agent executable could not be launched.
	ErrSpawn = errors.New("agent process could not be spawned")

	// ErrResource means the requested resource caps are invalid or could
	// not be applied at spawn time.
	ErrResource = errors.New("resource caps could not be applied")

	// ErrAgentUnavailable means the agent is not in a state that can
	// accept a task, or is already at its concurrency cap.
	ErrAgentUnavailable = errors.New("agent unavailable for task dispatch")

	// ErrNotFound means no live agent with the given id is managed here.
	ErrNotFound = errors.New("agent not found")
)
