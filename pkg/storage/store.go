// Package storage provides the persistence port consumed by the coordinator,
// process manager, and auto-scaler, with in-memory and PostgreSQL backends.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// ErrorKind classifies storage failures for retry decisions.
type ErrorKind string

// Storage error kinds.
const (
	KindNotFound  ErrorKind = "not_found"
	KindConflict  ErrorKind = "conflict"
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
)

// StorageError is the typed error returned by all Store operations.
type StorageError struct {
	Op   string
	Key  string
	Kind ErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewError builds a StorageError.
func NewError(op, key string, kind ErrorKind, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a not-found storage error.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// MemoryEntry is one key-value record in the operator memory table.
type MemoryEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at_unix"`
}

// Store is the persistence port. Implementations guarantee that a reader
// observing a completed write sees that write (per-key linearizability for a
// single writer). Scaling actions are append-only.
type Store interface {
	PutAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, f models.AgentFilter) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	PutTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, f models.TaskFilter) ([]*models.Task, error)
	DeleteTask(ctx context.Context, id string) error

	PutSwarm(ctx context.Context, s *models.Swarm) error
	GetSwarm(ctx context.Context, id string) (*models.Swarm, error)
	ListSwarms(ctx context.Context) ([]*models.Swarm, error)

	PutScalingAction(ctx context.Context, a *models.ScalingAction) error
	ListScalingActions(ctx context.Context, limit int) ([]*models.ScalingAction, error)

	PutScalingPolicy(ctx context.Context, p *models.ScalingPolicy) error
	CurrentPolicy(ctx context.Context) (*models.ScalingPolicy, error)

	PutMemory(ctx context.Context, key, value string) error
	GetMemory(ctx context.Context, key string) (*MemoryEntry, error)
	QueryMemory(ctx context.Context, prefix string) ([]*MemoryEntry, error)
	DeleteMemory(ctx context.Context, key string) error

	Close() error
}
