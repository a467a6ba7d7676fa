package storage

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// newTestPostgresStore spins up a PostgreSQL testcontainer and opens a store
// against it. Skipped unless SWARMD_DB_TESTS=1 (requires a Docker daemon).
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("SWARMD_DB_TESTS") == "" {
		t.Skip("set SWARMD_DB_TESTS=1 to run PostgreSQL integration tests")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("swarmd_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPostgresStoreFromDB(db, "swarmd_test")
	require.NoError(t, err)
	return store
}

func TestPostgresStore_AgentRoundTrip(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:           "a1",
		Name:         "coder-1",
		Type:         models.AgentTypeCoder,
		Status:       models.AgentStarting,
		Capabilities: []string{"go", "review"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.PutAgent(ctx, agent))

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "coder-1", got.Name)
	assert.Equal(t, []string{"go", "review"}, got.Capabilities)

	// Update visible to subsequent read.
	agent.Status = models.AgentIdle
	require.NoError(t, store.PutAgent(ctx, agent))

	idle, err := store.ListAgents(ctx, models.AgentFilter{Status: models.AgentIdle})
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, store.DeleteAgent(ctx, "a1"))
	_, err = store.GetAgent(ctx, "a1")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(store.DeleteAgent(ctx, "a1")))
}

func TestPostgresStore_TaskOrderingAndFilter(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, store.PutTask(ctx, &models.Task{
		ID: "t2", Type: "echo", Status: models.TaskPending, CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, store.PutTask(ctx, &models.Task{
		ID: "t1", Type: "echo", Status: models.TaskPending, CreatedAt: base,
	}))

	tasks, err := store.ListTasks(ctx, models.TaskFilter{Status: models.TaskPending})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, "t2", tasks[1].ID)
}

func TestPostgresStore_ScalingActionsAppendOnly(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	for _, id := range []string{"sa1", "sa2", "sa3"} {
		require.NoError(t, store.PutScalingAction(ctx, &models.ScalingAction{
			ID: id, Kind: models.ScaleUp, Status: models.ActionPending, RequestedAt: time.Now().UTC(),
		}))
	}
	// Terminal status update keeps the original position.
	require.NoError(t, store.PutScalingAction(ctx, &models.ScalingAction{
		ID: "sa1", Kind: models.ScaleUp, Status: models.ActionCompleted,
	}))

	actions, err := store.ListScalingActions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "sa2", actions[0].ID)
	assert.Equal(t, "sa3", actions[1].ID)
}

func TestPostgresStore_PolicyAndMemory(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	_, err := store.CurrentPolicy(ctx)
	assert.True(t, IsNotFound(err))

	require.NoError(t, store.PutScalingPolicy(ctx, &models.ScalingPolicy{
		ID: "p1", Name: "default", Enabled: true,
		MinAgents: 1, MaxAgents: 5, TargetUtilization: 70,
		ScaleUpThreshold: 80, ScaleDownThreshold: 60,
	}))

	p, err := store.CurrentPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	require.NoError(t, store.PutMemory(ctx, "notes/a", "alpha"))
	require.NoError(t, store.PutMemory(ctx, "notes/b", "beta"))

	entries, err := store.QueryMemory(ctx, "notes/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Value)

	require.NoError(t, store.DeleteMemory(ctx, "notes/a"))
	_, err = store.GetMemory(ctx, "notes/a")
	assert.True(t, IsNotFound(err))
}
