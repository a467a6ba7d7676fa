package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"

	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// fakeAPM satisfies AgentManager without spawning processes. Created agents
// come up idle immediately; dispatched envelopes are recorded for the test
// to complete by calling the coordinator sink directly.
type fakeAPM struct {
	mu          sync.Mutex
	nextID      int
	sent        []models.TaskEnvelope
	sentTo      []string
	stopped     []string
	refuse      bool
	createErr   error
	createDelay time.Duration
}

func (f *fakeAPM) CreateAgent(_ context.Context, spec process.AgentSpec) (*models.Agent, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	now := time.Now()
	caps := spec.Caps
	if caps.MaxConcurrentTasks == 0 {
		caps.MaxConcurrentTasks = 1
	}
	return &models.Agent{
		ID:           fmt.Sprintf("agent-%03d", f.nextID),
		Name:         spec.Name,
		Type:         spec.Type,
		Capabilities: spec.Capabilities,
		Status:       models.AgentIdle,
		ResourceCaps: caps,
		SwarmID:      spec.SwarmID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (f *fakeAPM) StopAgent(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPM) SendTask(id string, env models.TaskEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return process.ErrAgentUnavailable
	}
	f.sent = append(f.sent, env)
	f.sentTo = append(f.sentTo, id)
	return nil
}

func (f *fakeAPM) GetStats() process.Stats { return process.Stats{} }

func (f *fakeAPM) sentEnvelopes() ([]models.TaskEnvelope, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TaskEnvelope(nil), f.sent...),
		append([]string(nil), f.sentTo...)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeAPM) {
	t.Helper()
	apm := &fakeAPM{}
	cfg := config.Defaults().Coordinator
	cfg.MaxQueueSize = 10
	cfg.MaxRetries = 3
	c := New(cfg, 16, storage.NewMemoryStore(), nil, ident.RealClock{}, apm)
	c.Start()
	t.Cleanup(c.Stop)
	return c, apm
}

func addIdleAgent(t *testing.T, c *Coordinator, apm *fakeAPM, caps ...string) *models.Agent {
	t.Helper()
	a, err := c.RegisterAgent(context.Background(), process.AgentSpec{
		Type:         models.AgentTypeGeneral,
		Capabilities: caps,
	})
	require.NoError(t, err)
	return a
}

func waitTaskStatus(t *testing.T, c *Coordinator, id string, want models.TaskStatus) *models.Task {
	t.Helper()
	var got *models.Task
	require.Eventually(t, func() bool {
		task, err := c.GetTask(id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestSubmitAndRunSingleTask(t *testing.T) {
	c, apm := newTestCoordinator(t)
	a := addIdleAgent(t, c, apm)

	id, err := c.SubmitTask(models.TaskSpec{Type: "echo", Input: "hello"})
	require.NoError(t, err)

	task := waitTaskStatus(t, c, id, models.TaskRunning)
	assert.Equal(t, a.ID, task.AssignedTo)
	assert.Equal(t, 1, task.AttemptCount)
	assert.NotNil(t, task.StartedAt)

	c.TaskOutcome(a.ID, models.TaskOutcome{TaskID: id, Success: true, Result: "hello"})
	task = waitTaskStatus(t, c, id, models.TaskCompleted)
	assert.Equal(t, "hello", task.Result)
	assert.NotNil(t, task.EndedAt)
}

func TestSubmitValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)

	_, err := c.SubmitTask(models.TaskSpec{})
	assert.Error(t, err)

	_, err = c.SubmitTask(models.TaskSpec{Type: "echo", Priority: 11})
	assert.Error(t, err)

	id, err := c.SubmitTask(models.TaskSpec{ID: "dup", Type: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "dup", id)
	_, err = c.SubmitTask(models.TaskSpec{ID: "dup", Type: "echo"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestQueueFull(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < 10; i++ {
		_, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
		require.NoError(t, err)
	}
	_, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDependencyCycleRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)

	// t-a waits on the not-yet-submitted t-b; closing the loop with t-b
	// depending on t-a must be rejected.
	_, err := c.SubmitTask(models.TaskSpec{ID: "t-a", Type: "a", Dependencies: []string{"t-b"}})
	require.NoError(t, err)
	_, err = c.SubmitTask(models.TaskSpec{ID: "t-b", Type: "b", Dependencies: []string{"t-a"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	// Self-dependency is the direct cycle.
	_, err = c.SubmitTask(models.TaskSpec{ID: "t-c", Type: "c", Dependencies: []string{"t-c"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestDependencyGatesAssignment(t *testing.T) {
	c, apm := newTestCoordinator(t)
	a := addIdleAgent(t, c, apm)

	t1, err := c.SubmitTask(models.TaskSpec{Type: "first"})
	require.NoError(t, err)
	t2, err := c.SubmitTask(models.TaskSpec{Type: "second", Dependencies: []string{t1}})
	require.NoError(t, err)

	waitTaskStatus(t, c, t1, models.TaskRunning)

	// t2 must stay pending while its dependency is unfinished.
	time.Sleep(50 * time.Millisecond)
	task2, err := c.GetTask(t2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task2.Status)

	c.TaskOutcome(a.ID, models.TaskOutcome{TaskID: t1, Success: true})
	waitTaskStatus(t, c, t1, models.TaskCompleted)
	waitTaskStatus(t, c, t2, models.TaskRunning)

	c.TaskOutcome(a.ID, models.TaskOutcome{TaskID: t2, Success: true})
	task2 = waitTaskStatus(t, c, t2, models.TaskCompleted)
	task1, _ := c.GetTask(t1)
	assert.True(t, !task2.StartedAt.Before(*task1.EndedAt),
		"dependent started before dependency ended")
}

func TestPriorityOvertake(t *testing.T) {
	c, apm := newTestCoordinator(t)

	// Queue five low-priority tasks with no agents yet.
	for i := 0; i < 5; i++ {
		_, err := c.SubmitTask(models.TaskSpec{Type: "low", Priority: 1})
		require.NoError(t, err)
	}
	high, err := c.SubmitTask(models.TaskSpec{Type: "high", Priority: 9})
	require.NoError(t, err)

	addIdleAgent(t, c, apm)
	waitTaskStatus(t, c, high, models.TaskRunning)

	envs, _ := apm.sentEnvelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, high, envs[0].TaskID, "high priority task must be dispatched first")
}

func TestAssignmentDeterministicTieBreak(t *testing.T) {
	c, apm := newTestCoordinator(t)
	addIdleAgent(t, c, apm) // agent-001
	addIdleAgent(t, c, apm) // agent-002

	id, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	require.NoError(t, err)
	task := waitTaskStatus(t, c, id, models.TaskRunning)
	assert.Equal(t, "agent-001", task.AssignedTo)
}

func TestCapabilityMatchPreferred(t *testing.T) {
	c, apm := newTestCoordinator(t)
	addIdleAgent(t, c, apm)               // agent-001, no caps
	able := addIdleAgent(t, c, apm, "go") // agent-002, capable

	id, err := c.SubmitTask(models.TaskSpec{Type: "build", RequiredCaps: []string{"go"}})
	require.NoError(t, err)
	task := waitTaskStatus(t, c, id, models.TaskRunning)
	assert.Equal(t, able.ID, task.AssignedTo)
}

func TestRetryThenFail(t *testing.T) {
	c, apm := newTestCoordinator(t)
	a := addIdleAgent(t, c, apm)

	id, err := c.SubmitTask(models.TaskSpec{Type: "flaky"})
	require.NoError(t, err)

	// Fail the task MaxRetries times; each failure before the cap
	// requeues and reassigns it with a bumped attempt count.
	for attempt := 1; attempt <= 3; attempt++ {
		task := waitTaskStatus(t, c, id, models.TaskRunning)
		assert.Equal(t, attempt, task.AttemptCount)
		c.TaskOutcome(a.ID, models.TaskOutcome{TaskID: id, Success: false, Error: "boom"})
	}

	task := waitTaskStatus(t, c, id, models.TaskFailed)
	assert.Equal(t, 3, task.AttemptCount)
	assert.Equal(t, "boom", task.Error)
}

func TestCancelTask(t *testing.T) {
	c, _ := newTestCoordinator(t)

	id, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	require.NoError(t, err)
	require.NoError(t, c.CancelTask(id, "operator request"))

	task, err := c.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, task.Status)
	assert.Equal(t, "operator request", task.Error)

	assert.ErrorIs(t, c.CancelTask(id, "again"), ErrTerminal)
	assert.ErrorIs(t, c.CancelTask("ghost", "x"), ErrNotFound)
}

func TestAgentLostRequeuesTasks(t *testing.T) {
	c, apm := newTestCoordinator(t)
	a := addIdleAgent(t, c, apm)

	id, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	require.NoError(t, err)
	waitTaskStatus(t, c, id, models.TaskRunning)

	// The agent crashes: its task is requeued and reassigned with a
	// higher attempt count once capacity returns.
	lost := a.Clone()
	lost.Status = models.AgentError
	c.AgentStatusChanged(lost)

	b := addIdleAgent(t, c, apm)
	task := waitTaskStatus(t, c, id, models.TaskRunning)
	assert.Equal(t, b.ID, task.AssignedTo)
	assert.GreaterOrEqual(t, task.AttemptCount, 2)
}

func TestRegisterAgentLimit(t *testing.T) {
	apm := &fakeAPM{}
	cfg := config.Defaults().Coordinator
	c := New(cfg, 1, storage.NewMemoryStore(), nil, ident.RealClock{}, apm)
	c.Start()
	t.Cleanup(c.Stop)

	_, err := c.RegisterAgent(context.Background(), process.AgentSpec{Type: models.AgentTypeGeneral})
	require.NoError(t, err)
	_, err = c.RegisterAgent(context.Background(), process.AgentSpec{Type: models.AgentTypeGeneral})
	assert.ErrorIs(t, err, ErrLimit)
}

// Registrations racing through the slow spawn phase must not overshoot the
// agent limit: the slot is claimed before the spawn starts.
func TestRegisterAgentConcurrentLimit(t *testing.T) {
	apm := &fakeAPM{createDelay: 10 * time.Millisecond}
	cfg := config.Defaults().Coordinator
	c := New(cfg, 1, storage.NewMemoryStore(), nil, ident.RealClock{}, apm)
	c.Start()
	t.Cleanup(c.Stop)

	const racers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	var succeeded, limited uatomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.RegisterAgent(context.Background(), process.AgentSpec{Type: models.AgentTypeGeneral})
			switch {
			case err == nil:
				succeeded.Inc()
			case errors.Is(err, ErrLimit):
				limited.Inc()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), succeeded.Load())
	assert.Equal(t, int64(racers-1), limited.Load())
	assert.Equal(t, 1, c.ActiveAgentCount())
}

// A failed spawn releases its claimed slot.
func TestRegisterAgentFailedSpawnReleasesSlot(t *testing.T) {
	apm := &fakeAPM{createErr: process.ErrSpawn}
	cfg := config.Defaults().Coordinator
	c := New(cfg, 1, storage.NewMemoryStore(), nil, ident.RealClock{}, apm)
	c.Start()
	t.Cleanup(c.Stop)

	_, err := c.RegisterAgent(context.Background(), process.AgentSpec{Type: models.AgentTypeGeneral})
	require.ErrorIs(t, err, process.ErrSpawn)

	apm.mu.Lock()
	apm.createErr = nil
	apm.mu.Unlock()
	_, err = c.RegisterAgent(context.Background(), process.AgentSpec{Type: models.AgentTypeGeneral})
	require.NoError(t, err)
}

func TestUnregisterAgent(t *testing.T) {
	c, apm := newTestCoordinator(t)
	a := addIdleAgent(t, c, apm)

	id, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	require.NoError(t, err)
	waitTaskStatus(t, c, id, models.TaskRunning)

	// With work assigned the removal is refused unless forced.
	err = c.UnregisterAgent(context.Background(), a.ID, false)
	assert.ErrorIs(t, err, ErrAgentInUse)

	require.NoError(t, c.UnregisterAgent(context.Background(), a.ID, true))
	_, err = c.GetAgent(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPickScaleDownVictim(t *testing.T) {
	c, apm := newTestCoordinator(t)

	_, err := c.PickScaleDownVictim()
	assert.ErrorIs(t, err, ErrNoVictim)

	warm := addIdleAgent(t, c, apm)
	cold := addIdleAgent(t, c, apm)

	// Give the first agent a track record; the cold one should be chosen.
	seasoned := warm.Clone()
	seasoned.Metrics.TasksCompleted = 5
	c.AgentStatusChanged(seasoned)

	victim, err := c.PickScaleDownVictim()
	require.NoError(t, err)
	assert.Equal(t, cold.ID, victim)
}

func TestSwarmLifecycle(t *testing.T) {
	c, apm := newTestCoordinator(t)
	_ = apm

	s, err := c.CreateSwarm(context.Background(), "alpha", 2, models.SwarmMesh, models.StrategyAuto)
	require.NoError(t, err)
	assert.Len(t, s.AgentIDs, 2)

	snap, err := c.GetSwarmStatus(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.AgentsByStatus[models.AgentIdle])

	grown, err := c.ScaleSwarm(context.Background(), s.ID, 4)
	require.NoError(t, err)
	assert.Len(t, grown.AgentIDs, 4)

	shrunk, err := c.ScaleSwarm(context.Background(), s.ID, 1)
	require.NoError(t, err)
	assert.Len(t, shrunk.AgentIDs, 1)

	_, err = c.GetSwarmStatus("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.ScaleSwarm(context.Background(), s.ID, 99)
	assert.ErrorIs(t, err, ErrLimit)
}

func TestGetStatusCounts(t *testing.T) {
	c, apm := newTestCoordinator(t)
	addIdleAgent(t, c, apm)

	_, err := c.SubmitTask(models.TaskSpec{Type: "echo"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := c.GetStatus()
		return st.TasksByStatus[models.TaskRunning] == 1 &&
			st.AgentsByStatus[models.AgentBusy]+st.AgentsByStatus[models.AgentIdle] == 1
	}, 3*time.Second, 5*time.Millisecond)

	st := c.GetStatus()
	assert.Equal(t, 1, st.QueueLength)
	assert.GreaterOrEqual(t, st.Uptime, time.Duration(0))
}

func TestRecoverRequeuesInFlight(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.PutTask(context.Background(), &models.Task{
		ID: "t1", Type: "echo", Status: models.TaskRunning,
		AssignedTo: "a1", CreatedAt: now, AttemptCount: 1,
	}))
	require.NoError(t, store.PutAgent(context.Background(), &models.Agent{
		ID: "a1", Type: models.AgentTypeGeneral, Status: models.AgentBusy,
		CreatedAt: now, UpdatedAt: now,
	}))

	apm := &fakeAPM{}
	c := New(config.Defaults().Coordinator, 16, store, nil, ident.RealClock{}, apm)
	require.NoError(t, c.Recover(context.Background()))

	task, err := c.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Empty(t, task.AssignedTo)

	agent, err := c.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStopped, agent.Status)
}
