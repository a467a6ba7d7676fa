package command

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmfleet/swarmd/pkg/config"
	"github.com/swarmfleet/swarmd/pkg/coordinator"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/metrics"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/scaler"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// fakeAPM backs the coordinator without spawning processes: created agents
// come up idle immediately.
type fakeAPM struct {
	mu     sync.Mutex
	nextID int
	sentTo []string
}

func (f *fakeAPM) CreateAgent(_ context.Context, spec process.AgentSpec) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeAPM) StopAgent(context.Context, string, bool) error { return nil }

func (f *fakeAPM) SendTask(id string, _ models.TaskEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTo = append(f.sentTo, id)
	return nil
}

func (f *fakeAPM) GetStats() process.Stats { return process.Stats{} }

func newTestExecutor(t *testing.T) (*Executor, *coordinator.Coordinator) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := config.Defaults().Coordinator
	cfg.MaxQueueSize = 5
	coord := coordinator.New(cfg, 16, store, nil, ident.RealClock{}, &fakeAPM{})
	coord.Start()
	t.Cleanup(coord.Stop)
	sc := scaler.New(store, nil, ident.RealClock{}, coord, metrics.NewRing(8), time.Minute)
	return NewExecutor(coord, sc, store), coord
}

func execOK(t *testing.T, e *Executor, line string) *Result {
	t.Helper()
	res, err := e.Execute(context.Background(), line)
	require.NoError(t, err, "command %q", line)
	return res
}

func execCode(t *testing.T, e *Executor, line, wantCode string) *Error {
	t.Helper()
	_, err := e.Execute(context.Background(), line)
	require.Error(t, err, "command %q", line)
	ce := AsError(err)
	assert.Equal(t, wantCode, ce.Code, "command %q: %s", line, ce.Message)
	return ce
}

func TestParse(t *testing.T) {
	req, err := Parse(`task submit type=research priority=7 description="map the field"`)
	require.NoError(t, err)
	assert.Equal(t, "task submit", req.Verb)
	assert.Equal(t, "research", req.Arg("type", ""))
	assert.Equal(t, "7", req.Arg("priority", ""))
	assert.Equal(t, "map the field", req.Arg("description", ""))
	assert.Equal(t, "fallback", req.Arg("missing", "fallback"))

	_, err = Parse("")
	assert.Equal(t, CodeInvalid, AsError(err).Code)
	_, err = Parse("task submit type=x stray")
	assert.Equal(t, CodeInvalid, AsError(err).Code)
	_, err = Parse(`task submit description="unterminated`)
	assert.Equal(t, CodeInvalid, AsError(err).Code)
}

func TestUnknownVerb(t *testing.T) {
	e, _ := newTestExecutor(t)
	execCode(t, e, "agent dance", CodeInvalid)
}

func TestAgentLifecycleCommands(t *testing.T) {
	e, coord := newTestExecutor(t)

	res := execOK(t, e, "agent spawn type=general name=worker-a caps=search,code")
	a, ok := res.Data.(*models.Agent)
	require.True(t, ok)
	assert.Equal(t, "worker-a", a.Name)
	assert.ElementsMatch(t, []string{"search", "code"}, a.Capabilities)

	res = execOK(t, e, "agent list")
	agents, ok := res.Data.([]*models.Agent)
	require.True(t, ok)
	require.Len(t, agents, 1)

	execCode(t, e, "agent spawn type=sorcerer", CodeInvalid)
	execCode(t, e, "agent stop", CodeInvalid)
	execCode(t, e, "agent stop id=nope", CodeNotFound)

	execOK(t, e, "agent stop id="+a.ID)
	// The process manager reports the transition through the sink.
	stopped := a.Clone()
	stopped.Status = models.AgentStopped
	coord.AgentStatusChanged(stopped)
	got, err := coord.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStopped, got.Status)

	execOK(t, e, "agent remove id="+a.ID)
	_, err = coord.GetAgent(a.ID)
	assert.Error(t, err)
}

func TestAgentRemoveBusyNeedsForce(t *testing.T) {
	e, coord := newTestExecutor(t)
	res := execOK(t, e, "agent spawn type=general")
	a := res.Data.(*models.Agent)

	id, err := coord.SubmitTask(models.TaskSpec{Type: "analysis"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		task, err := coord.GetTask(id)
		return err == nil && task.Status == models.TaskRunning
	}, 3*time.Second, 5*time.Millisecond)

	execCode(t, e, "agent remove id="+a.ID, CodeInUse)
	execOK(t, e, "agent remove id="+a.ID+" force=true")
}

func TestTaskCommands(t *testing.T) {
	e, coord := newTestExecutor(t)
	execOK(t, e, "agent spawn type=general")

	res := execOK(t, e, "task submit type=research priority=3 input=ref-docs")
	data := res.Data.(map[string]string)
	id := data["task_id"]
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool {
		task, err := coord.GetTask(id)
		return err == nil && task.Status == models.TaskRunning
	}, 3*time.Second, 5*time.Millisecond)

	execCode(t, e, "task submit", CodeInvalid)
	execCode(t, e, "task submit type=x priority=eleven", CodeInvalid)
	execCode(t, e, "task cancel id=missing", CodeNotFound)

	// A held task (unmet dependency) can still be cancelled.
	res = execOK(t, e, "task submit type=followup deps="+id)
	held := res.Data.(map[string]string)["task_id"]
	execOK(t, e, "task cancel id="+held+` reason="no longer needed"`)
	task, err := coord.GetTask(held)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, task.Status)
	assert.Equal(t, "no longer needed", task.Error)

	execCode(t, e, "task cancel id="+held, CodeTerminal)
}

func TestTaskSubmitQueueFullAndCycle(t *testing.T) {
	e, _ := newTestExecutor(t)
	// No agents: everything stays pending. Queue size is 5.
	for i := 0; i < 5; i++ {
		execOK(t, e, fmt.Sprintf("task submit type=bulk id=bulk-%d", i))
	}
	execCode(t, e, "task submit type=bulk", CodeQueueFull)
	execOK(t, e, "task cancel id=bulk-4") // free one slot
	execCode(t, e, "task submit type=bulk id=bulk-0", CodeConflict)
	execCode(t, e, "task submit type=loop id=loop-a deps=loop-a", CodeCycle)
}

func TestSwarmCommands(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := execOK(t, e, "swarm create name=fleet agents=2 mode=centralized strategy=auto")
	s, ok := res.Data.(*models.Swarm)
	require.True(t, ok)
	assert.Len(t, s.AgentIDs, 2)

	res = execOK(t, e, "swarm status id="+s.ID)
	snap, ok := res.Data.(*coordinator.SwarmSnapshot)
	require.True(t, ok)
	assert.Equal(t, s.ID, snap.Swarm.ID)

	res = execOK(t, e, "swarm scale id="+s.ID+" target=4")
	grown := res.Data.(*models.Swarm)
	assert.Len(t, grown.AgentIDs, 4)

	execCode(t, e, "swarm status id=missing", CodeNotFound)
	execCode(t, e, "swarm scale id="+s.ID+" target=-1", CodeLimit)
	execCode(t, e, "swarm create name=x mode=triangle", CodeInvalid)
}

func TestScaleCommands(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := execOK(t, e, "scale policy set name=default min=1 max=3 target=70 up=85 down=50 cooldown=0s")
	p, ok := res.Data.(*models.ScalingPolicy)
	require.True(t, ok)
	assert.Equal(t, 3, p.MaxAgents)

	execCode(t, e, "scale policy set min=2 max=1 target=70 up=85 down=50", CodeInvalid)

	res = execOK(t, e, "scale up")
	action, ok := res.Data.(*models.ScalingAction)
	require.True(t, ok)
	assert.Equal(t, models.ScaleUp, action.Kind)
	assert.Equal(t, models.ActionCompleted, action.Status)

	execOK(t, e, "scale up n=2")
	execCode(t, e, "scale up", CodeLimit) // fleet at max

	execOK(t, e, "scale down")
	execCode(t, e, "scale up n=0", CodeInvalid)

	res = execOK(t, e, "scale actions")
	actions, ok := res.Data.([]*models.ScalingAction)
	require.True(t, ok)
	assert.NotEmpty(t, actions)
}

func TestMemoryCommands(t *testing.T) {
	e, _ := newTestExecutor(t)

	execOK(t, e, `memory store key=runbook/incident value="check the queue first"`)
	execOK(t, e, "memory store key=runbook/scale value=watch-cpu")

	res := execOK(t, e, "memory query key=runbook/incident")
	entry, ok := res.Data.(*storage.MemoryEntry)
	require.True(t, ok)
	assert.Equal(t, "check the queue first", entry.Value)

	res = execOK(t, e, "memory query prefix=runbook/")
	entries, ok := res.Data.([]*storage.MemoryEntry)
	require.True(t, ok)
	assert.Len(t, entries, 2)

	execOK(t, e, "memory delete key=runbook/scale")
	execCode(t, e, "memory query key=runbook/scale", CodeNotFound)
	execCode(t, e, "memory store", CodeInvalid)
	execCode(t, e, "memory delete", CodeInvalid)
}

func TestStatusCommand(t *testing.T) {
	e, _ := newTestExecutor(t)
	execOK(t, e, "agent spawn type=general")
	res := execOK(t, e, "status")
	st, ok := res.Data.(models.SwarmStatus)
	require.True(t, ok)
	assert.Equal(t, 1, st.AgentsByStatus[models.AgentIdle])
}
