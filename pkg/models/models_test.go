package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidAgentType(t *testing.T) {
	assert.True(t, ValidAgentType(AgentTypeCoder))
	assert.True(t, ValidAgentType(AgentTypeGeneral))
	assert.False(t, ValidAgentType(AgentType("wizard")))
	assert.False(t, ValidAgentType(AgentType("")))
}

func TestAgentMetrics_SuccessRate(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		failed    int
		want      float64
	}{
		{"no history scores reliable", 0, 0, 1.0},
		{"all completed", 10, 0, 1.0},
		{"half failed", 5, 5, 0.5},
		{"all failed", 0, 4, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := AgentMetrics{TasksCompleted: tt.completed, TasksFailed: tt.failed}
			assert.InDelta(t, tt.want, m.SuccessRate(), 1e-9)
		})
	}
}

func TestAgentFilter_Matches(t *testing.T) {
	a := &Agent{
		ID:           "a1",
		Type:         AgentTypeCoder,
		Status:       AgentIdle,
		SwarmID:      "s1",
		Capabilities: []string{"go", "review"},
	}

	assert.True(t, AgentFilter{}.Matches(a))
	assert.True(t, AgentFilter{Status: AgentIdle, Type: AgentTypeCoder}.Matches(a))
	assert.True(t, AgentFilter{Capability: "go"}.Matches(a))
	assert.False(t, AgentFilter{Status: AgentBusy}.Matches(a))
	assert.False(t, AgentFilter{SwarmID: "other"}.Matches(a))
	assert.False(t, AgentFilter{Capability: "rust"}.Matches(a))
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskAssigned.Terminal())
	assert.False(t, TaskRunning.Terminal())
}

func TestTask_Clone_Independent(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:           "t1",
		Dependencies: []string{"t0"},
		StartedAt:    &started,
	}

	cp := orig.Clone()
	cp.Dependencies[0] = "mutated"
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "t0", orig.Dependencies[0])
	assert.Equal(t, started, *orig.StartedAt)
}

func TestAgent_Clone_Independent(t *testing.T) {
	orig := &Agent{ID: "a1", Capabilities: []string{"go"}}
	cp := orig.Clone()
	cp.Capabilities[0] = "mutated"
	assert.Equal(t, "go", orig.Capabilities[0])
}
