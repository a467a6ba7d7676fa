package models

import "time"

// PolicyType classifies how a scaling policy is driven.
type PolicyType string

// Scaling policy types.
const (
	PolicyManual      PolicyType = "manual"
	PolicyAuto        PolicyType = "auto"
	PolicyScheduled   PolicyType = "scheduled"
	PolicyDemandBased PolicyType = "demand-based"
)

// ScalingPolicy is the tuple of bounds and thresholds governing auto-scaling.
//
// Write-time invariants: MinAgents <= MaxAgents and strictly
// ScaleDownThreshold < TargetUtilization < ScaleUpThreshold.
type ScalingPolicy struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Type               PolicyType    `json:"type"`
	MinAgents          int           `json:"min_agents"`
	MaxAgents          int           `json:"max_agents"`
	TargetUtilization  float64       `json:"target_utilization"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold"`
	Cooldown           time.Duration `json:"cooldown_seconds"`
	Metrics            []string      `json:"metrics,omitempty"`
	Enabled            bool          `json:"enabled"`
	LastTriggeredAt    *time.Time    `json:"last_triggered_at,omitempty"`
}

// Clone returns a deep copy of the policy.
func (p *ScalingPolicy) Clone() *ScalingPolicy {
	cp := *p
	cp.Metrics = append([]string(nil), p.Metrics...)
	if p.LastTriggeredAt != nil {
		t := *p.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

// ScalingKind is the direction of a scaling action.
type ScalingKind string

// Scaling action kinds.
const (
	ScaleUp        ScalingKind = "up"
	ScaleDown      ScalingKind = "down"
	ScaleRebalance ScalingKind = "rebalance"
)

// ActionStatus is the lifecycle state of a scaling action.
type ActionStatus string

// Scaling action states.
const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionFailed     ActionStatus = "failed"
)

// ScalingAction is an append-only record of one scaling decision and its
// outcome.
type ScalingAction struct {
	ID          string        `json:"id"`
	Kind        ScalingKind   `json:"kind"`
	Reason      string        `json:"reason"`
	FromCount   int           `json:"from_count"`
	ToCount     int           `json:"to_count"`
	RequestedAt time.Time     `json:"requested_at"`
	Status      ActionStatus  `json:"status"`
	Duration    time.Duration `json:"duration_ms,omitempty"`
	Error       string        `json:"error,omitempty"`
}
