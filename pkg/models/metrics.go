package models

import "time"

// MetricsSample is one periodic observation of control-plane load.
type MetricsSample struct {
	Timestamp     time.Time     `json:"ts"`
	CPUPct        float64       `json:"cpu_pct"`
	MemPct        float64       `json:"mem_pct"`
	QueueLen      int           `json:"queue_len"`
	ActiveAgents  int           `json:"active_agents"`
	IdleAgents    int           `json:"idle_agents"`
	ThroughputTPM float64       `json:"throughput_tpm"`
	ResponseTime  time.Duration `json:"response_time_ms"`
	ErrorRatePct  float64       `json:"error_rate_pct"`
}

// CompletionStats summarizes the most recent terminal tasks.
type CompletionStats struct {
	// ResponseTimeP50 is the median started-to-ended duration.
	ResponseTimeP50 time.Duration `json:"response_time_p50_ms"`

	// ErrorRatePct is failures over terminal outcomes, in percent.
	ErrorRatePct float64 `json:"error_rate_pct"`

	// CompletedTotal counts every task ever completed, for throughput
	// deltas between samples.
	CompletedTotal int `json:"completed_total"`

	// FailedTotal counts every task ever failed.
	FailedTotal int `json:"failed_total"`
}
