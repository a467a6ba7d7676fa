package process

import (
	"sync"
	"time"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// LoopbackLauncher runs agents in-process instead of spawning executables.
// Each handle heartbeats on a short interval and completes every task by
// echoing its input. It backs the "loopback" agent command in development
// mode and serves as the process double in tests.
type LoopbackLauncher struct {
	// HeartbeatEvery defaults to 50ms.
	HeartbeatEvery time.Duration

	// TaskDelay is how long each task "runs" before completing.
	TaskDelay time.Duration

	// FailTypes lists task types the loopback agent reports as failed.
	FailTypes []string

	mu      sync.Mutex
	handles []*LoopbackHandle
}

// NewLoopbackLauncher returns a launcher with default timings.
func NewLoopbackLauncher() *LoopbackLauncher {
	return &LoopbackLauncher{HeartbeatEvery: 50 * time.Millisecond}
}

// Launch starts an in-process agent loop.
func (l *LoopbackLauncher) Launch(a *models.Agent) (Handle, error) {
	if err := validateCaps(a.ResourceCaps); err != nil {
		return nil, err
	}
	hb := l.HeartbeatEvery
	if hb <= 0 {
		hb = 50 * time.Millisecond
	}
	h := &LoopbackHandle{
		agentID:   a.ID,
		events:    make(chan AgentEvent, 32),
		tasks:     make(chan models.TaskEnvelope, 64),
		stopCh:    make(chan struct{}),
		taskDelay: l.TaskDelay,
		failTypes: append([]string(nil), l.FailTypes...),
	}
	go h.run(hb)

	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

// Handles returns every handle launched so far, for test inspection.
func (l *LoopbackLauncher) Handles() []*LoopbackHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*LoopbackHandle(nil), l.handles...)
}

// LoopbackHandle is the in-process agent behind LoopbackLauncher.
type LoopbackHandle struct {
	agentID   string
	events    chan AgentEvent
	tasks     chan models.TaskEnvelope
	taskDelay time.Duration
	failTypes []string

	stopOnce sync.Once
	stopCh   chan struct{}
	killed   bool
}

func (h *LoopbackHandle) PID() int { return 0 }

func (h *LoopbackHandle) Send(env models.TaskEnvelope) error {
	select {
	case h.tasks <- env:
		return nil
	case <-h.stopCh:
		return ErrAgentUnavailable
	}
}

func (h *LoopbackHandle) Events() <-chan AgentEvent { return h.events }

func (h *LoopbackHandle) Stop() error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *LoopbackHandle) Kill() error {
	h.killed = true
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

// Crash simulates an abnormal process exit, for supervision tests.
func (h *LoopbackHandle) Crash() {
	h.killed = true
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *LoopbackHandle) run(heartbeatEvery time.Duration) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	// First heartbeat immediately so starting agents settle fast.
	h.events <- AgentEvent{Kind: EventHeartbeat}

	for {
		select {
		case <-h.stopCh:
			code := 0
			if h.killed {
				code = 1
			}
			h.events <- AgentEvent{Kind: EventExit, ExitCode: code}
			close(h.events)
			return
		case <-ticker.C:
			select {
			case h.events <- AgentEvent{Kind: EventHeartbeat}:
			default:
			}
		case env := <-h.tasks:
			if h.taskDelay > 0 {
				select {
				case <-time.After(h.taskDelay):
				case <-h.stopCh:
					continue
				}
			}
			out := models.TaskOutcome{TaskID: env.TaskID, Success: true, Result: env.Input}
			for _, ft := range h.failTypes {
				if env.Type == ft {
					out.Success = false
					out.Result = ""
					out.Error = "loopback agent configured to fail type " + ft
				}
			}
			h.events <- AgentEvent{Kind: EventOutcome, Outcome: &out}
		}
	}
}
