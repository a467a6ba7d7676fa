// Package process materializes agent records into supervised OS processes.
// The manager owns one watcher per live agent; watchers translate process
// events (heartbeats, task outcomes, exits) into status transitions and
// report them upward through a sink interface.
package process

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/swarmfleet/swarmd/pkg/models"
)

// EventKind tags the variants flowing out of a process handle.
type EventKind string

// Handle event kinds.
const (
	EventHeartbeat EventKind = "heartbeat"
	EventOutcome   EventKind = "outcome"
	EventExit      EventKind = "exit"
)

// AgentEvent is one observation from a running agent process. Exactly the
// fields for its Kind are populated.
type AgentEvent struct {
	Kind     EventKind
	Outcome  *models.TaskOutcome
	ExitCode int
	Err      error
}

// Handle is a live agent process as seen by the watcher.
type Handle interface {
	// PID returns the OS process id, or zero if not applicable.
	PID() int

	// Send enqueues a task frame to the agent.
	Send(env models.TaskEnvelope) error

	// Events delivers heartbeats, outcomes, and finally exactly one
	// exit event, after which the channel is closed.
	Events() <-chan AgentEvent

	// Stop asks the process to terminate cooperatively.
	Stop() error

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher turns an agent record into a running process.
type Launcher interface {
	Launch(a *models.Agent) (Handle, error)
}

// stdio frame types spoken with the agent subprocess. The agent reads
// task/shutdown frames on stdin and writes heartbeat/outcome frames on
// stdout, one JSON object per line.
type agentFrame struct {
	Type    string               `json:"type"`
	Task    *models.TaskEnvelope `json:"task,omitempty"`
	Outcome *models.TaskOutcome  `json:"outcome,omitempty"`
}

// ExecLauncher spawns real agent subprocesses. The agent type is passed as
// the first argument; identity and resource caps travel in the environment
// so the agent can self-limit where the platform offers no hard cap.
type ExecLauncher struct {
	Command string
	WorkDir string
	logger  *slog.Logger
}

// NewExecLauncher returns a launcher for the given agent executable.
func NewExecLauncher(command, workDir string) *ExecLauncher {
	return &ExecLauncher{
		Command: command,
		WorkDir: workDir,
		logger:  slog.With("component", "exec_launcher"),
	}
}

// Launch starts the agent executable and wires its stdio into a Handle.
func (l *ExecLauncher) Launch(a *models.Agent) (Handle, error) {
	if err := validateCaps(a.ResourceCaps); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Command, string(a.Type))
	cmd.Dir = l.WorkDir
	cmd.Env = append(os.Environ(),
		"SWARM_AGENT_ID="+a.ID,
		"SWARM_AGENT_NAME="+a.Name,
		"SWARM_AGENT_MAX_MEMORY_BYTES="+strconv.FormatInt(a.ResourceCaps.MaxMemoryBytes, 10),
		"SWARM_AGENT_MAX_TASKS="+strconv.Itoa(a.ResourceCaps.MaxConcurrentTasks),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := applyMemoryCap(cmd.Process.Pid, a.ResourceCaps.MaxMemoryBytes); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: memory cap: %v", ErrResource, err)
	}

	h := &execHandle{
		cmd:        cmd,
		stdin:      stdin,
		events:     make(chan AgentEvent, 32),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		logger:     l.logger.With("agent_id", a.ID, "pid", cmd.Process.Pid),
	}
	go h.readLoop(stdout)
	go h.drainStderr(stderr)
	go h.waitLoop()
	return h, nil
}

func validateCaps(caps models.ResourceCaps) error {
	if caps.MaxMemoryBytes < 0 {
		return fmt.Errorf("%w: negative memory cap", ErrResource)
	}
	if caps.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%w: max_concurrent_tasks must be at least 1", ErrResource)
	}
	if caps.WallTimeout < 0 {
		return fmt.Errorf("%w: negative wall timeout", ErrResource)
	}
	return nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan AgentEvent
	logger *slog.Logger

	// Closed by the respective reader goroutines at EOF. waitLoop must
	// not reap the process before both: Wait closes the stdio pipes,
	// and the readers are still sending on events.
	stdoutDone chan struct{}
	stderrDone chan struct{}

	writeMu sync.Mutex
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Send(env models.TaskEnvelope) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	frame := agentFrame{Type: "task", Task: &env}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return nil
}

func (h *execHandle) Events() <-chan AgentEvent { return h.events }

func (h *execHandle) Stop() error {
	h.writeMu.Lock()
	// Ask nicely on stdin first; agents that have stopped reading still
	// get the interrupt below.
	if data, err := json.Marshal(agentFrame{Type: "shutdown"}); err == nil {
		_, _ = h.stdin.Write(append(data, '\n'))
	}
	h.writeMu.Unlock()
	return h.cmd.Process.Signal(os.Interrupt)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) readLoop(stdout io.Reader) {
	defer close(h.stdoutDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame agentFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			h.logger.Warn("Dropping malformed agent frame", "error", err)
			continue
		}
		switch frame.Type {
		case "heartbeat":
			h.events <- AgentEvent{Kind: EventHeartbeat}
		case "outcome":
			if frame.Outcome == nil {
				h.logger.Warn("Outcome frame missing payload")
				continue
			}
			h.events <- AgentEvent{Kind: EventOutcome, Outcome: frame.Outcome}
		default:
			h.logger.Warn("Dropping unknown agent frame", "frame_type", frame.Type)
		}
	}
}

func (h *execHandle) drainStderr(stderr io.Reader) {
	defer close(h.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// waitLoop reaps the process. It blocks until both pipe readers hit EOF:
// Wait closes the stdio pipes out from under them, and waiting also
// guarantees every tail frame is on the events channel before the exit
// event, so outcomes from a dying agent are never dropped.
func (h *execHandle) waitLoop() {
	<-h.stdoutDone
	<-h.stderrDone
	err := h.cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	h.events <- AgentEvent{Kind: EventExit, ExitCode: code, Err: err}
	close(h.events)
}
