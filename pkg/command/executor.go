package command

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/swarmfleet/swarmd/pkg/coordinator"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/process"
	"github.com/swarmfleet/swarmd/pkg/scaler"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// Executor dispatches parsed commands to the control-plane components.
type Executor struct {
	coord *coordinator.Coordinator
	scale *scaler.Scaler
	store storage.Store
}

// NewExecutor wires the command port.
func NewExecutor(coord *coordinator.Coordinator, scale *scaler.Scaler, store storage.Store) *Executor {
	return &Executor{coord: coord, scale: scale, store: store}
}

// Execute parses and runs one command line. Errors always carry a stable
// code; any is the command-specific result payload.
func (e *Executor) Execute(ctx context.Context, line string) (*Result, error) {
	req, err := Parse(line)
	if err != nil {
		return nil, err
	}

	var data any
	switch req.Verb {
	case "agent spawn":
		data, err = e.agentSpawn(ctx, req)
	case "agent list":
		data, err = e.agentList(req)
	case "agent stop":
		data, err = e.agentStop(ctx, req)
	case "agent remove":
		data, err = e.agentRemove(ctx, req)
	case "task submit":
		data, err = e.taskSubmit(req)
	case "task cancel":
		data, err = e.taskCancel(req)
	case "task list":
		data, err = e.taskList(req)
	case "swarm create":
		data, err = e.swarmCreate(ctx, req)
	case "swarm status":
		data, err = e.swarmStatus(req)
	case "swarm scale":
		data, err = e.swarmScale(ctx, req)
	case "scale up":
		data, err = e.manualScale(ctx, models.ScaleUp, req)
	case "scale down":
		data, err = e.manualScale(ctx, models.ScaleDown, req)
	case "scale policy set":
		data, err = e.policySet(ctx, req)
	case "scale actions":
		data, err = e.scaleActions(ctx, req)
	case "memory store":
		data, err = e.memoryStore(ctx, req)
	case "memory query":
		data, err = e.memoryQuery(ctx, req)
	case "memory delete":
		data, err = e.memoryDelete(ctx, req)
	case "status":
		data = e.coord.GetStatus()
	default:
		return nil, NewError(CodeInvalid, "unknown command %q", req.Verb)
	}
	if err != nil {
		return nil, translate(err)
	}
	return &Result{Command: req.Verb, Data: data}, nil
}

// translate maps component sentinels onto stable command codes.
func translate(err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, coordinator.ErrQueueFull):
		return NewError(CodeQueueFull, "%s", err)
	case errors.Is(err, coordinator.ErrDependencyCycle):
		return NewError(CodeCycle, "%s", err)
	case errors.Is(err, coordinator.ErrDuplicateTask):
		return NewError(CodeConflict, "%s", err)
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, process.ErrNotFound):
		return NewError(CodeNotFound, "%s", err)
	case errors.Is(err, coordinator.ErrTerminal):
		return NewError(CodeTerminal, "%s", err)
	case errors.Is(err, coordinator.ErrAgentInUse):
		return NewError(CodeInUse, "%s", err)
	case errors.Is(err, coordinator.ErrLimit), errors.Is(err, scaler.ErrLimit):
		return NewError(CodeLimit, "%s", err)
	case errors.Is(err, coordinator.ErrNoVictim):
		return NewError(CodeUnavailable, "%s", err)
	case errors.Is(err, process.ErrSpawn):
		return NewError(CodeSpawn, "%s", err)
	case errors.Is(err, process.ErrResource):
		return NewError(CodeResource, "%s", err)
	case errors.Is(err, process.ErrAgentUnavailable):
		return NewError(CodeUnavailable, "%s", err)
	case errors.Is(err, scaler.ErrInvalidPolicy):
		return NewError(CodeInvalid, "%s", err)
	default:
		return NewError(CodeInternal, "%s", err)
	}
}

func (e *Executor) agentSpawn(ctx context.Context, req Request) (any, error) {
	typ := models.AgentType(req.Arg("type", string(models.AgentTypeGeneral)))
	if !models.ValidAgentType(typ) {
		return nil, NewError(CodeInvalid, "invalid agent type %q", typ)
	}
	spec := process.AgentSpec{
		Name:    req.Arg("name", ""),
		Type:    typ,
		SwarmID: req.Arg("swarm", ""),
	}
	if caps := req.Arg("caps", ""); caps != "" {
		spec.Capabilities = strings.Split(caps, ",")
	}
	a, err := e.coord.RegisterAgent(ctx, spec)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (e *Executor) agentList(req Request) (any, error) {
	f := models.AgentFilter{
		Status:  models.AgentStatus(req.Arg("status", "")),
		Type:    models.AgentType(req.Arg("type", "")),
		SwarmID: req.Arg("swarm", ""),
	}
	if limit := req.Arg("limit", ""); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid limit %q", limit)
		}
		f.Limit = n
	}
	return e.coord.ListAgents(f), nil
}

func (e *Executor) agentStop(ctx context.Context, req Request) (any, error) {
	id := req.Arg("id", "")
	if id == "" {
		return nil, NewError(CodeInvalid, "id is required")
	}
	force := req.Arg("force", "") == "true"
	if err := e.coord.StopAgent(ctx, id, !force); err != nil {
		return nil, err
	}
	return map[string]string{"agent_id": id, "status": "stopped"}, nil
}

func (e *Executor) agentRemove(ctx context.Context, req Request) (any, error) {
	id := req.Arg("id", "")
	if id == "" {
		return nil, NewError(CodeInvalid, "id is required")
	}
	force := req.Arg("force", "") == "true"
	if err := e.coord.UnregisterAgent(ctx, id, force); err != nil {
		return nil, err
	}
	return map[string]string{"agent_id": id, "status": "removed"}, nil
}

func (e *Executor) taskSubmit(req Request) (any, error) {
	spec := models.TaskSpec{
		ID:          req.Arg("id", ""),
		Type:        req.Arg("type", ""),
		Description: req.Arg("description", ""),
		Input:       req.Arg("input", ""),
	}
	if spec.Type == "" {
		return nil, NewError(CodeInvalid, "task type is required")
	}
	if p := req.Arg("priority", ""); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 10 {
			return nil, NewError(CodeInvalid, "invalid priority %q", p)
		}
		spec.Priority = n
	}
	if deps := req.Arg("deps", ""); deps != "" {
		spec.Dependencies = strings.Split(deps, ",")
	}
	if caps := req.Arg("caps", ""); caps != "" {
		spec.RequiredCaps = strings.Split(caps, ",")
	}
	id, err := e.coord.SubmitTask(spec)
	if err != nil {
		return nil, err
	}
	return map[string]string{"task_id": id}, nil
}

func (e *Executor) taskCancel(req Request) (any, error) {
	id := req.Arg("id", "")
	if id == "" {
		return nil, NewError(CodeInvalid, "id is required")
	}
	if err := e.coord.CancelTask(id, req.Arg("reason", "cancelled by operator")); err != nil {
		return nil, err
	}
	return map[string]string{"task_id": id, "status": "cancelled"}, nil
}

func (e *Executor) taskList(req Request) (any, error) {
	f := models.TaskFilter{
		Status:     models.TaskStatus(req.Arg("status", "")),
		Type:       req.Arg("type", ""),
		AssignedTo: req.Arg("agent", ""),
	}
	if limit := req.Arg("limit", ""); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid limit %q", limit)
		}
		f.Limit = n
	}
	return e.coord.ListTasks(f), nil
}

func (e *Executor) swarmCreate(ctx context.Context, req Request) (any, error) {
	count := 0
	if cnt := req.Arg("agents", ""); cnt != "" {
		n, err := strconv.Atoi(cnt)
		if err != nil || n < 0 {
			return nil, NewError(CodeInvalid, "invalid agent count %q", cnt)
		}
		count = n
	}
	mode := models.SwarmMode(req.Arg("mode", string(models.SwarmCentralized)))
	if !models.ValidSwarmMode(mode) {
		return nil, NewError(CodeInvalid, "invalid swarm mode %q", mode)
	}
	strategy := models.SwarmStrategy(req.Arg("strategy", string(models.StrategyAuto)))
	if !models.ValidSwarmStrategy(strategy) {
		return nil, NewError(CodeInvalid, "invalid swarm strategy %q", strategy)
	}
	s, err := e.coord.CreateSwarm(ctx, req.Arg("name", "swarm"), count, mode, strategy)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Executor) swarmStatus(req Request) (any, error) {
	id := req.Arg("id", "")
	if id == "" {
		return nil, NewError(CodeInvalid, "id is required")
	}
	return e.coord.GetSwarmStatus(id)
}

func (e *Executor) swarmScale(ctx context.Context, req Request) (any, error) {
	id := req.Arg("id", "")
	if id == "" {
		return nil, NewError(CodeInvalid, "id is required")
	}
	target, err := strconv.Atoi(req.Arg("target", ""))
	if err != nil {
		return nil, NewError(CodeInvalid, "invalid target %q", req.Arg("target", ""))
	}
	return e.coord.ScaleSwarm(ctx, id, target)
}

func (e *Executor) manualScale(ctx context.Context, kind models.ScalingKind, req Request) (any, error) {
	n := 1
	if arg := req.Arg("n", ""); arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v < 1 {
			return nil, NewError(CodeInvalid, "invalid count %q", arg)
		}
		n = v
	}
	return e.scale.ManualScale(ctx, kind, n)
}

func (e *Executor) policySet(ctx context.Context, req Request) (any, error) {
	p := &models.ScalingPolicy{
		Name:    req.Arg("name", "policy"),
		Type:    models.PolicyType(req.Arg("type", string(models.PolicyAuto))),
		Enabled: req.Arg("enabled", "true") != "false",
	}
	ints := map[string]*int{"min": &p.MinAgents, "max": &p.MaxAgents}
	for key, dst := range ints {
		v, err := strconv.Atoi(req.Arg(key, "0"))
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid %s %q", key, req.Arg(key, ""))
		}
		*dst = v
	}
	floats := map[string]*float64{
		"target": &p.TargetUtilization,
		"up":     &p.ScaleUpThreshold,
		"down":   &p.ScaleDownThreshold,
	}
	for key, dst := range floats {
		v, err := strconv.ParseFloat(req.Arg(key, "0"), 64)
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid %s %q", key, req.Arg(key, ""))
		}
		*dst = v
	}
	if cd := req.Arg("cooldown", ""); cd != "" {
		d, err := time.ParseDuration(cd)
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid cooldown %q", cd)
		}
		p.Cooldown = d
	}
	if err := e.scale.SetPolicy(ctx, p); err != nil {
		return nil, err
	}
	return e.scale.Policy(), nil
}

func (e *Executor) scaleActions(ctx context.Context, req Request) (any, error) {
	limit := 20
	if arg := req.Arg("limit", ""); arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NewError(CodeInvalid, "invalid limit %q", arg)
		}
		limit = v
	}
	return e.scale.ListActions(ctx, limit)
}

func (e *Executor) memoryStore(ctx context.Context, req Request) (any, error) {
	key := req.Arg("key", "")
	if key == "" {
		return nil, NewError(CodeInvalid, "key is required")
	}
	if err := e.store.PutMemory(ctx, key, req.Arg("value", "")); err != nil {
		return nil, err
	}
	return map[string]string{"key": key, "status": "stored"}, nil
}

func (e *Executor) memoryQuery(ctx context.Context, req Request) (any, error) {
	if key := req.Arg("key", ""); key != "" {
		entry, err := e.store.GetMemory(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, NewError(CodeNotFound, "no entry for key %q", key)
			}
			return nil, err
		}
		return entry, nil
	}
	return e.store.QueryMemory(ctx, req.Arg("prefix", ""))
}

func (e *Executor) memoryDelete(ctx context.Context, req Request) (any, error) {
	key := req.Arg("key", "")
	if key == "" {
		return nil, NewError(CodeInvalid, "key is required")
	}
	if err := e.store.DeleteMemory(ctx, key); err != nil {
		return nil, err
	}
	return map[string]string{"key": key, "status": "deleted"}, nil
}
