package m2m

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// Resolve finds an agent advertising capability, other than this one
// and those in exclude. Registry lookups come first; agents learned from
// capability responses are the fallback.
func (e *Engine) Resolve(ctx context.Context, capability string, exclude ...string) (protocol.AgentDescriptor, error) {
	agents, err := e.broker.ListAgents(ctx, protocol.AgentFilter{Capability: capability})
	if err != nil {
		slog.Warn("capability lookup failed, using discovered agents", "capability", capability, "error", err)
		agents = nil
	}
	if len(agents) == 0 {
		agents = e.discovered[capability]
	}

	candidates := make([]protocol.AgentDescriptor, 0, len(agents))
	for _, a := range agents {
		if a.AgentID == e.self || slices.Contains(exclude, a.AgentID) {
			continue
		}
		candidates = append(candidates, a)
	}
	picked, ok := e.opts.Selector.Pick(capability, candidates)
	if !ok {
		return protocol.AgentDescriptor{}, fmt.Errorf("%w %q", ErrNoAgent, capability)
	}
	return picked, nil
}

// Delegation describes a task handed to another agent. Either AssigneeID
// or Capability names the target.
type Delegation struct {
	ParentTaskID string
	ParentDepth  int
	TraceID      string
	AssigneeID   string
	Capability   string
	Description  string
	Priority     protocol.Priority
	Timeout      time.Duration
	Deadline     *time.Time
	Context      []protocol.Turn
}

// Delegate records a child task in the ledger and sends it to the
// assignee. It refuses delegations beyond the maximum depth without
// sending anything.
func (e *Engine) Delegate(ctx context.Context, d Delegation) (string, error) {
	depth := 0
	if d.ParentTaskID != "" {
		depth = d.ParentDepth + 1
	}
	if depth > e.opts.MaxDepth {
		return "", &protocol.DelegationDepthExceededError{Depth: depth, Max: e.opts.MaxDepth}
	}
	if d.TraceID == "" {
		d.TraceID = uuid.NewString()
	}

	assignee := d.AssigneeID
	var tried []string
	if assignee == "" {
		if d.Capability == "" {
			return "", &protocol.ValidationError{Field: "assignee_id", Reason: "assignee or capability required"}
		}
		a, err := e.Resolve(ctx, d.Capability)
		if err != nil {
			return "", err
		}
		assignee = a.AgentID
		tried = []string{assignee}
	}

	taskID, err := e.broker.SubmitTask(ctx, protocol.Task{
		ParentTaskID: d.ParentTaskID,
		RequesterID:  e.self,
		AssigneeID:   assignee,
		Description:  d.Description,
		TraceID:      d.TraceID,
		Deadline:     d.Deadline,
	})
	if err != nil {
		return "", fmt.Errorf("submit delegated task: %w", err)
	}

	body := &protocol.TaskDelegation{
		RequestMeta:     e.meta(d.Timeout),
		TaskID:          taskID,
		ParentTaskID:    d.ParentTaskID,
		Description:     d.Description,
		Capability:      d.Capability,
		DelegationDepth: depth,
		Deadline:        d.Deadline,
		Context:         d.Context,
	}
	o := &Outstanding{
		Kind:           protocol.TypeTaskDelegation,
		CorrelationID:  taskID,
		WaitingTaskID:  d.ParentTaskID,
		Capability:     d.Capability,
		Tried:          tried,
		TimeoutSeconds: body.TimeoutSeconds,
	}
	if err := e.send(ctx, o, assignee, d.TraceID, d.Priority, body); err != nil {
		if uerr := e.broker.UpdateTaskStatus(ctx, taskID, protocol.TaskFailed, "", err.Error()); uerr != nil {
			slog.Warn("mark undeliverable task failed", "task_id", taskID, "error", uerr)
		}
		return "", err
	}
	slog.Info("task delegated",
		"task_id", taskID, "parent", d.ParentTaskID, "assignee", assignee,
		"depth", depth, "trace_id", d.TraceID, "agent", e.self)
	return taskID, nil
}

// ToolCall is a single tool execution requested from another agent.
type ToolCall struct {
	TaskID   string
	TraceID  string
	Tool     string
	Args     json.RawMessage
	Priority protocol.Priority
	Timeout  time.Duration
}

// InvokeTool sends a tool invocation to an agent advertising the tool as
// a capability and returns the invocation id.
func (e *Engine) InvokeTool(ctx context.Context, c ToolCall) (string, error) {
	a, err := e.Resolve(ctx, c.Tool)
	if err != nil {
		return "", err
	}
	body := &protocol.ToolInvocationRequest{
		RequestMeta:  e.meta(c.Timeout),
		InvocationID: uuid.NewString(),
		TaskID:       c.TaskID,
		Tool:         c.Tool,
		Args:         c.Args,
	}
	o := &Outstanding{
		Kind:           protocol.TypeToolInvocationRequest,
		CorrelationID:  body.InvocationID,
		WaitingTaskID:  c.TaskID,
		Capability:     c.Tool,
		Tried:          []string{a.AgentID},
		TimeoutSeconds: body.TimeoutSeconds,
	}
	if err := e.send(ctx, o, a.AgentID, c.TraceID, c.Priority, body); err != nil {
		return "", err
	}
	slog.Info("tool invocation sent",
		"invocation_id", body.InvocationID, "tool", c.Tool, "to", a.AgentID,
		"task_id", c.TaskID, "trace_id", c.TraceID, "agent", e.self)
	return body.InvocationID, nil
}

// Query asks recipient which agents it knows for capability. Answers feed
// the discovery cache used by Resolve.
func (e *Engine) Query(ctx context.Context, recipient, capability, traceID, waitingTaskID string) (string, error) {
	body := &protocol.CapabilityQuery{
		RequestMeta: e.meta(0),
		QueryID:     uuid.NewString(),
		Capability:  capability,
	}
	o := &Outstanding{
		Kind:           protocol.TypeCapabilityQuery,
		CorrelationID:  body.QueryID,
		WaitingTaskID:  waitingTaskID,
		Capability:     capability,
		TimeoutSeconds: body.TimeoutSeconds,
	}
	if err := e.send(ctx, o, recipient, traceID, protocol.PriorityNormal, body); err != nil {
		return "", err
	}
	return body.QueryID, nil
}

// Discover lists agents advertising capability through the registry and
// remembers them.
func (e *Engine) Discover(ctx context.Context, capability string) ([]protocol.AgentDescriptor, error) {
	agents, err := e.broker.ListAgents(ctx, protocol.AgentFilter{Capability: capability})
	if err != nil {
		return nil, err
	}
	e.discovered[capability] = agents
	return agents, nil
}

func (e *Engine) send(ctx context.Context, o *Outstanding, recipient, traceID string, p protocol.Priority, body protocol.Body) error {
	m, err := protocol.New(e.self, recipient, traceID, p, body)
	if err != nil {
		return err
	}
	ack, err := e.broker.Send(ctx, m)
	if err != nil {
		return err
	}
	m.ID, m.TraceID, m.SentAt = ack.MessageID, ack.TraceID, ack.SentAt
	o.MessageID = ack.MessageID
	o.Request = *m
	o.SentAt = e.now().UTC()
	e.outstanding[o.MessageID] = o
	return nil
}

// resend puts o on the wire again with a fresh message id, keeping the
// trace, and re-keys it.
func (e *Engine) resend(ctx context.Context, o *Outstanding, recipient string) error {
	m := o.Request
	m.ID = ""
	m.SentAt = time.Time{}
	m.RecipientID = recipient

	ack, err := e.broker.Send(ctx, &m)
	if err != nil {
		return err
	}
	delete(e.outstanding, o.MessageID)
	m.ID, m.SentAt = ack.MessageID, ack.SentAt
	o.MessageID = ack.MessageID
	o.Request = m
	o.SentAt = e.now().UTC()
	o.NotBefore = nil
	e.outstanding[o.MessageID] = o
	return nil
}
