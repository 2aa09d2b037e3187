package minion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/minions/internal/collab"
	"github.com/mtzanidakis/minions/internal/m2m"
	"github.com/mtzanidakis/minions/internal/protocol"
)

type stepResult struct {
	taskID string
	tool   *ToolStep
	text   string
	result json.RawMessage
	err    error
}

// Decision is what the generator asks for after a step.
type Decision struct {
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Delegate *DelegateSpec   `json:"delegate,omitempty"`
}

type DelegateSpec struct {
	Capability  string `json:"capability,omitempty"`
	AssigneeID  string `json:"assignee,omitempty"`
	Description string `json:"description"`
}

// ParseDecision reads a tool call or delegation from generated text. Any
// other text is a final answer and yields nil.
func ParseDecision(text string) *Decision {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var d Decision
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(&d); err != nil {
		return nil
	}
	if d.Tool != "" {
		return &Decision{Tool: d.Tool, Args: d.Args}
	}
	if d.Delegate != nil && d.Delegate.Description != "" && (d.Delegate.Capability != "" || d.Delegate.AssigneeID != "") {
		return &Decision{Delegate: d.Delegate}
	}
	return nil
}

// advance runs the current task up to its next external call, starting
// queued tasks as needed. Every pass through the loop is a safe point.
func (r *Runtime) advance(ctx context.Context) {
	for {
		if r.inFlight || r.stopping || r.fatal != nil {
			return
		}
		switch r.status {
		case StatusPaused, StatusPausing, StatusError, StatusShuttingDown:
			return
		}

		cur := r.queue.Current()
		if cur == nil {
			next, err := r.queue.StartNext()
			if err != nil || next == nil {
				r.setStatus(ctx, StatusIdle)
				return
			}
			r.begin(ctx, next)
			cur = next
		}

		if lt := r.settledElsewhere(ctx, cur); lt != nil {
			r.drop(ctx, cur, lt)
			continue
		}
		if cur.Waiting != "" {
			r.setStatus(ctx, StatusRunning)
			return
		}
		if cur.Steps >= r.opts.MaxSteps {
			r.failTask(ctx, cur, fmt.Errorf("step limit %d reached", r.opts.MaxSteps))
			continue
		}
		if cur.Pending != nil && (r.tools == nil || !r.tools.Has(cur.Pending.Tool)) {
			r.failTask(ctx, cur, &collab.ToolError{Tool: cur.Pending.Tool, Kind: collab.KindUnknownTool, Detail: "no longer available"})
			continue
		}
		r.setStatus(ctx, StatusRunning)
		r.launch(ctx, cur)
		return
	}
}

func (r *Runtime) begin(ctx context.Context, t *ActiveTask) {
	turns := make([]protocol.Turn, 0, len(t.Context)+1)
	turns = append(turns, t.Context...)
	turns = append(turns, protocol.Turn{Role: "user", Name: t.RequesterID, Content: t.Description, At: r.now().UTC()})
	r.state.ConversationContext = turns

	if err := r.broker.UpdateTaskStatus(ctx, t.TaskID, protocol.TaskWorking, "", ""); err != nil && !isSettled(err) {
		slog.Warn("ledger working update failed", "agent", r.id, "task_id", t.TaskID, "error", err)
	}
	r.report(ctx, t.RequesterID, t.TraceID, t.TaskID, protocol.TaskWorking, "", "")
	slog.Info("task started", "agent", r.id, "task_id", t.TaskID, "trace_id", t.TraceID, "queued", r.queue.Len())
}

// settledElsewhere returns the ledger entry of t when someone else already
// settled it, nil otherwise.
func (r *Runtime) settledElsewhere(ctx context.Context, t *ActiveTask) *protocol.Task {
	lt, err := r.broker.GetTask(ctx, t.TaskID)
	if err != nil {
		if !errors.Is(err, protocol.ErrNotFound) {
			slog.Debug("settlement check failed", "agent", r.id, "task_id", t.TaskID, "error", err)
		}
		return nil
	}
	if !lt.Status.Terminal() {
		return nil
	}
	return lt
}

// launch starts the next unit of work of t outside the control loop.
func (r *Runtime) launch(ctx context.Context, t *ActiveTask) {
	t.Steps++
	r.inFlight = true

	taskID := t.TaskID
	if t.Pending != nil {
		step := *t.Pending
		go func() {
			res, err := r.tools.Invoke(ctx, step.Tool, step.Args)
			r.stepDone <- stepResult{taskID: taskID, tool: &step, result: res, err: err}
		}()
		return
	}

	prompt := t.Description
	turns := append([]protocol.Turn(nil), r.state.ConversationContext...)
	go func() {
		text, err := r.opts.Generator.Generate(ctx, prompt, turns)
		r.stepDone <- stepResult{taskID: taskID, text: text, err: err}
	}()
}

func (r *Runtime) finishStep(ctx context.Context, res stepResult) {
	r.inFlight = false
	defer func() {
		if r.status == StatusPausing {
			r.enterPaused(ctx)
			return
		}
		r.advance(ctx)
	}()

	cur := r.queue.Current()
	if cur == nil || cur.TaskID != res.taskID {
		return
	}
	if res.err != nil && r.stopping && errors.Is(res.err, context.Canceled) {
		// Aborted by shutdown: the call runs again after restart.
		cur.Steps--
		return
	}
	if lt := r.settledElsewhere(ctx, cur); lt != nil {
		r.drop(ctx, cur, lt)
		return
	}

	if res.tool != nil {
		if res.err != nil {
			r.failTask(ctx, cur, res.err)
			return
		}
		cur.Pending = nil
		r.appendTurn(protocol.Turn{Role: "tool", Name: res.tool.Tool, Content: string(res.result)})
		return
	}
	if res.err != nil {
		r.failTask(ctx, cur, res.err)
		return
	}
	r.decide(ctx, cur, res.text)
}

func (r *Runtime) decide(ctx context.Context, t *ActiveTask, text string) {
	r.appendTurn(protocol.Turn{Role: "assistant", Content: text})
	d := ParseDecision(text)

	switch {
	case d == nil:
		r.completeTask(ctx, t, text)

	case d.Tool != "":
		if r.tools != nil && r.tools.Has(d.Tool) {
			t.Pending = &ToolStep{Tool: d.Tool, Args: d.Args}
			return
		}
		invID, err := r.engine.InvokeTool(ctx, m2m.ToolCall{
			TaskID:   t.TaskID,
			TraceID:  t.TraceID,
			Tool:     d.Tool,
			Args:     d.Args,
			Priority: t.Priority,
		})
		if err != nil {
			if errors.Is(err, m2m.ErrNoAgent) {
				r.failTask(ctx, t, &collab.ToolError{Tool: d.Tool, Kind: collab.KindUnknownTool, Detail: err.Error()})
				return
			}
			r.failTask(ctx, t, err)
			return
		}
		t.Waiting = invID

	default:
		childID, err := r.engine.Delegate(ctx, m2m.Delegation{
			ParentTaskID: t.TaskID,
			ParentDepth:  t.Depth,
			TraceID:      t.TraceID,
			AssigneeID:   d.Delegate.AssigneeID,
			Capability:   d.Delegate.Capability,
			Description:  d.Delegate.Description,
			Priority:     t.Priority,
		})
		var de *protocol.DelegationDepthExceededError
		if errors.As(err, &de) || errors.Is(err, m2m.ErrNoAgent) {
			// Recoverable: the generator sees the refusal and picks
			// another strategy.
			r.appendTurn(protocol.Turn{Role: "system", Content: "delegation refused: " + err.Error()})
			return
		}
		if err != nil {
			r.failTask(ctx, t, err)
			return
		}
		t.Waiting = childID
	}
}

// settle feeds the answer of a remote request back into the task that
// waits on it.
func (r *Runtime) settle(ctx context.Context, out *m2m.Outcome) {
	cur := r.queue.Current()
	if cur == nil || cur.TaskID != out.WaitingTaskID || cur.Waiting != out.CorrelationID {
		slog.Debug("answer for inactive request ignored", "agent", r.id, "correlation_id", out.CorrelationID, "kind", out.Kind)
		return
	}
	cur.Waiting = ""
	if out.Err != nil {
		r.failTask(ctx, cur, out.Err)
		return
	}
	switch out.Kind {
	case protocol.TypeTaskDelegation:
		r.appendTurn(protocol.Turn{Role: "delegate", Name: out.CorrelationID, Content: out.Result})
	case protocol.TypeToolInvocationRequest:
		r.appendTurn(protocol.Turn{Role: "tool", Name: out.CorrelationID, Content: out.Result})
	case protocol.TypeCapabilityQuery:
		ids := make([]string, len(out.Agents))
		for i, a := range out.Agents {
			ids[i] = a.AgentID
		}
		r.appendTurn(protocol.Turn{Role: "system", Content: "agents: " + strings.Join(ids, ", ")})
	}
}

func (r *Runtime) appendTurn(t protocol.Turn) {
	if t.At.IsZero() {
		t.At = r.now().UTC()
	}
	r.state.ConversationContext = append(r.state.ConversationContext, t)
}

func (r *Runtime) completeTask(ctx context.Context, t *ActiveTask, result string) {
	r.settleTask(ctx, t, protocol.TaskCompleted, result, "")
	slog.Info("task completed", "agent", r.id, "task_id", t.TaskID, "steps", t.Steps, "trace_id", t.TraceID)
}

// failTask records a task failure. It never stops the runtime.
func (r *Runtime) failTask(ctx context.Context, t *ActiveTask, err error) {
	r.settleTask(ctx, t, protocol.TaskFailed, "", err.Error())
	slog.Error("task failed", "agent", r.id, "task_id", t.TaskID, "trace_id", t.TraceID, "error", err)
}

// drop abandons t, keeping the outcome the ledger already holds.
func (r *Runtime) drop(ctx context.Context, t *ActiveTask, lt *protocol.Task) {
	errMsg := lt.Error
	if lt.Status == protocol.TaskCanceled && errMsg == "" {
		errMsg = "canceled"
	}
	dropped := r.engine.Forget(t.TaskID)
	r.finish(t, lt.Status, lt.Result, errMsg)
	slog.Info("task settled elsewhere, dropped", "agent", r.id, "task_id", t.TaskID, "status", lt.Status, "abandoned_requests", dropped, "trace_id", t.TraceID)
	r.report(ctx, t.RequesterID, t.TraceID, t.TaskID, lt.Status, lt.Result, errMsg)
}

func (r *Runtime) settleTask(ctx context.Context, t *ActiveTask, status protocol.TaskStatus, result, errMsg string) {
	if err := r.broker.UpdateTaskStatus(ctx, t.TaskID, status, result, errMsg); err != nil && !isSettled(err) {
		slog.Warn("ledger update failed", "agent", r.id, "task_id", t.TaskID, "status", status, "error", err)
	}
	r.engine.Forget(t.TaskID)
	r.finish(t, status, result, errMsg)
	r.report(ctx, t.RequesterID, t.TraceID, t.TaskID, status, result, errMsg)
}

func (r *Runtime) finish(t *ActiveTask, status protocol.TaskStatus, result, errMsg string) {
	r.state.recordFinished(FinishedTask{
		TaskID:      t.TaskID,
		RequesterID: t.RequesterID,
		Status:      status,
		Result:      result,
		Error:       errMsg,
	})
	r.state.ConversationContext = nil
	r.queue.Finish()
	r.refreshView()
}

func toolErrorKind(err error) string {
	var te *collab.ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return collab.KindFailed
}
