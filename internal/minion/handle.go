package minion

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/tracer"
)

// handle routes one inbound message. While paused everything except
// control requests is held for replay.
func (r *Runtime) handle(ctx context.Context, m *protocol.Message) {
	ctx, span := tracer.StartMessageSpan(ctx, "minion.handle", m)
	defer span.End()

	if (r.status == StatusPaused || r.status == StatusPausing) && !m.Type.Control() {
		r.state.PendingWhilePaused = append(r.state.PendingWhilePaused, *m)
		slog.Info("message held while paused",
			"agent", r.id, "id", m.ID, "type", m.Type, "trace_id", m.TraceID,
			"pending", len(r.state.PendingWhilePaused))
		return
	}
	r.dispatch(ctx, m)
}

func (r *Runtime) dispatch(ctx context.Context, m *protocol.Message) {
	body, err := m.Decode()
	if err != nil {
		slog.Warn("undecodable message", "agent", r.id, "id", m.ID, "type", m.Type, "error", err)
		return
	}
	slog.Debug("message received", "agent", r.id, "id", m.ID, "type", m.Type, "from", m.SenderID, "trace_id", m.TraceID)

	switch b := body.(type) {
	case *protocol.TaskDelegation:
		r.acceptDelegation(ctx, m, b)
	case *protocol.ToolInvocationRequest:
		r.serveTool(ctx, m, b)
	case *protocol.CapabilityQuery:
		if err := r.engine.AnswerQuery(ctx, m, b, r.opts.Descriptor); err != nil {
			slog.Warn("answer capability query failed", "agent", r.id, "to", m.SenderID, "error", err)
		}
	case *protocol.TaskStatusUpdate, *protocol.ToolInvocationResponse,
		*protocol.CapabilityResponse, *protocol.NegativeAck:
		if out := r.engine.Handle(ctx, m, body); out != nil {
			r.settle(ctx, out)
		}
	case *protocol.ControlPause:
		r.pause(ctx, m, b)
	case *protocol.ControlResume:
		r.resume(ctx, m)
	case *protocol.ControlShutdown:
		slog.Info("shutdown requested", "agent", r.id, "from", m.SenderID, "reason", b.Reason)
		r.stopping = true
	case *protocol.MessageToPaused:
		r.tell(m, b)
	case *protocol.MinionStateUpdate:
		slog.Debug("ignoring state update", "agent", r.id, "about", b.AgentID)
	}
}

func (r *Runtime) acceptDelegation(ctx context.Context, m *protocol.Message, d *protocol.TaskDelegation) {
	log := slog.With("agent", r.id, "task_id", d.TaskID, "from", m.SenderID, "trace_id", m.TraceID)

	if err := r.engine.CheckDelegation(d); err != nil {
		log.Warn("delegation refused", "error", err)
		r.nack(ctx, m, d.TaskID, protocol.NackInvalidRequest, err.Error())
		return
	}
	if r.queue.Has(d.TaskID) {
		// A resend means the requester heard nothing; tell it we still hold the task.
		status := protocol.TaskSubmitted
		if cur := r.queue.Current(); cur != nil && cur.TaskID == d.TaskID {
			status = protocol.TaskWorking
		}
		log.Debug("delegation already accepted, confirming", "status", status)
		r.report(ctx, m.SenderID, m.TraceID, d.TaskID, status, "", "")
		return
	}
	if f, ok := r.state.finished(d.TaskID); ok {
		log.Info("delegation already finished, repeating result", "status", f.Status)
		r.report(ctx, m.SenderID, m.TraceID, d.TaskID, f.Status, f.Result, f.Error)
		return
	}
	if d.Capability != "" && !r.opts.Descriptor.HasCapability(d.Capability) {
		r.nack(ctx, m, d.TaskID, protocol.NackIncapable, "capability "+d.Capability+" not offered")
		return
	}
	if r.opts.MaxQueue > 0 && r.queue.Len() >= r.opts.MaxQueue {
		r.nack(ctx, m, d.TaskID, protocol.NackOverloaded, "task queue full")
		return
	}

	t, err := r.broker.GetTask(ctx, d.TaskID)
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		_, err = r.broker.SubmitTask(ctx, protocol.Task{
			TaskID:       d.TaskID,
			ParentTaskID: d.ParentTaskID,
			RequesterID:  m.SenderID,
			AssigneeID:   r.id,
			Description:  d.Description,
			TraceID:      m.TraceID,
			Deadline:     d.Deadline,
		})
		if err != nil && !errors.Is(err, protocol.ErrTaskExists) {
			reason := protocol.NackInternalError
			switch protocol.ErrorKind(err) {
			case protocol.KindValidation, protocol.KindDepthExceeded, protocol.KindCycle:
				reason = protocol.NackInvalidRequest
			}
			log.Warn("could not record delegated task", "error", err)
			r.nack(ctx, m, d.TaskID, reason, err.Error())
			return
		}
	case err != nil:
		log.Warn("ledger lookup failed", "error", err)
		r.nack(ctx, m, d.TaskID, protocol.NackInternalError, err.Error())
		return
	case t.Status.Terminal():
		log.Info("delegated task already settled", "status", t.Status)
		r.report(ctx, m.SenderID, m.TraceID, d.TaskID, t.Status, t.Result, t.Error)
		return
	}

	r.queue.Push(QueuedTask{
		TaskID:       d.TaskID,
		ParentTaskID: d.ParentTaskID,
		RequesterID:  m.SenderID,
		Description:  d.Description,
		TraceID:      m.TraceID,
		Depth:        d.DelegationDepth,
		Priority:     m.Priority,
		Context:      d.Context,
	})
	log.Info("task accepted", "priority", m.Priority, "depth", d.DelegationDepth, "queued", r.queue.Len())
}

// serveTool runs a tool for a peer outside the control loop.
func (r *Runtime) serveTool(ctx context.Context, m *protocol.Message, inv *protocol.ToolInvocationRequest) {
	if r.tools == nil || !r.tools.Has(inv.Tool) {
		r.nack(ctx, m, inv.InvocationID, protocol.NackIncapable, "tool "+inv.Tool+" not available")
		return
	}
	if err := r.tools.Check(inv.Tool, inv.Args); err != nil {
		r.nack(ctx, m, inv.InvocationID, protocol.NackInvalidRequest, err.Error())
		return
	}
	select {
	case r.served <- struct{}{}:
	default:
		r.nack(ctx, m, inv.InvocationID, protocol.NackOverloaded, "too many tool calls in progress")
		return
	}

	req := *m
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.served }()

		result, err := r.tools.Invoke(ctx, inv.Tool, inv.Args)
		var kind, detail string
		if err != nil {
			kind, detail = toolErrorKind(err), err.Error()
			slog.Warn("served tool call failed", "agent", r.id, "tool", inv.Tool, "for", req.SenderID, "trace_id", req.TraceID, "error", err)
		}
		if err := r.engine.ReplyTool(context.WithoutCancel(ctx), &req, inv, result, kind, detail); err != nil {
			slog.Warn("tool reply failed", "agent", r.id, "to", req.SenderID, "error", err)
		}
	}()
}

func (r *Runtime) tell(m *protocol.Message, b *protocol.MessageToPaused) {
	cur := r.queue.Current()
	if cur == nil {
		slog.Info("operator message without active task dropped", "agent", r.id, "from", m.SenderID)
		return
	}
	r.appendTurn(protocol.Turn{Role: "user", Name: m.SenderID, Content: b.Text})
	slog.Info("operator message added to context", "agent", r.id, "task_id", cur.TaskID, "from", m.SenderID)
}

func (r *Runtime) nack(ctx context.Context, m *protocol.Message, correlationID string, reason protocol.NackReason, detail string) {
	if err := r.engine.Nack(ctx, m, correlationID, reason, detail); err != nil {
		slog.Warn("nack failed", "agent", r.id, "to", m.SenderID, "reason", reason, "error", err)
	}
}

// report sends a status update to a requester. Requesters that are not
// agents, like the scheduler, are skipped.
func (r *Runtime) report(ctx context.Context, requester, traceID, taskID string, status protocol.TaskStatus, result, errMsg string) {
	if requester == "" || requester == r.id {
		return
	}
	err := r.engine.ReportStatus(ctx, requester, traceID, taskID, status, result, errMsg)
	var ur *protocol.UnknownRecipientError
	switch {
	case errors.As(err, &ur):
		slog.Debug("requester is not a registered agent", "agent", r.id, "requester", requester, "task_id", taskID)
	case err != nil:
		slog.Warn("status report failed", "agent", r.id, "requester", requester, "task_id", taskID, "error", err)
	}
}
