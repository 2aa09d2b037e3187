package m2m

import (
	"context"
	"encoding/json"

	"github.com/mtzanidakis/minions/internal/protocol"
)

// CheckDelegation validates an inbound delegation against the depth
// limit.
func (e *Engine) CheckDelegation(d *protocol.TaskDelegation) error {
	if d.DelegationDepth > e.opts.MaxDepth {
		return &protocol.DelegationDepthExceededError{Depth: d.DelegationDepth, Max: e.opts.MaxDepth}
	}
	return nil
}

// Nack refuses req. correlationID names the refused task, invocation or
// query.
func (e *Engine) Nack(ctx context.Context, req *protocol.Message, correlationID string, reason protocol.NackReason, detail string) error {
	return e.reply(ctx, req, &protocol.NegativeAck{
		RefMessageID:  req.ID,
		CorrelationID: correlationID,
		Reason:        reason,
		Detail:        detail,
	})
}

// ReportStatus tells the requester of taskID about a status change.
func (e *Engine) ReportStatus(ctx context.Context, requester, traceID, taskID string, status protocol.TaskStatus, result, errMsg string) error {
	m, err := protocol.New(e.self, requester, traceID, protocol.PriorityNormal, &protocol.TaskStatusUpdate{
		TaskID: taskID,
		Status: status,
		Result: result,
		Error:  errMsg,
	})
	if err != nil {
		return err
	}
	_, err = e.broker.Send(ctx, m)
	return err
}

// ReplyTool answers a tool invocation request.
func (e *Engine) ReplyTool(ctx context.Context, req *protocol.Message, inv *protocol.ToolInvocationRequest, result json.RawMessage, errKind, errMsg string) error {
	return e.reply(ctx, req, &protocol.ToolInvocationResponse{
		InvocationID: inv.InvocationID,
		TaskID:       inv.TaskID,
		Result:       result,
		ErrorKind:    errKind,
		Error:        errMsg,
	})
}

// AnswerQuery replies to a capability query with self when self offers
// the capability, otherwise with an empty list.
func (e *Engine) AnswerQuery(ctx context.Context, req *protocol.Message, q *protocol.CapabilityQuery, self protocol.AgentDescriptor) error {
	agents := []protocol.AgentDescriptor{}
	if self.HasCapability(q.Capability) {
		agents = append(agents, self)
	}
	return e.reply(ctx, req, &protocol.CapabilityResponse{
		QueryID:    q.QueryID,
		Capability: q.Capability,
		Agents:     agents,
	})
}

func (e *Engine) reply(ctx context.Context, req *protocol.Message, body protocol.Body) error {
	m, err := protocol.New(e.self, req.SenderID, req.TraceID, req.Priority, body)
	if err != nil {
		return err
	}
	_, err = e.broker.Send(ctx, m)
	return err
}
