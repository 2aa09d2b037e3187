package m2m

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mtzanidakis/minions/internal/collab"
	"github.com/mtzanidakis/minions/internal/protocol"
)

// Handle interprets an answer to one of our requests. It returns a
// non-nil Outcome when a request is settled; progress updates, deferred
// retries and answers to unknown requests yield nil.
func (e *Engine) Handle(ctx context.Context, m *protocol.Message, body protocol.Body) *Outcome {
	switch b := body.(type) {
	case *protocol.TaskStatusUpdate:
		return e.handleStatus(ctx, m, b)
	case *protocol.ToolInvocationResponse:
		return e.handleToolResponse(m, b)
	case *protocol.CapabilityResponse:
		return e.handleCapabilityResponse(m, b)
	case *protocol.NegativeAck:
		return e.handleNack(ctx, m, b)
	}
	return nil
}

func (e *Engine) handleStatus(ctx context.Context, m *protocol.Message, b *protocol.TaskStatusUpdate) *Outcome {
	id, o := e.findByCorrelation(protocol.TypeTaskDelegation, b.TaskID)
	if o == nil {
		slog.Debug("status update for unknown delegation", "task_id", b.TaskID, "trace_id", m.TraceID, "agent", e.self)
		return nil
	}
	if !b.Status.Terminal() {
		// The assignee still holds the task: only silence exhausts retries.
		o.SentAt = e.now().UTC()
		o.RetriesUsed = 0
		return nil
	}
	delete(e.outstanding, id)

	// The assignee records its own result; repeating it is a no-op.
	if err := e.broker.UpdateTaskStatus(ctx, b.TaskID, b.Status, b.Result, b.Error); err != nil && !settled(err) {
		slog.Warn("ledger update from status message failed", "task_id", b.TaskID, "error", err)
	}

	out := &Outcome{
		Kind:          o.Kind,
		CorrelationID: b.TaskID,
		WaitingTaskID: o.WaitingTaskID,
		Status:        b.Status,
		Result:        b.Result,
	}
	if b.Status != protocol.TaskCompleted {
		out.Err = fmt.Errorf("delegated task %s %s: %s", b.TaskID, b.Status, b.Error)
	}
	slog.Info("delegation settled", "task_id", b.TaskID, "status", b.Status, "from", m.SenderID, "trace_id", m.TraceID, "agent", e.self)
	return out
}

func (e *Engine) handleToolResponse(m *protocol.Message, b *protocol.ToolInvocationResponse) *Outcome {
	id, o := e.findByCorrelation(protocol.TypeToolInvocationRequest, b.InvocationID)
	if o == nil {
		slog.Debug("tool response for unknown invocation", "invocation_id", b.InvocationID, "trace_id", m.TraceID, "agent", e.self)
		return nil
	}
	delete(e.outstanding, id)

	out := &Outcome{
		Kind:          o.Kind,
		CorrelationID: b.InvocationID,
		WaitingTaskID: o.WaitingTaskID,
		Result:        string(b.Result),
	}
	if b.Error != "" || b.ErrorKind != "" {
		kind := b.ErrorKind
		if kind == "" {
			kind = collab.KindFailed
		}
		out.Err = &collab.ToolError{Tool: o.Capability, Kind: kind, Detail: b.Error}
	}
	return out
}

func (e *Engine) handleCapabilityResponse(m *protocol.Message, b *protocol.CapabilityResponse) *Outcome {
	if b.Capability != "" {
		e.remember(b.Capability, b.Agents)
	}
	id, o := e.findByCorrelation(protocol.TypeCapabilityQuery, b.QueryID)
	if o == nil {
		return nil
	}
	delete(e.outstanding, id)
	return &Outcome{
		Kind:          o.Kind,
		CorrelationID: b.QueryID,
		WaitingTaskID: o.WaitingTaskID,
		Agents:        b.Agents,
	}
}

func (e *Engine) remember(capability string, agents []protocol.AgentDescriptor) {
	known := e.discovered[capability]
	for _, a := range agents {
		found := false
		for i := range known {
			if known[i].AgentID == a.AgentID {
				known[i] = a
				found = true
				break
			}
		}
		if !found {
			known = append(known, a)
		}
	}
	e.discovered[capability] = known
}

func (e *Engine) handleNack(ctx context.Context, m *protocol.Message, b *protocol.NegativeAck) *Outcome {
	o, ok := e.outstanding[b.RefMessageID]
	if !ok {
		// NACKs for retried requests may reference an older id.
		for _, cand := range e.outstanding {
			if cand.CorrelationID == b.CorrelationID && b.CorrelationID != "" {
				o, ok = cand, true
				break
			}
		}
	}
	if !ok {
		slog.Debug("nack for unknown request", "ref", b.RefMessageID, "reason", b.Reason, "agent", e.self)
		return nil
	}

	slog.Warn("request refused",
		"correlation_id", o.CorrelationID, "kind", o.Kind, "reason", b.Reason,
		"detail", b.Detail, "from", m.SenderID, "trace_id", m.TraceID, "agent", e.self)

	switch b.Reason {
	case protocol.NackOverloaded:
		if e.opts.Policy.CanRetry(o.RetriesUsed) {
			o.RetriesUsed++
			at := e.now().UTC().Add(e.opts.Policy.Backoff(o.RetriesUsed))
			o.NotBefore = &at
			return nil
		}
	case protocol.NackIncapable:
		if o.Capability != "" && e.opts.Policy.CanRetry(o.RetriesUsed) {
			next, err := e.Resolve(ctx, o.Capability, o.Tried...)
			if err == nil {
				err = e.reassign(ctx, o, next.AgentID)
			}
			if err == nil {
				return nil
			}
			slog.Warn("reassign failed", "correlation_id", o.CorrelationID, "error", err, "agent", e.self)
		}
	}

	delete(e.outstanding, o.MessageID)
	cause := &NackError{Reason: b.Reason, Detail: b.Detail}
	return e.fail(ctx, o, cause)
}

func (e *Engine) reassign(ctx context.Context, o *Outstanding, agentID string) error {
	o.RetriesUsed++
	o.Tried = append(o.Tried, agentID)
	if err := e.resend(ctx, o, agentID); err != nil {
		return err
	}
	if o.Kind == protocol.TypeTaskDelegation {
		slog.Info("delegation reassigned", "task_id", o.CorrelationID, "assignee", agentID, "agent", e.self)
	}
	return nil
}

// fail settles o with err and, for delegations, records the failure in
// the ledger.
func (e *Engine) fail(ctx context.Context, o *Outstanding, err error) *Outcome {
	if o.Kind == protocol.TypeTaskDelegation {
		if uerr := e.broker.UpdateTaskStatus(ctx, o.CorrelationID, protocol.TaskFailed, "", err.Error()); uerr != nil && !settled(uerr) {
			slog.Warn("ledger failure update failed", "task_id", o.CorrelationID, "error", uerr)
		}
	}
	return &Outcome{
		Kind:          o.Kind,
		CorrelationID: o.CorrelationID,
		WaitingTaskID: o.WaitingTaskID,
		Status:        protocol.TaskFailed,
		Err:           err,
	}
}

// NackError is the failure recorded when a peer refuses a request.
type NackError struct {
	Reason protocol.NackReason
	Detail string
}

func (e *NackError) Error() string {
	if e.Detail == "" {
		return "refused: " + string(e.Reason)
	}
	return fmt.Sprintf("refused: %s: %s", e.Reason, e.Detail)
}

// settled reports errors that mean the ledger already holds a final
// status.
func settled(err error) bool {
	var at *protocol.AlreadyTerminalError
	return errors.As(err, &at) || errors.Is(err, protocol.ErrNotFound)
}

// Sweep resends requests past their deadline while the retry budget
// lasts and fails the rest with a TimeoutError.
func (e *Engine) Sweep(ctx context.Context) []Outcome {
	now := e.now().UTC()
	var out []Outcome
	for _, o := range e.due(now) {
		deferred := o.NotBefore != nil
		if deferred || e.opts.Policy.CanRetry(o.RetriesUsed) {
			if !deferred {
				o.RetriesUsed++
			}
			if err := e.resend(ctx, o, o.Request.RecipientID); err != nil {
				// Keep it and try again next tick; the budget was consumed.
				slog.Warn("resend failed", "correlation_id", o.CorrelationID, "error", err, "agent", e.self)
				o.SentAt = now
				o.NotBefore = nil
				continue
			}
			slog.Info("request resent",
				"correlation_id", o.CorrelationID, "kind", o.Kind, "attempt", o.RetriesUsed+1,
				"message_id", o.MessageID, "trace_id", o.Request.TraceID, "agent", e.self)
			continue
		}

		delete(e.outstanding, o.MessageID)
		terr := &protocol.TimeoutError{CorrelationID: o.CorrelationID, Attempts: o.RetriesUsed + 1}
		slog.Warn("request timed out", "correlation_id", o.CorrelationID, "kind", o.Kind, "attempts", terr.Attempts, "trace_id", o.Request.TraceID, "agent", e.self)
		out = append(out, *e.fail(ctx, o, terr))
	}
	return out
}

// due lists expired requests, oldest first.
func (e *Engine) due(now time.Time) []*Outstanding {
	var list []*Outstanding
	for _, o := range e.outstanding {
		if o.due(now) {
			list = append(list, o)
		}
	}
	slices.SortFunc(list, func(a, b *Outstanding) int {
		return a.SentAt.Compare(b.SentAt)
	})
	return list
}
