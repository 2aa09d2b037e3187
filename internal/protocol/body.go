package protocol

import (
	"encoding/json"
	"time"
)

// Body is implemented by every per-type payload.
type Body interface {
	MessageType() MessageType
}

// RequestMeta is carried by every outbound request.
type RequestMeta struct {
	TimeoutSeconds int    `json:"timeout_seconds"`
	Version        string `json:"version"`
}

func (r RequestMeta) validate() error {
	if r.TimeoutSeconds <= 0 {
		return &ValidationError{Field: "timeout_seconds", Reason: "must be positive"}
	}
	if r.Version == "" {
		return &ValidationError{Field: "version", Reason: "required"}
	}
	return nil
}

type TaskDelegation struct {
	RequestMeta
	TaskID          string     `json:"task_id"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	Description     string     `json:"description"`
	Capability      string     `json:"capability,omitempty"`
	DelegationDepth int        `json:"delegation_depth"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Context         []Turn     `json:"context,omitempty"`
}

func (*TaskDelegation) MessageType() MessageType { return TypeTaskDelegation }

func (b *TaskDelegation) validate() error {
	if b.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: "required"}
	}
	if b.Description == "" {
		return &ValidationError{Field: "description", Reason: "required"}
	}
	if b.DelegationDepth < 0 {
		return &ValidationError{Field: "delegation_depth", Reason: "must not be negative"}
	}
	return b.RequestMeta.validate()
}

type TaskStatusUpdate struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func (*TaskStatusUpdate) MessageType() MessageType { return TypeTaskStatusUpdate }

func (b *TaskStatusUpdate) validate() error {
	if b.TaskID == "" {
		return &ValidationError{Field: "task_id", Reason: "required"}
	}
	if !b.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(b.Status)}
	}
	return nil
}

type CapabilityQuery struct {
	RequestMeta
	QueryID    string `json:"query_id"`
	Capability string `json:"capability"`
}

func (*CapabilityQuery) MessageType() MessageType { return TypeCapabilityQuery }

func (b *CapabilityQuery) validate() error {
	if b.QueryID == "" {
		return &ValidationError{Field: "query_id", Reason: "required"}
	}
	if b.Capability == "" {
		return &ValidationError{Field: "capability", Reason: "required"}
	}
	return b.RequestMeta.validate()
}

type CapabilityResponse struct {
	QueryID    string            `json:"query_id"`
	Capability string            `json:"capability"`
	Agents     []AgentDescriptor `json:"agents"`
}

func (*CapabilityResponse) MessageType() MessageType { return TypeCapabilityResponse }

type ToolInvocationRequest struct {
	RequestMeta
	InvocationID string          `json:"invocation_id"`
	TaskID       string          `json:"task_id,omitempty"`
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args,omitempty"`
}

func (*ToolInvocationRequest) MessageType() MessageType { return TypeToolInvocationRequest }

func (b *ToolInvocationRequest) validate() error {
	if b.InvocationID == "" {
		return &ValidationError{Field: "invocation_id", Reason: "required"}
	}
	if b.Tool == "" {
		return &ValidationError{Field: "tool", Reason: "required"}
	}
	return b.RequestMeta.validate()
}

type ToolInvocationResponse struct {
	InvocationID string          `json:"invocation_id"`
	TaskID       string          `json:"task_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (*ToolInvocationResponse) MessageType() MessageType { return TypeToolInvocationResponse }

type NackReason string

const (
	NackOverloaded     NackReason = "overloaded"
	NackIncapable      NackReason = "incapable"
	NackInvalidRequest NackReason = "invalid_request"
	NackTimeout        NackReason = "timeout"
	NackInternalError  NackReason = "internal_error"
)

func (r NackReason) Valid() bool {
	switch r {
	case NackOverloaded, NackIncapable, NackInvalidRequest, NackTimeout, NackInternalError:
		return true
	}
	return false
}

// NegativeAck refuses or fails a request. CorrelationID is the task,
// invocation or query id of the refused request.
type NegativeAck struct {
	RefMessageID  string     `json:"ref_message_id"`
	CorrelationID string     `json:"correlation_id"`
	Reason        NackReason `json:"reason"`
	Detail        string     `json:"detail,omitempty"`
}

func (*NegativeAck) MessageType() MessageType { return TypeNegativeAck }

func (b *NegativeAck) validate() error {
	if !b.Reason.Valid() {
		return &ValidationError{Field: "reason", Reason: "unknown nack reason " + string(b.Reason)}
	}
	return nil
}

type ControlPause struct {
	Reason string `json:"reason,omitempty"`
}

func (*ControlPause) MessageType() MessageType { return TypeControlPause }

type ControlResume struct{}

func (*ControlResume) MessageType() MessageType { return TypeControlResume }

type ControlShutdown struct {
	Reason string `json:"reason,omitempty"`
}

func (*ControlShutdown) MessageType() MessageType { return TypeControlShutdown }

// MessageToPaused carries operator text appended to the active task's
// context.
type MessageToPaused struct {
	Text string `json:"text"`
}

func (*MessageToPaused) MessageType() MessageType { return TypeMessageToPaused }

func (b *MessageToPaused) validate() error {
	if b.Text == "" {
		return &ValidationError{Field: "text", Reason: "required"}
	}
	return nil
}

type MinionStateUpdate struct {
	AgentID       string    `json:"agent_id"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	QueueLength   int       `json:"queue_length"`
	PendingLength int       `json:"pending_length"`
	Timestamp     time.Time `json:"timestamp"`
}

func (*MinionStateUpdate) MessageType() MessageType { return TypeMinionStateUpdate }
