package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version stamped on outbound requests.
const Version = "1.0"

type MessageType string

const (
	TypeTaskDelegation         MessageType = "task_delegation"
	TypeTaskStatusUpdate       MessageType = "task_status_update"
	TypeCapabilityQuery        MessageType = "capability_query"
	TypeCapabilityResponse     MessageType = "capability_response"
	TypeToolInvocationRequest  MessageType = "tool_invocation_request"
	TypeToolInvocationResponse MessageType = "tool_invocation_response"
	TypeNegativeAck            MessageType = "negative_acknowledgement"
	TypeControlPause           MessageType = "control_pause_request"
	TypeControlResume          MessageType = "control_resume_request"
	TypeControlShutdown        MessageType = "control_shutdown_request"
	TypeMessageToPaused        MessageType = "message_to_paused_minion_request"
	TypeMinionStateUpdate      MessageType = "minion_state_update"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskDelegation, TypeTaskStatusUpdate,
		TypeCapabilityQuery, TypeCapabilityResponse,
		TypeToolInvocationRequest, TypeToolInvocationResponse,
		TypeNegativeAck,
		TypeControlPause, TypeControlResume, TypeControlShutdown,
		TypeMessageToPaused, TypeMinionStateUpdate:
		return true
	}
	return false
}

// Control reports whether t is handled by the runtime even while paused.
func (t MessageType) Control() bool {
	switch t {
	case TypeControlPause, TypeControlResume, TypeControlShutdown:
		return true
	}
	return false
}

// Message is the envelope shared by every message type. It is immutable
// once sent.
type Message struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Type        MessageType     `json:"type"`
	TraceID     string          `json:"trace_id"`
	Priority    Priority        `json:"priority"`
	SentAt      time.Time       `json:"sent_at"`
	Body        json.RawMessage `json:"body"`
}

// New builds an unsent message carrying body. ID and SentAt are assigned
// by the router.
func New(sender, recipient, traceID string, priority Priority, body Body) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", body.MessageType(), err)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	return &Message{
		SenderID:    sender,
		RecipientID: recipient,
		Type:        body.MessageType(),
		TraceID:     traceID,
		Priority:    priority,
		Body:        raw,
	}, nil
}

// Validate checks the envelope and that the body decodes as its type.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return &ValidationError{Field: "sender_id", Reason: "required"}
	}
	if m.RecipientID == "" {
		return &ValidationError{Field: "recipient_id", Reason: "required"}
	}
	if !m.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", m.Priority)}
	}
	body, err := m.Decode()
	if err != nil {
		return err
	}
	if v, ok := body.(interface{ validate() error }); ok {
		return v.validate()
	}
	return nil
}

// Decode returns the typed body for the message type.
func (m *Message) Decode() (Body, error) {
	var body Body
	switch m.Type {
	case TypeTaskDelegation:
		body = &TaskDelegation{}
	case TypeTaskStatusUpdate:
		body = &TaskStatusUpdate{}
	case TypeCapabilityQuery:
		body = &CapabilityQuery{}
	case TypeCapabilityResponse:
		body = &CapabilityResponse{}
	case TypeToolInvocationRequest:
		body = &ToolInvocationRequest{}
	case TypeToolInvocationResponse:
		body = &ToolInvocationResponse{}
	case TypeNegativeAck:
		body = &NegativeAck{}
	case TypeControlPause:
		body = &ControlPause{}
	case TypeControlResume:
		body = &ControlResume{}
	case TypeControlShutdown:
		body = &ControlShutdown{}
	case TypeMessageToPaused:
		body = &MessageToPaused{}
	case TypeMinionStateUpdate:
		body = &MinionStateUpdate{}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	if len(m.Body) == 0 || string(m.Body) == "null" {
		return body, nil
	}
	if err := json.Unmarshal(m.Body, body); err != nil {
		return nil, &ValidationError{Field: "body", Reason: err.Error()}
	}
	return body, nil
}
