package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Capability is a named skill an agent advertises. Tools carry the JSON
// schema of their arguments.
type Capability struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind,omitempty"` // "skill" or "tool"
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type AgentDescriptor struct {
	AgentID      string       `json:"agent_id"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	EndpointHint string       `json:"endpoint_hint,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasCapability reports whether the descriptor advertises name.
func (d AgentDescriptor) HasCapability(name string) bool {
	_, ok := d.Capability(name)
	return ok
}

func (d AgentDescriptor) Capability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

type AgentFilter struct {
	Capability string
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; higher is dequeued first. Unknown values rank
// as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(r int) Priority {
	switch r {
	case 0:
		return PriorityLow
	case 2:
		return PriorityHigh
	case 3:
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(s))
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

type TaskStatus string

const (
	TaskSubmitted TaskStatus = "submitted"
	TaskWorking   TaskStatus = "working"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSubmitted, TaskWorking, TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

type Task struct {
	TaskID       string     `json:"task_id"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	RequesterID  string     `json:"requester_id"`
	AssigneeID   string     `json:"assignee_id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	TraceID      string     `json:"trace_id,omitempty"`
	Depth        int        `json:"depth"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

type TaskFilter struct {
	AssigneeID  string
	RequesterID string
	Status      TaskStatus
}

// TaskEvent is one entry of a task's status stream.
type TaskEvent struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Turn is one entry of a task's conversation context.
type Turn struct {
	Role    string    `json:"role"` // "user", "assistant", "tool", "delegate", "system"
	Content string    `json:"content"`
	Name    string    `json:"name,omitempty"`
	At      time.Time `json:"at"`
}

// SendAck is returned by the router once a message is durably queued.
type SendAck struct {
	MessageID string    `json:"message_id"`
	TraceID   string    `json:"trace_id"`
	SentAt    time.Time `json:"sent_at"`
}
