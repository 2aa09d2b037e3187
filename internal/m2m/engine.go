// Package m2m builds and interprets the minion-to-minion protocol
// messages: delegation, capability discovery, tool invocation, status
// updates and NACKs. It tracks outstanding requests and enforces their
// timeouts, retry budget and the delegation depth limit.
//
// An Engine belongs to one runtime and is only touched from that
// runtime's control loop.
package m2m

import (
	"context"
	"errors"
	"time"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/retry"
)

// Broker is the part of the broker surface the engine uses.
// broker.Broker and client.Client satisfy it.
type Broker interface {
	ListAgents(ctx context.Context, f protocol.AgentFilter) ([]protocol.AgentDescriptor, error)
	Send(ctx context.Context, m *protocol.Message) (protocol.SendAck, error)
	SubmitTask(ctx context.Context, t protocol.Task) (string, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status protocol.TaskStatus, result, errMsg string) error
}

var ErrNoAgent = errors.New("no agent offers capability")

type Options struct {
	Policy         retry.Policy
	Selector       Selector
	MaxDepth       int
	DefaultTimeout time.Duration
	Version        string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Policy:         retry.FromConfig(cfg.Retry),
		MaxDepth:       cfg.Ledger.MaxDelegationDepth,
		DefaultTimeout: cfg.Protocol.DefaultTimeout,
		Version:        cfg.Protocol.Version,
	}
}

// Outstanding is a sent request awaiting its answer. It holds the whole
// envelope so it can be resent after a restart.
type Outstanding struct {
	MessageID      string               `json:"message_id"`
	Kind           protocol.MessageType `json:"kind"`
	CorrelationID  string               `json:"correlation_id"`
	WaitingTaskID  string               `json:"waiting_task_id,omitempty"`
	Capability     string               `json:"capability,omitempty"`
	Tried          []string             `json:"tried,omitempty"`
	Request        protocol.Message     `json:"request"`
	SentAt         time.Time            `json:"sent_at"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	RetriesUsed    int                  `json:"retries_used"`
	// NotBefore defers the next send after an overloaded NACK.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

func (o *Outstanding) due(now time.Time) bool {
	if o.NotBefore != nil {
		return !now.Before(*o.NotBefore)
	}
	return now.Sub(o.SentAt) >= time.Duration(o.TimeoutSeconds)*time.Second
}

// Outcome is the final answer to an outstanding request, handed back to
// the task that waits on it.
type Outcome struct {
	Kind          protocol.MessageType
	CorrelationID string
	WaitingTaskID string
	Status        protocol.TaskStatus
	Result        string
	Agents        []protocol.AgentDescriptor
	Err           error
}

type Engine struct {
	self        string
	broker      Broker
	opts        Options
	now         func() time.Time
	outstanding map[string]*Outstanding
	discovered  map[string][]protocol.AgentDescriptor
}

func New(self string, b Broker, opts Options) *Engine {
	if opts.Selector == nil {
		opts.Selector = NewRoundRobin()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.Version == "" {
		opts.Version = protocol.Version
	}
	return &Engine{
		self:        self,
		broker:      b,
		opts:        opts,
		now:         time.Now,
		outstanding: make(map[string]*Outstanding),
		discovered:  make(map[string][]protocol.AgentDescriptor),
	}
}

func (e *Engine) MaxDepth() int {
	return e.opts.MaxDepth
}

func (e *Engine) Policy() retry.Policy {
	return e.opts.Policy
}

// Outstanding returns the tracked requests keyed by message id. The map
// is owned by the engine.
func (e *Engine) Outstanding() map[string]*Outstanding {
	return e.outstanding
}

// Restore replaces the tracked requests, e.g. from a snapshot.
func (e *Engine) Restore(m map[string]*Outstanding) {
	e.outstanding = make(map[string]*Outstanding, len(m))
	for id, o := range m {
		e.outstanding[id] = o
	}
}

// PendingFor reports whether any request is outstanding on behalf of
// taskID.
func (e *Engine) PendingFor(taskID string) bool {
	for _, o := range e.outstanding {
		if o.WaitingTaskID == taskID {
			return true
		}
	}
	return false
}

// Forget drops every request waiting on taskID, e.g. after it was
// canceled. Late answers are then ignored.
func (e *Engine) Forget(taskID string) int {
	n := 0
	for id, o := range e.outstanding {
		if o.WaitingTaskID == taskID {
			delete(e.outstanding, id)
			n++
		}
	}
	return n
}

func (e *Engine) timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		d = e.opts.DefaultTimeout
	}
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (e *Engine) meta(timeout time.Duration) protocol.RequestMeta {
	return protocol.RequestMeta{TimeoutSeconds: e.timeoutSeconds(timeout), Version: e.opts.Version}
}

func (e *Engine) findByCorrelation(kind protocol.MessageType, correlationID string) (string, *Outstanding) {
	for id, o := range e.outstanding {
		if o.Kind == kind && o.CorrelationID == correlationID {
			return id, o
		}
	}
	return "", nil
}
