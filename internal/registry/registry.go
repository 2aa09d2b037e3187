package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/schema"
	"github.com/mtzanidakis/minions/internal/store"
)

// Publisher receives registry events. A nil Publisher disables them.
type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

type Registry struct {
	store  *store.Store
	events Publisher
	now    func() time.Time
}

func New(s *store.Store, events Publisher) *Registry {
	return &Registry{
		store:  s,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register validates d and upserts it. An empty AgentID is assigned.
func (r *Registry) Register(d protocol.AgentDescriptor) (string, error) {
	if err := Validate(&d); err != nil {
		return "", err
	}
	if d.AgentID == "" {
		d.AgentID = uuid.NewString()
	}

	if err := r.store.SaveAgent(&d, r.now()); err != nil {
		return "", err
	}
	slog.Info("agent registered", "agent", d.AgentID, "name", d.DisplayName, "capabilities", len(d.Capabilities))
	r.publish(d.AgentID, natsbus.EventAgentRegistered)
	return d.AgentID, nil
}

// Validate checks the required descriptor fields and that every tool
// schema compiles.
func Validate(d *protocol.AgentDescriptor) error {
	d.DisplayName = strings.TrimSpace(d.DisplayName)
	if d.DisplayName == "" {
		return &protocol.ValidationError{Field: "display_name", Reason: "required"}
	}
	if strings.ContainsAny(d.AgentID, " ./*>") {
		return &protocol.ValidationError{Field: "agent_id", Reason: "must not contain spaces, dots, slashes or wildcards"}
	}
	seen := make(map[string]bool, len(d.Capabilities))
	for i, c := range d.Capabilities {
		if c.Name == "" {
			return &protocol.ValidationError{Field: fmt.Sprintf("capabilities[%d].name", i), Reason: "required"}
		}
		if seen[c.Name] {
			return &protocol.ValidationError{Field: "capabilities", Reason: "duplicate capability " + c.Name}
		}
		seen[c.Name] = true
		if _, err := schema.Compile(c.Name, c.Schema); err != nil {
			return &protocol.ValidationError{Field: fmt.Sprintf("capabilities[%d].schema", i), Reason: err.Error()}
		}
	}
	return nil
}

func (r *Registry) Get(agentID string) (*protocol.AgentDescriptor, error) {
	a, err := r.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, protocol.ErrNotFound)
	}
	return a, nil
}

// Exists reports whether agentID is currently registered.
func (r *Registry) Exists(agentID string) (bool, error) {
	a, err := r.store.GetAgent(agentID)
	if err != nil {
		return false, err
	}
	return a != nil, nil
}

// List returns registered descriptors, filtered by capability name when set.
func (r *Registry) List(f protocol.AgentFilter) ([]protocol.AgentDescriptor, error) {
	all, err := r.store.ListAgents()
	if err != nil {
		return nil, err
	}
	if f.Capability == "" {
		return all, nil
	}
	out := make([]protocol.AgentDescriptor, 0, len(all))
	for _, a := range all {
		if a.HasCapability(f.Capability) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Deregister removes the descriptor. Messages already queued for the
// agent stay queued.
func (r *Registry) Deregister(agentID string) error {
	ok, err := r.store.DeleteAgent(agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, protocol.ErrNotFound)
	}
	slog.Info("agent deregistered", "agent", agentID)
	r.publish(agentID, natsbus.EventAgentDeregistered)
	return nil
}

func (r *Registry) publish(agentID, eventType string) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(natsbus.TopicEventsAgent(agentID), eventType, map[string]string{"agent_id": agentID}); err != nil {
		slog.Warn("publish agent event failed", "agent", agentID, "error", err)
	}
}
