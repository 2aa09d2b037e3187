package registry

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishEvent(topic, eventType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, topic+" "+eventType)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *recordingPublisher) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	pub := &recordingPublisher{}
	return New(s, pub), s, pub
}

func TestRegisterAssignsID(t *testing.T) {
	reg, _, pub := newTestRegistry(t)

	id, err := reg.Register(protocol.AgentDescriptor{DisplayName: "Summarizer"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("expected server-assigned id")
	}
	got, err := reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DisplayName != "Summarizer" {
		t.Errorf("expected Summarizer, got %s", got.DisplayName)
	}
	if len(pub.events) != 1 || pub.events[0] != "events.agent."+id+" agent_registered" {
		t.Errorf("unexpected events: %v", pub.events)
	}
}

func TestRegisterIsUpsert(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	d := protocol.AgentDescriptor{AgentID: "a", DisplayName: "A"}
	if _, err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Capabilities = []protocol.Capability{{Name: "summarize"}}
	id, err := reg.Register(d)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if id != "a" {
		t.Errorf("expected provided id to be kept, got %s", id)
	}

	all, _ := reg.List(protocol.AgentFilter{})
	if len(all) != 1 {
		t.Fatalf("expected 1 agent after upsert, got %d", len(all))
	}
	if !all[0].HasCapability("summarize") {
		t.Error("expected updated capabilities")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		d    protocol.AgentDescriptor
	}{
		{"missing name", protocol.AgentDescriptor{AgentID: "a"}},
		{"blank name", protocol.AgentDescriptor{DisplayName: "  "}},
		{"bad id", protocol.AgentDescriptor{AgentID: "a.b", DisplayName: "A"}},
		{"unnamed capability", protocol.AgentDescriptor{DisplayName: "A", Capabilities: []protocol.Capability{{}}}},
		{"duplicate capability", protocol.AgentDescriptor{DisplayName: "A",
			Capabilities: []protocol.Capability{{Name: "x"}, {Name: "x"}}}},
		{"bad schema", protocol.AgentDescriptor{DisplayName: "A",
			Capabilities: []protocol.Capability{{Name: "x", Kind: "tool", Schema: json.RawMessage(`{"type": 3}`)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.d)
			var ve *protocol.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestListFiltersByCapability(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	reg.Register(protocol.AgentDescriptor{AgentID: "a", DisplayName: "A", Capabilities: []protocol.Capability{{Name: "summarize"}}})
	reg.Register(protocol.AgentDescriptor{AgentID: "b", DisplayName: "B", Capabilities: []protocol.Capability{{Name: "translate"}}})
	reg.Register(protocol.AgentDescriptor{AgentID: "c", DisplayName: "C", Capabilities: []protocol.Capability{{Name: "summarize"}, {Name: "translate"}}})

	got, err := reg.List(protocol.AgentFilter{Capability: "summarize"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summarizers, got %d", len(got))
	}
	for _, a := range got {
		if a.AgentID == "b" {
			t.Error("translator should not match summarize filter")
		}
	}
}

func TestDeregisterKeepsQueue(t *testing.T) {
	reg, s, _ := newTestRegistry(t)
	reg.Register(protocol.AgentDescriptor{AgentID: "a", DisplayName: "A"})

	s.InsertMessage(&protocol.Message{ID: "m1", SenderID: "b", RecipientID: "a", Type: protocol.TypeControlPause,
		TraceID: "tr", Priority: protocol.PriorityNormal, Body: json.RawMessage(`{}`)})

	if err := reg.Deregister("a"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if ok, _ := reg.Exists("a"); ok {
		t.Error("expected agent to be gone")
	}
	if n, _ := s.CountUnacked("a"); n != 1 {
		t.Errorf("expected queued message to survive deregistration, got %d", n)
	}
	if err := reg.Deregister("a"); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second deregister, got %v", err)
	}
}
