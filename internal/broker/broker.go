// Package broker bundles the registry, router and task ledger into the
// single authoritative broker.
package broker

import (
	"context"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/ledger"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/registry"
	"github.com/mtzanidakis/minions/internal/router"
	"github.com/mtzanidakis/minions/internal/store"
)

// Events is what the broker needs from the event bus. natsbus.Client
// satisfies it.
type Events interface {
	registry.Publisher
	router.Notifier
}

type Broker struct {
	Registry *registry.Registry
	Router   *router.Router
	Ledger   *ledger.Ledger
}

// New wires the broker over s. events may be nil.
func New(s *store.Store, events Events, cfg *config.Config) *Broker {
	var (
		pub      registry.Publisher
		notifier router.Notifier
	)
	if events != nil {
		pub, notifier = events, events
	}
	reg := registry.New(s, pub)
	return &Broker{
		Registry: reg,
		Router:   router.New(s, reg, notifier, router.OptionsFromConfig(cfg.Broker)),
		Ledger:   ledger.New(s, pub, cfg.Ledger.MaxDelegationDepth),
	}
}

// The methods below give in-process runtimes the same surface the HTTP
// client offers remote ones.

func (b *Broker) Register(_ context.Context, d protocol.AgentDescriptor) (string, error) {
	return b.Registry.Register(d)
}

func (b *Broker) ListAgents(_ context.Context, f protocol.AgentFilter) ([]protocol.AgentDescriptor, error) {
	return b.Registry.List(f)
}

func (b *Broker) Send(ctx context.Context, m *protocol.Message) (protocol.SendAck, error) {
	return b.Router.Send(ctx, m)
}

func (b *Broker) Poll(ctx context.Context, agentID string, limit int) ([]protocol.Message, error) {
	return b.Router.Poll(ctx, agentID, limit)
}

func (b *Broker) Acknowledge(ctx context.Context, agentID string, ids []string) error {
	return b.Router.Acknowledge(ctx, agentID, ids)
}

func (b *Broker) SubmitTask(ctx context.Context, t protocol.Task) (string, error) {
	return b.Ledger.Submit(ctx, t)
}

func (b *Broker) GetTask(_ context.Context, taskID string) (*protocol.Task, error) {
	return b.Ledger.Get(taskID)
}

func (b *Broker) UpdateTaskStatus(ctx context.Context, taskID string, status protocol.TaskStatus, result, errMsg string) error {
	return b.Ledger.UpdateStatus(ctx, taskID, status, result, errMsg)
}
