package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/minions/internal/client"
	"github.com/mtzanidakis/minions/internal/collab"
	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/m2m"
	"github.com/mtzanidakis/minions/internal/minion"
	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/protocol"
	"github.com/mtzanidakis/minions/internal/retry"
	"github.com/mtzanidakis/minions/internal/snapshot"
	"github.com/mtzanidakis/minions/internal/store"
)

func runMinion(ctx context.Context, cfg *config.Config, id string) error {
	mc, ok := cfg.Minions[id]
	if !ok {
		return fmt.Errorf("minion %s is not configured", id)
	}

	states, err := store.New(config.StoreConfig{Path: cfg.Snapshot.StatePath})
	if err != nil {
		return fmt.Errorf("init state store: %w", err)
	}
	defer states.Close()

	var (
		events minion.Publisher
		wake   <-chan []byte
	)
	if cfg.NATS.URL != "" {
		nc, err := natsbus.NewClientFromURL(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		ch, unsub, err := nc.SubscribeChan(natsbus.TopicAgentInbox(id), 16)
		if err != nil {
			return fmt.Errorf("subscribe inbox: %w", err)
		}
		defer unsub()
		events, wake = nc, ch
	}

	b := client.New(cfg.Broker.URL, cfg.Web.AuthToken)
	rt, err := buildRuntime(cfg, id, mc, b, states, events, wake)
	if err != nil {
		return err
	}
	slog.Info("minion starting", "agent", id, "broker", cfg.Broker.URL, "version", version)
	return rt.Run(ctx)
}

func buildRuntime(cfg *config.Config, id string, mc config.MinionConfig, b minion.Broker, states minion.StateStore, events minion.Publisher, wake <-chan []byte) (*minion.Runtime, error) {
	if mc.GenerateURL == "" {
		return nil, fmt.Errorf("generate_url is required")
	}
	codec, err := snapshot.New(cfg.Snapshot.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("init snapshot codec: %w", err)
	}

	gen := collab.NewBreakerGenerator("generate:"+id, collab.NewHTTPGenerator(mc.GenerateURL), collab.BreakerSettings{})
	var tools collab.ToolInvoker
	if mc.ToolURL != "" {
		tools = collab.NewBreakerInvoker("tools:"+id, collab.NewHTTPToolInvoker(mc.ToolURL), collab.BreakerSettings{})
	}

	return minion.New(b, minion.Options{
		Descriptor: descriptor(id, mc),
		Generator:  gen,
		Tools:      tools,
		Engine:     m2m.OptionsFromConfig(cfg),
		Policy:     retry.FromConfig(cfg.Retry),
		States:     states,
		Codec:      codec,
		Events:     events,
		Wake:       wake,
		ConsoleID:  mc.ConsoleID,
		Tick:       mc.Tick,
		PollBatch:  mc.PollBatch,
		MaxQueue:   mc.MaxQueue,
		MaxSteps:   mc.MaxSteps,
	})
}

func descriptor(id string, mc config.MinionConfig) protocol.AgentDescriptor {
	d := protocol.AgentDescriptor{
		AgentID:     id,
		DisplayName: mc.DisplayName,
		Description: mc.Description,
	}
	if d.DisplayName == "" {
		d.DisplayName = id
	}
	for _, c := range mc.Capabilities {
		kind := c.Kind
		if kind == "" {
			kind = "skill"
		}
		d.Capabilities = append(d.Capabilities, protocol.Capability{
			Name:        c.Name,
			Kind:        kind,
			Description: c.Description,
			Schema:      c.SchemaJSON(),
		})
	}
	return d
}
