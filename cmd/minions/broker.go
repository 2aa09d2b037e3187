package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/minions/internal/broker"
	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/natsbus"
	"github.com/mtzanidakis/minions/internal/scheduler"
	"github.com/mtzanidakis/minions/internal/store"
	"github.com/mtzanidakis/minions/internal/web"
)

const janitorInterval = 10 * time.Minute

func runBroker(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting minions broker", "version", version)

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	nc, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	b := broker.New(db, nc, cfg)
	go b.Router.StartJanitor(ctx, janitorInterval)

	sched := scheduler.New(db, b, nc, cfg.Scheduler, cfg.Protocol.DefaultTimeout)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	if cfg.Web.Enabled {
		srv := web.NewServer(b, db, nc, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	var wg sync.WaitGroup
	for id, mc := range cfg.Minions {
		if !mc.Embedded {
			continue
		}
		wake, unsub, err := nc.SubscribeChan(natsbus.TopicAgentInbox(id), 16)
		if err != nil {
			return fmt.Errorf("subscribe inbox %s: %w", id, err)
		}
		defer unsub()

		rt, err := buildRuntime(cfg, id, mc, b, db, nc, wake)
		if err != nil {
			return fmt.Errorf("minion %s: %w", id, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Run(ctx); err != nil {
				slog.Error("minion stopped", "agent", id, "error", err)
			}
		}()
		slog.Info("embedded minion started", "agent", id)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
	return nil
}
