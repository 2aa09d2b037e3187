package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/minions/internal/config"
	"github.com/mtzanidakis/minions/internal/logger"
	"github.com/mtzanidakis/minions/internal/tracer"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("minions %s\n", version)
		return
	case "broker":
		err = withRuntime(runBroker)
	case "minion":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: minions minion <agent_id>\n")
			os.Exit(1)
		}
		id := os.Args[2]
		err = withRuntime(func(ctx context.Context, cfg *config.Config) error {
			return runMinion(ctx, cfg, id)
		})
	case "reset-state":
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: minions reset-state <agent_id>\n")
			os.Exit(1)
		}
		err = runResetState(os.Args[2])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: minions <command>

Commands:
  broker                 Start the broker with its HTTP API, event bus and scheduler
  minion <agent_id>      Run one configured minion against a remote broker
  reset-state <agent_id> Delete the persisted state of a minion
  version                Print version
`)
}

// withRuntime loads the configuration, installs logging and tracing, and
// runs fn until SIGINT or SIGTERM.
func withRuntime(fn func(ctx context.Context, cfg *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	return fn(ctx, cfg)
}
