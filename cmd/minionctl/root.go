package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/client"
)

const defaultTimeout = 5 * time.Minute

type options struct {
	broker string
	token  string
	from   string
}

func (o *options) client() *client.Client {
	return client.New(o.broker, o.token)
}

// newRootCmd creates the root minionctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "minionctl",
		Short:         "Operate a minions broker",
		Long:          "minionctl talks to the broker HTTP API.\nIt manages agents, messages, tasks, schedules and minion control.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("minionctl {{.Version}}\n")

	broker := os.Getenv("MINIONS_BROKER_URL")
	if broker == "" {
		broker = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.broker, "broker", broker, "broker base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MINIONS_AUTH_TOKEN"), "bearer token for the broker API")
	cmd.PersistentFlags().StringVar(&opts.from, "from", "console", "sender agent id for messages and tasks")

	cmd.AddCommand(
		newAgentsCmd(opts),
		newSendCmd(opts),
		newPollCmd(opts),
		newAckCmd(opts),
		newTasksCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newTellCmd(opts),
		newDelegateCmd(opts),
		newShutdownCmd(opts),
		newSchedulesCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
