package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/protocol"
)

func newAgentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage registered agents",
	}
	cmd.AddCommand(
		newAgentsListCmd(opts),
		newAgentsGetCmd(opts),
		newAgentsRegisterCmd(opts),
		newAgentsDeregisterCmd(opts),
	)
	return cmd
}

func newAgentsListCmd(opts *options) *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := opts.client().ListAgents(cmd.Context(), protocol.AgentFilter{Capability: capability})
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCAPABILITIES")
			for _, a := range agents {
				names := ""
				for i, c := range a.Capabilities {
					if i > 0 {
						names += ","
					}
					names += c.Name
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", a.AgentID, a.DisplayName, names)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "only agents advertising this capability")
	return cmd
}

func newAgentsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent_id>",
		Short: "Show an agent descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().GetAgent(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get agent: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newAgentsRegisterCmd(opts *options) *cobra.Command {
	var (
		name         string
		description  string
		capabilities []string
	)
	cmd := &cobra.Command{
		Use:   "register [agent_id]",
		Short: "Register or update an agent; the broker assigns an id when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := protocol.AgentDescriptor{DisplayName: name, Description: description}
			if len(args) == 1 {
				d.AgentID = args[0]
			}
			for _, c := range capabilities {
				d.Capabilities = append(d.Capabilities, protocol.Capability{Name: c, Kind: "skill"})
			}
			id, err := opts.client().Register(cmd.Context(), d)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "agent description")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "advertised capability (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentsDeregisterCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <agent_id> [agent_id...]",
		Short: "Remove agent descriptors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			for _, id := range args {
				if err := c.Deregister(cmd.Context(), id); err != nil {
					return fmt.Errorf("deregister %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deregistered %s\n", id)
			}
			return nil
		},
	}
}
