package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/client"
)

func newSchedulesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring delegations",
	}
	cmd.AddCommand(
		newSchedulesListCmd(opts),
		newSchedulesCreateCmd(opts),
		newSchedulesSetStatusCmd(opts, "pause", "paused"),
		newSchedulesSetStatusCmd(opts, "resume", "active"),
		newSchedulesDeleteCmd(opts),
	)
	return cmd
}

func newSchedulesListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().ListSchedules(cmd.Context())
			if err != nil {
				return fmt.Errorf("list schedules: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tASSIGNEE\tSTATUS\tSCHEDULE\tNEXT RUN")
			for _, sc := range list {
				fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n", sc["id"], sc["assignee_id"], sc["status"], sc["schedule_display"], valueOr(sc["next_run_at"], "-"))
			}
			return tw.Flush()
		},
	}
}

func newSchedulesCreateCmd(opts *options) *cobra.Command {
	var req client.ScheduleRequest
	cmd := &cobra.Command{
		Use:   "create --assignee <agent_id> --schedule <spec> --description <text>",
		Short: "Create a schedule from a cron expression or a JSON spec",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := opts.client().CreateSchedule(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("create schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %v (%v), next run %v\n", sc["id"], sc["schedule_display"], valueOr(sc["next_run_at"], "-"))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "schedule id; the broker assigns one when empty")
	cmd.Flags().StringVar(&req.AssigneeID, "assignee", "", "agent receiving the delegations")
	cmd.Flags().StringVar(&req.Name, "name", "", "schedule name")
	cmd.Flags().StringVar(&req.Schedule, "schedule", "", `cron expression or {"kind":...} spec`)
	cmd.Flags().StringVar(&req.Description, "description", "", "task description")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "low, normal, high or critical")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newSchedulesSetStatusCmd(opts *options, verb, status string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <schedule_id>",
		Short: fmt.Sprintf("Mark a schedule %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().SetScheduleStatus(cmd.Context(), args[0], status); err != nil {
				return fmt.Errorf("%s schedule: %w", verb, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %s %s\n", args[0], status)
			return nil
		},
	}
}

func newSchedulesDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule_id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted schedule %s\n", args[0])
			return nil
		},
	}
}

func valueOr(v any, fallback string) any {
	if v == nil {
		return fallback
	}
	return v
}
