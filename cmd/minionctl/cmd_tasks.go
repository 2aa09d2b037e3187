package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/protocol"
)

func newTasksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage ledger tasks",
	}
	cmd.AddCommand(
		newTasksSubmitCmd(opts),
		newTasksGetCmd(opts),
		newTasksListCmd(opts),
		newTasksCancelCmd(opts),
		newTasksWatchCmd(opts),
		newTasksStatusCmd(opts),
	)
	return cmd
}

func newTasksSubmitCmd(opts *options) *cobra.Command {
	var t protocol.Task
	cmd := &cobra.Command{
		Use:   "submit --assignee <agent_id> --description <text>",
		Short: "Record a task in the ledger without delegating it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t.RequesterID = opts.from
			id, err := opts.client().SubmitTask(cmd.Context(), t)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&t.TaskID, "id", "", "task id; the broker assigns one when empty")
	cmd.Flags().StringVar(&t.AssigneeID, "assignee", "", "assignee agent id")
	cmd.Flags().StringVar(&t.Description, "description", "", "task description")
	cmd.Flags().StringVar(&t.ParentTaskID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&t.TraceID, "trace", "", "trace id")
	_ = cmd.MarkFlagRequired("assignee")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newTasksGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := opts.client().GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func newTasksListCmd(opts *options) *cobra.Command {
	var (
		f      protocol.TaskFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = protocol.TaskStatus(status)
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("list tasks: unknown status %q", status)
			}
			tasks, err := opts.client().ListTasks(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tREQUESTER\tASSIGNEE\tDEPTH\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", t.TaskID, t.Status, t.RequesterID, t.AssigneeID, t.Depth, truncate(t.Description, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "filter by assignee")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "filter by requester")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newTasksCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := opts.client().CancelTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.TaskID, t.Status)
			return nil
		},
	}
}

func newTasksWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task_id>",
		Short: "Stream status changes until the task settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return opts.client().WatchTask(cmd.Context(), args[0], func(ev protocol.TaskEvent) bool {
				line := fmt.Sprintf("%s %s", ev.Timestamp.Format("15:04:05"), ev.Status)
				if ev.Result != "" {
					line += " " + ev.Result
				}
				if ev.Error != "" {
					line += " error: " + ev.Error
				}
				fmt.Fprintln(out, line)
				return true
			})
		},
	}
}

func newTasksStatusCmd(opts *options) *cobra.Command {
	var result, errMsg string
	cmd := &cobra.Command{
		Use:   "status <task_id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := protocol.TaskStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("update status: unknown status %q", args[1])
			}
			if err := opts.client().UpdateTaskStatus(cmd.Context(), args[0], status, result, errMsg); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
			return nil
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "task result")
	cmd.Flags().StringVar(&errMsg, "error", "", "failure reason")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
