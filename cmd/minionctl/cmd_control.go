package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/client"
	"github.com/mtzanidakis/minions/internal/protocol"
)

func sendControl(cmd *cobra.Command, opts *options, recipient string, p protocol.Priority, body protocol.Body) error {
	m, err := protocol.New(opts.from, recipient, "", p, body)
	if err != nil {
		return err
	}
	ack, err := opts.client().Send(cmd.Context(), m)
	if err != nil {
		return fmt.Errorf("%s: %w", body.MessageType(), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s (%s)\n", body.MessageType(), recipient, ack.MessageID)
	return nil
}

func newPauseCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <agent_id>",
		Short: "Pause a minion at its next safe point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd, opts, args[0], protocol.PriorityCritical, &protocol.ControlPause{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the pause")
	return cmd
}

func newResumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <agent_id>",
		Short: "Resume a paused minion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd, opts, args[0], protocol.PriorityCritical, &protocol.ControlResume{})
		},
	}
}

func newShutdownCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "shutdown <agent_id>",
		Short: "Ask a minion to persist its state and stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd, opts, args[0], protocol.PriorityCritical, &protocol.ControlShutdown{Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the shutdown")
	return cmd
}

func newTellCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tell <agent_id> <text...>",
		Short: "Append operator text to a paused minion's current task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return sendControl(cmd, opts, args[0], protocol.PriorityHigh, &protocol.MessageToPaused{Text: text})
		},
	}
}

type delegateFlags struct {
	priority   string
	timeout    time.Duration
	capability string
	parent     string
	wait       bool
}

func newDelegateCmd(opts *options) *cobra.Command {
	var f delegateFlags
	cmd := &cobra.Command{
		Use:   "delegate <agent_id> <description...>",
		Short: "Record a task and delegate it to a minion",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			taskID, err := delegate(cmd, c, opts.from, args[0], strings.Join(args[1:], " "), f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), taskID)
			if !f.wait {
				return nil
			}
			return c.WatchTask(cmd.Context(), taskID, func(ev protocol.TaskEvent) bool {
				if ev.Status.Terminal() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s\n", ev.Status, ev.Result, ev.Error)
				}
				return true
			})
		},
	}
	cmd.Flags().StringVar(&f.priority, "priority", "normal", "low, normal, high or critical")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaultTimeout, "time the assignee has to answer")
	cmd.Flags().StringVar(&f.capability, "capability", "", "capability the task exercises")
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "wait for the task to settle")
	return cmd
}

func delegate(cmd *cobra.Command, c *client.Client, from, assignee, description string, f delegateFlags) (string, error) {
	p, err := protocol.ParsePriority(f.priority)
	if err != nil {
		return "", fmt.Errorf("delegate: %w", err)
	}
	if f.timeout < time.Second {
		return "", fmt.Errorf("delegate: timeout must be at least 1s")
	}

	ctx := cmd.Context()
	t := protocol.Task{
		TaskID:       uuid.NewString(),
		ParentTaskID: f.parent,
		RequesterID:  from,
		AssigneeID:   assignee,
		Description:  description,
		TraceID:      uuid.NewString(),
	}
	if _, err := c.SubmitTask(ctx, t); err != nil {
		return "", fmt.Errorf("delegate: %w", err)
	}
	created, err := c.GetTask(ctx, t.TaskID)
	if err != nil {
		return "", fmt.Errorf("delegate: %w", err)
	}

	m, err := protocol.New(from, assignee, created.TraceID, p, &protocol.TaskDelegation{
		RequestMeta:     protocol.RequestMeta{TimeoutSeconds: int(f.timeout / time.Second), Version: protocol.Version},
		TaskID:          created.TaskID,
		ParentTaskID:    created.ParentTaskID,
		Description:     description,
		Capability:      f.capability,
		DelegationDepth: created.Depth,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.Send(ctx, m); err != nil {
		_ = c.UpdateTaskStatus(ctx, t.TaskID, protocol.TaskFailed, "", "delivery failed: "+err.Error())
		return "", fmt.Errorf("delegate: %w", err)
	}
	return t.TaskID, nil
}
