package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/minions/internal/protocol"
)

func newSendCmd(opts *options) *cobra.Command {
	var (
		msgType  string
		body     string
		priority string
		traceID  string
	)
	cmd := &cobra.Command{
		Use:   "send <recipient> --type <message_type> --body <json>",
		Short: "Send a raw protocol message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(body)) {
				return fmt.Errorf("send: body is not valid JSON")
			}
			p, err := protocol.ParsePriority(priority)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			m := &protocol.Message{
				SenderID:    opts.from,
				RecipientID: args[0],
				Type:        protocol.MessageType(msgType),
				TraceID:     traceID,
				Priority:    p,
				Body:        json.RawMessage(body),
			}
			if err := m.Validate(); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			ack, err := opts.client().Send(cmd.Context(), m)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&body, "body", "{}", "message body as JSON")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or critical")
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id; the broker assigns one when empty")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPollCmd(opts *options) *cobra.Command {
	var (
		limit int
		ack   bool
	)
	cmd := &cobra.Command{
		Use:   "poll <agent_id>",
		Short: "Lease pending messages of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			msgs, err := c.Poll(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), msgs); err != nil {
				return err
			}
			if !ack || len(msgs) == 0 {
				return nil
			}
			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			if err := c.Acknowledge(cmd.Context(), args[0], ids); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "max", 0, "maximum messages to lease (0 uses the broker default)")
	cmd.Flags().BoolVar(&ack, "ack", false, "acknowledge the returned messages")
	return cmd
}

func newAckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <agent_id> <message_id> [message_id...]",
		Short: "Acknowledge leased messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Acknowledge(cmd.Context(), args[0], args[1:]); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged %d message(s)\n", len(args)-1)
			return nil
		},
	}
}
