package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/spf13/cobra"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				g.print(out, st, func() {
					fmt.Fprintf(out, "Profile:        %s\n", st.Profile)
					fmt.Fprintf(out, "Self user:      %s\n", st.SelfUserID)
					fmt.Fprintf(out, "Uptime:         %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
					fmt.Fprintf(out, "Conversations:  %d (%d degraded)\n", st.Conversations, st.Degraded)
					fmt.Fprintf(out, "Dropped events: %d\n", st.DroppedEvents)
				})
				return nil
			})
		},
	}
}

func newListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				convs, err := c.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				g.print(out, convs, func() {
					if len(convs) == 0 {
						fmt.Fprintln(out, "No open conversations.")
						return
					}
					for _, cv := range convs {
						flag := ""
						if cv.Degraded {
							flag = " degraded"
						}
						fmt.Fprintf(out, "%-36s %-20s %-8s peer=%s%s\n", cv.Handle, cv.ConversationID, cv.State, cv.PeerID, flag)
					}
				})
				return nil
			})
		},
	}
}

func newOpenCmd(g *globalFlags) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "open <conversation-id> <peer-id>",
		Short: "Open a conversation and print its handle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				handle, err := c.Open(ctx, args[0], args[1], wait)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				g.print(out, map[string]string{"handle": handle}, func() { fmt.Fprintln(out, handle) })
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the first page is loaded")
	return cmd
}

func newCloseCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "close <handle>",
		Short: "Close a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.Close(ctx, args[0])
			})
		},
	}
}

func newOlderCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "older <handle>",
		Short: "Load one more page of history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				cur, err := c.LoadOlder(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				g.print(out, cur, func() {
					fmt.Fprintf(out, "oldest=%s more=%v\n", cur.OldestLoadedID, cur.HasMoreOlder)
				})
				return nil
			})
		},
	}
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send <handle> <text>",
		Short: "Send a message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				msg, err := c.SendMessage(ctx, args[0], text, image)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				g.print(out, msg, func() { fmt.Fprintf(out, "queued %s\n", msg.ID) })
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image reference to attach")
	return cmd
}

func newTypingCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "typing <handle> <true|false>",
		Short: "Set the typing indicator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typing, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid typing value %q", args[1])
			}
			return g.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.SetTyping(ctx, args[0], typing)
			})
		},
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <handle>",
		Short: "Stream conversation events until it closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := g.connect()
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			out := cmd.OutOrStdout()
			return client.Watch(cmd.Context(), args[0], func(e api.Envelope) {
				g.print(out, e, func() { fmt.Fprintln(out, formatEnvelope(e)) })
			})
		},
	}
}

func formatEnvelope(e api.Envelope) string {
	ts := time.UnixMilli(e.OccurredAtUnixMs).Format("15:04:05.000")
	switch e.Kind {
	case bus.KindMessages:
		msgs := api.MessagesOf(e)
		line := fmt.Sprintf("%s messages (%d)", ts, len(msgs))
		for _, m := range msgs {
			line += "\n  " + formatMessage(m)
		}
		return line
	case bus.KindPresence:
		return fmt.Sprintf("%s presence %v", ts, e.Payload["label"])
	default:
		return fmt.Sprintf("%s %s %v", ts, e.Kind, e.Payload)
	}
}

func formatMessage(m api.Message) string {
	mark := " "
	switch {
	case m.Pending:
		mark = "…"
	case m.Seen:
		mark = "✓"
	}
	body := m.Body
	if m.ImageRef != "" {
		body += " [image " + m.ImageRef + "]"
	}
	return fmt.Sprintf("%s %s %-12s %s", mark, time.UnixMilli(m.CreatedAt).Format("15:04:05"), m.SenderID, body)
}
