package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillswap/swapsync"
)

var (
	flagJSON          bool
	messagesLimit     int
	notificationsAll  bool
	notificationsRead bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(presenceCmd)

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "maximum number of messages")
	notificationsCmd.Flags().BoolVar(&notificationsAll, "all", false, "include read notifications")
	notificationsCmd.Flags().BoolVar(&notificationsRead, "read-all", false, "mark every notification read")
}

// cliContext loads the effective config and builds the logger for one command.
func cliContext() (*swapsync.Config, func(), *swapsync.Client, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)
	return cfg, func() { _ = log.Close() }, getClient(cfg, log.Logger), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			peer := c.Peer(cfg.Auth.UserID)
			fmt.Printf("  %s: with %s (last activity %s)\n", c.ID, peer, formatTime(c.LastActivityAt))
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open or create the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.Conversations.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var opts *swapsync.PaginationOptions
		if messagesLimit > 0 {
			opts = &swapsync.PaginationOptions{Limit: messagesLimit}
		}
		msgs, err := client.Messages.List(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			read := ""
			if m.ReadAt != nil {
				read = " (read)"
			}
			fmt.Printf("[%s] %s: %s%s\n", formatTime(m.CreatedAt), m.SenderID, m.Body, read)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <body>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		defer log.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, stop, err := startSession(ctx, cfg, log.Logger, false)
		if err != nil {
			return err
		}
		defer stop()

		msg, err := sess.SendMessage(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if flagJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Body:       %s\n", msg.Body)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Conversations.MarkRead(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s marked as read (%d messages).\n", args[0], len(msgs))
		return nil
	},
}

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List unread notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if notificationsRead {
			if err := client.Notifications.MarkAllRead(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println("All notifications marked as read.")
			return nil
		}

		notes, err := client.Notifications.List(ctx, nil)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !notificationsAll {
			unread := notes[:0]
			for _, n := range notes {
				if !n.Read {
					unread = append(unread, n)
				}
			}
			notes = unread
		}
		if flagJSON {
			return printJSON(notes)
		}
		if len(notes) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range notes {
			mark := "*"
			if n.Read {
				mark = " "
			}
			fmt.Printf("%s [%s] %s: %s\n", mark, formatTime(n.CreatedAt), n.Title, n.Message)
		}
		return nil
	},
}

// ============================================================================
// presence
// ============================================================================

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Show whether a user is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, client, err := cliContext()
		if err != nil {
			return err
		}
		defer done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rec, err := client.Presence.Get(ctx, args[0])
		if err != nil {
			if swapsync.IsNotFound(err) {
				fmt.Printf("%s: offline\n", args[0])
				return nil
			}
			return fmt.Errorf("request failed: %w", err)
		}
		if flagJSON {
			return printJSON(rec)
		}
		stale := 3 * cfg.RealtimeConfig().PresenceHeartbeat
		p := swapsync.ProjectPresence(*rec, time.Now(), stale)
		fmt.Printf("%s: %s\n", p.UserID, p.Label)
		return nil
	},
}
