package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillswap/swapsync"
)

var (
	watchConversations []string
	watchPresence      []string
	watchAway          bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSliceVarP(&watchConversations, "conversation", "c", nil, "conversation ids to follow")
	watchCmd.Flags().StringSliceVarP(&watchPresence, "presence", "p", nil, "user ids whose presence to follow")
	watchCmd.Flags().BoolVar(&watchAway, "away", false, "stay offline while watching")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream messages, notifications and presence until interrupted",
	Long:  "Log in, follow the given conversations and users, and print every realtime change. Ctrl-C logs out.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		defer log.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		sess, logout, err := startSession(loginCtx, cfg, log.Logger, true)
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			// The unload beacon is fire-and-forget and may not leave before
			// exit, so write offline synchronously first.
			_ = sess.SetPresence(context.Background(), swapsync.PresenceOffline)
			logout()
		}()

		expired := make(chan error, 1)
		subscribeOutput(sess, expired)

		if watchAway {
			_ = sess.SetPresence(ctx, swapsync.PresenceOffline)
		}
		for _, id := range watchConversations {
			msgs, err := sess.OpenConversation(ctx, id)
			if err != nil {
				return fmt.Errorf("open conversation %s: %w", id, err)
			}
			fmt.Printf("Following conversation %s (%d messages)\n", id, len(msgs))
		}
		for _, id := range watchPresence {
			if err := sess.WatchPresence(ctx, id); err != nil {
				return fmt.Errorf("watch presence of %s: %w", id, err)
			}
			p, err := sess.GetPresence(ctx, id)
			if err == nil {
				fmt.Printf("%s is %s\n", id, p.Label)
			}
		}
		fmt.Printf("Unread notifications: %d. Press Ctrl-C to stop.\n", len(sess.UnreadNotifications()))

		select {
		case <-ctx.Done():
			fmt.Println("\nLogging out.")
			return nil
		case err := <-expired:
			return fmt.Errorf("session ended: %w", err)
		}
	},
}

// subscribeOutput prints session events as they arrive.
func subscribeOutput(sess *swapsync.Session, expired chan<- error) {
	sess.On(swapsync.EventMessageNew, func(_ string, payload any) {
		m := payload.(*swapsync.Message)
		fmt.Printf("[%s] %s in %s: %s\n", formatTime(m.CreatedAt), m.SenderID, m.ConversationID, m.Body)
	})
	sess.On(swapsync.EventMessageConfirmed, func(_ string, payload any) {
		m := payload.(*swapsync.Message)
		fmt.Printf("[%s] sent %s to %s\n", formatTime(m.CreatedAt), m.ID, m.ConversationID)
	})
	sess.On(swapsync.EventSendFailed, func(_ string, payload any) {
		f := payload.(*swapsync.SendFailure)
		fmt.Printf("send to %s failed: %v\n", f.ConversationID, f.Err)
	})
	sess.On(swapsync.EventNotificationNew, func(_ string, payload any) {
		n := payload.(*swapsync.Notification)
		fmt.Printf("* %s: %s\n", n.Title, n.Message)
	})
	sess.On(swapsync.EventPresenceChanged, func(_ string, payload any) {
		rec := payload.(*swapsync.PresenceRecord)
		p, _ := sess.GetPresence(context.Background(), rec.UserID)
		fmt.Printf("%s is %s\n", rec.UserID, p.Label)
	})
	sess.On(swapsync.EventSubscriptionStatus, func(_ string, payload any) {
		sc := payload.(swapsync.StatusChange)
		if sc.Err != nil {
			fmt.Printf("(%s: %s: %v, connection %s)\n", sc.Topic, sc.Status, sc.Err, sess.ConnectionState())
			return
		}
		fmt.Printf("(%s: %s, connection %s)\n", sc.Topic, sc.Status, sess.ConnectionState())
	})
	sess.On(swapsync.EventSessionExpired, func(_ string, payload any) {
		err, _ := payload.(error)
		select {
		case expired <- err:
		default:
		}
	})
}
