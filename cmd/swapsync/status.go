package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillswap/swapsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration, check whether the access token has expired, and reach the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		rt := cfg.RealtimeConfig()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Store.BaseURL, swapsync.DefaultBaseURL))
		fmt.Printf("  Source:      %s\n", valueOrDefault(cfg.Source.Kind, "websocket"))
		switch cfg.Source.Kind {
		case "redis":
			fmt.Printf("  Redis:       %s (db %d)\n", valueOrDefault(cfg.Source.RedisAddr, "(not set)"), cfg.Source.RedisDB)
		case "nats":
			fmt.Printf("  NATS:        %s\n", valueOrDefault(cfg.Source.NATSURL, "(not set)"))
		}
		fmt.Printf("  Backoff:     %s (floor %s / %s, cap %s)\n", rt.Backoff, rt.ChannelErrorDelay, rt.SetupErrorDelay, rt.ReconnectMaxDelay)
		fmt.Printf("  Poll:        every %s\n", rt.PollInterval)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "valid " + maskKey(cfg.Auth.Token)
			if err := swapsync.NewClient(cfg.Auth.Token).CheckToken(time.Now()); err != nil {
				tokenStatus = fmt.Sprintf("EXPIRED (%v)", err)
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		log := newLogger(cfg)
		defer log.Close()
		client := getClient(cfg, log.Logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error reaching store: %v\n", err)
			return nil
		}
		notes, err := client.Notifications.List(ctx, nil)
		if err != nil {
			fmt.Printf("  Error reaching store: %v\n", err)
			return nil
		}
		unread := 0
		for _, n := range notes {
			if !n.Read {
				unread++
			}
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Notifications: %d (%d unread)\n", len(notes), unread)
		return nil
	},
}
