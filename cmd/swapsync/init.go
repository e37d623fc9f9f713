package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "id of the signed-in user")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "store base URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.swapsync/config.toml",
	Long:  "Initialize swapsync by storing your access token, user id and store URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initBaseURL != "" {
			cfg.Store.BaseURL = initBaseURL
		}
		if cfg.Source.Kind == "" {
			cfg.Source.Kind = "websocket"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id set. Run 'swapsync config set auth.user_id <id>' before using realtime commands.")
		}
		return nil
	},
}
