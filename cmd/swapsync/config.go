package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/skillswap/swapsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage swapsync configuration",
	Long:  "Inspect the effective configuration or edit ~/.swapsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration file merged with .env and SWAPSYNC_* overrides. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		return renderConfig(cmd.OutOrStdout(), cfg, path)
	},
}

// renderConfig writes cfg as TOML with the token masked, headed by where
// it was read from.
func renderConfig(w io.Writer, cfg *swapsync.Config, path string) error {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	state := "present"
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		state = "missing, run 'swapsync init <token>' to create it"
	}
	fmt.Fprintf(w, "# file: %s (%s)\n", path, state)
	fmt.Fprintln(w, "# overrides: .env, SWAPSYNC_* environment")
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: swapsync config set realtime.backoff fixed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Only the file is edited; environment overrides stay out of it.
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		return nil
	},
}
