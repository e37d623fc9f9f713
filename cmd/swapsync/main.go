package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skillswap/swapsync"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.swapsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".swapsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file path, honoring --config.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig() (*swapsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return swapsync.LoadConfig(path)
}

// loadEffectiveConfig is loadConfig plus the environment overlay.
func loadEffectiveConfig() (*swapsync.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// saveConfig writes the config back to disk as TOML.
func saveConfig(cfg *swapsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return swapsync.SaveConfig(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "store.base_url").
func setConfigValue(cfg *swapsync.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. store.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "store":
		switch field {
		case "base_url":
			cfg.Store.BaseURL = value
		case "timeout":
			return cfg.Store.Timeout.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "source":
		switch field {
		case "kind":
			cfg.Source.Kind = value
		case "url":
			cfg.Source.URL = value
		case "redis_addr":
			cfg.Source.RedisAddr = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be a number: %w", err)
			}
			cfg.Source.RedisDB = n
		case "nats_url":
			cfg.Source.NATSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [source]", field)
		}
	case "realtime":
		switch field {
		case "backoff":
			cfg.Realtime.Backoff = value
		case "channel_error_delay":
			return cfg.Realtime.ChannelErrorDelay.UnmarshalText([]byte(value))
		case "setup_error_delay":
			return cfg.Realtime.SetupErrorDelay.UnmarshalText([]byte(value))
		case "reconnect_max_delay":
			return cfg.Realtime.ReconnectMaxDelay.UnmarshalText([]byte(value))
		case "handshake_timeout":
			return cfg.Realtime.HandshakeTimeout.UnmarshalText([]byte(value))
		case "poll_interval":
			return cfg.Realtime.PollInterval.UnmarshalText([]byte(value))
		case "presence_heartbeat":
			return cfg.Realtime.PresenceHeartbeat.UnmarshalText([]byte(value))
		case "max_retry_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("max_retry_attempts must be a number: %w", err)
			}
			cfg.Realtime.MaxRetryAttempts = n
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "log":
		switch field {
		case "dir":
			cfg.Log.Dir = value
		case "debug":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("debug must be true or false: %w", err)
			}
			cfg.Log.Debug = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: store, auth, source, realtime, log)", section)
	}
	return cfg.Validate()
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:           "swapsync",
	Short:         "Skill-exchange realtime CLI",
	Long:          "Command-line client for skill-exchange conversations, notifications and presence.\nReads ~/.swapsync/config.toml, overridden by SWAPSYNC_* environment variables and .env.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.swapsync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "print debug logs to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
