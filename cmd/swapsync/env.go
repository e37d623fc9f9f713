package main

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/skillswap/swapsync"
)

// applyEnv overlays SWAPSYNC_* variables, read from the environment and
// the nearest .env file, onto cfg.
func applyEnv(cfg *swapsync.Config) {
	if path, err := findFile(".env", 5); err == nil {
		// Variables already in the environment win over .env.
		_ = godotenv.Load(path)
	}

	v := viper.New()
	v.SetEnvPrefix("SWAPSYNC")
	v.AutomaticEnv()

	setString(v, "base_url", &cfg.Store.BaseURL)
	setString(v, "token", &cfg.Auth.Token)
	setString(v, "user_id", &cfg.Auth.UserID)
	setString(v, "source", &cfg.Source.Kind)
	setString(v, "source_url", &cfg.Source.URL)
	setString(v, "redis_addr", &cfg.Source.RedisAddr)
	setString(v, "nats_url", &cfg.Source.NATSURL)
	setString(v, "backoff", &cfg.Realtime.Backoff)
	setString(v, "log_dir", &cfg.Log.Dir)
	if v.IsSet("redis_db") {
		cfg.Source.RedisDB = v.GetInt("redis_db")
	}
	if v.IsSet("poll_interval") {
		cfg.Realtime.PollInterval = swapsync.Duration(v.GetDuration("poll_interval"))
	}
	if v.IsSet("timeout") {
		cfg.Store.Timeout = swapsync.Duration(v.GetDuration("timeout"))
	}
	if v.IsSet("debug") {
		cfg.Log.Debug = v.GetBool("debug")
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

// findFile looks for name in the working directory and up to maxDepth parents.
func findFile(name string, maxDepth int) (string, error) {
	path := "./" + name
	for i := 0; i < maxDepth; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = "../" + path
	}
	return "", errors.New(name + " not found")
}

// storeTimeout returns the configured request timeout or the SDK default.
func storeTimeout(cfg *swapsync.Config) time.Duration {
	if cfg.Store.Timeout > 0 {
		return time.Duration(cfg.Store.Timeout)
	}
	return swapsync.DefaultTimeout
}
