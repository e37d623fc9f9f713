package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/skillswap/swapsync"
	"github.com/skillswap/swapsync/internal/logger"
)

// newLogger builds the CLI logger from the config and the --debug flag.
func newLogger(cfg *swapsync.Config) *logger.Logger {
	log, err := logger.New(cfg.Log.Dir, cfg.Log.Debug || flagDebug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

// getClient creates a store client authenticated with the configured token.
func getClient(cfg *swapsync.Config, log *zap.Logger) *swapsync.Client {
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No access token. Run 'swapsync init <token>' first.")
		os.Exit(1)
	}

	opts := []swapsync.ClientOption{
		swapsync.WithTimeout(storeTimeout(cfg)),
		swapsync.WithLogger(log),
	}
	if cfg.Store.BaseURL != "" {
		opts = append(opts, swapsync.WithBaseURL(cfg.Store.BaseURL))
	}
	return swapsync.NewClient(cfg.Auth.Token, opts...)
}

// feed bundles the event source selected by source.kind with the presence
// beacon that fits it.
type feed struct {
	source swapsync.EventSource
	beacon swapsync.BestEffortSender
	close  func()
}

// openSource builds the event source selected by source.kind. feed.close
// releases the source and any connection it owns.
func openSource(ctx context.Context, cfg *swapsync.Config, client *swapsync.Client, log *zap.Logger) (*feed, error) {
	switch cfg.Source.Kind {
	case "", "websocket":
		opts := []swapsync.WSOption{
			swapsync.WithSourceLogger(log),
			swapsync.WithHeartbeat(cfg.RealtimeConfig().HeartbeatInterval),
		}
		if cfg.Source.URL != "" {
			opts = append(opts, swapsync.WithEndpoint(cfg.Source.URL))
		}
		src := swapsync.NewWSSource(client, opts...)
		return &feed{source: src, close: func() { _ = src.Close() }}, nil

	case "redis":
		if cfg.Source.RedisAddr == "" {
			return nil, errors.New("source.redis_addr is required for the redis source")
		}
		rdb, err := swapsync.NewRedisClient(ctx, cfg.Source.RedisAddr, cfg.Source.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &feed{
			source: swapsync.NewRedisSource(rdb, log),
			beacon: swapsync.NewRedisBeacon(rdb, log),
			close:  func() { _ = rdb.Close() },
		}, nil

	case "nats":
		if cfg.Source.NATSURL == "" {
			return nil, errors.New("source.nats_url is required for the nats source")
		}
		src, err := swapsync.ConnectNATS(cfg.Source.NATSURL, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return &feed{source: src, close: func() { _ = src.Close() }}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
}

// startSession logs in with the configured user and source. The returned
// function logs out and releases everything.
func startSession(ctx context.Context, cfg *swapsync.Config, log *zap.Logger, polling bool) (*swapsync.Session, func(), error) {
	if cfg.Auth.UserID == "" {
		return nil, nil, errors.New("no user id. Run 'swapsync config set auth.user_id <id>' first")
	}
	client := getClient(cfg, log)
	f, err := openSource(ctx, cfg, client, log)
	if err != nil {
		return nil, nil, err
	}

	opts := &swapsync.SessionOptions{
		UserID:         cfg.Auth.UserID,
		Realtime:       cfg.RealtimeConfig(),
		Logger:         log,
		DisablePolling: !polling,
		Beacon:         f.beacon,
	}

	sess, err := swapsync.Login(ctx, client, f.source, opts)
	if err != nil {
		f.close()
		return nil, nil, err
	}
	return sess, func() {
		sess.Logout()
		f.close()
	}, nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
