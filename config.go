package swapsync

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Realtime configuration
// ============================================================================

// BackoffMode selects how retry delays grow.
type BackoffMode string

const (
	// BackoffExponential doubles from the failure floor with jitter, capped.
	BackoffExponential BackoffMode = "exponential"
	// BackoffFixed always waits the failure floor.
	BackoffFixed BackoffMode = "fixed"
)

// RealtimeConfig configures subscriptions, retries and presence.
type RealtimeConfig struct {
	Backoff BackoffMode
	// ChannelErrorDelay is the retry floor after an established feed drops.
	ChannelErrorDelay time.Duration
	// SetupErrorDelay is the retry floor after a failed handshake.
	SetupErrorDelay   time.Duration
	ReconnectMaxDelay time.Duration
	// MaxRetryAttempts bounds consecutive retries; zero retries forever.
	MaxRetryAttempts  int
	HandshakeTimeout  time.Duration
	HealthyResetAfter time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PresenceHeartbeat time.Duration
	MaxMessageLength  int
}

func (c *RealtimeConfig) defaults() {
	if c.Backoff == "" {
		c.Backoff = BackoffExponential
	}
	if c.ChannelErrorDelay == 0 {
		c.ChannelErrorDelay = 5 * time.Second
	}
	if c.SetupErrorDelay == 0 {
		c.SetupErrorDelay = 10 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 2 * time.Minute
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HealthyResetAfter == 0 {
		c.HealthyResetAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PresenceHeartbeat == 0 {
		c.PresenceHeartbeat = 60 * time.Second
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = 4000
	}
}

// ============================================================================
// File configuration
// ============================================================================

// Duration is a time.Duration read from strings like "5s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Config is the on-disk configuration.
type Config struct {
	Store    StoreConfig  `toml:"store"`
	Auth     AuthConfig   `toml:"auth"`
	Source   SourceConfig `toml:"source"`
	Realtime RealtimeTOML `toml:"realtime"`
	Log      LogConfig    `toml:"log"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout,omitempty"`
}

// AuthConfig holds the session identity.
type AuthConfig struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// SourceConfig selects the event source.
type SourceConfig struct {
	// Kind is one of websocket, redis, nats.
	Kind      string `toml:"kind"`
	URL       string `toml:"url,omitempty"`
	RedisAddr string `toml:"redis_addr,omitempty"`
	RedisDB   int    `toml:"redis_db,omitempty"`
	NATSURL   string `toml:"nats_url,omitempty"`
}

// RealtimeTOML mirrors RealtimeConfig with text durations.
type RealtimeTOML struct {
	Backoff           string   `toml:"backoff,omitempty"`
	ChannelErrorDelay Duration `toml:"channel_error_delay,omitempty"`
	SetupErrorDelay   Duration `toml:"setup_error_delay,omitempty"`
	ReconnectMaxDelay Duration `toml:"reconnect_max_delay,omitempty"`
	MaxRetryAttempts  int      `toml:"max_retry_attempts,omitempty"`
	HandshakeTimeout  Duration `toml:"handshake_timeout,omitempty"`
	PollInterval      Duration `toml:"poll_interval,omitempty"`
	PresenceHeartbeat Duration `toml:"presence_heartbeat,omitempty"`
	MaxMessageLength  int      `toml:"max_message_length,omitempty"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Dir   string `toml:"dir,omitempty"`
	Debug bool   `toml:"debug,omitempty"`
}

// RealtimeConfig converts the file section, leaving zero values to defaults.
func (c *Config) RealtimeConfig() *RealtimeConfig {
	r := c.Realtime
	cfg := &RealtimeConfig{
		Backoff:           BackoffMode(r.Backoff),
		ChannelErrorDelay: time.Duration(r.ChannelErrorDelay),
		SetupErrorDelay:   time.Duration(r.SetupErrorDelay),
		ReconnectMaxDelay: time.Duration(r.ReconnectMaxDelay),
		MaxRetryAttempts:  r.MaxRetryAttempts,
		HandshakeTimeout:  time.Duration(r.HandshakeTimeout),
		PollInterval:      time.Duration(r.PollInterval),
		PresenceHeartbeat: time.Duration(r.PresenceHeartbeat),
		MaxMessageLength:  r.MaxMessageLength,
	}
	cfg.defaults()
	return cfg
}

// Validate checks fields that have no usable default.
func (c *Config) Validate() error {
	switch BackoffMode(c.Realtime.Backoff) {
	case "", BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff %q (valid: exponential, fixed)", c.Realtime.Backoff)
	}
	switch c.Source.Kind {
	case "", "websocket", "redis", "nats":
	default:
		return fmt.Errorf("unknown source kind %q (valid: websocket, redis, nats)", c.Source.Kind)
	}
	return nil
}

// LoadConfig reads a TOML config file. A missing file yields a zero Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
