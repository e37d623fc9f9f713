package swapsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[store]
base_url = "https://api.example.com"
timeout = "15s"

[auth]
token = "tok"
user_id = "u1"

[source]
kind = "redis"
redis_addr = "localhost:6379"
redis_db = 2

[realtime]
backoff = "fixed"
channel_error_delay = "3s"
poll_interval = "1m"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Store.BaseURL)
	assert.Equal(t, Duration(15*time.Second), cfg.Store.Timeout)
	assert.Equal(t, "u1", cfg.Auth.UserID)
	assert.Equal(t, "redis", cfg.Source.Kind)
	assert.Equal(t, 2, cfg.Source.RedisDB)

	rt := cfg.RealtimeConfig()
	assert.Equal(t, BackoffFixed, rt.Backoff)
	assert.Equal(t, 3*time.Second, rt.ChannelErrorDelay)
	assert.Equal(t, 10*time.Second, rt.SetupErrorDelay)
	assert.Equal(t, time.Minute, rt.PollInterval)
	assert.Equal(t, 4000, rt.MaxMessageLength)
}

func TestLoadConfigRejectsUnknownValues(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "backoff.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[realtime]\nbackoff = \"linear\"\n"), 0o600))
	_, err := LoadConfig(bad)
	assert.ErrorContains(t, err, "unknown backoff")

	bad = filepath.Join(dir, "source.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[source]\nkind = \"kafka\"\n"), 0o600))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "unknown source kind")

	bad = filepath.Join(dir, "duration.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[realtime]\npoll_interval = \"soon\"\n"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := &Config{}
	cfg.Auth.Token = "tok"
	cfg.Realtime.SetupErrorDelay = Duration(20 * time.Second)

	require.NoError(t, SaveConfig(path, cfg))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `setup_error_delay = ['"]20s['"]`, string(data))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestRealtimeDefaults(t *testing.T) {
	rt := (&Config{}).RealtimeConfig()
	assert.Equal(t, BackoffExponential, rt.Backoff)
	assert.Equal(t, 5*time.Second, rt.ChannelErrorDelay)
	assert.Equal(t, 10*time.Second, rt.SetupErrorDelay)
	assert.Equal(t, 2*time.Minute, rt.ReconnectMaxDelay)
	assert.Zero(t, rt.MaxRetryAttempts)
	assert.Equal(t, 60*time.Second, rt.PresenceHeartbeat)
}
