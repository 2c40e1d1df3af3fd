package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airdrop-automation/ratelimit"
)

func TestLoadConfig_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	d := Default()
	assert.Equal(t, d.Browser, cfg.Browser)
	assert.Equal(t, d.Limits, cfg.Limits)
	assert.Equal(t, d.Challenge.Detector(), cfg.Challenge.Detector())
	assert.Equal(t, "sqlite", cfg.Storage.Type)

	again, err := LoadConfig(path)
	require.NoError(t, err, "the written file loads back")
	assert.Equal(t, cfg, again)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  headless: true
  tab_timeout: 4s
limits:
  actions:
    like:
      delay: 1m
      hourly: 2
      daily: 5
logging:
  format: json
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 4*time.Second, cfg.Browser.TabTimeout)
	assert.Equal(t, 30*time.Second, cfg.Browser.LaunchTimeout)
	assert.Equal(t, ratelimit.Limit{Delay: time.Minute, Hourly: 2, Daily: 5}, cfg.Limits.Actions[ratelimit.ActionLike])
	assert.Equal(t, ratelimit.DefaultConfig().Actions[ratelimit.ActionFollow], cfg.Limits.Actions[ratelimit.ActionFollow])
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("AIRDROP_LOGGING_LEVEL", "debug")
	t.Setenv("AIRDROP_WALLET_PASSWORD", "s3cret")
	t.Setenv("AIRDROP_CHALLENGE_ATTEMPTS", "9")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "s3cret", cfg.Wallet.Password)
	assert.Equal(t, 9, cfg.Challenge.Attempts)
}

func TestLoadConfig_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg, err := LoadConfig("~/airdrop/config.yaml")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, "airdrop", "config.yaml"))
	assert.Equal(t, filepath.Join("data", "airdrop.db"), cfg.Storage.Path, "relative paths stay relative")

	t.Setenv("AIRDROP_STORAGE_PATH", "~/db/runs.db")
	cfg, err = LoadConfig("~/airdrop/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "db", "runs.db"), cfg.Storage.Path)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"storage type", "storage:\n  type: postgres\n"},
		{"delays", "stealth:\n  min_delay: 3s\n  max_delay: 1s\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"hourly above daily", "limits:\n  actions:\n    post:\n      hourly: 50\n      daily: 10\n"},
		{"challenge attempts", "challenge:\n  attempts: 0\n"},
		{"action timeout", "browser:\n  action_timeout: 0s\n"},
		{"malformed", "browser: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}
