package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 0.2, cfg.OAuth.TPS)
	assert.Equal(t, 3, cfg.Gemini.RetryMaxTimes)
	assert.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-flash"}, cfg.Models.List)
	assert.Equal(t, 30*time.Second, cfg.Cooldown.Base)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "free", cfg.Models.DefaultTier)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pollux.yaml")
	data := []byte(`
oauth:
  tps: 1.5
  refresh_concurrency: 8
models:
  list: ["gemini-2.5-pro"]
  default_tier: paid
cooldown:
  base: 10s
  cap: 5m
  sweep_interval: 1s
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1.5, cfg.OAuth.TPS)
	assert.Equal(t, 8, cfg.OAuth.RefreshConcurrency)
	assert.Equal(t, []string{"gemini-2.5-pro"}, cfg.Models.List)
	assert.Equal(t, "paid", cfg.Models.DefaultTier)
	assert.Equal(t, 10*time.Second, cfg.Cooldown.Base)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OAUTH_TPS", "2.5")
	t.Setenv("GEMINI_RETRY_MAX_TIMES", "5")
	t.Setenv("MODEL_LIST", "a, b ,c")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.OAuth.TPS)
	assert.Equal(t, 5, cfg.Gemini.RetryMaxTimes)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Models.List)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("OAUTH_TPS", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero tps",
			mutate:  func(c *Config) { c.OAuth.TPS = 0 },
			wantErr: "oauth.tps",
		},
		{
			name:    "empty model list",
			mutate:  func(c *Config) { c.Models.List = nil },
			wantErr: "models.list",
		},
		{
			name:    "duplicate model",
			mutate:  func(c *Config) { c.Models.List = []string{"m", "m"} },
			wantErr: "duplicate",
		},
		{
			name:    "cap below base",
			mutate:  func(c *Config) { c.Cooldown.Cap = time.Second; c.Cooldown.Base = time.Minute },
			wantErr: "cooldown",
		},
		{
			name:    "zero upstream retries",
			mutate:  func(c *Config) { c.Gemini.RetryMaxTimes = 0 },
			wantErr: "gemini.retry_max_times",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
