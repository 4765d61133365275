// =============================================================================
// 📦 Pollux 配置加载器 / configuration loader
// =============================================================================
// Unified configuration loading: defaults → YAML file → environment overrides.
//
// Usage:
//
//	cfg, err := config.Load("pollux.yaml")
//
// Environment variables override the file for operational knobs
// (OAUTH_TPS, GEMINI_RETRY_MAX_TIMES, MODEL_LIST, ...).
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pollux configuration.
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server"`

	// OAuth identity-provider call configuration.
	OAuth OAuthConfig `yaml:"oauth"`

	// Gemini upstream call configuration.
	Gemini GeminiConfig `yaml:"gemini"`

	// Models supported model catalog.
	Models ModelsConfig `yaml:"models"`

	// Cooldown rate-limit cooldown tuning.
	Cooldown CooldownConfig `yaml:"cooldown"`

	// Database credential storage.
	Database DatabaseConfig `yaml:"database"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds the HTTP front-end configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ClientRPS rate-limits inbound callers per remote address.
	ClientRPS   float64 `yaml:"client_rps"`
	ClientBurst int     `yaml:"client_burst"`
}

// OAuthConfig tunes identity-provider calls and the refresh pipeline.
type OAuthConfig struct {
	// TPS is the global ceiling on identity-provider calls per second.
	// Env override: OAUTH_TPS.
	TPS float64 `yaml:"tps"`
	// RetryMaxTimes bounds attempts per refresh/entitlement call.
	RetryMaxTimes int `yaml:"retry_max_times"`
	// RefreshConcurrency is the number of pipeline workers.
	RefreshConcurrency int `yaml:"refresh_concurrency"`
	// RefreshAhead renews tokens expiring within this window.
	RefreshAhead time.Duration `yaml:"refresh_ahead"`
	// MaxJobAge requeues refresh jobs stuck in flight longer than this.
	MaxJobAge time.Duration `yaml:"max_job_age"`
	// BackoffBase / BackoffMax bound the retry delay between attempts.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	// Timeout is the per-call HTTP timeout against the identity provider.
	Timeout time.Duration `yaml:"timeout"`
}

// GeminiConfig tunes upstream generative-model calls.
type GeminiConfig struct {
	// RetryMaxTimes bounds attempts per upstream call.
	// Env override: GEMINI_RETRY_MAX_TIMES.
	RetryMaxTimes int           `yaml:"retry_max_times"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	// Timeout is the per-attempt timeout, shorter than the request deadline.
	Timeout     time.Duration `yaml:"timeout"`
	GenerateURL string        `yaml:"generate_url"`
	StreamURL   string        `yaml:"stream_url"`
}

// ModelsConfig is the supported model catalog and tier defaults.
type ModelsConfig struct {
	// List is the ordered set of supported model identifiers.
	// Env override: MODEL_LIST (comma separated).
	List []string `yaml:"list"`
	// DefaultTier is applied when entitlement lookup reports no tier.
	DefaultTier string `yaml:"default_tier"`
}

// CooldownConfig tunes rate-limit cooldown growth and reclamation.
type CooldownConfig struct {
	// Base cooldown; doubles per consecutive failure up to Cap.
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
	// SweepInterval drives the periodic reclamation sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig locates the sqlite credential store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns the built-in defaults applied before file and env loading.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			ClientRPS:       20,
			ClientBurst:     40,
		},
		OAuth: OAuthConfig{
			TPS:                0.2,
			RetryMaxTimes:      3,
			RefreshConcurrency: 4,
			RefreshAhead:       5 * time.Minute,
			MaxJobAge:          2 * time.Minute,
			BackoffBase:        1 * time.Second,
			BackoffMax:         3 * time.Second,
			Timeout:            15 * time.Second,
		},
		Gemini: GeminiConfig{
			RetryMaxTimes: 3,
			BackoffBase:   1 * time.Second,
			BackoffMax:    30 * time.Second,
			Timeout:       60 * time.Second,
			GenerateURL:   "https://cloudcode-pa.googleapis.com/v1internal:generateContent",
			StreamURL:     "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent",
		},
		Models: ModelsConfig{
			List:        []string{"gemini-2.5-pro", "gemini-2.5-flash"},
			DefaultTier: "free",
		},
		Cooldown: CooldownConfig{
			Base:          30 * time.Second,
			Cap:           30 * time.Minute,
			SweepInterval: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "pollux.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies operational environment overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("OAUTH_TPS"); v != "" {
		tps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid OAUTH_TPS %q: %w", v, err)
		}
		c.OAuth.TPS = tps
	}
	if v := os.Getenv("GEMINI_RETRY_MAX_TIMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GEMINI_RETRY_MAX_TIMES %q: %w", v, err)
		}
		c.Gemini.RetryMaxTimes = n
	}
	if v := os.Getenv("MODEL_LIST"); v != "" {
		parts := strings.Split(v, ",")
		models := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				models = append(models, p)
			}
		}
		c.Models.List = models
	}
	if v := os.Getenv("POLLUX_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("POLLUX_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("POLLUX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.OAuth.TPS <= 0 {
		return fmt.Errorf("oauth.tps must be positive, got %v", c.OAuth.TPS)
	}
	if c.OAuth.RetryMaxTimes < 1 {
		return fmt.Errorf("oauth.retry_max_times must be at least 1")
	}
	if c.OAuth.RefreshConcurrency < 1 {
		return fmt.Errorf("oauth.refresh_concurrency must be at least 1")
	}
	if c.Gemini.RetryMaxTimes < 1 {
		return fmt.Errorf("gemini.retry_max_times must be at least 1")
	}
	if len(c.Models.List) == 0 {
		return fmt.Errorf("models.list must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Models.List))
	for _, m := range c.Models.List {
		if _, dup := seen[m]; dup {
			return fmt.Errorf("models.list contains duplicate %q", m)
		}
		seen[m] = struct{}{}
	}
	if c.Cooldown.Base <= 0 || c.Cooldown.Cap < c.Cooldown.Base {
		return fmt.Errorf("cooldown base/cap invalid: base=%v cap=%v", c.Cooldown.Base, c.Cooldown.Cap)
	}
	if c.Cooldown.SweepInterval <= 0 {
		return fmt.Errorf("cooldown.sweep_interval must be positive")
	}
	return nil
}
