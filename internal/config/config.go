// Package config loads buildplane configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	BroadcastDriverRedis  = "redis"
	BroadcastDriverMemory = "memory"
)

// Config holds all configuration values for the application.
type Config struct {
	DatabaseURL     string `mapstructure:"database_url"`
	StoreDriver     string `mapstructure:"store_driver"`
	HTTPPort        int    `mapstructure:"http_port"`
	LogLevel        string `mapstructure:"log_level"`
	OTELEndpoint    string `mapstructure:"otel_endpoint"`
	BroadcastDriver string `mapstructure:"broadcast_driver"`
	RedisURL        string `mapstructure:"redis_url"`

	// StoreTimeout bounds each store call made while serving a request.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	// CallbackURL is the public URL of the webhook endpoint, sent with every dispatch.
	CallbackURL string `mapstructure:"callback_url"`

	// WebhookSecret authenticates the build system's callbacks.
	WebhookSecret string `mapstructure:"webhook_secret"`

	// AdminSecret guards user provisioning. Empty disables the admin routes.
	AdminSecret string `mapstructure:"admin_secret"`

	// GrantSecret signs presence-channel grants.
	GrantSecret string        `mapstructure:"grant_secret"`
	GrantTTL    time.Duration `mapstructure:"grant_ttl"`

	BuildSystem BuildSystem `mapstructure:"build_system"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	Sweeps      Sweeps      `mapstructure:"sweeps"`
}

// BuildSystem configures the outbound dispatch client.
type BuildSystem struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint          `mapstructure:"max_retries"`
}

// RateLimit is the per-tenant token bucket for user-facing routes.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Sweeps configures the periodic reconcilers.
type Sweeps struct {
	// Enabled runs the sweeps inside the controller process.
	Enabled          bool          `mapstructure:"enabled"`
	PresenceInterval time.Duration `mapstructure:"presence_interval"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`
	// StuckJobTimeout fails jobs without a terminal callback after this long. Zero disables it.
	StuckJobTimeout  time.Duration `mapstructure:"stuck_job_timeout"`
	StuckJobInterval time.Duration `mapstructure:"stuck_job_interval"`
}

var envBindings = map[string]string{
	"database_url":              "DATABASE_URL",
	"store_driver":              "STORE_DRIVER",
	"http_port":                 "PORT",
	"log_level":                 "LOG_LEVEL",
	"store_timeout":             "STORE_TIMEOUT",
	"otel_endpoint":             "OTEL_EXPORTER_OTLP_ENDPOINT",
	"broadcast_driver":          "BROADCAST_DRIVER",
	"redis_url":                 "REDIS_URL",
	"callback_url":              "CALLBACK_URL",
	"webhook_secret":            "WEBHOOK_SECRET",
	"admin_secret":              "ADMIN_SECRET",
	"grant_secret":              "GRANT_SECRET",
	"grant_ttl":                 "GRANT_TTL",
	"build_system.url":          "BUILD_SYSTEM_URL",
	"build_system.token":        "BUILD_SYSTEM_TOKEN",
	"build_system.timeout":      "BUILD_SYSTEM_TIMEOUT",
	"build_system.max_retries":  "BUILD_SYSTEM_MAX_RETRIES",
	"rate_limit.rps":            "RATE_LIMIT_RPS",
	"rate_limit.burst":          "RATE_LIMIT_BURST",
	"sweeps.enabled":            "SWEEPS_ENABLED",
	"sweeps.presence_interval":  "SWEEPS_PRESENCE_INTERVAL",
	"sweeps.stale_threshold":    "SWEEPS_STALE_THRESHOLD",
	"sweeps.stuck_job_timeout":  "SWEEPS_STUCK_JOB_TIMEOUT",
	"sweeps.stuck_job_interval": "SWEEPS_STUCK_JOB_INTERVAL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("store_driver", StoreDriverPostgres)
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("broadcast_driver", BroadcastDriverRedis)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("callback_url", "http://localhost:6161/webhooks/builds")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("admin_secret", "")
	v.SetDefault("grant_secret", "")
	v.SetDefault("grant_ttl", 10*time.Minute)
	v.SetDefault("build_system.url", "")
	v.SetDefault("build_system.token", "")
	v.SetDefault("build_system.timeout", 30*time.Second)
	v.SetDefault("build_system.max_retries", 4)
	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("sweeps.enabled", true)
	v.SetDefault("sweeps.presence_interval", 60*time.Second)
	v.SetDefault("sweeps.stale_threshold", 120*time.Second)
	v.SetDefault("sweeps.stuck_job_timeout", time.Duration(0))
	v.SetDefault("sweeps.stuck_job_interval", 5*time.Minute)
}

// Load reads configuration from path (or ./buildplane.yaml when path is empty
// and the file exists) and the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("buildplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every buildplane process needs.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required (env: DATABASE_URL)")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("invalid store_driver %q (want %s or %s)", c.StoreDriver, StoreDriverPostgres, StoreDriverMemory)
	}

	switch c.BroadcastDriver {
	case BroadcastDriverRedis:
		if c.RedisURL == "" {
			return errors.New("redis_url is required (env: REDIS_URL)")
		}
	case BroadcastDriverMemory:
	default:
		return fmt.Errorf("invalid broadcast_driver %q (want %s or %s)", c.BroadcastDriver, BroadcastDriverRedis, BroadcastDriverMemory)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}

	if c.StoreTimeout <= 0 {
		return errors.New("store_timeout must be positive")
	}

	s := c.Sweeps
	if s.PresenceInterval <= 0 {
		return errors.New("sweeps.presence_interval must be positive")
	}
	if s.StaleThreshold < s.PresenceInterval {
		return fmt.Errorf("sweeps.stale_threshold (%s) must not be shorter than sweeps.presence_interval (%s)", s.StaleThreshold, s.PresenceInterval)
	}
	if s.StuckJobTimeout < 0 {
		return errors.New("sweeps.stuck_job_timeout must not be negative")
	}
	if s.StuckJobTimeout > 0 && s.StuckJobInterval <= 0 {
		return errors.New("sweeps.stuck_job_interval must be positive when stuck job expiry is enabled")
	}
	return nil
}

// ValidateController checks the settings only the API server needs.
func (c *Config) ValidateController() error {
	if c.BuildSystem.URL == "" {
		return errors.New("build_system.url is required (env: BUILD_SYSTEM_URL)")
	}
	if c.WebhookSecret == "" {
		return errors.New("webhook_secret is required (env: WEBHOOK_SECRET)")
	}
	if c.GrantSecret == "" {
		return errors.New("grant_secret is required (env: GRANT_SECRET)")
	}
	if c.GrantTTL <= 0 {
		return errors.New("grant_ttl must be positive")
	}
	if c.BuildSystem.Timeout <= 0 {
		return errors.New("build_system.timeout must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}
