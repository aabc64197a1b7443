// Package config loads the service configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Values load from YAML and can
// be overridden with PLANWEAVE_SECTION_KEY environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Session  SessionConfig  `yaml:"session"`
	Store    StoreConfig    `yaml:"store"`
	Device   DeviceConfig   `yaml:"device"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// OAuthConfig contains the identity-provider settings. With Enabled false the
// service runs against a local demo identity and never calls a provider.
type OAuthConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Google         ProviderConfig `yaml:"google"`
	Apple          ProviderConfig `yaml:"apple"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
}

// ProviderConfig contains one provider's OAuth client credentials.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// SessionConfig tunes token rotation and record retention.
type SessionConfig struct {
	RefreshThresholdSeconds int `yaml:"refresh_threshold_seconds"`
	CheckIntervalSeconds    int `yaml:"check_interval_seconds"`
	ExpiredRetrySeconds     int `yaml:"expired_retry_seconds"`
	RetentionDays           int `yaml:"retention_days"`
	CleanupIntervalMinutes  int `yaml:"cleanup_interval_minutes"`
}

// StoreConfig contains the encrypted token store settings.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// DeviceConfig identifies this installation in session records.
type DeviceConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	UserAgent string `yaml:"user_agent"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. Order: defaults, then file, then environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		OAuth: OAuthConfig{
			TimeoutSeconds: 15,
		},
		Session: SessionConfig{
			RefreshThresholdSeconds: 300,
			CheckIntervalSeconds:    60,
			ExpiredRetrySeconds:     30,
			RetentionDays:           30,
			CleanupIntervalMinutes:  60,
		},
		Store: StoreConfig{
			Path: "./data/tokens.enc",
		},
		Device: DeviceConfig{
			Name:      "planweave",
			UserAgent: "planweave-auth",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyEnvOverrides applies PLANWEAVE_* environment variables on top of the
// file values. Secrets are expected to arrive this way in production.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANWEAVE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PLANWEAVE_OAUTH_GOOGLE_CLIENT_ID"); v != "" {
		cfg.OAuth.Google.ClientID = v
	}
	if v := os.Getenv("PLANWEAVE_OAUTH_GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.Google.ClientSecret = v
	}
	if v := os.Getenv("PLANWEAVE_OAUTH_APPLE_CLIENT_ID"); v != "" {
		cfg.OAuth.Apple.ClientID = v
	}
	if v := os.Getenv("PLANWEAVE_OAUTH_APPLE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.Apple.ClientSecret = v
	}
	if v := os.Getenv("PLANWEAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PLANWEAVE_STORE_SECRET"); v != "" {
		cfg.Store.Secret = v
	}
	if v := os.Getenv("PLANWEAVE_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var problems []string

	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	const minStoreSecretLength = 16
	if c.Store.Secret == "" {
		problems = append(problems, "store.secret is required (set PLANWEAVE_STORE_SECRET)")
	} else if len(c.Store.Secret) < minStoreSecretLength {
		problems = append(problems, "store.secret must be at least 16 characters")
	}
	if c.OAuth.Enabled {
		if c.OAuth.Google.ClientID == "" && c.OAuth.Apple.ClientID == "" {
			problems = append(problems, "oauth.enabled requires at least one provider client_id")
		}
	}
	if c.Session.RefreshThresholdSeconds <= 0 {
		problems = append(problems, "session.refresh_threshold_seconds must be positive")
	}
	if c.Session.RetentionDays <= 0 {
		problems = append(problems, "session.retention_days must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OAuthTimeout returns the provider call timeout as a Duration.
func (c *Config) OAuthTimeout() time.Duration {
	return time.Duration(c.OAuth.TimeoutSeconds) * time.Second
}

// RefreshThreshold returns the proactive-refresh threshold as a Duration.
func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.Session.RefreshThresholdSeconds) * time.Second
}

// CheckInterval returns the rotation-loop check interval as a Duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Session.CheckIntervalSeconds) * time.Second
}

// ExpiredRetry returns the post-expiry retry interval as a Duration.
func (c *Config) ExpiredRetry() time.Duration {
	return time.Duration(c.Session.ExpiredRetrySeconds) * time.Second
}

// Retention returns how long revoked sessions are kept, as a Duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Session.RetentionDays) * 24 * time.Hour
}

// CleanupInterval returns the maintenance sweep interval as a Duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalMinutes) * time.Minute
}
