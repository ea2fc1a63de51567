// Package config loads the service configuration.
package config

import (
	"fmt"
	"time"
)

// Config represents the full service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Webhook   WebhookConfig   `yaml:"webhook" mapstructure:"webhook"`
	Google    GoogleConfig    `yaml:"google" mapstructure:"google"`
	ICS       ICSConfig       `yaml:"ics" mapstructure:"ics"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	StaticDir       string        `yaml:"static_dir" mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SchedulerConfig configures the sync scheduler
type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick" mapstructure:"tick"`
	Workers   int           `yaml:"workers" mapstructure:"workers"`
	QueueSize int           `yaml:"queue_size" mapstructure:"queue_size"`
}

// SyncConfig configures reconciliation passes
type SyncConfig struct {
	InitialLookback    time.Duration `yaml:"initial_lookback" mapstructure:"initial_lookback"`
	Overlap            time.Duration `yaml:"overlap" mapstructure:"overlap"`
	DefaultIntervalMin int           `yaml:"default_interval_min" mapstructure:"default_interval_min"`
}

// AuthConfig configures credential refresh and token signing
type AuthConfig struct {
	RefreshMargin time.Duration `yaml:"refresh_margin" mapstructure:"refresh_margin"`
	SigningSecret string        `yaml:"signing_secret" mapstructure:"signing_secret"`
	Issuer        string        `yaml:"issuer" mapstructure:"issuer"`
}

// WebhookConfig configures push notification channels
type WebhookConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	RenewBefore time.Duration `yaml:"renew_before" mapstructure:"renew_before"`
}

// GoogleConfig configures the Google Calendar provider
type GoogleConfig struct {
	ClientID          string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret      string  `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURL       string  `yaml:"redirect_url" mapstructure:"redirect_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// ICSConfig configures iCal feed fetching
type ICSConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8099",
			StaticDir:       "./static",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/calsync.db",
		},
		Scheduler: SchedulerConfig{
			Tick:      time.Minute,
			Workers:   4,
			QueueSize: 256,
		},
		Sync: SyncConfig{
			InitialLookback:    720 * time.Hour,
			Overlap:            5 * time.Minute,
			DefaultIntervalMin: 15,
		},
		Auth: AuthConfig{
			RefreshMargin: 5 * time.Minute,
			Issuer:        "calsync",
		},
		Webhook: WebhookConfig{
			RenewBefore: 24 * time.Hour,
		},
		Google: GoogleConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		ICS: ICSConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// GoogleEnabled reports whether Google credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

// Validate checks values that would make the service misbehave.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Scheduler.Tick < time.Second {
		return fmt.Errorf("scheduler.tick must be at least 1s")
	}
	if c.Sync.DefaultIntervalMin < 1 {
		return fmt.Errorf("sync.default_interval_min must be at least 1")
	}
	if c.Sync.Overlap < 0 {
		return fmt.Errorf("sync.overlap must not be negative")
	}
	if c.Webhook.BaseURL != "" && c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required when webhook.base_url is set")
	}
	return nil
}
