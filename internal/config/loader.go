package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CALSYNC_SCHEDULER_WORKERS.
const EnvPrefix = "CALSYNC"

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty or missing), then CALSYNC_* environment variables.
// v may carry bound command-line flags; nil uses a fresh instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := readFile(v, path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return v.ReadInConfig()
}

// setDefaults registers every key so environment variables can override
// values absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.queue_size", d.Scheduler.QueueSize)

	v.SetDefault("sync.initial_lookback", d.Sync.InitialLookback)
	v.SetDefault("sync.overlap", d.Sync.Overlap)
	v.SetDefault("sync.default_interval_min", d.Sync.DefaultIntervalMin)

	v.SetDefault("auth.refresh_margin", d.Auth.RefreshMargin)
	v.SetDefault("auth.signing_secret", d.Auth.SigningSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)

	v.SetDefault("webhook.base_url", d.Webhook.BaseURL)
	v.SetDefault("webhook.renew_before", d.Webhook.RenewBefore)

	v.SetDefault("google.client_id", d.Google.ClientID)
	v.SetDefault("google.client_secret", d.Google.ClientSecret)
	v.SetDefault("google.redirect_url", d.Google.RedirectURL)
	v.SetDefault("google.requests_per_second", d.Google.RequestsPerSecond)
	v.SetDefault("google.burst", d.Google.Burst)

	v.SetDefault("ics.timeout", d.ICS.Timeout)
}
