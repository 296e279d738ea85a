// Package config loads bridge configuration from the environment (and an
// optional YAML file), with validation. Configuration errors are fatal at
// startup; nothing else in the process retries them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultDataDir         = "/data/replica"
	DefaultSyncTimeout     = 30 * time.Second
	DefaultMinSyncInterval = 10 * time.Second
	DefaultListenAddr      = ":8080"
	DefaultTimezone        = "Europe/Zurich"
)

// Config is the immutable runtime configuration. The coordinator and
// server treat it as read-only for their lifetime.
type Config struct {
	SyncServerURL    string
	ClientID         string
	EncryptionSecret string

	DataDir         string
	SyncTimeout     time.Duration
	MinSyncInterval time.Duration

	AuthSecret string
	ListenAddr string

	// RefreshInterval enables the background refresher when > 0.
	RefreshInterval time.Duration

	// Timezone used when rendering timestamps in API responses.
	Timezone *time.Location

	// LogFile enables rotating file logging when non-empty.
	LogFile string
}

// RequiresAuth reports whether API requests must carry a bearer token.
func (c *Config) RequiresAuth() bool {
	return c.AuthSecret != ""
}

// Load reads configuration from the environment, optionally layered over
// a YAML config file. Environment variables win over file values.
//
// Required: TASKCHAMPION_SYNC_SERVER_URL, TASKCHAMPION_CLIENT_ID,
// TASKCHAMPION_ENCRYPTION_SECRET.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("DATA_DIR", DefaultDataDir)
	v.SetDefault("SYNC_TIMEOUT_SECONDS", int(DefaultSyncTimeout/time.Second))
	v.SetDefault("MIN_SYNC_INTERVAL_SECONDS", int(DefaultMinSyncInterval/time.Second))
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("LISTEN_ADDR", DefaultListenAddr)
	v.SetDefault("REFRESH_INTERVAL_SECONDS", 0)
	v.SetDefault("DISPLAY_TIMEZONE", DefaultTimezone)
	v.SetDefault("LOG_FILE", "")

	for _, key := range []string{
		"TASKCHAMPION_SYNC_SERVER_URL",
		"TASKCHAMPION_CLIENT_ID",
		"TASKCHAMPION_ENCRYPTION_SECRET",
		"DATA_DIR",
		"SYNC_TIMEOUT_SECONDS",
		"MIN_SYNC_INTERVAL_SECONDS",
		"AUTH_SECRET",
		"LISTEN_ADDR",
		"REFRESH_INTERVAL_SECONDS",
		"DISPLAY_TIMEZONE",
		"LOG_FILE",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		SyncServerURL:    v.GetString("TASKCHAMPION_SYNC_SERVER_URL"),
		ClientID:         v.GetString("TASKCHAMPION_CLIENT_ID"),
		EncryptionSecret: v.GetString("TASKCHAMPION_ENCRYPTION_SECRET"),
		DataDir:          v.GetString("DATA_DIR"),
		SyncTimeout:      time.Duration(v.GetInt("SYNC_TIMEOUT_SECONDS")) * time.Second,
		MinSyncInterval:  time.Duration(v.GetInt("MIN_SYNC_INTERVAL_SECONDS")) * time.Second,
		AuthSecret:       v.GetString("AUTH_SECRET"),
		ListenAddr:       v.GetString("LISTEN_ADDR"),
		RefreshInterval:  time.Duration(v.GetInt("REFRESH_INTERVAL_SECONDS")) * time.Second,
		LogFile:          v.GetString("LOG_FILE"),
	}

	if err := cfg.validate(v.GetString("DISPLAY_TIMEZONE")); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	return cfg, nil
}

func (c *Config) validate(tzName string) error {
	if c.SyncServerURL == "" {
		return fmt.Errorf("TASKCHAMPION_SYNC_SERVER_URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("TASKCHAMPION_CLIENT_ID is required")
	}
	if c.EncryptionSecret == "" {
		return fmt.Errorf("TASKCHAMPION_ENCRYPTION_SECRET is required")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT_SECONDS must be positive")
	}
	if c.MinSyncInterval < 0 {
		return fmt.Errorf("MIN_SYNC_INTERVAL_SECONDS must be non-negative")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("REFRESH_INTERVAL_SECONDS must be non-negative")
	}

	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", tzName, err)
	}
	c.Timezone = tz

	return nil
}
