// Package config handles loading and validation of application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	TeamSpeak TeamSpeakConfig `yaml:"teamspeak"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Store     StoreConfig     `yaml:"store"`
	Backup    BackupConfig    `yaml:"backup"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token" env:"JOINTRACKER_DISCORD_TOKEN"`
}

// TeamSpeakConfig holds TeamSpeak ServerQuery connection settings.
type TeamSpeakConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	QueryPort    int           `yaml:"query_port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password" env:"JOINTRACKER_TEAMSPEAK_PASSWORD"`
	ServerID     int           `yaml:"server_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TrackerConfig holds presence accounting settings.
type TrackerConfig struct {
	SoloTimeout   time.Duration `yaml:"solo_timeout"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	HistoryLimit  int           `yaml:"history_limit"`
}

// StoreConfig selects where guild snapshots live.
type StoreConfig struct {
	Driver string `yaml:"driver"` // file, sqlite, postgres or memory
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn" env:"JOINTRACKER_STORE_DSN"`
}

// BackupConfig holds remote backup settings.
type BackupConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"base_url" env:"JOINTRACKER_BACKUP_BASE_URL"`
	APIKey         string        `yaml:"api_key" env:"JOINTRACKER_BACKUP_API_KEY"`
	Schedule       string        `yaml:"schedule"`
	Timeout        time.Duration `yaml:"timeout"`
	RestoreOnStart bool          `yaml:"restore_on_start"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // Optional, rotated
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{
			Enabled: true,
		},
		TeamSpeak: TeamSpeakConfig{
			QueryPort:    10011,
			Username:     "serveradmin",
			ServerID:     1,
			PollInterval: 5 * time.Second,
		},
		Tracker: TrackerConfig{
			SoloTimeout:   10 * time.Minute,
			FlushInterval: 30 * time.Second,
			HistoryLimit:  1000,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   "data",
		},
		Backup: BackupConfig{
			Schedule:       "@every 24h",
			Timeout:        30 * time.Second,
			RestoreOnStart: true,
		},
		HTTP: HTTPConfig{
			Listen: ":9090",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// Load reads and parses the configuration from the given file path, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if !c.Discord.Enabled && !c.TeamSpeak.Enabled {
		return fmt.Errorf("at least one of discord or teamspeak must be enabled")
	}

	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}

	if c.TeamSpeak.Enabled {
		if c.TeamSpeak.Host == "" {
			return fmt.Errorf("teamspeak.host is required")
		}

		if c.TeamSpeak.Password == "" {
			return fmt.Errorf("teamspeak.password is required")
		}

		if c.TeamSpeak.PollInterval < time.Second {
			return fmt.Errorf("teamspeak.poll_interval must be at least 1s")
		}
	}

	if c.Tracker.SoloTimeout <= 0 {
		return fmt.Errorf("tracker.solo_timeout must be positive")
	}

	if c.Tracker.FlushInterval < time.Second {
		return fmt.Errorf("tracker.flush_interval must be at least 1s")
	}

	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Backup.Enabled && c.Backup.BaseURL == "" {
		return fmt.Errorf("backup.base_url is required")
	}

	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}

	return nil
}
