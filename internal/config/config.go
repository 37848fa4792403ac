// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Default upstream endpoints and tuning knobs; see https://api.aviationwx.org/.
const (
	DefaultBaseURL        = "https://aviationwx.org"
	DefaultAirportsAPIURL = "https://api.aviationwx.org/v1/airports"

	// Anonymous tier allows 100 req/min; the default delay self-throttles
	// at half of that (50 req/min).
	DefaultRequestDelaySeconds = 1.2

	DefaultIntervalMinutes   = 15
	DefaultJobTimeoutMinutes = 30
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Airports AirportsConfig `mapstructure:"airports"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig describes the upstream AviationWX API.
type SourceConfig struct {
	BaseURL             string  `mapstructure:"base_url"`
	AirportsAPIURL      string  `mapstructure:"airports_api_url"`
	APIKey              string  `mapstructure:"api_key"`
	RequestTimeoutSec   int     `mapstructure:"request_timeout"`
	MaxRetries          int     `mapstructure:"max_retries"`
	RetryDelaySec       int     `mapstructure:"retry_delay"`
	UseHistoryAPI       bool    `mapstructure:"use_history_api"`
	RequestDelaySeconds float64 `mapstructure:"request_delay_seconds"`
}

// ArchiveConfig sets the archive root and retention budgets.
// RetentionMax accepts a bare number of gigabytes or a suffixed size
// string such as "250GB" or "1.5TB"; zero/empty disables the size budget.
type ArchiveConfig struct {
	OutputDir     string `mapstructure:"output_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	RetentionMax  string `mapstructure:"retention_max_gb"`
}

// AirportsConfig selects which airports to archive.
type AirportsConfig struct {
	ArchiveAll bool     `mapstructure:"archive_all"`
	Selected   []string `mapstructure:"selected"`
}

// ScheduleConfig governs pass scheduling in serve mode.
type ScheduleConfig struct {
	IntervalMinutes   int  `mapstructure:"interval_minutes"`
	FetchOnStart      bool `mapstructure:"fetch_on_start"`
	JobTimeoutMinutes int  `mapstructure:"job_timeout_minutes"`
}

// ServerConfig controls the status HTTP server consumed by the web UI.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load builds a Config from disk/environment. An empty path loads
// defaults plus ARCHIVER_* environment overrides only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for i, code := range cfg.Airports.Selected {
		cfg.Airports.Selected[i] = strings.ToUpper(strings.TrimSpace(code))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", DefaultBaseURL)
	v.SetDefault("source.airports_api_url", DefaultAirportsAPIURL)
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.request_timeout", 30)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.retry_delay", 5)
	v.SetDefault("source.use_history_api", true)
	v.SetDefault("source.request_delay_seconds", DefaultRequestDelaySeconds)
	v.SetDefault("archive.output_dir", "/archive")
	v.SetDefault("archive.retention_days", 0)
	v.SetDefault("archive.retention_max_gb", "0")
	v.SetDefault("airports.archive_all", false)
	v.SetDefault("schedule.interval_minutes", DefaultIntervalMinutes)
	v.SetDefault("schedule.fetch_on_start", true)
	v.SetDefault("schedule.job_timeout_minutes", DefaultJobTimeoutMinutes)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.AirportsAPIURL) == "" {
		return fmt.Errorf("source.airports_api_url must be set")
	}
	if strings.TrimSpace(c.Archive.OutputDir) == "" {
		return fmt.Errorf("archive.output_dir must be set")
	}
	if c.Source.RequestTimeoutSec <= 0 {
		return fmt.Errorf("source.request_timeout must be > 0")
	}
	if c.Source.MaxRetries <= 0 {
		return fmt.Errorf("source.max_retries must be > 0")
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive.retention_days must be >= 0")
	}
	if c.Schedule.IntervalMinutes <= 0 {
		return fmt.Errorf("schedule.interval_minutes must be > 0")
	}
	if !c.Airports.ArchiveAll && len(c.Airports.Selected) == 0 {
		return fmt.Errorf("airports.selected must not be empty when airports.archive_all is false")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}
