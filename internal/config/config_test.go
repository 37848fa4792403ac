package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviationwx/awx-archiver/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
airports:
  selected: [kspb]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultAirportsAPIURL, cfg.Source.AirportsAPIURL)
	assert.Equal(t, 30, cfg.Source.RequestTimeoutSec)
	assert.Equal(t, 3, cfg.Source.MaxRetries)
	assert.True(t, cfg.Source.UseHistoryAPI)
	assert.InDelta(t, config.DefaultRequestDelaySeconds, cfg.Source.RequestDelaySeconds, 0.001)
	assert.Equal(t, "/archive", cfg.Archive.OutputDir)
	assert.Equal(t, config.DefaultIntervalMinutes, cfg.Schedule.IntervalMinutes)
	assert.True(t, cfg.Schedule.FetchOnStart)
}

func TestLoad_NormalizesSelectedCodes(t *testing.T) {
	path := writeConfig(t, `
airports:
  selected: [" kspb", "Kord "]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"KSPB", "KORD"}, cfg.Airports.Selected)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ARCHIVER_ARCHIVE_OUTPUT_DIR", "/mnt/cams")
	path := writeConfig(t, `
airports:
  archive_all: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/cams", cfg.Archive.OutputDir)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() config.Config {
		return config.Config{
			Source: config.SourceConfig{
				AirportsAPIURL:    config.DefaultAirportsAPIURL,
				RequestTimeoutSec: 30,
				MaxRetries:        3,
			},
			Archive:  config.ArchiveConfig{OutputDir: "/archive"},
			Airports: config.AirportsConfig{ArchiveAll: true},
			Schedule: config.ScheduleConfig{IntervalMinutes: 15},
		}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("MissingAPIURL", func(t *testing.T) {
		cfg := base()
		cfg.Source.AirportsAPIURL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("NoAirportsSelected", func(t *testing.T) {
		cfg := base()
		cfg.Airports.ArchiveAll = false
		assert.Error(t, cfg.Validate())
	})

	t.Run("NegativeRetention", func(t *testing.T) {
		cfg := base()
		cfg.Archive.RetentionDays = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("ServerPortRequiredWhenEnabled", func(t *testing.T) {
		cfg := base()
		cfg.Server.Enabled = true
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})
}
