package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huntsync/internal/domain"
)

const sampleYAML = `
session:
  base_url: https://game.example.com
  username: player
  password: secret
sync:
  max_first_run_records: 200
governor:
  max_attempts: 4
  initial_delay: 2s
  max_delay: 20s
export:
  nested: true
  csv: true
categories:
  - id: singles
    label: Singles
  - id: doubles
    label: Doubles
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "huntsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://game.example.com", cfg.Session.BaseURL)
	assert.Equal(t, 200, cfg.Sync.MaxFirstRunRecords)
	assert.Equal(t, 4, cfg.Governor.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Governor.InitialDelay)
	require.Len(t, cfg.Categories, 2)
	assert.Equal(t, "singles", cfg.Categories[0].ID)
}

func TestLoadMissingFileSurfacesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml", "a named config file that cannot be read must be reported, not skipped")
}

func TestLoadUnreadableYAMLSurfacesError(t *testing.T) {
	_, err := Load(writeConfig(t, "categories: [notalist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from file")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("HUNTSYNC_SESSION_USERNAME", "other")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "other", cfg.Session.Username)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no categories", func(c *Config) { c.Categories = nil }},
		{"duplicate category id", func(c *Config) {
			c.Categories = []domain.Category{{ID: "x", Label: "A"}, {ID: "x", Label: "B"}}
		}},
		{"category without label", func(c *Config) {
			c.Categories = []domain.Category{{ID: "x"}}
		}},
		{"no export target", func(c *Config) {
			c.Export = ExportConfig{}
		}},
		{"initial delay above max", func(c *Config) {
			c.Governor.InitialDelay = time.Minute
			c.Governor.MaxDelay = time.Second
		}},
		{"bad base url", func(c *Config) { c.Session.BaseURL = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCategoryLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cat, ok := cfg.Category("doubles")
	assert.True(t, ok)
	assert.Equal(t, "Doubles", cat.Label)

	_, ok = cfg.Category("cricket")
	assert.False(t, ok)
}

func TestRunExportDirStamp(t *testing.T) {
	p := PathsConfig{ExportDir: "exports"}
	at := time.Date(2026, 8, 31, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, filepath.Join("exports", "20260831_093005"), p.RunExportDir(at))
}

func TestPathHelpers(t *testing.T) {
	p := PathsConfig{StateDir: "data/state", LogsDir: "logs"}
	assert.Equal(t, filepath.Join("data/state", "singles.json"), p.StatePath("singles"))
	assert.Equal(t, filepath.Join("logs", "huntsync.log"), p.LogPath("huntsync.log"))
}
