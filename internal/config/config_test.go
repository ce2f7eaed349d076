package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Import.Workers)
	assert.Equal(t, 25, cfg.Enrich.BatchSize)
	assert.Equal(t, "anthropic", cfg.Enrich.Provider)
	assert.InDelta(t, 0.55, cfg.Lookup.MinConfidence, 1e-9)
	assert.InDelta(t, 1.0, cfg.Lookup.AmountWeight+cfg.Lookup.DateWeight+cfg.Lookup.DescriptionWeight, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Pricing.Anthropic)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)

	content := []byte(`
store:
  driver: sqlite
  database_url: ./ledgersync.db
import:
  workers: 2
enrich:
  provider: gemini
  batch_size: 10
lookup:
  min_confidence: 0.7
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Import.Workers)
	assert.Equal(t, "gemini", cfg.Enrich.Provider)
	assert.Equal(t, 10, cfg.Enrich.BatchSize)
	assert.InDelta(t, 0.7, cfg.Lookup.MinConfidence, 1e-9)
	// Untouched keys keep defaults.
	assert.Equal(t, 30, cfg.Bankfeed.TimeoutSecs)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LEDGERSYNC_ENRICH_BATCH_SIZE", "50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Enrich.BatchSize)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}

func TestInitLogger_Console(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}

// chdirTemp switches the working directory to a fresh temp dir so Load never
// picks up a developer's local config.yaml.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
	return dir
}
