package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplab/recap-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerConcurrencyPerJob)
	assert.Equal(t, 32, cfg.MaxConcurrentJobs)
	assert.Equal(t, 60*time.Second, cfg.Lease())
	assert.Equal(t, 2*time.Second, cfg.SegMin)
	assert.Equal(t, 30*time.Second, cfg.SegMax)
	assert.Equal(t, 3*time.Second, cfg.ShortClipMax)
	assert.InDelta(t, 0.5, cfg.SpeedMin, 1e-9)
	assert.InDelta(t, 2.0, cfg.SpeedMax, 1e-9)
	assert.InDelta(t, 1.10, cfg.TargetOverrun, 1e-9)
	assert.Equal(t, 20*time.Minute, cfg.StageTimeoutSegments)
	assert.Equal(t, 10*time.Minute, cfg.StageTimeoutStitch)
	assert.False(t, cfg.BillSourceMinutes)
	assert.True(t, cfg.IsDev())
}

func TestLoadProviders_Defaults(t *testing.T) {
	var cfg config.Config
	table, err := cfg.LoadProviders()
	require.NoError(t, err)
	require.Contains(t, table, config.ProviderVision)
	require.Contains(t, table, config.ProviderTTS)
	require.Contains(t, table, config.ProviderChapters)
	assert.True(t, table[config.ProviderTTS].Retriable(429))
	assert.False(t, table[config.ProviderTTS].Retriable(400))
}

func TestLoadProviders_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	body := `
providers:
  tts:
    rps: 10
    max_in_flight: 16
    per_attempt_timeout: 5s
    max_attempts: 2
    base_delay: 100ms
    max_delay: 1s
    retriable_statuses: [503]
  captions:
    rps: 1
    max_in_flight: 1
    per_attempt_timeout: 30s
    max_attempts: 3
    base_delay: 1s
    max_delay: 10s
    retriable_statuses: [429, 503]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg := config.Config{ProvidersFile: path}
	table, err := cfg.LoadProviders()
	require.NoError(t, err)

	// Override replaces built-in tts wholesale.
	assert.InDelta(t, 10.0, table["tts"].RPS, 1e-9)
	assert.Equal(t, 2, table["tts"].MaxAttempts)
	assert.False(t, table["tts"].Retriable(429))
	// Unknown providers are added; untouched defaults survive.
	assert.Contains(t, table, "captions")
	assert.InDelta(t, 2.0, table["vision"].RPS, 1e-9)
}
