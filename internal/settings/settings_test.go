package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEETLINK_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Status.PriorityWindow)
	assert.Equal(t, 30, cfg.Polling.IntervalSeconds)
	assert.Equal(t, 3, cfg.Polling.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Polling.InitialDelay)
	assert.Equal(t, 20*time.Second, cfg.Session.LadderTimeout)
	assert.False(t, cfg.Polling.AutoStart)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETLINK_CONFIG", "")
	t.Setenv("POLL_INTERVAL_SECONDS", "15")
	t.Setenv("POLL_ENTITIES", "v1, v2,,v3")
	t.Setenv("POLL_AUTOSTART", "true")
	t.Setenv("STATUS_PRIORITY_WINDOW", "5s")
	t.Setenv("POLL_MAX_RETRIES", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Polling.IntervalSeconds)
	assert.Equal(t, 3, cfg.Polling.MaxRetries)
	assert.Equal(t, []string{"v1", "v2", "v3"}, cfg.Polling.Entities)
	assert.True(t, cfg.Polling.AutoStart)
	assert.Equal(t, 5*time.Second, cfg.Status.PriorityWindow)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
status:
  priority_window: 20s
positions:
  staleness:
    fresh_for: 2m
    idle_for: 10m
polling:
  interval_seconds: 60
  max_retries: 5
  initial_delay: 500ms
  entities: [truck-7, truck-9]
session:
  remote_timeout: 8s
`), 0o600))
	t.Setenv("FLEETLINK_CONFIG", path)
	t.Setenv("POLL_INTERVAL_SECONDS", "15")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Status.PriorityWindow)
	assert.Equal(t, 2*time.Minute, cfg.Positions.Staleness.FreshFor)
	assert.Equal(t, 60, cfg.Polling.IntervalSeconds, "file wins over env")
	assert.Equal(t, 5, cfg.Polling.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.InitialDelay)
	assert.Equal(t, []string{"truck-7", "truck-9"}, cfg.Polling.Entities)
	assert.Equal(t, 8*time.Second, cfg.Session.RemoteTimeout)
	assert.Equal(t, 20*time.Second, cfg.Session.LadderTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("positions:\n  staleness:\n    fresh_for: 40m\n    idle_for: 10m\n"), 0o600))
	t.Setenv("FLEETLINK_CONFIG", path)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FLEETLINK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}
