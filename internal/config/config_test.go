package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "clawd.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/data/clawdeploy", cfg.DataRoot)
	assert.Equal(t, 10000, cfg.Container.PortMin)
	assert.Equal(t, 20000, cfg.Container.PortMax)
	assert.Equal(t, 10, cfg.Container.PortAttempts)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Queue.ErrorBackoff.Std())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawd.yaml")
	content := `
data_root: /srv/claw
container:
  image: clawdeploy/agent:v2
  port_min: 30000
  port_max: 31000
queue:
  poll_interval: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/claw", cfg.DataRoot)
	assert.Equal(t, "clawdeploy/agent:v2", cfg.Container.Image)
	assert.Equal(t, 30000, cfg.Container.PortMin)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval.Std())
	// Untouched fields keep defaults
	assert.Equal(t, 10, cfg.Container.PortAttempts)
	assert.Equal(t, ":3001", cfg.Terminal.Addr)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  poll_interval: soon\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty data root", func(c *Config) { c.DataRoot = "" }, "data_root"},
		{"inverted port range", func(c *Config) { c.Container.PortMin = 20000; c.Container.PortMax = 10000 }, "port_min"},
		{"zero attempts", func(c *Config) { c.Container.PortAttempts = 0 }, "port_attempts"},
		{"zero poll interval", func(c *Config) { c.Queue.PollInterval = 0 }, "poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
