package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 90*24*time.Hour, cfg.StalenessBound())
	assert.Equal(t, 5*time.Minute, cfg.ComputeInterval())
	assert.Equal(t, 50000, cfg.Compute.BatchSize)

	windows, err := cfg.PlatformWindows()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, windows.ActiveWindow)
	assert.Equal(t, 60*24*time.Hour, windows.DormantWindow)
	assert.Equal(t, 1, windows.ActivationThreshold)

	assert.Equal(t, "0.25", cfg.HealthWeights().SeatUtilization.String())
	assert.Equal(t, "40", cfg.AtRiskThreshold().String())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monstera.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  mode: debug
lifecycle:
  products:
    video-editor:
      active_window: 14d
      dormant_window: 45d
      activation_threshold: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)

	// Per-product override inherits unset fields from the platform set.
	windows, err := cfg.ProductWindows("video-editor")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, windows.ActiveWindow)
	assert.Equal(t, 45*24*time.Hour, windows.DormantWindow)
	assert.Equal(t, 30*24*time.Hour, windows.SignupGrace)
	assert.Equal(t, 3, windows.ActivationThreshold)

	// Unconfigured products resolve to the platform thresholds.
	windows, err = cfg.ProductWindows("photo-studio")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, windows.ActiveWindow)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MONSTERA_SERVER__PORT", "7070")
	t.Setenv("MONSTERA_INGESTION__STALENESS_BOUND", "30d")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 30*24*time.Hour, cfg.StalenessBound())
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad server mode",
			mutate:  func(c *Config) { c.Server.Mode = "verbose" },
			wantErr: "server.mode",
		},
		{
			name:    "weights must sum to one",
			mutate:  func(c *Config) { c.Lifecycle.HealthWeights.SeatUtilization = 0.5 },
			wantErr: "health_weights",
		},
		{
			name:    "dormant window must exceed active",
			mutate:  func(c *Config) { c.Lifecycle.Platform.DormantWindow = "10d" },
			wantErr: "lifecycle.platform",
		},
		{
			name:    "bad staleness bound",
			mutate:  func(c *Config) { c.Ingestion.StalenessBound = "fortnight" },
			wantErr: "staleness_bound",
		},
		{
			name:    "unsupported database type",
			mutate:  func(c *Config) { c.Database.Type = "sqlite" },
			wantErr: "database.type",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Lifecycle.AtRiskThreshold = 140 },
			wantErr: "at_risk_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
