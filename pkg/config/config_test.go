package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
database:
  url: postgres://localhost/presence
connections:
  max_inbound: 200
  max_per_netgroup: 3
presence:
  window_duration: 5m
  cooldown_min: 100
  cooldown_mid: 700
  cooldown_max: 18000
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 200, cfg.Conns.MaxInbound)
		assert.Equal(t, 3, cfg.Conns.MaxPerNetgroup)
		assert.Equal(t, 5*time.Minute, cfg.Presence.WindowDuration)
		assert.Equal(t, 100, cfg.Presence.CooldownMin)

		// Defaults survive partial configs
		assert.Equal(t, 1024, cfg.AddrBook.NewBuckets)
		assert.Equal(t, 80, cfg.Leader.FullNodePercent)
		assert.Contains(t, cfg.RateLimit.Classes, "default")
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		os.Setenv("POT_LOG_LEVEL", "error")
		defer os.Unsetenv("POT_LOG_LEVEL")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
	})

	t.Run("MissingConfigUsesDefaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 117, cfg.Conns.MaxInbound)
		assert.Equal(t, 2, cfg.Conns.MaxPerNetgroup)
		assert.Equal(t, 144, cfg.Presence.CooldownMin)
		assert.Equal(t, 25920, cfg.Presence.CooldownMax)
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("CooldownBoundsOrdered", func(t *testing.T) {
		cfg := base()
		cfg.Presence.CooldownMid = cfg.Presence.CooldownMax + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("TierSplitMustSumTo100", func(t *testing.T) {
		cfg := base()
		cfg.Leader.FullNodePercent = 90
		assert.Error(t, cfg.Validate())
	})

	t.Run("ProtectedClassesBelowCapacity", func(t *testing.T) {
		cfg := base()
		cfg.Conns.ProtectLowLatency = cfg.Conns.MaxInbound
		assert.Error(t, cfg.Validate())
	})

	t.Run("DefaultRateClassRequired", func(t *testing.T) {
		cfg := base()
		delete(cfg.RateLimit.Classes, "default")
		assert.Error(t, cfg.Validate())
	})

	t.Run("GracePeriodShorterThanWindow", func(t *testing.T) {
		cfg := base()
		cfg.Presence.GracePeriod = cfg.Presence.WindowDuration
		assert.Error(t, cfg.Validate())
	})
}
