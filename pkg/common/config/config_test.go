package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 3, cfg.MaxActiveUsers)
	assert.Equal(t, 100, cfg.DispatchIntervalMS)
}

func TestLoadConfigWithNoFileOrEnvReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{MaxWorkers: 20, MaxActiveUsers: 5, DispatchIntervalMS: 250}
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvironmentOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, (&Config{MaxWorkers: 20, MaxActiveUsers: 5, DispatchIntervalMS: 250}).SaveToFile(path))

	t.Setenv("SCHEDULER_MAX_WORKERS", "42")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.MaxWorkers)
	assert.Equal(t, 5, cfg.MaxActiveUsers)
	assert.Equal(t, 250, cfg.DispatchIntervalMS)
}

func TestMalformedEnvironmentOverrideIsIgnored(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_WORKERS", "not-a-number")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxWorkers, cfg.MaxWorkers)
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cases := []*Config{
		{MaxWorkers: 0, MaxActiveUsers: 3, DispatchIntervalMS: 100},
		{MaxWorkers: 10, MaxActiveUsers: -1, DispatchIntervalMS: 100},
		{MaxWorkers: 10, MaxActiveUsers: 3, DispatchIntervalMS: 0},
	}
	for _, c := range cases {
		assert.Error(t, c.Validate())
	}
}

func TestLoadConfigSurfacesValidationFailure(t *testing.T) {
	t.Setenv("SCHEDULER_MAX_WORKERS", "-5")

	_, err := LoadConfig("")
	assert.Error(t, err)
}
