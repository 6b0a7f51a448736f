package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshrepo.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultMatchesSpecRanges(t *testing.T) {
	d := Default()
	assert.Equal(t, 16, d.Water.LowWaterMin)
	assert.Equal(t, 75, d.Water.LowWaterMax)
	assert.Equal(t, 32, d.Water.HighWaterMin)
	assert.Equal(t, 150, d.Water.HighWaterMax)
	assert.Equal(t, 8, d.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, d.Retry.BaseDelay)
}

func TestLoaderReadsOverridesOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
cache_dir = "custom_cache"

[water]
high_water_min = 99
`)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	current := loader.Current()
	assert.Equal(t, "custom_cache", current.CacheDir)
	assert.Equal(t, 99, current.Water.HighWaterMin)
	// Unset fields fall back to Default()'s values, not the zero value.
	assert.Equal(t, 16, current.Water.LowWaterMin)
	assert.Equal(t, 8, current.Retry.MaxRetries)
}

func TestLoaderMissingFileErrors(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestLoaderWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "cache_dir = \"first\"\n")
	loader, err := NewLoader(path)
	require.NoError(t, err)
	t.Cleanup(loader.Close)

	require.NoError(t, loader.Watch())

	require.NoError(t, os.WriteFile(path, []byte("cache_dir = \"second\"\n"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loader.Current().CacheDir == "second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("config did not hot-reload within the deadline")
}
