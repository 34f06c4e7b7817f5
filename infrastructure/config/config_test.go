package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "swipefeed-engine/pkg/errors"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file values override defaults, unset keys keep them", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: 50\nflush_interval: 10s\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.PageSize)
		assert.Equal(t, 10*time.Second, cfg.FlushInterval)
		assert.Equal(t, Default().MaxSwiped, cfg.MaxSwiped)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: 50\n")
		t.Setenv("SWIPEFEED_PAGE_SIZE", "25")
		t.Setenv("SWIPEFEED_FLUSH_INTERVAL", "90s")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 25, cfg.PageSize)
		assert.Equal(t, 90*time.Second, cfg.FlushInterval)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml is a validation error", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: [not a number\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("out-of-range values are rejected", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: 0\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))

		path = writeConfigFile(t, "page_size: 500\n")
		_, err = Load(path)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestWatcher(t *testing.T) {
	t.Run("serves the seed when no path is given", func(t *testing.T) {
		seed := Default()
		seed.PageSize = 42
		w, err := NewWatcher(seed, "", nil)
		require.NoError(t, err)
		defer w.Stop()
		assert.Equal(t, 42, w.Current().PageSize)
	})

	t.Run("picks up file rewrites", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: 10\n")
		initial, err := Load(path)
		require.NoError(t, err)

		w, err := NewWatcher(initial, path, nil)
		require.NoError(t, err)
		defer w.Stop()

		reloaded := make(chan Config, 1)
		w.OnReload(func(cfg Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})

		require.NoError(t, os.WriteFile(path, []byte("page_size: 77\n"), 0o644))

		select {
		case cfg := <-reloaded:
			assert.Equal(t, 77, cfg.PageSize)
			assert.Equal(t, 77, w.Current().PageSize)
		case <-time.After(5 * time.Second):
			t.Fatal("reload callback never fired")
		}
	})

	t.Run("a bad rewrite keeps the last good config", func(t *testing.T) {
		path := writeConfigFile(t, "page_size: 10\n")
		initial, err := Load(path)
		require.NoError(t, err)

		w, err := NewWatcher(initial, path, nil)
		require.NoError(t, err)
		defer w.Stop()

		require.NoError(t, os.WriteFile(path, []byte("page_size: -1\n"), 0o644))

		// Reload is rejected by validation; give the watcher a moment and
		// confirm the served value is unchanged.
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, 10, w.Current().PageSize)
	})
}
