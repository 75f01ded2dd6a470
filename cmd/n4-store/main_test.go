package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c, err := loadConfig(nil, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, ":3000", c.Listen)
		assert.Equal(t, "file", c.Backend)
		assert.Equal(t, "./data", c.DataDir)
		assert.Equal(t, "info", c.LogLevel)
	})

	t.Run("file env and flags", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store.yaml")
		require.NoError(t, os.WriteFile(path, []byte("backend: postgres\npostgres_url: postgres://file\nlisten: \":4000\"\n"), 0o644))
		t.Setenv("N4_STORE_POSTGRES_URL", "postgres://env")

		c, err := loadConfig([]string{"-c", path, "--listen", ":5000"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "postgres", c.Backend)
		assert.Equal(t, "postgres://env", c.PostgresURL)
		assert.Equal(t, ":5000", c.Listen)
	})

	t.Run("help", func(t *testing.T) {
		_, err := loadConfig([]string{"-h"}, &bytes.Buffer{})
		assert.ErrorIs(t, err, errHelp)
	})
}
