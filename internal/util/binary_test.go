package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("env var wins over PATH", func(t *testing.T) {
		path := executable(t)
		t.Setenv("TEST_BINARY_PATH", path)

		got, err := FindBinary("ls", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("finds binary on PATH", func(t *testing.T) {
		got, err := FindBinary("ls", "")
		require.NoError(t, err)
		assert.Contains(t, got, "ls")
	})

	t.Run("ignores non-executable env path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		t.Setenv("TEST_BINARY_PATH", path)

		_, err := FindBinary("definitely-nonexistent-binary-12345", "TEST_BINARY_PATH")
		assert.ErrorContains(t, err, "not found")
	})
}

func TestResolveBinary(t *testing.T) {
	t.Run("configured path", func(t *testing.T) {
		path := executable(t)
		got, err := ResolveBinary(path, "nope", "")
		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("configured bare name on PATH", func(t *testing.T) {
		got, err := ResolveBinary("ls", "nope", "")
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	})

	t.Run("configured but missing", func(t *testing.T) {
		_, err := ResolveBinary("/nonexistent/ffmpeg", "ls", "")
		assert.ErrorContains(t, err, "not executable")
	})

	t.Run("falls back to discovery", func(t *testing.T) {
		got, err := ResolveBinary("", "ls", "")
		require.NoError(t, err)
		assert.Contains(t, got, "ls")
	})
}
