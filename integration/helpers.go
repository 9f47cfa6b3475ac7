//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempConfigPath returns a temp file path for a test config
func TempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.toml")
}

// TempDBPath returns a temp file path for a test database
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "runs.db")
}

// WriteFile writes content to path, failing the test on error
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
