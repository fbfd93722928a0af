//go:build !windows

package strategy

import (
	"os"
	"path/filepath"
	"testing"
)

// writeScript creates an executable shell script standing in for a CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// testOptions points a strategy at script with isolated directories.
func testOptions(t *testing.T, script string) Options {
	t.Helper()
	return Options{
		Binary:        script,
		ConfigDir:     t.TempDir(),
		PlaygroundDir: filepath.Join(t.TempDir(), "playground"),
	}
}
