package autostart

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestEnableDisableCycle tests the desktop entry lifecycle
func TestEnableDisableCycle(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if IsEnabled() {
		t.Fatal("Expected autostart disabled initially")
	}

	if err := Enable("kvmux.toml"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !IsEnabled() {
		t.Error("Expected autostart enabled after Enable")
	}

	path, err := entryPath()
	if err != nil {
		t.Fatalf("entryPath failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	entry := string(data)
	if !strings.Contains(entry, "[Desktop Entry]") {
		t.Error("Expected a desktop entry header")
	}
	abs, _ := filepath.Abs("kvmux.toml")
	if !strings.Contains(entry, abs) {
		t.Errorf("Expected absolute config path %q in entry", abs)
	}

	if err := Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if IsEnabled() {
		t.Error("Expected autostart disabled after Disable")
	}
}

// TestDisableMissingEntry tests that disabling twice is not an error
func TestDisableMissingEntry(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Disable(); err != nil {
		t.Errorf("Expected no error for missing entry, got %v", err)
	}
}
