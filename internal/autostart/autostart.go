// Package autostart manages the login autostart entry for the master, as an
// XDG desktop entry under the user's autostart directory.
package autostart

import (
	"fmt"
	"os"
	"path/filepath"
)

const entryName = "kvmux.desktop"

const entryTemplate = `[Desktop Entry]
Type=Application
Name=kvmux
Comment=Keyboard/mouse/clipboard multiplexer
Exec=%s %s
Terminal=false
X-GNOME-Autostart-enabled=true
`

func entryPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("autostart: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "autostart", entryName), nil
}

// Enable writes a desktop entry starting the master with the given config
// file on login.
func Enable(configPath string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("autostart: resolve executable: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("autostart: resolve config path: %w", err)
	}

	path, err := entryPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("autostart: %w", err)
	}

	entry := fmt.Sprintf(entryTemplate, execPath, absConfig)
	if err := os.WriteFile(path, []byte(entry), 0o644); err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	return nil
}

// Disable removes the desktop entry; a missing entry is not an error.
func Disable() error {
	path, err := entryPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("autostart: %w", err)
	}
	return nil
}

// IsEnabled reports whether the desktop entry exists.
func IsEnabled() bool {
	path, err := entryPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
