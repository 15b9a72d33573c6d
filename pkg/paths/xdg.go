// Package paths provides XDG-compliant path resolution for collab.
//
// Resolution order:
// 1. COLLAB_HOME (portable root) → $COLLAB_HOME/{config,state,run}
// 2. XDG env vars → $XDG_*_HOME/collab
// 3. Platform defaults → ~/.config/collab, ~/.local/state/collab
package paths

import (
	"os"
	"path/filepath"
)

const appName = "collab"

func getConfigHome() string {
	if home := os.Getenv("COLLAB_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

func getStateHome() string {
	if home := os.Getenv("COLLAB_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the collab configuration directory.
// Used for the global collab.yml.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// StateDir returns the collab state directory.
// Used for the relay snapshot database and logs.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// RuntimeDir returns the directory for pid files.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if home := os.Getenv("COLLAB_HOME"); home != "" {
		return filepath.Join(home, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// GlobalConfigPath returns the user-wide collab.yml.
func GlobalConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "collab.yml")
}

// PidFilePath returns the path to the relay PID file.
func PidFilePath() string {
	return filepath.Join(RuntimeDir(), "relay.pid")
}

// SnapshotDBPath returns the default relay snapshot database.
func SnapshotDBPath() string {
	return filepath.Join(StateDir(), "snapshots.db")
}
