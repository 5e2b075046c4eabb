// Package infra implements infrastructure concerns (discovery, command
// execution, interface observation, persistence).
package infra

import (
	"os"
	"os/exec"
	"path/filepath"
)

// RunMode represents how the process is running.
type RunMode string

const (
	// RunModeUser runs unprivileged; wg-quick goes through pkexec.
	RunModeUser RunMode = "user"
	// RunModeSystem runs as root; wg-quick is invoked directly.
	RunModeSystem RunMode = "system"
)

// String returns a human-readable description of the mode.
func (m RunMode) String() string {
	switch m {
	case RunModeSystem:
		return "system (root, direct wg-quick)"
	case RunModeUser:
		return "user (pkexec elevation)"
	default:
		return "unknown"
	}
}

// RunModeConfig holds per-mode paths and elevation facts.
type RunModeConfig struct {
	Mode       RunMode
	IsRoot     bool
	DataDir    string // history database and key
	RuntimeDir string // daemon pidfile
	LogPath    string // daemon log
	UnitDir    string // systemd unit location
	UnitPath   string
	// PkexecPath is the resolved pkexec binary, empty when not found.
	// Only consulted in user mode.
	PkexecPath string
}

const unitFileName = "wirewarden.service"

// DetectRunMode determines the execution mode from the effective UID and
// resolves the per-mode filesystem layout.
func DetectRunMode() *RunModeConfig {
	isRoot := os.Geteuid() == 0
	pkexecPath, _ := exec.LookPath("pkexec")

	if isRoot {
		return &RunModeConfig{
			Mode:       RunModeSystem,
			IsRoot:     true,
			DataDir:    "/var/lib/wirewarden",
			RuntimeDir: "/run/wirewarden",
			LogPath:    "/var/log/wirewarden.log",
			UnitDir:    "/etc/systemd/system",
			UnitPath:   filepath.Join("/etc/systemd/system", unitFileName),
			PkexecPath: pkexecPath,
		}
	}

	home, _ := os.UserHomeDir()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	unitDir := filepath.Join(home, ".config", "systemd", "user")

	return &RunModeConfig{
		Mode:       RunModeUser,
		IsRoot:     false,
		DataDir:    filepath.Join(home, ".local", "share", "wirewarden"),
		RuntimeDir: filepath.Join(runtimeDir, "wirewarden"),
		LogPath:    filepath.Join(home, ".local", "state", "wirewarden", "wirewarden.log"),
		UnitDir:    unitDir,
		UnitPath:   filepath.Join(unitDir, unitFileName),
		PkexecPath: pkexecPath,
	}
}

// NeedsElevation reports whether wg-quick invocations must be wrapped.
func (c *RunModeConfig) NeedsElevation() bool {
	return !c.IsRoot
}
