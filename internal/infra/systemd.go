package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/cculver78/WireWarden/internal/domain"
)

// systemUnitTemplate is installed under /etc/systemd/system when the
// daemon runs as root. It waits for the network so the first poll sees
// real interface state.
const systemUnitTemplate = `[Unit]
Description=WireWarden tunnel supervisor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecutablePath}} daemon
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// userUnitTemplate is installed under ~/.config/systemd/user. User
// sessions have no network-online.target, so it is omitted.
const userUnitTemplate = `[Unit]
Description=WireWarden tunnel supervisor

[Service]
Type=simple
ExecStart={{.ExecutablePath}} daemon
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type unitConfig struct {
	ExecutablePath string
}

// SystemdManagerImpl implements domain.ServiceManager for both run modes.
type SystemdManagerImpl struct {
	mode     RunMode
	unitDir  string
	unitPath string
}

// NewSystemdManager creates a systemd unit manager based on run mode.
func NewSystemdManager(config *RunModeConfig) *SystemdManagerImpl {
	return &SystemdManagerImpl{
		mode:     config.Mode,
		unitDir:  config.UnitDir,
		unitPath: config.UnitPath,
	}
}

// generateUnitContent renders the unit file for the given exec path.
func (m *SystemdManagerImpl) generateUnitContent(execPath string) ([]byte, error) {
	tmplStr := userUnitTemplate
	if m.mode == RunModeSystem {
		tmplStr = systemUnitTemplate
	}

	tmpl, err := template.New("unit").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, unitConfig{ExecutablePath: execPath}); err != nil {
		return nil, fmt.Errorf("failed to render unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit file and enables it.
func (m *SystemdManagerImpl) Install(execPath string) error {
	if err := os.MkdirAll(m.unitDir, 0o755); err != nil {
		return err
	}

	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.unitPath, content, 0o644); err != nil {
		return err
	}

	if err := m.systemctl("daemon-reload"); err != nil {
		return err
	}
	return m.systemctl("enable", "--now", unitFileName)
}

// Uninstall disables the unit and removes the file.
func (m *SystemdManagerImpl) Uninstall() error {
	// Ignore disable errors: the unit may already be stopped or gone.
	_ = m.systemctl("disable", "--now", unitFileName)

	if err := os.Remove(m.unitPath); err != nil {
		return err
	}
	return m.systemctl("daemon-reload")
}

// IsInstalled checks whether the unit file exists.
func (m *SystemdManagerImpl) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate checks whether the installed unit differs from what would
// be generated now, e.g. after the binary moved.
func (m *SystemdManagerImpl) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false
	}

	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}

	expected, err := m.generateUnitContent(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Update rewrites the unit file and restarts the service.
func (m *SystemdManagerImpl) Update(execPath string) error {
	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.unitPath, content, 0o644); err != nil {
		return err
	}

	if err := m.systemctl("daemon-reload"); err != nil {
		return err
	}
	return m.systemctl("restart", unitFileName)
}

// Restart restarts the unit. Used after a binary swap so systemd execs
// the new binary from the unchanged path.
func (m *SystemdManagerImpl) Restart() error {
	return m.systemctl("restart", unitFileName)
}

// UnitPath returns the unit file path.
func (m *SystemdManagerImpl) UnitPath() string {
	return m.unitPath
}

func (m *SystemdManagerImpl) systemctl(args ...string) error {
	if m.mode == RunModeUser {
		args = append([]string{"--user"}, args...)
	}

	cmd := exec.Command("systemctl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %v: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Ensure SystemdManagerImpl implements domain.ServiceManager.
var _ domain.ServiceManager = (*SystemdManagerImpl)(nil)
