package infra

import (
	"fmt"
	"os"
	"os/exec"
)

// ElevationStrategy decides how a privileged command line is launched.
// wg-quick needs root to create interfaces and edit routing tables, so
// every invocation goes through exactly one strategy.
type ElevationStrategy interface {
	// Name identifies the strategy in logs and error detail.
	Name() string

	// Available reports whether the strategy can be used right now.
	Available() bool

	// Wrap returns the full argv for the privileged invocation.
	Wrap(argv []string) []string
}

// DirectStrategy runs the tool unwrapped. Only usable when the process
// already has root privileges.
type DirectStrategy struct{}

// NewDirectStrategy creates a direct (no elevation) strategy.
func NewDirectStrategy() *DirectStrategy {
	return &DirectStrategy{}
}

func (s *DirectStrategy) Name() string {
	return "direct"
}

func (s *DirectStrategy) Available() bool {
	return os.Geteuid() == 0
}

func (s *DirectStrategy) Wrap(argv []string) []string {
	return argv
}

// PkexecStrategy prefixes the command with pkexec so polkit prompts the
// desktop user for authorization. The prompt is handled by the session's
// polkit agent, not by this process.
type PkexecStrategy struct {
	path string
}

// NewPkexecStrategy locates pkexec on PATH, falling back to the usual
// install location. An empty path means pkexec is unavailable.
func NewPkexecStrategy() *PkexecStrategy {
	path, err := exec.LookPath("pkexec")
	if err != nil {
		if _, statErr := os.Stat("/usr/bin/pkexec"); statErr == nil {
			path = "/usr/bin/pkexec"
		}
	}
	return &PkexecStrategy{path: path}
}

// NewPkexecStrategyWithPath uses a fixed pkexec path from configuration.
func NewPkexecStrategyWithPath(path string) *PkexecStrategy {
	return &PkexecStrategy{path: path}
}

func (s *PkexecStrategy) Name() string {
	return "pkexec"
}

func (s *PkexecStrategy) Available() bool {
	if s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *PkexecStrategy) Wrap(argv []string) []string {
	return append([]string{s.path}, argv...)
}

// ElevationManager tries strategies in order and picks the first one
// that is available.
type ElevationManager struct {
	strategies []ElevationStrategy
}

// NewElevationManager creates a manager with the default strategy order:
// direct when already root, otherwise pkexec. pkexecPath overrides
// lookup when non-empty.
func NewElevationManager(pkexecPath string) *ElevationManager {
	pkexec := NewPkexecStrategy()
	if pkexecPath != "" {
		pkexec = NewPkexecStrategyWithPath(pkexecPath)
	}
	return &ElevationManager{
		strategies: []ElevationStrategy{
			NewDirectStrategy(),
			pkexec,
		},
	}
}

// NewElevationManagerWith creates a manager with an explicit strategy list.
func NewElevationManagerWith(strategies ...ElevationStrategy) *ElevationManager {
	return &ElevationManager{strategies: strategies}
}

// Resolve returns the first available strategy, or an error when no
// strategy can grant the needed privileges.
func (m *ElevationManager) Resolve() (ElevationStrategy, error) {
	for _, s := range m.strategies {
		if s.Available() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("not running as root and pkexec was not found")
}
