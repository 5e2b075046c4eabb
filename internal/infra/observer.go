package infra

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// CommandObserver reads live WireGuard interfaces by shelling out to
// `wg show interfaces`. It works wherever the wg tool is installed and
// serves as the fallback when netlink is unavailable.
type CommandObserver struct {
	wgPath string
	logger *zap.Logger
}

// NewCommandObserver creates an observer backed by the wg binary.
// wgPath may be empty, in which case wg is looked up from PATH per poll.
func NewCommandObserver(wgPath string, logger *zap.Logger) *CommandObserver {
	return &CommandObserver{wgPath: wgPath, logger: logger}
}

// Observe lists the WireGuard interfaces currently present on the host.
// `wg show interfaces` prints space separated interface names on a
// single line, or nothing when no interface exists.
func (o *CommandObserver) Observe(ctx context.Context) (*domain.InterfaceObservation, error) {
	tool := o.wgPath
	if tool == "" {
		path, err := exec.LookPath("wg")
		if err != nil {
			return nil, fmt.Errorf("wg binary not found: %w", err)
		}
		tool = path
	}

	cmd := exec.CommandContext(ctx, tool, "show", "interfaces")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("wg show interfaces: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("wg show interfaces: %w", err)
	}

	names := strings.Fields(string(out))
	sort.Strings(names)

	return &domain.InterfaceObservation{
		Names: names,
		At:    time.Now(),
	}, nil
}

// Ensure CommandObserver implements domain.InterfaceObserver.
var _ domain.InterfaceObserver = (*CommandObserver)(nil)
