package infra

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cculver78/WireWarden/internal/domain"
)

// GopsutilInspector answers liveness questions about other processes.
// The registry uses it to tell a live daemon apart from a stale pidfile
// left behind by a crash, including the case where the PID was recycled
// by an unrelated process.
type GopsutilInspector struct{}

// NewProcessInspector creates the default process inspector.
func NewProcessInspector() *GopsutilInspector {
	return &GopsutilInspector{}
}

// IsRunning reports whether a process with the given PID exists.
func (i *GopsutilInspector) IsRunning(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// NameMatches reports whether the process's executable name contains
// want, case insensitively.
func (i *GopsutilInspector) NameMatches(pid int, want string) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	name, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(want))
}

// CurrentPID returns this process's PID.
func (i *GopsutilInspector) CurrentPID() int {
	return os.Getpid()
}

// Ensure GopsutilInspector implements domain.ProcessInspector.
var _ domain.ProcessInspector = (*GopsutilInspector)(nil)
