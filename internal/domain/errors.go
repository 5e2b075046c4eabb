package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by coordinator and registry operations.
var (
	// ErrTunnelNotFound is returned for requests naming an unknown identifier.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrDaemonRunning is returned when a live daemon is already registered.
	ErrDaemonRunning = errors.New("daemon already running")

	// ErrDaemonNotRunning is returned when no live daemon is registered.
	ErrDaemonNotRunning = errors.New("daemon not running")
)

// FailureKind classifies a failed command invocation.
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission-denied"
	FailureToolMissing      FailureKind = "tool-missing"
	FailureConfigInvalid    FailureKind = "config-invalid"
	FailureTimeout          FailureKind = "timeout"
	FailureUnknown          FailureKind = "unknown"
)

// ConflictError rejects activation while another interface is active.
// The coordinator never auto-deactivates on behalf of a new request.
type ConflictError struct {
	Requested string
	Active    string
	// Foreign marks conflicts with an interface that has no descriptor.
	Foreign bool
}

func (e *ConflictError) Error() string {
	if e.Foreign {
		return fmt.Sprintf("cannot activate %q: foreign interface %q is active, bring it down first", e.Requested, e.Active)
	}
	return fmt.Sprintf("cannot activate %q: tunnel %q is active, deactivate it first", e.Requested, e.Active)
}

// BusyError rejects requests while a command is in flight. Requests are
// rejected, never queued.
type BusyError struct {
	Tunnel string
	Verb   CommandVerb
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("busy: %s of %q still in progress", e.Verb, e.Tunnel)
}

// DiscoveryError means a scan failed before producing any descriptors.
// The previous descriptor list stays in effect.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("cannot scan %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// CommandError is a classified wg-quick failure. Detail preserves the
// diagnostic text (trimmed stderr, falling back to stdout) so the operator
// sees the real reason, not a generic failure indicator.
type CommandError struct {
	Verb     CommandVerb
	Kind     FailureKind
	ExitCode int
	Detail   string
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case FailurePermissionDenied:
		return fmt.Sprintf("wg-quick %s: authorization denied: %s", e.Verb, e.Detail)
	case FailureToolMissing:
		return fmt.Sprintf("wg-quick %s: %s", e.Verb, e.Detail)
	case FailureConfigInvalid:
		return fmt.Sprintf("wg-quick %s: configuration rejected: %s", e.Verb, e.Detail)
	case FailureTimeout:
		return fmt.Sprintf("wg-quick %s: timed out: %s", e.Verb, e.Detail)
	default:
		return fmt.Sprintf("wg-quick %s: exit %d: %s", e.Verb, e.ExitCode, e.Detail)
	}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsBusy reports whether err is a BusyError.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}
