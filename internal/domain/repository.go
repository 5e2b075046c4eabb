package domain

import (
	"context"
	"time"
)

// ConfigScanner discovers tunnel configuration files.
// Implementation: filesystem directory scan with name validation.
type ConfigScanner interface {
	// Scan returns descriptors ordered lexicographically by identifier,
	// plus the files rejected by name validation. A failed scan returns a
	// DiscoveryError and no partial results.
	Scan() ([]TunnelDescriptor, []RejectedFile, error)
}

// TunnelRunner invokes the external privileged tool.
// Implementation: wg-quick via pkexec elevation when not root.
type TunnelRunner interface {
	// Up brings the tunnel up. Blocks until the external process exits or
	// ctx expires. Never mutates tunnel state; the coordinator interprets
	// the result.
	Up(ctx context.Context, desc TunnelDescriptor) (*CommandResult, error)

	// Down brings the tunnel down.
	Down(ctx context.Context, desc TunnelDescriptor) (*CommandResult, error)
}

// InterfaceObserver reads the OS network-interface table.
// The sole authority for "is a tunnel actually up"; read-only.
type InterfaceObserver interface {
	// Observe returns the live WireGuard interfaces. A poll failure
	// returns an error and no observation; the previous belief stands.
	Observe(ctx context.Context) (*InterfaceObservation, error)
}

// HistoryStore persists transition records.
// Implementation: SQLCipher encrypted SQLite database.
type HistoryStore interface {
	// Append records one transition.
	Append(rec TransitionRecord) error

	// Recent returns up to limit records, newest first.
	Recent(limit int) ([]TransitionRecord, error)

	// PruneOlderThan deletes records older than cutoff, returning the
	// number removed.
	PruneOlderThan(cutoff time.Time) (int64, error)

	// Close releases the database connection.
	Close() error
}

// KeyProvider abstracts the source of the history encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// DaemonRegistry provides daemon discovery and single-instance detection.
// Implementation: locked JSON pidfile written atomically.
type DaemonRegistry interface {
	// Register records the daemon. Fails with ErrDaemonRunning if a live
	// instance is already registered.
	Register(info DaemonInfo) error

	// Current returns the registered entry, or nil if none exists.
	Current() (*RegistryEntry, error)

	// UpdateHeartbeat refreshes the liveness timestamp.
	UpdateHeartbeat() error

	// IsDaemonAlive checks whether the registered PID is a live daemon
	// process (not a recycled PID).
	IsDaemonAlive() (bool, error)

	// Clear removes the pidfile.
	Clear() error

	// Path returns the pidfile location (for status output and tests).
	Path() string
}

// ProcessInspector answers liveness questions about OS processes.
// Implementation: gopsutil.
type ProcessInspector interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// NameMatches checks that the PID's executable name contains want,
	// guarding against recycled PIDs.
	NameMatches(pid int, want string) bool

	// CurrentPID returns the current process PID.
	CurrentPID() int
}

// ServiceManager handles the autostart service unit.
// Implementation: systemd user or system unit per execution mode.
type ServiceManager interface {
	// Install renders and enables the unit for execPath.
	Install(execPath string) error

	// Uninstall disables and removes the unit.
	Uninstall() error

	// IsInstalled checks if the unit file exists.
	IsInstalled() bool

	// NeedsUpdate checks if the unit exists with different content.
	NeedsUpdate(execPath string) bool

	// Update rewrites the unit and reloads the manager.
	Update(execPath string) error

	// Restart restarts the managed service without touching the unit file.
	Restart() error

	// UnitPath returns the unit file path.
	UnitPath() string
}

// Publisher fans state-change events out to subscribers.
type Publisher interface {
	// Publish delivers the event to all subscribers without blocking the
	// caller; slow subscribers miss events rather than stalling the
	// coordinator.
	Publish(ev Event)
}

// TunnelService is the serialized entry point the presentation layer talks
// to. Implemented by the coordinator; consumed by the API and CLI.
type TunnelService interface {
	// Activate brings the named tunnel up. Rejected with ConflictError
	// while another interface is active and BusyError while a command is
	// in flight.
	Activate(ctx context.Context, identifier string) error

	// Deactivate brings the named tunnel down. Deactivating an inactive
	// tunnel is a no-op success.
	Deactivate(ctx context.Context, identifier string) error

	// Rescan rebuilds the descriptor list from the tunnels directory.
	Rescan(ctx context.Context) (*ScanSummary, error)

	// Snapshot returns the current consistent view.
	Snapshot(ctx context.Context) (*Snapshot, error)
}
