package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cculver78/WireWarden/internal/domain"
)

const registryFileName = "daemon.json"

// daemonProcessName is the binary name a registered PID must carry to
// count as alive. Guards against the PID being recycled by an unrelated
// process after a crash.
const daemonProcessName = "wirewarden"

// FileRegistry implements domain.DaemonRegistry with a JSON pidfile in
// the runtime directory. A lock file serializes racing register
// attempts from concurrent daemon starts.
type FileRegistry struct {
	path      string
	inspector domain.ProcessInspector
}

// NewFileRegistry creates a registry under the runtime directory.
func NewFileRegistry(runtimeDir string, inspector domain.ProcessInspector) *FileRegistry {
	return &FileRegistry{
		path:      filepath.Join(runtimeDir, registryFileName),
		inspector: inspector,
	}
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string, inspector domain.ProcessInspector) *FileRegistry {
	return &FileRegistry{
		path:      path,
		inspector: inspector,
	}
}

// Path returns the registry file location.
func (r *FileRegistry) Path() string {
	return r.path
}

// Register claims the daemon slot. It fails with domain.ErrDaemonRunning
// when a different, live daemon is already registered. A stale entry
// (dead PID, or PID recycled by another binary) is overwritten.
func (r *FileRegistry) Register(info domain.DaemonInfo) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	lockPath := r.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	existing, _ := r.Current() // corrupt or missing file is claimable
	if existing != nil && existing.PID != info.PID && r.alive(existing) {
		return fmt.Errorf("%w (pid %d)", domain.ErrDaemonRunning, existing.PID)
	}

	entry := &domain.RegistryEntry{
		Version:       1,
		PID:           info.PID,
		AppVersion:    info.AppVersion,
		Mode:          info.Mode,
		APIAddr:       info.APIAddr,
		StartedAt:     info.StartedAt.Unix(),
		LastHeartbeat: time.Now().Unix(),
	}
	return r.atomicWrite(entry)
}

// Current returns the registered entry, or nil when no daemon has
// registered.
func (r *FileRegistry) Current() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt registry file %s: %w", r.path, err)
	}
	return &entry, nil
}

// UpdateHeartbeat refreshes the liveness timestamp.
func (r *FileRegistry) UpdateHeartbeat() error {
	entry, err := r.Current()
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("daemon not registered")
	}

	entry.LastHeartbeat = time.Now().Unix()
	return r.atomicWrite(entry)
}

// IsDaemonAlive reports whether the registered PID is a live daemon
// process.
func (r *FileRegistry) IsDaemonAlive() (bool, error) {
	entry, err := r.Current()
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return r.alive(entry), nil
}

func (r *FileRegistry) alive(entry *domain.RegistryEntry) bool {
	return r.inspector.IsRunning(entry.PID) &&
		r.inspector.NameMatches(entry.PID, daemonProcessName)
}

// Clear removes the registry file. A missing file is not an error.
func (r *FileRegistry) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes the entry via temp file + rename. The temp name is
// unique per process so concurrent writers cannot clobber each other's
// half-written file.
func (r *FileRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*FileRegistry)(nil)
