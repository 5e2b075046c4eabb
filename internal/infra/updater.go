package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

const (
	// DefaultHealthCheckTimeout bounds how long to wait for the daemon to
	// come back healthy after a restart.
	DefaultHealthCheckTimeout = 10 * time.Second

	// DaemonCheckInterval is the poll interval while waiting on the daemon.
	DaemonCheckInterval = 500 * time.Millisecond

	// daemonStopTimeout bounds the graceful-stop wait before SIGKILL.
	daemonStopTimeout = 10 * time.Second
)

// UpdateResult reports the outcome of an update attempt.
type UpdateResult struct {
	Success        bool
	PreviousVer    string
	NewVer         string
	RolledBack     bool
	RollbackReason string
}

// Updater replaces the installed binary with the latest GitHub release.
// If the daemon is running it is restarted on the new binary, and the
// previous binary is restored when the restarted daemon fails its health
// check.
type Updater struct {
	downloader     *GitHubDownloader
	registry       domain.DaemonRegistry
	inspector      domain.ProcessInspector
	service        domain.ServiceManager
	binaryPath     string
	currentVersion string
	logger         *zap.Logger
}

// NewUpdater creates an updater wired to the real registry, process
// inspector and service manager for the given run mode.
func NewUpdater(currentVersion string, mode *RunModeConfig, logger *zap.Logger) *Updater {
	inspector := NewProcessInspector()
	binaryPath, _ := os.Executable()

	return &Updater{
		downloader:     NewGitHubDownloader(),
		registry:       NewFileRegistry(mode.RuntimeDir, inspector),
		inspector:      inspector,
		service:        NewSystemdManager(mode),
		binaryPath:     binaryPath,
		currentVersion: currentVersion,
		logger:         logger,
	}
}

// NewUpdaterWithDeps creates an updater with injected dependencies.
func NewUpdaterWithDeps(
	downloader *GitHubDownloader,
	registry domain.DaemonRegistry,
	inspector domain.ProcessInspector,
	service domain.ServiceManager,
	binaryPath string,
	currentVersion string,
	logger *zap.Logger,
) *Updater {
	return &Updater{
		downloader:     downloader,
		registry:       registry,
		inspector:      inspector,
		service:        service,
		binaryPath:     binaryPath,
		currentVersion: currentVersion,
		logger:         logger,
	}
}

// CheckUpdate reports whether a newer release is available.
func (u *Updater) CheckUpdate(ctx context.Context) (current string, latest string, available bool, err error) {
	current = u.currentVersion

	latest, err = u.downloader.GetLatestVersion(ctx)
	if err != nil {
		return current, "", false, fmt.Errorf("failed to get latest version: %w", err)
	}

	available = isNewerVersion(latest, current)
	return current, latest, available, nil
}

// PerformUpdate downloads and installs the latest release with rollback
// support.
func (u *Updater) PerformUpdate(ctx context.Context) (*UpdateResult, error) {
	result := &UpdateResult{
		PreviousVer: u.currentVersion,
	}

	_, latest, available, err := u.CheckUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for update: %w", err)
	}

	if !available {
		result.Success = true
		result.NewVer = u.currentVersion
		return result, nil // Already up to date
	}
	result.NewVer = latest

	u.log("update available",
		zap.String("current", u.currentVersion), zap.String("latest", latest))

	binaryPath, err := u.targetBinaryPath()
	if err != nil {
		return nil, err
	}

	rollbackPath, err := u.createRollbackCopy(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback copy: %w", err)
	}
	defer os.RemoveAll(filepath.Dir(rollbackPath))

	u.log("rollback copy created", zap.String("path", rollbackPath))

	u.log("downloading new version", zap.String("version", latest))
	tmpBinaryPath, err := u.downloader.DownloadToTemp(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download update: %w", err)
	}
	defer os.RemoveAll(filepath.Dir(tmpBinaryPath))

	u.log("download complete", zap.String("path", tmpBinaryPath))

	// Refuse to install a binary that does not report the release
	// version: a truncated or mismatched download must never replace a
	// working install.
	gotVersion, err := queryBinaryVersion(tmpBinaryPath)
	if err != nil {
		return nil, fmt.Errorf("downloaded binary failed version check: %w", err)
	}
	if gotVersion != latest {
		return nil, fmt.Errorf("downloaded binary reports version %s, expected %s", gotVersion, latest)
	}

	return u.performInstall(result, tmpBinaryPath, binaryPath, rollbackPath)
}

// PerformUpdateFromLocal installs a locally built binary with rollback
// support, for sideloading builds that are not on GitHub yet.
func (u *Updater) PerformUpdateFromLocal(localBinaryPath string) (*UpdateResult, error) {
	result := &UpdateResult{
		PreviousVer: u.currentVersion,
	}

	info, err := os.Stat(localBinaryPath)
	if err != nil {
		return nil, fmt.Errorf("local binary not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("local binary path is a directory")
	}

	newVersion, err := queryBinaryVersion(localBinaryPath)
	if err != nil {
		u.log("warning: could not get version from local binary", zap.Error(err))
		newVersion = "unknown"
	}
	result.NewVer = newVersion

	u.log("updating from local binary",
		zap.String("path", localBinaryPath), zap.String("version", newVersion))

	binaryPath, err := u.targetBinaryPath()
	if err != nil {
		return nil, err
	}

	rollbackPath, err := u.createRollbackCopy(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback copy: %w", err)
	}
	defer os.RemoveAll(filepath.Dir(rollbackPath))

	return u.performInstall(result, localBinaryPath, binaryPath, rollbackPath)
}

// performInstall swaps the binary and restarts the daemon, restoring the
// rollback copy when any post-install step fails.
func (u *Updater) performInstall(result *UpdateResult, srcPath, dstPath, rollbackPath string) (*UpdateResult, error) {
	wasRunning, err := u.daemonRunning()
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon registry: %w", err)
	}

	// A unit-managed daemon keeps running through the swap and is
	// restarted by systemd afterwards. A bare daemon is stopped first so
	// the spawned replacement can claim the registry.
	if wasRunning && !u.serviceInstalled() {
		u.log("stopping daemon")
		if err := u.StopDaemon(); err != nil {
			return nil, fmt.Errorf("failed to stop daemon: %w", err)
		}
	}

	u.log("installing new binary", zap.String("path", dstPath))
	if err := copyFile(srcPath, dstPath); err != nil {
		u.log("install failed, rolling back", zap.Error(err))
		if rbErr := copyFile(rollbackPath, dstPath); rbErr != nil {
			return nil, fmt.Errorf("critical: install failed and rollback failed: install=%w, rollback=%v", err, rbErr)
		}
		_ = os.Chmod(dstPath, 0755)
		if wasRunning {
			if startErr := u.StartDaemon(); startErr != nil {
				u.log("warning: failed to restart daemon after install rollback", zap.Error(startErr))
			}
		}
		result.RolledBack = true
		result.RollbackReason = fmt.Sprintf("install failed: %v", err)
		return result, nil
	}
	_ = os.Chmod(dstPath, 0755)

	if wasRunning {
		u.log("restarting daemon")
		if err := u.StartDaemon(); err != nil {
			u.log("failed to restart daemon, rolling back", zap.Error(err))
			result.RolledBack = true
			result.RollbackReason = fmt.Sprintf("failed to restart daemon: %v", err)
			if rbErr := u.rollback(rollbackPath, dstPath, true); rbErr != nil {
				return nil, fmt.Errorf("critical: daemon restart failed and rollback failed: restart=%w, rollback=%v", err, rbErr)
			}
			return result, nil
		}

		// Sideloaded binaries may not report a usable version; fall back
		// to a liveness-only check.
		wantVersion := result.NewVer
		if wantVersion == "unknown" {
			wantVersion = ""
		}

		u.log("verifying daemon health")
		if err := u.VerifyDaemonHealthy(DefaultHealthCheckTimeout, wantVersion); err != nil {
			u.log("health check failed, rolling back", zap.Error(err))
			result.RolledBack = true
			result.RollbackReason = fmt.Sprintf("health check failed: %v", err)
			if rbErr := u.rollback(rollbackPath, dstPath, true); rbErr != nil {
				return nil, fmt.Errorf("critical: health check failed and rollback failed: health=%w, rollback=%v", err, rbErr)
			}
			return result, nil
		}
	}

	u.log("update successful", zap.String("version", result.NewVer))
	result.Success = true
	return result, nil
}

// StopDaemon stops the registered daemon, escalating to SIGKILL when the
// graceful stop times out.
func (u *Updater) StopDaemon() error {
	entry, err := u.registry.Current()
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	if entry == nil || entry.PID <= 0 || !u.inspector.IsRunning(entry.PID) {
		return nil // Nothing to stop
	}

	u.log("stopping daemon", zap.Int("pid", entry.PID))
	if err := u.signalProcess(entry.PID, syscall.SIGTERM); err != nil {
		u.log("warning: SIGTERM failed", zap.Int("pid", entry.PID), zap.Error(err))
	}

	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if !u.inspector.IsRunning(entry.PID) {
			return nil
		}
		time.Sleep(DaemonCheckInterval)
	}

	u.log("daemon did not exit, sending SIGKILL", zap.Int("pid", entry.PID))
	_ = u.signalProcess(entry.PID, syscall.SIGKILL)
	time.Sleep(DaemonCheckInterval)

	if u.inspector.IsRunning(entry.PID) {
		return fmt.Errorf("daemon (pid %d) did not exit", entry.PID)
	}
	return nil
}

// StartDaemon starts the daemon, via systemd when the unit is installed
// and as a detached process otherwise.
func (u *Updater) StartDaemon() error {
	if u.serviceInstalled() {
		return u.service.Restart()
	}

	binaryPath, err := u.targetBinaryPath()
	if err != nil {
		return err
	}
	return u.spawnDaemon(binaryPath)
}

// VerifyDaemonHealthy waits until a live daemon is registered. When
// wantVersion is non-empty the registered daemon must also report it, so
// a restart that brought back the old binary counts as unhealthy.
func (u *Updater) VerifyDaemonHealthy(timeout time.Duration, wantVersion string) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		entry, err := u.registry.Current()
		if err == nil && entry != nil && u.inspector.IsRunning(entry.PID) {
			if wantVersion == "" || entry.AppVersion == wantVersion {
				return nil
			}
		}
		time.Sleep(DaemonCheckInterval)
	}

	entry, _ := u.registry.Current()
	if entry == nil {
		return fmt.Errorf("no daemon registered after %v", timeout)
	}
	if !u.inspector.IsRunning(entry.PID) {
		return fmt.Errorf("daemon not running after %v", timeout)
	}
	return fmt.Errorf("daemon still reports version %s after %v", entry.AppVersion, timeout)
}

// createRollbackCopy snapshots the current binary into a temp dir.
func (u *Updater) createRollbackCopy(binaryPath string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "wirewarden-rollback-")
	if err != nil {
		return "", err
	}

	rollbackPath := filepath.Join(tmpDir, "wirewarden-rollback")
	if err := copyFile(binaryPath, rollbackPath); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	return rollbackPath, nil
}

// rollback restores the previous binary and, when restart is set, brings
// the daemon back up on it.
func (u *Updater) rollback(rollbackPath, binaryPath string, restart bool) error {
	u.log("performing rollback")

	if restart && !u.serviceInstalled() {
		_ = u.StopDaemon()
	}

	if err := copyFile(rollbackPath, binaryPath); err != nil {
		return fmt.Errorf("failed to restore binary: %w", err)
	}
	_ = os.Chmod(binaryPath, 0755)

	if restart {
		if err := u.StartDaemon(); err != nil {
			return fmt.Errorf("failed to restart daemon after rollback: %w", err)
		}
		if err := u.VerifyDaemonHealthy(DefaultHealthCheckTimeout, u.currentVersion); err != nil {
			return fmt.Errorf("daemon not healthy after rollback: %w", err)
		}
	}

	return nil
}

// daemonRunning reports whether the registered daemon PID is alive.
func (u *Updater) daemonRunning() (bool, error) {
	entry, err := u.registry.Current()
	if err != nil {
		return false, err
	}
	if entry == nil || entry.PID <= 0 {
		return false, nil
	}
	return u.inspector.IsRunning(entry.PID), nil
}

func (u *Updater) serviceInstalled() bool {
	return u.service != nil && u.service.IsInstalled()
}

// targetBinaryPath resolves the install destination, defaulting to the
// running executable.
func (u *Updater) targetBinaryPath() (string, error) {
	if u.binaryPath != "" {
		return u.binaryPath, nil
	}

	path, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate current binary: %w", err)
	}
	return path, nil
}

// signalProcess sends a signal to a process.
func (u *Updater) signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// spawnDaemon starts the daemon as a detached process.
func (u *Updater) spawnDaemon(binaryPath string) error {
	cmd := &execCmd{
		path: binaryPath,
		args: []string{binaryPath, "daemon"},
	}
	return cmd.start()
}

// log logs a message if a logger is available.
func (u *Updater) log(msg string, fields ...zap.Field) {
	if u.logger != nil {
		u.logger.Info(msg, fields...)
	}
}

// queryBinaryVersion runs the binary with "version --json" to get its
// version.
func queryBinaryVersion(binaryPath string) (string, error) {
	cmd := exec.Command(binaryPath, "version", "--json")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to query version: %w", err)
	}

	var info struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(output, &info); err != nil {
		return "", fmt.Errorf("failed to parse version: %w", err)
	}
	return info.Version, nil
}

// isNewerVersion reports whether candidate is a newer version than
// current. Simple comparison: splits by "." and compares each part
// numerically, so non-numeric parts (dev builds) compare as zero.
func isNewerVersion(candidate, current string) bool {
	if current == "" {
		return true // No current version, treat candidate as newer
	}

	candidateParts := strings.Split(candidate, ".")
	currentParts := strings.Split(current, ".")

	maxLen := len(candidateParts)
	if len(currentParts) > maxLen {
		maxLen = len(currentParts)
	}

	for i := 0; i < maxLen; i++ {
		var candidateNum, currentNum int

		if i < len(candidateParts) {
			candidateNum, _ = strconv.Atoi(candidateParts[i])
		}
		if i < len(currentParts) {
			currentNum, _ = strconv.Atoi(currentParts[i])
		}

		if candidateNum > currentNum {
			return true
		}
		if candidateNum < currentNum {
			return false
		}
	}

	return false // Equal versions
}

// copyFile copies src over dst through a temp file in the destination
// directory plus an atomic rename, so a crash mid-copy never leaves a
// truncated binary behind.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	dstDir := filepath.Dir(dst)
	tmpFile, err := os.CreateTemp(dstDir, ".wirewarden-copy-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}

	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}

// execCmd wraps process spawning for the detached daemon.
type execCmd struct {
	path string
	args []string
}

func (c *execCmd) start() error {
	devNull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/null: %w", err)
	}
	defer devNull.Close()

	// ForkExec with Setsid detaches the daemon from the updating
	// process, so it survives the CLI exiting.
	attr := &syscall.ProcAttr{
		Dir:   "/",
		Env:   os.Environ(),
		Files: []uintptr{devNull.Fd(), devNull.Fd(), devNull.Fd()},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	_, err = syscall.ForkExec(c.path, c.args, attr)
	return err
}
