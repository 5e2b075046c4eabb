package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// pkexec's own exit codes, distinct from the wrapped command's.
const (
	pkexecExitDismissed     = 126
	pkexecExitNotAuthorized = 127
)

// QuickRunner executes wg-quick for tunnel activation and deactivation.
// The binary path can be pinned through configuration; otherwise it is
// resolved from PATH on every call so a freshly installed wg-quick is
// picked up without restarting the daemon.
type QuickRunner struct {
	wgQuickPath string
	elevation   *ElevationManager
	timeout     time.Duration
	logger      *zap.Logger
}

// NewQuickRunner creates a runner. wgQuickPath may be empty, in which
// case the binary is looked up from PATH per invocation.
func NewQuickRunner(wgQuickPath string, elevation *ElevationManager, timeout time.Duration, logger *zap.Logger) *QuickRunner {
	return &QuickRunner{
		wgQuickPath: wgQuickPath,
		elevation:   elevation,
		timeout:     timeout,
		logger:      logger,
	}
}

// Up brings the tunnel up via `wg-quick up <path>`.
func (r *QuickRunner) Up(ctx context.Context, desc domain.TunnelDescriptor) (*domain.CommandResult, error) {
	return r.run(ctx, domain.VerbUp, desc)
}

// Down tears the tunnel down via `wg-quick down <path>`.
func (r *QuickRunner) Down(ctx context.Context, desc domain.TunnelDescriptor) (*domain.CommandResult, error) {
	return r.run(ctx, domain.VerbDown, desc)
}

func (r *QuickRunner) run(ctx context.Context, verb domain.CommandVerb, desc domain.TunnelDescriptor) (*domain.CommandResult, error) {
	tool, err := r.resolveTool()
	if err != nil {
		return nil, &domain.CommandError{
			Verb:   verb,
			Kind:   domain.FailureToolMissing,
			Detail: err.Error(),
		}
	}

	strategy, err := r.elevation.Resolve()
	if err != nil {
		return nil, &domain.CommandError{
			Verb:   verb,
			Kind:   domain.FailurePermissionDenied,
			Detail: err.Error(),
		}
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	argv := strategy.Wrap([]string{tool, string(verb), desc.Path})
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("running wg-quick",
		zap.String("verb", string(verb)),
		zap.String("tunnel", desc.Identifier),
		zap.String("elevation", strategy.Name()))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &domain.CommandResult{
		Verb:    verb,
		Stderr:  strings.TrimSpace(stderr.String()),
		Elapsed: elapsed,
	}

	if runErr == nil {
		r.logger.Info("wg-quick succeeded",
			zap.String("verb", string(verb)),
			zap.String("tunnel", desc.Identifier),
			zap.Duration("elapsed", elapsed))
		return result, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, &domain.CommandError{
			Verb:   verb,
			Kind:   domain.FailureTimeout,
			Detail: fmt.Sprintf("no result after %s", r.timeout),
		}
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		// Launch failure, not a command failure: the binary vanished
		// between LookPath and exec, or is not executable.
		return nil, &domain.CommandError{
			Verb:   verb,
			Kind:   domain.FailureToolMissing,
			Detail: runErr.Error(),
		}
	}

	result.ExitCode = exitErr.ExitCode()
	detail := diagnostic(&stderr, &stdout)

	if noop, reason := classifyNoop(verb, detail); noop {
		result.Noop = true
		r.logger.Info("wg-quick no-op",
			zap.String("verb", string(verb)),
			zap.String("tunnel", desc.Identifier),
			zap.String("reason", reason))
		return result, nil
	}

	kind := classifyFailure(strategy, result.ExitCode, detail)
	r.logger.Warn("wg-quick failed",
		zap.String("verb", string(verb)),
		zap.String("tunnel", desc.Identifier),
		zap.Int("exit_code", result.ExitCode),
		zap.String("kind", string(kind)),
		zap.String("detail", detail))

	return result, &domain.CommandError{
		Verb:     verb,
		Kind:     kind,
		ExitCode: result.ExitCode,
		Detail:   detail,
	}
}

func (r *QuickRunner) resolveTool() (string, error) {
	if r.wgQuickPath != "" {
		return r.wgQuickPath, nil
	}
	path, err := exec.LookPath("wg-quick")
	if err != nil {
		return "", fmt.Errorf("wg-quick not found on PATH: %w", err)
	}
	return path, nil
}

// diagnostic picks the most useful failure text: stderr first, stdout
// as fallback, then a generic message.
func diagnostic(stderr, stdout *bytes.Buffer) string {
	if s := strings.TrimSpace(stderr.String()); s != "" {
		return s
	}
	if s := strings.TrimSpace(stdout.String()); s != "" {
		return s
	}
	return "wg-quick failed without output"
}

// classifyNoop detects failures that mean the tunnel is already in the
// requested state. Those count as successes so repeated activation or
// deactivation stays idempotent.
func classifyNoop(verb domain.CommandVerb, detail string) (bool, string) {
	switch verb {
	case domain.VerbUp:
		if strings.Contains(detail, "already exists") {
			return true, "interface already exists"
		}
	case domain.VerbDown:
		if strings.Contains(detail, "is not a WireGuard interface") {
			return true, "interface not present"
		}
	}
	return false, ""
}

// classifyFailure maps a non-zero exit to a failure kind. pkexec's own
// exit codes are checked only when pkexec actually wrapped the command,
// since wg-quick could exit with the same numbers for other reasons.
func classifyFailure(strategy ElevationStrategy, exitCode int, detail string) domain.FailureKind {
	if strategy.Name() == "pkexec" {
		switch exitCode {
		case pkexecExitDismissed, pkexecExitNotAuthorized:
			return domain.FailurePermissionDenied
		}
	}
	for _, marker := range []string{
		"Line unrecognized",
		"does not exist",
		"Invalid",
		"Key is not the correct length",
		"No such file or directory",
	} {
		if strings.Contains(detail, marker) {
			return domain.FailureConfigInvalid
		}
	}
	return domain.FailureUnknown
}

// Ensure QuickRunner implements domain.TunnelRunner.
var _ domain.TunnelRunner = (*QuickRunner)(nil)
