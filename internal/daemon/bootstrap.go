package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cculver78/WireWarden/internal/api"
	"github.com/cculver78/WireWarden/internal/config"
	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/infra"
	"github.com/cculver78/WireWarden/internal/notify"
	"github.com/cculver78/WireWarden/internal/usecase"
)

// Options carries what the CLI layer resolved before starting the daemon.
type Options struct {
	Config  *config.Config
	Mode    *infra.RunModeConfig
	Version string
	Logger  *zap.Logger
}

// Run assembles the daemon and blocks until ctx is cancelled or a
// component fails. It registers the pidfile first so a second instance
// refuses to start before touching anything else.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	mode := opts.Mode
	logger := opts.Logger

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = mode.DataDir
	}

	inspector := infra.NewProcessInspector()
	registry := infra.NewFileRegistry(mode.RuntimeDir, inspector)

	info := domain.DaemonInfo{
		PID:        inspector.CurrentPID(),
		AppVersion: opts.Version,
		Mode:       string(mode.Mode),
		APIAddr:    cfg.ListenAddr,
		StartedAt:  time.Now(),
	}
	if err := registry.Register(info); err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}

	// History is auxiliary: a store that cannot be opened degrades the
	// daemon instead of stopping it.
	var history domain.HistoryStore
	if cfg.History.Enabled {
		store, err := openHistory(dataDir)
		if err != nil {
			logger.Error("history disabled: cannot open store", zap.Error(err))
		} else {
			history = store
		}
	}

	pkexecPath := cfg.PkexecPath
	if pkexecPath == "" {
		pkexecPath = mode.PkexecPath
	}

	scanner := infra.NewDirectoryScanner(cfg.TunnelsDir)
	elevation := infra.NewElevationManager(pkexecPath)
	runner := infra.NewQuickRunner(cfg.WgQuickPath, elevation, cfg.CommandTimeout.Duration(), logger)
	observer := infra.NewObserver(cfg.WgPath, logger)
	hub := notify.NewHub(logger)

	coord := usecase.NewCoordinator(
		usecase.Config{ConfirmTimeout: cfg.ConfirmTimeout.Duration()},
		scanner,
		runner,
		history,
		hub,
		logger,
	)
	server := api.NewServer(cfg.ListenAddr, coord, history, hub, opts.Version, logger)

	execPath, err := os.Executable()
	if err != nil {
		logger.Warn("cannot determine executable path", zap.Error(err))
		execPath = ""
	}

	retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	if history == nil {
		retention = 0
	}
	supervisor := NewSupervisor(
		DefaultSupervisorConfig(cfg.PollInterval.Duration(), retention),
		observer,
		coord,
		registry,
		history,
		infra.NewSystemdManager(mode),
		info,
		execPath,
		logger,
	)

	logger.Info("daemon started",
		zap.Int("pid", info.PID),
		zap.String("mode", string(mode.Mode)),
		zap.String("api", cfg.ListenAddr),
		zap.String("tunnels_dir", cfg.TunnelsDir))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return coord.Run(groupCtx) })
	group.Go(func() error { return supervisor.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })

	var result *multierror.Error
	result = multierror.Append(result, group.Wait())

	if closer, ok := observer.(io.Closer); ok {
		result = multierror.Append(result, closer.Close())
	}
	if history != nil {
		result = multierror.Append(result, history.Close())
	}
	result = multierror.Append(result, registry.Clear())

	logger.Info("daemon stopped")
	return result.ErrorOrNil()
}

func openHistory(dataDir string) (domain.HistoryStore, error) {
	provider := infra.NewFileKeyProvider(dataDir)
	key, err := infra.EnsureKey(provider)
	if err != nil {
		return nil, fmt.Errorf("history key: %w", err)
	}
	store, err := infra.NewEncryptedHistory(dataDir, key)
	if err != nil {
		return nil, err
	}
	return store, nil
}
