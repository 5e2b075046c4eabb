// Package main is the CLI entry point for wirewarden.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cculver78/WireWarden/internal/api"
	"github.com/cculver78/WireWarden/internal/config"
	"github.com/cculver78/WireWarden/internal/daemon"
	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wirewarden",
	Short: "WireGuard tunnel manager with a single-active guarantee",
	Long: `wirewarden manages wg-quick tunnels from /etc/wireguard (or a configured
directory). A background daemon keeps exactly one tunnel active at a time,
polls the OS for interface truth, and exposes a local API for frontends.

Commands also work without the daemon: up/down then invoke wg-quick
directly, without state tracking or history.`,
	Version: Version,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daemon (coordinator, interface poller, local API)",
	Long: `Runs in the foreground until SIGINT/SIGTERM. Usually started by the
systemd unit installed with 'wirewarden service install'.`,
	RunE: runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and tunnel status",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered tunnel configurations",
	RunE:  runList,
}

var upCmd = &cobra.Command{
	Use:   "up <tunnel>",
	Short: "Activate a tunnel",
	Long: `Activates the named tunnel through the daemon when one is running, so the
single-active rule and history apply. Without a daemon, invokes wg-quick
directly after checking that no other WireGuard interface is up.`,
	Args: cobra.ExactArgs(1),
	RunE: runUp,
}

var downCmd = &cobra.Command{
	Use:   "down <tunnel>",
	Short: "Deactivate a tunnel",
	Args:  cobra.ExactArgs(1),
	RunE:  runDown,
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Rescan the tunnels directory",
	RunE:  runRescan,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tunnel transitions",
	RunE:  runHistory,
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the systemd unit",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the systemd unit",
	RunE:  runServiceInstall,
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd unit",
	RunE:  runServiceUninstall,
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the systemd unit state",
	RunE:  runServiceStatus,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update wirewarden to the latest release",
	Long: `Checks GitHub for a newer release and installs it, restarting the daemon
on the new binary. If the restarted daemon fails its health check the
previous binary is restored.`,
	RunE: runUpdate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath   string
	historyLimit int
	jsonOutput   bool
	updateCheck  bool
	updateFrom   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: per-user location)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of records to show")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	updateCmd.Flags().BoolVar(&updateCheck, "check", false, "Only check whether an update is available")
	updateCmd.Flags().StringVar(&updateFrom, "from", "", "Install a locally built binary instead of downloading")

	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode := infra.DetectRunMode()

	logPath := cfg.LogPath
	if logPath == "" {
		logPath = mode.LogPath
	}
	logger := createLogger(logPath)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	return daemon.Run(ctx, daemon.Options{
		Config:  cfg,
		Mode:    mode,
		Version: Version,
		Logger:  logger,
	})
}

func createLogger(logPath string) *zap.Logger {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
		config := zap.NewProductionConfig()
		config.OutputPaths = []string{logPath}
		config.ErrorOutputPaths = []string{logPath}
		config.EncoderConfig.TimeKey = "time"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		if logger, err := config.Build(); err == nil {
			return logger
		}
	}
	// Fallback to stderr if file logging fails
	logger, _ := zap.NewProduction()
	return logger
}

// dialDaemon finds a live daemon via the registry and confirms its API
// answers. Returns ErrDaemonNotRunning when there is nothing to talk to.
func dialDaemon(ctx context.Context) (*api.Client, *domain.RegistryEntry, error) {
	mode := infra.DetectRunMode()
	registry := infra.NewFileRegistry(mode.RuntimeDir, infra.NewProcessInspector())

	entry, err := registry.Current()
	if err != nil || entry == nil {
		return nil, nil, domain.ErrDaemonNotRunning
	}
	alive, err := registry.IsDaemonAlive()
	if err != nil || !alive || entry.APIAddr == "" {
		return nil, entry, domain.ErrDaemonNotRunning
	}

	client := api.NewClient(entry.APIAddr)
	if err := client.Health(ctx); err != nil {
		return nil, entry, fmt.Errorf("daemon (pid %d) is registered but its API is unreachable: %w", entry.PID, err)
	}
	return client, entry, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	fmt.Println("=== wirewarden status ===")

	client, entry, err := dialDaemon(ctx)
	if err != nil {
		fmt.Println("Daemon: not running")
		if entry != nil {
			fmt.Printf("        (stale registry entry at pid %d)\n", entry.PID)
		}
		fmt.Println("\nStart it with 'wirewarden daemon' or 'wirewarden service install'.")
		return nil
	}

	fmt.Printf("Daemon: running (pid %d, %s mode)\n", entry.PID, entry.Mode)
	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	snap, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("daemon API error: %w", err)
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(snap *domain.Snapshot) {
	if snap.Active != "" {
		fmt.Printf("Active tunnel: %s\n", snap.Active)
	} else {
		fmt.Println("Active tunnel: none")
	}
	if snap.Inconsistent {
		fmt.Println("Warning: multiple WireGuard interfaces are up; tunnel states may not reflect reality")
	}
	if snap.PollError != "" {
		fmt.Printf("Warning: interface polling is failing: %s\n", snap.PollError)
	}

	fmt.Println("\nTunnels:")
	if len(snap.Tunnels) == 0 {
		fmt.Println("  (none discovered)")
	}
	for _, tun := range snap.Tunnels {
		line := fmt.Sprintf("  %-16s %s", tun.Identifier, tun.State)
		if tun.LastError != "" {
			line += fmt.Sprintf("  (%s)", tun.LastError)
		}
		fmt.Println(line)
	}

	if len(snap.Foreign) > 0 {
		fmt.Println("\nForeign interfaces (no matching config):")
		for _, foreign := range snap.Foreign {
			fmt.Printf("  %s (port %d, %d peers)\n", foreign.Name, foreign.ListenPort, foreign.PeerCount)
		}
	}
	if len(snap.Rejected) > 0 {
		fmt.Println("\nIgnored files:")
		for _, rej := range snap.Rejected {
			fmt.Printf("  %s: %s\n", rej.Name, rej.Reason)
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if client, _, err := dialDaemon(ctx); err == nil {
		tunnels, err := client.Tunnels(ctx)
		if err != nil {
			return err
		}
		for _, tun := range tunnels {
			fmt.Printf("%-16s %-13s %s\n", tun.Identifier, tun.State, tun.Path)
		}
		if len(tunnels) == 0 {
			fmt.Println("No tunnel configurations found.")
		}
		return nil
	}

	// No daemon: scan directly. States are unknown without the poller.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	scanner := infra.NewDirectoryScanner(cfg.TunnelsDir)
	descs, rejected, err := scanner.Scan()
	if err != nil {
		return err
	}
	for _, desc := range descs {
		fmt.Printf("%-16s %s\n", desc.Identifier, desc.Path)
	}
	if len(descs) == 0 {
		fmt.Printf("No tunnel configurations found in %s.\n", cfg.TunnelsDir)
	}
	for _, rej := range rejected {
		fmt.Printf("ignored: %s (%s)\n", rej.Name, rej.Reason)
	}
	return nil
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx := domain.WithOrigin(context.Background(), domain.OriginCLI)
	name := args[0]

	if client, _, err := dialDaemon(ctx); err == nil {
		if err := client.Activate(ctx, name); err != nil {
			return err
		}
		fmt.Printf("Tunnel %q activated\n", name)
		return nil
	}
	return directCommand(ctx, domain.VerbUp, name)
}

func runDown(cmd *cobra.Command, args []string) error {
	ctx := domain.WithOrigin(context.Background(), domain.OriginCLI)
	name := args[0]

	if client, _, err := dialDaemon(ctx); err == nil {
		if err := client.Deactivate(ctx, name); err != nil {
			return err
		}
		fmt.Printf("Tunnel %q deactivated\n", name)
		return nil
	}
	return directCommand(ctx, domain.VerbDown, name)
}

// directCommand invokes wg-quick without a daemon. No state is tracked and
// no history is recorded; the daemon adopts the tunnel once it starts.
func directCommand(ctx context.Context, verb domain.CommandVerb, name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode := infra.DetectRunMode()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	scanner := infra.NewDirectoryScanner(cfg.TunnelsDir)
	descs, _, err := scanner.Scan()
	if err != nil {
		return err
	}
	var desc *domain.TunnelDescriptor
	for i := range descs {
		if descs[i].Identifier == name {
			desc = &descs[i]
			break
		}
	}
	if desc == nil {
		return fmt.Errorf("%w: %s", domain.ErrTunnelNotFound, name)
	}

	// Honor the single-active rule even without the daemon.
	if verb == domain.VerbUp {
		observer := infra.NewObserver(cfg.WgPath, logger)
		if obs, err := observer.Observe(ctx); err == nil {
			for _, live := range obs.Names {
				if live != name {
					return fmt.Errorf("interface %q is already up; bring it down first", live)
				}
			}
		}
	}

	pkexecPath := cfg.PkexecPath
	if pkexecPath == "" {
		pkexecPath = mode.PkexecPath
	}
	runner := infra.NewQuickRunner(cfg.WgQuickPath, infra.NewElevationManager(pkexecPath), cfg.CommandTimeout.Duration(), logger)

	var result *domain.CommandResult
	if verb == domain.VerbUp {
		result, err = runner.Up(ctx, *desc)
	} else {
		result, err = runner.Down(ctx, *desc)
	}
	if err != nil {
		return err
	}

	switch {
	case result.Noop && verb == domain.VerbUp:
		fmt.Printf("Tunnel %q is already up\n", name)
	case result.Noop:
		fmt.Printf("Tunnel %q is already down\n", name)
	case verb == domain.VerbUp:
		fmt.Printf("Tunnel %q activated (no daemon running; state is not tracked)\n", name)
	default:
		fmt.Printf("Tunnel %q deactivated\n", name)
	}
	return nil
}

func runRescan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var summary *domain.ScanSummary
	if client, _, err := dialDaemon(ctx); err == nil {
		summary, err = client.Rescan(ctx)
		if err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		descs, rejected, err := infra.NewDirectoryScanner(cfg.TunnelsDir).Scan()
		if err != nil {
			return err
		}
		summary = &domain.ScanSummary{Discovered: len(descs), Rejected: rejected}
	}

	fmt.Printf("Discovered %d tunnel configuration(s)\n", summary.Discovered)
	for _, rej := range summary.Rejected {
		fmt.Printf("ignored: %s (%s)\n", rej.Name, rej.Reason)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	records, err := fetchHistory(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transitions recorded.")
		return nil
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-14s %-5s %-10s %-9s",
			rec.OccurredAt.Format(time.RFC3339), rec.Tunnel, rec.Verb, rec.Outcome, rec.Origin)
		if rec.Detail != "" {
			line += "  " + rec.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func fetchHistory(ctx context.Context) ([]domain.TransitionRecord, error) {
	if client, _, err := dialDaemon(ctx); err == nil {
		return client.History(ctx, historyLimit)
	}

	// No daemon: read the database directly.
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled in the configuration")
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = infra.DetectRunMode().DataDir
	}

	provider := infra.NewFileKeyProvider(dataDir)
	if !provider.KeyExists() {
		return nil, nil
	}
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("history key: %w", err)
	}
	store, err := infra.NewEncryptedHistory(dataDir, key)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Recent(historyLimit)
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	mode := infra.DetectRunMode()
	manager := infra.NewSystemdManager(mode)

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	if err := manager.Install(execPath); err != nil {
		return err
	}
	fmt.Printf("Installed and started %s\n", manager.UnitPath())
	if mode.IsRoot {
		fmt.Println("The daemon runs system-wide and starts at boot.")
	} else {
		fmt.Println("The daemon runs in your session and starts at login.")
	}
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	manager := infra.NewSystemdManager(infra.DetectRunMode())
	if err := manager.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", manager.UnitPath())
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	manager := infra.NewSystemdManager(infra.DetectRunMode())

	if !manager.IsInstalled() {
		fmt.Println("Service unit: not installed")
		return nil
	}
	fmt.Printf("Service unit: %s\n", manager.UnitPath())

	execPath, err := os.Executable()
	if err == nil && manager.NeedsUpdate(execPath) {
		fmt.Println("Unit content is outdated (binary moved?); run 'wirewarden service install' to refresh.")
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	updater := infra.NewUpdater(Version, infra.DetectRunMode(), logger)
	ctx := context.Background()

	if updateFrom != "" {
		result, err := updater.PerformUpdateFromLocal(updateFrom)
		if err != nil {
			return err
		}
		return reportUpdateResult(result)
	}

	current, latest, available, err := updater.CheckUpdate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Current version: %s\n", current)
	fmt.Printf("Latest release:  %s\n", latest)

	if !available {
		fmt.Println("Already up to date.")
		return nil
	}
	if updateCheck {
		fmt.Printf("Update available: %s -> %s\n", current, latest)
		return nil
	}

	result, err := updater.PerformUpdate(ctx)
	if err != nil {
		return err
	}
	return reportUpdateResult(result)
}

func reportUpdateResult(result *infra.UpdateResult) error {
	if result.RolledBack {
		return fmt.Errorf("update to %s failed and was rolled back: %s",
			result.NewVer, result.RollbackReason)
	}
	fmt.Printf("Updated %s -> %s\n", result.PreviousVer, result.NewVer)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("wirewarden %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
