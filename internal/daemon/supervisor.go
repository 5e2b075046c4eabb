// Package daemon runs the long-lived wirewarden process: coordinator,
// interface poller, local API, and the periodic maintenance tickers.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// ObservationSink receives poll results. Implemented by the coordinator.
type ObservationSink interface {
	ReportObservation(obs *domain.InterfaceObservation, err error)
}

// SupervisorConfig holds the supervisor's ticker intervals.
type SupervisorConfig struct {
	PollInterval      time.Duration // interface table polls
	HeartbeatInterval time.Duration // registry liveness refresh
	RegistryInterval  time.Duration // pidfile presence check
	ServiceInterval   time.Duration // systemd unit content check
	PruneInterval     time.Duration // history retention enforcement
	Retention         time.Duration // history age limit; 0 disables pruning
}

// DefaultSupervisorConfig returns the default intervals around the
// configured poll cadence and history retention.
func DefaultSupervisorConfig(pollInterval, retention time.Duration) SupervisorConfig {
	return SupervisorConfig{
		PollInterval:      pollInterval,
		HeartbeatInterval: 30 * time.Second,
		RegistryInterval:  60 * time.Second,
		ServiceInterval:   5 * time.Minute,
		PruneInterval:     6 * time.Hour,
		Retention:         retention,
	}
}

// Supervisor drives the periodic work: it polls the interface table and
// feeds the coordinator, keeps the registry heartbeat fresh, restores a
// lost pidfile, refreshes an outdated service unit, and prunes history.
type Supervisor struct {
	config   SupervisorConfig
	observer domain.InterfaceObserver
	sink     ObservationSink
	registry domain.DaemonRegistry
	history  domain.HistoryStore   // nil disables pruning
	service  domain.ServiceManager // nil disables unit refresh
	info     domain.DaemonInfo
	execPath string
	logger   *zap.Logger
}

// NewSupervisor creates a supervisor. history and service may be nil.
func NewSupervisor(
	config SupervisorConfig,
	observer domain.InterfaceObserver,
	sink ObservationSink,
	registry domain.DaemonRegistry,
	history domain.HistoryStore,
	service domain.ServiceManager,
	info domain.DaemonInfo,
	execPath string,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:   config,
		observer: observer,
		sink:     sink,
		registry: registry,
		history:  history,
		service:  service,
		info:     info,
		execPath: execPath,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. The first poll happens immediately
// so the coordinator has an observation before the first tick.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started",
		zap.Duration("poll_interval", s.config.PollInterval))

	s.pollOnce(ctx)
	s.pruneHistory()

	pollTicker := time.NewTicker(s.config.PollInterval)
	heartbeatTicker := time.NewTicker(s.config.HeartbeatInterval)
	registryTicker := time.NewTicker(s.config.RegistryInterval)
	serviceTicker := time.NewTicker(s.config.ServiceInterval)
	pruneTicker := time.NewTicker(s.config.PruneInterval)

	defer func() {
		pollTicker.Stop()
		heartbeatTicker.Stop()
		registryTicker.Stop()
		serviceTicker.Stop()
		pruneTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return nil

		case <-pollTicker.C:
			s.pollOnce(ctx)

		case <-heartbeatTicker.C:
			if err := s.registry.UpdateHeartbeat(); err != nil {
				s.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-registryTicker.C:
			s.ensureRegistered()

		case <-serviceTicker.C:
			s.ensureUnitCurrent()

		case <-pruneTicker.C:
			s.pruneHistory()
		}
	}
}

// pollOnce reads the interface table and reports the result, success or
// failure, to the coordinator. The poll is bounded by the poll interval
// so a wedged observer cannot stall the loop past the next tick.
func (s *Supervisor) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.config.PollInterval)
	defer cancel()

	obs, err := s.observer.Observe(pollCtx)
	s.sink.ReportObservation(obs, err)
}
