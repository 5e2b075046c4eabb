package daemon

import (
	"time"

	"go.uber.org/zap"
)

// ensureRegistered restores the pidfile if it went missing, e.g. a cleared
// tmpfs runtime directory. A live foreign daemon holding the file is left
// alone; Register refuses and we log the refusal.
func (s *Supervisor) ensureRegistered() {
	entry, err := s.registry.Current()
	if err == nil && entry != nil && entry.PID == s.info.PID {
		return
	}

	if err := s.registry.Register(s.info); err != nil {
		s.logger.Warn("cannot restore registry entry", zap.Error(err))
		return
	}
	s.logger.Info("registry entry restored", zap.Int("pid", s.info.PID))
}

// ensureUnitCurrent rewrites the installed service unit when its content no
// longer matches, typically after the binary moved. It never installs a
// unit the operator did not ask for.
func (s *Supervisor) ensureUnitCurrent() {
	if s.service == nil || s.execPath == "" {
		return
	}
	if !s.service.IsInstalled() || !s.service.NeedsUpdate(s.execPath) {
		return
	}

	s.logger.Info("service unit outdated, updating",
		zap.String("unit", s.service.UnitPath()))
	if err := s.service.Update(s.execPath); err != nil {
		s.logger.Error("failed to update service unit", zap.Error(err))
	}
}

// pruneHistory enforces the retention window.
func (s *Supervisor) pruneHistory() {
	if s.history == nil || s.config.Retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.config.Retention)
	removed, err := s.history.PruneOlderThan(cutoff)
	if err != nil {
		s.logger.Warn("history prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("pruned history", zap.Int64("removed", removed))
	}
}
