//go:build !linux

package infra

import (
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// NewObserver returns the wg binary observer. Netlink is Linux only.
func NewObserver(wgPath string, logger *zap.Logger) domain.InterfaceObserver {
	return NewCommandObserver(wgPath, logger)
}
