//go:build linux

package infra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/cculver78/WireWarden/internal/domain"
)

// NetlinkObserver lists WireGuard interfaces through rtnetlink and
// enriches them with device detail (listen port, peer count) via the
// WireGuard control protocol. It needs no external binary.
type NetlinkObserver struct {
	client *wgctrl.Client
	logger *zap.Logger
}

// NewNetlinkObserver opens a WireGuard control client. The returned
// observer must be closed when no longer needed.
func NewNetlinkObserver(logger *zap.Logger) (*NetlinkObserver, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control client: %w", err)
	}
	return &NetlinkObserver{client: client, logger: logger}, nil
}

// Observe lists links of type wireguard. Device detail is best effort:
// an unprivileged process can see the link but not query its device,
// and the name list alone is enough for state tracking.
func (o *NetlinkObserver) Observe(ctx context.Context) (*domain.InterfaceObservation, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var names []string
	for _, link := range links {
		if link.Type() != "wireguard" {
			continue
		}
		names = append(names, link.Attrs().Name)
	}
	sort.Strings(names)

	obs := &domain.InterfaceObservation{
		Names:   names,
		Devices: make(map[string]domain.DeviceInfo, len(names)),
		At:      time.Now(),
	}

	for _, name := range names {
		dev, err := o.client.Device(name)
		if err != nil {
			o.logger.Debug("device query failed",
				zap.String("interface", name),
				zap.Error(err))
			continue
		}
		obs.Devices[name] = domain.DeviceInfo{
			ListenPort: dev.ListenPort,
			PeerCount:  len(dev.Peers),
		}
	}

	return obs, nil
}

// Close releases the control client.
func (o *NetlinkObserver) Close() error {
	return o.client.Close()
}

// NewObserver picks the best observer for this host: netlink when the
// control client opens, the wg binary otherwise.
func NewObserver(wgPath string, logger *zap.Logger) domain.InterfaceObserver {
	observer, err := NewNetlinkObserver(logger)
	if err != nil {
		logger.Warn("netlink observer unavailable, falling back to wg binary", zap.Error(err))
		return NewCommandObserver(wgPath, logger)
	}
	return observer
}

// Ensure NetlinkObserver implements domain.InterfaceObserver.
var _ domain.InterfaceObserver = (*NetlinkObserver)(nil)
