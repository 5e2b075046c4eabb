// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"context"
	"time"
)

// TunnelState is the lifecycle state of a tunnel as believed by the coordinator.
type TunnelState string

const (
	StateDown         TunnelState = "down"
	StateBringingUp   TunnelState = "bringing-up"
	StateUp           TunnelState = "up"
	StateBringingDown TunnelState = "bringing-down"
	StateError        TunnelState = "error"
)

// Active reports whether the state counts against the single-active-tunnel
// invariant.
func (s TunnelState) Active() bool {
	return s == StateUp || s == StateBringingUp
}

// CommandVerb is the wg-quick verb passed to the runner.
type CommandVerb string

const (
	VerbUp   CommandVerb = "up"
	VerbDown CommandVerb = "down"
)

// TunnelDescriptor represents one discoverable configuration file.
// Rebuilt wholesale on every scan; Path never changes after discovery.
type TunnelDescriptor struct {
	// Identifier is the file stem and the expected interface name.
	Identifier string
	// Path is the absolute location of the configuration file.
	Path string
}

// RejectedFile reports a configuration file excluded by name validation.
// Never silently dropped; Reason is surfaced to the operator.
type RejectedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// TunnelStatus is the per-descriptor view exposed to the presentation layer.
type TunnelStatus struct {
	Identifier string      `json:"identifier"`
	Path       string      `json:"path"`
	State      TunnelState `json:"state"`
	LastError  string      `json:"last_error,omitempty"`
	ChangedAt  time.Time   `json:"changed_at"`
}

// DeviceInfo carries per-interface detail from the WireGuard device query.
type DeviceInfo struct {
	ListenPort int `json:"listen_port"`
	PeerCount  int `json:"peer_count"`
}

// InterfaceObservation is the result of one poll of the OS interface table.
// Names lists every live WireGuard interface; the observer does not know
// which of them correspond to discovered descriptors.
type InterfaceObservation struct {
	Names   []string
	Devices map[string]DeviceInfo
	At      time.Time
}

// Contains reports whether the observation saw the named interface.
func (o *InterfaceObservation) Contains(name string) bool {
	for _, n := range o.Names {
		if n == name {
			return true
		}
	}
	return false
}

// CommandResult captures one wg-quick invocation.
type CommandResult struct {
	Verb     CommandVerb
	ExitCode int
	Stderr   string
	Elapsed  time.Duration
	// Noop marks idempotent outcomes (already active / already inactive)
	// that the external tool reports as failures but the contract treats
	// as success.
	Noop bool
}

// ForeignInterface is a live WireGuard interface with no matching descriptor,
// e.g. one brought up by another tool.
type ForeignInterface struct {
	Name       string `json:"name"`
	ListenPort int    `json:"listen_port,omitempty"`
	PeerCount  int    `json:"peer_count,omitempty"`
}

// Snapshot is the consistent view the coordinator exposes for rendering.
// Observed lists every live interface name from the last poll so that
// multi-interface situations are reported in full, even though states
// never guess beyond the single-active invariant.
type Snapshot struct {
	Tunnels      []TunnelStatus     `json:"tunnels"`
	Active       string             `json:"active,omitempty"`
	Observed     []string           `json:"observed,omitempty"`
	Foreign      []ForeignInterface `json:"foreign,omitempty"`
	Rejected     []RejectedFile     `json:"rejected,omitempty"`
	Inconsistent bool               `json:"inconsistent,omitempty"`
	LastScan     time.Time          `json:"last_scan"`
	LastPoll     time.Time          `json:"last_poll"`
	PollError    string             `json:"poll_error,omitempty"`
}

// ScanSummary is returned by a rescan request.
type ScanSummary struct {
	Discovered int            `json:"discovered"`
	Rejected   []RejectedFile `json:"rejected,omitempty"`
}

// Transition origins recorded in history.
const (
	OriginAPI      = "api"
	OriginCLI      = "cli"
	OriginExternal = "external"
)

// Transition outcomes recorded in history.
const (
	// OutcomeSucceeded: the command ran and exited zero.
	OutcomeSucceeded = "succeeded"
	// OutcomeNoop: the tool reported the tunnel was already in the
	// requested state.
	OutcomeNoop = "noop"
	// OutcomeFailed: the command failed; Detail carries the reason.
	OutcomeFailed = "failed"
	// OutcomeAdopted: a poll observed an externally started tunnel.
	OutcomeAdopted = "adopted"
	// OutcomeLost: a poll observed that the active tunnel vanished.
	OutcomeLost = "lost"
)

type originContextKey struct{}

// WithOrigin tags ctx with the origin of a tunnel command so history
// records can tell API, CLI and external transitions apart.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originContextKey{}, origin)
}

// OriginFromContext returns the tagged origin, defaulting to OriginAPI.
func OriginFromContext(ctx context.Context) string {
	if origin, ok := ctx.Value(originContextKey{}).(string); ok && origin != "" {
		return origin
	}
	return OriginAPI
}

// TransitionRecord is one row of the transition history.
type TransitionRecord struct {
	ID         int64     `json:"id"`
	Tunnel     string    `json:"tunnel"`
	Verb       string    `json:"verb"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	ExitCode   int       `json:"exit_code"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventKind identifies what a pushed event describes.
type EventKind string

const (
	EventStateChanged EventKind = "state-changed"
	EventRescanned    EventKind = "rescanned"
	EventPollDegraded EventKind = "poll-degraded"
)

// Event is pushed to subscribers whenever the coordinator changes state.
type Event struct {
	Kind   EventKind   `json:"kind"`
	Tunnel string      `json:"tunnel,omitempty"`
	State  TunnelState `json:"state,omitempty"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// DaemonInfo describes the running daemon process.
type DaemonInfo struct {
	PID        int
	AppVersion string
	Mode       string
	APIAddr    string
	StartedAt  time.Time
}

// RegistryEntry is the daemon pidfile contents, persisted as JSON for
// cross-process discovery (CLI finding the daemon, second-instance refusal).
type RegistryEntry struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	AppVersion    string `json:"app_version,omitempty"`
	Mode          string `json:"mode,omitempty"`
	APIAddr       string `json:"api_addr,omitempty"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
}
