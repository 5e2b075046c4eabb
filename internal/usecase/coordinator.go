// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// ErrStopped is returned by requests issued after the coordinator's run
// loop has exited.
var ErrStopped = errors.New("coordinator is not running")

// Config carries the coordinator's tunables.
type Config struct {
	// ConfirmTimeout bounds how long a tunnel may sit in bringing-up or
	// bringing-down after a successful command before the missing poll
	// confirmation is treated as an error.
	ConfirmTimeout time.Duration
}

// tunnelEntry is the coordinator's belief about one tunnel.
type tunnelEntry struct {
	desc      domain.TunnelDescriptor
	state     domain.TunnelState
	lastError string
	changedAt time.Time
	// deadline is set once a command succeeded and the state awaits poll
	// confirmation. Zero while no confirmation is expected.
	deadline time.Time
}

type commandRequest struct {
	verb   domain.CommandVerb
	name   string
	origin string
	reply  chan error
}

type rescanRequest struct {
	reply chan rescanReply
}

type rescanReply struct {
	summary *domain.ScanSummary
	err     error
}

type snapshotRequest struct {
	reply chan *domain.Snapshot
}

type observationMsg struct {
	obs *domain.InterfaceObservation
	err error
}

type completionMsg struct {
	verb   domain.CommandVerb
	name   string
	origin string
	result *domain.CommandResult
	err    error
}

type pendingCommand struct {
	verb    domain.CommandVerb
	name    string
	origin  string
	reply   chan error
	started time.Time
}

// CoordinatorImpl implements domain.TunnelService. It is the sole owner
// of all tunnel states and the active-tunnel reference; every mutation
// flows through the single goroutine inside Run. Requests arriving while
// a wg-quick invocation is in flight fail fast with BusyError instead of
// queueing.
type CoordinatorImpl struct {
	cfg       Config
	scanner   domain.ConfigScanner
	runner    domain.TunnelRunner
	history   domain.HistoryStore // nil when history is disabled
	publisher domain.Publisher
	logger    *zap.Logger

	requests     chan commandRequest
	rescans      chan rescanRequest
	snapshots    chan snapshotRequest
	observations chan observationMsg
	completions  chan completionMsg
	done         chan struct{}

	// State below is owned by the Run goroutine.
	tunnels  map[string]*tunnelEntry
	order    []string
	active   string
	pending  *pendingCommand
	rejected []domain.RejectedFile
	lastObs  *domain.InterfaceObservation
	lastScan time.Time
	lastPoll time.Time
	pollErr  string
}

// NewCoordinator creates a coordinator. history may be nil to disable
// transition recording.
func NewCoordinator(
	cfg Config,
	scanner domain.ConfigScanner,
	runner domain.TunnelRunner,
	history domain.HistoryStore,
	publisher domain.Publisher,
	logger *zap.Logger,
) *CoordinatorImpl {
	return &CoordinatorImpl{
		cfg:          cfg,
		scanner:      scanner,
		runner:       runner,
		history:      history,
		publisher:    publisher,
		logger:       logger,
		requests:     make(chan commandRequest),
		rescans:      make(chan rescanRequest),
		snapshots:    make(chan snapshotRequest),
		observations: make(chan observationMsg),
		completions:  make(chan completionMsg, 1),
		done:         make(chan struct{}),
		tunnels:      make(map[string]*tunnelEntry),
	}
}

// Run owns all coordinator state until ctx is cancelled. It performs an
// initial discovery scan so the daemon is useful before the first manual
// rescan.
func (c *CoordinatorImpl) Run(ctx context.Context) error {
	defer close(c.done)

	if _, err := c.rescan(); err != nil {
		c.logger.Warn("initial scan failed", zap.Error(err))
	}
	c.logger.Info("coordinator started", zap.Int("tunnels", len(c.order)))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping")
			return nil
		case req := <-c.requests:
			c.handleCommand(req)
		case req := <-c.rescans:
			summary, err := c.rescan()
			req.reply <- rescanReply{summary: summary, err: err}
		case req := <-c.snapshots:
			req.reply <- c.snapshot()
		case msg := <-c.observations:
			c.handleObservation(msg)
		case msg := <-c.completions:
			c.handleCompletion(msg)
		}
	}
}

// Activate brings the named tunnel up. It returns once the underlying
// command resolves, or earlier with BusyError or ConflictError.
func (c *CoordinatorImpl) Activate(ctx context.Context, name string) error {
	return c.request(ctx, domain.VerbUp, name)
}

// Deactivate tears the named tunnel down. Deactivating a tunnel that is
// already down is a no-op success.
func (c *CoordinatorImpl) Deactivate(ctx context.Context, name string) error {
	return c.request(ctx, domain.VerbDown, name)
}

func (c *CoordinatorImpl) request(ctx context.Context, verb domain.CommandVerb, name string) error {
	req := commandRequest{
		verb:   verb,
		name:   name,
		origin: domain.OriginFromContext(ctx),
		reply:  make(chan error, 1),
	}

	select {
	case c.requests <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// The command itself is never cancelled; an abandoned caller just
	// stops waiting for the outcome.
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rescan rebuilds the descriptor list from disk.
func (c *CoordinatorImpl) Rescan(ctx context.Context) (*domain.ScanSummary, error) {
	req := rescanRequest{reply: make(chan rescanReply, 1)}

	select {
	case c.rescans <- req:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return reply.summary, reply.err
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns a consistent copy of the coordinator's current view.
func (c *CoordinatorImpl) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	req := snapshotRequest{reply: make(chan *domain.Snapshot, 1)}

	select {
	case c.snapshots <- req:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case snap := <-req.reply:
		return snap, nil
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReportObservation feeds one poll result into the run loop. Safe to
// call from any goroutine; a no-op after shutdown.
func (c *CoordinatorImpl) ReportObservation(obs *domain.InterfaceObservation, err error) {
	select {
	case c.observations <- observationMsg{obs: obs, err: err}:
	case <-c.done:
	}
}

// --- run-loop handlers (single goroutine, no locking needed) ---

func (c *CoordinatorImpl) handleCommand(req commandRequest) {
	if c.pending != nil {
		req.reply <- &domain.BusyError{Tunnel: c.pending.name, Verb: c.pending.verb}
		return
	}

	entry, ok := c.tunnels[req.name]
	if !ok {
		req.reply <- fmt.Errorf("%w: %s", domain.ErrTunnelNotFound, req.name)
		return
	}

	switch req.verb {
	case domain.VerbUp:
		c.handleActivate(req, entry)
	case domain.VerbDown:
		c.handleDeactivate(req, entry)
	default:
		req.reply <- fmt.Errorf("unknown verb %q", req.verb)
	}
}

func (c *CoordinatorImpl) handleActivate(req commandRequest, entry *tunnelEntry) {
	name := entry.desc.Identifier

	if c.active == name {
		switch entry.state {
		case domain.StateUp, domain.StateBringingUp:
			// Already active: idempotent success.
			req.reply <- nil
			return
		case domain.StateBringingDown:
			// Still settling from a deactivation; the next poll resolves it.
			req.reply <- &domain.BusyError{Tunnel: name, Verb: domain.VerbDown}
			return
		}
	}

	if c.active != "" && c.active != name {
		req.reply <- &domain.ConflictError{Requested: name, Active: c.active}
		return
	}

	if foreign := c.foreignInterfaces(); len(foreign) > 0 {
		req.reply <- &domain.ConflictError{
			Requested: name,
			Active:    foreign[0].Name,
			Foreign:   true,
		}
		return
	}

	c.setState(entry, domain.StateBringingUp, "")
	c.active = name
	c.startCommand(req, entry.desc)
}

func (c *CoordinatorImpl) handleDeactivate(req commandRequest, entry *tunnelEntry) {
	name := entry.desc.Identifier

	if entry.state == domain.StateDown {
		// Nothing to do: idempotent success.
		req.reply <- nil
		return
	}
	if entry.state == domain.StateBringingDown {
		req.reply <- nil
		return
	}
	if entry.state == domain.StateError && c.active != name {
		// Failed activation left an error state but no live interface.
		req.reply <- nil
		return
	}

	c.setState(entry, domain.StateBringingDown, entry.lastError)
	c.startCommand(req, entry.desc)
}

// startCommand launches the wg-quick invocation on a worker goroutine.
// The worker reports back through the completions channel; its buffer
// guarantees the send never blocks even if Run exits first.
func (c *CoordinatorImpl) startCommand(req commandRequest, desc domain.TunnelDescriptor) {
	c.pending = &pendingCommand{
		verb:    req.verb,
		name:    desc.Identifier,
		origin:  req.origin,
		reply:   req.reply,
		started: time.Now(),
	}

	go func() {
		// Deliberately not the caller's context: a privileged command
		// mid-mutation of network state must never be killed because a
		// client disconnected. The runner applies its own upper bound.
		ctx := context.Background()

		var result *domain.CommandResult
		var err error
		if req.verb == domain.VerbUp {
			result, err = c.runner.Up(ctx, desc)
		} else {
			result, err = c.runner.Down(ctx, desc)
		}

		c.completions <- completionMsg{
			verb:   req.verb,
			name:   desc.Identifier,
			origin: req.origin,
			result: result,
			err:    err,
		}
	}()
}

func (c *CoordinatorImpl) handleCompletion(msg completionMsg) {
	pending := c.pending
	c.pending = nil

	entry := c.tunnels[msg.name]
	if entry == nil {
		c.recordCompletion(msg)
		c.replyPending(pending, msg.err)
		return
	}

	if msg.err == nil {
		// Success (including idempotent no-ops): the state keeps its
		// bringing-up/bringing-down value until a poll confirms it, but
		// now with a deadline so silent failures surface. A poll that
		// already confirmed the transition mid-command needs none.
		if c.cfg.ConfirmTimeout > 0 &&
			(entry.state == domain.StateBringingUp || entry.state == domain.StateBringingDown) {
			entry.deadline = time.Now().Add(c.cfg.ConfirmTimeout)
		}
		c.recordCompletion(msg)
		c.replyPending(pending, nil)
		return
	}

	reason := failureReason(msg.err)
	c.setState(entry, domain.StateError, reason)

	if msg.verb == domain.VerbUp && c.active == msg.name {
		// Failed activation: no interface came up, release the slot.
		c.active = ""
	}
	// Failed deactivation keeps the active reference: the interface is
	// presumably still up and the poller will keep saying so.

	c.recordCompletion(msg)
	c.replyPending(pending, msg.err)
}

func (c *CoordinatorImpl) replyPending(pending *pendingCommand, err error) {
	if pending == nil {
		return
	}
	pending.reply <- err
}

func (c *CoordinatorImpl) recordCompletion(msg completionMsg) {
	rec := domain.TransitionRecord{
		Tunnel:  msg.name,
		Verb:    string(msg.verb),
		Origin:  msg.origin,
		Outcome: domain.OutcomeSucceeded,
	}
	if msg.result != nil {
		rec.ExitCode = msg.result.ExitCode
		rec.ElapsedMs = msg.result.Elapsed.Milliseconds()
		if msg.result.Noop {
			rec.Outcome = domain.OutcomeNoop
		}
	}
	if msg.err != nil {
		rec.Outcome = domain.OutcomeFailed
		rec.Detail = failureReason(msg.err)
	}
	c.appendHistory(rec)
}

func (c *CoordinatorImpl) handleObservation(msg observationMsg) {
	if msg.err != nil {
		wasHealthy := c.pollErr == ""
		c.pollErr = msg.err.Error()
		if wasHealthy {
			c.logger.Warn("interface poll failed", zap.Error(msg.err))
			c.publish(domain.Event{
				Kind:   domain.EventPollDegraded,
				Reason: c.pollErr,
				At:     time.Now(),
			})
		}
		return
	}

	c.pollErr = ""
	c.lastObs = msg.obs
	c.lastPoll = msg.obs.At
	c.reconcile(msg.obs)
}

// reconcile applies one successful poll to every tunnel belief. The
// observation is the sole authority for "actually up"; user-initiated
// transitions stay optimistic until confirmed here.
func (c *CoordinatorImpl) reconcile(obs *domain.InterfaceObservation) {
	now := time.Now()

	for _, name := range c.order {
		entry := c.tunnels[name]
		if obs.Contains(name) {
			c.reconcilePresent(entry, now)
		} else {
			c.reconcileAbsent(entry, now)
		}
	}

	c.maybeAdopt(obs)
}

func (c *CoordinatorImpl) reconcilePresent(entry *tunnelEntry, now time.Time) {
	name := entry.desc.Identifier

	switch entry.state {
	case domain.StateBringingUp:
		c.setState(entry, domain.StateUp, "")
		c.logger.Info("tunnel confirmed up", zap.String("tunnel", name))
	case domain.StateBringingDown:
		if !entry.deadline.IsZero() && now.After(entry.deadline) {
			c.setState(entry, domain.StateError, "interface still present after deactivation")
			// Keep the active reference: the tunnel really is still up.
		}
	case domain.StateError:
		// A failed deactivation stays in error while the interface
		// lives on; clearing it here would hide the failure.
	}
}

func (c *CoordinatorImpl) reconcileAbsent(entry *tunnelEntry, now time.Time) {
	name := entry.desc.Identifier

	switch entry.state {
	case domain.StateBringingUp:
		if !entry.deadline.IsZero() && now.After(entry.deadline) {
			c.setState(entry, domain.StateError, "interface never appeared after activation")
			if c.active == name {
				c.active = ""
			}
			c.logger.Warn("activation unconfirmed", zap.String("tunnel", name))
		}
	case domain.StateUp:
		// External deactivation, e.g. wg-quick down run elsewhere.
		c.setState(entry, domain.StateDown, "")
		if c.active == name {
			c.active = ""
		}
		c.logger.Info("tunnel deactivated externally", zap.String("tunnel", name))
		c.appendHistory(domain.TransitionRecord{
			Tunnel:  name,
			Verb:    string(domain.VerbDown),
			Outcome: domain.OutcomeLost,
			Origin:  domain.OriginExternal,
		})
	case domain.StateBringingDown:
		c.setState(entry, domain.StateDown, "")
		if c.active == name {
			c.active = ""
		}
		c.logger.Info("tunnel confirmed down", zap.String("tunnel", name))
	case domain.StateError:
		// The interface is gone; the error state has served its purpose
		// and the reason stays visible on the status.
		c.setState(entry, domain.StateDown, entry.lastError)
		if c.active == name {
			c.active = ""
		}
	}
}

// maybeAdopt handles externally started tunnels: exactly one live
// interface, matching a known descriptor, with no believed-active tunnel
// and no command in flight. Anything more ambiguous is reported through
// the inconsistency flag instead of guessed at.
func (c *CoordinatorImpl) maybeAdopt(obs *domain.InterfaceObservation) {
	if c.pending != nil || c.active != "" || len(obs.Names) != 1 {
		return
	}

	name := obs.Names[0]
	entry, ok := c.tunnels[name]
	if !ok {
		return
	}
	if entry.state != domain.StateDown && entry.state != domain.StateError {
		return
	}

	c.setState(entry, domain.StateUp, "")
	c.active = name
	c.logger.Info("adopted externally started tunnel", zap.String("tunnel", name))
	c.appendHistory(domain.TransitionRecord{
		Tunnel:  name,
		Verb:    string(domain.VerbUp),
		Outcome: domain.OutcomeAdopted,
		Origin:  domain.OriginExternal,
	})
}

func (c *CoordinatorImpl) rescan() (*domain.ScanSummary, error) {
	descriptors, rejected, err := c.scanner.Scan()
	if err != nil {
		// The previous list stays in place: a transient read failure
		// must not wipe known tunnels.
		c.logger.Warn("discovery scan failed", zap.Error(err))
		return nil, err
	}

	tunnels := make(map[string]*tunnelEntry, len(descriptors))
	order := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		if existing, ok := c.tunnels[desc.Identifier]; ok {
			existing.desc = desc
			tunnels[desc.Identifier] = existing
		} else {
			tunnels[desc.Identifier] = &tunnelEntry{
				desc:      desc,
				state:     domain.StateDown,
				changedAt: time.Now(),
			}
		}
		order = append(order, desc.Identifier)
	}

	// A removed file does not end the session of a live tunnel: keep the
	// active entry visible until it actually goes down.
	if c.active != "" {
		if _, ok := tunnels[c.active]; !ok {
			if existing, ok := c.tunnels[c.active]; ok {
				tunnels[c.active] = existing
				order = append(order, c.active)
				sort.Strings(order)
			}
		}
	}

	c.tunnels = tunnels
	c.order = order
	c.rejected = rejected
	c.lastScan = time.Now()

	c.logger.Info("discovery scan complete",
		zap.Int("tunnels", len(order)),
		zap.Int("rejected", len(rejected)))
	c.publish(domain.Event{Kind: domain.EventRescanned, At: c.lastScan})

	return &domain.ScanSummary{Discovered: len(order), Rejected: rejected}, nil
}

func (c *CoordinatorImpl) snapshot() *domain.Snapshot {
	snap := &domain.Snapshot{
		Active:    c.active,
		Rejected:  append([]domain.RejectedFile(nil), c.rejected...),
		LastScan:  c.lastScan,
		LastPoll:  c.lastPoll,
		PollError: c.pollErr,
	}

	snap.Tunnels = make([]domain.TunnelStatus, 0, len(c.order))
	for _, name := range c.order {
		entry := c.tunnels[name]
		snap.Tunnels = append(snap.Tunnels, domain.TunnelStatus{
			Identifier: name,
			Path:       entry.desc.Path,
			State:      entry.state,
			LastError:  entry.lastError,
			ChangedAt:  entry.changedAt,
		})
	}

	if c.lastObs != nil {
		snap.Observed = append([]string(nil), c.lastObs.Names...)
		snap.Foreign = c.foreignInterfaces()
		snap.Inconsistent = len(c.lastObs.Names) > 1
	}
	return snap
}

// foreignInterfaces lists observed live interfaces with no matching
// descriptor.
func (c *CoordinatorImpl) foreignInterfaces() []domain.ForeignInterface {
	if c.lastObs == nil {
		return nil
	}

	var foreign []domain.ForeignInterface
	for _, name := range c.lastObs.Names {
		if _, ok := c.tunnels[name]; ok {
			continue
		}
		f := domain.ForeignInterface{Name: name}
		if info, ok := c.lastObs.Devices[name]; ok {
			f.ListenPort = info.ListenPort
			f.PeerCount = info.PeerCount
		}
		foreign = append(foreign, f)
	}
	return foreign
}

func (c *CoordinatorImpl) setState(entry *tunnelEntry, state domain.TunnelState, reason string) {
	if entry.state == state && entry.lastError == reason {
		return
	}

	// Any real transition invalidates a pending confirmation deadline.
	entry.deadline = time.Time{}
	entry.state = state
	entry.lastError = reason
	entry.changedAt = time.Now()

	c.publish(domain.Event{
		Kind:   domain.EventStateChanged,
		Tunnel: entry.desc.Identifier,
		State:  state,
		Reason: reason,
		At:     entry.changedAt,
	})
}

func (c *CoordinatorImpl) publish(event domain.Event) {
	if c.publisher != nil {
		c.publisher.Publish(event)
	}
}

func (c *CoordinatorImpl) appendHistory(rec domain.TransitionRecord) {
	if c.history == nil {
		return
	}
	if err := c.history.Append(rec); err != nil {
		c.logger.Warn("failed to record transition",
			zap.String("tunnel", rec.Tunnel),
			zap.Error(err))
	}
}

// failureReason extracts the human-readable reason from a command error.
func failureReason(err error) string {
	var cmdErr *domain.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Error()
	}
	return err.Error()
}

// Ensure CoordinatorImpl implements domain.TunnelService.
var _ domain.TunnelService = (*CoordinatorImpl)(nil)
