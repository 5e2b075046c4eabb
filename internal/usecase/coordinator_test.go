package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
)

// fakeScanner serves a scripted descriptor list.
type fakeScanner struct {
	mu          sync.Mutex
	descriptors []domain.TunnelDescriptor
	rejected    []domain.RejectedFile
	err         error
}

func (f *fakeScanner) Scan() ([]domain.TunnelDescriptor, []domain.RejectedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	return append([]domain.TunnelDescriptor(nil), f.descriptors...),
		append([]domain.RejectedFile(nil), f.rejected...), nil
}

func (f *fakeScanner) set(descriptors []domain.TunnelDescriptor, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptors = descriptors
	f.err = err
}

// fakeRunner scripts per-tunnel command outcomes and can block mid-call.
type fakeRunner struct {
	mu        sync.Mutex
	upErr     map[string]error
	downErr   map[string]error
	upNoop    map[string]bool
	downNoop  map[string]bool
	upCalls   []string
	downCalls []string
	started   chan string
	proceed   chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		upErr:    map[string]error{},
		downErr:  map[string]error{},
		upNoop:   map[string]bool{},
		downNoop: map[string]bool{},
	}
}

func (f *fakeRunner) Up(ctx context.Context, desc domain.TunnelDescriptor) (*domain.CommandResult, error) {
	f.mu.Lock()
	f.upCalls = append(f.upCalls, desc.Identifier)
	err := f.upErr[desc.Identifier]
	noop := f.upNoop[desc.Identifier]
	started, proceed := f.started, f.proceed
	f.mu.Unlock()

	if started != nil {
		started <- desc.Identifier
	}
	if proceed != nil {
		<-proceed
	}

	return f.result(domain.VerbUp, noop, err), err
}

func (f *fakeRunner) Down(ctx context.Context, desc domain.TunnelDescriptor) (*domain.CommandResult, error) {
	f.mu.Lock()
	f.downCalls = append(f.downCalls, desc.Identifier)
	err := f.downErr[desc.Identifier]
	noop := f.downNoop[desc.Identifier]
	started, proceed := f.started, f.proceed
	f.mu.Unlock()

	if started != nil {
		started <- desc.Identifier
	}
	if proceed != nil {
		<-proceed
	}

	return f.result(domain.VerbDown, noop, err), err
}

func (f *fakeRunner) result(verb domain.CommandVerb, noop bool, err error) *domain.CommandResult {
	result := &domain.CommandResult{Verb: verb, Elapsed: 5 * time.Millisecond, Noop: noop}
	var cmdErr *domain.CommandError
	if errors.As(err, &cmdErr) {
		result.ExitCode = cmdErr.ExitCode
	}
	return result
}

func (f *fakeRunner) upCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upCalls)
}

func (f *fakeRunner) downCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downCalls)
}

// recordingHistory keeps appended records in memory.
type recordingHistory struct {
	mu      sync.Mutex
	records []domain.TransitionRecord
}

func (h *recordingHistory) Append(rec domain.TransitionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *recordingHistory) Recent(limit int) ([]domain.TransitionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.TransitionRecord(nil), h.records...), nil
}

func (h *recordingHistory) PruneOlderThan(cutoff time.Time) (int64, error) { return 0, nil }
func (h *recordingHistory) Close() error                                   { return nil }

func (h *recordingHistory) last() domain.TransitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.records) == 0 {
		return domain.TransitionRecord{}
	}
	return h.records[len(h.records)-1]
}

type coordFixture struct {
	coord   *CoordinatorImpl
	scanner *fakeScanner
	runner  *fakeRunner
	history *recordingHistory
}

func descs(names ...string) []domain.TunnelDescriptor {
	out := make([]domain.TunnelDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, domain.TunnelDescriptor{
			Identifier: name,
			Path:       "/etc/wireguard/" + name + ".conf",
		})
	}
	return out
}

func newTestCoordinator(t *testing.T, cfg Config, names ...string) *coordFixture {
	t.Helper()

	scanner := &fakeScanner{descriptors: descs(names...)}
	runner := newFakeRunner()
	history := &recordingHistory{}

	coord := NewCoordinator(cfg, scanner, runner, history, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-coord.done:
		case <-time.After(time.Second):
			t.Error("coordinator did not stop")
		}
	})

	return &coordFixture{coord: coord, scanner: scanner, runner: runner, history: history}
}

func defaultConfig() Config {
	return Config{ConfirmTimeout: time.Minute}
}

// observe injects one poll result and waits for it to be applied.
func (f *coordFixture) observe(names ...string) {
	f.coord.ReportObservation(&domain.InterfaceObservation{
		Names: names,
		At:    time.Now(),
	}, nil)
}

// snap fetches a snapshot and asserts the single-active invariant on
// every call.
func (f *coordFixture) snap(t *testing.T) *domain.Snapshot {
	t.Helper()

	snap, err := f.coord.Snapshot(context.Background())
	require.NoError(t, err)

	active := 0
	for _, ts := range snap.Tunnels {
		if ts.State.Active() {
			active++
		}
	}
	require.LessOrEqual(t, active, 1, "two tunnels active at once")
	return snap
}

func (f *coordFixture) status(t *testing.T, name string) domain.TunnelStatus {
	t.Helper()

	for _, ts := range f.snap(t).Tunnels {
		if ts.Identifier == name {
			return ts
		}
	}
	t.Fatalf("tunnel %q not in snapshot", name)
	return domain.TunnelStatus{}
}

func TestInitialScanPopulatesTunnels(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "work", "home")

	snap := f.snap(t)

	require.Len(t, snap.Tunnels, 2)
	assert.Equal(t, domain.StateDown, snap.Tunnels[0].State)
	assert.Equal(t, domain.StateDown, snap.Tunnels[1].State)
	assert.Empty(t, snap.Active)
}

func TestActivateOptimisticThenConfirmed(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")

	require.NoError(t, f.coord.Activate(context.Background(), "home"))

	// Optimistic until the poller agrees.
	assert.Equal(t, domain.StateBringingUp, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active)

	f.observe("home")

	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active)
	assert.Equal(t, 1, f.runner.upCount())
}

func TestActivateUnknownTunnel(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")

	err := f.coord.Activate(context.Background(), "ghost")

	assert.ErrorIs(t, err, domain.ErrTunnelNotFound)
}

func TestActivateConflictLeavesStatesUntouched(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	err := f.coord.Activate(context.Background(), "work")

	require.True(t, domain.IsConflict(err), "want ConflictError, got %v", err)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "work", conflict.Requested)
	assert.Equal(t, "home", conflict.Active)
	assert.False(t, conflict.Foreign)

	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
	assert.Equal(t, domain.StateDown, f.status(t, "work").State)
	assert.Equal(t, 1, f.runner.upCount(), "conflicting request must not reach the runner")
}

func TestActivateAlreadyActiveIsNoop(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	require.NoError(t, f.coord.Activate(context.Background(), "home"))

	assert.Equal(t, 1, f.runner.upCount())
	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
}

func TestActivateFailureSetsErrorAndReleasesSlot(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")
	f.runner.upErr["home"] = &domain.CommandError{
		Verb:     domain.VerbUp,
		Kind:     domain.FailureConfigInvalid,
		ExitCode: 1,
		Detail:   "Line unrecognized: 'garbage'",
	}

	err := f.coord.Activate(context.Background(), "home")

	require.Error(t, err)
	status := f.status(t, "home")
	assert.Equal(t, domain.StateError, status.State)
	assert.Contains(t, status.LastError, "Line unrecognized")
	assert.Empty(t, f.snap(t).Active, "failed activation must release the slot")

	// The slot is free: activating another tunnel works.
	require.NoError(t, f.coord.Activate(context.Background(), "work"))
}

func TestErrorStateClearsToDownOnInactivePoll(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	f.runner.upErr["home"] = &domain.CommandError{
		Verb: domain.VerbUp, Kind: domain.FailureUnknown, ExitCode: 2, Detail: "boom",
	}
	require.Error(t, f.coord.Activate(context.Background(), "home"))
	require.Equal(t, domain.StateError, f.status(t, "home").State)

	f.observe()

	status := f.status(t, "home")
	assert.Equal(t, domain.StateDown, status.State)
	assert.Contains(t, status.LastError, "boom", "reason stays visible after the state settles")
}

func TestDeactivateAwaitsPollConfirmation(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	require.NoError(t, f.coord.Deactivate(context.Background(), "home"))

	assert.Equal(t, domain.StateBringingDown, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active, "active until the poller confirms")

	f.observe()

	assert.Equal(t, domain.StateDown, f.status(t, "home").State)
	assert.Empty(t, f.snap(t).Active)
}

func TestDeactivateWhenDownIsNoop(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")

	require.NoError(t, f.coord.Deactivate(context.Background(), "home"))

	assert.Equal(t, 0, f.runner.downCount())
	assert.Equal(t, domain.StateDown, f.status(t, "home").State)
}

func TestDeactivateFailureKeepsActiveReference(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")
	f.runner.downErr["home"] = &domain.CommandError{
		Verb: domain.VerbDown, Kind: domain.FailureUnknown, ExitCode: 2, Detail: "oops",
	}

	err := f.coord.Deactivate(context.Background(), "home")

	require.Error(t, err)
	assert.Equal(t, domain.StateError, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active, "interface is still up")

	// Still observed up: the error state persists.
	f.observe("home")
	assert.Equal(t, domain.StateError, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active)
}

func TestBusyWhileCommandInFlight(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")
	f.runner.started = make(chan string, 1)
	f.runner.proceed = make(chan struct{})

	activateDone := make(chan error, 1)
	go func() {
		activateDone <- f.coord.Activate(context.Background(), "home")
	}()

	select {
	case <-f.runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never invoked")
	}

	err := f.coord.Activate(context.Background(), "work")
	require.True(t, domain.IsBusy(err), "want BusyError, got %v", err)
	var busy *domain.BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "home", busy.Tunnel)
	assert.Equal(t, domain.VerbUp, busy.Verb)

	err = f.coord.Deactivate(context.Background(), "home")
	require.True(t, domain.IsBusy(err))

	close(f.runner.proceed)
	require.NoError(t, <-activateDone)
}

func TestExternallyStartedTunnelIsAdopted(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")

	f.observe("home")

	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active)
	assert.Equal(t, 0, f.runner.upCount(), "adoption runs no command")

	last := f.history.last()
	assert.Equal(t, domain.OutcomeAdopted, last.Outcome)
	assert.Equal(t, domain.OriginExternal, last.Origin)
}

func TestExternalDeactivationDetected(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	f.observe()

	assert.Equal(t, domain.StateDown, f.status(t, "home").State)
	assert.Empty(t, f.snap(t).Active)

	last := f.history.last()
	assert.Equal(t, domain.OutcomeLost, last.Outcome)
	assert.Equal(t, domain.OriginExternal, last.Origin)
}

func TestMultipleObservedInterfacesFlagInconsistency(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")

	f.observe("home", "work")

	snap := f.snap(t)
	assert.True(t, snap.Inconsistent)
	assert.Empty(t, snap.Active, "no guessing between candidates")
	assert.Equal(t, []string{"home", "work"}, snap.Observed)
	assert.Equal(t, domain.StateDown, f.status(t, "home").State)
	assert.Equal(t, domain.StateDown, f.status(t, "work").State)
}

func TestForeignInterfaceBlocksActivation(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")

	f.observe("corp0")

	snap := f.snap(t)
	require.Len(t, snap.Foreign, 1)
	assert.Equal(t, "corp0", snap.Foreign[0].Name)

	err := f.coord.Activate(context.Background(), "home")
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, conflict.Foreign)
	assert.Equal(t, "corp0", conflict.Active)
}

func TestUnconfirmedActivationTimesOut(t *testing.T) {
	f := newTestCoordinator(t, Config{ConfirmTimeout: 30 * time.Millisecond}, "home")

	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	assert.Equal(t, domain.StateBringingUp, f.status(t, "home").State)

	// Before the deadline an absent interface is not yet an error.
	f.observe()
	assert.Equal(t, domain.StateBringingUp, f.status(t, "home").State)

	time.Sleep(80 * time.Millisecond)
	f.observe()

	status := f.status(t, "home")
	assert.Equal(t, domain.StateError, status.State)
	assert.Contains(t, status.LastError, "never appeared")
	assert.Empty(t, f.snap(t).Active)
}

func TestUnconfirmedDeactivationTimesOut(t *testing.T) {
	f := newTestCoordinator(t, Config{ConfirmTimeout: 30 * time.Millisecond}, "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	require.NoError(t, f.coord.Deactivate(context.Background(), "home"))

	time.Sleep(80 * time.Millisecond)
	f.observe("home")

	status := f.status(t, "home")
	assert.Equal(t, domain.StateError, status.State)
	assert.Contains(t, status.LastError, "still present")
	assert.Equal(t, "home", f.snap(t).Active, "interface really is still up")
}

func TestRescanPreservesTunnelStates(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	f.scanner.set(descs("home", "work"), nil)
	summary, err := f.coord.Rescan(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Discovered)
	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
	assert.Equal(t, domain.StateDown, f.status(t, "work").State)
}

func TestRescanKeepsActiveTunnelWhoseFileVanished(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")
	require.NoError(t, f.coord.Activate(context.Background(), "home"))
	f.observe("home")

	f.scanner.set(descs("work"), nil)
	_, err := f.coord.Rescan(context.Background())
	require.NoError(t, err)

	// Still visible and still active.
	assert.Equal(t, domain.StateUp, f.status(t, "home").State)
	assert.Equal(t, "home", f.snap(t).Active)

	// Once it goes down it can finally disappear.
	f.observe()
	assert.Equal(t, domain.StateDown, f.status(t, "home").State)

	_, err = f.coord.Rescan(context.Background())
	require.NoError(t, err)

	for _, ts := range f.snap(t).Tunnels {
		assert.NotEqual(t, "home", ts.Identifier)
	}
}

func TestRescanFailureRetainsPreviousList(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home", "work")

	f.scanner.set(nil, &domain.DiscoveryError{Dir: "/etc/wireguard", Err: errors.New("permission denied")})
	_, err := f.coord.Rescan(context.Background())

	require.Error(t, err)
	var discErr *domain.DiscoveryError
	assert.True(t, errors.As(err, &discErr))

	assert.Len(t, f.snap(t).Tunnels, 2, "previous list retained")
}

func TestRescanReportsRejectedFiles(t *testing.T) {
	scanner := &fakeScanner{
		descriptors: descs("home", "work"),
		rejected:    []domain.RejectedFile{{Name: "bad name.conf", Reason: "invalid character ' ' in name"}},
	}
	coord := NewCoordinator(defaultConfig(), scanner, newFakeRunner(), nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	snap, err := coord.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Rejected, 1)
	assert.Equal(t, "bad name.conf", snap.Rejected[0].Name)
	assert.NotEmpty(t, snap.Rejected[0].Reason)
}

func TestHistoryRecordsOrigin(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")

	ctx := domain.WithOrigin(context.Background(), domain.OriginCLI)
	require.NoError(t, f.coord.Activate(ctx, "home"))

	last := f.history.last()
	assert.Equal(t, "home", last.Tunnel)
	assert.Equal(t, string(domain.VerbUp), last.Verb)
	assert.Equal(t, domain.OutcomeSucceeded, last.Outcome)
	assert.Equal(t, domain.OriginCLI, last.Origin)
}

func TestHistoryRecordsNoop(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")
	f.runner.upNoop["home"] = true

	require.NoError(t, f.coord.Activate(context.Background(), "home"))

	assert.Equal(t, domain.OutcomeNoop, f.history.last().Outcome)
}

func TestPollFailureSurfacesInSnapshot(t *testing.T) {
	f := newTestCoordinator(t, defaultConfig(), "home")

	f.coord.ReportObservation(nil, errors.New("wg binary not found"))

	snap := f.snap(t)
	assert.Contains(t, snap.PollError, "wg binary not found")

	// A healthy poll clears it.
	f.observe()
	assert.Empty(t, f.snap(t).PollError)
}

func TestRequestsAfterStopFailFast(t *testing.T) {
	scanner := &fakeScanner{descriptors: descs("home")}
	coord := NewCoordinator(defaultConfig(), scanner, newFakeRunner(), nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)

	_, err := coord.Snapshot(context.Background())
	require.NoError(t, err)

	cancel()
	select {
	case <-coord.done:
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}

	err = coord.Activate(context.Background(), "home")
	assert.ErrorIs(t, err, ErrStopped)

	_, err = coord.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
