package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/notify"
)

// stubService implements domain.TunnelService.
type stubService struct {
	mu            sync.Mutex
	snapshot      *domain.Snapshot
	activateErr   error
	deactivateErr error
	summary       *domain.ScanSummary
	rescanErr     error
	activated     []string
	deactivated   []string
}

func newStubService() *stubService {
	return &stubService{
		snapshot: &domain.Snapshot{
			Tunnels: []domain.TunnelStatus{
				{Identifier: "home", Path: "/etc/wireguard/home.conf", State: domain.StateUp},
				{Identifier: "work", Path: "/etc/wireguard/work.conf", State: domain.StateDown},
			},
			Active: "home",
		},
		summary: &domain.ScanSummary{Discovered: 2},
	}
}

func (s *stubService) Activate(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, identifier)
	return s.activateErr
}

func (s *stubService) Deactivate(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, identifier)
	return s.deactivateErr
}

func (s *stubService) Rescan(ctx context.Context) (*domain.ScanSummary, error) {
	if s.rescanErr != nil {
		return nil, s.rescanErr
	}
	return s.summary, nil
}

func (s *stubService) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	return s.snapshot, nil
}

// stubHistory implements domain.HistoryStore.
type stubHistory struct {
	records   []domain.TransitionRecord
	lastLimit int
}

func (h *stubHistory) Append(rec domain.TransitionRecord) error {
	h.records = append(h.records, rec)
	return nil
}

func (h *stubHistory) Recent(limit int) ([]domain.TransitionRecord, error) {
	h.lastLimit = limit
	return h.records, nil
}

func (h *stubHistory) PruneOlderThan(cutoff time.Time) (int64, error) { return 0, nil }
func (h *stubHistory) Close() error                                   { return nil }

func newTestServer(t *testing.T, svc domain.TunnelService, history domain.HistoryStore) (*Server, *httptest.Server, *notify.Hub) {
	t.Helper()

	hub := notify.NewHub(zap.NewNop())
	srv := NewServer("127.0.0.1:0", svc, history, hub, "1.2.3", zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return srv, ts, hub
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)

	var body healthResponse
	status := getJSON(t, ts.URL+"/healthz", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)

	var snap domain.Snapshot
	status := getJSON(t, ts.URL+"/v1/status", &snap)

	assert.Equal(t, http.StatusOK, status)
	require.Len(t, snap.Tunnels, 2)
	assert.Equal(t, "home", snap.Tunnels[0].Identifier)
	assert.Equal(t, domain.StateUp, snap.Tunnels[0].State)
	assert.Equal(t, "home", snap.Active)
}

func TestTunnelsReturnsList(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)

	var tunnels []domain.TunnelStatus
	status := getJSON(t, ts.URL+"/v1/tunnels", &tunnels)

	assert.Equal(t, http.StatusOK, status)
	require.Len(t, tunnels, 2)
	assert.Equal(t, "work", tunnels[1].Identifier)
}

func TestActivateCallsService(t *testing.T) {
	svc := newStubService()
	_, ts, _ := newTestServer(t, svc, nil)

	var body commandResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/home/activate", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "home", body.Tunnel)
	assert.Equal(t, "activated", body.Result)
	assert.Equal(t, []string{"home"}, svc.activated)
}

func TestDeactivateCallsService(t *testing.T) {
	svc := newStubService()
	_, ts, _ := newTestServer(t, svc, nil)

	var body commandResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/home/deactivate", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deactivated", body.Result)
	assert.Equal(t, []string{"home"}, svc.deactivated)
}

func TestUnknownTunnelIsNotFound(t *testing.T) {
	svc := newStubService()
	svc.activateErr = fmt.Errorf("%w: %s", domain.ErrTunnelNotFound, "nope")
	_, ts, _ := newTestServer(t, svc, nil)

	var body errorResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/nope/activate", &body)

	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not-found", body.Kind)
}

func TestConflictIsMappedTo409(t *testing.T) {
	svc := newStubService()
	svc.activateErr = &domain.ConflictError{Requested: "work", Active: "home"}
	_, ts, _ := newTestServer(t, svc, nil)

	var body errorResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/work/activate", &body)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body.Kind)
	assert.Contains(t, body.Error, "home")
}

func TestBusyIsMappedTo409(t *testing.T) {
	svc := newStubService()
	svc.activateErr = &domain.BusyError{Tunnel: "home", Verb: domain.VerbUp}
	_, ts, _ := newTestServer(t, svc, nil)

	var body errorResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/work/activate", &body)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "busy", body.Kind)
}

func TestCommandFailureIsMappedTo502(t *testing.T) {
	svc := newStubService()
	svc.activateErr = &domain.CommandError{
		Verb:     domain.VerbUp,
		Kind:     domain.FailureConfigInvalid,
		ExitCode: 1,
		Detail:   "Line unrecognized: `Addres = 10.0.0.2/24'",
	}
	_, ts, _ := newTestServer(t, svc, nil)

	var body errorResponse
	status := postJSON(t, ts.URL+"/v1/tunnels/home/activate", &body)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "config-invalid", body.Kind)
	assert.Contains(t, body.Error, "Line unrecognized")
}

func TestRescanReturnsSummary(t *testing.T) {
	svc := newStubService()
	svc.summary = &domain.ScanSummary{
		Discovered: 3,
		Rejected:   []domain.RejectedFile{{Name: "bad name.conf", Reason: "invalid interface name"}},
	}
	_, ts, _ := newTestServer(t, svc, nil)

	var summary domain.ScanSummary
	status := postJSON(t, ts.URL+"/v1/rescan", &summary)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, summary.Discovered)
	require.Len(t, summary.Rejected, 1)
	assert.Equal(t, "bad name.conf", summary.Rejected[0].Name)
}

func TestHistoryReturnsRecords(t *testing.T) {
	history := &stubHistory{records: []domain.TransitionRecord{
		{ID: 2, Tunnel: "home", Verb: "up", Outcome: domain.OutcomeSucceeded},
		{ID: 1, Tunnel: "home", Verb: "down", Outcome: domain.OutcomeNoop},
	}}
	_, ts, _ := newTestServer(t, newStubService(), history)

	var records []domain.TransitionRecord
	status := getJSON(t, ts.URL+"/v1/history", &records)

	assert.Equal(t, http.StatusOK, status)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, 50, history.lastLimit)
}

func TestHistoryLimitParam(t *testing.T) {
	history := &stubHistory{}
	_, ts, _ := newTestServer(t, newStubService(), history)

	status := getJSON(t, ts.URL+"/v1/history?limit=7", &[]domain.TransitionRecord{})

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 7, history.lastLimit)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), &stubHistory{})

	var body errorResponse
	status := getJSON(t, ts.URL+"/v1/history?limit=zero", &body)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body.Error, "limit")
}

func TestHistoryDisabled(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)

	var body errorResponse
	status := getJSON(t, ts.URL+"/v1/history", &body)

	assert.Equal(t, http.StatusNotImplemented, status)
	assert.Contains(t, body.Error, "disabled")
}

func TestEventStreamDeliversEvents(t *testing.T) {
	_, ts, hub := newTestServer(t, newStubService(), nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// The handler subscribes after the handshake; wait for it.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish(domain.Event{
		Kind:   domain.EventStateChanged,
		Tunnel: "home",
		State:  domain.StateUp,
		At:     time.Now(),
	})

	var event domain.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, domain.EventStateChanged, event.Kind)
	assert.Equal(t, "home", event.Tunnel)
	assert.Equal(t, domain.StateUp, event.State)
}

func TestClientStatusRoundtrip(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)
	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))

	snap, err := client.Status(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Tunnels, 2)
	assert.Equal(t, "home", snap.Active)
}

func TestClientSurfacesAPIError(t *testing.T) {
	svc := newStubService()
	svc.activateErr = &domain.ConflictError{Requested: "work", Active: "home"}
	_, ts, _ := newTestServer(t, svc, nil)
	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))

	err := client.Activate(context.Background(), "work")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "conflict", apiErr.Kind)
	assert.Contains(t, apiErr.Message, "home")
}

func TestClientHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, newStubService(), nil)
	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))

	assert.NoError(t, client.Health(context.Background()))
}
