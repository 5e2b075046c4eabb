// Package api exposes the daemon's local HTTP interface: status and
// history reads, tunnel commands, and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cculver78/WireWarden/internal/domain"
	"github.com/cculver78/WireWarden/internal/notify"
	"github.com/cculver78/WireWarden/internal/usecase"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	pingInterval      = 30 * time.Second
	defaultHistory    = 50
)

// Server serves the local API. It binds to loopback only; there is no
// authentication layer because the socket is the trust boundary.
type Server struct {
	addr     string
	service  domain.TunnelService
	history  domain.HistoryStore // nil when history is disabled
	hub      *notify.Hub
	version  string
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(
	addr string,
	service domain.TunnelService,
	history domain.HistoryStore,
	hub *notify.Hub,
	version string,
	logger *zap.Logger,
) *Server {
	return &Server{
		addr:    addr,
		service: service,
		history: history,
		hub:     hub,
		version: version,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Loopback only; browser origins never reach this socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tunnels", s.handleTunnels)
		r.Post("/tunnels/{name}/activate", s.handleActivate)
		r.Post("/tunnels/{name}/deactivate", s.handleDeactivate)
		r.Post("/rescan", s.handleRescan)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
	})
	return router
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type commandResponse struct {
	Tunnel string `json:"tunnel"`
	Result string `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Tunnels)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := domain.WithOrigin(r.Context(), domain.OriginAPI)

	if err := s.service.Activate(ctx, name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Tunnel: name, Result: "activated"})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := domain.WithOrigin(r.Context(), domain.OriginAPI)

	if err := s.service.Deactivate(ctx, name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Tunnel: name, Result: "deactivated"})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Rescan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "history is disabled"})
		return
	}

	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := s.history.Recent(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.TransitionRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleEvents upgrades to a websocket and streams hub events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(r.Context())
	defer cancel()

	// Reader pump: we expect no messages, but reading is what surfaces
	// close frames and dead peers.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeError maps domain errors onto HTTP statuses. The kind field lets
// clients branch without parsing message text.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var conflict *domain.ConflictError
	var busy *domain.BusyError
	var cmdErr *domain.CommandError

	switch {
	case errors.Is(err, domain.ErrTunnelNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Kind: "not-found"})
	case errors.As(err, &conflict):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "conflict"})
	case errors.As(err, &busy):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: "busy"})
	case errors.As(err, &cmdErr):
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Kind: string(cmdErr.Kind)})
	case errors.Is(err, usecase.ErrStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
