// Package server exposes a repository over HTTP: one websocket sync
// endpoint guarded by the auth gate, plus a health probe.
package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"relic/internal/auth"
	"relic/internal/repo"
	"relic/internal/store"
	"relic/internal/wire"
)

// Server serves sync sessions for one hosted repository.
type Server struct {
	st       *store.Store
	gate     auth.Gate
	logger   repo.Logger
	upgrader websocket.Upgrader
}

// New creates a Server. A nil gate accepts every connection.
func New(st *store.Store, gate auth.Gate, logger repo.Logger) *Server {
	if gate == nil {
		gate = auth.StaticGate{}
	}
	if logger == nil {
		logger = repo.NewNopLogger()
	}
	return &Server{st: st, gate: gate, logger: logger}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/sync", s.handleSync)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// handleSync authorizes the request, upgrades it, and runs one sync
// session. Authorization is decided before the upgrade: a rejected
// request gets a plain 401 and never becomes a websocket.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	account, password, err := auth.Parse(r.Header.Get("Authorization"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ok, err := s.gate.Authorize(account, password)
	if err != nil {
		s.logger.Error("authorization check failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.logger.Warn("rejected sync connection", "account", account, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	release, err := s.st.Lock()
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			s.logger.Warn("rejected concurrent sync", "remote", r.RemoteAddr)
		} else {
			s.logger.Error("taking repository lock", "error", err)
		}
		return
	}
	defer release()

	s.logger.Info("sync session started", "account", account, "remote", r.RemoteAddr)
	if _, err := wire.Serve(s.st, wire.NewConn(ws), s.logger); err != nil {
		s.logger.Error("sync session aborted", "remote", r.RemoteAddr, "error", err)
	}
}
