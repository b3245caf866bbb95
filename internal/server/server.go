// Package server exposes conversations over HTTP: a long-polling message
// endpoint, history listing, a server-sent event stream and a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/gateway"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/state"
	"github.com/user/hexe/internal/types"
)

// UserHeader carries the authenticated user id, set by the proxy in front
// of the server.
const UserHeader = "X-Hexe-User"

// DefaultHeartbeat is how long a stream may stay idle before a heartbeat
// is sent.
const DefaultHeartbeat = 60 * time.Second

// Threads resolves the conversation of a user.
type Threads interface {
	Get(ctx context.Context, user types.UserID) (*runtime.Thread, error)
}

// Inbound accepts user messages for processing.
type Inbound interface {
	HandleInbound(ctx context.Context, user types.UserID, text, origin string, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Options configure a Server. Zero values select the defaults.
type Options struct {
	Profiles  *state.ProfileStore
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Server is the HTTP handler of the conversation API.
type Server struct {
	threads   Threads
	inbound   Inbound
	history   event.HistoryStore
	profiles  *state.ProfileStore
	heartbeat time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

// NewServer creates a Server on top of the thread registry, the gateway and
// the history store.
func NewServer(threads Threads, inbound Inbound, history event.HistoryStore, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		threads:   threads,
		inbound:   inbound,
		history:   history,
		profiles:  opts.Profiles,
		heartbeat: opts.Heartbeat,
		logger:    opts.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/user", s.authenticated(s.handleUser))
	s.mux.HandleFunc("POST /api/events", s.authenticated(s.handlePostEvents))
	s.mux.HandleFunc("GET /api/events", s.authenticated(s.handleGetEvents))
	s.mux.HandleFunc("GET /api/ws", s.authenticated(s.handleWebsocket))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type userHandler func(w http.ResponseWriter, r *http.Request, user types.UserID)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := types.UserID(r.Header.Get(UserHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, "Login required.")
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID       types.UserID `json:"id"`
	Timezone string       `json:"timezone,omitempty"`
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, user types.UserID) {
	resp := userResponse{ID: user}
	if s.profiles != nil {
		p, err := s.profiles.Get(r.Context(), user)
		switch {
		case err == nil:
			resp.Timezone = p.Timezone
		case !errors.Is(err, state.ErrNotFound):
			s.logger.Error("load profile", "user_id", string(user), "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// thread resolves the thread of user or writes an error response.
func (s *Server) thread(w http.ResponseWriter, r *http.Request, user types.UserID) (*runtime.Thread, bool) {
	t, err := s.threads.Get(r.Context(), user)
	if err != nil {
		if errors.Is(err, runtime.ErrThreadClosed) {
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
			return nil, false
		}
		s.logger.Error("get thread", "user_id", string(user), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return t, true
}
