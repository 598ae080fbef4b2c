// Package relay is an in-memory realtime server for local development and
// end-to-end tests. It speaks the same socket and REST protocol as the
// production backend: presence, direct messages with unread accounting,
// notifications and call signaling.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/huddle/internal/auth"
	"github.com/haasonsaas/huddle/internal/clock"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
)

// Options configures a Server.
type Options struct {
	// Auth verifies tokens. When it has no secret, the token is taken as
	// the user id.
	Auth *auth.Service

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server serves the relay's HTTP and websocket endpoints.
type Server struct {
	auth     *auth.Service
	hub      *hub
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// New creates a Server.
func New(opts Options) *Server {
	logger := observability.OrDefault(opts.Logger).With("component", "relay")
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewService(auth.Config{})
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	names := func(id protocol.ID) string { return authService.DisplayName(id.String()) }
	return &Server{
		auth:     authService,
		hub:      newHub(opts.Clock, logger, names),
		logger:   logger,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	authed := auth.Middleware(s.auth, s.logger)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /api/auth/login/{$}", s.handleLogin)
	mux.HandleFunc("POST /api/token/refresh/{$}", s.handleRefresh)
	mux.Handle("GET /api/auth/validate/{$}", authed(http.HandlerFunc(s.handleValidate)))
	mux.Handle("POST /api/notifications/{$}", authed(http.HandlerFunc(s.handleNotify)))

	mux.Handle("GET /ws/presence/{workspace_id}/{$}", authed(s.socket(transport.KindPresence)))
	mux.Handle("GET /ws/chat/{workspace_id}/{peer_id}/{$}", authed(s.socket(transport.KindChat)))
	mux.Handle("GET /ws/notifications/{$}", authed(s.socket(transport.KindNotifications)))
	mux.Handle("GET /ws/calls/{$}", authed(s.socket(transport.KindCalls)))
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully. ready, when non-nil, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.logger.Info("starting relay", "addr", listener.Addr().String())
	if ready != nil {
		ready(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("relay shutdown error", "error", err)
		return err
	}
	return nil
}

// Notify stores a notification for userID and pushes it to their open
// notification sockets.
func (s *Server) Notify(userID protocol.ID, message string, workspace *protocol.WorkspaceRef) protocol.Notification {
	return s.hub.Notify(userID, message, workspace)
}

func (s *Server) socket(kind transport.Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		key := transport.Key{
			Kind:        kind,
			UserID:      protocol.ParseID(user.ID),
			WorkspaceID: protocol.ParseID(r.PathValue("workspace_id")),
			PeerID:      protocol.ParseID(r.PathValue("peer_id")),
		}
		if err := key.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		c := &client{
			id:      uuid.NewString(),
			key:     key,
			conn:    conn,
			hub:     s.hub,
			send:    make(chan []byte, wsSendBuffer),
			ctx:     ctx,
			cancel:  cancel,
			metrics: s.metrics,
		}
		c.logger = s.logger.With(append([]any{"session_id", c.id}, key.LogAttrs()...)...)
		c.run()
	})
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if !s.auth.Enabled() {
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "user_id is required")
			return
		}
		writeJSON(w, http.StatusOK, auth.TokenPair{Access: userID, Refresh: userID})
		return
	}
	pair, err := s.auth.Login(userID, req.Password)
	if err != nil {
		s.logger.Warn("login rejected", "user_id", userID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Refresh) == "" {
		writeError(w, http.StatusBadRequest, "refresh is required")
		return
	}
	if !s.auth.Enabled() {
		writeJSON(w, http.StatusOK, auth.TokenPair{Access: req.Refresh, Refresh: req.Refresh})
		return
	}
	pair, err := s.auth.Refresh(req.Refresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": user})
}

type notifyRequest struct {
	UserID      protocol.ID `json:"user_id"`
	Message     string      `json:"message"`
	WorkspaceID protocol.ID `json:"workspace_id,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.UserID.IsZero() || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}
	var workspace *protocol.WorkspaceRef
	if !req.WorkspaceID.IsZero() {
		workspace = &protocol.WorkspaceRef{ID: req.WorkspaceID}
	}
	writeJSON(w, http.StatusCreated, s.Notify(req.UserID, strings.TrimSpace(req.Message), workspace))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
