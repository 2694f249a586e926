// Package ws serves the WebSocket endpoint and bridges connections to
// the session actor.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okeefe/valet-agent/internal/actor"
	"github.com/okeefe/valet-agent/internal/buildinfo"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the WebSocket front end.
type Server struct {
	address  string
	port     int
	actor    *actor.Actor
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server that hands upgraded connections to the
// actor.
func NewServer(address string, port int, a *actor.Actor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		actor:   a,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-user instance on a trusted network; browser origin
			// checks add nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: it would sever long-lived websockets.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting websocket server", "address", addr, "port", s.port)

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Valet",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// userFrom pulls the client's user id from the X-Valet-User header or
// the user query parameter. Empty means the client sent no identity;
// the actor treats that as an unrecoverable session.
func userFrom(r *http.Request) string {
	if u := r.Header.Get("X-Valet-User"); u != "" {
		return u
	}
	return r.URL.Query().Get("user")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(sock, userID, s.logger)
	s.logger.Info("websocket connected", "remote", c.RemoteAddr(), "user_id", userID)

	go c.writePump()
	s.actor.OnConnect(c, userID)

	c.readPump(func(raw []byte) {
		s.actor.OnMessage(c, raw)
	})

	s.actor.OnDisconnect(c)
	s.logger.Info("websocket disconnected", "remote", c.RemoteAddr())
}
