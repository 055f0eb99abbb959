package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/typelo/raceserver/internal/match"
	"github.com/typelo/raceserver/internal/matchqueue"
	"github.com/typelo/raceserver/internal/model"
)

// Server upgrades HTTP requests to WebSocket race sessions, one
// goroutine per connection (the teacher's acceptLoop/handleConnection
// shape from internal/gameserver/server.go, adapted from a raw TCP
// accept loop to net/http's per-request model since the transport here
// is HTTP-upgraded WebSocket, not a bespoke TCP protocol).
type Server struct {
	identity     IdentityProvider
	profiles     ProfileStore
	friends      FriendGraph
	coordinator  *matchqueue.Coordinator
	orchestrator *match.Orchestrator
	logger       *slog.Logger

	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader

	// connectedIPs enforces spec.md §6.1's "one active session per IP"
	// administrative rule.
	mu           sync.Mutex
	connectedIPs map[string]bool
}

// NewServer builds a session.Server. allowedOrigins is the Origin
// allow-list spec.md §6.1 requires; an empty list disables the check
// (same-origin deployments behind a reverse proxy commonly omit it).
func NewServer(identity IdentityProvider, profiles ProfileStore, friends FriendGraph, coordinator *matchqueue.Coordinator, orchestrator *match.Orchestrator, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	s := &Server{
		identity: identity, profiles: profiles, friends: friends,
		coordinator: coordinator, orchestrator: orchestrator, logger: logger,
		allowedOrigins: originSet,
		connectedIPs:   make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	return s.allowedOrigins[r.Header.Get("Origin")]
}

// ServeHTTP upgrades the request, authenticates it, and runs the
// connection's Handler until it disconnects. It never returns an error
// to the caller directly; failures are written back as an HTTP status
// before the upgrade, or as a close frame after.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	playerID, err := s.identity.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if !s.claimIP(ip) {
		http.Error(w, "another session is already active from this address", http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseIP(ip)
		s.logger.Warn("session: upgrade failed", "player", playerID, "error", err)
		return
	}

	s.runConnection(r.Context(), ws, playerID, ip)
}

func (s *Server) runConnection(ctx context.Context, ws *websocket.Conn, playerID model.PlayerID, ip string) {
	defer s.releaseIP(ip)
	defer ws.Close()

	conn := NewConn(ws, playerID, s.logger)
	handler := NewHandler(conn, s.profiles, s.friends, s.coordinator, s.orchestrator, s.logger)
	handler.Serve(ctx)
}

func (s *Server) claimIP(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedIPs[ip] {
		return false
	}
	s.connectedIPs[ip] = true
	return true
}

func (s *Server) releaseIP(ip string) {
	s.mu.Lock()
	delete(s.connectedIPs, ip)
	s.mu.Unlock()
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
