package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

const (
	msgAuthRequired = "Authentication required"
	msgAuthFailed   = "Authentication failed"
)

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.isAllowed,
	}
}

// handleWebSocket authenticates the handshake and upgrades the connection.
// Nothing is allocated for a request that fails any check.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket upgrade", http.StatusBadRequest)
		return
	}

	if !s.origins.check(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	log := s.log.With(zap.String("remote_addr", r.RemoteAddr))

	credential := extractCredential(r)
	if credential == "" {
		log.Warn("Rejected handshake", zap.String("reason", string(auth.ReasonMissingCredential)))
		http.Error(w, msgAuthRequired, http.StatusUnauthorized)
		return
	}

	user, err := s.auth.Authenticate(r.Context(), credential)
	if err != nil {
		reason := "unknown"
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			reason = string(authErr.Reason)
		}
		log.Warn("Rejected handshake", zap.String("reason", reason), zap.Error(err))
		http.Error(w, msgAuthFailed, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(conn, s.hub, user, credential, s.auth, r.RemoteAddr, s.cfg, s.log)

	// The hub joins the user room and launches the pumps.
	if !s.hub.Register(session) {
		log.Warn("Hub is shutting down; closing new connection")
		_ = conn.Close()
	}
}

// extractCredential reads the bearer credential from the Authorization
// header, falling back to the token query parameter that browsers use.
func extractCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
