package server

import "net/http"

// SetupRoutes returns the relay's ServeMux: the WebSocket endpoint and the
// health check.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}
