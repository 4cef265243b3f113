package server

import (
	"net/http"
)

// setupRoutes configures all HTTP handlers.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/executions/callback", s.corsMiddleware(s.HandleCallback)) // Workflow engine status callbacks (POST)
	s.mux.HandleFunc("/api/executions/stream", s.corsMiddleware(s.HandleStream))     // SSE event stream (GET)
	s.mux.HandleFunc("/ws/executions", s.corsMiddleware(s.HandleWebSocket))          // WebSocket event stream
	s.mux.HandleFunc("/api/executions/", s.corsMiddleware(s.HandleExecution))        // Individual execution (GET)
	s.mux.HandleFunc("/api/executions", s.corsMiddleware(s.HandleExecutions))        // List executions (GET)
	s.mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
}

// corsMiddleware adds CORS headers using the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// originAllowed checks an Origin header value against the configured list.
// A configured origin matches exactly or as a prefix (to cover ports).
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if origin == allowed || len(origin) > len(allowed) && origin[:len(allowed)+1] == allowed+":" {
			return true
		}
	}
	return false
}
