package ipc

import (
	"context"
	"net/http"
)

// Server wraps an HTTP server with crucible routing.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server that binds to the given address.
func NewServer(h *Handler, listenAddr string) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Run state and operator decisions.
	mux.HandleFunc("GET /api/v1/run", h.GetRun)
	mux.HandleFunc("GET /api/v1/run/query", h.GetQuery)
	mux.HandleFunc("POST /api/v1/run/resolve", h.Resolve)
	mux.HandleFunc("POST /api/v1/run/trip", h.TripCircuit)
	mux.HandleFunc("GET /api/v1/decisions", h.ListDecisions)

	// Breaker views.
	mux.HandleFunc("GET /api/v1/functions", h.ListFunctions)
	mux.HandleFunc("POST /api/v1/functions/{id}/reset", h.ResetFunction)
	mux.HandleFunc("GET /api/v1/report", h.GetReport)
	mux.HandleFunc("GET /api/v1/stats", h.GetStats)
	mux.HandleFunc("GET /api/v1/modules/{module}", h.GetModule)
	mux.HandleFunc("GET /api/v1/cost", h.GetCost)

	// Journal.
	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/stream", h.StreamEvents)

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: corsMiddleware(mux),
	}

	return &Server{
		httpServer: srv,
	}
}

// Start begins listening for HTTP connections. Blocks until the server stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware lets a local dashboard call the API. Only GET and POST
// routes exist.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
