package observability

import (
	"context"
	"net/http"
	"time"
)

// Server exposes the metrics and health endpoints of a session-service
// process (the retention sweeper daemon, or any host embedding the layer).
type Server struct {
	httpServer *http.Server
	checker    *HealthChecker
	addr       string
}

// NewServer creates an observability server listening on addr.
func NewServer(addr string, checker *HealthChecker) *Server {
	return &Server{
		addr:    addr,
		checker: checker,
	}
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.checker.HealthHandler())
	mux.HandleFunc("/ready", s.checker.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
