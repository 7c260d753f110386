// Package server exposes the router's HTTP API: rule and profile
// administration, order routing, queue state and manipulation, and
// the split ledger. Handlers validate thinly and delegate to the
// domain components.
package server

import (
	"context"
	"net/http"
	"time"
)

// Server wraps http.Server with sensible timeouts.
type Server struct {
	srv *http.Server
}

// NewServer creates a server listening on the given port.
func NewServer(handler http.Handler, port string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
