// Package controller contains the HTTP API server for the daemon.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tuneplane/internal/controller/handlers"
	"tuneplane/internal/controller/middleware"
)

// Config holds the server tunables.
type Config struct {
	// Port the listener binds on the loopback interface.
	Port int

	// APIToken guards the API routes. Empty disables auth.
	APIToken string

	// RateLimitRPS bounds request throughput. Zero disables limiting.
	RateLimitRPS float64

	// Metrics is served on /metrics without auth when non-nil.
	Metrics http.Handler
}

// Server is the daemon's HTTP front. The listener is loopback-only: the
// daemon serves the CLI on the same machine, not the network.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New wires handlers and middleware into a ready-to-run server.
func New(h *handlers.Handlers, cfg Config, log *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", h.SubmitJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /jobs/{id}/logs", h.GetJobLogs)
	mux.HandleFunc("GET /jobs/{id}/logs/stream", h.StreamJobLogs)

	mux.HandleFunc("GET /platforms", h.ListPlatforms)
	mux.HandleFunc("POST /platforms/{name}/connect", h.ConnectPlatform)
	mux.HandleFunc("POST /platforms/{name}/verify", h.VerifyPlatform)
	mux.HandleFunc("DELETE /platforms/{name}/credentials", h.DisconnectPlatform)
	mux.HandleFunc("GET /platforms/{name}/resources", h.ListResources)
	mux.HandleFunc("GET /platforms/{name}/pricing/{resource}", h.GetPricing)

	mux.HandleFunc("GET /operations", h.ListOperations)
	mux.HandleFunc("DELETE /operations/{id}", h.DeleteOperation)
	mux.HandleFunc("POST /sync", h.TriggerSync)

	mux.HandleFunc("GET /artifacts", h.ListArtifacts)
	mux.HandleFunc("GET /artifacts/{id}", h.GetArtifact)
	mux.HandleFunc("GET /artifacts/{id}/download", h.DownloadArtifact)
	mux.HandleFunc("POST /artifacts/{id}/push", h.PushArtifact)

	var apiHandler http.Handler = mux
	apiHandler = middleware.RequireToken(cfg.APIToken)(apiHandler)
	apiHandler = middleware.RateLimit(cfg.RateLimitRPS, int(cfg.RateLimitRPS))(apiHandler)
	apiHandler = middleware.RequestID(log)(apiHandler)

	// Health and metrics stay outside auth so probes work without the token.
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", h.Health)
	if cfg.Metrics != nil {
		root.Handle("GET /metrics", cfg.Metrics)
	}
	root.Handle("/", apiHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
