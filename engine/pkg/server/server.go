// Package server exposes the key pool over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
	"github.com/malbeclabs/supplierpool/engine/pkg/metrics"
	"github.com/malbeclabs/supplierpool/engine/pkg/supplier"
)

// Engine is what the HTTP surface drives.
type Engine interface {
	Ready() bool
	Start(ctx context.Context)
	AllocateSuppliers(ctx context.Context, req supplier.StakeRequest) ([]supplier.Supplier, error)
	ReleaseSuppliers(ctx context.Context, addresses []string, delegator string) (int, error)
	MarkForRemediation(ctx context.Context, keyID uuid.UUID) error
	History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error)
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	engine  Engine
	limiter *RateLimiter
	router  chi.Router
	httpSrv *http.Server
}

func New(cfg Config, engine Engine) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		engine:  engine,
		limiter: NewRateLimiter(cfg.Clock, cfg.AllocateRate, cfg.AllocateBurst),
	}
	if s.cfg.AllocateRetry.OnRetry == nil {
		s.cfg.AllocateRetry.OnRetry = func(attempt int, err error, backoff time.Duration) {
			s.log.Warn("server: retrying allocation", "attempt", attempt, "backoff", backoff.String(), "error", err)
		}
	}
	s.router = s.routes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/suppliers/allocate", s.handleAllocate)
		r.Post("/suppliers/release", s.handleRelease)
		r.Post("/service-configs/compare", s.handleCompare)
		r.Post("/keys/{id}/remediate", s.handleRemediate)
		r.Get("/keys/{id}/remediation-history", s.handleRemediationHistory)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	s.engine.Start(ctx)
	go s.sweepLoop(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.limiter.Sweep(); n > 0 {
				s.log.Debug("server: swept idle rate limiters", "count", n)
			}
		}
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Ready() {
		s.log.Debug("readyz: engine not ready")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("engine not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
