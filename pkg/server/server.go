// Package server exposes retrieval and tier sweeps over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/classify"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/retrieval"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/route"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/tier"
)

// Service is what the HTTP API serves. *retrieval.Orchestrator implements it.
type Service interface {
	Retrieve(ctx context.Context, key owner.Key, query string) (*retrieval.Result, error)
	Classify(ctx context.Context, query string) (classify.Classification, route.Plan)
	RunTierSweep(ctx context.Context, key owner.Key) (tier.SweepReport, error)
	Ready(ctx context.Context) error
	RerankerReady() bool
}

// Server is the memoryd HTTP API server.
type Server struct {
	svc     Service
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server.
func New(svc Service, version string) *Server {
	s := &Server{
		svc:     svc,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/classify", s.handleClassify)
		r.Post("/sweeps", s.handleSweep)
	})

	s.router = r
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
