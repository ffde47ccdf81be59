package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/streamgate/internal/metrics"
	"github.com/allaspectsdev/streamgate/internal/tracing"
)

// Server is the HTTP server for the relay. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	addr    string
	httpSrv *http.Server
}

// NewServer creates a Server mounting the relay endpoints. Zero-value
// timeouts leave the corresponding http.Server field at its default. Note
// that chi's RealIP middleware is deliberately absent: client attribution
// goes through the CIDR-trust pipeline, which must never believe
// forwarding headers by default.
func NewServer(handler *Handler, collector *metrics.Collector, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, tracingEnabled bool) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	// Relay endpoints, one per protocol surface.
	r.Post("/v1/chat/completions", handler.HandleOpenAI)
	r.Post("/v1/messages", handler.HandleClaude)
	// Wildcard rather than a single path param: the trigger prefix may put
	// a slash inside the model segment.
	r.Post("/v1/models/*", handler.HandleGemini("/v1"))
	r.Post("/v1beta/models/*", handler.HandleGemini("/v1beta"))

	r.Get("/health", handler.HandleHealth)
	if collector != nil {
		r.Get("/metrics", metrics.PrometheusHandler(collector))
	}

	srv := &Server{
		router:  r,
		handler: handler,
		addr:    addr,
	}

	srv.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return srv
}

// Router returns the underlying chi.Router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
