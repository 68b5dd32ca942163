// Package httpapi exposes a bookmail.Service over HTTP.
//
// The caller is identified by the X-User-ID header, which an
// authenticating gateway in front of bookmaild is expected to set.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbaliyan/bookmail"
	"github.com/rbaliyan/bookmail/permission"
)

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

// DefaultMaxRequestBytes bounds request bodies.
const DefaultMaxRequestBytes = 128 * 1024

// Option configures the API.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry registers the API metrics with reg and serves reg at /metrics.
// Default is a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithBlocklist enables the /v1/blocks endpoints.
func WithBlocklist(b *permission.Blocklist) Option {
	return func(s *Server) {
		s.blocklist = b
	}
}

// WithMaxRequestBytes bounds request bodies. Default is 128 KB.
func WithMaxRequestBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxRequestBytes = n
		}
	}
}

// Server holds the handlers and their dependencies.
type Server struct {
	svc             bookmail.Service
	logger          *slog.Logger
	registry        *prometheus.Registry
	corsOrigins     []string
	blocklist       *permission.Blocklist
	maxRequestBytes int64
	metrics         *metrics
}

// New creates the API for svc.
func New(svc bookmail.Service, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		logger:          slog.Default(),
		maxRequestBytes: DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.metrics.middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(s.maxRequestBytes))

	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
			ExposedHeaders: []string{"X-Total-Count", "X-Has-More"},
			MaxAge:         300,
		}))
	}

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/messages", s.send)
		r.Get("/messages/{id}", s.message)
		r.Get("/messages/{id}/replies", s.replies)

		r.Get("/inbox", s.list(bookmail.VisibilityInbox))
		r.Get("/archive", s.list(bookmail.VisibilityArchived))

		r.Post("/states/{id}/read", s.transition("read", bookmail.Mailbox.MarkRead))
		r.Post("/states/{id}/archive", s.transition("archive", bookmail.Mailbox.Archive))
		r.Post("/states/{id}/delete", s.transition("delete", bookmail.Mailbox.Delete))
		r.Post("/states/{id}/undo", s.transition("undo", bookmail.Mailbox.Undo))

		r.Get("/stats", s.stats)

		if s.blocklist != nil {
			r.Get("/blocks", s.listBlocks)
			r.Put("/blocks/{sender}", s.block)
			r.Delete("/blocks/{sender}", s.unblock)
		}
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
