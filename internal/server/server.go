// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/gateway"
	"github.com/howard-nolan/llmgateway/internal/wechat"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router  chi.Router
	gateway *gateway.Gateway
	wechat  *wechat.Client
	metrics http.Handler
	logger  *zap.Logger
}

// Option configures optional routes.
type Option func(*Server)

// WithWeChat enables POST /v1/wechat/session.
func WithWeChat(c *wechat.Client) Option {
	return func(s *Server) { s.wechat = c }
}

// WithMetricsHandler serves h on GET /metrics, typically promhttp.HandlerFor
// the registry the collectors were registered on.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(gw *gateway.Gateway, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		gateway: gw,
		logger:  logger.With(zap.String("component", "server")),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID goes first so the logger and handlers can see the id.
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	// Recoverer turns a handler panic into a 500 instead of killing the
	// process.
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/images/jobs", s.handleSubmitImageJob)
		r.Get("/images/jobs/{id}", s.handleImageJobStatus)
		if s.wechat != nil {
			r.Post("/wechat/session", s.handleWeChatSession)
		}
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
