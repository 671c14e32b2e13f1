package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/forgefab/conductor/internal/auth"
	"github.com/forgefab/conductor/internal/metrics"
	"github.com/forgefab/conductor/internal/requestctx"
	"github.com/forgefab/conductor/internal/server/handlers"
)

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)

	if r.server.cfg.Server.MaxBodySize > 0 {
		r.Use(MaxBodySizeMiddleware(r.server.cfg.Server.MaxBodySize))
	}
	if r.server.cfg.Server.CORS.Enabled {
		r.Use(CORSMiddleware(r.server.cfg.Server.CORS))
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	h := r.server.handlers

	r.mux.HandleFunc("GET /", r.wrap(h.HealthCheck))
	r.mux.HandleFunc("GET /health", r.wrap(h.HealthCheck))
	r.mux.Handle("GET /metrics", metrics.Handler())

	r.mux.HandleFunc("POST /api/execute", r.client(h.Execute))
	r.mux.HandleFunc("GET /api/executions", r.client(h.ListExecutions))
	r.mux.HandleFunc("GET /api/execution/{id}", r.client(h.GetExecution))
	r.mux.HandleFunc("GET /api/execution/{id}/events", r.client(h.GetEvents))
	r.mux.HandleFunc("GET /api/execution/{id}/costs", r.client(h.GetCosts))
	r.mux.HandleFunc("POST /api/execution/{id}/cancel", r.client(h.Cancel))
	r.mux.HandleFunc("POST /api/execution/{id}/retry", r.client(h.Retry))
	r.mux.HandleFunc("GET /api/progress/{id}", r.client(h.GetProgress))
	r.mux.HandleFunc("GET /api/queue", r.client(h.GetQueue))

	r.mux.HandleFunc("GET /api/templates", r.client(h.ListTemplates))

	r.mux.HandleFunc("GET /api/resources/status", r.client(h.ResourceStatus))
	r.mux.HandleFunc("POST /api/resources/check", r.client(h.CheckAvailability))
	r.mux.HandleFunc("POST /api/resources/allocate", r.client(h.Allocate))
	r.mux.HandleFunc("POST /api/resources/release", r.client(h.Release))
	r.mux.HandleFunc("POST /api/resources/usage", r.client(h.RecordUsage))

	r.mux.HandleFunc("GET /api/handshake/{packet_id}", r.worker(h.ReceivePacket))
	r.mux.HandleFunc("POST /api/handshake/{packet_id}/ack", r.worker(h.AcknowledgePacket))
}

func (r *Router) wrap(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fn(w, req)
	}
}

// client authenticates the Authorization header against the client
// registry and attaches the identity to the request context.
func (r *Router) client(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := r.server.authService.AuthenticateClient(req.Header.Get("Authorization"))
		if err != nil {
			r.authError(w, err)
			return
		}
		fn(w, req.WithContext(requestctx.WithIdentity(req.Context(), id)))
	}
}

// worker authenticates the bearer token against the worker registry.
func (r *Router) worker(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		id, err := r.server.authService.AuthenticateWorker(token)
		if err != nil {
			r.authError(w, err)
			return
		}
		fn(w, req.WithContext(requestctx.WithIdentity(req.Context(), id)))
	}
}

func (r *Router) authError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrMissingCredentials) {
		handlers.Unauthorized(w, "credentials required")
		return
	}
	handlers.Unauthorized(w, "invalid credentials")
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	handler.ServeHTTP(w, req)
}
