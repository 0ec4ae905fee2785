// Package graphql implements the GraphQL gateway for the federation
// management engine: a schema-driven HTTP endpoint for queries and
// mutations, a websocket transport for subscriptions, and an optional
// playground UI.
package graphql

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/gateway"
	"github.com/c360/fedmeter/metric"
)

//go:embed schema.graphql
var schemaSDL string

// Server is the GraphQL gateway. It implements gateway.Gateway.
type Server struct {
	config   gateway.Config
	resolver *Resolver
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics

	schema     *ast.Schema
	executor   *Executor
	hub        *SubscriptionHub
	httpServer *http.Server
	running    atomic.Bool
}

// Option configures optional server dependencies
type Option func(*Server)

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With("component", "graphql-gateway")
	}
}

// WithMetrics sets the metrics recorder for the server
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// NewServer creates the GraphQL gateway over a resolver and event bus
func NewServer(config gateway.Config, resolver *Resolver, bus *event.Bus, options ...Option) *Server {
	s := &Server{
		config:   config,
		resolver: resolver,
		bus:      bus,
		logger:   slog.Default().With("component", "graphql-gateway"),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Setup validates the configuration and loads the schema
func (s *Server) Setup() error {
	if err := s.config.Validate(); err != nil {
		return errors.WrapInvalid(err, "Server", "Setup", "validate gateway config")
	}

	schema, err := gqlparser.LoadSchema(&ast.Source{
		Name:  "schema.graphql",
		Input: schemaSDL,
	})
	if err != nil {
		return errors.WrapFatal(err, "Server", "Setup", "load embedded schema")
	}
	s.schema = schema
	s.executor = NewExecutor(schema, s.resolver, s.config.MaxQueryDepth, s.metrics)
	s.hub = NewSubscriptionHub(schema, s.bus, s.logger)
	return nil
}

// Start binds the listener and serves until ctx is cancelled. The ready
// channel is closed once the listener is accepting connections.
func (s *Server) Start(ctx context.Context, ready chan<- struct{}) error {
	if s.executor == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Start", "Setup not called")
	}

	listener, err := net.Listen("tcp", s.config.BindAddress)
	if err != nil {
		return errors.WrapTransient(err, "Server", "Start", "bind listener")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleGraphQL)
	mux.HandleFunc("/health", s.handleHealth)
	if s.config.EnablePlayground {
		mux.Handle("/", playground.Handler("fedmeter", s.config.Path))
	}

	var handler http.Handler = mux
	if s.config.EnableCORS {
		handler = s.corsMiddleware(mux)
	}

	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running.Store(true)
	s.logger.Info("graphql gateway listening",
		"address", listener.Addr().String(),
		"path", s.config.Path,
		"playground", s.config.EnablePlayground)
	if ready != nil {
		close(ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.Stop(5 * time.Second)
	case err := <-serveErr:
		s.running.Store(false)
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WrapTransient(err, "Server", "Start", "serve")
	}
}

// Stop drains in-flight requests within the timeout
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// Healthy reports whether the gateway is accepting requests
func (s *Server) Healthy() bool {
	return s.running.Load()
}

// Addr returns the bound listener address once Start has run
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.config.BindAddress
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.hub.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResponse(w, http.StatusMethodNotAllowed, &Response{
			Errors: gqlerror.List{{Message: "only POST is supported for queries and mutations"}},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, &Response{
			Errors: gqlerror.List{{Message: "malformed request body"}},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout())
	defer cancel()
	writeResponse(w, http.StatusOK, s.executor.Execute(ctx, req))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"healthy": s.Healthy(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// corsMiddleware applies the configured origin allow-list. A lone "*" allows
// any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := len(s.config.CORSOrigins) == 1 && s.config.CORSOrigins[0] == "*"
	allowed := make(map[string]bool, len(s.config.CORSOrigins))
	for _, origin := range s.config.CORSOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
