// Package gateway is the external façade: the HTTP API, the WebSocket
// control surface, and the middleware chain in front of both.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
	"github.com/haasonsaas/klaus/internal/config"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/ratelimit"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/internal/tools/files"
	"github.com/haasonsaas/klaus/internal/tools/gittools"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Server owns the HTTP listener and the WebSocket hub.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	loop      *agent.Loop
	bus       *events.Bus
	approvals *approval.Broker
	git       *gittools.Runner
	resolver  *files.Resolver
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	limiter   *ratelimit.Limiter
	checks    map[string]HealthCheck
	hub       *wsHub

	httpServer *http.Server
	listener   net.Listener
	sweepStop  chan struct{}
}

// NewServer wires the façade. metrics and tracer may be nil.
func NewServer(cfg *config.Config, st *store.Store, loop *agent.Loop, bus *events.Bus, approvals *approval.Broker, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		loop:      loop,
		bus:       bus,
		approvals: approvals,
		git:       gittools.NewRunner(cfg.WorkspaceDir),
		resolver:  &files.Resolver{Root: cfg.WorkspaceDir},
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: 60,
			BurstSize:         60,
			Enabled:           true,
		}),
		checks:    map[string]HealthCheck{"database": st.Ping},
		sweepStop: make(chan struct{}),
	}
	s.hub = newWSHub(s)
	return s
}

// RegisterHealthCheck adds a named dependency probe to /health. A failing
// probe turns the endpoint 503.
func (s *Server) RegisterHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler assembles the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/prompt", s.handlePrompt)
	api.HandleFunc("GET /api/sessions", s.handleSessionList)
	api.HandleFunc("GET /api/sessions/{id}", s.handleSessionDetail)
	api.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	api.HandleFunc("PUT /api/sessions/{id}/rename", s.handleSessionRename)
	api.HandleFunc("POST /api/sessions/{id}/pin", s.handleSessionPin)
	api.HandleFunc("PUT /api/sessions/{id}/tags", s.handleSessionTags)
	api.HandleFunc("POST /api/sessions/{id}/cancel", s.handleSessionCancel)
	api.HandleFunc("GET /api/sessions/{id}/export", s.handleSessionExport)
	api.HandleFunc("GET /api/workspace/tree", s.handleWorkspaceTree)
	api.HandleFunc("GET /api/workspace/file", s.handleWorkspaceFile)
	api.HandleFunc("POST /api/workspace/rollback", s.handleWorkspaceRollback)
	api.HandleFunc("GET /api/usage", s.handleUsage)
	api.HandleFunc("GET /api/approvals", s.handleApprovalsPending)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", s.hub)
	mux.Handle("/api/", s.requireAuth(api))

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.corsAndSecurityHeaders(h)
	h = s.instrument(h)
	h = s.withRequestID(h)
	return h
}

// Start binds the listener and serves until Shutdown. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	go s.hub.sweepOrphans(s.sweepStop)
	if s.cfg.SessionTTL > 0 {
		go s.sweepIdleSessions(ctx)
	}

	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address. Empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown broadcasts server_shutdown to connected sockets, then drains
// HTTP connections within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	s.hub.shutdown("server is shutting down")

	if s.httpServer == nil {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// sweepIdleSessions expires unpinned idle sessions on the cleanup interval.
func (s *Server) sweepIdleSessions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			n, err := s.store.ExpireIdleSessions(ctx, s.cfg.SessionTTL)
			if err != nil {
				s.logger.Warn(ctx, "session expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info(ctx, "expired idle sessions", "count", n)
			}
		}
	}
}
