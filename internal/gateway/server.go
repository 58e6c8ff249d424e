// Package gateway exposes the session engine over WebSocket plus a
// small HTTP surface for uploads, session listing, and event history.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/store"
)

// Options configures a gateway server.
type Options struct {
	Addr      string
	Manager   *agent.Manager
	Repo      store.Repository
	LLMClient llm.Client
	AgentCfg  agent.Config
	Auth      Authenticator
	ConnCfg   ConnConfig
	Logger    *slog.Logger
	Registry  *prometheus.Registry

	// RatePerSecond/RateBurst bound HTTP and upgrade requests per IP.
	RatePerSecond float64
	RateBurst     int
}

// Server hosts the WebSocket gateway and auxiliary HTTP API.
type Server struct {
	addr      string
	manager   *agent.Manager
	repo      store.Repository
	llmClient llm.Client
	agentCfg  agent.Config
	auth      Authenticator
	connCfg   ConnConfig
	logger    *slog.Logger
	metrics   *metrics
	limiter   *ipLimiter
	handler   http.Handler
}

// New assembles the server, wires metrics hooks into the session
// manager, and builds the route table.
func New(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = AnonymousAuthenticator{}
	}
	if opts.ConnCfg.PongWait == 0 {
		opts.ConnCfg = DefaultConnConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}

	s := &Server{
		addr:      opts.Addr,
		manager:   opts.Manager,
		repo:      opts.Repo,
		llmClient: opts.LLMClient,
		agentCfg:  opts.AgentCfg,
		auth:      opts.Auth,
		connCfg:   opts.ConnCfg,
		logger:    opts.Logger,
		limiter:   newIPLimiter(opts.RatePerSecond, opts.RateBurst),
	}
	s.metrics = newMetrics(opts.Registry, opts.Manager)
	opts.Manager.SetHooks(s.metrics.hooks())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{sessionID}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /api/sessions/{sessionID}/upload", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	s.handler = s.limiter.limit(mux)

	return s
}

// Handler returns the root HTTP handler, rate limiting included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is canceled, then shuts down gracefully. Live
// WebSocket connections are closed by the shutdown; clients reconnect
// and replay.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("gateway shutting down")
		err := srv.Shutdown(shutdownCtx)
		// Shutdown does not touch hijacked WebSocket connections; Close
		// drops them so clients reconnect and replay.
		srv.Close()
		return err
	})
	return g.Wait()
}
