// Package gateway provides the HTTP admin surface: health, Prometheus
// metrics, budget statistics and circuit control. It binds to loopback by
// default.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flemzord/tokenguard/internal/breaker"
	"github.com/flemzord/tokenguard/internal/budget"
	"github.com/flemzord/tokenguard/internal/config"
	"github.com/flemzord/tokenguard/internal/logging"
)

// Backend is the state the gateway reports on and controls.
// *guard.Guard implements it.
type Backend interface {
	Statistics() budget.Report
	EndpointStatistics(endpoint string) (budget.EndpointStats, bool)
	ResetStatistics()
	CircuitStatus(key string) breaker.Status
	CircuitStatuses() []breaker.Status
	OpenCircuit(key string)
	CloseCircuit(key string)
}

// ReloadFunc re-reads the configuration and returns the endpoints it added.
type ReloadFunc func(ctx context.Context) ([]string, error)

// Option configures optional Gateway behavior.
type Option func(*Gateway)

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(g *Gateway) { g.metricsHandler = h }
}

// WithReload enables POST /api/config/reload.
func WithReload(fn ReloadFunc) Option {
	return func(g *Gateway) { g.reload = fn }
}

// WithSettings enables GET /api/config, served with secrets redacted.
func WithSettings(fn func() config.Settings) Option {
	return func(g *Gateway) { g.settings = fn }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is the HTTP admin server.
type Gateway struct {
	config         Config
	backend        Backend
	logger         *slog.Logger
	metricsHandler http.Handler
	reload         ReloadFunc
	settings       func() config.Settings
	now            func() time.Time
	requests       *RequestMetrics
	startedAt      time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// New creates a Gateway over backend.
func New(cfg Config, backend Backend, opts ...Option) *Gateway {
	cfg.defaults()
	g := &Gateway{
		config:   cfg,
		backend:  backend,
		now:      time.Now,
		requests: &RequestMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)
	g.startedAt = g.now()
	return g
}

// Handler returns the routed handler without listening, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.buildRouter()
}

// Start listens on the configured address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return fmt.Errorf("gateway: invalid bind address %q: %w", g.config.Bind, err)
	}
	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("gateway admin routes are not authenticated", "addr", g.config.Bind)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}

	srv := &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	g.mu.Lock()
	g.server = srv
	g.addr = ln.Addr()
	g.mu.Unlock()

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Stop shuts the server down gracefully within the configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
