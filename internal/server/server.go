// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"

	"github.com/mbd888/kya/internal/auth"
	"github.com/mbd888/kya/internal/chain"
	"github.com/mbd888/kya/internal/circuitbreaker"
	"github.com/mbd888/kya/internal/config"
	"github.com/mbd888/kya/internal/health"
	"github.com/mbd888/kya/internal/logging"
	"github.com/mbd888/kya/internal/metrics"
	"github.com/mbd888/kya/internal/oracle"
	"github.com/mbd888/kya/internal/ratelimit"
	"github.com/mbd888/kya/internal/realtime"
	"github.com/mbd888/kya/internal/registry"
	"github.com/mbd888/kya/internal/relay"
	"github.com/mbd888/kya/internal/security"
	"github.com/mbd888/kya/internal/traces"
	"github.com/mbd888/kya/internal/transport"
)

// Version is reported by /health.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server hosts the registry, relay and bridge chains of one node behind
// a single HTTP API.
type Server struct {
	cfg    *config.Config
	clock  chain.Clock
	logger *slog.Logger

	chains   *Chains
	bus      transport.Bus
	memBus   *transport.MemoryBus // nil when NATS carries messages
	natsConn *nats.Conn
	breaker  *circuitbreaker.Breaker // guards NATS publishes

	registryStore registry.Store
	registry      *registry.Service
	relayStore    relay.Store
	relay         *relay.Service
	bridgeStore   oracle.Store
	bridge        *oracle.Builder
	sweeper       *oracle.Sweeper
	reporter      *relay.Reporter

	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the wall clock of every chain (for testing).
func WithClock(c chain.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithChains supplies pre-built chain identities (for testing).
func WithChains(c *Chains) Option {
	return func(s *Server) {
		s.chains = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  chain.SystemClock{},
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	if s.chains == nil {
		chains, err := LoadChains(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.chains = chains
	}

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupBus(ctx); err != nil {
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithClock(s.clock.Now),
		realtime.WithOrigins(cfg.CORSOrigins),
	)

	// The relay chain always hears about code updates.
	subscribers := append([]string{s.chains.Relay.ID()}, cfg.SubscriberChains...)
	s.registry = registry.NewService(s.registryStore,
		transport.NewOutbox(s.chains.Registry, s.bus, s.outboxOpts()...),
		registry.WithClock(s.clock),
		registry.WithNotifier(s.realtimeHub),
		registry.WithSubscriberChains(subscribers...),
		registry.WithTrustedChains(append([]string{s.chains.Relay.ID()}, cfg.TrustedChains...)...),
	)
	s.bridge = oracle.NewBuilder(s.bridgeStore,
		transport.NewOutbox(s.chains.Bridge, s.bus, s.outboxOpts()...),
		oracle.WithClock(s.clock),
		oracle.WithRequestTimeout(cfg.ScoreRequestTimeout),
	)
	s.relay = relay.NewService(s.relayStore,
		transport.NewOutbox(s.chains.Relay, s.bus, s.outboxOpts()...),
		relay.WithClock(s.clock),
	)
	s.sweeper = oracle.NewSweeper(s.bridge, cfg.SweepInterval, s.logger)
	s.reporter = relay.NewReporter(s.relay, cfg.ReportInterval, s.logger)

	if err := s.attach(); err != nil {
		return nil, err
	}
	if err := s.bootstrapBridge(ctx); err != nil {
		return nil, err
	}

	s.health.Register(health.Check{Name: "sweeper", Probe: health.Running(s.sweeper), Critical: true})
	s.health.Register(health.Check{Name: "realtime", Probe: health.Running(s.realtimeHub)})
	s.health.Register(health.Check{Name: "relay_reporter", Probe: health.Running(s.reporter)})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupStorage opens Postgres if DATABASE_URL is set, otherwise in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	var relayStore relay.Store
	if s.cfg.DatabaseURL == "" {
		s.registryStore = registry.NewMemoryStore()
		relayStore = relay.NewMemoryStore()
		s.bridgeStore = oracle.NewMemoryStore()
		s.logger.Warn("using in-memory storage, state is lost on restart")
	} else {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		registryPG := registry.NewPostgresStore(db)
		relayPG := relay.NewPostgresStore(db)
		bridgePG := oracle.NewPostgresStore(db)
		for name, m := range map[string]interface{ Migrate(context.Context) error }{
			"registry": registryPG,
			"relay":    relayPG,
			"bridge":   bridgePG,
		} {
			if err := m.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "store", name, "error", err)
			}
		}
		s.registryStore, relayStore, s.bridgeStore = registryPG, relayPG, bridgePG
		s.health.Register(health.Check{Name: "database", Probe: health.Ping(db), Critical: true})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}

	s.relayStore = relayStore
	return nil
}

// setupBus connects to NATS if NATS_URL is set, otherwise runs an in-process bus.
func (s *Server) setupBus(ctx context.Context) error {
	if s.cfg.NATSURL == "" {
		s.memBus = transport.NewMemoryBus()
		s.bus = s.memBus
		s.logger.Info("using in-memory message bus")
		return nil
	}

	nc, err := nats.Connect(s.cfg.NATSURL,
		nats.Name("kya"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	s.natsConn = nc
	s.bus = transport.NewNATSBus(ctx, nc)
	s.breaker = circuitbreaker.New(5, 30*time.Second,
		circuitbreaker.WithObserver(func(route string, from, to circuitbreaker.State) {
			metrics.OutboxBreakerTransitionsTotal.WithLabelValues(route, from.String(), to.String()).Inc()
			s.logger.Warn("outbox circuit changed", "route", route, "from", from, "to", to)
		}),
	)
	s.health.Register(health.Check{Name: "nats", Critical: true, Probe: func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New(nc.Status().String())
		}
		return nil
	}})
	s.logger.Info("using NATS message bus", "url", nc.ConnectedUrl())
	return nil
}

func (s *Server) outboxOpts() []transport.OutboxOption {
	if s.breaker == nil {
		return nil
	}
	return []transport.OutboxOption{transport.WithBreaker(s.breaker)}
}

// attach subscribes each chain's state machine to its inbox.
func (s *Server) attach() error {
	for _, a := range []struct {
		id string
		h  transport.Handler
	}{
		{s.registry.ChainID(), s.registry},
		{s.relay.ChainID(), s.relay},
		{s.bridge.ChainID(), s.bridge},
	} {
		if err := s.bus.Attach(a.id, a.h); err != nil {
			return fmt.Errorf("attach chain %s: %w", a.id, err)
		}
	}
	return nil
}

// bootstrapBridge points a fresh bridge at this node's registry. A bridge
// already initialized against another registry is left alone.
func (s *Server) bootstrapBridge(ctx context.Context) error {
	target, err := s.bridgeStore.Target(ctx)
	if err != nil {
		return fmt.Errorf("read bridge target: %w", err)
	}
	if target != "" {
		return nil
	}
	operator := chain.Caller{Address: s.chains.Bridge.ID(), Authorized: true}
	return s.bridge.Initialize(ctx, operator, s.registry.ChainID())
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"type":    "Error",
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Signature verification precedes rate limiting so signed callers are
	// limited by their tier rather than their IP.
	s.router.Use(auth.Middleware(auth.Config{
		MaxSkew:     s.cfg.AuthMaxSkew,
		AdminSecret: s.cfg.AdminSecret,
		Clock:       s.clock,
	}))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	rlCfg.BurstSize = s.cfg.RateLimitBurst
	s.rateLimiter = ratelimit.New(rlCfg, ratelimit.WithTiers(s.tierCeiling))
	s.router.Use(s.rateLimiter.Middleware())
}

// tierCeiling reads the badge straight from storage, outside the registry
// executor, so rate limiting never queues behind registry operations.
func (s *Server) tierCeiling(ctx context.Context, agent string) (int, bool) {
	b, err := s.registryStore.Get(ctx, agent)
	if err != nil {
		return 0, false
	}
	return b.Tier().RateLimit(), true
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/chains", s.chainsHandler)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	registry.NewHandler(s.registry).RegisterRoutes(v1.Group("/registry"))
	relay.NewHandler(s.relay).RegisterRoutes(v1.Group("/relay"))
	oracle.NewHandler(s.bridge).RegisterRoutes(v1.Group("/bridge"))
	transport.NewInbox(s.bus).RegisterRoutes(v1)
}

// chainsHandler handles GET /v1/chains
func (s *Server) chainsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"registry": s.chains.Registry.ID(),
		"relay":    s.chains.Relay.ID(),
		"bridge":   s.chains.Bridge.ID(),
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Result `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.health.Run(ctx)
	httpStatus := http.StatusOK
	if !report.Healthy() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    report.Status,
		Version:   Version,
		Checks:    report.Checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops: bus delivery, realtime hub, score
// request sweeper, relay reporter and pool stats. Run calls it; tests may
// call it directly.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(logging.WithLogger(ctx, s.logger))
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	if s.memBus != nil {
		go s.memBus.Run(runCtx)
	}
	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reporter.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"registry", s.chains.Registry.ID(),
			"relay", s.chains.Relay.ID(),
			"bridge", s.chains.Bridge.ID(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.sweeper.Stop()
	s.reporter.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if nb, ok := s.bus.(*transport.NATSBus); ok {
		if err := nb.Close(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Bus returns the in-process bus, or nil when NATS is in use.
func (s *Server) Bus() *transport.MemoryBus {
	return s.memBus
}

// Chains returns the identities of the chains this node hosts.
func (s *Server) Chains() *Chains {
	return s.chains
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
