// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/zafegard/zafegard/internal/auth"
	"github.com/zafegard/zafegard/internal/circuitbreaker"
	"github.com/zafegard/zafegard/internal/config"
	"github.com/zafegard/zafegard/internal/health"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/metrics"
	"github.com/zafegard/zafegard/internal/policy"
	"github.com/zafegard/zafegard/internal/ratelimit"
	"github.com/zafegard/zafegard/internal/realtime"
	"github.com/zafegard/zafegard/internal/security"
	"github.com/zafegard/zafegard/internal/traces"
)

// Version is reported by /health and /v1/info. cmd/server sets it from
// ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        policy.Store
	contract     *policy.Contract
	registrar    policy.SignerRegistrar
	hookBreaker  *circuitbreaker.Breaker // nil without a hook URL
	clock        policy.Clock
	realtimeHub  *realtime.Hub
	health       *health.Registry
	verifier     *auth.Verifier
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

	// Health state
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

// WithStore overrides the store chosen from DATABASE_URL (for testing)
func WithStore(store policy.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithRegistrar overrides the registrar chosen from SMART_WALLET_HOOK_URL
func WithRegistrar(r policy.SignerRegistrar) Option {
	return func(s *Server) {
		s.registrar = r
	}
}

// WithClock sets the clock policy decisions are made against
func WithClock(c policy.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:  policy.SystemClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if s.registrar == nil {
		if err := s.buildRegistrar(); err != nil {
			s.closeDB()
			return nil, err
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.Options{AllowedOrigins: cfg.CORSOrigins})

	s.contract = policy.NewContract(s.store,
		policy.WithClock(s.clock),
		policy.WithRegistrar(s.registrar),
		policy.WithEventPublisher(s.realtimeHub),
		policy.WithPolicyAddress(cfg.PolicyAddress),
	)

	if cfg.SeedFile != "" {
		seed, err := policy.LoadSeed(cfg.SeedFile)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to load seed: %w", err)
		}
		if err := s.contract.ApplySeed(logging.WithLogger(ctx, s.logger), seed); err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to apply seed: %w", err)
		}
	}

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Critical("store", s.store.Ping)
	if s.hookBreaker != nil {
		s.health.Optional("registrar", s.registrarCheck)
	}

	s.verifier = auth.NewVerifier(cfg.SignatureMaxAge)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.store = policy.NewMemoryStore()
		s.logger.Warn("using in-memory storage, state is lost on restart")
		return nil
	}

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

	pg := policy.NewPostgresStore(db)
	if !s.cfg.IsProduction() {
		// Production schemas are managed by cmd/migrate.
		if err := pg.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate policy store", "error", err)
		}
	}

	if err := metrics.RegisterDB(db, "policy"); err != nil {
		s.logger.Warn("failed to export database pool metrics", "error", err)
	}

	s.db = db
	s.store = pg
	s.logger.Info("using PostgreSQL storage", "db", dbTarget(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) buildRegistrar() error {
	if s.cfg.HookURL == "" {
		s.registrar = policy.NopRegistrar{}
		s.logger.Info("smart wallet registrar disabled")
		return nil
	}

	if s.cfg.IsProduction() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := (security.HookURLPolicy{RequireHTTPS: true}).Check(ctx, s.cfg.HookURL); err != nil {
			return fmt.Errorf("invalid SMART_WALLET_HOOK_URL: %w", err)
		}
	}

	// A hung hook holds a lifecycle transaction for up to the registrar's
	// full retry schedule until the breaker opens. On the memory store that
	// transaction holds the store-wide lock, stalling every Evaluate.
	if _, ok := s.store.(*policy.MemoryStore); ok {
		s.logger.Warn("registrar calls run under the memory store lock; a slow hook blocks all evaluations, use DATABASE_URL outside demos")
	}
	s.hookBreaker = circuitbreaker.New(circuitbreaker.Settings{
		Name:      "registrar",
		Threshold: 5,
		Cooldown:  30 * time.Second,
		OnStateChange: func(_ string, from, to circuitbreaker.State) {
			s.logger.Warn("registrar circuit changed", "endpoint", s.cfg.HookURL, "from", from.String(), "to", to.String())
		},
	})
	s.registrar = policy.NewHTTPRegistrar(s.cfg.HookURL, s.cfg.HookSecret).WithBreaker(s.hookBreaker)
	s.logger.Info("smart wallet registrar enabled", "url", s.cfg.HookURL)
	return nil
}

func (s *Server) registrarCheck(context.Context) error {
	if state := s.hookBreaker.State(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("circuit %s", state)
	}
	return nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
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

	policyHandler := policy.NewHandler(s.contract)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	policyHandler.RegisterRoutes(v1)

	// Admin-only routes: the caller signs the request, the contract
	// checks the caller is the current admin.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.verifier), auth.RequireCaller(), s.rateLimiter.CallerMiddleware())
	policyHandler.RegisterProtectedRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Result `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	rep := s.health.Run(c.Request.Context())

	httpStatus := http.StatusOK
	if !rep.OK() {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    rep.Status,
		Version:   Version,
		Checks:    rep.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          "Zafegard",
		"description":   "Signer spending policy for smart wallets",
		"version":       Version,
		"policyAddress": s.cfg.PolicyAddress,
		"storage":       storage,
		"stream":        s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Insecure:    s.cfg.OTLPInsecure,
		SampleRatio: s.cfg.TraceSampleRatio,
		Version:     Version,
		Environment: s.cfg.Env,
	}, s.logger)
	if err != nil {
		s.logger.Error("failed to start tracing, continuing without it", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	go s.realtimeHub.Run(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String(), "policy", s.cfg.PolicyAddress)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to see the failing readiness check
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stops the hub
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Contract returns the policy contract the server fronts
func (s *Server) Contract() *policy.Contract {
	return s.contract
}
