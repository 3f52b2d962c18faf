// Package server wires the escrow manager, its storage and the HTTP surface
package server

import (
	"context"
	"database/sql"
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
	"github.com/redis/go-redis/v9"

	"github.com/teklifbul/escrowd/internal/circuitbreaker"
	"github.com/teklifbul/escrowd/internal/config"
	"github.com/teklifbul/escrowd/internal/escrow"
	"github.com/teklifbul/escrowd/internal/health"
	"github.com/teklifbul/escrowd/internal/idgen"
	"github.com/teklifbul/escrowd/internal/logging"
	"github.com/teklifbul/escrowd/internal/metrics"
	"github.com/teklifbul/escrowd/internal/ratelimit"
	"github.com/teklifbul/escrowd/internal/retry"
	"github.com/teklifbul/escrowd/internal/security"
	"github.com/teklifbul/escrowd/internal/traces"
	"github.com/teklifbul/escrowd/internal/validation"
	"github.com/teklifbul/escrowd/migrations"
)

// Version is reported by the health endpoint and in trace resources.
var Version = "dev"

const (
	dbStatsInterval   = 15 * time.Second
	defaultDrainDelay = 5 * time.Second
)

// Server is the escrowd API server
type Server struct {
	cfg          *config.Config
	store        escrow.Store
	guarded      *escrow.GuardedStore // nil when the store is not breaker-guarded
	ledger       escrow.Ledger
	manager      *escrow.Manager
	verifier     *escrow.Verifier
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil unless REDIS_URL is set
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithStore overrides the escrow store (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLedger overrides the idempotency ledger (for testing)
func WithLedger(ledger escrow.Ledger) Option {
	return func(s *Server) {
		s.ledger = ledger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			if err := s.openDatabase(ctx); err != nil {
				return nil, err
			}
			s.guarded = escrow.NewGuardedStore(
				escrow.NewPostgresStore(s.db),
				circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
			)
			s.store = s.guarded
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = escrow.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Idempotency ledger: Redis, then Postgres, then in-memory
	if s.ledger == nil {
		switch {
		case cfg.RedisURL != "":
			if err := s.openRedis(ctx); err != nil {
				return nil, err
			}
			s.ledger = escrow.NewRedisLedger(s.redis, cfg.IdempotencyTTL)
			s.logger.Info("using Redis idempotency ledger")
		case s.db != nil:
			s.ledger = escrow.NewPostgresLedger(s.db)
			s.logger.Info("using PostgreSQL idempotency ledger")
		default:
			s.ledger = escrow.NewMemoryLedger(cfg.IdempotencyTTL)
			s.logger.Info("using in-memory idempotency ledger")
		}
	}

	s.manager = escrow.NewManager(s.store, s.ledger, idgen.UUID{Prefix: "esc_"}).
		WithLogger(s.logger).
		WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.MaxTransitionAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    escrow.DefaultRetryMaxDelay,
		}).
		WithIdempotencyWait(cfg.IdempotencyWait)

	// A pending reservation must outlive the holder's own deadline.
	if ttl := s.manager.ReservationTTL(); ttl > escrow.DefaultReservationTTL {
		switch l := s.ledger.(type) {
		case *escrow.RedisLedger:
			l.WithReservationTTL(ttl)
		case *escrow.PostgresLedger:
			l.WithReservationTTL(ttl)
		}
		s.logger.Info("idempotency reservation ttl raised", "ttl", ttl.String())
	}

	if cfg.VerifyInterval > 0 {
		s.verifier = escrow.NewVerifier(s.store, cfg.VerifyInterval, s.logger)
		if purger, ok := s.ledger.(escrow.Purger); ok {
			s.verifier.WithPurger(purger, cfg.IdempotencyTTL)
		}
	}

	s.registerHealthChecks()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
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

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	return nil
}

func (s *Server) openRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("postgres", health.Ping("postgres", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.guarded != nil {
		s.health.Register("store_breaker", func(context.Context) health.Status {
			state := s.guarded.State()
			return health.Status{
				Name:    "store_breaker",
				Healthy: state != circuitbreaker.StateOpen,
				Detail:  state.String(),
			}
		})
	}
	if s.verifier != nil {
		s.health.Register("verifier", func(context.Context) health.Status {
			st := health.Status{Name: "verifier", Healthy: true, Detail: "running"}
			if !s.verifier.Running() && s.ready.Load() {
				st.Healthy = false
				st.Detail = "stopped"
			}
			return st
		})
	}
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context(), s.logger).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honour an upstream request ID (load balancer, bank gateway)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
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

		logger := logging.L(c.Request.Context(), s.logger)

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
			logger.Info("request completed",
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

	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.manager, s.cfg.BankWebhookSecret).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if s.guarded != nil && s.guarded.State() == circuitbreaker.StateOpen {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		// Tracing is best effort; the API still serves without it.
		s.logger.Error("failed to initialise tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	if s.verifier != nil {
		go s.verifier.Start(runCtx)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.closeResources()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return nil
}

// closeResources stops background work and releases connections. In-flight
// requests must already have drained.
func (s *Server) closeResources() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.verifier != nil {
		s.verifier.Stop()
		s.logger.Info("verifier stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		cancel()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Manager returns the escrow manager
func (s *Server) Manager() *escrow.Manager {
	return s.manager
}
