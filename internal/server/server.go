// Package server sets up the HTTP server with all routes
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
	"github.com/mbd888/escrowpay/internal/config"
	"github.com/mbd888/escrowpay/internal/escrow"
	"github.com/mbd888/escrowpay/internal/gateway"
	"github.com/mbd888/escrowpay/internal/health"
	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/logging"
	"github.com/mbd888/escrowpay/internal/metrics"
	"github.com/mbd888/escrowpay/internal/notify"
	"github.com/mbd888/escrowpay/internal/ratelimit"
	"github.com/mbd888/escrowpay/internal/reconciliation"
	"github.com/mbd888/escrowpay/internal/security"
	"github.com/mbd888/escrowpay/internal/validation"
	"github.com/mbd888/escrowpay/internal/webhooks"
	"github.com/mbd888/escrowpay/migrations"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	escrowService  *escrow.Service
	ledgerService  *ledger.Service
	gatewayAdapter *gateway.Adapter
	accounts       gateway.AccountStore
	processor      *webhooks.Processor
	reconciler     *reconciliation.Service
	emitter        *notify.Emitter
	limiter        *ratelimit.Limiter // nil when throttling is disabled

	sweeper        *webhooks.Sweeper
	reconcileTimer *reconciliation.Timer
	healthRegistry *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	publisher    notify.Publisher
	httpClient   *http.Client
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithPublisher replaces the notification publisher chosen from config.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// WithGatewayHTTPClient sets the HTTP client used for provider calls (tests).
func WithGatewayHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:            cfg,
		logger:         logging.New(cfg.LogLevel, cfg.LogFormat),
		healthRegistry: health.NewRegistry(),
	}

	// Apply options first (may set logger/publisher)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		escrowStore   escrow.Store
		ledgerStore   ledger.Store
		webhookStore  webhooks.Store
		accountsStore gateway.AccountStore
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
		}

		s.db = db
		s.healthRegistry.Register(health.Database(db))
		if err := metrics.RegisterDB(db, "escrowpay"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		escrowStore = escrow.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		accountsStore = gateway.NewPostgresAccountStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		accountsStore = gateway.NewMemoryAccountStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}
	s.accounts = accountsStore

	// Notifications
	if s.publisher == nil {
		if len(cfg.KafkaBrokers) > 0 {
			s.publisher = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			s.logger.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		} else {
			s.publisher = notify.NewLogPublisher(s.logger)
		}
	}
	s.emitter = notify.NewEmitter(s.publisher, s.logger)

	// Core services
	s.escrowService = escrow.NewService(escrowStore, s.logger).WithObserver(s.emitter)

	retries := int64(0)
	if cfg.IsProduction() {
		retries = 2
	}
	s.gatewayAdapter = gateway.NewAdapter(gateway.Config{
		SecretKey:         cfg.StripeSecretKey,
		APIURL:            cfg.StripeAPIURL,
		Currency:          cfg.Currency,
		Timeout:           cfg.GatewayTimeout,
		MaxNetworkRetries: retries,
		HTTPClient:        s.httpClient,
	}, s.escrowService, accountsStore, s.logger)

	s.ledgerService = ledger.NewService(ledgerStore, s.logger).
		WithPayoutSender(s.gatewayAdapter).
		WithObserver(s.emitter).
		WithMinWithdrawal(cfg.MinWithdrawal)

	// Inbound webhooks
	secret := cfg.WebhookSecret
	if cfg.WebhookVerificationDisabled() {
		secret = ""
		s.logger.Warn("webhook signature verification disabled")
	}
	s.processor = webhooks.NewProcessor(
		webhookStore,
		webhooks.NewVerifier(secret, cfg.WebhookTolerance),
		s.escrowService,
		s.ledgerService,
		cfg.WebhookLease,
		s.logger,
	).WithPayouts(s.gatewayAdapter.ForEscrows())
	s.sweeper = webhooks.NewSweeper(s.processor, cfg.WebhookSweepInterval, s.logger)

	// Reconciliation
	s.reconciler = reconciliation.NewService(ledgerStore, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.healthRegistry.Register(health.Loop("webhook_sweeper", s.sweeper.Running))
	s.healthRegistry.Register(health.Loop("reconciliation", s.reconcileTimer.Running))

	// Router
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

	// The gateway authenticates by signature, not by caller identity.
	webhooks.NewHandler(s.processor).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(security.IdentityMiddleware())
	if s.cfg.RateLimitPerMinute > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		v1.Use(s.limiter.Middleware())
	}

	escrowHandler := escrow.NewHandler(s.escrowService).WithGateway(s.gatewayAdapter.ForEscrows())
	ledgerHandler := ledger.NewHandler(s.ledgerService)
	escrowHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	ops := v1.Group("")
	ops.Use(security.RequireActorKind(security.KindAdmin, security.KindSystem))
	escrowHandler.RegisterAdminRoutes(ops)
	ledgerHandler.RegisterAdminRoutes(ops)
	webhooks.NewHandler(s.processor).RegisterAdminRoutes(ops)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(ops)
	gateway.NewHandler(s.accounts).RegisterAdminRoutes(ops)
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.healthRegistry.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

func (s *Server) startBackground(ctx context.Context) {
	go s.sweeper.Start(ctx)
	go s.reconcileTimer.Start(ctx)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if !s.cfg.IsDevelopment() {
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

	s.sweeper.Stop()
	s.reconcileTimer.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info("background loops stopped")

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("notification publisher close error", "error", err)
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
