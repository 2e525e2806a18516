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

	"github.com/mbd888/farmart/internal/auth"
	"github.com/mbd888/farmart/internal/cart"
	"github.com/mbd888/farmart/internal/config"
	"github.com/mbd888/farmart/internal/dispute"
	"github.com/mbd888/farmart/internal/escrow"
	"github.com/mbd888/farmart/internal/health"
	"github.com/mbd888/farmart/internal/idgen"
	"github.com/mbd888/farmart/internal/listing"
	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/metrics"
	"github.com/mbd888/farmart/internal/mpesa"
	"github.com/mbd888/farmart/internal/notify"
	"github.com/mbd888/farmart/internal/order"
	"github.com/mbd888/farmart/internal/payment"
	"github.com/mbd888/farmart/internal/ratelimit"
	"github.com/mbd888/farmart/internal/realtime"
	"github.com/mbd888/farmart/internal/security"
	"github.com/mbd888/farmart/internal/store"
	"github.com/mbd888/farmart/internal/traces"
	"github.com/mbd888/farmart/internal/user"
	"github.com/mbd888/farmart/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	store   store.Store
	gateway mpesa.Gateway

	authMgr    *auth.Manager
	userSvc    *user.Service
	listingSvc *listing.Service
	orderSvc   *order.Service
	paymentSvc *payment.Service
	escrowSvc  *escrow.Service
	disputeSvc *dispute.Service
	cartSvc    *cart.Service

	dispatcher *notify.Dispatcher
	emitter    *notify.Emitter
	hub        *realtime.Hub
	sweeper    *escrow.Sweeper

	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g mpesa.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var authStore auth.Store
	var notifyStore notify.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = store.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = store.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway: real Daraja when credentials are present, a stub
	// that simulates successful charges otherwise (development only).
	if s.gateway == nil {
		if cfg.MpesaConsumerKey == "" && cfg.IsDevelopment() {
			s.gateway = mpesa.NewStubGateway()
			s.logger.Info("using stubbed M-Pesa gateway")
		} else {
			s.gateway = mpesa.NewClient(mpesa.Config{
				BaseURL:        cfg.MpesaBaseURL,
				ConsumerKey:    cfg.MpesaConsumerKey,
				ConsumerSecret: cfg.MpesaSecret,
				Shortcode:      cfg.MpesaShortcode,
				Passkey:        cfg.MpesaPasskey,
				CallbackURL:    cfg.MpesaCallbackURL,
				Timeout:        cfg.MpesaTimeout,
			})
			s.logger.Info("using Daraja M-Pesa gateway", "baseUrl", cfg.MpesaBaseURL)
		}
	}

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Auth
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Webhook dispatcher + notification emitter
	s.dispatcher = notify.NewDispatcher(notifyStore)
	s.emitter = notify.NewEmitter(s.dispatcher, s.hub, s.logger)
	s.logger.Info("notifications enabled")

	// Domain services
	s.escrowSvc = escrow.NewService(s.store)
	s.listingSvc = listing.NewService(s.store)
	s.orderSvc = order.NewService(s.store, s.escrowSvc, cfg.CommissionRate)
	s.paymentSvc = payment.NewService(s.store, s.gateway, s.escrowSvc)
	s.disputeSvc = dispute.NewService(s.store, s.escrowSvc)
	s.cartSvc = cart.NewService(s.store)
	s.userSvc = user.NewService(s.store, s.authMgr)

	s.escrowSvc.SetEmitter(s.emitter)
	s.orderSvc.SetEmitter(s.emitter)
	s.paymentSvc.SetEmitter(s.emitter)
	s.disputeSvc.SetEmitter(s.emitter)

	// Auto-release sweep for aged escrows
	s.sweeper = escrow.NewSweeper(s.escrowSvc, s.store, cfg.EscrowReleaseDelay, cfg.EscrowSweepEvery, s.logger)
	s.logger.Info("escrow auto-release enabled",
		"delay", cfg.EscrowReleaseDelay.String(),
		"interval", cfg.EscrowSweepEvery.String(),
	)

	// Subsystem health checks
	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	s.checks.Register("escrow_sweep", func(ctx context.Context) health.Status {
		if !s.sweeper.Running() {
			return health.Status{Name: "escrow_sweep", Healthy: false, Detail: "stopped"}
		}
		return health.Status{Name: "escrow_sweep", Healthy: true}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order/payment events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	listingHandler := listing.NewHandler(s.listingSvc)
	orderHandler := order.NewHandler(s.orderSvc)
	paymentHandler := payment.NewHandler(s.paymentSvc)
	escrowHandler := escrow.NewHandler(s.escrowSvc)
	disputeHandler := dispute.NewHandler(s.disputeSvc)
	cartHandler := cart.NewHandler(s.cartSvc)
	notifyHandler := notify.NewHandler(s.dispatcher.Subscriptions())
	authHandler := auth.NewHandler(s.authMgr)
	userHandler := user.NewHandler(s.userSvc)

	// PUBLIC ROUTES (no auth required)
	// Browsing, registration, and the callback Daraja posts to.
	listingHandler.RegisterRoutes(v1)
	userHandler.RegisterRoutes(v1)
	paymentHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		listingHandler.RegisterProtectedRoutes(protected)
		orderHandler.RegisterProtectedRoutes(protected)
		paymentHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterRoutes(protected)
		disputeHandler.RegisterRoutes(protected)
		cartHandler.RegisterRoutes(protected)
		notifyHandler.RegisterRoutes(protected)
		authHandler.RegisterRoutes(protected)
		userHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (moderation)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), auth.RequireAdmin(s.store))
	disputeHandler.RegisterAdminRoutes(admin)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "Farmart",
		"description": "Livestock marketplace with M-Pesa escrow",
		"version":     "0.1.0",
		"currency":    "KES",
		"docs":        "/v1/auth/info",
	})
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start escrow auto-release sweep
	go s.sweeper.Start(runCtx)

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop escrow sweep
	if s.sweeper != nil {
		s.sweeper.Stop()
		s.logger.Info("escrow sweep stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
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
