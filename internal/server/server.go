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

	"github.com/peervault/peervault/internal/cash"
	"github.com/peervault/peervault/internal/config"
	"github.com/peervault/peervault/internal/credits"
	"github.com/peervault/peervault/internal/custody"
	"github.com/peervault/peervault/internal/health"
	"github.com/peervault/peervault/internal/logging"
	"github.com/peervault/peervault/internal/merchants"
	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
	"github.com/peervault/peervault/internal/ratelimit"
	"github.com/peervault/peervault/internal/request"
	"github.com/peervault/peervault/internal/trade"
	"github.com/peervault/peervault/internal/traces"
	"github.com/peervault/peervault/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	gateway      custody.Gateway
	hub          *notify.Hub
	dispatcher   *notify.Dispatcher
	subs         notify.SubscriptionStore
	notifier     *notify.Service
	ledger       *credits.Ledger
	purchase     *credits.PurchaseService
	merchants    *merchants.Service
	trades       *trade.Service
	sessions     *trade.Sessions
	requests     *request.Service
	requestTimer *request.Timer
	cashService  *cash.Service

	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	traceShutdown func(context.Context) error

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithGateway sets a custom custody gateway (for testing)
func WithGateway(g custody.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		requestStore  request.Store
		tradeStore    trade.Store
		creditStore   credits.Store
		merchantStore merchants.Store
		cashStore     cash.Store
		notifyStore   notify.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		requestStore = request.NewPostgresStore(db)
		tradeStore = trade.NewPostgresStore(db)
		creditStore = credits.NewPostgresStore(db)
		merchantStore = merchants.NewPostgresStore(db)
		cashStore = cash.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		requestStore = request.NewMemoryStore()
		tradeStore = trade.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		merchantStore = merchants.NewMemoryStore()
		cashStore = cash.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notifications: durable store plus live websocket and webhook fan-out
	s.hub = notify.NewHub(s.logger)
	s.subs = notify.NewMemorySubscriptionStore()
	s.dispatcher = notify.NewDispatcher(s.subs)
	s.notifier = notify.NewService(notifyStore, s.hub, s.dispatcher)

	// Custody gateway (real provider in production, fake for dev)
	if s.gateway == nil {
		if cfg.CustodyURL != "" {
			s.gateway = custody.NewHTTPGateway(cfg.CustodyURL, cfg.CustodyAPIKey, cfg.CustodyTimeout)
			s.logger.Info("custody provider configured", "url", cfg.CustodyURL)
		} else {
			s.gateway = custody.NewFake()
			s.logger.Warn("using fake custody provider (dev only)")
		}
	}

	// Credit ledger and optional card checkout
	s.ledger = credits.New(creditStore)
	if cfg.StripeSecretKey != "" {
		s.purchase = credits.NewPurchaseService(s.ledger, cfg.StripeSecretKey,
			cfg.StripeWebhookSecret, cfg.StripeSuccessURL, cfg.StripeCancelURL)
		s.logger.Info("credit purchases enabled")
	}

	// Merchant/vendor directory
	s.merchants = merchants.NewService(merchantStore)

	// Escrow engine with per-trade funding pollers
	s.trades = trade.NewService(tradeStore, s.gateway, s.notifier)
	s.sessions = trade.NewSessions(s.trades, s.gateway, cfg.FundingPollInterval, s.logger)
	s.trades.AttachSessions(s.sessions)

	// Trade request registry with TTL sweep
	s.requests = request.NewService(requestStore, s.trades, s.notifier, cfg.RequestTTL)
	s.requestTimer = request.NewTimer(s.requests, cfg.ExpirySweepInterval, s.logger)

	// Cash delivery flow
	s.cashService = cash.NewService(cashStore, s.merchants, s.ledger, s.notifier, cfg.DeliveryCodeLength)

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(limiterCfg)
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
		// Keep an existing request ID (from load balancer, etc.)
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	request.NewHandler(s.requests).RegisterRoutes(v1)
	trade.NewHandler(s.trades).RegisterRoutes(v1)
	cash.NewHandler(s.cashService).RegisterRoutes(v1)
	credits.NewHandler(s.ledger, s.purchase).RegisterRoutes(v1)
	merchants.NewHandler(s.merchants).RegisterRoutes(v1)
	notify.NewHandler(s.notifier, s.hub, s.subs, s.cfg.WebhookSecret).RegisterRoutes(v1)
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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
		"name":        "peervault",
		"description": "Peer-to-peer crypto/cash trade escrow API",
		"version":     "0.1.0",
		"endpoints":   "/v1",
	})
}

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or a server error.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	// Websocket hub for live notifications
	go s.hub.Run(runCtx)

	// Funding pollers (also resumes trades awaiting deposits)
	go s.sessions.Run(runCtx)

	// Request expiry sweep
	go s.requestTimer.Start(runCtx)

	// DB pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (hub, pollers, sweeps)
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

	if s.requestTimer != nil {
		s.requestTimer.Stop()
		s.logger.Info("expiry sweep stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
