// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/swaploop/internal/auth"
	"github.com/mbd888/swaploop/internal/config"
	"github.com/mbd888/swaploop/internal/dispute"
	"github.com/mbd888/swaploop/internal/geo"
	"github.com/mbd888/swaploop/internal/health"
	"github.com/mbd888/swaploop/internal/logging"
	"github.com/mbd888/swaploop/internal/match"
	"github.com/mbd888/swaploop/internal/metrics"
	"github.com/mbd888/swaploop/internal/negotiation"
	"github.com/mbd888/swaploop/internal/notify"
	"github.com/mbd888/swaploop/internal/payment"
	"github.com/mbd888/swaploop/internal/payout"
	"github.com/mbd888/swaploop/internal/ratelimit"
	"github.com/mbd888/swaploop/internal/realtime"
	"github.com/mbd888/swaploop/internal/reconciliation"
	"github.com/mbd888/swaploop/internal/security"
	"github.com/mbd888/swaploop/internal/traces"
	"github.com/mbd888/swaploop/internal/validation"
)

// offerTTL is how long a negotiation offer may stay pending before the
// sweeper cancels it.
const offerTTL = 24 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	authMgr        *auth.Manager
	matchStore     match.Store
	matchSvc       *match.Service
	negotiationSvc *negotiation.Service
	offerSweeper   *negotiation.Sweeper
	paymentStore   payment.Store
	paymentSvc     *payment.Service
	disputeSvc     *dispute.Service
	payoutSvc      *payout.Service
	reconciler     *reconciliation.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	s.healthReg = health.NewRegistry()

	// Payment provider: Stripe in production, simulated when in demo mode
	var provider payment.Provider
	if cfg.DemoMode || cfg.StripeAPIKey == "" {
		provider = payment.NewSimulatedProvider()
		s.logger.Info("using simulated payment provider")
	} else {
		provider = payment.NewStripeProvider(cfg.StripeAPIKey)
		s.logger.Info("using Stripe payment provider")
	}

	// Geocoder: external HTTP service if configured, static table otherwise
	var geocoder geo.Geocoder
	if cfg.GeocoderURL != "" {
		if err := security.ValidateEndpointURL(cfg.GeocoderURL); err != nil {
			return nil, fmt.Errorf("invalid GEOCODER_URL: %w", err)
		}
		geocoder = geo.NewClient(geo.ClientConfig{
			BaseURL:  cfg.GeocoderURL,
			Email:    cfg.GeocoderEmail,
			Password: cfg.GeocoderPassword,
		}, s.logger)
		s.logger.Info("using HTTP geocoder", "url", cfg.GeocoderURL)
	} else {
		geocoder = demoGeocoder()
		s.logger.Info("using static geocoder (set GEOCODER_URL for real lookups)")
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		negotiationStore negotiation.Store
		disputeStore     dispute.Store
		payoutStore      payout.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.matchStore = match.NewPostgresStore(db)
		negotiationStore = negotiation.NewPostgresStore(db)
		s.paymentStore = payment.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(pctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		memStore := match.NewMemoryStore()
		s.matchStore = memStore
		negotiationStore = negotiation.NewMemoryStore()
		s.paymentStore = payment.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()

		if cfg.DemoMode {
			seedDemoData(memStore)
			s.logger.Info("demo data seeded")
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	notifier := notify.NewLogNotifier(s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	// Services. The adapters keep the packages decoupled: each service sees
	// only the narrow slice of its neighbors it needs.
	s.matchSvc = match.NewService(s.matchStore, geocoder, s.logger).
		WithEvents(&matchEventAdapter{hub: s.realtimeHub})

	s.paymentSvc = payment.NewService(
		s.paymentStore,
		&paymentMatchAdapter{store: s.matchStore, svc: s.matchSvc},
		provider,
		notifier,
		cfg.OTPSecret,
	)

	s.disputeSvc = dispute.NewService(
		disputeStore,
		&disputeMatchAdapter{store: s.matchStore, svc: s.matchSvc},
		&disputePaymentAdapter{store: s.paymentStore, svc: s.paymentSvc},
		provider,
		s.matchStore,
		notifier,
		s.logger,
	)
	s.paymentSvc.WithDisputeChecker(s.disputeSvc)

	s.negotiationSvc = negotiation.NewService(
		negotiationStore,
		&matchGatewayAdapter{
			store:    s.matchStore,
			matches:  s.matchSvc,
			payments: s.paymentSvc,
			disputes: s.disputeSvc,
		},
		s.matchStore,
	).WithEvents(&negotiationEventAdapter{hub: s.realtimeHub})
	s.offerSweeper = negotiation.NewSweeper(s.negotiationSvc, offerTTL, s.logger)

	s.payoutSvc = payout.NewService(payoutStore, s.matchStore, provider, s.logger)

	runner := reconciliation.NewRunner(s.disputeSvc, s.payoutSvc, s.logger)
	s.reconciler = reconciliation.NewTimer(runner, s.logger)

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

// demoGeocoder returns a static geocoder covering a handful of Singapore
// postal codes, enough to exercise the delivery flow locally.
func demoGeocoder() geo.Geocoder {
	return &geo.Static{Points: map[string]geo.Point{
		"049513": {Lat: 1.2847, Lng: 103.8510}, // Raffles Place
		"238859": {Lat: 1.3006, Lng: 103.8368}, // Orchard
		"018956": {Lat: 1.2823, Lng: 103.8636}, // Marina Bay
		"569830": {Lat: 1.3691, Lng: 103.8454}, // Ang Mo Kio
		"608532": {Lat: 1.3329, Lng: 103.7436}, // Jurong East
		"520147": {Lat: 1.3555, Lng: 103.9388}, // Tampines
	}}
}

// seedDemoData loads two demo users with swappable items so the match flow
// can be exercised without a catalog service.
func seedDemoData(store *match.MemoryStore) {
	store.SeedItem(&match.Item{ID: "itm_demo_cam", OwnerID: "user_demo_alice", ForSwap: true, Status: match.ItemAvailable})
	store.SeedItem(&match.Item{ID: "itm_demo_amp", OwnerID: "user_demo_bob", ForSwap: true, Status: match.ItemAvailable})
	store.SeedItem(&match.Item{ID: "itm_demo_lens", OwnerID: "user_demo_alice", ForSwap: true, Status: match.ItemAvailable})
	store.SeedLike(&match.Like{ID: "lik_demo_1", LikerID: "user_demo_alice", LikedItemID: "itm_demo_amp", CreatedAt: time.Now()})
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

	// Soft auth before rate limiting so authenticated requests are limited
	// per user rather than per IP
	s.router.Use(auth.Middleware(s.authMgr))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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
			requestID = generateRequestID()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate resource-id URL params on all v1 routes (no-op when absent)
	v1.Use(validation.IDParamMiddleware("id"))

	authHandler := auth.NewHandler(s.authMgr)
	matchHandler := match.NewHandler(s.matchSvc)
	negotiationHandler := negotiation.NewHandler(s.negotiationSvc)
	paymentHandler := payment.NewHandler(s.paymentSvc)
	disputeHandler := dispute.NewHandler(s.disputeSvc)
	payoutHandler := payout.NewHandler(s.payoutSvc)

	// PUBLIC ROUTES (registration and auth info)
	authHandler.RegisterPublicRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		authHandler.RegisterProtectedRoutes(protected)
		matchHandler.RegisterProtectedRoutes(protected)
		negotiationHandler.RegisterProtectedRoutes(protected)
		paymentHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		payoutHandler.RegisterProtectedRoutes(protected)
	}

	// ARBITER ROUTES (case review, payout approval)
	arbiter := v1.Group("/arbiter")
	arbiter.Use(auth.RequireArbiter(s.cfg.AdminSecret))
	{
		disputeHandler.RegisterArbiterRoutes(arbiter)
		payoutHandler.RegisterArbiterRoutes(arbiter)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

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
		"name":        "SwapLoop",
		"description": "Swap matching, negotiation, and assisted delivery",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
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

	// Tracing (no-op unless OTLP_ENDPOINT is set)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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
	go s.realtimeHub.Run(runCtx)

	// Start stale-offer sweeper
	go s.offerSweeper.Start(runCtx)

	// Start the settlement reconciler (refunds and payout batches)
	go s.reconciler.Start(runCtx)

	// Collect DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, sweeper, reconciler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop background loops
	s.offerSweeper.Stop()
	s.reconciler.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
