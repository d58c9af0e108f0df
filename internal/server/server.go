// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
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
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/catalog"
	"github.com/mbd888/handyhub/internal/config"
	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/fees"
	"github.com/mbd888/handyhub/internal/health"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/metrics"
	"github.com/mbd888/handyhub/internal/notify"
	"github.com/mbd888/handyhub/internal/ratelimit"
	"github.com/mbd888/handyhub/internal/reconciliation"
	"github.com/mbd888/handyhub/internal/security"
	"github.com/mbd888/handyhub/internal/settlement"
	"github.com/mbd888/handyhub/internal/validation"
	"github.com/mbd888/handyhub/internal/verification"
	"github.com/mbd888/handyhub/migrations"
	"github.com/redis/go-redis/v9"
)

// DefaultVersion is reported by /health when no build version is set.
const DefaultVersion = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	db  *sql.DB       // nil if using in-memory
	rdb *redis.Client // nil without REDIS_ADDR

	escrowStore  escrow.Store
	ledger       *escrow.Ledger
	bookings     *escrow.Bookings
	resolver     *escrow.Resolver
	catalog      *catalog.Service
	gate         *verification.Gate
	gateway      *settlement.Gateway
	events       settlement.EventStore
	router       *settlement.Router
	checkout     *settlement.Checkout
	stripe       settlement.StripeAPI
	paystack     settlement.PaystackAPI
	emitter      *notify.Emitter
	notifyReader notify.Reader
	notifySinks  []notify.Sink
	sinks        []io.Closer
	reconTimer   *reconciliation.Timer
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	engine       *gin.Engine
	httpSrv      *http.Server
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

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStripe sets a custom Stripe client (for testing)
func WithStripe(api settlement.StripeAPI) Option {
	return func(s *Server) {
		s.stripe = api
	}
}

// WithPaystack sets a custom Paystack client (for testing)
func WithPaystack(api settlement.PaystackAPI) Option {
	return func(s *Server) {
		s.paystack = api
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: DefaultVersion,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStorage(); err != nil {
		return nil, err
	}
	s.openSinks()
	s.wireCore()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStorage picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores, and connects Redis when REDIS_ADDR is set.
func (s *Server) openStorage() error {
	cfg := s.cfg
	var (
		kycStore    verification.Store
		eventStore  settlement.EventStore
		listings    catalog.Store
		notifyStore interface {
			notify.Sink
			notify.Reader
		}
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := migrations.Up(context.Background(), db, s.logger); err != nil {
				_ = db.Close()
				return err
			}
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		listings = catalog.NewPostgresStore(db)
		kycStore = verification.NewPostgresStore(db)
		eventStore = settlement.NewPostgresEventStore(db)
		notifyStore = notify.NewPostgresStore(db)
		s.health.Ping("database", db.PingContext)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		listings = catalog.NewMemoryStore()
		kycStore = verification.NewMemoryStore()
		eventStore = settlement.NewMemoryEventStore()
		notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	var kycCache verification.Cache
	if cfg.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		eventStore = settlement.NewRedisEventStore(s.rdb, settlement.DefaultMarkerTTL, eventStore)
		kycCache = verification.NewRedisCache(s.rdb, verification.DefaultCacheTTL)
		s.health.Ping("redis", func(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }, health.Optional())
		s.logger.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	if s.stripe == nil && cfg.StripeSecretKey != "" {
		s.stripe = settlement.NewStripeClient(cfg.StripeSecretKey)
		s.logger.Info("stripe enabled")
	}
	if s.paystack == nil && cfg.PaystackSecretKey != "" {
		s.paystack = settlement.NewPaystackClient(cfg.PaystackSecretKey, cfg.PaystackBaseURL)
		s.logger.Info("paystack enabled")
	}
	s.router = settlement.NewRouter(s.stripe, s.paystack, settlement.DefaultRouterConfig())
	s.health.Ping("payment_providers", s.router.CheckProviders, health.Optional())

	var sessions verification.SessionCreator
	if s.stripe != nil {
		sessions = s.router
	}
	s.catalog = catalog.NewService(listings)
	s.gate = verification.NewGate(kycStore, kycCache, sessions, cfg.IdentityReturnURL)

	s.notifyReader = notifyStore
	s.notifySinks = []notify.Sink{notifyStore, notify.NewLogSink(s.logger)}
	s.events = eventStore
	return nil
}

// openSinks attaches the optional broker sinks. A broker that cannot be
// reached is logged and skipped.
func (s *Server) openSinks() {
	if s.cfg.AMQPURL != "" {
		sink, err := notify.DialAMQP(s.cfg.AMQPURL, s.cfg.AMQPExchange)
		if err != nil {
			s.logger.Warn("amqp notifications disabled", "error", err)
		} else {
			s.notifySinks = append(s.notifySinks, sink)
			s.sinks = append(s.sinks, sink)
			s.logger.Info("amqp notifications enabled", "exchange", s.cfg.AMQPExchange)
		}
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		sink := notify.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		s.notifySinks = append(s.notifySinks, sink)
		s.sinks = append(s.sinks, sink)
		s.logger.Info("kafka notifications enabled", "topic", s.cfg.KafkaTopic)
	}
}

// wireCore builds the escrow core and everything that drives it.
func (s *Server) wireCore() {
	cfg := s.cfg
	s.emitter = notify.NewEmitter(s.logger, cfg.NotifyQueueSize, s.notifySinks...)
	s.ledger = escrow.NewLedger(s.escrowStore, fees.New(cfg.PlatformFeeBPS)).
		WithGateway(s.router, cfg.GatewayTimeout).
		WithNotifier(s.emitter)
	s.bookings = escrow.NewBookings(s.ledger, s.catalog, s.gate)
	s.resolver = escrow.NewResolver(s.ledger)
	s.gateway = settlement.NewGateway(s.bookings, s.events, s.gate)
	s.checkout = settlement.NewCheckout(s.bookings, s.ledger, s.router,
		cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, cfg.GatewayTimeout)

	var runner *reconciliation.Runner
	if s.stripe != nil {
		runner = reconciliation.NewRunner(s.escrowStore, s.router, s.gateway, cfg.ReconcileStaleAfter)
	} else {
		runner = reconciliation.NewRunner(s.escrowStore, nil, nil, cfg.ReconcileStaleAfter)
	}
	s.reconTimer = reconciliation.NewTimer(runner, cfg.ReconcileInterval, s.logger)
	s.logger.Info("escrow core enabled", "platform_fee_bps", cfg.PlatformFeeBPS)
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
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.engine.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.engine.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.engine.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.engine.Use(s.rateLimiter.Middleware())

	s.engine.Use(metrics.Middleware())
	s.engine.Use(logging.RequestMiddleware(s.logger))
	s.engine.Use(logging.AccessLog())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.engine.GET("/health", s.health.Handler(s.version))
	s.engine.GET("/health/live", s.livenessHandler)
	s.engine.GET("/health/ready", s.readinessHandler)
	s.engine.GET("/metrics", metrics.Handler())

	// Provider webhooks authenticate by signature, not bearer token.
	settlement.NewWebhookHandler(s.gateway,
		settlement.NewStripeVerifier(s.cfg.StripeWebhookSecret),
		settlement.NewPaystackVerifier(s.cfg.PaystackSecretKey),
	).RegisterRoutes(s.engine)

	catalogHandler := catalog.NewHandler(s.catalog)
	escrowHandler := escrow.NewHandler(s.bookings, s.resolver)
	kycHandler := verification.NewHandler(s.gate)

	public := s.engine.Group("/v1")
	catalogHandler.RegisterPublicRoutes(public)

	authMgr := auth.NewManager(s.cfg.JWTSecret, s.cfg.JWTIssuer)
	v1 := s.engine.Group("/v1", auth.Middleware(authMgr))
	escrowHandler.RegisterRoutes(v1)
	catalogHandler.RegisterRoutes(v1)
	settlement.NewCheckoutHandler(s.checkout).RegisterRoutes(v1)
	kycHandler.RegisterRoutes(v1)
	notify.NewHandler(s.notifyReader).RegisterRoutes(v1)

	operator := v1.Group("/operator", auth.RequireRole(auth.RoleOperator))
	escrowHandler.RegisterOperatorRoutes(operator)
	kycHandler.RegisterOperatorRoutes(operator)
	operator.POST("/reconcile", s.reconcileHandler)
	operator.GET("/reconcile", s.lastReconcileHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// reconcileHandler handles POST /v1/operator/reconcile
func (s *Server) reconcileHandler(c *gin.Context) {
	rep, err := s.reconTimer.RunNow(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation did not complete",
			"report":  rep,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// lastReconcileHandler handles GET /v1/operator/reconcile
func (s *Server) lastReconcileHandler(c *gin.Context) {
	rep := s.reconTimer.LastReport()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation pass has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
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
		Handler:           s.engine,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.emitter.Start(s.cfg.NotifyWorkers)
	go s.reconTimer.Start(runCtx)
	go metrics.NewCollector(s.db, s.bookings.Snapshot, s.logger).Run(runCtx, 15*time.Second)

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.reconTimer.Stop()
	s.rateLimiter.Stop()

	// Drain queued notifications before closing their sinks.
	if err := s.emitter.Close(ctx); err != nil {
		s.logger.Warn("notification queue not drained", "error", err)
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Warn("notification sink close error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin engine for testing
func (s *Server) Router() *gin.Engine {
	return s.engine
}
