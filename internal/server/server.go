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

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/workwise/escrowd/internal/alerting"
	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/circuitbreaker"
	"github.com/workwise/escrowd/internal/config"
	"github.com/workwise/escrowd/internal/dispute"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/events"
	"github.com/workwise/escrowd/internal/fraud"
	"github.com/workwise/escrowd/internal/health"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/metrics"
	"github.com/workwise/escrowd/internal/rail"
	"github.com/workwise/escrowd/internal/ratelimit"
	"github.com/workwise/escrowd/internal/realtime"
	"github.com/workwise/escrowd/internal/reconciliation"
	"github.com/workwise/escrowd/internal/retry"
	"github.com/workwise/escrowd/internal/traces"
	"github.com/workwise/escrowd/internal/webhooks"
	"github.com/workwise/escrowd/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db    *sql.DB // nil if using in-memory
	redis *redis.Client

	rail           rail.Rail
	bus            *events.Bus
	auditLog       *audit.Log
	pager          alerting.Pager
	sentry         *alerting.SentryPager
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	disputeService *dispute.Service
	fraudEngine    *fraud.Engine
	fraudPipeline  *fraud.Pipeline
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	webhookStore   webhooks.Store
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	closers        []func() error

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownGrace time.Duration

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

// WithRail sets the payment rail (for testing)
func WithRail(r rail.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// WithPager sets the alert pager (for testing)
func WithPager(p alerting.Pager) Option {
	return func(s *Server) {
		s.pager = p
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		health:        health.NewRegistry(),
		shutdownGrace: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.setupAlerting(); err != nil {
		return nil, err
	}
	if s.rail == nil {
		s.rail = newRail(cfg, s.logger)
	}
	if err := s.setupStorage(ctx); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := s.setupSinks(); err != nil {
		s.closeAll()
		return nil, err
	}

	if _, err := s.fraudEngine.SeedDefaultRules(ctx); err != nil {
		s.logger.Warn("failed to seed fraud rules", "error", err)
	}
	s.registerHealthChecks()

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

func (s *Server) setupAlerting() error {
	if s.pager != nil {
		return nil
	}
	if s.cfg.SentryDSN == "" {
		s.pager = alerting.NewLogPager(s.logger)
		return nil
	}
	p, err := alerting.NewSentryPager(s.cfg.SentryDSN, s.cfg.Env, s.version, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init sentry: %w", err)
	}
	s.sentry = p
	s.pager = p
	s.logger.Info("sentry alerting enabled")
	return nil
}

func newRail(cfg *config.Config, logger *slog.Logger) rail.Rail {
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, using the fake payment rail")
		return rail.NewFakeRail()
	}
	logger.Info("stripe payment rail enabled", "currency", cfg.Currency)
	return rail.NewStripeRail(cfg.StripeSecretKey)
}

// setupStorage builds the stores and the domain services on top of them
// (Postgres if DATABASE_URL set, otherwise in-memory).
func (s *Server) setupStorage(ctx context.Context) error {
	var (
		escrowStore  escrow.Store
		auditStore   audit.Store
		fraudStore   fraud.Store
		disputeStore dispute.Store
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db
		s.closers = append(s.closers, db.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		if s.cfg.MigrateOnStart {
			if err := migrations.Up(ctx, db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		escrowStore = escrow.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		fraudStore = fraud.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
	} else {
		escrowStore = escrow.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		fraudStore = fraud.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	var signals fraud.SignalStore
	if s.cfg.RedisURL != "" {
		client, err := fraud.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.closers = append(s.closers, client.Close)
		signals = fraud.NewRedisSignalStore(client)
		s.logger.Info("fraud signal windows in redis")
	} else {
		signals = fraud.NewMemorySignalStore()
	}

	s.bus = events.NewBus(s.cfg.EventQueue, s.logger)
	s.auditLog = audit.NewLog(auditStore).WithLogger(s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.rail).
		WithEvents(s.bus).
		WithPager(s.pager).
		WithLogger(s.logger).
		WithRetryPolicy(retry.Policy{MaxAttempts: s.cfg.RailMaxAttempts, BaseDelay: s.cfg.RailBaseDelay}).
		WithBreaker(circuitbreaker.New(5, 30*time.Second)).
		WithLockTimeout(s.cfg.LockTimeout).
		WithAutoApproveAfter(s.cfg.AutoApproveGrace).
		WithPendingTimeout(s.cfg.PendingTxTimeout).
		WithCurrency(s.cfg.Currency)
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, s.cfg.EscrowTimerInterval, s.logger)

	s.disputeService = dispute.NewService(disputeStore, s.escrowService).
		WithEvents(s.bus).
		WithLogger(s.logger)

	s.fraudEngine = fraud.NewEngine(fraudStore, signals, s.escrowService).
		WithEvents(s.bus).
		WithPager(s.pager).
		WithThreshold(s.cfg.RiskAlertThreshold).
		WithWatchlist(s.cfg.WatchlistCriticalCount, s.cfg.WatchlistWindow)
	s.fraudPipeline = fraud.NewPipeline(s.fraudEngine, s.cfg.FraudWorkers, s.cfg.FraudQueueSize, s.logger)

	s.reconciler = reconciliation.NewRunner(s.escrowService, s.auditLog, s.logger).WithPager(s.pager)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.cfg.ReconcileInterval, s.logger)
	return nil
}

// setupSinks attaches every event consumer to the bus. The audit chain is
// synchronous so a failed write reaches the caller; the fraud pipeline
// only enqueues. Everything else is best effort.
func (s *Server) setupSinks() error {
	s.bus.AddSync(events.NewAuditSink(s.auditLog))
	s.bus.AddSync(s.fraudPipeline)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.bus.AddAsync(s.realtimeHub)
	s.bus.AddAsync(s.disputeService)
	s.bus.AddAsync(webhooks.NewDispatcher(s.webhookStore, s.logger))
	if !s.cfg.IsProduction() {
		s.bus.AddAsync(events.NewLogSink(s.logger))
	}

	if len(s.cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.bus.AddAsync(k)
		s.closers = append(s.closers, k.Close)
		s.logger.Info("kafka event sink enabled", "topic", s.cfg.KafkaTopic)
	}
	if s.cfg.NATSURL != "" {
		n, err := events.DialNATS(s.cfg.NATSURL, s.cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		s.bus.AddAsync(n)
		s.closers = append(s.closers, n.Close)
		s.logger.Info("nats event sink enabled", "subject", s.cfg.NATSSubject)
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	if s.redis != nil {
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
	s.health.Register("ledger", func(context.Context) health.Status {
		last := s.reconciler.Last()
		if last == nil || last.Healthy() {
			return health.Status{Name: "ledger", Healthy: true}
		}
		return health.Status{
			Name:   "ledger",
			Detail: fmt.Sprintf("%d mismatches at last reconciliation", len(last.Mismatches)),
		}
	})
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown to stop the bus, the hub, and the timers.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "rail", s.rail.Name())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.bus.Start(runCtx)
	s.fraudPipeline.Start(runCtx)
	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server. In-flight requests finish first,
// then the timers stop and the event bus drains before connections close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.bus.Wait()
	s.fraudPipeline.Wait()
	s.logger.Info("event bus drained")

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}
	if s.sentry != nil {
		s.sentry.Flush(2 * time.Second)
	}
	s.closeAll()

	s.logger.Info("server stopped")
	return shutdownErr
}

// closeAll releases connections in reverse order of creation.
func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}
	s.closers = nil
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

// sentryMiddleware puts the pager's hub on the request so sentrygin reports
// panics to the configured client instead of the global one.
func (s *Server) sentryMiddleware() []gin.HandlerFunc {
	if s.sentry == nil {
		return nil
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			ctx := sentry.SetHubOnContext(c.Request.Context(), s.sentry.Hub().Clone())
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		},
		sentrygin.New(sentrygin.Options{Repanic: true, Timeout: 2 * time.Second}),
	}
}
