package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/workwise/escrowd/internal/dispute"
	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/fraud"
	"github.com/workwise/escrowd/internal/health"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/metrics"
	"github.com/workwise/escrowd/internal/ratelimit"
	"github.com/workwise/escrowd/internal/reconciliation"
	"github.com/workwise/escrowd/internal/security"
	"github.com/workwise/escrowd/internal/validation"
	"github.com/workwise/escrowd/internal/webhooks"
)

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
	s.router.Use(s.sentryMiddleware()...)

	s.router.Use(otelgin.Middleware("escrowd"))
	s.router.Use(security.HeadersMiddleware())

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

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

	escrowHandler := escrow.NewHandler(s.escrowService).WithWebhookSecret(s.cfg.StripeWebhookSecret)
	// Rail webhooks are authenticated by their signature, not by actor headers.
	escrowHandler.RegisterWebhookRoutes(s.router)

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)

	v1 := s.router.Group("/v1")
	v1.Use(security.ActorMiddleware(s.cfg.AdminSecret))
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(validation.IDParamMiddleware())

	escrowHandler.RegisterRoutes(v1)
	dispute.NewHandler(s.disputeService).RegisterRoutes(v1)

	// Some admin handlers carry the /admin prefix in their own routes.
	operator := v1.Group("", security.RequireAdmin(s.cfg.AdminSecret))
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(operator)
	webhooks.NewHandler(s.webhookStore).RegisterAdminRoutes(operator)

	admin := v1.Group("/admin", security.RequireAdmin(s.cfg.AdminSecret))
	{
		escrowHandler.RegisterAdminRoutes(admin)
		fraud.NewHandler(s.fraudEngine).RegisterAdminRoutes(admin)

		admin.GET("/stream", func(c *gin.Context) {
			s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
		})
		admin.GET("/stream/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
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
