// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	MigrateOnStart bool

	// Fraud signal windows (optional, in-memory if not set)
	RedisURL string

	// Event bus (each sink optional)
	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string
	EventQueue   int

	// Payment rail (fake rail when the key is empty)
	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
	RailMaxAttempts     int
	RailBaseDelay       time.Duration
	PendingTxTimeout    time.Duration

	// Observability
	SentryDSN    string
	OTLPEndpoint string

	// Security
	AdminSecret    string
	RateLimitRPM   int
	AllowedOrigins []string

	// Escrow policy
	AutoApproveGrace    time.Duration
	EscrowTimerInterval time.Duration
	ReconcileInterval   time.Duration
	LockTimeout         time.Duration

	// Fraud policy
	RiskAlertThreshold     float64
	WatchlistCriticalCount int
	WatchlistWindow        time.Duration
	FraudWorkers           int
	FraudQueueSize         int
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultCurrency               = "usd"
	DefaultNATSSubject            = "escrow.events"
	DefaultKafkaTopic             = "escrow-events"
	DefaultEventQueue             = 4096
	DefaultRateLimit              = 600
	DefaultRailMaxAttempts        = 5
	DefaultRailBaseDelay          = 500 * time.Millisecond
	DefaultPendingTxTimeout       = 15 * time.Minute
	DefaultAutoApproveGrace       = 72 * time.Hour
	DefaultEscrowTimerInterval    = 30 * time.Second
	DefaultReconcileInterval      = 5 * time.Minute
	DefaultLockTimeout            = 5 * time.Second
	DefaultRiskAlertThreshold     = 0.80
	DefaultWatchlistCriticalCount = 3
	DefaultWatchlistWindow        = 30 * 24 * time.Hour
	DefaultFraudWorkers           = 4
	DefaultFraudQueueSize         = 1024
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    env,
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", defaultFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:         getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:         getEnvInt("DB_MAX_IDLE_CONNS", 5),
		MigrateOnStart:         getEnvBool("MIGRATE_ON_START", true),
		RedisURL:               os.Getenv("REDIS_URL"),
		NATSURL:                os.Getenv("NATS_URL"),
		NATSSubject:            getEnv("NATS_SUBJECT", DefaultNATSSubject),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaTopic:             getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		EventQueue:             getEnvInt("EVENT_QUEUE_SIZE", DefaultEventQueue),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:               strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		RailMaxAttempts:        getEnvInt("RAIL_MAX_ATTEMPTS", DefaultRailMaxAttempts),
		RailBaseDelay:          getEnvDuration("RAIL_BASE_DELAY", DefaultRailBaseDelay),
		PendingTxTimeout:       getEnvDuration("PENDING_TX_TIMEOUT", DefaultPendingTxTimeout),
		SentryDSN:              os.Getenv("SENTRY_DSN"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		AllowedOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		AutoApproveGrace:       getEnvDuration("AUTO_APPROVE_GRACE", DefaultAutoApproveGrace),
		EscrowTimerInterval:    getEnvDuration("ESCROW_TIMER_INTERVAL", DefaultEscrowTimerInterval),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		LockTimeout:            getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		RiskAlertThreshold:     getEnvFloat("RISK_ALERT_THRESHOLD", DefaultRiskAlertThreshold),
		WatchlistCriticalCount: getEnvInt("WATCHLIST_CRITICAL_COUNT", DefaultWatchlistCriticalCount),
		WatchlistWindow:        getEnvDuration("WATCHLIST_WINDOW", DefaultWatchlistWindow),
		FraudWorkers:           getEnvInt("FRAUD_WORKERS", DefaultFraudWorkers),
		FraudQueueSize:         getEnvInt("FRAUD_QUEUE_SIZE", DefaultFraudQueueSize),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.RiskAlertThreshold <= 0 || c.RiskAlertThreshold > 1 {
		return fmt.Errorf("RISK_ALERT_THRESHOLD must be in (0, 1], got %v", c.RiskAlertThreshold)
	}
	if c.RailMaxAttempts < 1 {
		return fmt.Errorf("RAIL_MAX_ATTEMPTS must be at least 1")
	}
	if c.PendingTxTimeout <= 0 {
		return fmt.Errorf("PENDING_TX_TIMEOUT must be positive")
	}
	if c.AutoApproveGrace <= 0 {
		return fmt.Errorf("AUTO_APPROVE_GRACE must be positive")
	}
	if c.WatchlistCriticalCount < 1 {
		return fmt.Errorf("WATCHLIST_CRITICAL_COUNT must be at least 1")
	}
	if c.FraudWorkers < 1 || c.FraudQueueSize < 1 {
		return fmt.Errorf("FRAUD_WORKERS and FRAUD_QUEUE_SIZE must be at least 1")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
