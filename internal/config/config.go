// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/escrowd/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory if not set)
	DatabaseURL     string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBLockTimeout   time.Duration
	DBStatementWait time.Duration

	// Escrow rules
	HoldPeriod             time.Duration
	AutoApproveRefundBelow money.Amount
	Rates                  money.RateTable
	AppealWindow           time.Duration
	PlatformAccountID      string

	// Expiry scheduler
	ExpiryEnabled       bool
	ExpiryInterval      time.Duration
	ExpiryBatchSize     int
	ExpiryConcurrency   int
	ExpiryRatePerSecond float64
	InstanceID          string
	RedisURL            string // shared scheduler backoff (optional)

	// Processor and reconciliation
	StripeSecretKey   string // noop processor if not set
	StripeCurrency    string
	ReconcileInterval time.Duration

	// Notifications
	AMQPURL        string // log publisher if not set
	AMQPExchange   string
	WebhookURL     string // optional second sink
	WebhookSecret  string
	OutboxInterval time.Duration

	// Security
	JWTSecret      string
	JWTIssuer      string
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Tracing (no-op if not set)
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultHoldPeriod       = 30 * 24 * time.Hour
	DefaultAutoApproveBelow = "100.00"
	DefaultFeeRate          = "0.10"
	DefaultAppealWindow     = 7 * 24 * time.Hour
	DefaultPlatformAccount  = "platform"
	DefaultAMQPExchange     = "escrowd.events"
	DefaultStripeCurrency   = "usd"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	p := parser{errs: &errs}

	host, _ := os.Hostname()
	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:  p.int("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:  p.int("DB_MAX_IDLE_CONNS", 10),
		DBLockTimeout:   p.duration("DB_LOCK_TIMEOUT", 5*time.Second),
		DBStatementWait: p.duration("DB_STATEMENT_TIMEOUT", 30*time.Second),

		HoldPeriod:             p.duration("HOLD_PERIOD", DefaultHoldPeriod),
		AutoApproveRefundBelow: p.amount("AUTO_APPROVE_REFUND_BELOW", DefaultAutoApproveBelow),
		AppealWindow:           p.duration("APPEAL_WINDOW", DefaultAppealWindow),
		PlatformAccountID:      getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccount),

		ExpiryEnabled:       p.bool("EXPIRY_ENABLED", true),
		ExpiryInterval:      p.duration("EXPIRY_INTERVAL", time.Hour),
		ExpiryBatchSize:     p.int("EXPIRY_BATCH_SIZE", 100),
		ExpiryConcurrency:   p.int("EXPIRY_CONCURRENCY", 4),
		ExpiryRatePerSecond: p.float("EXPIRY_RATE_PER_SECOND", 50),
		InstanceID:          getEnv("INSTANCE_ID", getEnv("HOSTNAME", host)),
		RedisURL:            os.Getenv("REDIS_URL"),

		StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
		StripeCurrency:    getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		ReconcileInterval: p.duration("RECONCILE_INTERVAL", 5*time.Minute),

		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		WebhookURL:     os.Getenv("WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		OutboxInterval: p.duration("OUTBOX_INTERVAL", 2*time.Second),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      os.Getenv("JWT_ISSUER"),
		RateLimitRPM:   p.int("RATE_LIMIT_RPM", 120),
		RateLimitBurst: p.int("RATE_LIMIT_BURST", 20),
		CORSOrigins:    splitList(os.Getenv("CORS_ORIGINS")),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	rates, err := money.ParseRateTable(getEnv("PLATFORM_FEE_RATE", DefaultFeeRate), os.Getenv("FEE_RATES"))
	if err != nil {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_RATE/FEE_RATES: %w", err))
	}
	cfg.Rates = rates

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	if !c.IsDevelopment() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET of at least 32 bytes is required outside development"))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.HoldPeriod <= 0 {
		errs = append(errs, errors.New("HOLD_PERIOD must be positive"))
	}
	if c.AppealWindow <= 0 {
		errs = append(errs, errors.New("APPEAL_WINDOW must be positive"))
	}
	if c.AutoApproveRefundBelow < 0 {
		errs = append(errs, errors.New("AUTO_APPROVE_REFUND_BELOW must not be negative"))
	}
	if c.ExpiryBatchSize <= 0 || c.ExpiryConcurrency <= 0 {
		errs = append(errs, errors.New("EXPIRY_BATCH_SIZE and EXPIRY_CONCURRENCY must be positive"))
	}
	if c.WebhookURL != "" && !c.IsDevelopment() && c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set outside development"))
	}
	if c.PlatformAccountID == "" {
		errs = append(errs, errors.New("PLATFORM_ACCOUNT_ID must not be empty"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevHeaders reports whether X-Actor-* identity headers are trusted.
func (c *Config) DevHeaders() bool {
	return c.IsDevelopment() && c.JWTSecret == ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs *[]error
}

func (p parser) fail(key, value string, err error) {
	*p.errs = append(*p.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (p parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return i
}

func (p parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p parser) bool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go durations plus a "d" suffix for whole days ("30d").
func (p parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p parser) amount(key, def string) money.Amount {
	v := getEnv(key, def)
	a, err := money.Parse(v)
	if err != nil {
		p.fail(key, v, err)
		return 0
	}
	return a
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count")
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
