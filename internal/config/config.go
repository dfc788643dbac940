// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for our application
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Checkout CheckoutConfig
	Payment  PaymentConfig
	Kafka    KafkaConfig
	Jobs     JobsConfig
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string
	Version     string
	Environment string
	Debug       bool
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Driver       string // postgres or sqlite
	Host         string
	Port         string
	Name         string
	User         string
	Password     string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
	SeedDemoData bool
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// JWTConfig contains JWT token configuration.
// Tokens are issued by the identity service; this service only verifies them.
type JWTConfig struct {
	Secret            string
	Issuer            string
	AccessTokenExpiry time.Duration
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimitPerMinute int
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	TrustedProxies     []string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// CheckoutConfig controls pricing and the reservation lifecycle
type CheckoutConfig struct {
	Currency                string
	PricingMode             string // inclusive or exclusive
	VATRateBps              int64
	InventoryReservationTTL time.Duration
	DiscountReservationTTL  time.Duration
	TxMode                  string // auto, always or never
	RequireTransactions     bool
	IdempotencyLockTTL      time.Duration
	StrictPricing           bool
}

// PaymentConfig contains hosted payment gateway settings
type PaymentConfig struct {
	BaseURL          string
	KeyID            string
	KeySecret        string
	WebhookSecret    string
	CheckoutURL      string
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	BreakerHalfOpenN uint32
}

// KafkaConfig contains the domain event broker settings
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// JobsConfig contains the background job schedule
type JobsConfig struct {
	SweepInterval   time.Duration
	RepairInterval  time.Duration
	OutboxInterval  time.Duration
	BatchSize       int
	OrphanGrace     time.Duration
	OutboxBatchSize int
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	environment := getEnv("APP_ENV", "development")

	config := &Config{
		App: AppConfig{
			Name:        getEnv("APP_NAME", "Checkout Engine"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
			Environment: environment,
			Debug:       getEnvAsBool("APP_DEBUG", environment != "production"),
		},
		Server: ServerConfig{
			Port:           getEnv("APP_PORT", "8080"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			MaxBodyBytes:   getEnvAsInt64("SERVER_MAX_BODY_BYTES", 1<<20),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Name:         getEnv("DB_NAME", "checkout_db"),
			User:         getEnv("DB_USER", "checkout_user"),
			Password:     getEnv("DB_PASSWORD", "checkout_password"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:   getEnv("DB_SQLITE_PATH", "checkout.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsDuration("DB_MAX_LIFETIME", 300*time.Second),
			AutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),
			SeedDemoData: getEnvAsBool("DB_SEED_DEMO_DATA", environment == "development"),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", "your-super-secret-jwt-key-change-in-production"),
			Issuer:            getEnv("JWT_ISSUER", "identity"),
			AccessTokenExpiry: getEnvAsDuration("JWT_ACCESS_EXPIRE", 24*time.Hour),
		},
		Security: SecurityConfig{
			RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 100),
			CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			CORSAllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "OPTIONS"}),
			CORSAllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"}),
			TrustedProxies:     getEnvAsSlice("TRUSTED_PROXIES", []string{}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Checkout: CheckoutConfig{
			Currency:                getEnv("CHECKOUT_CURRENCY", "EUR"),
			PricingMode:             getEnv("CHECKOUT_PRICING_MODE", "inclusive"),
			VATRateBps:              getEnvAsInt64("CHECKOUT_VAT_RATE_BPS", 1800),
			InventoryReservationTTL: getEnvAsDuration("CHECKOUT_INVENTORY_TTL", 15*time.Minute),
			DiscountReservationTTL:  getEnvAsDuration("CHECKOUT_DISCOUNT_TTL", 15*time.Minute),
			TxMode:                  getEnv("CHECKOUT_TX_MODE", "auto"),
			RequireTransactions:     getEnvAsBool("CHECKOUT_REQUIRE_TRANSACTIONS", environment == "production"),
			IdempotencyLockTTL:      getEnvAsDuration("CHECKOUT_IDEMPOTENCY_LOCK_TTL", 30*time.Second),
			StrictPricing:           getEnvAsBool("CHECKOUT_STRICT_PRICING", environment != "production"),
		},
		Payment: PaymentConfig{
			BaseURL:          getEnv("PAYMENT_BASE_URL", "https://api.razorpay.com/v1"),
			KeyID:            getEnv("PAYMENT_KEY_ID", ""),
			KeySecret:        getEnv("PAYMENT_KEY_SECRET", ""),
			WebhookSecret:    getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			CheckoutURL:      getEnv("PAYMENT_CHECKOUT_URL", "https://checkout.example.com/pay"),
			Timeout:          getEnvAsDuration("PAYMENT_TIMEOUT", 15*time.Second),
			BreakerFailures:  uint32(getEnvAsInt("PAYMENT_BREAKER_FAILURES", 5)),
			BreakerOpenFor:   getEnvAsDuration("PAYMENT_BREAKER_OPEN_FOR", 30*time.Second),
			BreakerHalfOpenN: uint32(getEnvAsInt("PAYMENT_BREAKER_HALF_OPEN_REQUESTS", 1)),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "checkout-events"),
		},
		Jobs: JobsConfig{
			SweepInterval:   getEnvAsDuration("JOBS_SWEEP_INTERVAL", time.Minute),
			RepairInterval:  getEnvAsDuration("JOBS_REPAIR_INTERVAL", 10*time.Minute),
			OutboxInterval:  getEnvAsDuration("JOBS_OUTBOX_INTERVAL", 2*time.Second),
			BatchSize:       getEnvAsInt("JOBS_BATCH_SIZE", 200),
			OrphanGrace:     getEnvAsDuration("JOBS_ORPHAN_GRACE", 30*time.Minute),
			OutboxBatchSize: getEnvAsInt("JOBS_OUTBOX_BATCH_SIZE", 100),
		},
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("DB_HOST, DB_NAME and DB_USER are required for postgres")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("DB_SQLITE_PATH is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}

	if c.Server.Port == "" {
		return fmt.Errorf("APP_PORT is required")
	}

	if c.Checkout.PricingMode != "inclusive" && c.Checkout.PricingMode != "exclusive" {
		return fmt.Errorf("CHECKOUT_PRICING_MODE must be inclusive or exclusive, got %q", c.Checkout.PricingMode)
	}
	if c.Checkout.VATRateBps < 0 {
		return fmt.Errorf("CHECKOUT_VAT_RATE_BPS must not be negative")
	}
	switch c.Checkout.TxMode {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("CHECKOUT_TX_MODE must be auto, always or never, got %q", c.Checkout.TxMode)
	}
	if c.Checkout.RequireTransactions && c.Checkout.TxMode == "never" {
		return fmt.Errorf("CHECKOUT_REQUIRE_TRANSACTIONS conflicts with CHECKOUT_TX_MODE=never")
	}
	if c.Checkout.InventoryReservationTTL <= 0 || c.Checkout.DiscountReservationTTL <= 0 {
		return fmt.Errorf("reservation TTLs must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
