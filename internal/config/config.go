package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Load .env file - ignore error if file doesn't exist
	if err := godotenv.Load(); err != nil {
		fmt.Printf("Note: .env file not found or could not be loaded: %v\n", err)
	}
}

type Config struct {
	Primary       PrimaryConfig
	Database      DatabaseConfig
	Server        ServerConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Observability *ObservabilityConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	Booking       BookingConfig
	Notify        NotifyConfig
}

type PrimaryConfig struct {
	Env string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
	ConnMaxIdleTime int
	MigrationsPath  string
}

// DSN builds a postgres URL usable by both pgx and lib/pq.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type ServerConfig struct {
	Port            string
	ReadTimeout     int
	WriteTimeout    int
	IdleTimeout     int
	RateLimit       int64
	RateLimitWindow time.Duration
}

type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockTTL      time.Duration
	KeyPrefix    string
}

type KafkaConfig struct {
	Brokers         []string
	ClientID        string
	ProduceTimeout  time.Duration
	MaxPollRecords  int
	ConsumerRetries int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

type ObservabilityConfig struct {
	ServiceName  string
	Environment  string
	Logging      LoggingConfig
	NewRelic     NewRelicConfig
	HealthChecks HealthChecksConfig
}

type LoggingConfig struct {
	Level              string
	Format             string
	SlowQueryThreshold time.Duration
}

type NewRelicConfig struct {
	LicenseKey                string
	AppLogForwardingEnabled   bool
	DistributedTracingEnabled bool
	DebugLogging              bool
}

type HealthChecksConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Checks   []string
}

type GatewayConfig struct {
	SecretKey        string
	WebhookSecret    string
	BaseURL          string
	Currency         string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	WebhookTolerance time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type BookingConfig struct {
	IdempotencyTTL     time.Duration
	CompletionInterval time.Duration
	DefaultPolicy      string
}

type NotifyConfig struct {
	DispatchURL     string
	DispatchTimeout time.Duration
	RelayInterval   time.Duration
	RelayBatchSize  int
	RelayMaxRetries int
}

// Helper functions for parsing env vars
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return fallback
}

func (c *ObservabilityConfig) GetLogLevel() string {
	if c.Logging.Level == "" {
		switch c.Environment {
		case "production":
			return "info"
		case "development":
			return "debug"
		default:
			return "info"
		}
	}
	return c.Logging.Level
}

func (c *ObservabilityConfig) IsProduction() bool {
	return c.Environment == "production"
}

func (c *ObservabilityConfig) NewRelicEnabled() bool {
	return c.NewRelic.LicenseKey != ""
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Primary: PrimaryConfig{
			Env: getEnv("LODGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("LODGE_DB_HOST", "localhost"),
			Port:            getEnvInt("LODGE_DB_PORT", 5432),
			User:            getEnv("LODGE_DB_USER", "lodge"),
			Password:        getEnv("LODGE_DB_PASSWORD", ""),
			Name:            getEnv("LODGE_DB_NAME", "lodge"),
			SSLMode:         getEnv("LODGE_DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("LODGE_DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("LODGE_DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvInt("LODGE_DB_CONN_MAX_LIFETIME", 300),
			ConnMaxIdleTime: getEnvInt("LODGE_DB_CONN_MAX_IDLE_TIME", 60),
			MigrationsPath:  getEnv("LODGE_DB_MIGRATIONS_PATH", "file://internal/database/migrations"),
		},
		Server: ServerConfig{
			Port:            getEnv("LODGE_SERVER_PORT", "8080"),
			ReadTimeout:     getEnvInt("LODGE_SERVER_READ_TIMEOUT", 30),
			WriteTimeout:    getEnvInt("LODGE_SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:     getEnvInt("LODGE_SERVER_IDLE_TIMEOUT", 60),
			RateLimit:       getEnvInt64("LODGE_SERVER_RATE_LIMIT", 120),
			RateLimitWindow: getEnvDuration("LODGE_SERVER_RATE_LIMIT_WINDOW", time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnv("LODGE_REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnv("LODGE_REDIS_PASSWORD", ""),
			DB:           getEnvInt("LODGE_REDIS_DB", 0),
			PoolSize:     getEnvInt("LODGE_REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("LODGE_REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  getEnvDuration("LODGE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("LODGE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("LODGE_REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockTTL:      getEnvDuration("LODGE_REDIS_LOCK_TTL", 30*time.Second),
			KeyPrefix:    getEnv("LODGE_REDIS_KEY_PREFIX", "lodge:"),
		},
		Kafka: KafkaConfig{
			Brokers:         getEnvSlice("LODGE_KAFKA_BROKERS", []string{"localhost:9092"}),
			ClientID:        getEnv("LODGE_KAFKA_CLIENT_ID", "lodge"),
			ProduceTimeout:  getEnvDuration("LODGE_KAFKA_PRODUCE_TIMEOUT", 10*time.Second),
			MaxPollRecords:  getEnvInt("LODGE_KAFKA_MAX_POLL_RECORDS", 100),
			ConsumerRetries: getEnvInt("LODGE_KAFKA_CONSUMER_RETRIES", 5),
			RetryBackoff:    getEnvDuration("LODGE_KAFKA_RETRY_BACKOFF", time.Second),
			MaxRetryBackoff: getEnvDuration("LODGE_KAFKA_MAX_RETRY_BACKOFF", 30*time.Second),
		},
		Observability: &ObservabilityConfig{
			ServiceName: "Lodge",
			Environment: getEnv("LODGE_ENV", "development"),
			Logging: LoggingConfig{
				Level:              getEnv("LODGE_LOG_LEVEL", "debug"),
				Format:             getEnv("LODGE_LOG_FORMAT", "console"),
				SlowQueryThreshold: getEnvDuration("LODGE_LOG_SLOW_QUERY_THRESHOLD", 100*time.Millisecond),
			},
			NewRelic: NewRelicConfig{
				LicenseKey:                getEnv("LODGE_NEWRELIC_LICENSE_KEY", ""),
				AppLogForwardingEnabled:   getEnvBool("LODGE_NEWRELIC_LOG_FORWARDING", true),
				DistributedTracingEnabled: getEnvBool("LODGE_NEWRELIC_DISTRIBUTED_TRACING", true),
				DebugLogging:              getEnvBool("LODGE_NEWRELIC_DEBUG", false),
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  getEnvBool("LODGE_HEALTHCHECK_ENABLED", true),
				Interval: getEnvDuration("LODGE_HEALTHCHECK_INTERVAL", 30*time.Second),
				Timeout:  getEnvDuration("LODGE_HEALTHCHECK_TIMEOUT", 5*time.Second),
				Checks:   getEnvSlice("LODGE_HEALTHCHECK_CHECKS", []string{"database", "redis"}),
			},
		},
		Gateway: GatewayConfig{
			SecretKey:        getEnv("LODGE_GATEWAY_SECRET_KEY", ""),
			WebhookSecret:    getEnv("LODGE_GATEWAY_WEBHOOK_SECRET", ""),
			BaseURL:          getEnv("LODGE_GATEWAY_BASE_URL", "http://localhost:8081"),
			Currency:         getEnv("LODGE_GATEWAY_CURRENCY", "USD"),
			Timeout:          getEnvDuration("LODGE_GATEWAY_TIMEOUT", 10*time.Second),
			MaxRetries:       getEnvInt("LODGE_GATEWAY_MAX_RETRIES", 2),
			RetryBackoff:     getEnvDuration("LODGE_GATEWAY_RETRY_BACKOFF", 200*time.Millisecond),
			WebhookTolerance: getEnvDuration("LODGE_GATEWAY_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("LODGE_AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("LODGE_AUTH_ISSUER", "lodge"),
		},
		Booking: BookingConfig{
			IdempotencyTTL:     getEnvDuration("LODGE_BOOKING_IDEMPOTENCY_TTL", 24*time.Hour),
			CompletionInterval: getEnvDuration("LODGE_BOOKING_COMPLETION_INTERVAL", 15*time.Minute),
			DefaultPolicy:      getEnv("LODGE_BOOKING_DEFAULT_POLICY", "moderate"),
		},
		Notify: NotifyConfig{
			DispatchURL:     getEnv("LODGE_NOTIFY_DISPATCH_URL", ""),
			DispatchTimeout: getEnvDuration("LODGE_NOTIFY_DISPATCH_TIMEOUT", 5*time.Second),
			RelayInterval:   getEnvDuration("LODGE_NOTIFY_RELAY_INTERVAL", 2*time.Second),
			RelayBatchSize:  getEnvInt("LODGE_NOTIFY_RELAY_BATCH_SIZE", 100),
			RelayMaxRetries: getEnvInt("LODGE_NOTIFY_RELAY_MAX_RETRIES", 10),
		},
	}

	// Validate required fields
	if cfg.Database.Host == "" {
		return nil, fmt.Errorf("LODGE_DB_HOST is required")
	}
	if cfg.Database.Name == "" {
		return nil, fmt.Errorf("LODGE_DB_NAME is required")
	}
	if cfg.Gateway.WebhookSecret == "" {
		return nil, fmt.Errorf("LODGE_GATEWAY_WEBHOOK_SECRET is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("LODGE_AUTH_JWT_SECRET is required")
	}

	return cfg, nil
}
