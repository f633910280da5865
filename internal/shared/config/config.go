package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Policy    PolicyConfig
	Timestamp TimestampConfig
	Queue     QueueConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// RateLimitPerSecond caps API requests per client IP
	RateLimitPerSecond int
	// RateLimitBurst allows short bursts above the sustained rate
	RateLimitBurst int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB),
// which backs the append-only audit log.
type KurrentDBConfig struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

// RedisConfig holds configuration for the shared serial-number dedupe cache.
// When Addr is empty the service falls back to the in-process sharded cache,
// which is only safe for single-instance deployments.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	// JWTSecret verifies tenant bearer tokens. In production the tokens
	// come from the identity provider fronting the signing service.
	JWTSecret string
}

// PolicyConfig locates the declarative tenant-policy/provider file.
type PolicyConfig struct {
	// Path to the YAML file holding providers and tenant policies
	Path string
	// ReloadInterval is how often the file mtime is polled for hot reload
	ReloadInterval time.Duration
}

// TimestampConfig tunes the failover controller and health monitor.
type TimestampConfig struct {
	// HedgeDelay is how long the primary provider gets before a hedge
	// request is dispatched to the next eligible provider
	HedgeDelay time.Duration
	// ProviderTimeout is the hard timeout for a single provider call
	ProviderTimeout time.Duration
	// RequestDeadline bounds the whole dispatch/hedge/rotate cycle before
	// the request falls through to the backlog queue
	RequestDeadline time.Duration
	// ProbeInterval is the synthetic health probe period per provider
	ProbeInterval time.Duration
	// ProbeThreshold is the number of consecutive probe results required
	// to flip a provider between Healthy and Down
	ProbeThreshold int
	// DedupeWindow is the serial-number replay window per provider;
	// it should cover the provider certificate's maximum validity
	DedupeWindow time.Duration
}

// QueueConfig tunes the backpressure queue.
type QueueConfig struct {
	// PerTenantCapacity bounds how many requests one tenant may hold queued
	PerTenantCapacity int
	// MaxRetention is how long an entry may wait before dead-lettering
	MaxRetention time.Duration
	// DrainParallelism bounds concurrent redispatches during a drain cycle
	DrainParallelism int
	// LeaseDuration is how long a claimed entry stays invisible to other
	// instances before it becomes claimable again
	LeaseDuration time.Duration
	// MaxRetries dead-letters an entry after this many failed redispatches
	MaxRetries int
}

func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port:               getEnvInt("SERVER_PORT", 8080),
			Env:                getEnv("ENV", "development"),
			RateLimitPerSecond: getEnvInt("RATE_LIMIT_PER_SECOND", 100),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 200),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "stampd"),
			Password: getEnv("DB_PASSWORD", "stampd"),
			Database: getEnv("DB_NAME", "stampd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
		},
		Policy: PolicyConfig{
			Path:           getEnv("POLICY_PATH", "policy.yaml"),
			ReloadInterval: getEnvDuration("POLICY_RELOAD_INTERVAL", 30*time.Second),
		},
		Timestamp: TimestampConfig{
			HedgeDelay:      getEnvDuration("TSA_HEDGE_DELAY", 300*time.Millisecond),
			ProviderTimeout: getEnvDuration("TSA_PROVIDER_TIMEOUT", 5*time.Second),
			RequestDeadline: getEnvDuration("TSA_REQUEST_DEADLINE", 900*time.Millisecond),
			ProbeInterval:   getEnvDuration("TSA_PROBE_INTERVAL", 10*time.Second),
			ProbeThreshold:  getEnvInt("TSA_PROBE_THRESHOLD", 3),
			DedupeWindow:    getEnvDuration("TSA_DEDUPE_WINDOW", 825*24*time.Hour),
		},
		Queue: QueueConfig{
			PerTenantCapacity: getEnvInt("QUEUE_PER_TENANT_CAPACITY", 1000),
			MaxRetention:      getEnvDuration("QUEUE_MAX_RETENTION", time.Hour),
			DrainParallelism:  getEnvInt("QUEUE_DRAIN_PARALLELISM", 8),
			LeaseDuration:     getEnvDuration("QUEUE_LEASE_DURATION", 30*time.Second),
			MaxRetries:        getEnvInt("QUEUE_MAX_RETRIES", 10),
		},
	}, nil
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
