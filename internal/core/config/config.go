package config

import (
	"time"

	"github.com/vietddude/escrowd/internal/infra/audit"
	redisclient "github.com/vietddude/escrowd/internal/infra/redis"
	"github.com/vietddude/escrowd/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Neo4j      audit.GraphConfig  `yaml:"neo4j"`
	Events     EventsConfig       `yaml:"events"`
	Escrow     EscrowConfig       `yaml:"escrow"`
	Processors ProcessorsConfig   `yaml:"processors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AdminToken      string        `yaml:"admin_token"` // bearer token for /admin routes; empty disables them
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EventsConfig selects the audit sinks. The log sink is always on.
type EventsConfig struct {
	Stream       string `yaml:"stream"`        // redis stream key; empty disables the stream sink
	StreamMaxLen int64  `yaml:"stream_max_len"`
	Graph        bool   `yaml:"graph"` // record money flow in neo4j
}

// EscrowConfig holds saga policy.
type EscrowConfig struct {
	FeePercent      string        `yaml:"fee_percent"` // "0.5" means 0.5%
	HoldTimeout     time.Duration `yaml:"hold_timeout"`
	AutoRelease     bool          `yaml:"auto_release"`
	ExpiryInterval  time.Duration `yaml:"expiry_interval"`
	ExpiryBatch     int           `yaml:"expiry_batch"`
	ResumeInterval  time.Duration `yaml:"resume_interval"` // 0 = resume at start-up only
	Concurrency     int           `yaml:"concurrency"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	LockBackend     string        `yaml:"lock_backend"` // memory, redis
	LockTTL         time.Duration `yaml:"lock_ttl"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
	HealthCacheTime time.Duration `yaml:"health_cache_time"`
}

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// ProcessorsConfig holds one section per rail.
type ProcessorsConfig struct {
	Bank   ProcessorConfig `yaml:"bank_transfer"`
	Crypto ProcessorConfig `yaml:"crypto"`
	Other  ProcessorConfig `yaml:"other"`
}

// ProcessorConfig holds settings for one payment rail. Money values are
// decimal strings.
type ProcessorConfig struct {
	Enabled             bool              `yaml:"enabled"`
	Endpoint            string            `yaml:"endpoint"`
	APIKey              string            `yaml:"api_key"`
	Timeout             time.Duration     `yaml:"timeout"`
	PerTransactionLimit string            `yaml:"per_transaction_limit"`
	FixedFee            string            `yaml:"fixed_fee"`
	FeePercent          string            `yaml:"fee_percent"`
	NetworkFees         map[string]map[string]string `yaml:"network_fees"` // crypto only: network -> currency -> fee
	DefaultNetwork      string            `yaml:"default_network"`
	Breaker             BreakerConfig     `yaml:"breaker"`
	Retry               RetryConfig       `yaml:"retry"`
}

// BreakerConfig holds circuit breaker thresholds. Zero values take the
// breaker's defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig holds the retry budget. Zero values take the rail's default
// policy.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterPercent     uint64        `yaml:"jitter_percent"`
}
