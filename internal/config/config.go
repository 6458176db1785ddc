// Package config provides configuration loading for vectord.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Defaults favor a local development setup (embedded chromem
// backend, in-memory count cache, no billing).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/logging"
)

// Config holds the complete vectord configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       logging.Config      `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Database      DatabaseConfig      `koanf:"database"`
	Cache         CacheConfig         `koanf:"cache"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	NATS          NATSConfig          `koanf:"nats"`
	Worker        WorkerConfig        `koanf:"worker"`
}

// ServerConfig holds the metrics/health HTTP listener configuration.
type ServerConfig struct {
	MetricsPort     int           `koanf:"metrics_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// VectorStoreConfig selects and configures the vector backend.
type VectorStoreConfig struct {
	// Provider is one of: pgvector, qdrant, chromem.
	Provider string `koanf:"provider"`

	PgVector PgVectorConfig `koanf:"pgvector"`
	Qdrant   QdrantConfig   `koanf:"qdrant"`
	Chromem  ChromemConfig  `koanf:"chromem"`
}

// PgVectorConfig holds the Postgres/pgvector backend configuration.
type PgVectorConfig struct {
	DSN        Secret `koanf:"dsn"`
	VectorSize int    `koanf:"vector_size"`
	MaxConns   int32  `koanf:"max_conns"`
	EfSearch   int    `koanf:"ef_search"`
}

// QdrantConfig holds the Qdrant backend configuration.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	CollectionName string `koanf:"collection_name"`
	VectorSize     uint64 `koanf:"vector_size"`
	UseTLS         bool   `koanf:"use_tls"`
}

// ChromemConfig holds the embedded chromem backend configuration.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// DatabaseConfig holds the primary Postgres connection used for training
// jobs and team quotas. This is separate from the pgvector backend DSN;
// deployments may point both at the same server.
type DatabaseConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// CacheConfig selects and configures the tenant count cache.
type CacheConfig struct {
	// Provider is one of: memory, redis.
	Provider string        `koanf:"provider"`
	TTL      time.Duration `koanf:"ttl"`
	Redis    RedisConfig   `koanf:"redis"`
}

// RedisConfig holds Redis connection settings for the count cache.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
	MaxIdle  int    `koanf:"max_idle"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is one of: openai, tei.
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	Model    string `koanf:"model"`
}

// NATSConfig holds billing event publishing configuration.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// WorkerConfig holds the ingestion worker loop configuration.
type WorkerConfig struct {
	// Concurrency caps the number of jobs processed at once.
	Concurrency int `koanf:"concurrency"`

	// PollInterval is the sleep between claim attempts when the queue
	// is empty.
	PollInterval time.Duration `koanf:"poll_interval"`

	// ClaimRate limits claim attempts per second.
	ClaimRate float64 `koanf:"claim_rate"`

	// LockExpiry is how long a claimed job stays invisible to other
	// workers before it becomes claimable again.
	LockExpiry time.Duration `koanf:"lock_expiry"`

	// QuotaDenialWindow is how long a quota-exhausted team's jobs are
	// deferred before rechecking the budget.
	QuotaDenialWindow time.Duration `koanf:"quota_denial_window"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 1-65535)", c.Server.MetricsPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	switch c.VectorStore.Provider {
	case "pgvector":
		if !c.VectorStore.PgVector.DSN.IsSet() {
			return errors.New("vectorstore.pgvector.dsn required for pgvector provider")
		}
	case "qdrant":
		if c.VectorStore.Qdrant.Host == "" {
			return errors.New("vectorstore.qdrant.host required for qdrant provider")
		}
	case "chromem":
	default:
		return fmt.Errorf("unsupported vectorstore provider: %s (supported: pgvector, qdrant, chromem)", c.VectorStore.Provider)
	}

	switch c.Cache.Provider {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return errors.New("cache.redis.address required for redis provider")
		}
	default:
		return fmt.Errorf("unsupported cache provider: %s (supported: memory, redis)", c.Cache.Provider)
	}

	switch c.Embeddings.Provider {
	case "openai", "tei":
	default:
		return fmt.Errorf("unsupported embeddings provider: %s (supported: openai, tei)", c.Embeddings.Provider)
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if c.Worker.LockExpiry <= 0 {
		return errors.New("worker lock expiry must be positive")
	}

	return nil
}
