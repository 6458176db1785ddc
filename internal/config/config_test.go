package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, 9201, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "vectord", cfg.Observability.ServiceName)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 1536, cfg.VectorStore.Chromem.VectorSize)
	assert.Equal(t, "localhost", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 6334, cfg.VectorStore.Qdrant.Port)
	assert.Equal(t, "dataset_vectors", cfg.VectorStore.Qdrant.CollectionName)
	assert.Equal(t, 100, cfg.VectorStore.PgVector.EfSearch)

	assert.Equal(t, "memory", cfg.Cache.Provider)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)

	assert.Equal(t, "openai", cfg.Embeddings.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "vectord", cfg.NATS.SubjectPrefix)

	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, float64(50), cfg.Worker.ClaimRate)
	assert.Equal(t, 3*time.Minute, cfg.Worker.LockExpiry)
	assert.Equal(t, time.Minute, cfg.Worker.QuotaDenialWindow)
}

func TestApplyDefaultsPreservesSetValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.MetricsPort = 9999
	cfg.VectorStore.Provider = "qdrant"
	cfg.Worker.Concurrency = 3
	applyDefaults(cfg)

	assert.Equal(t, 9999, cfg.Server.MetricsPort)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad metrics port",
			mutate:  func(c *Config) { c.Server.MetricsPort = 0 },
			wantErr: "invalid metrics port",
		},
		{
			name:    "telemetry without service name",
			mutate:  func(c *Config) { c.Observability.EnableTelemetry = true; c.Observability.ServiceName = "" },
			wantErr: "service name required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid level",
		},
		{
			name:    "unknown vector provider",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pinecone" },
			wantErr: "unsupported vectorstore provider",
		},
		{
			name:    "pgvector without dsn",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pgvector" },
			wantErr: "pgvector.dsn required",
		},
		{
			name: "qdrant without host",
			mutate: func(c *Config) {
				c.VectorStore.Provider = "qdrant"
				c.VectorStore.Qdrant.Host = ""
			},
			wantErr: "qdrant.host required",
		},
		{
			name: "redis cache without address",
			mutate: func(c *Config) {
				c.Cache.Provider = "redis"
			},
			wantErr: "cache.redis.address required",
		},
		{
			name:    "unknown cache provider",
			mutate:  func(c *Config) { c.Cache.Provider = "memcached" },
			wantErr: "unsupported cache provider",
		},
		{
			name:    "unknown embeddings provider",
			mutate:  func(c *Config) { c.Embeddings.Provider = "cohere" },
			wantErr: "unsupported embeddings provider",
		},
		{
			name:    "zero worker concurrency",
			mutate:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr: "concurrency must be positive",
		},
		{
			name:    "zero lock expiry",
			mutate:  func(c *Config) { c.Worker.LockExpiry = 0 },
			wantErr: "lock expiry must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.NoError(t, validateConfigPath(filepath.Join(home, ".config", "vectord", "config.yaml")))
	assert.NoError(t, validateConfigPath("/etc/vectord/config.yaml"))

	err = validateConfigPath("/tmp/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be in")
}

func TestValidateConfigFileProperties(t *testing.T) {
	dir := t.TempDir()

	write := func(perm os.FileMode) os.FileInfo {
		path := filepath.Join(dir, fmt.Sprintf("cfg-%o.yaml", perm))
		require.NoError(t, os.WriteFile(path, []byte("server:\n  metrics_port: 9201\n"), perm))
		info, err := os.Stat(path)
		require.NoError(t, err)
		return info
	}

	assert.NoError(t, validateConfigFileProperties(write(0600)))
	assert.NoError(t, validateConfigFileProperties(write(0400)))

	err := validateConfigFileProperties(write(0644))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("postgres://user:hunter2@db/app")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())
	assert.Equal(t, "postgres://user:hunter2@db/app", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "hunter2")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestSecretUnmarshal(t *testing.T) {
	var s Secret
	require.NoError(t, json.Unmarshal([]byte(`"sk-test"`), &s))
	assert.Equal(t, "sk-test", s.Value())

	var t2 Secret
	require.NoError(t, t2.UnmarshalText([]byte("raw-value")))
	assert.Equal(t, "raw-value", t2.Value())
}
