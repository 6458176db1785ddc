// Package config provides configuration loading for vectord.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VECTORSTORE_PROVIDER, CACHE_TTL, etc.)
//  2. YAML config file (~/.config/vectord/config.yaml)
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, uses
// the default path ~/.config/vectord/config.yaml.
//
// # Security Considerations
//
// The config file carries database DSNs and API keys, so it MUST have 0600
// permissions (owner read/write only); weaker permissions are rejected.
// Only files under ~/.config/vectord/ or /etc/vectord/ can be loaded, and
// files larger than 1MB are rejected.
//
// # Environment Variable Mapping
//
// Environment variables use underscore separator and are uppercased. The
// first underscore splits section from field:
//
//	VECTORSTORE_PROVIDER -> vectorstore.provider
//	SERVER_METRICS_PORT  -> server.metrics_port
//	WORKER_POLL_INTERVAL -> worker.poll_interval
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "vectord", "config.yaml")
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	// Load from YAML file if it exists
	if _, err := os.Stat(configPath); err == nil {
		// Open file once and validate using the file descriptor to avoid
		// a TOCTOU race
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}

		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Override with environment variables.
	// Example: SERVER_METRICS_PORT -> server.metrics_port
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the vectord config directory if it doesn't exist.
// The directory is created with 0700 permissions (owner only).
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "vectord")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so they cannot escape the allowed directories
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Symlink evaluation fails for paths that don't exist yet
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "vectord"),
		"/etc/vectord",
	}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/vectord/ or /etc/vectord/")
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Permission check skipped on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	cfg.Logging.ApplyDefaults()

	// Server defaults
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9201
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "vectord"
	}

	// VectorStore defaults (chromem is default - embedded, no external deps)
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.local/share/vectord/chromem"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 1536 // text-embedding-3-small dimensions
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.CollectionName == "" {
		cfg.VectorStore.Qdrant.CollectionName = "dataset_vectors"
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 1536
	}
	if cfg.VectorStore.PgVector.VectorSize == 0 {
		cfg.VectorStore.PgVector.VectorSize = 1536
	}
	if cfg.VectorStore.PgVector.EfSearch == 0 {
		cfg.VectorStore.PgVector.EfSearch = 100
	}

	// Cache defaults
	if cfg.Cache.Provider == "" {
		cfg.Cache.Provider = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.Redis.MaxIdle == 0 {
		cfg.Cache.Redis.MaxIdle = 10
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}

	// NATS defaults
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "vectord"
	}

	// Worker defaults
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 10
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.ClaimRate == 0 {
		cfg.Worker.ClaimRate = 50
	}
	if cfg.Worker.LockExpiry == 0 {
		cfg.Worker.LockExpiry = 3 * time.Minute
	}
	if cfg.Worker.QuotaDenialWindow == 0 {
		cfg.Worker.QuotaDenialWindow = time.Minute
	}
}
