// Package logging builds the process-wide zap logger: JSON or console
// output, level from config, and automatic redaction of secret-bearing
// fields so connection strings and API keys never reach log sinks.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	// Level is a zap level name: debug, info, warn, error.
	// Default: info
	Level string `koanf:"level"`

	// Format selects the encoder: json or console.
	// Default: json
	Format string `koanf:"format"`

	// Fields are constant fields attached to every entry.
	Fields map[string]string `koanf:"fields"`

	// Redaction controls sensitive field scrubbing.
	Redaction RedactionConfig `koanf:"redaction"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Redaction.Fields == nil {
		c.Redaction = DefaultRedactionConfig()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	return nil
}

// New builds a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	level, _ := zapcore.ParseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}
	encoder = newRedactingEncoder(encoder, cfg.Redaction)

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		logger = logger.With(fields...)
	}
	return logger, nil
}

// Sync flushes the logger, ignoring the EINVAL/ENOTTY that syncing a
// terminal-backed stderr returns on Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

// RedactedString creates a field carrying only the value's length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}
