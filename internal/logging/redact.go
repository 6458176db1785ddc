package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// RedactionConfig controls sensitive field scrubbing.
type RedactionConfig struct {
	// Fields are field keys whose values are replaced, matched
	// case-insensitively.
	Fields []string `koanf:"fields"`
}

// DefaultRedactionConfig covers the credential-bearing keys this service
// handles: embedding API keys, database DSNs, cache passwords.
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Fields: []string{
			"password", "secret", "token", "api_key",
			"authorization", "dsn", "credential",
		},
	}
}

// redactingEncoder wraps a zapcore.Encoder to scrub sensitive fields.
type redactingEncoder struct {
	zapcore.Encoder
	redactKeys map[string]bool
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) zapcore.Encoder {
	keys := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		keys[strings.ToLower(f)] = true
	}
	return &redactingEncoder{Encoder: base, redactKeys: keys}
}

func (e *redactingEncoder) shouldRedact(key string) bool {
	return e.redactKeys[strings.ToLower(key)]
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.shouldRedact(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.shouldRedact(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val interface{}) error {
	if e.shouldRedact(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{
		Encoder:    e.Encoder.Clone(),
		redactKeys: e.redactKeys,
	}
}
