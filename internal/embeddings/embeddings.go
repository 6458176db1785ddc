// Package embeddings provides embedding generation via OpenAI-compatible
// APIs or a TEI (Text Embeddings Inference) server.
package embeddings

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/vectorstore"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// NewEmbedder creates the configured embedding provider.
//
//   - "openai": OpenAI or any OpenAI-compatible endpoint (token counts
//     come from the provider's usage report)
//   - "tei": a Text Embeddings Inference server (token counts are
//     estimated, TEI does not report usage)
func NewEmbedder(cfg *config.Config) (vectorstore.Embedder, error) {
	switch cfg.Embeddings.Provider {
	case "openai", "":
		return NewOpenAIEmbedder(OpenAIConfig{
			BaseURL: cfg.Embeddings.BaseURL,
			APIKey:  cfg.Embeddings.APIKey.Value(),
			Model:   cfg.Embeddings.Model,
		})
	case "tei":
		return NewTEIEmbedder(TEIConfig{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported embeddings provider: %s", ErrInvalidConfig, cfg.Embeddings.Provider)
	}
}
