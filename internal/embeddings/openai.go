package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig holds configuration for the OpenAI embedding provider.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint, empty for api.openai.com.
	// Any OpenAI-compatible server works (Azure, vLLM, LocalAI).
	BaseURL string

	// APIKey authenticates requests.
	APIKey string

	// Model is the default embedding model, used when a caller passes
	// an empty model name.
	Model string
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API.
// Token counts come from the provider's usage report.
type OpenAIEmbedder struct {
	client  openai.Client
	config  OpenAIConfig
	metrics *Metrics
}

// NewOpenAIEmbedder creates an OpenAI embedding provider.
func NewOpenAIEmbedder(config OpenAIConfig) (*OpenAIEmbedder, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIEmbedder{
		client:  openai.NewClient(opts...),
		config:  config,
		metrics: NewMetrics(),
	}, nil
}

// Embed generates one embedding per input, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, model string, inputs []string) ([][]float32, int, error) {
	start := time.Now()
	var genErr error
	defer func() {
		e.metrics.RecordGeneration("openai", e.modelOrDefault(model), time.Since(start), len(inputs), genErr)
	}()

	if len(inputs) == 0 {
		genErr = fmt.Errorf("%w: inputs cannot be empty", ErrEmptyInput)
		return nil, 0, genErr
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.modelOrDefault(model)),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		return nil, 0, genErr
	}
	if len(resp.Data) != len(inputs) {
		genErr = fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(inputs))
		return nil, 0, genErr
	}

	// The API may return embeddings out of order; Index maps each back
	// to its input.
	vectors := make([][]float32, len(inputs))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(vectors) {
			genErr = fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailed, data.Index)
			return nil, 0, genErr
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		vectors[data.Index] = vec
	}
	for i, vec := range vectors {
		if vec == nil {
			genErr = fmt.Errorf("%w: missing embedding for input %d", ErrEmbeddingFailed, i)
			return nil, 0, genErr
		}
	}

	return vectors, int(resp.Usage.PromptTokens), nil
}

func (e *OpenAIEmbedder) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return e.config.Model
}
