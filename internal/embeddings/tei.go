package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TEIConfig holds configuration for a Text Embeddings Inference server.
type TEIConfig struct {
	// BaseURL is the TEI server address.
	// Default: "http://localhost:8080"
	BaseURL string

	// Model names the model the server runs, for metrics only. TEI
	// serves exactly one model per instance, so per-call model names
	// are ignored.
	Model string
}

// ApplyDefaults sets default values for unset fields.
func (c *TEIConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
}

// TEIEmbedder generates embeddings through a TEI server's /embed endpoint.
//
// TEI does not report token usage, so the returned token count is a
// conservative length-based estimate (one token per 4 bytes of input).
type TEIEmbedder struct {
	config  TEIConfig
	client  *http.Client
	metrics *Metrics
}

// NewTEIEmbedder creates a TEI embedding provider.
func NewTEIEmbedder(config TEIConfig) (*TEIEmbedder, error) {
	config.ApplyDefaults()
	return &TEIEmbedder{
		config:  config,
		client:  &http.Client{Timeout: 60 * time.Second},
		metrics: NewMetrics(),
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed generates one embedding per input, in input order.
func (e *TEIEmbedder) Embed(ctx context.Context, _ string, inputs []string) ([][]float32, int, error) {
	start := time.Now()
	var genErr error
	defer func() {
		e.metrics.RecordGeneration("tei", e.config.Model, time.Since(start), len(inputs), genErr)
	}()

	if len(inputs) == 0 {
		genErr = fmt.Errorf("%w: inputs cannot be empty", ErrEmptyInput)
		return nil, 0, genErr
	}

	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		genErr = fmt.Errorf("marshaling request: %w", err)
		return nil, 0, genErr
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		genErr = fmt.Errorf("creating request: %w", err)
		return nil, 0, genErr
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		return nil, 0, genErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		genErr = fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
		return nil, 0, genErr
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		genErr = fmt.Errorf("decoding response: %w", err)
		return nil, 0, genErr
	}
	if len(vectors) != len(inputs) {
		genErr = fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailed, len(vectors), len(inputs))
		return nil, 0, genErr
	}

	return vectors, estimateTokens(inputs), nil
}

// estimateTokens approximates prompt tokens at 4 bytes per token.
func estimateTokens(inputs []string) int {
	var bytes int
	for _, s := range inputs {
		bytes += len(s)
	}
	tokens := bytes / 4
	if tokens == 0 && bytes > 0 {
		tokens = 1
	}
	return tokens
}
