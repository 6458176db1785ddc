// Package vectorstore provides multi-tenant vector storage backends and the
// service facade the rest of vectord depends on.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyVectors indicates an insert with no vectors.
	ErrEmptyVectors = errors.New("empty or nil vectors")

	// ErrInvalidSelector indicates a delete selector that names no scope.
	ErrInvalidSelector = errors.New("invalid delete selector")

	// ErrMissingTeamID indicates an operation without a tenant.
	// Every store operation is tenant-scoped; a missing team id is a
	// security defect, not a default.
	ErrMissingTeamID = errors.New("missing team id")

	// ErrConnectionFailed indicates backend connection issues.
	ErrConnectionFailed = errors.New("failed to connect to vector backend")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Embedder generates vector embeddings from text.
//
// Implementations can use local models (TEI) or cloud APIs (OpenAI).
// The returned token count is the provider-reported prompt token usage,
// estimated when the provider does not report one.
type Embedder interface {
	// Embed generates one embedding per input, in input order.
	Embed(ctx context.Context, model string, inputs []string) (vectors [][]float32, tokens int, err error)
}

// Store is the backend adapter interface for vector storage.
//
// All operations are scoped by team id. Vector identity is backend-defined:
// ids returned by Insert are opaque strings that are only meaningful when
// passed back to the same store.
//
// Implementations:
//   - PgVectorStore: Postgres with the pgvector extension (production default)
//   - QdrantStore: external Qdrant over gRPC
//   - ChromemStore: embedded chromem-go (development, no external services)
type Store interface {
	// Init prepares the physical store (tables, extensions, collections,
	// indexes). It is idempotent and safe to call on every startup.
	Init(ctx context.Context) error

	// Insert appends the given vectors and returns one opaque id per vector,
	// in input order. The batch is all-or-nothing: either every vector is
	// written and every id returned, or the call fails as a whole.
	Insert(ctx context.Context, params InsertParams) ([]string, error)

	// Delete removes vectors matching the selector. Deleting vectors that do
	// not exist is a no-op success, never an error.
	Delete(ctx context.Context, selector DeleteSelector) error

	// EmbRecall performs nearest-neighbor search restricted to the given
	// datasets. Scores are backend-native; only within-backend ordering is
	// meaningful. Results are ordered by descending similarity.
	EmbRecall(ctx context.Context, params RecallParams) ([]RecallItem, error)

	// GetVectorCount returns the exact number of vectors in the given scope.
	GetVectorCount(ctx context.Context, scope CountScope) (int64, error)

	// GetVectorDataByTime returns all records created within [start, end],
	// used by reconciliation jobs to cross-check against the primary store.
	GetVectorDataByTime(ctx context.Context, start, end time.Time) ([]VectorTimeRecord, error)

	// Close releases backend connections and resources.
	Close() error
}
