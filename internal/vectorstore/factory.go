package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/config"
	"go.uber.org/zap"
)

// NewStore creates a Store based on the configuration.
//
// The factory examines VectorStoreConfig.Provider and creates the
// appropriate backend:
//   - "chromem" (default): embedded chromem-go store, no external services
//   - "pgvector": Postgres with the pgvector extension
//   - "qdrant": external Qdrant server over gRPC
//
// The returned store has not been initialized; callers run Init once at
// startup:
//
//	store, err := vectorstore.NewStore(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//	if err := store.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			VectorSize: cfg.VectorStore.Chromem.VectorSize,
		}, logger)

	case "pgvector":
		return NewPgVectorStore(ctx, PgVectorConfig{
			DSN:        cfg.VectorStore.PgVector.DSN.Value(),
			VectorSize: cfg.VectorStore.PgVector.VectorSize,
			MaxConns:   cfg.VectorStore.PgVector.MaxConns,
			EfSearch:   cfg.VectorStore.PgVector.EfSearch,
		})

	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:           cfg.VectorStore.Qdrant.Host,
			Port:           cfg.VectorStore.Qdrant.Port,
			CollectionName: cfg.VectorStore.Qdrant.CollectionName,
			VectorSize:     cfg.VectorStore.Qdrant.VectorSize,
			UseTLS:         cfg.VectorStore.Qdrant.UseTLS,
		})

	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, pgvector, qdrant)", cfg.VectorStore.Provider)
	}
}
