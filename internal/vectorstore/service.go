package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/countcache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// InsertResult is the outcome of an embed-and-insert call.
type InsertResult struct {
	// Tokens is the number of prompt tokens consumed by the embedding
	// model for the whole batch.
	Tokens int

	// InsertIDs are the backend-assigned vector ids, one per input,
	// in input order.
	InsertIDs []string
}

// Service is the facade other subsystems use for vector work. It owns the
// embed-then-insert flow and the per-team count cache; everything else is
// a tenant-checked pass-through to the backend Store.
//
// The count cache is eventually consistent. Inserts bump it
// asynchronously, deletes do not touch it, and GetVectorCountByTeamID
// repopulates it from the store on a miss.
type Service struct {
	store    Store
	embedder Embedder
	counts   *countcache.TeamCounts
	logger   *zap.Logger
	backend  string
}

// NewService creates the facade.
func NewService(store Store, embedder Embedder, counts *countcache.TeamCounts, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		counts:   counts,
		logger:   logger,
		backend:  backendLabel(store),
	}
}

// backendLabel names the store implementation for metrics.
func backendLabel(store Store) string {
	switch store.(type) {
	case *PgVectorStore:
		return "pgvector"
	case *QdrantStore:
		return "qdrant"
	case *ChromemStore:
		return "chromem"
	default:
		return "unknown"
	}
}

// InsertDatasetDataVector embeds the inputs in one model call, then writes
// all resulting vectors in one batch. A failed model call fails the whole
// operation; no vectors are written.
//
// On success the team's cached count is incremented asynchronously. The
// increment is fire-and-forget: it never blocks the caller and its errors
// are only logged.
func (s *Service) InsertDatasetDataVector(ctx context.Context, teamID, datasetID, collectionID string, inputs []string, model string) (*InsertResult, error) {
	ctx, span := tracer.Start(ctx, "Service.InsertDatasetDataVector")
	defer span.End()

	start := time.Now()
	span.SetAttributes(
		attribute.String("team_id", teamID),
		attribute.String("dataset_id", datasetID),
		attribute.Int("input_count", len(inputs)),
		attribute.String("model", model),
	)

	if len(inputs) == 0 {
		err := fmt.Errorf("%w: no inputs", ErrEmptyVectors)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vectors, tokens, err := s.embedder.Embed(ctx, model, inputs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(inputs) {
		err := fmt.Errorf("%w: embedded %d of %d inputs", ErrEmbeddingFailed, len(vectors), len(inputs))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids, err := s.store.Insert(ctx, InsertParams{
		TeamID:       teamID,
		DatasetID:    datasetID,
		CollectionID: collectionID,
		Vectors:      vectors,
	})
	observeOperation(s.backend, "insert", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	VectorsInserted.Add(float64(len(ids)))
	s.asyncIncrTeamCount(teamID, int64(len(ids)))

	span.SetAttributes(attribute.Int("tokens", tokens), attribute.Int("ids_returned", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return &InsertResult{Tokens: tokens, InsertIDs: ids}, nil
}

// asyncIncrTeamCount bumps the cached team count off the caller's path.
func (s *Service) asyncIncrTeamCount(teamID string, delta int64) {
	if s.counts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.counts.Incr(ctx, teamID, delta)
	}()
}

// DeleteDatasetDataVector removes vectors matching the selector. The
// cached team count is not adjusted; it converges when the TTL expires or
// the next cache miss repopulates it.
func (s *Service) DeleteDatasetDataVector(ctx context.Context, selector DeleteSelector) error {
	ctx, span := tracer.Start(ctx, "Service.DeleteDatasetDataVector")
	defer span.End()

	start := time.Now()
	span.SetAttributes(attribute.String("team_id", selector.TeamID))

	err := s.store.Delete(ctx, selector)
	observeOperation(s.backend, "delete", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// GetVectorCountByTeamID is a read-through cached count. On a hit the
// cached value is returned as-is; on a miss (or any cache failure) the
// store is asked for the exact count and the cache repopulated.
func (s *Service) GetVectorCountByTeamID(ctx context.Context, teamID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Service.GetVectorCountByTeamID")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", teamID))

	if teamID == "" {
		span.SetStatus(codes.Error, ErrMissingTeamID.Error())
		return 0, ErrMissingTeamID
	}

	if s.counts != nil {
		if count, ok := s.counts.Get(ctx, teamID); ok {
			CountCacheLookups.WithLabelValues("hit").Inc()
			span.SetAttributes(attribute.Int64("count", count), attribute.Bool("cache_hit", true))
			span.SetStatus(codes.Ok, "cache hit")
			return count, nil
		}
		CountCacheLookups.WithLabelValues("miss").Inc()
	}

	start := time.Now()
	count, err := s.store.GetVectorCount(ctx, CountScope{TeamID: teamID})
	observeOperation(s.backend, "count", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if s.counts != nil {
		s.counts.Set(ctx, teamID, count)
	}

	span.SetAttributes(attribute.Int64("count", count), attribute.Bool("cache_hit", false))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// GetVectorCount is the authoritative count, bypassing the cache.
func (s *Service) GetVectorCount(ctx context.Context, scope CountScope) (int64, error) {
	start := time.Now()
	count, err := s.store.GetVectorCount(ctx, scope)
	observeOperation(s.backend, "count", start, err)
	return count, err
}

// RecallFromVectorStore performs nearest-neighbor search.
func (s *Service) RecallFromVectorStore(ctx context.Context, params RecallParams) ([]RecallItem, error) {
	ctx, span := tracer.Start(ctx, "Service.RecallFromVectorStore")
	defer span.End()

	start := time.Now()
	span.SetAttributes(
		attribute.String("team_id", params.TeamID),
		attribute.Int("limit", params.Limit),
	)

	items, err := s.store.EmbRecall(ctx, params)
	observeOperation(s.backend, "recall", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(items)))
	span.SetStatus(codes.Ok, "success")
	return items, nil
}

// GetVectorDataByTime returns all records created within [start, end],
// for reconciliation against the primary store.
func (s *Service) GetVectorDataByTime(ctx context.Context, start, end time.Time) ([]VectorTimeRecord, error) {
	opStart := time.Now()
	records, err := s.store.GetVectorDataByTime(ctx, start, end)
	observeOperation(s.backend, "by_time", opStart, err)
	return records, err
}
