package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// datasetCollectionPrefix prefixes every chromem collection name.
// Each (team, dataset) pair gets its own collection.
const datasetCollectionPrefix = "ds_"

// ChromemConfig holds configuration for the chromem-go embedded backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/vectord/chromem"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedding model's output dimension.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/vectord/chromem"
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements the Store interface using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies, so this backend needs no external service. It is intended
// for development and small single-node deployments.
//
// Each (team, dataset) pair maps to its own chromem collection named
// ds_{team}_{dataset}; vector metadata carries the collection id and
// creation time. Search is always exact (chromem has no ANN index) and
// scores are cosine similarities in [-1, 1].
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a new ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandChromemPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem store initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// expandChromemPath expands ~ to home directory.
func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Init is a no-op: the persistent DB is opened in the constructor and
// collections are created lazily on first insert.
func (s *ChromemStore) Init(ctx context.Context) error {
	return nil
}

// Close flushes nothing: chromem-go persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}

// collectionNamePart derives a fixed-width name segment from an external
// id. Hashing keeps the segment inside the collection name alphabet
// without collapsing distinct ids ("t-1" and "t1" must never share a
// collection), and the fixed width keeps the "_" separator unambiguous
// for ids that themselves contain underscores.
func collectionNamePart(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:12])
}

// datasetCollectionName builds the per-(team, dataset) collection name.
func datasetCollectionName(teamID, datasetID string) string {
	return datasetCollectionPrefix + collectionNamePart(teamID) + "_" + collectionNamePart(datasetID)
}

// teamCollectionPrefixFor is the name prefix shared by all of a team's
// dataset collections and by no other team's.
func teamCollectionPrefixFor(teamID string) string {
	return datasetCollectionPrefix + collectionNamePart(teamID) + "_"
}

// noEmbeddingFunc rejects embedding requests. All vectors are computed by
// the caller and passed in precomputed; passing nil would make chromem-go
// fall back to its OpenAI default embedder.
func noEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem store does not embed text")
}

// getOrCreateCollection gets or creates the (team, dataset) collection.
func (s *ChromemStore) getOrCreateCollection(teamID, datasetID string) (*chromem.Collection, error) {
	name := datasetCollectionName(teamID, datasetID)
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	// The raw ids ride along as collection metadata; the hashed name alone
	// is not reversible.
	collection, err := s.db.GetOrCreateCollection(name, map[string]string{
		payloadTeamID:    teamID,
		payloadDatasetID: datasetID,
	}, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return collection, nil
}

// teamCollections returns the team's existing dataset collections.
func (s *ChromemStore) teamCollections(teamID string) []*chromem.Collection {
	prefix := teamCollectionPrefixFor(teamID)
	var out []*chromem.Collection
	for name := range s.db.ListCollections() {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if c := s.db.GetCollection(name, noEmbeddingFunc); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Insert stores vectors with tenant metadata under the dataset's
// collection. chromem adds documents one by one, so on a mid-batch
// failure the already-written ids are rolled back to keep the batch
// all-or-nothing.
func (s *ChromemStore) Insert(ctx context.Context, params InsertParams) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.Insert")
	defer span.End()

	span.SetAttributes(
		attribute.Int("vector_count", len(params.Vectors)),
		attribute.String("team_id", params.TeamID),
		attribute.String("dataset_id", params.DatasetID),
	)

	if err := params.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	collection, err := s.getOrCreateCollection(params.TeamID, params.DatasetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	createdAt := strconv.FormatInt(timeNow().Unix(), 10)
	docs := make([]chromem.Document, len(params.Vectors))
	ids := make([]string, len(params.Vectors))
	for i, vec := range params.Vectors {
		id := uuid.New().String()
		ids[i] = id
		docs[i] = chromem.Document{
			ID:      id,
			Content: id,
			Metadata: map[string]string{
				payloadTeamID:     params.TeamID,
				payloadDatasetID:  params.DatasetID,
				payloadCollection: params.CollectionID,
				payloadCreatedAt:  createdAt,
			},
			Embedding: vec,
		}
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		if delErr := collection.Delete(ctx, nil, nil, ids...); delErr != nil {
			s.logger.Error("rolling back partial insert",
				zap.String("team_id", params.TeamID),
				zap.String("dataset_id", params.DatasetID),
				zap.Error(delErr),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	span.SetAttributes(attribute.Int("documents_added", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Delete removes vectors matching the selector. Ids that do not exist in
// any of the team's collections are silently skipped.
func (s *ChromemStore) Delete(ctx context.Context, selector DeleteSelector) error {
	ctx, span := tracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", selector.TeamID))

	if err := selector.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if selector.IsEmpty() {
		span.SetStatus(codes.Ok, "empty selector")
		return nil
	}

	switch {
	case selector.ID != "" || selector.IDs != nil:
		ids := selector.IDs
		if selector.ID != "" {
			ids = []string{selector.ID}
		}
		// Ids are opaque, so every dataset collection of the team is
		// tried. Other teams' collections are never touched.
		for _, collection := range s.teamCollections(selector.TeamID) {
			existing := make([]string, 0, len(ids))
			for _, id := range ids {
				if _, err := collection.GetByID(ctx, id); err == nil {
					existing = append(existing, id)
				}
			}
			if len(existing) == 0 {
				continue
			}
			if err := collection.Delete(ctx, nil, nil, existing...); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("deleting documents: %w", err)
			}
		}
	case len(selector.CollectionIDs) > 0:
		for _, datasetID := range selector.DatasetIDs {
			name := datasetCollectionName(selector.TeamID, datasetID)
			collection := s.db.GetCollection(name, noEmbeddingFunc)
			if collection == nil {
				continue
			}
			for _, collectionID := range selector.CollectionIDs {
				where := map[string]string{payloadCollection: collectionID}
				if err := collection.Delete(ctx, where, nil); err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					return fmt.Errorf("deleting collection %s documents: %w", collectionID, err)
				}
			}
		}
	default:
		for _, datasetID := range selector.DatasetIDs {
			name := datasetCollectionName(selector.TeamID, datasetID)
			if s.db.GetCollection(name, noEmbeddingFunc) == nil {
				continue
			}
			if err := s.db.DeleteCollection(name); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("deleting collection %s: %w", name, err)
			}
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// EmbRecall searches each dataset collection exhaustively and merges the
// results. chromem scores every document regardless of the result limit,
// so fetching a collection's full result set costs nothing extra and
// keeps the collection scope filters exact.
func (s *ChromemStore) EmbRecall(ctx context.Context, params RecallParams) ([]RecallItem, error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.EmbRecall")
	defer span.End()

	span.SetAttributes(
		attribute.String("team_id", params.TeamID),
		attribute.Int("dataset_count", len(params.DatasetIDs)),
		attribute.Int("limit", params.Limit),
	)

	if err := params.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	scope := normalizeCollectionScope(params)
	if scope.empty {
		span.SetStatus(codes.Ok, "empty collection scope")
		return []RecallItem{}, nil
	}

	forbidden := make(map[string]bool, len(scope.forbid))
	for _, id := range scope.forbid {
		forbidden[id] = true
	}
	allowed := make(map[string]bool, len(scope.filter))
	for _, id := range scope.filter {
		allowed[id] = true
	}

	var items []RecallItem
	for _, datasetID := range params.DatasetIDs {
		name := datasetCollectionName(params.TeamID, datasetID)
		collection := s.db.GetCollection(name, noEmbeddingFunc)
		if collection == nil {
			continue
		}
		count := collection.Count()
		if count == 0 {
			continue
		}

		results, err := collection.QueryEmbedding(ctx, params.Vector, count, nil, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying collection %s: %w", name, err)
		}

		for _, r := range results {
			collectionID := r.Metadata[payloadCollection]
			if len(allowed) > 0 && !allowed[collectionID] {
				continue
			}
			if len(allowed) == 0 && forbidden[collectionID] {
				continue
			}
			items = append(items, RecallItem{
				ID:           r.ID,
				CollectionID: collectionID,
				Score:        r.Similarity,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > params.Limit {
		items = items[:params.Limit]
	}
	if items == nil {
		items = []RecallItem{}
	}

	span.SetAttributes(attribute.Int("results_count", len(items)))
	span.SetStatus(codes.Ok, "success")
	return items, nil
}

// GetVectorCount counts documents in the scope. Collection-level counts
// scan the dataset's metadata since chromem only tracks totals.
func (s *ChromemStore) GetVectorCount(ctx context.Context, scope CountScope) (int64, error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.GetVectorCount")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", scope.TeamID))

	if err := scope.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if scope.DatasetID == "" {
		var total int64
		for _, collection := range s.teamCollections(scope.TeamID) {
			total += int64(collection.Count())
		}
		span.SetAttributes(attribute.Int64("count", total))
		span.SetStatus(codes.Ok, "success")
		return total, nil
	}

	name := datasetCollectionName(scope.TeamID, scope.DatasetID)
	collection := s.db.GetCollection(name, noEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "no collection")
		return 0, nil
	}

	if scope.CollectionID == "" {
		count := int64(collection.Count())
		span.SetAttributes(attribute.Int64("count", count))
		span.SetStatus(codes.Ok, "success")
		return count, nil
	}

	total := collection.Count()
	if total == 0 {
		span.SetStatus(codes.Ok, "empty collection")
		return 0, nil
	}
	where := map[string]string{payloadCollection: scope.CollectionID}
	results, err := collection.QueryEmbedding(ctx, s.probeVector(), total, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting collection %s: %w", scope.CollectionID, err)
	}

	count := int64(len(results))
	span.SetAttributes(attribute.Int64("count", count))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// probeVector is a fixed unit vector used when chromem is queried only
// for its metadata filtering, not for similarity ordering.
func (s *ChromemStore) probeVector() []float32 {
	v := make([]float32, s.config.VectorSize)
	v[0] = 1
	return v
}

// GetVectorDataByTime scans every collection's metadata for records
// created within [start, end].
func (s *ChromemStore) GetVectorDataByTime(ctx context.Context, start, end time.Time) ([]VectorTimeRecord, error) {
	ctx, span := tracer.Start(ctx, "ChromemStore.GetVectorDataByTime")
	defer span.End()

	var records []VectorTimeRecord
	for name := range s.db.ListCollections() {
		if !strings.HasPrefix(name, datasetCollectionPrefix) {
			continue
		}
		collection := s.db.GetCollection(name, noEmbeddingFunc)
		if collection == nil {
			continue
		}
		count := collection.Count()
		if count == 0 {
			continue
		}

		results, err := collection.QueryEmbedding(ctx, s.probeVector(), count, nil, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scanning collection %s: %w", name, err)
		}

		for _, r := range results {
			unix, err := strconv.ParseInt(r.Metadata[payloadCreatedAt], 10, 64)
			if err != nil {
				continue
			}
			createdAt := time.Unix(unix, 0).UTC()
			if createdAt.Before(start) || createdAt.After(end) {
				continue
			}
			records = append(records, VectorTimeRecord{
				ID:        r.ID,
				TeamID:    r.Metadata[payloadTeamID],
				DatasetID: r.Metadata[payloadDatasetID],
				CreatedAt: createdAt,
			})
		}
	}

	span.SetAttributes(attribute.Int("records_count", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// Ensure ChromemStore implements Store interface.
var _ Store = (*ChromemStore)(nil)
