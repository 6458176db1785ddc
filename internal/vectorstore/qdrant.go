package vectorstore

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tracer for OpenTelemetry instrumentation.
var tracer = otel.Tracer("vectord.vectorstore")

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload field names used for tenant scoping and reconciliation.
const (
	payloadID         = "id"
	payloadTeamID     = "team_id"
	payloadDatasetID  = "dataset_id"
	payloadCollection = "collection_id"
	payloadCreatedAt  = "created_at"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int

	// CollectionName is the single collection holding all tenants' vectors.
	// Tenancy is enforced by payload filtering on team_id.
	CollectionName string

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedding model's output dimensions.
	VectorSize uint64

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries.
	// Doubles on each retry (exponential backoff).
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB (to handle large batches)
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.CollectionName == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024 // 50MB
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// ValidateCollectionName validates a collection name against security rules.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts, temporary unavailability.
// Returns false for invalid config, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store implementation using Qdrant's native gRPC client.
//
// All tenants share one collection; every point carries team_id, dataset_id
// and collection_id payload fields and every operation filters on them.
// Points are stored under the Dot distance, so recall scores are raw inner
// products (higher = more similar).
type QdrantStore struct {
	// client is the official Qdrant Go gRPC client
	client *qdrant.Client

	// config holds the store configuration
	config QdrantConfig

	// circuitBreaker tracks failures for circuit breaker pattern
	circuitBreaker circuitBreaker
}

// NewQdrantStore creates a new QdrantStore with the given configuration.
//
// Returns an error if the configuration is invalid, the connection fails,
// or the health check fails.
func NewQdrantStore(config QdrantConfig) (*QdrantStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := ValidateCollectionName(config.CollectionName); err != nil {
		return nil, fmt.Errorf("validating collection name: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.healthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}

	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// healthCheck performs a health check on the Qdrant connection.
func (s *QdrantStore) healthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.HealthCheck")
	defer span.End()

	_, err := s.client.HealthCheck(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("health check failed: %w", err)
	}

	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.circuitBreaker.reset()
			return nil
		}

		if s.circuitBreaker.open(s.config.CircuitBreakerThreshold) {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.circuitBreaker.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

// Init creates the shared collection and its payload indexes if they do not
// exist. Safe to call on every startup.
func (s *QdrantStore) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Init")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", s.config.CollectionName),
		attribute.Int64("vector_size", int64(s.config.VectorSize)),
	)

	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		ok, err := s.client.CollectionExists(ctx, s.config.CollectionName)
		if err != nil {
			return err
		}
		exists = ok
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("checking collection %s: %w", s.config.CollectionName, err)
	}

	if !exists {
		err = s.retryOperation(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.CollectionName,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Dot,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", s.config.CollectionName, err)
		}
	}

	// Payload indexes back the tenant filters and the reconciliation
	// time-range scroll. Recreating an existing index is a no-op.
	keywordFields := []string{payloadID, payloadTeamID, payloadDatasetID, payloadCollection}
	for _, field := range keywordFields {
		field := field
		err = s.retryOperation(ctx, "create_field_index", func() error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: s.config.CollectionName,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("indexing payload field %s: %w", field, err)
		}
	}

	err = s.retryOperation(ctx, "create_field_index", func() error {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.CollectionName,
			FieldName:      payloadCreatedAt,
			FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing payload field %s: %w", payloadCreatedAt, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Insert appends vectors as points carrying tenant payload fields.
// Qdrant upserts a batch atomically, so a failed call writes nothing.
func (s *QdrantStore) Insert(ctx context.Context, params InsertParams) ([]string, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Insert")
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

	now := time.Now().Unix()
	points := make([]*qdrant.PointStruct, len(params.Vectors))
	ids := make([]string, len(params.Vectors))

	for i, vec := range params.Vectors {
		id := uuid.New().String()
		ids[i] = id

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadID:         id,
				payloadTeamID:     params.TeamID,
				payloadDatasetID:  params.DatasetID,
				payloadCollection: params.CollectionID,
				payloadCreatedAt:  now,
			}),
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.CollectionName,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting points: %w", err)
	}

	span.SetAttributes(attribute.Int("points_added", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Delete removes points matching the selector by payload filter. Filters
// that match nothing delete nothing, which satisfies the idempotency
// contract.
func (s *QdrantStore) Delete(ctx context.Context, selector DeleteSelector) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Delete")
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

	filter := s.deleteFilter(selector)

	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.CollectionName,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// deleteFilter builds the payload filter for a validated selector.
// Every filter includes the team_id condition.
func (s *QdrantStore) deleteFilter(selector DeleteSelector) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch(payloadTeamID, selector.TeamID),
	}
	switch {
	case selector.ID != "":
		must = append(must, qdrant.NewMatch(payloadID, selector.ID))
	case selector.IDs != nil:
		must = append(must, qdrant.NewMatchKeywords(payloadID, selector.IDs...))
	default:
		must = append(must, qdrant.NewMatchKeywords(payloadDatasetID, selector.DatasetIDs...))
		if len(selector.CollectionIDs) > 0 {
			must = append(must, qdrant.NewMatchKeywords(payloadCollection, selector.CollectionIDs...))
		}
	}
	return &qdrant.Filter{Must: must}
}

// EmbRecall performs nearest-neighbor search over the team's datasets.
// Scores are inner products under Distance_Dot, descending.
func (s *QdrantStore) EmbRecall(ctx context.Context, params RecallParams) ([]RecallItem, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.EmbRecall")
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

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadTeamID, params.TeamID),
			qdrant.NewMatchKeywords(payloadDatasetID, params.DatasetIDs...),
		},
	}
	if len(scope.filter) > 0 {
		filter.Must = append(filter.Must, qdrant.NewMatchKeywords(payloadCollection, scope.filter...))
	} else if len(scope.forbid) > 0 {
		filter.MustNot = []*qdrant.Condition{
			qdrant.NewMatchKeywords(payloadCollection, scope.forbid...),
		}
	}

	query := &qdrant.QueryPoints{
		CollectionName: s.config.CollectionName,
		Query:          qdrant.NewQuery(params.Vector...),
		Limit:          qdrant.PtrOf(uint64(params.Limit)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayloadInclude(payloadID, payloadCollection),
	}
	if params.EfSearch > 0 {
		query.Params = &qdrant.SearchParams{
			HnswEf: qdrant.PtrOf(uint64(params.EfSearch)),
		}
	}

	var points []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, query)
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying points: %w", err)
	}

	items := make([]RecallItem, 0, len(points))
	for _, point := range points {
		item := RecallItem{Score: point.Score}
		if v, ok := point.Payload[payloadID]; ok {
			item.ID = v.GetStringValue()
		}
		if v, ok := point.Payload[payloadCollection]; ok {
			item.CollectionID = v.GetStringValue()
		}
		items = append(items, item)
	}

	span.SetAttributes(attribute.Int("results_count", len(items)))
	span.SetStatus(codes.Ok, "success")
	return items, nil
}

// GetVectorCount returns the exact point count for the scope.
func (s *QdrantStore) GetVectorCount(ctx context.Context, scope CountScope) (int64, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.GetVectorCount")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", scope.TeamID))

	if err := scope.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch(payloadTeamID, scope.TeamID),
	}
	if scope.DatasetID != "" {
		must = append(must, qdrant.NewMatch(payloadDatasetID, scope.DatasetID))
	}
	if scope.CollectionID != "" {
		must = append(must, qdrant.NewMatch(payloadCollection, scope.CollectionID))
	}

	var count uint64
	err := s.retryOperation(ctx, "count", func() error {
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.CollectionName,
			Filter:         &qdrant.Filter{Must: must},
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting points: %w", err)
	}

	span.SetAttributes(attribute.Int64("count", int64(count)))
	span.SetStatus(codes.Ok, "success")
	return int64(count), nil
}

// GetVectorDataByTime scrolls all points created within [start, end].
func (s *QdrantStore) GetVectorDataByTime(ctx context.Context, start, end time.Time) ([]VectorTimeRecord, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.GetVectorDataByTime")
	defer span.End()

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange(payloadCreatedAt, &qdrant.Range{
				Gte: qdrant.PtrOf(float64(start.Unix())),
				Lte: qdrant.PtrOf(float64(end.Unix())),
			}),
		},
	}

	const pageSize = 1000
	var records []VectorTimeRecord
	var offset *qdrant.PointId

	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := s.retryOperation(ctx, "scroll", func() error {
			resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: s.config.CollectionName,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(pageSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayloadInclude(payloadID, payloadTeamID, payloadDatasetID, payloadCreatedAt),
			})
			if err != nil {
				return err
			}
			points = resp.GetResult()
			next = resp.GetNextPageOffset()
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scrolling points: %w", err)
		}

		for _, point := range points {
			rec := VectorTimeRecord{}
			if v, ok := point.Payload[payloadID]; ok {
				rec.ID = v.GetStringValue()
			}
			if v, ok := point.Payload[payloadTeamID]; ok {
				rec.TeamID = v.GetStringValue()
			}
			if v, ok := point.Payload[payloadDatasetID]; ok {
				rec.DatasetID = v.GetStringValue()
			}
			if v, ok := point.Payload[payloadCreatedAt]; ok {
				rec.CreatedAt = time.Unix(v.GetIntegerValue(), 0).UTC()
			}
			records = append(records, rec)
		}

		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}

	span.SetAttributes(attribute.Int("records_count", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// Ensure QdrantStore implements Store interface.
var _ Store = (*QdrantStore)(nil)
