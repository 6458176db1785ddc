package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PgVectorConfig holds configuration for the Postgres/pgvector backend.
type PgVectorConfig struct {
	// DSN is the Postgres connection string.
	DSN string

	// VectorSize is the dimensionality of stored vectors.
	// MUST match the embedding model's output dimensions.
	VectorSize int

	// MaxConns caps the connection pool size. Zero means pgxpool default.
	MaxConns int32

	// EfSearch is the default HNSW search breadth, overridable per recall.
	// Default: 100
	EfSearch int
}

// Validate validates the configuration.
func (c PgVectorConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *PgVectorConfig) ApplyDefaults() {
	if c.EfSearch == 0 {
		c.EfSearch = 100
	}
}

// PgVectorStore is a Store implementation on Postgres with the pgvector
// extension. All tenants share the dataset_vectors table; every query
// carries a team_id predicate.
//
// Recall uses the negated inner product operator (<#>), so scores are raw
// inner products (higher = more similar), matching the Qdrant backend's
// Dot distance.
type PgVectorStore struct {
	pool   *pgxpool.Pool
	config PgVectorConfig
}

// NewPgVectorStore creates a new PgVectorStore and verifies connectivity.
func NewPgVectorStore(ctx context.Context, config PgVectorConfig) (*PgVectorStore, error) {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing dsn: %v", ErrInvalidConfig, err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return &PgVectorStore{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *PgVectorStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Init creates the extension, table and indexes if they do not exist.
// Safe to call on every startup.
func (s *PgVectorStore) Init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "PgVectorStore.Init")
	defer span.End()

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dataset_vectors (
			id BIGSERIAL PRIMARY KEY,
			vector VECTOR(%d) NOT NULL,
			team_id VARCHAR(64) NOT NULL,
			dataset_id VARCHAR(64) NOT NULL,
			collection_id VARCHAR(64) NOT NULL,
			create_time TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.config.VectorSize),
		`CREATE INDEX IF NOT EXISTS dataset_vectors_hnsw_idx
			ON dataset_vectors USING hnsw (vector vector_ip_ops)
			WITH (m = 32, ef_construction = 128)`,
		`CREATE INDEX IF NOT EXISTS dataset_vectors_tenant_idx
			ON dataset_vectors (team_id, dataset_id, collection_id)`,
		`CREATE INDEX IF NOT EXISTS dataset_vectors_create_time_idx
			ON dataset_vectors (create_time)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("initializing pgvector schema: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// vectorLiteral renders a vector in pgvector's text format: [1,2,3].
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Insert appends vectors in a single multi-row statement so the batch is
// all-or-nothing. Returned ids are the BIGSERIAL keys in input order.
func (s *PgVectorStore) Insert(ctx context.Context, params InsertParams) ([]string, error) {
	ctx, span := tracer.Start(ctx, "PgVectorStore.Insert")
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

	var sql strings.Builder
	sql.WriteString(`INSERT INTO dataset_vectors (vector, team_id, dataset_id, collection_id) VALUES `)
	args := make([]any, 0, len(params.Vectors)*4)
	for i, vec := range params.Vectors {
		if i > 0 {
			sql.WriteByte(',')
		}
		base := i * 4
		fmt.Fprintf(&sql, "($%d::vector, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, vectorLiteral(vec), params.TeamID, params.DatasetID, params.CollectionID)
	}
	sql.WriteString(` RETURNING id`)

	rows, err := s.pool.Query(ctx, sql.String(), args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("inserting vectors: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, len(params.Vectors))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scanning insert ids: %w", err)
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading insert ids: %w", err)
	}
	if len(ids) != len(params.Vectors) {
		err := fmt.Errorf("inserted %d vectors, got %d ids", len(params.Vectors), len(ids))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("ids_returned", len(ids)))
	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// parseVectorIDs converts opaque string ids back to BIGSERIAL keys.
// Ids that cannot have been issued by this store are dropped, which keeps
// delete idempotent across backends.
func parseVectorIDs(ids []string) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Delete removes rows matching the selector. Matching zero rows is a
// no-op success.
func (s *PgVectorStore) Delete(ctx context.Context, selector DeleteSelector) error {
	ctx, span := tracer.Start(ctx, "PgVectorStore.Delete")
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

	var (
		sql  string
		args []any
	)
	switch {
	case selector.ID != "":
		numeric := parseVectorIDs([]string{selector.ID})
		if len(numeric) == 0 {
			span.SetStatus(codes.Ok, "no matching ids")
			return nil
		}
		sql = `DELETE FROM dataset_vectors WHERE team_id = $1 AND id = $2`
		args = []any{selector.TeamID, numeric[0]}
	case selector.IDs != nil:
		numeric := parseVectorIDs(selector.IDs)
		if len(numeric) == 0 {
			span.SetStatus(codes.Ok, "no matching ids")
			return nil
		}
		sql = `DELETE FROM dataset_vectors WHERE team_id = $1 AND id = ANY($2)`
		args = []any{selector.TeamID, numeric}
	case len(selector.CollectionIDs) > 0:
		sql = `DELETE FROM dataset_vectors WHERE team_id = $1 AND dataset_id = ANY($2) AND collection_id = ANY($3)`
		args = []any{selector.TeamID, selector.DatasetIDs, selector.CollectionIDs}
	default:
		sql = `DELETE FROM dataset_vectors WHERE team_id = $1 AND dataset_id = ANY($2)`
		args = []any{selector.TeamID, selector.DatasetIDs}
	}

	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting vectors: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// EmbRecall performs nearest-neighbor search with the negated inner
// product operator. SET LOCAL scopes the ef_search override to the
// transaction.
func (s *PgVectorStore) EmbRecall(ctx context.Context, params RecallParams) ([]RecallItem, error) {
	ctx, span := tracer.Start(ctx, "PgVectorStore.EmbRecall")
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

	efSearch := s.config.EfSearch
	if params.EfSearch > 0 {
		efSearch = params.EfSearch
	}

	var sql strings.Builder
	sql.WriteString(`SELECT id, collection_id, (vector <#> $1::vector) * -1 AS score
		FROM dataset_vectors
		WHERE team_id = $2 AND dataset_id = ANY($3)`)
	args := []any{vectorLiteral(params.Vector), params.TeamID, params.DatasetIDs}

	if len(scope.filter) > 0 {
		args = append(args, scope.filter)
		fmt.Fprintf(&sql, " AND collection_id = ANY($%d)", len(args))
	} else if len(scope.forbid) > 0 {
		args = append(args, scope.forbid)
		fmt.Fprintf(&sql, " AND collection_id != ALL($%d)", len(args))
	}

	args = append(args, params.Limit)
	fmt.Fprintf(&sql, " ORDER BY score DESC LIMIT $%d", len(args))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("beginning recall transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearch)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("setting ef_search: %w", err)
	}

	rows, err := tx.Query(ctx, sql.String(), args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	items, err := scanRecallRows(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("committing recall transaction: %w", err)
	}

	span.SetAttributes(attribute.Int("results_count", len(items)))
	span.SetStatus(codes.Ok, "success")
	return items, nil
}

func scanRecallRows(rows pgx.Rows) ([]RecallItem, error) {
	defer rows.Close()

	var items []RecallItem
	for rows.Next() {
		var (
			id           int64
			collectionID string
			score        float64
		)
		if err := rows.Scan(&id, &collectionID, &score); err != nil {
			return nil, fmt.Errorf("scanning recall row: %w", err)
		}
		items = append(items, RecallItem{
			ID:           strconv.FormatInt(id, 10),
			CollectionID: collectionID,
			Score:        float32(score),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading recall rows: %w", err)
	}
	if items == nil {
		items = []RecallItem{}
	}
	return items, nil
}

// GetVectorCount returns the exact row count for the scope.
func (s *PgVectorStore) GetVectorCount(ctx context.Context, scope CountScope) (int64, error) {
	ctx, span := tracer.Start(ctx, "PgVectorStore.GetVectorCount")
	defer span.End()

	span.SetAttributes(attribute.String("team_id", scope.TeamID))

	if err := scope.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	sql := `SELECT count(*) FROM dataset_vectors WHERE team_id = $1`
	args := []any{scope.TeamID}
	if scope.DatasetID != "" {
		args = append(args, scope.DatasetID)
		sql += fmt.Sprintf(" AND dataset_id = $%d", len(args))
	}
	if scope.CollectionID != "" {
		args = append(args, scope.CollectionID)
		sql += fmt.Sprintf(" AND collection_id = $%d", len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting vectors: %w", err)
	}

	span.SetAttributes(attribute.Int64("count", count))
	span.SetStatus(codes.Ok, "success")
	return count, nil
}

// GetVectorDataByTime returns all rows created within [start, end].
func (s *PgVectorStore) GetVectorDataByTime(ctx context.Context, start, end time.Time) ([]VectorTimeRecord, error) {
	ctx, span := tracer.Start(ctx, "PgVectorStore.GetVectorDataByTime")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, team_id, dataset_id, create_time
		 FROM dataset_vectors
		 WHERE create_time BETWEEN $1 AND $2
		 ORDER BY create_time`, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying vectors by time: %w", err)
	}
	defer rows.Close()

	var records []VectorTimeRecord
	for rows.Next() {
		var (
			id  int64
			rec VectorTimeRecord
		)
		if err := rows.Scan(&id, &rec.TeamID, &rec.DatasetID, &rec.CreatedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scanning time record: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading time records: %w", err)
	}

	span.SetAttributes(attribute.Int("records_count", len(records)))
	span.SetStatus(codes.Ok, "success")
	return records, nil
}

// Ensure PgVectorStore implements Store interface.
var _ Store = (*PgVectorStore)(nil)
