package vectorstore

import (
	"fmt"
	"time"
)

// InsertParams describes a batch insert under a single tenant scope.
type InsertParams struct {
	// TeamID is the owning tenant. Required.
	TeamID string

	// DatasetID is the dataset the vectors belong to. Required.
	DatasetID string

	// CollectionID is the collection within the dataset. Required.
	CollectionID string

	// Vectors are the embeddings to store, all of the same dimension.
	Vectors [][]float32
}

// Validate checks that the insert names a full tenant scope and carries
// at least one vector.
func (p InsertParams) Validate() error {
	if p.TeamID == "" {
		return ErrMissingTeamID
	}
	if p.DatasetID == "" || p.CollectionID == "" {
		return fmt.Errorf("%w: dataset and collection ids are required", ErrInvalidConfig)
	}
	if len(p.Vectors) == 0 {
		return ErrEmptyVectors
	}
	for i, v := range p.Vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: vector %d is empty", ErrEmptyVectors, i)
		}
	}
	return nil
}

// DeleteSelector identifies vectors to remove. Exactly one of the selector
// shapes must be set, always scoped by TeamID:
//
//   - ID: a single vector id
//   - IDs: a list of vector ids
//   - DatasetIDs: everything under these datasets
//   - DatasetIDs + CollectionIDs: everything under these collections
//     within the given datasets
type DeleteSelector struct {
	TeamID string

	ID            string
	IDs           []string
	DatasetIDs    []string
	CollectionIDs []string
}

// Validate checks that the selector names a tenant and exactly one shape.
// A non-nil empty IDs list is valid and selects nothing.
func (s DeleteSelector) Validate() error {
	if s.TeamID == "" {
		return ErrMissingTeamID
	}
	switch {
	case s.ID != "":
		if s.IDs != nil || len(s.DatasetIDs) > 0 {
			return fmt.Errorf("%w: id is exclusive with other selectors", ErrInvalidSelector)
		}
	case s.IDs != nil:
		if len(s.DatasetIDs) > 0 {
			return fmt.Errorf("%w: id list is exclusive with dataset selectors", ErrInvalidSelector)
		}
	case len(s.DatasetIDs) > 0:
	case len(s.CollectionIDs) > 0:
		return fmt.Errorf("%w: collection ids require dataset ids", ErrInvalidSelector)
	default:
		return fmt.Errorf("%w: no selector set", ErrInvalidSelector)
	}
	return nil
}

// IsEmpty reports whether the selector trivially matches nothing, which
// adapters treat as a no-op success.
func (s DeleteSelector) IsEmpty() bool {
	return s.ID == "" && s.IDs != nil && len(s.IDs) == 0
}

// RecallParams describes a nearest-neighbor search across one or more
// datasets of a single team.
type RecallParams struct {
	TeamID     string
	DatasetIDs []string

	// Vector is the query embedding.
	Vector []float32

	// Limit caps the number of results.
	Limit int

	// ForbidCollectionIDs excludes results from these collections.
	ForbidCollectionIDs []string

	// FilterCollectionIDs, when non-nil, restricts results to these
	// collections and takes precedence over ForbidCollectionIDs. A non-nil
	// empty list permits no collections and yields an empty result.
	FilterCollectionIDs []string

	// EfSearch tunes HNSW search breadth on backends that support it.
	// Zero means backend default.
	EfSearch int
}

// Validate checks the recall scope and query.
func (p RecallParams) Validate() error {
	if p.TeamID == "" {
		return ErrMissingTeamID
	}
	if len(p.DatasetIDs) == 0 {
		return fmt.Errorf("%w: at least one dataset id is required", ErrInvalidConfig)
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", ErrEmptyVectors)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// collectionScope is the normalized form of a recall's collection
// constraints.
type collectionScope struct {
	// filter, when non-nil, is the only set of collections considered.
	filter []string
	// forbid excludes collections; empty when filter is set.
	forbid []string
	// empty means the scope permits no collections at all.
	empty bool
}

// normalizeCollectionScope resolves the forbid/filter interplay. A non-nil
// filter wins over forbid; a non-nil empty filter permits nothing.
func normalizeCollectionScope(p RecallParams) collectionScope {
	if p.FilterCollectionIDs != nil {
		if len(p.FilterCollectionIDs) == 0 {
			return collectionScope{empty: true}
		}
		return collectionScope{filter: p.FilterCollectionIDs}
	}
	return collectionScope{forbid: p.ForbidCollectionIDs}
}

// RecallItem is a single nearest-neighbor match.
type RecallItem struct {
	// ID is the backend-assigned vector id.
	ID string `json:"id"`

	// CollectionID is the collection the vector belongs to.
	CollectionID string `json:"collection_id"`

	// Score is the similarity in backend-native units, descending order.
	// Scores are not comparable across backends.
	Score float32 `json:"score"`
}

// CountScope narrows a vector count. TeamID is required; DatasetID and
// CollectionID optionally narrow further.
type CountScope struct {
	TeamID       string
	DatasetID    string
	CollectionID string
}

// Validate checks the count scope.
func (s CountScope) Validate() error {
	if s.TeamID == "" {
		return ErrMissingTeamID
	}
	if s.CollectionID != "" && s.DatasetID == "" {
		return fmt.Errorf("%w: collection id requires dataset id", ErrInvalidConfig)
	}
	return nil
}

// VectorTimeRecord is a reconciliation record: one stored vector and the
// tenant keys needed to cross-check it against the primary store.
type VectorTimeRecord struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	DatasetID string    `json:"dataset_id"`
	CreatedAt time.Time `json:"created_at"`
}
