package vectorstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: 3,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestVectors(t *testing.T, store *ChromemStore, teamID, datasetID, collectionID string, vectors [][]float32) []string {
	t.Helper()
	ids, err := store.Insert(context.Background(), InsertParams{
		TeamID:       teamID,
		DatasetID:    datasetID,
		CollectionID: collectionID,
		Vectors:      vectors,
	})
	require.NoError(t, err)
	require.Len(t, ids, len(vectors))
	return ids
}

func TestDatasetCollectionName(t *testing.T) {
	name := datasetCollectionName("team1", "data1")
	assert.NoError(t, ValidateCollectionName(name))
	assert.Equal(t, name, datasetCollectionName("team1", "data1"))

	// Ids that differ only in characters outside the name alphabet must
	// not share a collection.
	assert.NotEqual(t, datasetCollectionName("t-1", "ds-1"), datasetCollectionName("t1", "ds-1"))
	assert.NotEqual(t, datasetCollectionName("T-1", "d"), datasetCollectionName("t-1", "d"))
	assert.NotEqual(t, datasetCollectionName("t", "a_b"), datasetCollectionName("t_a", "b"))

	assert.NoError(t, ValidateCollectionName(datasetCollectionName(
		"team-with-a-very-long-identifier-near-the-column-width-limit-64",
		"dataset-with-a-very-long-identifier-near-the-column-width-limit")))
}

func TestTeamCollectionPrefix(t *testing.T) {
	prefix := teamCollectionPrefixFor("team1")
	assert.True(t, strings.HasPrefix(datasetCollectionName("team1", "d1"), prefix))
	assert.True(t, strings.HasPrefix(datasetCollectionName("team1", "d2"), prefix))

	// One team's prefix never matches another team's collections, even
	// when one id is a prefix of the other.
	assert.False(t, strings.HasPrefix(datasetCollectionName("a_b", "d1"), teamCollectionPrefixFor("a")))
	assert.False(t, strings.HasPrefix(datasetCollectionName("team12", "d1"), teamCollectionPrefixFor("team1")))
}

func TestChromemInsertAndCount(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	ids := insertTestVectors(t, store, "team-1", "ds-1", "col-1",
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})

	seen := make(map[string]bool)
	for _, id := range ids {
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	count, err := store.GetVectorCount(ctx, CountScope{TeamID: "team-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.GetVectorCount(ctx, CountScope{TeamID: "team-1", DatasetID: "ds-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.GetVectorCount(ctx, CountScope{TeamID: "team-1", DatasetID: "ds-1", CollectionID: "col-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.GetVectorCount(ctx, CountScope{TeamID: "other-team"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestChromemEmbRecall(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	a := insertTestVectors(t, store, "team-1", "ds-1", "col-a", [][]float32{{1, 0, 0}})
	b := insertTestVectors(t, store, "team-1", "ds-1", "col-b", [][]float32{{0.9, 0.1, 0}})
	insertTestVectors(t, store, "team-1", "ds-1", "col-c", [][]float32{{0, 0, 1}})

	t.Run("ordered by similarity", func(t *testing.T) {
		items, err := store.EmbRecall(ctx, RecallParams{
			TeamID:     "team-1",
			DatasetIDs: []string{"ds-1"},
			Vector:     []float32{1, 0, 0},
			Limit:      2,
		})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, a[0], items[0].ID)
		assert.Equal(t, b[0], items[1].ID)
		assert.GreaterOrEqual(t, items[0].Score, items[1].Score)
	})

	t.Run("forbid excludes collections", func(t *testing.T) {
		items, err := store.EmbRecall(ctx, RecallParams{
			TeamID:              "team-1",
			DatasetIDs:          []string{"ds-1"},
			Vector:              []float32{1, 0, 0},
			Limit:               10,
			ForbidCollectionIDs: []string{"col-a"},
		})
		require.NoError(t, err)
		for _, item := range items {
			assert.NotEqual(t, "col-a", item.CollectionID)
		}
	})

	t.Run("filter wins over forbid", func(t *testing.T) {
		items, err := store.EmbRecall(ctx, RecallParams{
			TeamID:              "team-1",
			DatasetIDs:          []string{"ds-1"},
			Vector:              []float32{1, 0, 0},
			Limit:               10,
			ForbidCollectionIDs: []string{"col-a"},
			FilterCollectionIDs: []string{"col-a"},
		})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "col-a", items[0].CollectionID)
	})

	t.Run("empty filter permits nothing", func(t *testing.T) {
		items, err := store.EmbRecall(ctx, RecallParams{
			TeamID:              "team-1",
			DatasetIDs:          []string{"ds-1"},
			Vector:              []float32{1, 0, 0},
			Limit:               10,
			FilterCollectionIDs: []string{},
		})
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.NotNil(t, items)
	})

	t.Run("unknown dataset yields empty result", func(t *testing.T) {
		items, err := store.EmbRecall(ctx, RecallParams{
			TeamID:     "team-1",
			DatasetIDs: []string{"no-such-dataset"},
			Vector:     []float32{1, 0, 0},
			Limit:      10,
		})
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestChromemDelete(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	ids := insertTestVectors(t, store, "team-1", "ds-1", "col-a",
		[][]float32{{1, 0, 0}, {0, 1, 0}})
	insertTestVectors(t, store, "team-1", "ds-1", "col-b", [][]float32{{0, 0, 1}})

	t.Run("delete by id", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{TeamID: "team-1", ID: ids[0]})
		require.NoError(t, err)

		count, err := store.GetVectorCount(ctx, CountScope{TeamID: "team-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("deleting again is a no-op", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{TeamID: "team-1", ID: ids[0]})
		require.NoError(t, err)
	})

	t.Run("empty id list is a no-op", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{TeamID: "team-1", IDs: []string{}})
		require.NoError(t, err)
	})

	t.Run("wrong team deletes nothing", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{TeamID: "team-2", ID: ids[1]})
		require.NoError(t, err)

		count, err := store.GetVectorCount(ctx, CountScope{TeamID: "team-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("delete collection scope", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{
			TeamID:        "team-1",
			DatasetIDs:    []string{"ds-1"},
			CollectionIDs: []string{"col-b"},
		})
		require.NoError(t, err)

		count, err := store.GetVectorCount(ctx, CountScope{TeamID: "team-1", DatasetID: "ds-1", CollectionID: "col-b"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("delete dataset scope drops everything", func(t *testing.T) {
		err := store.Delete(ctx, DeleteSelector{TeamID: "team-1", DatasetIDs: []string{"ds-1"}})
		require.NoError(t, err)

		count, err := store.GetVectorCount(ctx, CountScope{TeamID: "team-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestChromemGetVectorDataByTime(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	defer func() { timeNow = time.Now }()

	timeNow = func() time.Time { return base }
	early := insertTestVectors(t, store, "team-1", "ds-1", "col-a", [][]float32{{1, 0, 0}})

	timeNow = func() time.Time { return base.Add(time.Hour) }
	late := insertTestVectors(t, store, "team-1", "ds-2", "col-b", [][]float32{{0, 1, 0}})

	records, err := store.GetVectorDataByTime(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, early[0], records[0].ID)
	assert.Equal(t, "team-1", records[0].TeamID)
	assert.Equal(t, "ds-1", records[0].DatasetID)
	assert.Equal(t, base, records[0].CreatedAt)

	records, err = store.GetVectorDataByTime(ctx, base.Add(-time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	got := []string{records[0].ID, records[1].ID}
	assert.ElementsMatch(t, []string{early[0], late[0]}, got)

	records, err = store.GetVectorDataByTime(ctx, base.Add(30*time.Minute), base.Add(45*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChromemTenantIsolation(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	insertTestVectors(t, store, "team-1", "ds-1", "col-a", [][]float32{{1, 0, 0}})
	other := insertTestVectors(t, store, "team-2", "ds-1", "col-a", [][]float32{{1, 0, 0}})

	items, err := store.EmbRecall(ctx, RecallParams{
		TeamID:     "team-1",
		DatasetIDs: []string{"ds-1"},
		Vector:     []float32{1, 0, 0},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.NotEqual(t, other[0], items[0].ID)
}

func TestChromemTenantIsolationSimilarTeamIDs(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	dashed := insertTestVectors(t, store, "t-1", "ds-1", "col-a", [][]float32{{1, 0, 0}})
	plain := insertTestVectors(t, store, "t1", "ds-1", "col-a", [][]float32{{0, 1, 0}})

	items, err := store.EmbRecall(ctx, RecallParams{
		TeamID:     "t1",
		DatasetIDs: []string{"ds-1"},
		Vector:     []float32{1, 0, 0},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, plain[0], items[0].ID)

	items, err = store.EmbRecall(ctx, RecallParams{
		TeamID:     "t-1",
		DatasetIDs: []string{"ds-1"},
		Vector:     []float32{0, 1, 0},
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, dashed[0], items[0].ID)
}

func TestChromemTenantIsolationUnderscoreTeamIDs(t *testing.T) {
	store := newTestChromemStore(t)
	ctx := context.Background()

	underscored := insertTestVectors(t, store, "a_b", "d1", "col-a", [][]float32{{1, 0, 0}})

	count, err := store.GetVectorCount(ctx, CountScope{TeamID: "a"})
	require.NoError(t, err)
	assert.Zero(t, count)

	// An id-scoped delete as team "a" must not reach team "a_b".
	require.NoError(t, store.Delete(ctx, DeleteSelector{TeamID: "a", IDs: underscored}))
	count, err = store.GetVectorCount(ctx, CountScope{TeamID: "a_b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
