package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgVectorConfigValidate(t *testing.T) {
	valid := PgVectorConfig{DSN: "postgres://localhost/vectord", VectorSize: 1536}
	require.NoError(t, valid.Validate())

	assert.ErrorIs(t, PgVectorConfig{VectorSize: 1536}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, PgVectorConfig{DSN: "postgres://localhost/vectord"}.Validate(), ErrInvalidConfig)
}

func TestPgVectorConfigApplyDefaults(t *testing.T) {
	cfg := PgVectorConfig{DSN: "postgres://localhost/vectord", VectorSize: 1536}
	cfg.ApplyDefaults()
	assert.Equal(t, 100, cfg.EfSearch)

	cfg.EfSearch = 40
	cfg.ApplyDefaults()
	assert.Equal(t, 40, cfg.EfSearch)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,2,3]", vectorLiteral([]float32{1, 2, 3}))
	assert.Equal(t, "[0.5]", vectorLiteral([]float32{0.5}))
	assert.Equal(t, "[]", vectorLiteral(nil))
	assert.Equal(t, "[-1.25,0]", vectorLiteral([]float32{-1.25, 0}))
}

func TestParseVectorIDs(t *testing.T) {
	t.Run("valid ids", func(t *testing.T) {
		assert.Equal(t, []int64{1, 42, 9000}, parseVectorIDs([]string{"1", "42", "9000"}))
	})

	t.Run("foreign ids dropped", func(t *testing.T) {
		// UUIDs from another backend cannot exist in this store, so
		// deleting them is a no-op rather than an error.
		got := parseVectorIDs([]string{"7", "550e8400-e29b-41d4-a716-446655440000", "abc"})
		assert.Equal(t, []int64{7}, got)
	})

	t.Run("all foreign", func(t *testing.T) {
		assert.Empty(t, parseVectorIDs([]string{"x", "y"}))
	})
}
