package training

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectord/internal/countcache"
)

func TestJobValidate(t *testing.T) {
	valid := Job{
		TeamID:       "team-1",
		DatasetID:    "ds-1",
		CollectionID: "col-1",
		Mode:         ModeInsert,
		Inputs:       []string{"chunk"},
		Model:        "text-embedding-3-small",
	}
	require.NoError(t, valid.Validate())

	t.Run("missing tenant ids", func(t *testing.T) {
		j := valid
		j.TeamID = ""
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)

		j = valid
		j.DatasetID = ""
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)

		j = valid
		j.CollectionID = ""
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)
	})

	t.Run("no inputs", func(t *testing.T) {
		j := valid
		j.Inputs = nil
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)
	})

	t.Run("unknown mode", func(t *testing.T) {
		j := valid
		j.Mode = "upsert"
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)
	})

	t.Run("rebuild requires old vector ids", func(t *testing.T) {
		j := valid
		j.Mode = ModeRebuild
		assert.ErrorIs(t, j.Validate(), ErrInvalidJob)

		j.OldVectorIDs = []string{"7"}
		assert.NoError(t, j.Validate())
	})
}

func TestJobEmbedModel(t *testing.T) {
	j := Job{Model: "text-embedding-3-small", DatasetVectorModel: "text-embedding-3-large"}
	assert.Equal(t, "text-embedding-3-small", j.EmbedModel())

	j.Model = ""
	assert.Equal(t, "text-embedding-3-large", j.EmbedModel())
}

func TestJobEmbedInputs(t *testing.T) {
	j := Job{Inputs: []string{"first chunk", "second chunk"}}
	assert.Equal(t, j.Inputs, j.EmbedInputs())

	j.CollectionName = "Onboarding FAQ"
	assert.Equal(t, j.Inputs, j.EmbedInputs())

	j.IndexPrefixTitle = true
	assert.Equal(t, []string{
		"Onboarding FAQ\nfirst chunk",
		"Onboarding FAQ\nsecond chunk",
	}, j.EmbedInputs())

	j.CollectionName = ""
	assert.Equal(t, j.Inputs, j.EmbedInputs())
}

func TestQuotaGateCachedDenial(t *testing.T) {
	ctx := context.Background()
	cache := countcache.NewMemory()

	// A cached denial marker short-circuits before the budget read, so
	// no database is needed for this path.
	gate := NewQuotaGate(nil, cache, time.Minute, nil)
	require.NoError(t, cache.Set(ctx, quotaDenialKeyPrefix+"team-1", "1", time.Minute))

	allowed, err := gate.Allow(ctx, "team-1")
	require.NoError(t, err)
	assert.False(t, allowed)
}
