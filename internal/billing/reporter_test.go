package billing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopReporter(t *testing.T) {
	assert.NoError(t, NopReporter{}.ReportUsage(context.Background(), Usage{TeamID: "team-1"}))
}

func TestUsageJSONShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	data, err := json.Marshal(Usage{
		TeamID:    "team-1",
		TmbID:     "tmb-1",
		BillingID: "bill-1",
		Tokens:    128,
		Model:     "text-embedding-3-small",
		Timestamp: ts,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "team-1", decoded["team_id"])
	assert.Equal(t, "tmb-1", decoded["tmb_id"])
	assert.Equal(t, "bill-1", decoded["billing_id"])
	assert.Equal(t, float64(128), decoded["tokens"])
	assert.Equal(t, "text-embedding-3-small", decoded["model"])
	assert.Equal(t, "2026-03-01T09:30:00Z", decoded["timestamp"])
}
