package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRecalculationEvent(t *testing.T) {
	from := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)

	e, err := NewRecalculationEvent("user-1", from)
	require.NoError(t, err)
	require.NotEmpty(t, e.ID())
	require.Equal(t, TypeLoadRecalculationRequested, e.Type())
	require.Equal(t, Source, e.Source())
	require.Equal(t, "user-1", e.Subject())
	require.Equal(t, "application/json", e.DataContentType())

	var payload LoadRecalculationRequested
	require.NoError(t, e.DataAs(&payload))
	require.Equal(t, "user-1", payload.UserID)
	require.True(t, from.Equal(payload.From))

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"specversion":"1.0"`)
	require.Contains(t, string(raw), `"user_id":"user-1"`)
}

func TestDedupRequestedDecoding(t *testing.T) {
	var req DedupRequested
	require.NoError(t, json.Unmarshal([]byte(`{"user_ref":"rider@example.com","since":"2024-01-01T00:00:00Z"}`), &req))
	require.Equal(t, "rider@example.com", req.UserRef)
	require.NotNil(t, req.Since)
	require.Equal(t, 2024, req.Since.Year())
}
