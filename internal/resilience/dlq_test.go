package resilience

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQ_RouteAndEntries(t *testing.T) {
	q := NewDLQ(t.TempDir())

	record := map[string]any{"message_id": "abc123", "role": "user"}
	err := q.Route("gemini", record, NewTransientError(errors.New("rate limit"), 429))
	require.NoError(t, err)
	err = q.Route("gemini", map[string]any{"message_id": "def456"}, errors.New("invalid payload"))
	require.NoError(t, err)

	entries, err := q.Entries("gemini")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "rate limit", entries[0].Data.Error)
	assert.Equal(t, "transient", entries[0].Data.ErrorType)
	assert.False(t, entries[0].Timestamp.IsZero())
	original, ok := entries[0].Data.OriginalRecord.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc123", original["message_id"])

	assert.Equal(t, "permanent", entries[1].Data.ErrorType)
}

func TestDLQ_Path(t *testing.T) {
	q := NewDLQ("/tmp/staging")
	assert.Equal(t, filepath.Join("/tmp/staging", "anthropic_dlq.jsonl"), q.Path("anthropic"))
}

func TestDLQ_EntriesMissingFile(t *testing.T) {
	q := NewDLQ(t.TempDir())

	entries, err := q.Entries("sentiment")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDLQ_ServicesAreIsolated(t *testing.T) {
	q := NewDLQ(t.TempDir())

	require.NoError(t, q.Route("gemini", "rec-1", errors.New("boom")))
	require.NoError(t, q.Route("sentiment", "rec-2", errors.New("boom")))

	gemini, err := q.Entries("gemini")
	require.NoError(t, err)
	sentiment, err := q.Entries("sentiment")
	require.NoError(t, err)

	require.Len(t, gemini, 1)
	require.Len(t, sentiment, 1)
	assert.Equal(t, "rec-1", gemini[0].Data.OriginalRecord)
	assert.Equal(t, "rec-2", sentiment[0].Data.OriginalRecord)
}

func TestDLQ_RouteCreatesStagingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	q := NewDLQ(dir)

	require.NoError(t, q.Route("gemini", "rec", errors.New("boom")))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
