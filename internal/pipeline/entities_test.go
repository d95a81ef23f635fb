package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/identity"
	"github.com/truth-forge/forge-cli/internal/model"
)

func TestBuildConversation(t *testing.T) {
	t0 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	views := []msgView{
		{Role: "user", WordCount: 5, CharCount: 25, Timestamp: t0},
		{Role: "assistant", Model: "claude-sonnet-4-5-20250929", WordCount: 40, CharCount: 200, CostUSD: 0.02, Timestamp: t0.Add(30 * time.Second)},
		{Role: "tool_use", ToolName: "Bash", WordCount: 3, CharCount: 12},
		{Role: "tool_result", WordCount: 10, CharCount: 60, Timestamp: t0.Add(45 * time.Second)},
		{Role: "assistant", Model: "claude-haiku-4-5-20251001", WordCount: 12, CharCount: 70, CostUSD: 0.001, Timestamp: t0.Add(60 * time.Second)},
	}

	conv := buildConversation("claude_code", "claude_transcripts", "sess-1", views, testRunID, time.Now().UTC())

	assert.Equal(t, identity.ConversationID("claude_code", "sess-1"), conv.EntityID)
	assert.Equal(t, model.LevelConversation, conv.Level)
	assert.Equal(t, 5, conv.MessageCount)
	assert.Equal(t, 1, conv.UserMessageCount)
	assert.Equal(t, 2, conv.AssistantMessageCount)
	assert.Equal(t, 2, conv.ToolMessageCount)
	assert.Equal(t, 70, conv.TotalWordCount)
	assert.Equal(t, 367, conv.TotalCharCount)
	assert.InDelta(t, 0.021, conv.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"}, conv.ModelsUsed)
	assert.Equal(t, []string{"Bash"}, conv.ToolsUsed)

	// Zero timestamps are ignored for the time window.
	assert.Equal(t, t0, conv.FirstMessageAt)
	assert.Equal(t, t0.Add(60*time.Second), conv.LastMessageAt)
	assert.InDelta(t, 60.0, conv.DurationSeconds, 1e-9)
	assert.Equal(t, "2026-01-15", conv.ContentDate)
}

func TestBuildConversation_NoTimestamps(t *testing.T) {
	views := []msgView{{Role: "user", WordCount: 1}}

	conv := buildConversation("claude_code", "claude_transcripts", "sess-2", views, testRunID, time.Now().UTC())

	assert.True(t, conv.FirstMessageAt.IsZero())
	assert.Zero(t, conv.DurationSeconds)
	assert.Empty(t, conv.ContentDate)
}

func stagedMsg(session string, idx int, content string, ts time.Time) model.StagedRecord {
	rec := model.StagedRecord{}
	rec.SessionID = session
	rec.MessageIndex = idx
	rec.MessageType = "user"
	rec.ContentCleaned = content
	rec.TimestampUTC = ts
	return rec
}

func TestSplitSegments(t *testing.T) {
	t0 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	recs := []model.StagedRecord{
		stagedMsg("sess-1", 0, "first question", t0),
		stagedMsg("sess-1", 1, "a follow up", t0.Add(time.Minute)),
		stagedMsg("sess-1", 2, compactionMarker+" from a previous conversation.", t0.Add(2*time.Minute)),
		stagedMsg("sess-1", 3, "post compaction question", t0.Add(3*time.Minute)),
	}

	segs := splitSegments("claude_code", "claude_transcripts", "sess-1", recs, testRunID, time.Now().UTC())

	require.Len(t, segs, 2)
	assert.Equal(t, identity.SegmentID("claude_code", "sess-1", 0), segs[0].EntityID)
	assert.Equal(t, identity.ConversationID("claude_code", "sess-1"), segs[0].ParentID)
	assert.Equal(t, 0, segs[0].SegmentIndex)
	assert.Equal(t, 2, segs[0].MessageCount)
	assert.Equal(t, 1, segs[1].SegmentIndex)
	assert.Equal(t, 2, segs[1].MessageCount)
	assert.Equal(t, t0.Add(2*time.Minute), segs[1].FirstMessageAt)
}

func TestSplitSegments_NoMarker(t *testing.T) {
	recs := []model.StagedRecord{
		stagedMsg("sess-1", 0, "only message", time.Time{}),
	}

	segs := splitSegments("claude_code", "claude_transcripts", "sess-1", recs, testRunID, time.Now().UTC())

	require.Len(t, segs, 1)
	assert.Equal(t, 1, segs[0].MessageCount)
	assert.Empty(t, segs[0].ContentDate)
}

func TestSplitSegments_MarkerFirstMessage(t *testing.T) {
	// A session that opens with the continuation message is one segment;
	// the marker only splits when preceded by other messages.
	recs := []model.StagedRecord{
		stagedMsg("sess-1", 0, compactionMarker+" from a previous conversation.", time.Time{}),
		stagedMsg("sess-1", 1, "next", time.Time{}),
	}

	segs := splitSegments("claude_code", "claude_transcripts", "sess-1", recs, testRunID, time.Now().UTC())

	require.Len(t, segs, 1)
	assert.Equal(t, 2, segs[0].MessageCount)
}

func TestDateOf(t *testing.T) {
	assert.Empty(t, dateOf(time.Time{}))
	assert.Equal(t, "2026-03-02",
		dateOf(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)))

	// Non-UTC inputs are converted before formatting.
	loc := time.FixedZone("plus10", 10*3600)
	assert.Equal(t, "2026-03-01",
		dateOf(time.Date(2026, 3, 2, 5, 0, 0, 0, loc)))
}
