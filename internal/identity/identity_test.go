package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDsAreDeterministic(t *testing.T) {
	ids := func() []string {
		return []string{
			ConversationID("claude_code", "sess-1"),
			SegmentID("claude_code", "sess-1", 0),
			TurnID("claude_code", "sess-1", 2),
			MessageID("claude_code", "sess-1", 5),
			SentenceID("parent", 1),
			SpanID("parent", 4, 9),
			WordID("parent", 7),
			RelationshipID("a", "b", "responds_to"),
		}
	}
	assert.Equal(t, ids(), ids())
}

func TestConversationID_KeyMaterial(t *testing.T) {
	sum := sha256.Sum256([]byte("L8:claude_code:S"))
	want := hex.EncodeToString(sum[:])[:32]
	assert.Equal(t, want, ConversationID("claude_code", "S"))
}

func TestIDsAre32HexChars(t *testing.T) {
	for _, id := range []string{
		ConversationID("src", "s"),
		SegmentID("src", "s", 0),
		MessageID("src", "s", 0),
		SentenceID("p", 0),
		SpanID("p", 0, 1),
		WordID("p", 0),
		RelationshipID("x", "y", "contains"),
	} {
		assert.Len(t, id, 32)
		_, err := hex.DecodeString(id)
		assert.NoError(t, err)
	}
}

func TestLevelsDoNotCollide(t *testing.T) {
	// Same raw material under different level tags must yield distinct IDs.
	seen := map[string]bool{}
	for _, id := range []string{
		ConversationID("src", "s"),
		SegmentID("src", "s", 0),
		TurnID("src", "s", 0),
		MessageID("src", "s", 0),
	} {
		assert.False(t, seen[id], "collision on %s", id)
		seen[id] = true
	}
}

func TestSpanID_OffsetsDistinguishOverlaps(t *testing.T) {
	assert.NotEqual(t, SpanID("p", 0, 5), SpanID("p", 0, 6))
	assert.NotEqual(t, SpanID("p", 0, 5), SpanID("p", 1, 5))
}

func TestValidRunID(t *testing.T) {
	assert.True(t, ValidRunID("run_2026-01-15"))
	assert.True(t, ValidRunID("abc123"))
	assert.False(t, ValidRunID(""))
	assert.False(t, ValidRunID("has space"))
	assert.False(t, ValidRunID("semi;colon"))
	assert.False(t, ValidRunID(`quo"te`))
}
