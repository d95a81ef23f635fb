// Package identity generates the deterministic entity identifiers that make
// retries idempotent. Every ID is the first 32 hex characters of a sha256
// digest over level-tagged key material; the same input always yields the
// same ID. IDs are opaque to callers and must never be parsed.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// RunIDPattern constrains externally supplied run identifiers.
var RunIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidRunID reports whether id is usable as a run identifier.
func ValidRunID(id string) bool {
	return id != "" && RunIDPattern.MatchString(id)
}

func digest(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:32]
}

// ConversationID derives the L8 entity ID for a session.
func ConversationID(sourceName, sessionID string) string {
	return digest("L8:" + sourceName + ":" + sessionID)
}

// SegmentID derives the L7 entity ID for a compaction segment.
func SegmentID(sourceName, sessionID string, segmentIndex int) string {
	return digest(fmt.Sprintf("L7:%s:%s:%d", sourceName, sessionID, segmentIndex))
}

// TurnID derives the L6 entity ID for a user/assistant exchange.
func TurnID(sourceName, sessionID string, turnIndex int) string {
	return digest(fmt.Sprintf("L6:%s:%s:%d", sourceName, sessionID, turnIndex))
}

// MessageID derives the L5 entity ID for a message.
func MessageID(sourceName, sessionID string, messageIndex int) string {
	return digest(fmt.Sprintf("L5:%s:%s:%d", sourceName, sessionID, messageIndex))
}

// SentenceID derives the L4 entity ID for a sentence within a message.
func SentenceID(parentID string, sentenceIndex int) string {
	return digest(fmt.Sprintf("L4:%s:%d", parentID, sentenceIndex))
}

// SpanID derives the L3 entity ID for a named-entity span. The char offsets
// are part of the key so overlapping mentions stay distinct.
func SpanID(parentID string, startChar, endChar int) string {
	return digest(fmt.Sprintf("L3:%s:%d:%d", parentID, startChar, endChar))
}

// WordID derives the L2 entity ID for a token within a message.
func WordID(parentID string, wordIndex int) string {
	return digest(fmt.Sprintf("L2:%s:%d", parentID, wordIndex))
}

// RelationshipID derives the deterministic edge ID for stage 13.
func RelationshipID(sourceID, targetID, relType string) string {
	return digest("REL:" + sourceID + ":" + targetID + ":" + relType)
}
