package model

import "time"

// Level identifies a tier of the entity hierarchy. L1 is reserved for
// source artifacts and never emitted by this pipeline.
type Level int

const (
	LevelWord         Level = 2
	LevelSpan         Level = 3
	LevelSentence     Level = 4
	LevelMessage      Level = 5
	LevelTurn         Level = 6
	LevelSegment      Level = 7
	LevelConversation Level = 8
)

// ValidLevels is the set of levels the pipeline may emit.
var ValidLevels = map[Level]bool{
	LevelWord:         true,
	LevelSpan:         true,
	LevelSentence:     true,
	LevelMessage:      true,
	LevelTurn:         true,
	LevelSegment:      true,
	LevelConversation: true,
}

// Roles recognized by the gate (stage 3).
var AllowedRoles = map[string]bool{
	"user":        true,
	"assistant":   true,
	"tool_result": true,
	"tool_use":    true,
	"system":      true,
}

// MessageEntity is an L5 message row (stage_7).
type MessageEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	Text           string    `json:"text"`
	Role           string    `json:"role"`
	MessageType    string    `json:"message_type"`
	MessageIndex   int       `json:"message_index"`
	WordCount      int       `json:"word_count"`
	CharCount      int       `json:"char_count"`
	Model          string    `json:"model,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	ToolName       string    `json:"tool_name,omitempty"`
	SessionID      string    `json:"session_id"`
	ContentDate    string    `json:"content_date"`
	TimestampUTC   time.Time `json:"timestamp_utc"`
	Fingerprint    string    `json:"fingerprint"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// SentenceEntity is an L4 sentence row (stage_6).
type SentenceEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	Text           string    `json:"text"`
	SentenceIndex  int       `json:"sentence_index"`
	SessionID      string    `json:"session_id"`
	ContentDate    string    `json:"content_date"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationEntity is an L8 conversation row (stage_8).
type ConversationEntity struct {
	EntityID              string    `json:"entity_id"`
	Level                 Level     `json:"level"`
	SourceName            string    `json:"source_name"`
	SourcePipeline        string    `json:"source_pipeline"`
	SessionID             string    `json:"session_id"`
	MessageCount          int       `json:"message_count"`
	UserMessageCount      int       `json:"user_message_count"`
	AssistantMessageCount int       `json:"assistant_message_count"`
	ToolMessageCount      int       `json:"tool_message_count"`
	TotalWordCount        int       `json:"total_word_count"`
	TotalCharCount        int       `json:"total_char_count"`
	TotalCostUSD          float64   `json:"total_cost_usd"`
	ModelsUsed            []string  `json:"models_used"`
	ToolsUsed             []string  `json:"tools_used"`
	FirstMessageAt        time.Time `json:"first_message_at"`
	LastMessageAt         time.Time `json:"last_message_at"`
	DurationSeconds       float64   `json:"duration_seconds"`
	ContentDate           string    `json:"content_date"`
	RunID                 string    `json:"run_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// SegmentEntity is an L7 compaction segment row (stage_7b). Segments split
// a conversation at compaction boundaries; parent is the session's L8 entity.
type SegmentEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	SessionID      string    `json:"session_id"`
	SegmentIndex   int       `json:"segment_index"`
	MessageCount   int       `json:"message_count"`
	FirstMessageAt time.Time `json:"first_message_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
	ContentDate    string    `json:"content_date"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnEntity is an L6 turn row: one user message and the assistant
// response(s) that follow it within a session.
type TurnEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	SessionID      string    `json:"session_id"`
	TurnIndex      int       `json:"turn_index"`
	MessageCount   int       `json:"message_count"`
	FirstMessageID string    `json:"first_message_id"`
	LastMessageID  string    `json:"last_message_id"`
	ContentDate    string    `json:"content_date"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// SpanEntity is an L3 named-entity span row over a sentence.
type SpanEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	Content        string    `json:"content"`
	EntityType     string    `json:"entity_type"`
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"`
	SessionID      string    `json:"session_id"`
	ContentDate    string    `json:"content_date"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// SpanEntityTypes is the closed set of NER labels a span may carry.
var SpanEntityTypes = map[string]bool{
	"PERSON": true, "ORG": true, "GPE": true, "LOC": true,
	"DATE": true, "TIME": true, "MONEY": true, "PERCENT": true,
	"PRODUCT": true, "EVENT": true, "WORK_OF_ART": true, "LAW": true,
	"LANGUAGE": true, "FAC": true, "NORP": true, "QUANTITY": true,
	"ORDINAL": true, "CARDINAL": true,
}

// WordEntity is an L2 word/token row.
type WordEntity struct {
	EntityID       string    `json:"entity_id"`
	ParentID       string    `json:"parent_id"`
	Level          Level     `json:"level"`
	SourceName     string    `json:"source_name"`
	SourcePipeline string    `json:"source_pipeline"`
	Text           string    `json:"text"`
	WordIndex      int       `json:"word_index"`
	PosTag         string    `json:"pos_tag,omitempty"`
	SessionID      string    `json:"session_id"`
	ContentDate    string    `json:"content_date"`
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
}
