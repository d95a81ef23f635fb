package model

import "time"

// Embedding is a stage_9 enrichment row keyed by entity_id.
type Embedding struct {
	EntityID           string    `json:"entity_id"`
	Embedding          []float64 `json:"embedding"`
	EmbeddingModel     string    `json:"embedding_model"`
	EmbeddingDimension int       `json:"embedding_dimension"`
	TextLength         int       `json:"text_length"`
	TextTruncated      bool      `json:"text_truncated"`
	RunID              string    `json:"run_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// Intent values stage 10 may emit.
var AllowedIntents = map[string]bool{
	"question": true, "instruction": true, "clarification": true,
	"feedback": true, "greeting": true, "other": true,
}

// Complexity values stage 10 may emit.
var AllowedComplexities = map[string]bool{
	"simple": true, "moderate": true, "complex": true,
}

// Extraction is a stage_10 LLM-extraction row.
type Extraction struct {
	EntityID      string    `json:"entity_id"`
	Intent        string    `json:"intent"`
	TaskType      string    `json:"task_type"`
	CodeLanguages []string  `json:"code_languages"`
	Complexity    string    `json:"complexity"`
	HasCodeBlock  bool      `json:"has_code_block"`
	ExtractionRaw string    `json:"extraction_raw"`
	LLMModel      string    `json:"llm_model"`
	RunID         string    `json:"run_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sentiment is a stage_11 emotion-classification row over a sentence.
type Sentiment struct {
	EntityID         string             `json:"entity_id"`
	PrimaryEmotion   string             `json:"primary_emotion"`
	PrimaryScore     float64            `json:"primary_score"`
	EmotionsDetected []string           `json:"emotions_detected"`
	AllScores        map[string]float64 `json:"all_scores"`
	ThresholdUsed    float64            `json:"threshold_used"`
	RunID            string             `json:"run_id"`
	CreatedAt        time.Time          `json:"created_at"`
}

// KeywordScore is one ranked keyword from stage 12.
type KeywordScore struct {
	Keyword string  `json:"keyword"`
	Score   float64 `json:"score"`
}

// Topics is a stage_12 keyword-extraction row.
type Topics struct {
	EntityID           string         `json:"entity_id"`
	Keywords           []string       `json:"keywords"`
	KeywordsWithScores []KeywordScore `json:"keywords_with_scores"`
	TopKeyword         string         `json:"top_keyword"`
	TopKeywordScore    float64        `json:"top_keyword_score"`
	KeywordCount       int            `json:"keyword_count"`
	RunID              string         `json:"run_id"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Relationship types stage 13 emits.
const (
	RelContains     = "contains"
	RelBelongsTo    = "belongs_to"
	RelFollows      = "follows"
	RelRespondsTo   = "responds_to"
	RelSimilarTopic = "similar_topic"
)

// Relationship is a stage_13 edge between two entities.
type Relationship struct {
	RelationshipID   string         `json:"relationship_id"`
	SourceEntityID   string         `json:"source_entity_id"`
	TargetEntityID   string         `json:"target_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	SourceLevel      Level          `json:"source_level"`
	TargetLevel      Level          `json:"target_level"`
	Weight           float64        `json:"weight"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RunID            string         `json:"run_id"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AggregateRow is the stage_14 wide row: one message left-joined against
// its enrichments. Pointer fields are null when the enrichment is absent.
type AggregateRow struct {
	MessageEntity
	Intent             string   `json:"intent,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`
	HasCodeBlock       *bool    `json:"has_code_block,omitempty"`
	PrimaryEmotion     string   `json:"primary_emotion,omitempty"`
	PrimaryScore       *float64 `json:"primary_score,omitempty"`
	TopKeyword         string   `json:"top_keyword,omitempty"`
	TopKeywordScore    *float64 `json:"top_keyword_score,omitempty"`
	EmbeddingDimension *int     `json:"embedding_dimension,omitempty"`
}

// Validation statuses stage 15 assigns.
const (
	ValidationPassed  = "PASSED"
	ValidationWarning = "WARNING"
	ValidationFailed  = "FAILED"
)

// ValidatedRow is a stage_15 row: an AggregateRow plus its verdict.
type ValidatedRow struct {
	AggregateRow
	ValidationStatus string  `json:"validation_status"`
	ValidationScore  float64 `json:"validation_score"`
}

// UnifiedRow is an entity_unified row written by stage 16 promotion.
type UnifiedRow struct {
	ValidatedRow
	PromotedAt time.Time `json:"promoted_at"`
}
