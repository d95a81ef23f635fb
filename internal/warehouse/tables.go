package warehouse

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/truth-forge/forge-cli/internal/model"
)

// Column lists shared by both implementations. Order is load-bearing: the
// values* and scan* functions below must match these exactly.

var rawCols = []string{
	"extraction_id", "session_id", "message_index", "message_type", "content",
	"timestamp", "model", "tool_name", "cost_usd", "source_file", "run_id", "created_at",
}

var cleanCols = append(append([]string{}, rawCols...),
	"content_cleaned", "timestamp_utc", "is_duplicate", "fingerprint",
)

var stagedCols = append(append([]string{}, cleanCols...), "metadata")

var conversationCols = []string{
	"entity_id", "level", "source_name", "source_pipeline", "session_id",
	"message_count", "user_message_count", "assistant_message_count", "tool_message_count",
	"total_word_count", "total_char_count", "total_cost_usd",
	"models_used", "tools_used", "first_message_at", "last_message_at",
	"duration_seconds", "content_date", "run_id", "created_at",
}

var segmentCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "session_id",
	"segment_index", "message_count", "first_message_at", "last_message_at",
	"content_date", "run_id", "created_at",
}

var messageCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "text",
	"role", "message_type", "message_index", "word_count", "char_count", "model",
	"cost_usd", "tool_name", "session_id", "content_date", "timestamp_utc",
	"fingerprint", "run_id", "created_at",
}

var sentenceCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "text",
	"sentence_index", "session_id", "content_date", "run_id", "created_at",
}

var spanCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "content",
	"entity_type", "start_char", "end_char", "session_id", "content_date", "run_id", "created_at",
}

var turnCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "session_id",
	"turn_index", "message_count", "first_message_id", "last_message_id",
	"content_date", "run_id", "created_at",
}

var wordCols = []string{
	"entity_id", "parent_id", "level", "source_name", "source_pipeline", "text",
	"word_index", "pos_tag", "session_id", "content_date", "run_id", "created_at",
}

var embeddingCols = []string{
	"entity_id", "embedding", "embedding_model", "embedding_dimension",
	"text_length", "text_truncated", "run_id", "created_at",
}

var extractionCols = []string{
	"entity_id", "intent", "task_type", "code_languages", "complexity",
	"has_code_block", "extraction_raw", "llm_model", "run_id", "created_at",
}

var sentimentCols = []string{
	"entity_id", "primary_emotion", "primary_score", "emotions_detected",
	"all_scores", "threshold_used", "run_id", "created_at",
}

var topicsCols = []string{
	"entity_id", "keywords", "keywords_with_scores", "top_keyword",
	"top_keyword_score", "keyword_count", "run_id", "created_at",
}

var relationshipCols = []string{
	"relationship_id", "source_entity_id", "target_entity_id", "relationship_type",
	"source_level", "target_level", "weight", "metadata", "run_id", "created_at",
}

var aggregateCols = append(append([]string{}, messageCols...),
	"intent", "task_type", "complexity", "has_code_block",
	"primary_emotion", "primary_score", "top_keyword", "top_keyword_score",
	"embedding_dimension",
)

var validatedCols = append(append([]string{}, aggregateCols...),
	"validation_status", "validation_score",
)

var unifiedCols = append(append([]string{}, validatedCols...), "promoted_at")

var registryCols = []string{"entity_id", "level", "source_pipeline", "run_id", "created_at"}

var stageRunCols = []string{
	"id", "pipeline_name", "stage_num", "stage_name", "run_id", "status",
	"items_processed", "error", "started_at", "finished_at",
}

// jsonText marshals v for storage in a TEXT column. Marshal failures cannot
// occur for the row types stored here, so they degrade to "null".
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSONText(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return eris.Wrap(json.Unmarshal([]byte(s), v), "warehouse: decode json column")
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOf(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

func stringOf(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// Value builders.

func valuesRaw(r model.RawRecord) []any {
	return []any{
		r.ExtractionID, r.SessionID, r.MessageIndex, r.MessageType, r.Content,
		r.Timestamp, r.Model, r.ToolName, r.CostUSD, r.SourceFile, r.RunID, r.CreatedAt,
	}
}

func valuesClean(r model.CleanRecord) []any {
	return append(valuesRaw(r.RawRecord),
		r.ContentCleaned, nullableTime(r.TimestampUTC), r.IsDuplicate, r.Fingerprint,
	)
}

func valuesStaged(r model.StagedRecord) []any {
	return append(valuesClean(r.CleanRecord), r.Metadata)
}

func valuesConversation(c model.ConversationEntity) []any {
	return []any{
		c.EntityID, int(c.Level), c.SourceName, c.SourcePipeline, c.SessionID,
		c.MessageCount, c.UserMessageCount, c.AssistantMessageCount, c.ToolMessageCount,
		c.TotalWordCount, c.TotalCharCount, c.TotalCostUSD,
		jsonText(c.ModelsUsed), jsonText(c.ToolsUsed),
		nullableTime(c.FirstMessageAt), nullableTime(c.LastMessageAt),
		c.DurationSeconds, c.ContentDate, c.RunID, c.CreatedAt,
	}
}

func valuesSegment(s model.SegmentEntity) []any {
	return []any{
		s.EntityID, s.ParentID, int(s.Level), s.SourceName, s.SourcePipeline, s.SessionID,
		s.SegmentIndex, s.MessageCount, nullableTime(s.FirstMessageAt), nullableTime(s.LastMessageAt),
		s.ContentDate, s.RunID, s.CreatedAt,
	}
}

func valuesMessage(m model.MessageEntity) []any {
	return []any{
		m.EntityID, m.ParentID, int(m.Level), m.SourceName, m.SourcePipeline, m.Text,
		m.Role, m.MessageType, m.MessageIndex, m.WordCount, m.CharCount, m.Model,
		m.CostUSD, m.ToolName, m.SessionID, m.ContentDate, nullableTime(m.TimestampUTC),
		m.Fingerprint, m.RunID, m.CreatedAt,
	}
}

func valuesSentence(s model.SentenceEntity) []any {
	return []any{
		s.EntityID, s.ParentID, int(s.Level), s.SourceName, s.SourcePipeline, s.Text,
		s.SentenceIndex, s.SessionID, s.ContentDate, s.RunID, s.CreatedAt,
	}
}

func valuesSpan(s model.SpanEntity) []any {
	return []any{
		s.EntityID, s.ParentID, int(s.Level), s.SourceName, s.SourcePipeline, s.Content,
		s.EntityType, s.StartChar, s.EndChar, s.SessionID, s.ContentDate, s.RunID, s.CreatedAt,
	}
}

func valuesTurn(tr model.TurnEntity) []any {
	return []any{
		tr.EntityID, tr.ParentID, int(tr.Level), tr.SourceName, tr.SourcePipeline, tr.SessionID,
		tr.TurnIndex, tr.MessageCount, tr.FirstMessageID, tr.LastMessageID,
		tr.ContentDate, tr.RunID, tr.CreatedAt,
	}
}

func valuesWord(w model.WordEntity) []any {
	return []any{
		w.EntityID, w.ParentID, int(w.Level), w.SourceName, w.SourcePipeline, w.Text,
		w.WordIndex, w.PosTag, w.SessionID, w.ContentDate, w.RunID, w.CreatedAt,
	}
}

func valuesEmbedding(e model.Embedding) []any {
	return []any{
		e.EntityID, jsonText(e.Embedding), e.EmbeddingModel, e.EmbeddingDimension,
		e.TextLength, e.TextTruncated, e.RunID, e.CreatedAt,
	}
}

func valuesExtraction(x model.Extraction) []any {
	return []any{
		x.EntityID, x.Intent, x.TaskType, jsonText(x.CodeLanguages), x.Complexity,
		x.HasCodeBlock, x.ExtractionRaw, x.LLMModel, x.RunID, x.CreatedAt,
	}
}

func valuesSentiment(s model.Sentiment) []any {
	return []any{
		s.EntityID, s.PrimaryEmotion, s.PrimaryScore, jsonText(s.EmotionsDetected),
		jsonText(s.AllScores), s.ThresholdUsed, s.RunID, s.CreatedAt,
	}
}

func valuesTopics(tp model.Topics) []any {
	return []any{
		tp.EntityID, jsonText(tp.Keywords), jsonText(tp.KeywordsWithScores), tp.TopKeyword,
		tp.TopKeywordScore, tp.KeywordCount, tp.RunID, tp.CreatedAt,
	}
}

func valuesRelationship(r model.Relationship) []any {
	return []any{
		r.RelationshipID, r.SourceEntityID, r.TargetEntityID, r.RelationshipType,
		int(r.SourceLevel), int(r.TargetLevel), r.Weight, jsonText(r.Metadata),
		r.RunID, r.CreatedAt,
	}
}

func valuesValidated(v model.ValidatedRow) []any {
	vals := valuesMessage(v.MessageEntity)
	vals = append(vals,
		v.Intent, v.TaskType, v.Complexity, v.HasCodeBlock,
		v.PrimaryEmotion, v.PrimaryScore, v.TopKeyword, v.TopKeywordScore,
		v.EmbeddingDimension,
	)
	return append(vals, v.ValidationStatus, v.ValidationScore)
}

func valuesUnified(u model.UnifiedRow) []any {
	return append(valuesValidated(u.ValidatedRow), u.PromotedAt)
}

func valuesRegistry(r RegistryEntry, createdAt time.Time) []any {
	return []any{r.EntityID, int(r.Level), r.SourcePipeline, r.RunID, createdAt}
}

func valuesStageRun(sr *model.StageRun) []any {
	return []any{
		sr.ID, sr.PipelineName, sr.StageNum, sr.StageName, sr.RunID, string(sr.Status),
		sr.ItemsProcessed, sr.Error, sr.StartedAt, nullableTime(sr.FinishedAt),
	}
}

// rowIter abstracts *sql.Rows and pgx.Rows for the shared collectors.
type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectRaw(rows rowIter) ([]model.RawRecord, error) {
	var out []model.RawRecord
	for rows.Next() {
		var r model.RawRecord
		var ts, mdl, tool sql.NullString
		if err := rows.Scan(
			&r.ExtractionID, &r.SessionID, &r.MessageIndex, &r.MessageType, &r.Content,
			&ts, &mdl, &tool, &r.CostUSD, &r.SourceFile, &r.RunID, &r.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan raw record")
		}
		r.Timestamp, r.Model, r.ToolName = stringOf(ts), stringOf(mdl), stringOf(tool)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate raw records")
}

func scanCleanInto(rows rowIter, r *model.CleanRecord) error {
	var ts, mdl, tool sql.NullString
	var tsUTC sql.NullTime
	if err := rows.Scan(
		&r.ExtractionID, &r.SessionID, &r.MessageIndex, &r.MessageType, &r.Content,
		&ts, &mdl, &tool, &r.CostUSD, &r.SourceFile, &r.RunID, &r.CreatedAt,
		&r.ContentCleaned, &tsUTC, &r.IsDuplicate, &r.Fingerprint,
	); err != nil {
		return eris.Wrap(err, "warehouse: scan clean record")
	}
	r.Timestamp, r.Model, r.ToolName = stringOf(ts), stringOf(mdl), stringOf(tool)
	r.TimestampUTC = timeOf(tsUTC)
	return nil
}

func collectClean(rows rowIter) ([]model.CleanRecord, error) {
	var out []model.CleanRecord
	for rows.Next() {
		var r model.CleanRecord
		if err := scanCleanInto(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate clean records")
}

func collectStaged(rows rowIter) ([]model.StagedRecord, error) {
	var out []model.StagedRecord
	for rows.Next() {
		var r model.StagedRecord
		var ts, mdl, tool sql.NullString
		var tsUTC sql.NullTime
		if err := rows.Scan(
			&r.ExtractionID, &r.SessionID, &r.MessageIndex, &r.MessageType, &r.Content,
			&ts, &mdl, &tool, &r.CostUSD, &r.SourceFile, &r.RunID, &r.CreatedAt,
			&r.ContentCleaned, &tsUTC, &r.IsDuplicate, &r.Fingerprint, &r.Metadata,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan staged record")
		}
		r.Timestamp, r.Model, r.ToolName = stringOf(ts), stringOf(mdl), stringOf(tool)
		r.TimestampUTC = timeOf(tsUTC)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate staged records")
}

func collectConversations(rows rowIter) ([]model.ConversationEntity, error) {
	var out []model.ConversationEntity
	for rows.Next() {
		var c model.ConversationEntity
		var level int
		var models, tools string
		var first, last sql.NullTime
		if err := rows.Scan(
			&c.EntityID, &level, &c.SourceName, &c.SourcePipeline, &c.SessionID,
			&c.MessageCount, &c.UserMessageCount, &c.AssistantMessageCount, &c.ToolMessageCount,
			&c.TotalWordCount, &c.TotalCharCount, &c.TotalCostUSD,
			&models, &tools, &first, &last,
			&c.DurationSeconds, &c.ContentDate, &c.RunID, &c.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan conversation")
		}
		c.Level = model.Level(level)
		c.FirstMessageAt, c.LastMessageAt = timeOf(first), timeOf(last)
		if err := fromJSONText(models, &c.ModelsUsed); err != nil {
			return nil, err
		}
		if err := fromJSONText(tools, &c.ToolsUsed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate conversations")
}

func collectSegments(rows rowIter) ([]model.SegmentEntity, error) {
	var out []model.SegmentEntity
	for rows.Next() {
		var s model.SegmentEntity
		var level int
		var first, last sql.NullTime
		if err := rows.Scan(
			&s.EntityID, &s.ParentID, &level, &s.SourceName, &s.SourcePipeline, &s.SessionID,
			&s.SegmentIndex, &s.MessageCount, &first, &last,
			&s.ContentDate, &s.RunID, &s.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan segment")
		}
		s.Level = model.Level(level)
		s.FirstMessageAt, s.LastMessageAt = timeOf(first), timeOf(last)
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate segments")
}

func scanMessageInto(rows rowIter, m *model.MessageEntity) error {
	var level int
	var mdl, tool sql.NullString
	var tsUTC sql.NullTime
	if err := rows.Scan(
		&m.EntityID, &m.ParentID, &level, &m.SourceName, &m.SourcePipeline, &m.Text,
		&m.Role, &m.MessageType, &m.MessageIndex, &m.WordCount, &m.CharCount, &mdl,
		&m.CostUSD, &tool, &m.SessionID, &m.ContentDate, &tsUTC,
		&m.Fingerprint, &m.RunID, &m.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "warehouse: scan message")
	}
	m.Level = model.Level(level)
	m.Model, m.ToolName = stringOf(mdl), stringOf(tool)
	m.TimestampUTC = timeOf(tsUTC)
	return nil
}

func collectMessages(rows rowIter) ([]model.MessageEntity, error) {
	var out []model.MessageEntity
	for rows.Next() {
		var m model.MessageEntity
		if err := scanMessageInto(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate messages")
}

func collectSentences(rows rowIter) ([]model.SentenceEntity, error) {
	var out []model.SentenceEntity
	for rows.Next() {
		var s model.SentenceEntity
		var level int
		if err := rows.Scan(
			&s.EntityID, &s.ParentID, &level, &s.SourceName, &s.SourcePipeline, &s.Text,
			&s.SentenceIndex, &s.SessionID, &s.ContentDate, &s.RunID, &s.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan sentence")
		}
		s.Level = model.Level(level)
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate sentences")
}

func collectEmbeddings(rows rowIter) ([]model.Embedding, error) {
	var out []model.Embedding
	for rows.Next() {
		var e model.Embedding
		var vec string
		if err := rows.Scan(
			&e.EntityID, &vec, &e.EmbeddingModel, &e.EmbeddingDimension,
			&e.TextLength, &e.TextTruncated, &e.RunID, &e.CreatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan embedding")
		}
		if err := fromJSONText(vec, &e.Embedding); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate embeddings")
}

func scanAggregateInto(rows rowIter, a *model.AggregateRow) error {
	var level int
	var mdl, tool sql.NullString
	var tsUTC sql.NullTime
	var intent, taskType, complexity, emotion, keyword sql.NullString
	var hasCode sql.NullBool
	var primaryScore, keywordScore sql.NullFloat64
	var embedDim sql.NullInt64
	if err := rows.Scan(
		&a.EntityID, &a.ParentID, &level, &a.SourceName, &a.SourcePipeline, &a.Text,
		&a.Role, &a.MessageType, &a.MessageIndex, &a.WordCount, &a.CharCount, &mdl,
		&a.CostUSD, &tool, &a.SessionID, &a.ContentDate, &tsUTC,
		&a.Fingerprint, &a.RunID, &a.CreatedAt,
		&intent, &taskType, &complexity, &hasCode,
		&emotion, &primaryScore, &keyword, &keywordScore, &embedDim,
	); err != nil {
		return eris.Wrap(err, "warehouse: scan aggregate row")
	}
	a.Level = model.Level(level)
	a.Model, a.ToolName = stringOf(mdl), stringOf(tool)
	a.TimestampUTC = timeOf(tsUTC)
	a.Intent, a.TaskType, a.Complexity = stringOf(intent), stringOf(taskType), stringOf(complexity)
	a.PrimaryEmotion, a.TopKeyword = stringOf(emotion), stringOf(keyword)
	if hasCode.Valid {
		a.HasCodeBlock = &hasCode.Bool
	}
	if primaryScore.Valid {
		a.PrimaryScore = &primaryScore.Float64
	}
	if keywordScore.Valid {
		a.TopKeywordScore = &keywordScore.Float64
	}
	if embedDim.Valid {
		dim := int(embedDim.Int64)
		a.EmbeddingDimension = &dim
	}
	return nil
}

func collectAggregates(rows rowIter) ([]model.AggregateRow, error) {
	var out []model.AggregateRow
	for rows.Next() {
		var a model.AggregateRow
		if err := scanAggregateInto(rows, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate aggregate rows")
}

func collectValidated(rows rowIter) ([]model.ValidatedRow, error) {
	var out []model.ValidatedRow
	for rows.Next() {
		var v model.ValidatedRow
		var level int
		var mdl, tool sql.NullString
		var tsUTC sql.NullTime
		var intent, taskType, complexity, emotion, keyword sql.NullString
		var hasCode sql.NullBool
		var primaryScore, keywordScore sql.NullFloat64
		var embedDim sql.NullInt64
		if err := rows.Scan(
			&v.EntityID, &v.ParentID, &level, &v.SourceName, &v.SourcePipeline, &v.Text,
			&v.Role, &v.MessageType, &v.MessageIndex, &v.WordCount, &v.CharCount, &mdl,
			&v.CostUSD, &tool, &v.SessionID, &v.ContentDate, &tsUTC,
			&v.Fingerprint, &v.RunID, &v.CreatedAt,
			&intent, &taskType, &complexity, &hasCode,
			&emotion, &primaryScore, &keyword, &keywordScore, &embedDim,
			&v.ValidationStatus, &v.ValidationScore,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan validated row")
		}
		v.Level = model.Level(level)
		v.Model, v.ToolName = stringOf(mdl), stringOf(tool)
		v.TimestampUTC = timeOf(tsUTC)
		v.Intent, v.TaskType, v.Complexity = stringOf(intent), stringOf(taskType), stringOf(complexity)
		v.PrimaryEmotion, v.TopKeyword = stringOf(emotion), stringOf(keyword)
		if hasCode.Valid {
			v.HasCodeBlock = &hasCode.Bool
		}
		if primaryScore.Valid {
			v.PrimaryScore = &primaryScore.Float64
		}
		if keywordScore.Valid {
			v.TopKeywordScore = &keywordScore.Float64
		}
		if embedDim.Valid {
			dim := int(embedDim.Int64)
			v.EmbeddingDimension = &dim
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate validated rows")
}

func collectStageRuns(rows rowIter) ([]model.StageRun, error) {
	var out []model.StageRun
	for rows.Next() {
		var sr model.StageRun
		var status string
		var errMsg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(
			&sr.ID, &sr.PipelineName, &sr.StageNum, &sr.StageName, &sr.RunID, &status,
			&sr.ItemsProcessed, &errMsg, &sr.StartedAt, &finished,
		); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan stage run")
		}
		sr.Status = model.StageRunStatus(status)
		sr.Error = stringOf(errMsg)
		sr.FinishedAt = timeOf(finished)
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "warehouse: iterate stage runs")
}

// Schema generation, shared across dialects.

type dialectTypes struct {
	ts      string // timestamp column type
	boolean string
	real    string
}

var sqliteTypes = dialectTypes{ts: "DATETIME", boolean: "INTEGER", real: "REAL"}
var postgresTypes = dialectTypes{ts: "TIMESTAMPTZ", boolean: "BOOLEAN", real: "DOUBLE PRECISION"}

// schemaStatements returns the DDL for every table of one pipeline plus the
// global tables. All statements are idempotent.
func schemaStatements(pipeline string, d dialectTypes) []string {
	t := func(suffix string) string { return TableName(pipeline, suffix) }

	recordBody := fmt.Sprintf(`
	extraction_id  TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	message_index  INTEGER NOT NULL,
	message_type   TEXT NOT NULL,
	content        TEXT NOT NULL,
	timestamp      TEXT,
	model          TEXT,
	tool_name      TEXT,
	cost_usd       %s NOT NULL DEFAULT 0,
	source_file    TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	created_at     %s NOT NULL`, d.real, d.ts)

	cleanExtra := fmt.Sprintf(`,
	content_cleaned TEXT NOT NULL,
	timestamp_utc   %s,
	is_duplicate    %s NOT NULL DEFAULT %s,
	fingerprint     TEXT NOT NULL`, d.ts, d.boolean, d.falseLiteral())

	messageBody := fmt.Sprintf(`
	entity_id       TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	level           INTEGER NOT NULL,
	source_name     TEXT NOT NULL,
	source_pipeline TEXT NOT NULL,
	text            TEXT NOT NULL,
	role            TEXT NOT NULL,
	message_type    TEXT NOT NULL,
	message_index   INTEGER NOT NULL,
	word_count      INTEGER NOT NULL,
	char_count      INTEGER NOT NULL,
	model           TEXT,
	cost_usd        %s NOT NULL DEFAULT 0,
	tool_name       TEXT,
	session_id      TEXT NOT NULL,
	content_date    TEXT NOT NULL,
	timestamp_utc   %s,
	fingerprint     TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL`, d.real, d.ts, d.ts)

	// entity_unified is shared across pipelines, so the same entity_id may
	// be promoted once per source_pipeline.
	unifiedBody := strings.Replace(messageBody,
		"entity_id       TEXT PRIMARY KEY",
		"entity_id       TEXT NOT NULL", 1)

	enrichExtra := fmt.Sprintf(`,
	intent              TEXT,
	task_type           TEXT,
	complexity          TEXT,
	has_code_block      %s,
	primary_emotion     TEXT,
	primary_score       %s,
	top_keyword         TEXT,
	top_keyword_score   %s,
	embedding_dimension INTEGER`, d.boolean, d.real, d.real)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n)", t(TableStage1), recordBody),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s\n)", t(TableStage2), recordBody, cleanExtra),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s\n)", t(TableStage3), recordBody, cleanExtra),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s,\n\tmetadata TEXT NOT NULL DEFAULT '{}'\n)", t(TableStage4), recordBody, cleanExtra),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id       TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	level           INTEGER NOT NULL,
	source_name     TEXT NOT NULL,
	source_pipeline TEXT NOT NULL,
	text            TEXT NOT NULL,
	sentence_index  INTEGER NOT NULL,
	session_id      TEXT NOT NULL,
	content_date    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL
)`, t(TableStage6), d.ts),

		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s\n)", t(TableStage7), messageBody),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id       TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	level           INTEGER NOT NULL,
	source_name     TEXT NOT NULL,
	source_pipeline TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	segment_index   INTEGER NOT NULL,
	message_count   INTEGER NOT NULL,
	first_message_at %s,
	last_message_at  %s,
	content_date    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL
)`, t(TableStage7b), d.ts, d.ts, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id               TEXT PRIMARY KEY,
	level                   INTEGER NOT NULL,
	source_name             TEXT NOT NULL,
	source_pipeline         TEXT NOT NULL,
	session_id              TEXT NOT NULL,
	message_count           INTEGER NOT NULL,
	user_message_count      INTEGER NOT NULL,
	assistant_message_count INTEGER NOT NULL,
	tool_message_count      INTEGER NOT NULL,
	total_word_count        INTEGER NOT NULL,
	total_char_count        INTEGER NOT NULL,
	total_cost_usd          %s NOT NULL DEFAULT 0,
	models_used             TEXT NOT NULL DEFAULT '[]',
	tools_used              TEXT NOT NULL DEFAULT '[]',
	first_message_at        %s,
	last_message_at         %s,
	duration_seconds        %s NOT NULL DEFAULT 0,
	content_date            TEXT NOT NULL,
	run_id                  TEXT NOT NULL,
	created_at              %s NOT NULL
)`, t(TableStage8), d.real, d.ts, d.ts, d.real, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id           TEXT PRIMARY KEY,
	embedding           TEXT NOT NULL,
	embedding_model     TEXT NOT NULL,
	embedding_dimension INTEGER NOT NULL,
	text_length         INTEGER NOT NULL,
	text_truncated      %s NOT NULL DEFAULT %s,
	run_id              TEXT NOT NULL,
	created_at          %s NOT NULL
)`, t(TableStage9), d.boolean, d.falseLiteral(), d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id      TEXT PRIMARY KEY,
	intent         TEXT NOT NULL,
	task_type      TEXT NOT NULL,
	code_languages TEXT NOT NULL DEFAULT '[]',
	complexity     TEXT NOT NULL,
	has_code_block %s NOT NULL DEFAULT %s,
	extraction_raw TEXT NOT NULL,
	llm_model      TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	created_at     %s NOT NULL
)`, t(TableStage10), d.boolean, d.falseLiteral(), d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id         TEXT PRIMARY KEY,
	primary_emotion   TEXT NOT NULL,
	primary_score     %s NOT NULL,
	emotions_detected TEXT NOT NULL DEFAULT '[]',
	all_scores        TEXT NOT NULL DEFAULT '{}',
	threshold_used    %s NOT NULL,
	run_id            TEXT NOT NULL,
	created_at        %s NOT NULL
)`, t(TableStage11), d.real, d.real, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id            TEXT PRIMARY KEY,
	keywords             TEXT NOT NULL DEFAULT '[]',
	keywords_with_scores TEXT NOT NULL DEFAULT '[]',
	top_keyword          TEXT NOT NULL,
	top_keyword_score    %s NOT NULL,
	keyword_count        INTEGER NOT NULL,
	run_id               TEXT NOT NULL,
	created_at           %s NOT NULL
)`, t(TableStage12), d.real, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	relationship_id   TEXT PRIMARY KEY,
	source_entity_id  TEXT NOT NULL,
	target_entity_id  TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	source_level      INTEGER NOT NULL,
	target_level      INTEGER NOT NULL,
	weight            %s NOT NULL DEFAULT 1,
	metadata          TEXT,
	run_id            TEXT NOT NULL,
	created_at        %s NOT NULL
)`, t(TableStage13), d.real, d.ts),

		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s%s\n)", t(TableStage14), messageBody, enrichExtra),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s%s,
	validation_status TEXT NOT NULL,
	validation_score  %s NOT NULL
)`, t(TableStage15), messageBody, enrichExtra, d.real),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id       TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	level           INTEGER NOT NULL,
	source_name     TEXT NOT NULL,
	source_pipeline TEXT NOT NULL,
	content         TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	start_char      INTEGER NOT NULL,
	end_char        INTEGER NOT NULL,
	session_id      TEXT NOT NULL,
	content_date    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL
)`, t(TableSpans), d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id        TEXT PRIMARY KEY,
	parent_id        TEXT NOT NULL,
	level            INTEGER NOT NULL,
	source_name      TEXT NOT NULL,
	source_pipeline  TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	turn_index       INTEGER NOT NULL,
	message_count    INTEGER NOT NULL,
	first_message_id TEXT NOT NULL,
	last_message_id  TEXT NOT NULL,
	content_date     TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	created_at       %s NOT NULL
)`, t(TableTurns), d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id       TEXT PRIMARY KEY,
	parent_id       TEXT NOT NULL,
	level           INTEGER NOT NULL,
	source_name     TEXT NOT NULL,
	source_pipeline TEXT NOT NULL,
	text            TEXT NOT NULL,
	word_index      INTEGER NOT NULL,
	pos_tag         TEXT,
	session_id      TEXT NOT NULL,
	content_date    TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL
)`, t(TableWords), d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s%s,
	validation_status TEXT NOT NULL,
	validation_score  %s NOT NULL,
	promoted_at       %s NOT NULL,
	PRIMARY KEY (source_pipeline, entity_id)
)`, TableUnified, unifiedBody, enrichExtra, d.real, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	entity_id       TEXT PRIMARY KEY,
	level           INTEGER NOT NULL,
	source_pipeline TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	created_at      %s NOT NULL
)`, TableRegistry, d.ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id              TEXT PRIMARY KEY,
	pipeline_name   TEXT NOT NULL,
	stage_num       INTEGER NOT NULL,
	stage_name      TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	status          TEXT NOT NULL,
	items_processed INTEGER NOT NULL DEFAULT 0,
	error           TEXT,
	started_at      %s NOT NULL,
	finished_at     %s
)`, TableStageRuns, d.ts, d.ts),
	}

	for _, suffix := range PipelineTables {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_run_id ON %s(run_id)", t(suffix), t(suffix),
		))
	}
	stmts = append(stmts,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id)", t(TableStage7), t(TableStage7)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s(parent_id)", t(TableStage6), t(TableStage6)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_run_id ON %s(run_id)", TableStageRuns, TableStageRuns),
	)
	return stmts
}

func (d dialectTypes) falseLiteral() string {
	if d.boolean == "BOOLEAN" {
		return "FALSE"
	}
	return "0"
}

// aggregateSQL builds the stage 14 INSERT ... SELECT. It takes three
// placeholder arguments, all the run id, in this order: sentiment subquery,
// message filter. Placeholders use ?; the postgres implementation rebinds.
func aggregateSQL(pipeline string) string {
	t := func(suffix string) string { return TableName(pipeline, suffix) }
	cols := ""
	for i, c := range aggregateCols {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	return fmt.Sprintf(`INSERT INTO %s (%s)
SELECT m.entity_id, m.parent_id, m.level, m.source_name, m.source_pipeline, m.text,
       m.role, m.message_type, m.message_index, m.word_count, m.char_count, m.model,
       m.cost_usd, m.tool_name, m.session_id, m.content_date, m.timestamp_utc,
       m.fingerprint, m.run_id, m.created_at,
       x.intent, x.task_type, x.complexity, x.has_code_block,
       snt.primary_emotion, snt.primary_score,
       tp.top_keyword, tp.top_keyword_score,
       e.embedding_dimension
FROM %s m
LEFT JOIN %s x ON x.entity_id = m.entity_id
LEFT JOIN (
    SELECT s.parent_id AS message_id, v.primary_emotion, v.primary_score,
           ROW_NUMBER() OVER (PARTITION BY s.parent_id ORDER BY v.primary_score DESC) AS rn
    FROM %s v
    JOIN %s s ON s.entity_id = v.entity_id
    WHERE v.run_id = ?
) snt ON snt.message_id = m.entity_id AND snt.rn = 1
LEFT JOIN %s tp ON tp.entity_id = m.entity_id
LEFT JOIN %s e ON e.entity_id = m.entity_id
WHERE m.run_id = ?`,
		t(TableStage14), cols,
		t(TableStage7), t(TableStage10), t(TableStage11), t(TableStage6),
		t(TableStage12), t(TableStage9),
	)
}
