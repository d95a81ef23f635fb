// Package warehouse is the persistence layer for pipeline stage tables,
// the unified entity store, the entity registry, and stage run tracking.
package warehouse

import (
	"context"

	"github.com/truth-forge/forge-cli/internal/model"
)

// Stage table suffixes. Every pipeline-scoped table is named
// <pipeline>_<suffix>; entity_unified, entity_registry and stage_runs are
// global.
const (
	TableStage1  = "stage_1"
	TableStage2  = "stage_2"
	TableStage3  = "stage_3"
	TableStage4  = "stage_4"
	TableStage6  = "stage_6"
	TableStage7  = "stage_7"
	TableStage7b = "stage_7b"
	TableStage8  = "stage_8"
	TableStage9  = "stage_9"
	TableStage10 = "stage_10"
	TableStage11 = "stage_11"
	TableStage12 = "stage_12"
	TableStage13 = "stage_13"
	TableStage14 = "stage_14"
	TableStage15 = "stage_15"
	TableSpans   = "spans"
	TableTurns   = "turns"
	TableWords   = "words"

	TableUnified   = "entity_unified"
	TableRegistry  = "entity_registry"
	TableStageRuns = "stage_runs"
)

// PipelineTables lists every pipeline-scoped table suffix, in schema order.
var PipelineTables = []string{
	TableStage1, TableStage2, TableStage3, TableStage4,
	TableStage6, TableStage7, TableStage7b, TableStage8,
	TableStage9, TableStage10, TableStage11, TableStage12,
	TableStage13, TableStage14, TableStage15,
	TableSpans, TableTurns, TableWords,
}

// TableName returns the physical name of a pipeline-scoped table.
func TableName(pipeline, suffix string) string {
	return pipeline + "_" + suffix
}

// RegistryEntry mirrors an issued entity ID into the warehouse so later
// runs and other pipelines can resolve parents without re-deriving them.
type RegistryEntry struct {
	EntityID       string      `json:"entity_id"`
	Level          model.Level `json:"level"`
	SourcePipeline string      `json:"source_pipeline"`
	RunID          string      `json:"run_id"`
}

// Store is the persistence interface used by stages, verifiers, rollback
// and the query API. All table arguments are physical table names.
type Store interface {
	// Schema and generic run operations
	EnsureSchema(ctx context.Context, pipeline string) error
	TableExists(ctx context.Context, table string) (bool, error)
	CountRunRows(ctx context.Context, table, runID string) (int64, error)
	DeleteRunRows(ctx context.Context, table, runID string) (int64, error)
	RunsInTable(ctx context.Context, table string) ([]model.RunCount, error)

	// Record stages (1-4)
	InsertRawRecords(ctx context.Context, table string, rows []model.RawRecord) (int64, error)
	RawRecords(ctx context.Context, table, runID string) ([]model.RawRecord, error)
	InsertCleanRecords(ctx context.Context, table string, rows []model.CleanRecord) (int64, error)
	CleanRecords(ctx context.Context, table, runID string) ([]model.CleanRecord, error)
	InsertStagedRecords(ctx context.Context, table string, rows []model.StagedRecord) (int64, error)
	StagedRecords(ctx context.Context, table, runID string) ([]model.StagedRecord, error)

	// Entity stages (5-8) and auxiliary transformers
	UpsertConversations(ctx context.Context, table string, rows []model.ConversationEntity) (int64, error)
	Conversations(ctx context.Context, table, runID string) ([]model.ConversationEntity, error)
	InsertSegments(ctx context.Context, table string, rows []model.SegmentEntity) (int64, error)
	Segments(ctx context.Context, table, runID string) ([]model.SegmentEntity, error)
	InsertMessages(ctx context.Context, table string, rows []model.MessageEntity) (int64, error)
	Messages(ctx context.Context, table, runID string) ([]model.MessageEntity, error)
	InsertSentences(ctx context.Context, table string, rows []model.SentenceEntity) (int64, error)
	Sentences(ctx context.Context, table, runID string) ([]model.SentenceEntity, error)
	InsertSpans(ctx context.Context, table string, rows []model.SpanEntity) (int64, error)
	InsertTurns(ctx context.Context, table string, rows []model.TurnEntity) (int64, error)
	InsertWords(ctx context.Context, table string, rows []model.WordEntity) (int64, error)

	// Enrichment stages (9-13)
	InsertEmbeddings(ctx context.Context, table string, rows []model.Embedding) (int64, error)
	Embeddings(ctx context.Context, table, runID string) ([]model.Embedding, error)
	InsertExtractions(ctx context.Context, table string, rows []model.Extraction) (int64, error)
	InsertSentiments(ctx context.Context, table string, rows []model.Sentiment) (int64, error)
	InsertTopics(ctx context.Context, table string, rows []model.Topics) (int64, error)
	InsertRelationships(ctx context.Context, table string, rows []model.Relationship) (int64, error)

	// Aggregation, validation, promotion (14-16)
	BuildAggregate(ctx context.Context, pipeline, runID string) (int64, error)
	AggregateRows(ctx context.Context, table, runID string) ([]model.AggregateRow, error)
	InsertValidated(ctx context.Context, table string, rows []model.ValidatedRow) (int64, error)
	ValidatedRows(ctx context.Context, table, runID string, statuses []string) ([]model.ValidatedRow, error)
	UnifiedEntityIDs(ctx context.Context, sourcePipeline string) (map[string]bool, error)
	InsertUnified(ctx context.Context, rows []model.UnifiedRow) (int64, error)

	// Identity registry (MERGE semantics: existing IDs are left alone)
	MergeRegistry(ctx context.Context, rows []RegistryEntry) (int64, error)

	// Stage run tracking
	CreateStageRun(ctx context.Context, run *model.StageRun) error
	FinishStageRun(ctx context.Context, run *model.StageRun) error
	StageRuns(ctx context.Context, runID string) ([]model.StageRun, error)

	Close() error
}
