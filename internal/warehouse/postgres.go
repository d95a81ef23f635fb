package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/truth-forge/forge-cli/internal/db"
	"github.com/truth-forge/forge-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. Only
// global tables qualify; pipeline-scoped tables are named at runtime.
var preparedStatements = map[string]string{
	"create_stage_run": `INSERT INTO stage_runs (id, pipeline_name, stage_num, stage_name, run_id, status, items_processed, error, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"finish_stage_run": `UPDATE stage_runs SET status = $1, items_processed = $2, error = $3, finished_at = $4 WHERE id = $5`,
	"list_stage_runs":  `SELECT id, pipeline_name, stage_num, stage_name, run_id, status, items_processed, error, started_at, finished_at FROM stage_runs WHERE run_id = $1 ORDER BY started_at`,
	"unified_ids":      `SELECT entity_id FROM entity_unified WHERE source_pipeline = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// rebind converts ? placeholders to postgres $n form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *PostgresStore) EnsureSchema(ctx context.Context, pipeline string) error {
	for _, stmt := range schemaStatements(pipeline, postgresTypes) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "postgres: ensure schema for %s", pipeline)
		}
	}
	return nil
}

func (s *PostgresStore) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
		table,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: table exists %s", table)
}

func (s *PostgresStore) CountRunRows(ctx context.Context, table, runID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE run_id = $1`, pgx.Identifier{table}.Sanitize()),
		runID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count run rows in %s", table)
}

func (s *PostgresStore) DeleteRunRows(ctx context.Context, table, runID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, pgx.Identifier{table}.Sanitize()),
		runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete run rows in %s", table)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RunsInTable(ctx context.Context, table string) ([]model.RunCount, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT run_id, COUNT(*), MIN(created_at) FROM %s GROUP BY run_id ORDER BY MIN(created_at) DESC`,
		pgx.Identifier{table}.Sanitize(),
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list runs in %s", table)
	}
	defer rows.Close()

	var out []model.RunCount
	for rows.Next() {
		var rc model.RunCount
		if err := rows.Scan(&rc.RunID, &rc.Rows, &rc.Earliest); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run count")
		}
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate run counts")
}

// bulkUpsert routes all multi-row writes through the shared COPY-based
// upsert helper.
func (s *PostgresStore) bulkUpsert(ctx context.Context, table string, cols []string, key string, rows [][]any) (int64, error) {
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        table,
		Columns:      cols,
		ConflictKeys: []string{key},
	}, rows)
}

func (s *PostgresStore) selectByRun(ctx context.Context, table string, cols []string, runID, orderBy string) (pgx.Rows, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 ORDER BY %s`,
		strings.Join(cols, ", "), pgx.Identifier{table}.Sanitize(), orderBy)
	rows, err := s.pool.Query(ctx, query, runID)
	return rows, eris.Wrapf(err, "postgres: select from %s", table)
}

func (s *PostgresStore) InsertRawRecords(ctx context.Context, table string, recs []model.RawRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesRaw(r)
	}
	return s.bulkUpsert(ctx, table, rawCols, "extraction_id", rows)
}

func (s *PostgresStore) RawRecords(ctx context.Context, table, runID string) ([]model.RawRecord, error) {
	rows, err := s.selectByRun(ctx, table, rawCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRaw(rows)
}

func (s *PostgresStore) InsertCleanRecords(ctx context.Context, table string, recs []model.CleanRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesClean(r)
	}
	return s.bulkUpsert(ctx, table, cleanCols, "extraction_id", rows)
}

func (s *PostgresStore) CleanRecords(ctx context.Context, table, runID string) ([]model.CleanRecord, error) {
	rows, err := s.selectByRun(ctx, table, cleanCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClean(rows)
}

func (s *PostgresStore) InsertStagedRecords(ctx context.Context, table string, recs []model.StagedRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesStaged(r)
	}
	return s.bulkUpsert(ctx, table, stagedCols, "extraction_id", rows)
}

func (s *PostgresStore) StagedRecords(ctx context.Context, table, runID string) ([]model.StagedRecord, error) {
	rows, err := s.selectByRun(ctx, table, stagedCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStaged(rows)
}

func (s *PostgresStore) UpsertConversations(ctx context.Context, table string, convs []model.ConversationEntity) (int64, error) {
	rows := make([][]any, len(convs))
	for i, c := range convs {
		rows[i] = valuesConversation(c)
	}
	return s.bulkUpsert(ctx, table, conversationCols, "entity_id", rows)
}

func (s *PostgresStore) Conversations(ctx context.Context, table, runID string) ([]model.ConversationEntity, error) {
	rows, err := s.selectByRun(ctx, table, conversationCols, runID, "session_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *PostgresStore) InsertSegments(ctx context.Context, table string, segs []model.SegmentEntity) (int64, error) {
	rows := make([][]any, len(segs))
	for i, sg := range segs {
		rows[i] = valuesSegment(sg)
	}
	return s.bulkUpsert(ctx, table, segmentCols, "entity_id", rows)
}

func (s *PostgresStore) Segments(ctx context.Context, table, runID string) ([]model.SegmentEntity, error) {
	rows, err := s.selectByRun(ctx, table, segmentCols, runID, "session_id, segment_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSegments(rows)
}

func (s *PostgresStore) InsertMessages(ctx context.Context, table string, msgs []model.MessageEntity) (int64, error) {
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = valuesMessage(m)
	}
	return s.bulkUpsert(ctx, table, messageCols, "entity_id", rows)
}

func (s *PostgresStore) Messages(ctx context.Context, table, runID string) ([]model.MessageEntity, error) {
	rows, err := s.selectByRun(ctx, table, messageCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) InsertSentences(ctx context.Context, table string, sents []model.SentenceEntity) (int64, error) {
	rows := make([][]any, len(sents))
	for i, sn := range sents {
		rows[i] = valuesSentence(sn)
	}
	return s.bulkUpsert(ctx, table, sentenceCols, "entity_id", rows)
}

func (s *PostgresStore) Sentences(ctx context.Context, table, runID string) ([]model.SentenceEntity, error) {
	rows, err := s.selectByRun(ctx, table, sentenceCols, runID, "parent_id, sentence_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSentences(rows)
}

func (s *PostgresStore) InsertSpans(ctx context.Context, table string, spans []model.SpanEntity) (int64, error) {
	rows := make([][]any, len(spans))
	for i, sp := range spans {
		rows[i] = valuesSpan(sp)
	}
	return s.bulkUpsert(ctx, table, spanCols, "entity_id", rows)
}

func (s *PostgresStore) InsertTurns(ctx context.Context, table string, turns []model.TurnEntity) (int64, error) {
	rows := make([][]any, len(turns))
	for i, tr := range turns {
		rows[i] = valuesTurn(tr)
	}
	return s.bulkUpsert(ctx, table, turnCols, "entity_id", rows)
}

func (s *PostgresStore) InsertWords(ctx context.Context, table string, words []model.WordEntity) (int64, error) {
	rows := make([][]any, len(words))
	for i, w := range words {
		rows[i] = valuesWord(w)
	}
	return s.bulkUpsert(ctx, table, wordCols, "entity_id", rows)
}

func (s *PostgresStore) InsertEmbeddings(ctx context.Context, table string, embs []model.Embedding) (int64, error) {
	rows := make([][]any, len(embs))
	for i, e := range embs {
		rows[i] = valuesEmbedding(e)
	}
	return s.bulkUpsert(ctx, table, embeddingCols, "entity_id", rows)
}

func (s *PostgresStore) Embeddings(ctx context.Context, table, runID string) ([]model.Embedding, error) {
	rows, err := s.selectByRun(ctx, table, embeddingCols, runID, "entity_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

func (s *PostgresStore) InsertExtractions(ctx context.Context, table string, exts []model.Extraction) (int64, error) {
	rows := make([][]any, len(exts))
	for i, x := range exts {
		rows[i] = valuesExtraction(x)
	}
	return s.bulkUpsert(ctx, table, extractionCols, "entity_id", rows)
}

func (s *PostgresStore) InsertSentiments(ctx context.Context, table string, sents []model.Sentiment) (int64, error) {
	rows := make([][]any, len(sents))
	for i, sn := range sents {
		rows[i] = valuesSentiment(sn)
	}
	return s.bulkUpsert(ctx, table, sentimentCols, "entity_id", rows)
}

func (s *PostgresStore) InsertTopics(ctx context.Context, table string, tops []model.Topics) (int64, error) {
	rows := make([][]any, len(tops))
	for i, tp := range tops {
		rows[i] = valuesTopics(tp)
	}
	return s.bulkUpsert(ctx, table, topicsCols, "entity_id", rows)
}

func (s *PostgresStore) InsertRelationships(ctx context.Context, table string, rels []model.Relationship) (int64, error) {
	rows := make([][]any, len(rels))
	for i, r := range rels {
		rows[i] = valuesRelationship(r)
	}
	return s.bulkUpsert(ctx, table, relationshipCols, "relationship_id", rows)
}

func (s *PostgresStore) BuildAggregate(ctx context.Context, pipeline, runID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin aggregate tx")
	}
	defer tx.Rollback(ctx)

	table := TableName(pipeline, TableStage14)
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, pgx.Identifier{table}.Sanitize()),
		runID,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: clear aggregate run rows")
	}

	tag, err := tx.Exec(ctx, rebind(aggregateSQL(pipeline)), runID, runID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: build aggregate")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit aggregate tx")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AggregateRows(ctx context.Context, table, runID string) ([]model.AggregateRow, error) {
	rows, err := s.selectByRun(ctx, table, aggregateCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAggregates(rows)
}

func (s *PostgresStore) InsertValidated(ctx context.Context, table string, vals []model.ValidatedRow) (int64, error) {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = valuesValidated(v)
	}
	return s.bulkUpsert(ctx, table, validatedCols, "entity_id", rows)
}

func (s *PostgresStore) ValidatedRows(ctx context.Context, table, runID string, statuses []string) ([]model.ValidatedRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`,
		strings.Join(validatedCols, ", "), pgx.Identifier{table}.Sanitize())
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND validation_status = ANY($2)`
		args = append(args, statuses)
	}
	query += " ORDER BY session_id, message_index"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select validated from %s", table)
	}
	defer rows.Close()
	return collectValidated(rows)
}

func (s *PostgresStore) UnifiedEntityIDs(ctx context.Context, sourcePipeline string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, "unified_ids", sourcePipeline)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select unified ids")
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unified id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate unified ids")
}

func (s *PostgresStore) InsertUnified(ctx context.Context, rows []model.UnifiedRow) (int64, error) {
	vals := make([][]any, len(rows))
	for i, u := range rows {
		vals[i] = valuesUnified(u)
	}
	// Promotion never overwrites an already-promoted entity.
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        TableUnified,
		Columns:      unifiedCols,
		ConflictKeys: []string{"source_pipeline", "entity_id"},
		UpdateCols:   []string{},
	}, vals)
}

func (s *PostgresStore) MergeRegistry(ctx context.Context, entries []RegistryEntry) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = valuesRegistry(e, now)
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        TableRegistry,
		Columns:      registryCols,
		ConflictKeys: []string{"entity_id"},
		UpdateCols:   []string{},
	}, rows)
}

func (s *PostgresStore) CreateStageRun(ctx context.Context, run *model.StageRun) error {
	_, err := s.pool.Exec(ctx, "create_stage_run", valuesStageRun(run)...)
	return eris.Wrapf(err, "postgres: create stage run %s", run.ID)
}

func (s *PostgresStore) FinishStageRun(ctx context.Context, run *model.StageRun) error {
	tag, err := s.pool.Exec(ctx, "finish_stage_run",
		string(run.Status), run.ItemsProcessed, run.Error, nullableTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish stage run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("stage run not found: %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) StageRuns(ctx context.Context, runID string) ([]model.StageRun, error) {
	rows, err := s.pool.Query(ctx, "list_stage_runs", runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select stage runs")
	}
	defer rows.Close()
	return collectStageRuns(rows)
}
