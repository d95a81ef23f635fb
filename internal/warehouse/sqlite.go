package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/truth-forge/forge-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context, pipeline string) error {
	for _, stmt := range schemaStatements(pipeline, sqliteTypes) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "sqlite: ensure schema for %s", pipeline)
		}
	}
	return nil
}

func (s *SQLiteStore) TableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: table exists %s", table)
	}
	return true, nil
}

func (s *SQLiteStore) CountRunRows(ctx context.Context, table, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE run_id = ?`, table), runID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count run rows in %s", table)
}

func (s *SQLiteStore) DeleteRunRows(ctx context.Context, table, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete run rows in %s", table)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RunsInTable(ctx context.Context, table string) ([]model.RunCount, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT run_id, COUNT(*), MIN(created_at) FROM %s GROUP BY run_id ORDER BY MIN(created_at) DESC`, table,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list runs in %s", table)
	}
	defer rows.Close()

	var out []model.RunCount
	for rows.Next() {
		var rc model.RunCount
		var earliest sql.NullString
		if err := rows.Scan(&rc.RunID, &rc.Rows, &earliest); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run count")
		}
		// MIN() strips the column's declared type so the driver hands back
		// the stored text form rather than a time.Time.
		if earliest.Valid {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, earliest.String); err == nil {
					rc.Earliest = ts
					break
				}
			}
		}
		out = append(out, rc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run counts")
}

// bulkInsert writes rows in one transaction. onConflict is appended to the
// statement; pass "" for a plain insert.
func (s *SQLiteStore) bulkInsert(ctx context.Context, table string, cols []string, rows [][]any, onConflict string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "), placeholders)
	if onConflict != "" {
		query += " " + onConflict
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: prepare insert into %s", table)
	}
	defer stmt.Close()

	var total int64
	for _, vals := range rows {
		res, err := stmt.ExecContext(ctx, vals...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert into %s", table)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return total, nil
}

// upsertClause builds an ON CONFLICT DO UPDATE covering every non-key column.
func upsertClause(key string, cols []string) string {
	var sets []string
	for _, c := range cols {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
}

func ignoreClause(key string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", key)
}

func (s *SQLiteStore) selectByRun(ctx context.Context, table string, cols []string, runID, orderBy string) (*sql.Rows, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = ? ORDER BY %s`,
		strings.Join(cols, ", "), table, orderBy)
	rows, err := s.db.QueryContext(ctx, query, runID)
	return rows, eris.Wrapf(err, "sqlite: select from %s", table)
}

func (s *SQLiteStore) InsertRawRecords(ctx context.Context, table string, recs []model.RawRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesRaw(r)
	}
	return s.bulkInsert(ctx, table, rawCols, rows, ignoreClause("extraction_id"))
}

func (s *SQLiteStore) RawRecords(ctx context.Context, table, runID string) ([]model.RawRecord, error) {
	rows, err := s.selectByRun(ctx, table, rawCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRaw(rows)
}

func (s *SQLiteStore) InsertCleanRecords(ctx context.Context, table string, recs []model.CleanRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesClean(r)
	}
	return s.bulkInsert(ctx, table, cleanCols, rows, ignoreClause("extraction_id"))
}

func (s *SQLiteStore) CleanRecords(ctx context.Context, table, runID string) ([]model.CleanRecord, error) {
	rows, err := s.selectByRun(ctx, table, cleanCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClean(rows)
}

func (s *SQLiteStore) InsertStagedRecords(ctx context.Context, table string, recs []model.StagedRecord) (int64, error) {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = valuesStaged(r)
	}
	return s.bulkInsert(ctx, table, stagedCols, rows, ignoreClause("extraction_id"))
}

func (s *SQLiteStore) StagedRecords(ctx context.Context, table, runID string) ([]model.StagedRecord, error) {
	rows, err := s.selectByRun(ctx, table, stagedCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStaged(rows)
}

func (s *SQLiteStore) UpsertConversations(ctx context.Context, table string, convs []model.ConversationEntity) (int64, error) {
	rows := make([][]any, len(convs))
	for i, c := range convs {
		rows[i] = valuesConversation(c)
	}
	return s.bulkInsert(ctx, table, conversationCols, rows, upsertClause("entity_id", conversationCols))
}

func (s *SQLiteStore) Conversations(ctx context.Context, table, runID string) ([]model.ConversationEntity, error) {
	rows, err := s.selectByRun(ctx, table, conversationCols, runID, "session_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func (s *SQLiteStore) InsertSegments(ctx context.Context, table string, segs []model.SegmentEntity) (int64, error) {
	rows := make([][]any, len(segs))
	for i, sg := range segs {
		rows[i] = valuesSegment(sg)
	}
	return s.bulkInsert(ctx, table, segmentCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) Segments(ctx context.Context, table, runID string) ([]model.SegmentEntity, error) {
	rows, err := s.selectByRun(ctx, table, segmentCols, runID, "session_id, segment_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSegments(rows)
}

func (s *SQLiteStore) InsertMessages(ctx context.Context, table string, msgs []model.MessageEntity) (int64, error) {
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = valuesMessage(m)
	}
	return s.bulkInsert(ctx, table, messageCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) Messages(ctx context.Context, table, runID string) ([]model.MessageEntity, error) {
	rows, err := s.selectByRun(ctx, table, messageCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) InsertSentences(ctx context.Context, table string, sents []model.SentenceEntity) (int64, error) {
	rows := make([][]any, len(sents))
	for i, sn := range sents {
		rows[i] = valuesSentence(sn)
	}
	return s.bulkInsert(ctx, table, sentenceCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) Sentences(ctx context.Context, table, runID string) ([]model.SentenceEntity, error) {
	rows, err := s.selectByRun(ctx, table, sentenceCols, runID, "parent_id, sentence_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSentences(rows)
}

func (s *SQLiteStore) InsertSpans(ctx context.Context, table string, spans []model.SpanEntity) (int64, error) {
	rows := make([][]any, len(spans))
	for i, sp := range spans {
		rows[i] = valuesSpan(sp)
	}
	return s.bulkInsert(ctx, table, spanCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertTurns(ctx context.Context, table string, turns []model.TurnEntity) (int64, error) {
	rows := make([][]any, len(turns))
	for i, tr := range turns {
		rows[i] = valuesTurn(tr)
	}
	return s.bulkInsert(ctx, table, turnCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertWords(ctx context.Context, table string, words []model.WordEntity) (int64, error) {
	rows := make([][]any, len(words))
	for i, w := range words {
		rows[i] = valuesWord(w)
	}
	return s.bulkInsert(ctx, table, wordCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertEmbeddings(ctx context.Context, table string, embs []model.Embedding) (int64, error) {
	rows := make([][]any, len(embs))
	for i, e := range embs {
		rows[i] = valuesEmbedding(e)
	}
	return s.bulkInsert(ctx, table, embeddingCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) Embeddings(ctx context.Context, table, runID string) ([]model.Embedding, error) {
	rows, err := s.selectByRun(ctx, table, embeddingCols, runID, "entity_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEmbeddings(rows)
}

func (s *SQLiteStore) InsertExtractions(ctx context.Context, table string, exts []model.Extraction) (int64, error) {
	rows := make([][]any, len(exts))
	for i, x := range exts {
		rows[i] = valuesExtraction(x)
	}
	return s.bulkInsert(ctx, table, extractionCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertSentiments(ctx context.Context, table string, sents []model.Sentiment) (int64, error) {
	rows := make([][]any, len(sents))
	for i, sn := range sents {
		rows[i] = valuesSentiment(sn)
	}
	return s.bulkInsert(ctx, table, sentimentCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertTopics(ctx context.Context, table string, tops []model.Topics) (int64, error) {
	rows := make([][]any, len(tops))
	for i, tp := range tops {
		rows[i] = valuesTopics(tp)
	}
	return s.bulkInsert(ctx, table, topicsCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) InsertRelationships(ctx context.Context, table string, rels []model.Relationship) (int64, error) {
	rows := make([][]any, len(rels))
	for i, r := range rels {
		rows[i] = valuesRelationship(r)
	}
	return s.bulkInsert(ctx, table, relationshipCols, rows, ignoreClause("relationship_id"))
}

func (s *SQLiteStore) BuildAggregate(ctx context.Context, pipeline, runID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin aggregate tx")
	}
	defer tx.Rollback()

	table := TableName(pipeline, TableStage14)
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE run_id = ?`, table), runID,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear aggregate run rows")
	}

	res, err := tx.ExecContext(ctx, aggregateSQL(pipeline), runID, runID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: build aggregate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit aggregate tx")
	}
	return n, nil
}

func (s *SQLiteStore) AggregateRows(ctx context.Context, table, runID string) ([]model.AggregateRow, error) {
	rows, err := s.selectByRun(ctx, table, aggregateCols, runID, "session_id, message_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAggregates(rows)
}

func (s *SQLiteStore) InsertValidated(ctx context.Context, table string, vals []model.ValidatedRow) (int64, error) {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = valuesValidated(v)
	}
	return s.bulkInsert(ctx, table, validatedCols, rows, upsertClause("entity_id", validatedCols))
}

func (s *SQLiteStore) ValidatedRows(ctx context.Context, table, runID string, statuses []string) ([]model.ValidatedRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = ?`,
		strings.Join(validatedCols, ", "), table)
	args := []any{runID}
	if len(statuses) > 0 {
		query += fmt.Sprintf(" AND validation_status IN (%s)",
			strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", "))
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY session_id, message_index"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select validated from %s", table)
	}
	defer rows.Close()
	return collectValidated(rows)
}

func (s *SQLiteStore) UnifiedEntityIDs(ctx context.Context, sourcePipeline string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT entity_id FROM %s WHERE source_pipeline = ?`, TableUnified),
		sourcePipeline)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select unified ids")
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unified id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate unified ids")
}

func (s *SQLiteStore) InsertUnified(ctx context.Context, rows []model.UnifiedRow) (int64, error) {
	vals := make([][]any, len(rows))
	for i, u := range rows {
		vals[i] = valuesUnified(u)
	}
	return s.bulkInsert(ctx, TableUnified, unifiedCols, vals, ignoreClause("source_pipeline, entity_id"))
}

func (s *SQLiteStore) MergeRegistry(ctx context.Context, entries []RegistryEntry) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = valuesRegistry(e, now)
	}
	return s.bulkInsert(ctx, TableRegistry, registryCols, rows, ignoreClause("entity_id"))
}

func (s *SQLiteStore) CreateStageRun(ctx context.Context, run *model.StageRun) error {
	_, err := s.bulkInsert(ctx, TableStageRuns, stageRunCols, [][]any{valuesStageRun(run)}, "")
	return err
}

func (s *SQLiteStore) FinishStageRun(ctx context.Context, run *model.StageRun) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, items_processed = ?, error = ?, finished_at = ? WHERE id = ?`,
		TableStageRuns),
		string(run.Status), run.ItemsProcessed, run.Error, nullableTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish stage run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("stage run not found: %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) StageRuns(ctx context.Context, runID string) ([]model.StageRun, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE run_id = ? ORDER BY started_at`,
		strings.Join(stageRunCols, ", "), TableStageRuns), runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select stage runs")
	}
	defer rows.Close()
	return collectStageRuns(rows)
}
