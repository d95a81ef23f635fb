package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/governance"
	"github.com/truth-forge/forge-cli/internal/model"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/gemini"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

func sessionLines() []string {
	return []string{
		`{"type":"summary","content":"debugging session","session_id":"sess-e2e"}`,
		`{"type":"user","content":"How do I fix the database migration error in my Go service?","timestamp":"2026-01-15T10:00:00Z"}`,
		`{"type":"assistant","content":"Check the migration logs. The schema version table is stale.","model":"claude-sonnet-4-5-20250929","timestamp":"2026-01-15T10:00:30Z","cost_usd":0.01}`,
		`{"type":"user","content":"That worked. The database migration now runs cleanly without errors.","timestamp":"2026-01-15T10:02:00Z"}`,
	}
}

func extractionGemini() *mockGemini {
	g := constEmbedder(8)
	g.generateFn = func(_ context.Context, req gemini.GenerateRequest) (*gemini.GenerateResponse, error) {
		return &gemini.GenerateResponse{
			Text:      `{"intent":"question","task_type":"debugging","code_languages":["go"],"complexity":"moderate","has_code_block":false}`,
			Model:     "gemini-2.0-flash",
			TokensIn:  50,
			TokensOut: 30,
		}, nil
	}
	return g
}

func emotionScores() []sentiment.Score {
	return []sentiment.Score{
		{Label: "neutral", Score: 0.7},
		{Label: "joy", Score: 0.2},
		{Label: "anger", Score: 0.1},
	}
}

func TestRunDiscover(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "proj/sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(nil, nil, nil)

	st, _ := p.StageByName("discover")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.OutputRows)

	m, err := p.readManifest()
	require.NoError(t, err)
	assert.True(t, m.Go())
	assert.Equal(t, GoNoGoReady, m.GoNoGo)
	assert.Equal(t, 1, m.Discovery.FilesProcessed)
	assert.Equal(t, 3, m.Discovery.MessagesProcessed)
	assert.Equal(t, 2, m.Discovery.MessageTypes["user"])
	assert.Equal(t, []string{"claude-sonnet-4-5-20250929"}, m.Discovery.ModelsUsed)
	assert.InDelta(t, 0.01, m.Discovery.TotalCostUSD, 1e-9)
	assert.Equal(t, "2026-01-15T10:00:00Z", m.Discovery.DateRange.Earliest)
	assert.Equal(t, testRunID, m.RunID)
}

func TestRunDiscover_NoFiles(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline(nil, nil, nil)

	st, _ := p.StageByName("discover")
	_, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err, "an empty source tree is a finding, not a failure")

	m, err := p.readManifest()
	require.NoError(t, err)
	assert.False(t, m.Go())
	assert.Equal(t, GoNoGoNoFiles, m.GoNoGo)
}

func TestRunDiscover_ParseErrorVerdicts(t *testing.T) {
	env := newTestEnv(t)
	// 1 good line, 2 garbage: 2/3 error ratio clears the no-go bar.
	env.writeSource(t, "bad.jsonl",
		`{"type":"user","content":"hello there friend"}`,
		"garbage line one",
		"garbage line two")
	p := env.pipeline(nil, nil, nil)

	st, _ := p.StageByName("discover")
	_, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)

	m, err := p.readManifest()
	require.NoError(t, err)
	assert.Equal(t, GoNoGoParseErrors, m.GoNoGo)
	assert.False(t, m.Go())
}

func TestRunParse_RequiresManifest(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline(nil, nil, nil)

	st, _ := p.StageByName("parse")
	_, err := p.RunStage(context.Background(), st, testOpts())
	require.Error(t, err)
	assert.Equal(t, KindInputMissing, KindOf(err))
}

func TestRunParse_BlockedByNoGo(t *testing.T) {
	env := newTestEnv(t)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover") // no files -> NO-GO

	st, _ := p.StageByName("parse")
	_, err := p.RunStage(context.Background(), st, testOpts())
	require.Error(t, err)
	assert.Equal(t, KindValidationFailed, KindOf(err))
}

func TestRunParse_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover")

	st, _ := p.StageByName("parse")
	first, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)
	assert.Equal(t, 3, first.OutputRows)
	assert.Zero(t, first.Skipped)

	// Re-running the same run_id inserts nothing new.
	second, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)
	assert.Zero(t, second.OutputRows)
	assert.Equal(t, 3, second.Skipped)

	n, err := env.store.CountRunRows(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage1), testRunID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRunParse_SessionSpanningFilesKeepsEveryMessage(t *testing.T) {
	env := newTestEnv(t)
	// The same session continues in a second file. Indexes must keep
	// counting so no record collides with one from the first file.
	env.writeSource(t, "a-first.jsonl",
		`{"type":"user","content":"part one","session_id":"sess-span"}`,
		`{"type":"assistant","content":"reply one"}`)
	env.writeSource(t, "b-second.jsonl",
		`{"type":"user","content":"part two","session_id":"sess-span"}`,
		`{"type":"assistant","content":"reply two"}`)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse")

	recs, err := env.store.RawRecords(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage1), testRunID)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	seen := map[int]bool{}
	for _, r := range recs {
		assert.Equal(t, "sess-span", r.SessionID)
		assert.False(t, seen[r.MessageIndex], "message index %d appears twice", r.MessageIndex)
		seen[r.MessageIndex] = true
	}
	for i := 0; i < 4; i++ {
		assert.True(t, seen[i], "message index %d missing", i)
	}
}

func TestRunClean_MarksDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "dup.jsonl",
		`{"type":"user","content":"same   question","session_id":"sess-dup"}`,
		`{"type":"assistant","content":"answer"}`,
		`{"type":"user","content":"same question"}`) // identical after cleaning
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean")

	clean, err := env.store.CleanRecords(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage2), testRunID)
	require.NoError(t, err)
	require.Len(t, clean, 3)

	dups := 0
	for _, rec := range clean {
		assert.Equal(t, CleanText(rec.Content), rec.ContentCleaned)
		if rec.IsDuplicate {
			dups++
			assert.Equal(t, "user", rec.MessageType)
			assert.Equal(t, "same question", rec.ContentCleaned)
		}
	}
	// Only content rows 0 and 2 collide; the assistant answer differs.
	assert.Equal(t, 1, dups)
}

func TestRunGate_DeadLettersBadRecords(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "gate.jsonl",
		`{"type":"user","content":"a real question about code"}`,
		`{"type":"moderator","content":"not a recognized role"}`)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean")

	st, _ := p.StageByName("gate")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.InputRows)
	assert.Equal(t, 1, summary.OutputRows)
	assert.Equal(t, 1, summary.Errors)

	entries, err := env.dlq.Entries("gate")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Data.Error, "moderator")
}

func TestRunCorrect_RecordsMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "typo.jsonl",
		`{"type":"user","content":"how do i conect to the databse","session_id":"sess-typo"}`)
	corrector := fixedCorrector("how do I connect to the database")
	p := env.pipeline(nil, corrector, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct")

	staged, err := env.store.StagedRecords(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage4), testRunID)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	assert.Equal(t, "how do I connect to the database", staged[0].ContentCleaned)

	var meta model.CorrectionMetadata
	require.NoError(t, json.Unmarshal([]byte(staged[0].Metadata), &meta))
	assert.True(t, meta.Corrected)
	assert.Equal(t, "how do i conect to the databse", meta.OriginalText)
	assert.Equal(t, 1, corrector.calls)

	// 10 in + 10 out tokens priced with the configured haiku rates.
	assert.InDelta(t, 6e-5, meta.CorrectionCostUSD, 1e-9)
}

func TestRunCorrect_SkipsDuplicatesAndNonUsers(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "mixed.jsonl",
		`{"type":"user","content":"the same question twice","session_id":"sess-m"}`,
		`{"type":"assistant","content":"assistant prose is never corrected"}`,
		`{"type":"user","content":"the same question twice"}`)
	corrector := echoCorrector()
	p := env.pipeline(nil, corrector, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate")

	st, _ := p.StageByName("correct")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.InputRows)
	assert.Equal(t, 2, summary.OutputRows, "the duplicate is dropped")
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, corrector.calls, "only the surviving user message is sent")
}

func TestRunCorrect_DisabledIsPassthrough(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Pipeline.CorrectionEnabled = false
	env.writeSource(t, "off.jsonl",
		`{"type":"user","content":"teh typo stays as written"}`)
	corrector := echoCorrector()
	p := env.pipeline(nil, corrector, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct")

	staged, err := env.store.StagedRecords(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage4), testRunID)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "teh typo stays as written", staged[0].ContentCleaned)
	assert.Zero(t, corrector.calls)
}

func TestRunCorrect_BudgetExhaustedDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "budget.jsonl",
		`{"type":"user","content":"first message that would be corrected","session_id":"sess-b"}`,
		`{"type":"user","content":"second message that would be corrected"}`)

	trail := governance.NewAuditTrail(filepath.Join(env.cfg.Staging.Dir, "audit-budget.jsonl"), testRunID)
	t.Cleanup(func() { trail.Close() })
	env.membrane = governance.NewMembrane(testRunID,
		governance.NewHoldIsolation(true),
		trail,
		governance.NewCostEnforcer(map[string]governance.Budget{
			"anthropic": {MaxCostUSD: 0.0000001},
		}))

	corrector := fixedCorrector("never applied")
	p := env.pipeline(nil, corrector, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate")

	st, _ := p.StageByName("correct")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err, "budget exhaustion degrades to passthrough")

	assert.Equal(t, 2, summary.OutputRows)
	assert.Zero(t, summary.Errors)
	assert.Zero(t, corrector.calls)

	staged, err := env.store.StagedRecords(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage4), testRunID)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	for _, rec := range staged {
		assert.NotEqual(t, "never applied", rec.ContentCleaned)
	}
}

func TestRunEmbed_WritesVectors(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	g := constEmbedder(8)
	p := env.pipeline(g, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message", "embed")

	embeddings, err := env.store.Embeddings(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage9), testRunID)
	require.NoError(t, err)
	require.Len(t, embeddings, 3)

	for _, e := range embeddings {
		assert.Len(t, e.Embedding, 8)
		assert.Equal(t, 8, e.EmbeddingDimension)
		assert.False(t, e.TextTruncated)
		assert.Positive(t, e.TextLength)
	}
	assert.Equal(t, 1, g.embedCalls, "one batch for three short texts")
}

func TestRunEmbed_TruncatesLongText(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Gemini.MaxEmbedChars = 20
	env.writeSource(t, "long.jsonl",
		`{"type":"user","content":"this message is much longer than twenty characters"}`)
	var gotLen int
	g := constEmbedder(4)
	inner := g.embedFn
	g.embedFn = func(ctx context.Context, texts []string) (*gemini.EmbedResponse, error) {
		gotLen = len(texts[0])
		return inner(ctx, texts)
	}
	p := env.pipeline(g, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message", "embed")

	assert.Equal(t, 20, gotLen)

	embeddings, err := env.store.Embeddings(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage9), testRunID)
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.True(t, embeddings[0].TextTruncated)
}

func TestRunEmbed_TruncationKeepsRunesIntact(t *testing.T) {
	env := newTestEnv(t)
	// Byte 9 of "héllo wörld ..." lands inside the two-byte ö sequence.
	env.cfg.Gemini.MaxEmbedChars = 9
	env.writeSource(t, "multibyte.jsonl",
		`{"type":"user","content":"héllo wörld with accénts"}`)
	var got string
	g := constEmbedder(4)
	inner := g.embedFn
	g.embedFn = func(ctx context.Context, texts []string) (*gemini.EmbedResponse, error) {
		got = texts[0]
		return inner(ctx, texts)
	}
	p := env.pipeline(g, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message", "embed")

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "héllo w", got)
}

func TestTruncateUTF8(t *testing.T) {
	// "héllo" is 6 bytes; cutting at 2 lands inside the é sequence.
	assert.Equal(t, "h", truncateUTF8("héllo", 2))
	assert.Equal(t, "hé", truncateUTF8("héllo", 3))
	assert.Equal(t, "héllo", truncateUTF8("héllo", 10))
	assert.Equal(t, "abc", truncateUTF8("abcdef", 3))
}

func TestRunEmbed_FailedBatchDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	g := &mockGemini{
		embedFn: func(context.Context, []string) (*gemini.EmbedResponse, error) {
			return nil, fmt.Errorf("embedding backend rejected the request")
		},
	}
	p := env.pipeline(g, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message")

	st, _ := p.StageByName("embed")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err, "a failed batch is dead-lettered, not fatal")

	assert.Equal(t, 3, summary.Errors)
	assert.Zero(t, summary.OutputRows)

	entries, err := env.dlq.Entries("embedding")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunEmbed_NoClient(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message")

	st, _ := p.StageByName("embed")
	_, err := p.RunStage(context.Background(), st, testOpts())
	require.Error(t, err)
	assert.Equal(t, KindExternalPermanent, KindOf(err))
}

func TestRun_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "proj/sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(extractionGemini(), echoCorrector(), constClassifier(emotionScores()))

	require.NoError(t, p.Run(context.Background(), testOpts()))

	ctx := context.Background()
	counts := map[string]int64{}
	for _, suffix := range []string{
		warehouse.TableStage1, warehouse.TableStage4, warehouse.TableStage6,
		warehouse.TableStage7, warehouse.TableStage7b, warehouse.TableStage8,
		warehouse.TableStage9, warehouse.TableStage10, warehouse.TableStage11,
		warehouse.TableStage12, warehouse.TableStage13, warehouse.TableStage14,
		warehouse.TableStage15,
	} {
		n, err := env.store.CountRunRows(ctx, warehouse.TableName(env.cfg.Pipeline.Name, suffix), testRunID)
		require.NoError(t, err, suffix)
		counts[suffix] = n
	}

	assert.EqualValues(t, 3, counts[warehouse.TableStage1])
	assert.EqualValues(t, 3, counts[warehouse.TableStage4])
	assert.EqualValues(t, 3, counts[warehouse.TableStage7])
	assert.EqualValues(t, 1, counts[warehouse.TableStage7b], "one segment, no compaction")
	assert.EqualValues(t, 1, counts[warehouse.TableStage8])
	assert.EqualValues(t, 3, counts[warehouse.TableStage9])
	assert.EqualValues(t, 2, counts[warehouse.TableStage10], "both user messages classified")
	assert.GreaterOrEqual(t, counts[warehouse.TableStage6], int64(3), "at least one sentence per message")
	assert.Equal(t, counts[warehouse.TableStage6], counts[warehouse.TableStage11], "every sentence scored")
	assert.EqualValues(t, 3, counts[warehouse.TableStage12])
	assert.Greater(t, counts[warehouse.TableStage13], int64(3), "contains plus sequence edges")
	assert.EqualValues(t, 3, counts[warehouse.TableStage14])
	assert.EqualValues(t, 3, counts[warehouse.TableStage15])

	unified, err := env.store.CountRunRows(ctx, warehouse.TableUnified, testRunID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, unified, "all rows pass validation and promote")

	// Every numbered stage was tracked and completed.
	runs, err := env.store.StageRuns(ctx, testRunID)
	require.NoError(t, err)
	assert.Len(t, runs, len(ExecutionOrder))
	for _, r := range runs {
		assert.Equal(t, model.StageRunComplete, r.Status, r.StageName)
	}
}

func TestRun_PromoteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(extractionGemini(), echoCorrector(), constClassifier(emotionScores()))
	require.NoError(t, p.Run(context.Background(), testOpts()))

	st, _ := p.StageByName("promote")
	summary, err := p.RunStage(context.Background(), st, testOpts())
	require.NoError(t, err)

	assert.Zero(t, summary.OutputRows)
	assert.Equal(t, 3, summary.Skipped)

	n, err := env.store.CountRunRows(context.Background(), warehouse.TableUnified, testRunID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestRun_AuxiliaryTransformers(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(extractionGemini(), echoCorrector(), constClassifier(emotionScores()))
	require.NoError(t, p.Run(context.Background(), testOpts()))

	runStages(t, p, testOpts(), "spans", "turns", "words")

	ctx := context.Background()
	turns, err := env.store.CountRunRows(ctx,
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableTurns), testRunID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, turns, "two user messages open two turns")

	words, err := env.store.CountRunRows(ctx,
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableWords), testRunID)
	require.NoError(t, err)
	assert.Greater(t, words, int64(20))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sess-e2e.jsonl", sessionLines()...)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse")

	opts := testOpts()
	opts.DryRun = true
	st, _ := p.StageByName("clean")
	summary, err := p.RunStage(context.Background(), st, opts)
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 3, summary.OutputRows)

	n, err := env.store.CountRunRows(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage2), testRunID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunSentence_SplitsMessages(t *testing.T) {
	env := newTestEnv(t)
	env.writeSource(t, "sent.jsonl",
		`{"type":"user","content":"First sentence here. Second sentence follows. A third one too.","session_id":"sess-s"}`)
	p := env.pipeline(nil, nil, nil)
	runStages(t, p, testOpts(), "discover", "parse", "clean", "gate", "correct", "message", "sentence")

	sentences, err := env.store.Sentences(context.Background(),
		warehouse.TableName(env.cfg.Pipeline.Name, warehouse.TableStage6), testRunID)
	require.NoError(t, err)
	require.Len(t, sentences, 3)

	for _, s := range sentences {
		assert.Equal(t, model.LevelSentence, s.Level)
		assert.NotEmpty(t, s.ParentID)
		assert.Len(t, s.EntityID, 32)
	}
}
