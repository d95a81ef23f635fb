package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/truth-forge/forge-cli/internal/config"
	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/governance"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/tracker"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	"github.com/truth-forge/forge-cli/pkg/anthropic"
	"github.com/truth-forge/forge-cli/pkg/gemini"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

const testRunID = "run_test_001"

// testEnv bundles a pipeline wired against a temp sqlite warehouse, temp
// staging dirs and swappable mock clients.
type testEnv struct {
	cfg      *config.Config
	store    warehouse.Store
	membrane *governance.Membrane
	dlq      *resilience.DLQ
	srcDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	srcDir := filepath.Join(root, "source")
	stagingDir := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.MkdirAll(stagingDir, 0o755))

	cfg := &config.Config{
		Environment: "development",
		Warehouse: config.WarehouseConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(root, "forge.db"),
		},
		Staging: config.StagingConfig{
			Dir:        stagingDir,
			SourceDirs: []string{srcDir},
			AuditDir:   stagingDir,
		},
		Gemini: config.GeminiConfig{
			Model:          "gemini-2.0-flash",
			EmbeddingModel: "gemini-embedding-001",
			MaxBatchSize:   100,
			MaxEmbedChars:  8000,
		},
		Anthropic: config.AnthropicConfig{HaikuModel: "claude-haiku-4-5-20251001"},
		Sentiment: config.SentimentConfig{Threshold: 0.3},
		Pricing:   cost.DefaultRates(),
		Pipeline: config.PipelineConfig{
			Name:               "claude_transcripts",
			BatchSize:          500,
			ParseErrorNoGo:     0.5,
			ParseErrorCaution:  0.1,
			CorrectionEnabled:  true,
			TopKeywords:        10,
			SimilarityTopN:     5,
			SimilarityMinScore: 0.75,
			RequestsPerSecond:  1000, // no throttling in tests
		},
	}

	store, err := warehouse.NewSQLite(cfg.Warehouse.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), cfg.Pipeline.Name))

	trail := governance.NewAuditTrail(filepath.Join(stagingDir, "audit.jsonl"), testRunID)
	t.Cleanup(func() { trail.Close() })
	membrane := governance.NewMembrane(testRunID,
		governance.NewHoldIsolation(true),
		trail,
		governance.NewCostEnforcer(nil),
	)

	return &testEnv{
		cfg:      cfg,
		store:    store,
		membrane: membrane,
		dlq:      resilience.NewDLQ(stagingDir),
		srcDir:   srcDir,
	}
}

// pipeline builds a Pipeline over the env with the given clients. Nil
// clients are allowed; stages that need them must then fail or skip.
func (e *testEnv) pipeline(g gemini.Client, a anthropic.Client, s sentiment.Client) *Pipeline {
	return New(e.cfg, Deps{
		Store:      e.store,
		Membrane:   e.membrane,
		Tracker:    tracker.New(e.store, e.cfg.Pipeline.Name),
		DLQ:        e.dlq,
		Gemini:     g,
		Anthropic:  a,
		Classifier: s,
	})
}

// writeSource drops a session file into the source dir.
func (e *testEnv) writeSource(t *testing.T, name string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	path := filepath.Join(e.srcDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// runStages executes the named stages in order against the env.
func runStages(t *testing.T, p *Pipeline, opts Options, names ...string) {
	t.Helper()
	for _, name := range names {
		st, ok := p.StageByName(name)
		require.True(t, ok, "unknown stage %s", name)
		_, err := p.RunStage(context.Background(), st, opts)
		require.NoError(t, err, "stage %s", name)
	}
}

func testOpts() Options {
	return Options{RunID: testRunID}
}
