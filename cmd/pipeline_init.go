package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/truth-forge/forge-cli/internal/governance"
	"github.com/truth-forge/forge-cli/internal/pipeline"
	"github.com/truth-forge/forge-cli/internal/resilience"
	"github.com/truth-forge/forge-cli/internal/tracker"
	"github.com/truth-forge/forge-cli/internal/warehouse"
	anthropicpkg "github.com/truth-forge/forge-cli/pkg/anthropic"
	"github.com/truth-forge/forge-cli/pkg/gemini"
	"github.com/truth-forge/forge-cli/pkg/sentiment"
)

// pipelineEnv holds the initialized store, governance membrane, and pipeline
// shared by the run/stage/verify/rollback/serve commands.
type pipelineEnv struct {
	Store    warehouse.Store
	Membrane *governance.Membrane
	Pipeline *pipeline.Pipeline
	RunID    string
}

// Close flushes the audit trail and releases the store.
func (pe *pipelineEnv) Close() {
	if pe.Membrane != nil {
		if err := pe.Membrane.Close(); err != nil {
			zap.L().Warn("audit trail close failed", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// newRunID mints a sortable run identifier.
func newRunID() string {
	return "run_" + strings.ToLower(ulid.Make().String())
}

// initStore opens the warehouse backend selected by config.
func initStore(ctx context.Context) (warehouse.Store, error) {
	switch cfg.Warehouse.Driver {
	case "sqlite":
		path := cfg.Warehouse.SQLitePath
		if path == "" {
			path = "forge.db"
		}
		return warehouse.NewSQLite(path)
	case "postgres":
		return warehouse.NewPostgres(ctx, cfg.Warehouse.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported warehouse driver: %s", cfg.Warehouse.Driver)
	}
}

// initPipeline sets up the store, governance membrane, LLM clients, and the
// pipeline for one run. Callers should defer env.Close().
func initPipeline(ctx context.Context, runID string) (*pipelineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = newRunID()
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx, cfg.Pipeline.Name); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "ensure schema")
	}

	trail := governance.NewAuditTrail(filepath.Join(cfg.Staging.AuditDir, runID+".jsonl"), runID)
	membrane := governance.NewMembrane(runID,
		governance.NewHoldIsolation(true),
		trail,
		governance.NewCostEnforcer(cfg.Budgets),
	)

	var geminiClient gemini.Client
	if cfg.Gemini.Key != "" {
		geminiClient = gemini.NewClient(cfg.Gemini.Key, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	} else {
		zap.L().Warn("GEMINI_API_KEY not set, embedding and extraction stages will fail")
	}

	var anthropicClient anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		anthropicClient = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else if cfg.Pipeline.CorrectionEnabled {
		zap.L().Warn("ANTHROPIC_API_KEY not set, correction stage will fail")
	}

	var classifier sentiment.Client
	if cfg.Sentiment.Key != "" {
		classifier = sentiment.NewClient(cfg.Sentiment.Key,
			sentiment.WithBaseURL(cfg.Sentiment.BaseURL),
			sentiment.WithModel(cfg.Sentiment.Model))
	} else {
		zap.L().Warn("HF_API_KEY not set, sentiment stage will fail")
	}

	p := pipeline.New(cfg, pipeline.Deps{
		Store:      st,
		Membrane:   membrane,
		Tracker:    tracker.New(st, cfg.Pipeline.Name),
		DLQ:        resilience.NewDLQ(cfg.Staging.Dir),
		Gemini:     geminiClient,
		Anthropic:  anthropicClient,
		Classifier: classifier,
	})

	return &pipelineEnv{
		Store:    st,
		Membrane: membrane,
		Pipeline: p,
		RunID:    runID,
	}, nil
}
