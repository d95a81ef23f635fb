package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, "forge.db", cfg.Warehouse.SQLitePath)
	assert.Equal(t, "staging", cfg.Staging.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "gemini-2.0-flash", cfg.Gemini.Model)
	assert.Equal(t, "gemini-embedding-001", cfg.Gemini.EmbeddingModel)
	assert.Equal(t, 100, cfg.Gemini.MaxBatchSize)
	assert.Equal(t, 8000, cfg.Gemini.MaxEmbedChars)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, "claude_transcripts", cfg.Pipeline.Name)
	assert.Equal(t, 500, cfg.Pipeline.BatchSize)
	assert.InDelta(t, 0.5, cfg.Pipeline.ParseErrorNoGo, 0.001)
	assert.InDelta(t, 0.1, cfg.Pipeline.ParseErrorCaution, 0.001)
	assert.Equal(t, 10, cfg.Pipeline.TopKeywords)
	assert.Equal(t, 5, cfg.Pipeline.SimilarityTopN)
	assert.InDelta(t, 0.75, cfg.Pipeline.SimilarityMinScore, 0.001)
	assert.InDelta(t, 0.3, cfg.Sentiment.Threshold, 0.001)
	assert.Equal(t, 8, cfg.Review.Workers)
	assert.InDelta(t, 5.00, cfg.Budgets["gemini"].MaxCostUSD, 0.001)
	assert.InDelta(t, 0.8, cfg.Budgets["gemini"].WarnFraction, 0.001)
	// With no pricing section configured, defaults are loaded.
	assert.NotEmpty(t, cfg.Pricing.Gemini)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
warehouse:
  driver: postgres
  database_url: postgres://localhost/forge
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  batch_size: 250
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Warehouse.Driver)
	assert.Equal(t, "postgres://localhost/forge", cfg.Warehouse.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250, cfg.Pipeline.BatchSize)
	// Defaults still apply for unset values
	assert.Equal(t, "gemini-2.0-flash", cfg.Gemini.Model)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
warehouse:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FORGE_WAREHOUSE_DRIVER", "postgres")
	t.Setenv("FORGE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Warehouse.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConventionalEnvNames(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("GEMINI_API_KEY", "gk-test")
	t.Setenv("GEMINI_MAX_COST_PER_SESSION", "2.50")
	t.Setenv("GEMINI_MAX_CALLS_PER_SESSION", "7")
	t.Setenv("GEMINI_MIN_CALL_INTERVAL", "750ms")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gk-test", cfg.Gemini.Key)
	assert.InDelta(t, 2.50, cfg.Budgets["gemini"].MaxCostUSD, 0.001)
	assert.Equal(t, 7, cfg.Budgets["gemini"].MaxCalls)
	assert.Equal(t, 750*time.Millisecond, cfg.Budgets["gemini"].MinCallInterval)
	assert.Equal(t, "production", cfg.Environment)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Warehouse.Driver = "sqlite"
	cfg.Warehouse.SQLitePath = "forge.db"
	cfg.Staging.Dir = "staging"
	cfg.Pipeline.BatchSize = 500
	cfg.Pipeline.ParseErrorNoGo = 0.5
	cfg.Pipeline.ParseErrorCaution = 0.1
	cfg.Sentiment.Threshold = 0.3
	cfg.Gemini.MaxBatchSize = 100
	cfg.Review.Workers = 8
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_SQLitePathRequired(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.SQLitePath = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse.sqlite_path is required")
}

func TestValidateRun_PostgresURLRequired(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.Driver = "postgres"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse.database_url is required")
}

func TestValidateRun_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.Driver = "mysql"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse.driver must be sqlite or postgres")
}

func TestValidateEnrich_KeyRequired(t *testing.T) {
	cfg := validDefaults()

	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini.key is required")

	cfg.Gemini.Key = "gk-test"
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateEnrich_BatchSizeBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Gemini.Key = "gk-test"

	cfg.Gemini.MaxBatchSize = 0
	err := cfg.Validate("enrich")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gemini.max_batch_size must be between 1 and 100")

	cfg.Gemini.MaxBatchSize = 101
	err = cfg.Validate("enrich")
	assert.Error(t, err)

	cfg.Gemini.MaxBatchSize = 100
	assert.NoError(t, cfg.Validate("enrich"))
}

func TestValidateReview_WorkerBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"

	cfg.Review.Workers = 0
	err := cfg.Validate("review")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "review.workers must be between 1 and 64")

	cfg.Review.Workers = 8
	assert.NoError(t, cfg.Validate("review"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateThresholdBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.ParseErrorNoGo = 1.5
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse_error_no_go")

	cfg.Pipeline.ParseErrorNoGo = 0.5
	cfg.Sentiment.Threshold = -0.1
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sentiment.threshold")
}
