package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/truth-forge/forge-cli/internal/cost"
	"github.com/truth-forge/forge-cli/internal/governance"
)

// Config holds the full application configuration.
type Config struct {
	Environment string                       `yaml:"environment" mapstructure:"environment"`
	Warehouse   WarehouseConfig              `yaml:"warehouse" mapstructure:"warehouse"`
	Staging     StagingConfig                `yaml:"staging" mapstructure:"staging"`
	Gemini      GeminiConfig                 `yaml:"gemini" mapstructure:"gemini"`
	Anthropic   AnthropicConfig              `yaml:"anthropic" mapstructure:"anthropic"`
	Sentiment   SentimentConfig              `yaml:"sentiment" mapstructure:"sentiment"`
	Pricing     cost.Rates                   `yaml:"pricing" mapstructure:"pricing"`
	Budgets     map[string]governance.Budget `yaml:"budgets" mapstructure:"budgets"`
	Pipeline    PipelineConfig               `yaml:"pipeline" mapstructure:"pipeline"`
	Review      ReviewConfig                 `yaml:"review" mapstructure:"review"`
	Server      ServerConfig                 `yaml:"server" mapstructure:"server"`
	Log         LogConfig                    `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures the database backend.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// StagingConfig configures file staging areas.
type StagingConfig struct {
	Dir        string   `yaml:"dir" mapstructure:"dir"`
	SourceDirs []string `yaml:"source_dirs" mapstructure:"source_dirs"`
	AuditDir   string   `yaml:"audit_dir" mapstructure:"audit_dir"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	Model          string `yaml:"model" mapstructure:"model"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
	MaxBatchSize   int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MaxEmbedChars  int    `yaml:"max_embed_chars" mapstructure:"max_embed_chars"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	HaikuModel string `yaml:"haiku_model" mapstructure:"haiku_model"`
}

// SentimentConfig holds the hosted emotion classifier settings.
type SentimentConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Model     string  `yaml:"model" mapstructure:"model"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// PipelineConfig configures stage behavior.
type PipelineConfig struct {
	Name               string  `yaml:"name" mapstructure:"name"`
	BatchSize          int     `yaml:"batch_size" mapstructure:"batch_size"`
	ParseErrorNoGo     float64 `yaml:"parse_error_no_go" mapstructure:"parse_error_no_go"`
	ParseErrorCaution  float64 `yaml:"parse_error_caution" mapstructure:"parse_error_caution"`
	CorrectionEnabled  bool    `yaml:"correction_enabled" mapstructure:"correction_enabled"`
	TopKeywords        int     `yaml:"top_keywords" mapstructure:"top_keywords"`
	SimilarityTopN     int     `yaml:"similarity_top_n" mapstructure:"similarity_top_n"`
	SimilarityMinScore float64 `yaml:"similarity_min_score" mapstructure:"similarity_min_score"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// ReviewConfig configures the concurrent review pool.
type ReviewConfig struct {
	Workers           int `yaml:"workers" mapstructure:"workers"`
	ItemTimeoutSecs   int `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	TotalTimeoutSecs  int `yaml:"total_timeout_secs" mapstructure:"total_timeout_secs"`
	MaxReviewsPerItem int `yaml:"max_reviews_per_item" mapstructure:"max_reviews_per_item"`
}

// ServerConfig configures the read-only query API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional variable names used by the surrounding tooling, bound
	// alongside the FORGE_ prefixed forms.
	_ = v.BindEnv("environment", "FORGE_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("gemini.key", "FORGE_GEMINI_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("anthropic.key", "FORGE_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("sentiment.key", "FORGE_SENTIMENT_KEY", "HF_API_KEY")
	_ = v.BindEnv("budgets.gemini.max_calls", "GEMINI_MAX_CALLS_PER_SESSION")
	_ = v.BindEnv("budgets.gemini.max_tokens", "GEMINI_MAX_TOKENS_PER_SESSION")
	_ = v.BindEnv("budgets.gemini.max_cost_usd", "GEMINI_MAX_COST_PER_SESSION")
	_ = v.BindEnv("budgets.gemini.min_call_interval", "GEMINI_MIN_CALL_INTERVAL")

	// Defaults
	v.SetDefault("environment", "development")
	v.SetDefault("warehouse.driver", "sqlite")
	v.SetDefault("warehouse.sqlite_path", "forge.db")
	v.SetDefault("staging.dir", "staging")
	v.SetDefault("staging.audit_dir", "staging/audit")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("gemini.max_batch_size", 100)
	v.SetDefault("gemini.max_embed_chars", 8000)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("sentiment.base_url", "https://api-inference.huggingface.co")
	v.SetDefault("sentiment.model", "j-hartmann/emotion-english-distilroberta-base")
	v.SetDefault("sentiment.threshold", 0.3)
	v.SetDefault("pipeline.name", "claude_transcripts")
	v.SetDefault("pipeline.batch_size", 500)
	v.SetDefault("pipeline.parse_error_no_go", 0.5)
	v.SetDefault("pipeline.parse_error_caution", 0.1)
	v.SetDefault("pipeline.correction_enabled", true)
	v.SetDefault("pipeline.top_keywords", 10)
	v.SetDefault("pipeline.similarity_top_n", 5)
	v.SetDefault("pipeline.similarity_min_score", 0.75)
	v.SetDefault("pipeline.requests_per_second", 2.0)
	v.SetDefault("review.workers", 8)
	v.SetDefault("review.item_timeout_secs", 60)
	v.SetDefault("review.total_timeout_secs", 600)
	v.SetDefault("review.max_reviews_per_item", 3)
	v.SetDefault("budgets.gemini.max_cost_usd", 5.00)
	v.SetDefault("budgets.gemini.warn_fraction", 0.8)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Pricing.Gemini) == 0 && len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks that configuration required for the given mode is present
// and in range. Modes: "run" (pipeline execution), "enrich" (stages that call
// external models), "review" (concurrent review pool), "serve" (query API).
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	// Bounds that apply to every mode.
	check(c.Pipeline.BatchSize > 0, "pipeline.batch_size must be > 0")
	check(c.Pipeline.ParseErrorNoGo >= 0 && c.Pipeline.ParseErrorNoGo <= 1,
		"pipeline.parse_error_no_go must be between 0 and 1")
	check(c.Pipeline.ParseErrorCaution >= 0 && c.Pipeline.ParseErrorCaution <= 1,
		"pipeline.parse_error_caution must be between 0 and 1")
	check(c.Sentiment.Threshold >= 0 && c.Sentiment.Threshold <= 1,
		"sentiment.threshold must be between 0 and 1")

	switch mode {
	case "run":
		switch c.Warehouse.Driver {
		case "sqlite":
			check(c.Warehouse.SQLitePath != "", "warehouse.sqlite_path is required")
		case "postgres":
			check(c.Warehouse.DatabaseURL != "", "warehouse.database_url is required")
		default:
			problems = append(problems, "warehouse.driver must be sqlite or postgres")
		}
		check(c.Staging.Dir != "", "staging.dir is required")
	case "enrich":
		check(c.Gemini.Key != "", "gemini.key is required")
		check(c.Gemini.MaxBatchSize >= 1 && c.Gemini.MaxBatchSize <= 100,
			"gemini.max_batch_size must be between 1 and 100")
	case "review":
		check(c.Anthropic.Key != "", "anthropic.key is required")
		check(c.Review.Workers >= 1 && c.Review.Workers <= 64,
			"review.workers must be between 1 and 64")
	case "serve":
		check(c.Server.Port > 0, "server.port must be > 0")
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
