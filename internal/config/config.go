package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arcfin/ledgersync/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Bankfeed  BankfeedConfig  `yaml:"bankfeed" mapstructure:"bankfeed"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	Import    ImportConfig    `yaml:"import" mapstructure:"import"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Lookup    LookupConfig    `yaml:"lookup" mapstructure:"lookup"`
	Pricing   cost.Rates      `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BankfeedConfig configures the open-banking API client.
type BankfeedConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	AccessToken    string  `yaml:"access_token" mapstructure:"access_token"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst      int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	PageSize       int     `yaml:"page_size" mapstructure:"page_size"`
	PageLatencyMS  int     `yaml:"page_latency_ms" mapstructure:"page_latency_ms"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Google Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ImportConfig configures the import job orchestrator.
type ImportConfig struct {
	Workers            int     `yaml:"workers" mapstructure:"workers"`
	TxPerAccountPerDay float64 `yaml:"tx_per_account_per_day" mapstructure:"tx_per_account_per_day"`
	SkipDuplicateCheck bool    `yaml:"skip_duplicate_check" mapstructure:"skip_duplicate_check"`
}

// EnrichConfig configures the enrichment engine.
type EnrichConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"` // "anthropic" or "gemini"
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	// AlwaysLLM sends lookup-resolved transactions through the LLM stage too,
	// instead of only the ones lookups could not settle.
	AlwaysLLM bool `yaml:"always_llm" mapstructure:"always_llm"`
}

// LookupConfig configures lookup-stage matching. The similarity weighting is
// a product tunable, not a constant.
type LookupConfig struct {
	AmountWeight      float64 `yaml:"amount_weight" mapstructure:"amount_weight"`
	DateWeight        float64 `yaml:"date_weight" mapstructure:"date_weight"`
	DescriptionWeight float64 `yaml:"description_weight" mapstructure:"description_weight"`
	MinConfidence     float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MaxCandidates     int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	DateWindowDays    int     `yaml:"date_window_days" mapstructure:"date_window_days"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("bankfeed.timeout_secs", 30)
	v.SetDefault("bankfeed.max_retries", 3)
	v.SetDefault("bankfeed.rate_per_second", 5)
	v.SetDefault("bankfeed.rate_burst", 5)
	v.SetDefault("bankfeed.page_size", 100)
	v.SetDefault("bankfeed.page_latency_ms", 400)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.tx_per_account_per_day", 1.3)
	v.SetDefault("enrich.provider", "anthropic")
	v.SetDefault("enrich.batch_size", 25)
	v.SetDefault("lookup.amount_weight", 0.40)
	v.SetDefault("lookup.date_weight", 0.25)
	v.SetDefault("lookup.description_weight", 0.35)
	v.SetDefault("lookup.min_confidence", 0.55)
	v.SetDefault("lookup.max_candidates", 10)
	v.SetDefault("lookup.date_window_days", 7)

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

	if cfg.Pricing.Anthropic == nil && cfg.Pricing.Gemini == nil {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
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
