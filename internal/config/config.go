package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgeworks/devloop/internal/agent"
	"github.com/forgeworks/devloop/internal/ledger"
	"github.com/forgeworks/devloop/internal/pipeline"
	"github.com/forgeworks/devloop/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob      BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Anthropic AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Agent     agent.Config     `yaml:"agent" mapstructure:"agent"`
	Embed     EmbedConfig      `yaml:"embed" mapstructure:"embed"`
	Ledger    ledger.Config    `yaml:"ledger" mapstructure:"ledger"`
	Pipeline  pipeline.Config  `yaml:"pipeline" mapstructure:"pipeline"`
	Queue     QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Pool      store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BlobConfig configures artifact blob storage.
type BlobConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// EmbedConfig configures the embedding model.
type EmbedConfig struct {
	Model    string `yaml:"model" mapstructure:"model"`
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`
}

// QueueConfig configures the background work queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity"`
	Workers  int `yaml:"workers" mapstructure:"workers"`
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
	v.SetEnvPrefix("DEVLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "devloop.db")
	v.SetDefault("blob.dir", "artifacts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("agent.model", agent.DefaultConfig().Model)
	v.SetDefault("agent.max_tokens", agent.DefaultConfig().MaxTokens)
	v.SetDefault("agent.rps", agent.DefaultConfig().RPS)
	v.SetDefault("agent.burst", agent.DefaultConfig().Burst)
	v.SetDefault("embed.model", "BAAI/bge-small-en-v1.5")
	v.SetDefault("embed.cache_dir", "models")
	v.SetDefault("ledger.credit_value_usd", ledger.DefaultConfig().CreditValueUSD)
	v.SetDefault("ledger.markup", ledger.DefaultConfig().Markup)
	v.SetDefault("pipeline.min_credit_balance", pipeline.DefaultConfig().MinCreditBalance)
	v.SetDefault("pipeline.context_k", pipeline.DefaultConfig().ContextK)
	v.SetDefault("pipeline.provider", pipeline.DefaultConfig().Provider)
	v.SetDefault("pipeline.model", pipeline.DefaultConfig().Model)
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.workers", 1)
	v.SetDefault("pool.max_conns", 10)
	v.SetDefault("pool.min_conns", 2)

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
