package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/regulus-ai/regulus/internal/cache"
	"github.com/regulus-ai/regulus/internal/conversation"
	"github.com/regulus-ai/regulus/internal/llm"
	"github.com/regulus-ai/regulus/internal/research"
	"github.com/regulus-ai/regulus/internal/retrieval"
	"github.com/regulus-ai/regulus/internal/steps"
	"github.com/regulus-ai/regulus/internal/tracing"
)

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RedisConfig locates the shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	MaxHops    int `mapstructure:"max_hops"`
	MaxTasks   int `mapstructure:"max_tasks"`
}

// RetrievalConfig bundles the backend service clients.
type RetrievalConfig struct {
	Graph  retrieval.GraphConfig  `mapstructure:"graph"`
	Vector retrieval.VectorConfig `mapstructure:"vector"`
	Web    retrieval.WebConfig    `mapstructure:"web"`
}

// AuditConfig locates the audit database. Empty DSN disables auditing.
type AuditConfig struct {
	DSN       string `mapstructure:"dsn"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LexiconConfig points at the optional domain vocabulary file.
type LexiconConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the full service configuration.
type Config struct {
	Service      ServiceConfig       `mapstructure:"service"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Redis        RedisConfig         `mapstructure:"redis"`
	LLM          llm.Config          `mapstructure:"llm"`
	Retrieval    RetrievalConfig     `mapstructure:"retrieval"`
	Research     research.Config     `mapstructure:"research"`
	Cache        cache.Config        `mapstructure:"cache"`
	Engine       EngineConfig        `mapstructure:"engine"`
	Conversation conversation.Config `mapstructure:"conversation"`
	Messages     steps.Messages      `mapstructure:"messages"`
	Audit        AuditConfig         `mapstructure:"audit"`
	Tracing      tracing.Config      `mapstructure:"tracing"`
	Lexicon      LexiconConfig       `mapstructure:"lexicon"`
}

// Load reads configuration from the given file, with REGULUS_*
// environment variables overriding file values. An empty path loads
// defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REGULUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.shutdown_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("retrieval.graph.base_url", "http://localhost:8081")
	v.SetDefault("retrieval.vector.base_url", "http://localhost:8082")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.max_hops", 64)
	v.SetDefault("engine.max_tasks", 5)
	v.SetDefault("research.max_concurrent", 4)
	v.SetDefault("research.min_score", 0.4)
	v.SetDefault("research.sub_query_timeout", "45s")
	v.SetDefault("cache.answer_ttl", "720h")
	v.SetDefault("cache.sub_answer_ttl", "1h")
	v.SetDefault("cache.min_answer_length", 15)
	v.SetDefault("cache.min_confidence", 0.5)
	v.SetDefault("conversation.ttl", "24h")
	v.SetDefault("conversation.max_messages", 50)
	v.SetDefault("conversation.context_window", 10)
	v.SetDefault("audit.queue_size", 256)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "regulus")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Engine.MaxHops < 2 {
		return fmt.Errorf("engine.max_hops must be at least 2")
	}
	if c.Cache.MinConfidence < 0 || c.Cache.MinConfidence > 1 {
		return fmt.Errorf("cache.min_confidence must be between 0 and 1")
	}
	if c.Research.MinScore < 0 || c.Research.MinScore > 1 {
		return fmt.Errorf("research.min_score must be between 0 and 1")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	return nil
}
