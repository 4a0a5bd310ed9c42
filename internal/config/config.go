// Package config loads the service configuration from defaults, an optional
// YAML or JSON file and RIGHTS2ROOF_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/logging"
	"github.com/OhziiiLov3/rights2roof/internal/ratelimit"
	"github.com/OhziiiLov3/rights2roof/internal/store"
	"github.com/OhziiiLov3/rights2roof/internal/tools"
)

// EnvPrefix prefixes every environment override, e.g.
// RIGHTS2ROOF_SERVER_ADDRESS for server.address.
const EnvPrefix = "RIGHTS2ROOF"

// Config is the full service configuration.
type Config struct {
	Log       logging.Config  `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Store     store.Config    `mapstructure:"store"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Tools     tools.Config    `mapstructure:"tools"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address          string           `mapstructure:"address"`
	RateLimitEnabled bool             `mapstructure:"rate_limit_enabled"`
	RateLimit        ratelimit.Config `mapstructure:"rate_limit"`
	ShutdownTimeout  time.Duration    `mapstructure:"shutdown_timeout"`
}

// LLMConfig configures the chat model. Without an API key the service
// plans from the plan book and answers with digests.
type LLMConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int64         `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a model is configured.
func (c LLMConfig) Enabled() bool { return strings.TrimSpace(c.APIKey) != "" }

// PipelineConfig configures the turn coordinator and its stages.
type PipelineConfig struct {
	HistoryLimit      int           `mapstructure:"history_limit"`
	PriorMessageLimit int           `mapstructure:"prior_message_limit"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	MaxSteps          int           `mapstructure:"max_steps"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	DefaultTool       string        `mapstructure:"default_tool"`
	PlanBook          string        `mapstructure:"plan_book"`
	EnableRetrieval   bool          `mapstructure:"enable_retrieval"`
	EnableDraft       bool          `mapstructure:"enable_draft"`
}

// KnowledgeConfig configures the document corpus and retrieval.
type KnowledgeConfig struct {
	CorpusDir      string  `mapstructure:"corpus_dir"`
	IndexPath      string  `mapstructure:"index_path"`
	ChunkSize      int     `mapstructure:"chunk_size"`
	ChunkOverlap   int     `mapstructure:"chunk_overlap"`
	TopK           int     `mapstructure:"top_k"`
	MinScore       float64 `mapstructure:"min_score"`
	ContextWindow  int     `mapstructure:"context_window"`
	TokenizerModel string  `mapstructure:"tokenizer_model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.rate_limit_enabled", true)
	v.SetDefault("server.rate_limit.limit", ratelimit.DefaultLimit)
	v.SetDefault("server.rate_limit.window", ratelimit.DefaultWindow)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1500)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.max_concurrent", 4)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("store.backend", store.BackendMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("store.cleanup_interval", "10m")

	v.SetDefault("pipeline.history_limit", 5)
	v.SetDefault("pipeline.prior_message_limit", 10)
	v.SetDefault("pipeline.cache_ttl", "24h")
	v.SetDefault("pipeline.max_steps", 6)
	v.SetDefault("pipeline.step_timeout", "20s")
	v.SetDefault("pipeline.max_workers", 5)
	v.SetDefault("pipeline.max_retries", 1)
	v.SetDefault("pipeline.retry_delay", "500ms")
	v.SetDefault("pipeline.default_tool", string(rights2roof.ToolDuckDuckGo))
	v.SetDefault("pipeline.plan_book", "")
	v.SetDefault("pipeline.enable_retrieval", true)
	v.SetDefault("pipeline.enable_draft", true)

	v.SetDefault("knowledge.corpus_dir", "")
	v.SetDefault("knowledge.index_path", "")
	v.SetDefault("knowledge.chunk_size", 500)
	v.SetDefault("knowledge.chunk_overlap", 100)
	v.SetDefault("knowledge.top_k", 5)
	v.SetDefault("knowledge.min_score", 0.0)
	v.SetDefault("knowledge.context_window", 2048)
	v.SetDefault("knowledge.tokenizer_model", "")

	d := tools.DefaultConfig()
	v.SetDefault("tools.news_api_key", "")
	v.SetDefault("tools.news_api_url", d.NewsAPIURL)
	v.SetDefault("tools.tavily_api_key", "")
	v.SetDefault("tools.tavily_url", d.TavilyURL)
	v.SetDefault("tools.legiscan_api_key", "")
	v.SetDefault("tools.legiscan_url", d.LegiScanURL)
	v.SetDefault("tools.legiscan_state", d.LegiScanState)
	v.SetDefault("tools.wikipedia_url", d.WikipediaURL)
	v.SetDefault("tools.duckduckgo_url", d.DuckDuckGoURL)
	v.SetDefault("tools.geo_url", d.GeoURL)
	v.SetDefault("tools.bing_feeds", d.BingFeeds)
	v.SetDefault("tools.timeout", d.Timeout)
	v.SetDefault("tools.cpi", d.CPI)
}

// envAliases binds the conventional variable names alongside the prefixed
// ones. The prefixed name wins when both are set.
var envAliases = map[string]string{
	"llm.api_key":            "OPENAI_API_KEY",
	"tools.news_api_key":     "NEWS_API_KEY",
	"tools.tavily_api_key":   "TAVILY_API_KEY",
	"tools.legiscan_api_key": "LEGISCAN_API_KEY",
	"store.redis_url":        "REDIS_URL",
	"store.redis_addr":       "REDIS_ADDR",
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Store.RedisURL == "" {
		if addr := v.GetString("store.redis_addr"); addr != "" {
			cfg.Store.RedisURL = "redis://" + addr
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and limits.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendFile, store.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.Backend == store.BackendFile && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: required for the file backend"))
	}
	if c.Store.Backend == store.BackendRedis && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("store.redis_url: required for the redis backend"))
	}
	if c.Pipeline.HistoryLimit < 0 || c.Pipeline.PriorMessageLimit < 0 {
		errs = append(errs, errors.New("pipeline: history limits must not be negative"))
	}
	if c.Pipeline.MaxSteps <= 0 || c.Pipeline.MaxWorkers <= 0 {
		errs = append(errs, errors.New("pipeline: max_steps and max_workers must be positive"))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, errors.New("pipeline.max_retries: must not be negative"))
	}
	if _, ok := rights2roof.ParseToolName(c.Pipeline.DefaultTool); c.Pipeline.DefaultTool != "" && !ok {
		errs = append(errs, fmt.Errorf("pipeline.default_tool: unknown tool %q", c.Pipeline.DefaultTool))
	}
	if c.Knowledge.TopK <= 0 || c.Knowledge.ContextWindow <= 0 {
		errs = append(errs, errors.New("knowledge: top_k and context_window must be positive"))
	}
	if c.Knowledge.ChunkSize <= 0 || c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		errs = append(errs, errors.New("knowledge: chunk_overlap must be smaller than a positive chunk_size"))
	}
	if c.Server.RateLimitEnabled && (c.Server.RateLimit.Limit <= 0 || c.Server.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("server.rate_limit: limit and window must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if len(errs) > 0 {
		return rights2roof.NewConfigurationError("invalid configuration", errors.Join(errs...))
	}
	return nil
}
