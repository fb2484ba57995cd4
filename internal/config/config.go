// Package config handles configuration loading for IRPulse.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"      yaml:"llm"`
	News     NewsConfig     `mapstructure:"news"     yaml:"news"`
	Store    StoreConfig    `mapstructure:"store"    yaml:"store"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Primary       string  `mapstructure:"primary"        yaml:"primary"` // "anthropic" or "openai"
	AnthropicKey  string  `mapstructure:"anthropic_key"  yaml:"anthropic_key"`
	OpenAIKey     string  `mapstructure:"openai_key"     yaml:"openai_key"`
	Model         string  `mapstructure:"model"          yaml:"model"`
	BriefModel    string  `mapstructure:"brief_model"    yaml:"brief_model"` // optional override for narrative calls
	Temperature   float64 `mapstructure:"temperature"    yaml:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"     yaml:"max_tokens"`
	TimeoutSec    int     `mapstructure:"timeout_sec"    yaml:"timeout_sec"`
	MaxRetries    int     `mapstructure:"max_retries"    yaml:"max_retries"`
	RetryDelaySec int     `mapstructure:"retry_delay_sec" yaml:"retry_delay_sec"`
}

// NewsConfig holds news extraction settings.
type NewsConfig struct {
	APIKey      string            `mapstructure:"api_key"      yaml:"api_key"`
	BaseURL     string            `mapstructure:"base_url"     yaml:"base_url"`
	Language    string            `mapstructure:"language"     yaml:"language"`
	PageSize    int               `mapstructure:"page_size"    yaml:"page_size"`
	ChunkDays   int               `mapstructure:"chunk_days"   yaml:"chunk_days"` // fetch window split for time distribution
	Domains     []string          `mapstructure:"domains"      yaml:"domains"`    // quality-mode domain filter; empty = all sources
	SearchTerms map[string]string `mapstructure:"search_terms" yaml:"search_terms"`
	RSSFeeds    []RSSFeed         `mapstructure:"rss_feeds"    yaml:"rss_feeds"`
	Tickers     []string          `mapstructure:"tickers"      yaml:"tickers"`
}

// RSSFeed configures one RSS fallback source.
type RSSFeed struct {
	Name string `mapstructure:"name" yaml:"name"`
	URL  string `mapstructure:"url"  yaml:"url"`
}

// StoreConfig holds persistent store settings.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"` // sqlite file path
}

// PipelineConfig holds ETL pipeline tunables. These are the knobs the
// aggregation invariants depend on; they are injected into components
// rather than read as ambient globals.
type PipelineConfig struct {
	DefaultTicker     string  `mapstructure:"default_ticker"      yaml:"default_ticker"`
	DaysBack          int     `mapstructure:"days_back"           yaml:"days_back"`
	MaxPerRun         int     `mapstructure:"max_per_run"         yaml:"max_per_run"`      // annotation cost cap per run
	MaxConcurrency    int     `mapstructure:"max_concurrency"     yaml:"max_concurrency"`  // concurrent scoring calls
	TrendWindowDays   int     `mapstructure:"trend_window_days"   yaml:"trend_window_days"`
	TrendThreshold    float64 `mapstructure:"trend_threshold"     yaml:"trend_threshold"`
	PositiveThreshold float64 `mapstructure:"positive_threshold"  yaml:"positive_threshold"`
	NegativeThreshold float64 `mapstructure:"negative_threshold"  yaml:"negative_threshold"`
	TopTopics         int     `mapstructure:"top_topics"          yaml:"top_topics"`
	MaxTopicsPerItem  int     `mapstructure:"max_topics_per_item" yaml:"max_topics_per_item"`
	SnippetMaxRunes   int     `mapstructure:"snippet_max_runes"   yaml:"snippet_max_runes"`
	Schedule          string  `mapstructure:"schedule"            yaml:"schedule"` // cron expression; empty = manual only
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.irpulse/config.yaml (home directory)
//  3. /etc/irpulse/config.yaml (system)
//
// Environment variables override config file values.
// Format: IRPULSE_<SECTION>_<KEY>, e.g., IRPULSE_LLM_ANTHROPIC_KEY.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".irpulse"))
	v.AddConfigPath("/etc/irpulse")

	v.SetEnvPrefix("IRPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found — fine, use defaults + env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("IRPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)
	return &cfg, nil
}

// Validate checks that the configuration is usable for a pipeline run.
func (c *Config) Validate() error {
	var missing []string
	if c.News.APIKey == "" && len(c.News.RSSFeeds) == 0 {
		missing = append(missing, "news.api_key (or news.rss_feeds)")
	}
	if c.LLM.AnthropicKey == "" && c.LLM.OpenAIKey == "" {
		missing = append(missing, "llm.anthropic_key or llm.openai_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Pipeline.TrendThreshold < 0 {
		return fmt.Errorf("pipeline.trend_threshold must be non-negative (it is applied symmetrically)")
	}
	if c.Pipeline.TrendWindowDays < 1 {
		return fmt.Errorf("pipeline.trend_window_days must be at least 1")
	}
	return nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults: deterministic scoring, small responses.
	v.SetDefault("llm.primary", "anthropic")
	v.SetDefault("llm.model", "claude-3-5-haiku-20241022")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.timeout_sec", 60)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.retry_delay_sec", 1)

	// News defaults
	v.SetDefault("news.base_url", "https://newsapi.org/v2")
	v.SetDefault("news.language", "en")
	v.SetDefault("news.page_size", 25)
	v.SetDefault("news.chunk_days", 7)
	v.SetDefault("news.tickers", []string{"TSLA", "NVDA", "AAPL", "GOOGL", "AMZN"})
	v.SetDefault("news.search_terms", map[string]string{
		"TSLA":  "TSLA OR Tesla",
		"NVDA":  "NVDA OR Nvidia",
		"AAPL":  "AAPL OR Apple",
		"GOOGL": "GOOGL OR Google OR Alphabet",
		"AMZN":  "AMZN OR Amazon",
	})

	// Store defaults
	v.SetDefault("store.path", "irpulse.db")

	// Pipeline defaults
	v.SetDefault("pipeline.default_ticker", "TSLA")
	v.SetDefault("pipeline.days_back", 7)
	v.SetDefault("pipeline.max_per_run", 20)
	v.SetDefault("pipeline.max_concurrency", 4)
	v.SetDefault("pipeline.trend_window_days", 3)
	v.SetDefault("pipeline.trend_threshold", 0.1)
	v.SetDefault("pipeline.positive_threshold", 0.25)
	v.SetDefault("pipeline.negative_threshold", -0.25)
	v.SetDefault("pipeline.top_topics", 5)
	v.SetDefault("pipeline.max_topics_per_item", 3)
	v.SetDefault("pipeline.snippet_max_runes", 500)
	v.SetDefault("pipeline.schedule", "")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8085)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// overrideFromEnv explicitly reads sensitive keys from environment
// variables, including the conventional unprefixed names so a plain
// .env works.
func overrideFromEnv(cfg *Config) {
	for _, name := range []string{"IRPULSE_LLM_ANTHROPIC_KEY", "ANTHROPIC_API_KEY"} {
		if key := os.Getenv(name); key != "" && cfg.LLM.AnthropicKey == "" {
			cfg.LLM.AnthropicKey = key
		}
	}
	for _, name := range []string{"IRPULSE_LLM_OPENAI_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(name); key != "" && cfg.LLM.OpenAIKey == "" {
			cfg.LLM.OpenAIKey = key
		}
	}
	for _, name := range []string{"IRPULSE_NEWS_API_KEY", "NEWS_API_KEY"} {
		if key := os.Getenv(name); key != "" && cfg.News.APIKey == "" {
			cfg.News.APIKey = key
		}
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
