// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Crawl        CrawlConfig        `mapstructure:"crawl"`
	Chunker      ChunkerConfig      `mapstructure:"chunker"`
	Metadata     MetadataConfig     `mapstructure:"metadata"`
	Dedupe       DedupeConfig       `mapstructure:"dedupe"`
	Embedder     EmbedderConfig     `mapstructure:"embedder"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Redis        RedisConfig        `mapstructure:"redis"`
	DB           DBConfig           `mapstructure:"db"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	// OwnedDomains lists hosts the operator controls; jobs against them use
	// the owned concurrency ceiling and skip politeness throttling.
	OwnedDomains []string `mapstructure:"owned_domains"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlConfig governs discovery and per-page fetch behavior.
type CrawlConfig struct {
	UserAgent           string  `mapstructure:"user_agent"`
	MaxPagesDefault     int     `mapstructure:"max_pages_default"`
	MaxDepth            int     `mapstructure:"max_depth"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	JobDeadlineMinutes  int     `mapstructure:"job_deadline_minutes"`
	RespectRobots       bool    `mapstructure:"respect_robots"`
	PolitenessRPS       float64 `mapstructure:"politeness_rps"`
	MaxBodyBytes        int64   `mapstructure:"max_body_bytes"`
}

// ChunkerConfig bounds chunk sizes. MaxTokens stays below the embedding
// provider's hard limit to leave headroom for estimation error.
type ChunkerConfig struct {
	MaxTokens     int `mapstructure:"max_tokens"`
	CharsPerToken int `mapstructure:"chars_per_token"`
}

// MetadataConfig tunes the per-page metadata extractor.
type MetadataConfig struct {
	MinPageLength int `mapstructure:"min_page_length"`
	TopKeywords   int `mapstructure:"top_keywords"`
}

// DedupeConfig tunes chunk fingerprinting.
type DedupeConfig struct {
	MinChunkLength    int     `mapstructure:"min_chunk_length"`
	ExpectedChunks    uint    `mapstructure:"expected_chunks"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// EmbedderConfig configures the embedding provider client.
type EmbedderConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	APIKey             string  `mapstructure:"api_key"`
	Model              string  `mapstructure:"model"`
	BatchSize          int     `mapstructure:"batch_size"`
	MaxTokensPerCall   int     `mapstructure:"max_tokens_per_call"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	Burst              int     `mapstructure:"burst"`
	MaxRetries         int     `mapstructure:"max_retries"`
	BackoffInitialMs   int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int     `mapstructure:"backoff_max_ms"`
	CallTimeoutSeconds int     `mapstructure:"call_timeout_seconds"`
}

// BackpressureConfig bounds page-level concurrency.
type BackpressureConfig struct {
	Floor          int     `mapstructure:"floor"`
	Ceiling        int     `mapstructure:"ceiling"`
	OwnedCeiling   int     `mapstructure:"owned_ceiling"`
	MemHighWaterMB uint64  `mapstructure:"mem_high_water_mb"`
	MemLowWaterMB  uint64  `mapstructure:"mem_low_water_mb"`
	ErrorWindow    int     `mapstructure:"error_window"`
	ErrorRateLimit float64 `mapstructure:"error_rate_limit"`
}

// RedisConfig configures the resilient cache/queue client.
type RedisConfig struct {
	Addr                     string `mapstructure:"addr"`
	Password                 string `mapstructure:"password"`
	DB                       int    `mapstructure:"db"`
	KeepaliveIntervalSeconds int    `mapstructure:"keepalive_interval_seconds"`
	BreakerThreshold         uint32 `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds   int    `mapstructure:"breaker_cooldown_seconds"`
	FallbackTTLMinutes       int    `mapstructure:"fallback_ttl_minutes"`
}

// DBConfig controls access to the relational+vector store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
	// Provider selects "postgres" or "memory" (dev/test).
	Provider string `mapstructure:"provider"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("crawl.user_agent", "quarry-bot/1.0 (+https://github.com/quarrylabs/quarry)")
	v.SetDefault("crawl.max_pages_default", 200)
	v.SetDefault("crawl.max_depth", 4)
	v.SetDefault("crawl.fetch_timeout_seconds", 15)
	v.SetDefault("crawl.job_deadline_minutes", 180)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.politeness_rps", 2)
	v.SetDefault("crawl.max_body_bytes", 5*1024*1024)

	v.SetDefault("chunker.max_tokens", 480)
	v.SetDefault("chunker.chars_per_token", 4)

	v.SetDefault("metadata.min_page_length", 200)
	v.SetDefault("metadata.top_keywords", 10)

	v.SetDefault("dedupe.min_chunk_length", 80)
	v.SetDefault("dedupe.expected_chunks", 100000)
	v.SetDefault("dedupe.false_positive_rate", 0.001)

	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.batch_size", 32)
	v.SetDefault("embedder.max_tokens_per_call", 7500)
	v.SetDefault("embedder.requests_per_second", 4)
	v.SetDefault("embedder.burst", 2)
	v.SetDefault("embedder.max_retries", 4)
	v.SetDefault("embedder.backoff_initial_ms", 500)
	v.SetDefault("embedder.backoff_max_ms", 10000)
	v.SetDefault("embedder.call_timeout_seconds", 60)

	v.SetDefault("backpressure.floor", 2)
	v.SetDefault("backpressure.ceiling", 8)
	v.SetDefault("backpressure.owned_ceiling", 64)
	v.SetDefault("backpressure.mem_high_water_mb", 1536)
	v.SetDefault("backpressure.mem_low_water_mb", 1024)
	v.SetDefault("backpressure.error_window", 20)
	v.SetDefault("backpressure.error_rate_limit", 0.3)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.keepalive_interval_seconds", 30)
	v.SetDefault("redis.breaker_threshold", 5)
	v.SetDefault("redis.breaker_cooldown_seconds", 15)
	v.SetDefault("redis.fallback_ttl_minutes", 60)

	v.SetDefault("db.provider", "memory")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Chunker.MaxTokens <= 0 {
		return fmt.Errorf("chunker.max_tokens must be > 0")
	}
	if c.Chunker.CharsPerToken <= 0 {
		return fmt.Errorf("chunker.chars_per_token must be > 0")
	}
	if c.Embedder.MaxTokensPerCall < c.Chunker.MaxTokens {
		return fmt.Errorf("embedder.max_tokens_per_call must be >= chunker.max_tokens")
	}
	if c.Backpressure.Floor <= 0 {
		return fmt.Errorf("backpressure.floor must be > 0")
	}
	if c.Backpressure.Ceiling < c.Backpressure.Floor {
		return fmt.Errorf("backpressure.ceiling must be >= floor")
	}
	if c.Backpressure.OwnedCeiling < c.Backpressure.Ceiling {
		return fmt.Errorf("backpressure.owned_ceiling must be >= ceiling")
	}
	if c.Backpressure.MemLowWaterMB > c.Backpressure.MemHighWaterMB {
		return fmt.Errorf("backpressure.mem_low_water_mb must be <= mem_high_water_mb")
	}
	if c.DB.Provider != "memory" && c.DB.Provider != "postgres" {
		return fmt.Errorf("db.provider must be memory or postgres")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	return nil
}

// FetchTimeout returns the per-fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawl.FetchTimeoutSeconds) * time.Second
}

// JobDeadline returns the soft deadline after which a job stops admitting new
// discovery work.
func (c Config) JobDeadline() time.Duration {
	return time.Duration(c.Crawl.JobDeadlineMinutes) * time.Minute
}

// IsOwnedDomain reports whether host is on the operator's owned-domains list.
func (c Config) IsOwnedDomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range c.OwnedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
