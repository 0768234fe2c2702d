// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DataConfig locates on-disk state. Frontier databases, the index, the
// vector file, and snapshots all live under Dir.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// CrawlerConfig governs per-domain crawl behavior.
type CrawlerConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RobotsAgent        string        `mapstructure:"robots_agent"`
	Delay              time.Duration `mapstructure:"delay"`
	FetchConcurrency   int           `mapstructure:"fetch_concurrency"`
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	RejectionCacheSize int           `mapstructure:"rejection_cache_size"`
	RobotsOverrideDir  string        `mapstructure:"robots_override_dir"`
	ResumeOnStart      bool          `mapstructure:"resume_on_start"`
	MaxSentences       int           `mapstructure:"max_sentences"`
}

// HTTPConfig configures the fetcher and its retry behavior.
type HTTPConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	MaxBodyBytes        int           `mapstructure:"max_body_bytes"`
	ReachabilityAddress string        `mapstructure:"reachability_address"`
	ReachabilityPoll    time.Duration `mapstructure:"reachability_poll"`
}

// CheckpointConfig sizes the checkpoint pipeline.
type CheckpointConfig struct {
	Workers int `mapstructure:"workers"`
}

// EmbeddingConfig selects the sentence vector width.
type EmbeddingConfig struct {
	Dimensions int `mapstructure:"dimensions"`
}

// ProgressConfig controls the state event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// SITESEARCH_ prefix with dots replaced by underscores, e.g.
// SITESEARCH_CRAWLER_DELAY=2s.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESEARCH")
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
	v.SetDefault("data.dir", "data")
	v.SetDefault("crawler.user_agent", "sitesearch/0.1 (+personal crawler)")
	v.SetDefault("crawler.robots_agent", "sitesearch")
	v.SetDefault("crawler.delay", "1s")
	v.SetDefault("crawler.fetch_concurrency", 4)
	v.SetDefault("crawler.checkpoint_every", 25)
	v.SetDefault("crawler.rejection_cache_size", 1000)
	v.SetDefault("crawler.robots_override_dir", "")
	v.SetDefault("crawler.resume_on_start", true)
	v.SetDefault("crawler.max_sentences", 64)
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.retry_backoff", "1s")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.reachability_address", "")
	v.SetDefault("http.reachability_poll", "5s")
	v.SetDefault("checkpoint.workers", 2)
	v.SetDefault("embedding.dimensions", 512)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "100ms")
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		return fmt.Errorf("data.dir must be set")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.FetchConcurrency < 0 {
		return fmt.Errorf("crawler.fetch_concurrency must be >= 0")
	}
	if c.Crawler.CheckpointEvery <= 0 {
		return fmt.Errorf("crawler.checkpoint_every must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Checkpoint.Workers <= 0 {
		return fmt.Errorf("checkpoint.workers must be > 0")
	}
	if c.Embedding.Dimensions != 512 && c.Embedding.Dimensions != 1024 {
		return fmt.Errorf("embedding.dimensions must be 512 or 1024, got %d", c.Embedding.Dimensions)
	}
	return nil
}

// FrontierDir holds one SQLite frontier database per domain.
func (c Config) FrontierDir() string {
	return filepath.Join(c.Data.Dir, "frontier")
}

// SnapshotDir holds one checkpoint snapshot file per domain.
func (c Config) SnapshotDir() string {
	return filepath.Join(c.Data.Dir, "snapshots")
}

// IndexDir holds the full-text database and the vector file.
func (c Config) IndexDir() string {
	return filepath.Join(c.Data.Dir, "index")
}
