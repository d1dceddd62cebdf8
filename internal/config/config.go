package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/tailor/pkg/stage"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TAILOR_REDIS_URL.
const EnvPrefix = "TAILOR"

// Config represents the top-level tailor.yml configuration
type Config struct {
	Version   string          `mapstructure:"version"`
	Instance  string          `mapstructure:"instance"`
	Redis     RedisConfig     `mapstructure:"redis"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Bus       BusConfig       `mapstructure:"bus"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

// RedisConfig locates the blackboard.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// BusConfig selects and tunes the agent message bus.
type BusConfig struct {
	Backend       string        `mapstructure:"backend"` // "memory" or "redis"
	ConsumerGroup string        `mapstructure:"consumer_group"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	MaxLen        int64         `mapstructure:"max_len"`
	Block         time.Duration `mapstructure:"block"`
	StartFrom     string        `mapstructure:"start_from"` // "new" or "beginning"
}

// ArtifactsConfig selects the artifact version store.
type ArtifactsConfig struct {
	Backend     string `mapstructure:"backend"` // "redis" or "postgres"
	PostgresURL string `mapstructure:"postgres_url"`
}

// BroadcastConfig tunes the event broadcaster.
type BroadcastConfig struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Buffer    int           `mapstructure:"buffer"`
}

// PipelineConfig controls stage order and failure handling.
type PipelineConfig struct {
	Stages             []string    `mapstructure:"stages"`
	Retry              RetryConfig `mapstructure:"retry"`
	CheckpointAttempts int         `mapstructure:"checkpoint_attempts"`
}

// RetryConfig bounds retries of transient stage failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// CacheConfig sizes the research cache.
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// StreamConfig tunes the stream client used by `tailor watch`.
type StreamConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	StallThreshold   time.Duration `mapstructure:"stall_threshold"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
}

// keys lists every setting so environment overrides work without a file.
var keys = []string{
	"version", "instance", "redis.url", "http.addr",
	"bus.backend", "bus.consumer_group", "bus.idle_threshold", "bus.max_len", "bus.block", "bus.start_from",
	"artifacts.backend", "artifacts.postgres_url",
	"broadcast.heartbeat", "broadcast.buffer",
	"pipeline.stages", "pipeline.retry.max_attempts", "pipeline.retry.initial_interval",
	"pipeline.retry.max_interval", "pipeline.checkpoint_attempts",
	"cache.size", "cache.ttl",
	"stream.max_attempts", "stream.initial_backoff", "stream.watchdog_interval",
	"stream.stall_threshold", "stream.flush_interval",
}

// Load reads tailor.yml and TAILOR_* environment overrides, then validates.
// An empty path searches the working directory; a missing file is not an
// error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tailor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if err := c.Bus.validate(); err != nil {
		return err
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "redis"
	}
	switch c.Artifacts.Backend {
	case "redis":
	case "postgres":
		if c.Artifacts.PostgresURL == "" {
			return fmt.Errorf("artifacts.postgres_url is required when artifacts.backend is 'postgres'")
		}
	default:
		return fmt.Errorf("invalid artifacts.backend: %s (must be 'redis' or 'postgres')", c.Artifacts.Backend)
	}

	if c.Broadcast.Heartbeat == 0 {
		c.Broadcast.Heartbeat = 20 * time.Second
	}
	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = 64
	}
	if c.Broadcast.Heartbeat < 0 || c.Broadcast.Buffer < 1 {
		return fmt.Errorf("broadcast.heartbeat and broadcast.buffer must be positive")
	}

	if err := c.Pipeline.validate(); err != nil {
		return err
	}

	if c.Cache.Size == 0 {
		c.Cache.Size = 256
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 15 * time.Minute
	}
	if c.Cache.Size < 1 || c.Cache.TTL < 0 {
		return fmt.Errorf("cache.size must be >= 1 and cache.ttl must be positive")
	}

	c.Stream.applyDefaults()
	return nil
}

func (b *BusConfig) validate() error {
	if b.Backend == "" {
		b.Backend = "memory"
	}
	if b.Backend != "memory" && b.Backend != "redis" {
		return fmt.Errorf("invalid bus.backend: %s (must be 'memory' or 'redis')", b.Backend)
	}
	if b.ConsumerGroup == "" {
		b.ConsumerGroup = "tailor"
	}
	if b.IdleThreshold == 0 {
		b.IdleThreshold = 30 * time.Second
	}
	if b.MaxLen == 0 {
		b.MaxLen = 1000
	}
	if b.Block == 0 {
		b.Block = 100 * time.Millisecond
	}
	if b.StartFrom == "" {
		b.StartFrom = "new"
	}
	if b.StartFrom != "new" && b.StartFrom != "beginning" {
		return fmt.Errorf("invalid bus.start_from: %s (must be 'new' or 'beginning')", b.StartFrom)
	}
	if b.IdleThreshold < 0 || b.Block < 0 || b.MaxLen < 1 {
		return fmt.Errorf("bus.idle_threshold, bus.block and bus.max_len must be positive")
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if len(p.Stages) == 0 {
		for _, s := range stage.DefaultOrder() {
			p.Stages = append(p.Stages, string(s))
		}
	}
	if _, err := stage.ParseOrder(p.Stages); err != nil {
		return fmt.Errorf("invalid pipeline.stages: %w", err)
	}
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = 4
	}
	if p.Retry.InitialInterval == 0 {
		p.Retry.InitialInterval = 500 * time.Millisecond
	}
	if p.Retry.MaxInterval == 0 {
		p.Retry.MaxInterval = 10 * time.Second
	}
	if p.CheckpointAttempts == 0 {
		p.CheckpointAttempts = 3
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry.max_attempts must be >= 1, got %d", p.Retry.MaxAttempts)
	}
	if p.CheckpointAttempts < 1 {
		return fmt.Errorf("pipeline.checkpoint_attempts must be >= 1, got %d", p.CheckpointAttempts)
	}
	if p.Retry.InitialInterval < 0 || p.Retry.MaxInterval < p.Retry.InitialInterval {
		return fmt.Errorf("pipeline.retry intervals must be positive with max_interval >= initial_interval")
	}
	return nil
}

func (s *StreamConfig) applyDefaults() {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = time.Second
	}
	if s.WatchdogInterval <= 0 {
		s.WatchdogInterval = 10 * time.Second
	}
	if s.StallThreshold <= 0 {
		s.StallThreshold = 120 * time.Second
	}
	if s.FlushInterval <= 0 {
		s.FlushInterval = 16 * time.Millisecond
	}
}

// StageOrder returns the validated stage order.
func (c *Config) StageOrder() []stage.Name {
	order, err := stage.ParseOrder(c.Pipeline.Stages)
	if err != nil {
		return stage.DefaultOrder()
	}
	return order
}
