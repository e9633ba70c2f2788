// Package config loads podium configuration from YAML with environment
// overrides. Durations are stored as strings ("30m", "500ms") and exposed
// through Get* helpers that fall back to safe defaults on parse failure.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all podium configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Persistence
	Database DatabaseConfig `yaml:"database"`

	// Background job queue
	Queue QueueConfig `yaml:"queue"`

	// Evaluation engine
	Evaluator EvaluatorConfig `yaml:"evaluator"`

	// Result cache behavior
	Cache CacheConfig `yaml:"cache"`

	// Worker pool
	Worker WorkerConfig `yaml:"worker"`

	// Credential envelopes
	Credentials CredentialsConfig `yaml:"credentials"`

	// Subject taxonomy
	Taxonomy TaxonomyConfig `yaml:"taxonomy"`

	// Plan limits
	Limits LimitsConfig `yaml:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen        string   `yaml:"listen"`
	AdminToken    string   `yaml:"admin_token"` // empty = admin routes open (single trust zone)
	CORSOrigins   []string `yaml:"cors_origins"`
	ReadTimeout   string   `yaml:"read_timeout"`
	WriteTimeout  string   `yaml:"write_timeout"`
	ShutdownGrace string   `yaml:"shutdown_grace"`
}

// DatabaseConfig configures storage. DSN is either a SQLite path or a
// postgres:// URL; the store picks the driver from the scheme.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// QueueConfig configures the job queue. An empty RedisURL selects the
// in-process queue, which is suitable for tests and single-node runs.
type QueueConfig struct {
	RedisURL string `yaml:"redis_url"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	LeaseTTL string `yaml:"lease_ttl"`
}

// EvaluatorConfig configures the evaluation engine.
type EvaluatorConfig struct {
	Kind         string `yaml:"kind"`     // stub, external
	Endpoint     string `yaml:"endpoint"` // harness base URL, required for kind external
	Version      string `yaml:"version"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
	StubLatency  string `yaml:"stub_latency"` // per-sample delay for the stub engine
}

// CacheConfig configures result reuse.
type CacheConfig struct {
	TTL                 string `yaml:"ttl"`
	MinReuseSamples     int    `yaml:"min_reuse_samples"`
	MinEvaluatorVersion string `yaml:"min_evaluator_version"`
	SampleSizeBuckets   []int  `yaml:"sample_size_buckets"`
}

// WorkerConfig configures the background worker pool.
type WorkerConfig struct {
	Concurrency         int    `yaml:"concurrency"`
	TaskMaxDuration     string `yaml:"task_max_duration"`
	CancelLatencyBound  string `yaml:"cancel_latency_bound"`
	ProgressMinInterval string `yaml:"progress_min_interval"`
	StorageMaxRetries   int    `yaml:"storage_max_retries"`
}

// CredentialsConfig configures the in-memory credential vault.
type CredentialsConfig struct {
	EnvelopeTTL string `yaml:"envelope_ttl"`
	// Hex-encoded 32-byte AES key. Empty means a random per-process key,
	// which is fine because envelopes never outlive the process.
	EncryptionKey string `yaml:"encryption_key"`
}

// TaxonomyConfig configures the subject taxonomy source.
type TaxonomyConfig struct {
	File  string `yaml:"file"` // optional YAML file; built-in set when empty
	Watch bool   `yaml:"watch"`
}

// LimitsConfig bounds incoming plans.
type LimitsConfig struct {
	MaxSampleSize int `yaml:"max_sample_size"`
	MaxModels     int `yaml:"max_models"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "podium",
		Version: "0.3.0",

		Server: ServerConfig{
			Listen:        ":8080",
			CORSOrigins:   []string{"*"},
			ReadTimeout:   "15s",
			WriteTimeout:  "30s",
			ShutdownGrace: "10s",
		},

		Database: DatabaseConfig{
			DSN:          "data/podium.db",
			MaxOpenConns: 1, // SQLite default; raised automatically for postgres
			MaxIdleConns: 1,
		},

		Queue: QueueConfig{
			Stream:   "podium:tasks",
			Group:    "podium-workers",
			LeaseTTL: "60s",
		},

		Evaluator: EvaluatorConfig{
			Kind:         "stub",
			Version:      "hret-0.3",
			MaxRetries:   3,
			RetryBackoff: "1s",
			StubLatency:  "0s",
		},

		Cache: CacheConfig{
			TTL:               "24h",
			MinReuseSamples:   10,
			SampleSizeBuckets: []int{10, 25, 50, 100, 250, 500, 1000},
		},

		Worker: WorkerConfig{
			Concurrency:         4,
			TaskMaxDuration:     "30m",
			CancelLatencyBound:  "5s",
			ProgressMinInterval: "500ms",
			StorageMaxRetries:   5,
		},

		Credentials: CredentialsConfig{
			EnvelopeTTL: "1h",
		},

		Limits: LimitsConfig{
			MaxSampleSize: 1000,
			MaxModels:     10,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides. DATABASE_URL
// and REDIS_URL are honored for deployment compatibility; everything else
// uses the PODIUM_ prefix.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PODIUM_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	}
	if v := os.Getenv("PODIUM_REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	}
	if v := os.Getenv("PODIUM_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("PODIUM_ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("PODIUM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PODIUM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PODIUM_EVALUATOR_KIND"); v != "" {
		c.Evaluator.Kind = v
	}
	if v := os.Getenv("PODIUM_EVALUATOR_ENDPOINT"); v != "" {
		c.Evaluator.Endpoint = v
	}
	if v := os.Getenv("PODIUM_TAXONOMY_FILE"); v != "" {
		c.Taxonomy.File = v
	}

	// Tuning knobs (duration strings validated lazily by the Get* helpers).
	if v := os.Getenv("PODIUM_TASK_MAX_DURATION"); v != "" {
		c.Worker.TaskMaxDuration = v
	}
	if v := os.Getenv("PODIUM_CACHE_TTL"); v != "" {
		c.Cache.TTL = v
	}
	if v := os.Getenv("PODIUM_LEASE_TTL"); v != "" {
		c.Queue.LeaseTTL = v
	}
	if v := os.Getenv("PODIUM_CANCEL_LATENCY_BOUND"); v != "" {
		c.Worker.CancelLatencyBound = v
	}
	if v := os.Getenv("PODIUM_PROGRESS_MIN_INTERVAL"); v != "" {
		c.Worker.ProgressMinInterval = v
	}
	if v := os.Getenv("PODIUM_CREDENTIAL_ENVELOPE_TTL"); v != "" {
		c.Credentials.EnvelopeTTL = v
	}
	if v := os.Getenv("PODIUM_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("PODIUM_MIN_CACHE_REUSE_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Cache.MinReuseSamples = n
		}
	}
	if v := os.Getenv("PODIUM_SAMPLE_SIZE_BUCKETS"); v != "" {
		if buckets, err := parseBuckets(v); err == nil {
			c.Cache.SampleSizeBuckets = buckets
		}
	}
}

// parseBuckets parses a comma-separated bucket ladder, e.g. "10,50,100".
func parseBuckets(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	buckets := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid bucket %q: %w", p, err)
		}
		buckets = append(buckets, n)
	}
	sort.Ints(buckets)
	return buckets, nil
}

// GetTaskMaxDuration returns the hard per-task deadline.
func (c *Config) GetTaskMaxDuration() time.Duration {
	return parseDurationOr(c.Worker.TaskMaxDuration, 30*time.Minute)
}

// GetCacheTTL returns how long aggregate rows stay fresh.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDurationOr(c.Cache.TTL, 24*time.Hour)
}

// GetLeaseTTL returns the queue claim lease duration.
func (c *Config) GetLeaseTTL() time.Duration {
	return parseDurationOr(c.Queue.LeaseTTL, 60*time.Second)
}

// GetCancelLatencyBound returns the worst-case cancel observation delay.
func (c *Config) GetCancelLatencyBound() time.Duration {
	return parseDurationOr(c.Worker.CancelLatencyBound, 5*time.Second)
}

// GetProgressMinInterval returns the progress write rate limit.
func (c *Config) GetProgressMinInterval() time.Duration {
	return parseDurationOr(c.Worker.ProgressMinInterval, 500*time.Millisecond)
}

// GetEnvelopeTTL returns the credential envelope lifetime.
func (c *Config) GetEnvelopeTTL() time.Duration {
	return parseDurationOr(c.Credentials.EnvelopeTTL, time.Hour)
}

// GetRetryBackoff returns the base evaluator retry backoff.
func (c *Config) GetRetryBackoff() time.Duration {
	return parseDurationOr(c.Evaluator.RetryBackoff, time.Second)
}

// GetStubLatency returns the simulated per-sample latency of the stub engine.
func (c *Config) GetStubLatency() time.Duration {
	return parseDurationOr(c.Evaluator.StubLatency, 0)
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDurationOr(c.Server.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the HTTP write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDurationOr(c.Server.WriteTimeout, 30*time.Second)
}

// GetShutdownGrace returns how long shutdown waits for in-flight requests.
func (c *Config) GetShutdownGrace() time.Duration {
	return parseDurationOr(c.Server.ShutdownGrace, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ValidEvaluatorKinds lists the supported evaluation engines.
var ValidEvaluatorKinds = []string{"stub", "external"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen not configured")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn not configured")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	if c.Limits.MaxSampleSize < 1 {
		return fmt.Errorf("limits.max_sample_size must be >= 1, got %d", c.Limits.MaxSampleSize)
	}
	if len(c.Cache.SampleSizeBuckets) == 0 {
		return fmt.Errorf("cache.sample_size_buckets cannot be empty")
	}
	prev := 0
	for _, b := range c.Cache.SampleSizeBuckets {
		if b <= prev {
			return fmt.Errorf("cache.sample_size_buckets must be ascending positive, got %v", c.Cache.SampleSizeBuckets)
		}
		prev = b
	}

	validKind := false
	for _, k := range ValidEvaluatorKinds {
		if c.Evaluator.Kind == k {
			validKind = true
			break
		}
	}
	if !validKind {
		return fmt.Errorf("invalid evaluator kind: %s (valid: %v)", c.Evaluator.Kind, ValidEvaluatorKinds)
	}
	if c.Evaluator.Kind == "external" && c.Evaluator.Endpoint == "" {
		return fmt.Errorf("evaluator.endpoint required for kind external")
	}

	return nil
}

// IsPostgres reports whether the configured DSN targets PostgreSQL.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.Database.DSN, "postgres://") || strings.HasPrefix(c.Database.DSN, "postgresql://")
}
