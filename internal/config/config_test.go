package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 30*time.Minute, cfg.GetTaskMaxDuration())
	assert.Equal(t, 24*time.Hour, cfg.GetCacheTTL())
	assert.Equal(t, 60*time.Second, cfg.GetLeaseTTL())
	assert.Equal(t, 5*time.Second, cfg.GetCancelLatencyBound())
	assert.Equal(t, 500*time.Millisecond, cfg.GetProgressMinInterval())
	assert.Equal(t, time.Hour, cfg.GetEnvelopeTTL())
	assert.Equal(t, []int{10, 25, 50, 100, 250, 500, 1000}, cfg.Cache.SampleSizeBuckets)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "podium", cfg.Name)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "podium.yaml")
	body := `
server:
  listen: ":9090"
worker:
  concurrency: 8
  task_max_duration: 10m
cache:
  ttl: 1h
  min_reuse_samples: 25
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.GetTaskMaxDuration())
	assert.Equal(t, time.Hour, cfg.GetCacheTTL())
	assert.Equal(t, 25, cfg.Cache.MinReuseSamples)
	// Untouched fields keep defaults.
	assert.Equal(t, "data/podium.db", cfg.Database.DSN)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://podium:pw@localhost:5432/podium")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PODIUM_LISTEN", ":7070")
	t.Setenv("PODIUM_WORKER_CONCURRENCY", "12")
	t.Setenv("PODIUM_CACHE_TTL", "90m")
	t.Setenv("PODIUM_SAMPLE_SIZE_BUCKETS", "5, 20, 80")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "postgres://podium:pw@localhost:5432/podium", cfg.Database.DSN)
	assert.True(t, cfg.IsPostgres())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Queue.RedisURL)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, 90*time.Minute, cfg.GetCacheTTL())
	assert.Equal(t, []int{5, 20, 80}, cfg.Cache.SampleSizeBuckets)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("PODIUM_WORKER_CONCURRENCY", "-3")
	t.Setenv("PODIUM_SAMPLE_SIZE_BUCKETS", "ten,twenty")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, []int{10, 25, 50, 100, 250, 500, 1000}, cfg.Cache.SampleSizeBuckets)
}

func TestValidateRejections(t *testing.T) {
	t.Run("empty listen", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Listen = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero concurrency", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Worker.Concurrency = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsorted buckets", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.SampleSizeBuckets = []int{100, 50}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown evaluator kind", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Evaluator.Kind = "quantum"
		assert.Error(t, cfg.Validate())
	})

	t.Run("external evaluator without endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Evaluator.Kind = "external"
		assert.Error(t, cfg.Validate())

		cfg.Evaluator.Endpoint = "http://harness:9000"
		assert.NoError(t, cfg.Validate())
	})
}

func TestParseDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.TaskMaxDuration = "not-a-duration"
	assert.Equal(t, 30*time.Minute, cfg.GetTaskMaxDuration())

	cfg.Queue.LeaseTTL = "-10s"
	assert.Equal(t, 60*time.Second, cfg.GetLeaseTTL())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "podium.yaml")
	cfg := DefaultConfig()
	cfg.Server.Listen = ":4444"
	cfg.Cache.SampleSizeBuckets = []int{5, 10}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save/load (-saved +loaded):\n%s", diff)
	}
}
