package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(100), cfg.Redis.ScanCount)
	assert.Equal(t, "index-events", cfg.Kafka.Topics.IndexEvents)
	assert.Equal(t, "record-writes", cfg.Kafka.Topics.RecordWrites)
	assert.False(t, cfg.Index.AtomicWrites)
	assert.Equal(t, time.Minute, cfg.Auth.RateWindow)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9000
redis:
  addr: redis.internal:6379
  scanCount: 500
index:
  atomicWrites: true
  rebuildParallelism: 4
  fetchBatchSize: 50
logging:
  level: debug
  format: text
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("NB_REDIS_ADDR", "redis.override:6380")
	t.Setenv("NB_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis.override:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(500), cfg.Redis.ScanCount)
	assert.True(t, cfg.Index.AtomicWrites)
	assert.Equal(t, 4, cfg.Index.RebuildParallelism)
	assert.Equal(t, 50, cfg.Index.FetchBatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset sections keep their defaults.
	assert.Equal(t, "nabulines", cfg.Postgres.Database)
}

func TestLoadRejectsInvalidIndexSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("index:\n  rebuildParallelism: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuildParallelism")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
