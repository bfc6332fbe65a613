package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scheduler.TaskIntervalSeconds)
	assert.Equal(t, 10, cfg.Scheduler.WorkflowIntervalSeconds)
	assert.Equal(t, 60, cfg.Scheduler.ClaimLeaseSeconds)
	assert.Equal(t, 3, cfg.Tasks.MaxRetries)
	assert.Equal(t, int64(16), cfg.Providers.MaxConcurrentCalls)
	assert.Equal(t, 30, cfg.Recharge.OrderExpiryMinutes)
	assert.Equal(t, "media", cfg.Storage.Bucket)
}

func TestLoadAppliesDefaultsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
scheduler:
  batch_size: 50
pricing:
  - task_type: video_motion
    billing_type: per_unit
    unit_price: 10
    unit: second
    min_unit: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 5, cfg.Scheduler.TaskIntervalSeconds)
	require.Len(t, cfg.Pricing, 1)
	assert.Equal(t, "video_motion", cfg.Pricing[0].TaskType)
	assert.Equal(t, int64(5), cfg.Pricing[0].MinUnit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRetryBackoff(t *testing.T) {
	cfg := TaskConfig{RetryBaseSeconds: 30, RetryCapSeconds: 600}

	assert.Equal(t, 30*time.Second, cfg.RetryBackoff(1))
	assert.Equal(t, 60*time.Second, cfg.RetryBackoff(2))
	assert.Equal(t, 120*time.Second, cfg.RetryBackoff(3))
	// Hard cap.
	assert.Equal(t, 600*time.Second, cfg.RetryBackoff(10))
}

func TestTimeoutByMode(t *testing.T) {
	cfg := TaskConfig{AsyncTimeoutMinutes: 120, SyncTimeoutMinutes: 30}

	assert.Equal(t, 2*time.Hour, cfg.Timeout(true))
	assert.Equal(t, 30*time.Minute, cfg.Timeout(false))
}
