package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
redis:
  addrs: ["redis-0:6379", "redis-1:6379"]
producer:
  stream: orders
  default_type: order.created
consumer:
  stream: orders
  group: workers
retry_policy:
  max_attempts: 8
  strategy: exponential-jitter
  base_ms: 500
  max_delay_ms: 30000
retry_daemon:
  target_stream: orders
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "orders", cfg.Producer.Stream)
	assert.Equal(t, 8, cfg.RetryPolicy.MaxAttempts)
	assert.EqualValues(t, 16, cfg.Consumer.Batch.Count)
	assert.True(t, cfg.Consumer.PelClaim.Enabled)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	const yaml = `
redis:
  addrs: ["redis-0:6379"]
retry_policy:
  strategy: bogus
`
	path := writeTempConfig(t, yaml)

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsEmptyAddrs(t *testing.T) {
	cfg := &Config{RetryPolicy: RetryPolicyConfig{MaxAttempts: 1}}
	err := Validate(cfg)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "redis.addrs", verr.Field)
}
