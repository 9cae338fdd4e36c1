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

	assert.Equal(t, 200*time.Millisecond, cfg.Stream.ThrottleInterval)
	assert.Equal(t, 60*time.Second, cfg.Stream.ToolWaitTimeout)
	assert.Equal(t, "incremental", cfg.Stream.DeltaMode)
	assert.Equal(t, 2, cfg.Provider.MaxCredentialRetries)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Same(t, cfg, Get())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
stream:
  throttle_interval: 350ms
  tool_wait_timeout: 5s
provider:
  type: qwen
  api_keys: ["k1", "k2", "k3"]
  max_credential_retries: 4
storage:
  type: sqlite
  data_dir: /tmp/llmhouse
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 350*time.Millisecond, cfg.Stream.ThrottleInterval)
	assert.Equal(t, 5*time.Second, cfg.Stream.ToolWaitTimeout)
	assert.Equal(t, "qwen", cfg.Provider.Type)
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.Provider.APIKeys)
	assert.Equal(t, 4, cfg.Provider.MaxCredentialRetries)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
}

func TestLoadKeysFromEnv(t *testing.T) {
	t.Setenv("LLMHOUSE_API_KEYS", "a, b ,,c")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Provider.APIKeys)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
