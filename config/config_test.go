package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskrpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "uploads", cfg.Server.UploadDir)
	assert.Empty(t, cfg.Server.BearerTokens)
	assert.Equal(t, "info", cfg.SlogLevel())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9999"
bearer_tokens = ["alpha", "beta"]
task_ttl = "10m"
sync_threshold = "50ms"

[sandbox]
url = "http://localhost:7000/exec"

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.BearerTokens)
	assert.Equal(t, 10*time.Minute, cfg.Server.TaskTTL.Std())
	assert.Equal(t, 50*time.Millisecond, cfg.Server.SyncThreshold.Std())
	assert.Equal(t, "http://localhost:7000/exec", cfg.Sandbox.URL)
	assert.Equal(t, "debug", cfg.SlogLevel())
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_TASKRPC_TOKEN", "from-env")
	path := writeConfig(t, `
[server]
bearer_tokens = ["${TEST_TASKRPC_TOKEN}"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"from-env"}, cfg.Server.BearerTokens)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9999"
`)

	t.Setenv("TASKRPC_ADDR", ":7777")
	t.Setenv("TASKRPC_BEARER_TOKENS", "one, two")
	t.Setenv("TASKRPC_SANDBOX_URL", "http://sandbox:9000/exec")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, []string{"one", "two"}, cfg.Server.BearerTokens)
	assert.Equal(t, "http://sandbox:9000/exec", cfg.Sandbox.URL)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
[sandbox]
url = "ftp://nope"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox.url")

	path = writeConfig(t, `
[logging]
level = "loud"
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestBadDuration(t *testing.T) {
	path := writeConfig(t, `
[server]
task_ttl = "banana"
`)
	_, err := Load(path)
	require.Error(t, err)
}
