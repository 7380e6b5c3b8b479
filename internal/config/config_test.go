package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTokenGeneratesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	token, err := ensureToken(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	info, err := os.Stat(filepath.Join(dir, "token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	// Second call returns the same token, not a fresh one.
	again, err := ensureToken(dir)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestEnsureTokenTrimsTrailingWhitespace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("abc123\n"), 0o600))

	token, err := ensureToken(dir)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
}

func TestEnsureTokenRegeneratesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("\n"), 0o600))

	token, err := ensureToken(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestEnsureTokenTightensPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("tok"), 0o644))

	_, err := ensureToken(dir)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("TARTVM_STATE_DIR", t.TempDir())
	t.Setenv("TARTVM_PORT", "9100")
	t.Setenv("TARTVM_TIMEOUT_PULL", "120")
	t.Setenv("TARTVM_IP_PROBE_LIMIT", "notanumber")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "tart", cfg.TartPath)
	assert.Equal(t, 120*time.Second, cfg.TimeoutPull)
	assert.Equal(t, 5*time.Second, cfg.TimeoutList)
	assert.Equal(t, time.Hour, cfg.TaskTTL)
	// Unparsable values fall back to the default.
	assert.Equal(t, 3, cfg.IPProbeLimit)
	assert.NotEmpty(t, cfg.Token)
	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, filepath.Join(cfg.StateDir, "logs"), cfg.LogsDir())
}

func TestLoadMissingExplicitEnvFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadReadsEnvFile(t *testing.T) {
	t.Setenv("TARTVM_STATE_DIR", t.TempDir())
	// godotenv writes into the process environment; scrub it afterwards.
	t.Cleanup(func() { os.Unsetenv("TARTVM_TART_PATH") })
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("TARTVM_TART_PATH=/opt/tart/bin/tart\n"), 0o600))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "/opt/tart/bin/tart", cfg.TartPath)
}
