package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultsAndDerivedDirs(t *testing.T) {
	cfg := Default("/data/companion")
	require.NoError(t, cfg.applyEnv(envMap(nil)))
	cfg.fillDerived()

	assert.True(t, cfg.RecordingEnabled)
	assert.Equal(t, DefaultRecordingsMaxLines, cfg.RecordingsMaxLines)
	assert.Equal(t, "/data/companion/recordings", cfg.RecordingsDir)
	assert.Equal(t, "/data/companion/codex-home", cfg.CodexHomeRoot)
	assert.Equal(t, "/data/companion/sessions", cfg.SessionsDir())
	assert.Equal(t, "/data/companion/cron", cfg.CronDir())
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default("/data")
	err := cfg.applyEnv(envMap(map[string]string{
		"COMPANION_RECORD":               "0",
		"COMPANION_RECORDINGS_DIR":       "/tmp/rec",
		"COMPANION_RECORDINGS_MAX_LINES": "500",
		"COMPANION_CODEX_HOME_ROOT":      "/isolated",
	}))
	require.NoError(t, err)
	cfg.fillDerived()

	assert.False(t, cfg.RecordingEnabled)
	assert.Equal(t, "/tmp/rec", cfg.RecordingsDir)
	assert.Equal(t, 500, cfg.RecordingsMaxLines)
	assert.Equal(t, "/isolated", cfg.CodexHomeRoot)
}

func TestEnvRejectsBadValues(t *testing.T) {
	cfg := Default("/data")
	assert.Error(t, cfg.applyEnv(envMap(map[string]string{"COMPANION_RECORD": "maybe"})))
	assert.Error(t, cfg.applyEnv(envMap(map[string]string{"COMPANION_RECORDINGS_MAX_LINES": "-3"})))
}

func TestYAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9000\"\nmax_sessions: 4\nrecording_enabled: false\n"), 0644))

	cfg := Default(dir)
	require.NoError(t, cfg.loadFile(path, true))
	require.NoError(t, cfg.applyEnv(envMap(map[string]string{"COMPANION_RECORD": "true"})))

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.True(t, cfg.RecordingEnabled)
}

func TestMissingOptionalFile(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.NoError(t, cfg.loadFile(filepath.Join(cfg.Root, "nope.yaml"), false))
	assert.Error(t, cfg.loadFile(filepath.Join(cfg.Root, "nope.yaml"), true))
}
