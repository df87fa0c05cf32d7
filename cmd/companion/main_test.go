package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := run(t, "version")
	assert.Contains(t, out, "companion dev")
	assert.Contains(t, out, "Commit:")
}

func TestCronListReadsJobDirectory(t *testing.T) {
	root := t.TempDir()
	t.Setenv("COMPANION_ROOT", root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "cron"), 0755))
	job := `{"id":"nightly","name":"Nightly","prompt":"p","schedule":"0 3 * * *","recurring":true,` +
		`"backendType":"claude","cwd":"/repo","enabled":true,"permissionMode":"bypassPermissions"}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "cron", "nightly.json"), []byte(job), 0644))

	out := run(t, "cron", "list")
	assert.Contains(t, out, "NEXT RUN")
	assert.Contains(t, out, "nightly")
	assert.Contains(t, out, "0 3 * * *")
}

func TestRecordingsCommandOnEmptyDir(t *testing.T) {
	t.Setenv("COMPANION_ROOT", t.TempDir())

	out := run(t, "recordings")
	assert.Contains(t, out, "SESSION")
}
