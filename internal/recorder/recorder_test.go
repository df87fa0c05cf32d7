package recorder

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/pkg/models"
)

func newTestManager(t *testing.T, dir string, maxLines int, enabled bool) *Manager {
	t.Helper()
	m := NewManager(Options{
		Dir:      dir,
		Enabled:  enabled,
		MaxLines: maxLines,
		Clock:    clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(m.Close)
	return m
}

func writeRecording(t *testing.T, dir, name string, lines int, modTime time.Time) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, "{\"n\":%d}\n", i)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
	return path
}

func TestSessionRecorderWritesHeaderAndVerbatimEntries(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(time.UnixMilli(1700000000000))
	rec, err := NewSessionRecorder(dir, Source{SessionID: "s1", Backend: models.BackendClaude, Cwd: "/work"}, clk)
	require.NoError(t, err)

	raw := `{"type":"assistant","message":{"content":"<b>a&b</b>"},  "spacing":   1}`
	clk.Advance(5 * time.Millisecond)
	rec.Record(models.DirectionIn, raw, models.ChannelCLI)
	rec.Record(models.DirectionOut, "not json at all", models.ChannelBrowser)
	assert.Equal(t, 3, rec.Lines())
	require.NoError(t, rec.Close())

	header, entries, err := ReadFile(rec.Path())
	require.NoError(t, err)
	assert.True(t, header.Header)
	assert.Equal(t, 1, header.Version)
	assert.Equal(t, "s1", header.SessionID)
	assert.Equal(t, models.BackendClaude, header.BackendType)
	assert.Equal(t, int64(1700000000000), header.StartedAt)
	assert.Equal(t, "/work", header.Cwd)

	require.Len(t, entries, 2)
	assert.Equal(t, raw, entries[0].Raw)
	assert.Equal(t, models.DirectionIn, entries[0].Dir)
	assert.Equal(t, models.ChannelCLI, entries[0].Ch)
	assert.Equal(t, int64(1700000000005), entries[0].TS)
	assert.Equal(t, "not json at all", entries[1].Raw)

	data, err := os.ReadFile(rec.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `<b>a&b</b>`)
}

func TestSessionRecorderCloseIsIdempotent(t *testing.T) {
	rec, err := NewSessionRecorder(t.TempDir(), Source{SessionID: "s", Backend: models.BackendCodex}, clock.Real())
	require.NoError(t, err)

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	rec.Record(models.DirectionIn, "ignored", models.ChannelCLI)
	assert.Equal(t, 1, rec.Lines())
}

func TestReadFileSkipsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x_claude_2026-01-01T00-00-00.000Z_abcd1234.jsonl")
	content := `{"_header":true,"version":1,"session_id":"x","backend_type":"claude","started_at":1,"cwd":"/"}` + "\n" +
		`{"ts":2,"dir":"in","raw":"hello","ch":"cli"}` + "\n" +
		`{"ts":3,"dir":"out","raw":"trunc`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	header, entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", header.SessionID)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Raw)
}

func TestRecordingFilenameRoundTrip(t *testing.T) {
	name := recordingFilename(Source{SessionID: "abc_def", Backend: models.BackendCodex}, time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
	assert.NotContains(t, name, ":")

	info, ok := parseFilename(name)
	require.True(t, ok)
	assert.Equal(t, "abc_def", info.SessionID)
	assert.Equal(t, models.BackendCodex, info.BackendType)
	assert.Equal(t, "2026-02-03T04-05-06.000Z", info.StartedAt)

	_, ok = parseFilename("garbage.jsonl")
	assert.False(t, ok)
}

func TestManagerOverridesBeatGlobalFlag(t *testing.T) {
	m := newTestManager(t, t.TempDir(), 0, false)

	assert.False(t, m.IsEnabled("a"))
	m.SetSessionEnabled("a", true)
	assert.True(t, m.IsEnabled("a"))

	m.SetGlobalEnabled(true)
	m.SetSessionEnabled("b", false)
	assert.False(t, m.IsEnabled("b"))
	assert.True(t, m.IsEnabled("c"))

	m.ClearSessionOverride("b")
	assert.True(t, m.IsEnabled("b"))
}

func TestManagerCreatesRecorderLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	m := newTestManager(t, dir, 0, true)

	list, err := m.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	src := Source{SessionID: "sess", Backend: models.BackendClaude, Cwd: "/tmp"}
	m.Record(src, models.DirectionIn, "one", models.ChannelCLI)
	m.Record(src, models.DirectionOut, "two", models.ChannelBrowser)

	list, err = m.ListRecordings()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess", list[0].SessionID)
	assert.Equal(t, 3, list[0].Lines)
	assert.True(t, list[0].Active)

	m.SetSessionEnabled("other", false)
	m.Record(Source{SessionID: "other", Backend: models.BackendCodex}, models.DirectionIn, "x", models.ChannelCLI)
	list, err = m.ListRecordings()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCleanupDeletesOldestFirstUntilUnderCeiling(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := writeRecording(t, dir, "a_claude_2026-01-01T00-00-00.000Z_00000001.jsonl", 40, base)
	middle := writeRecording(t, dir, "b_claude_2026-01-01T00-00-01.000Z_00000002.jsonl", 40, base.Add(time.Hour))
	newest := writeRecording(t, dir, "c_codex_2026-01-01T00-00-02.000Z_00000003.jsonl", 40, base.Add(2*time.Hour))

	m := newTestManager(t, dir, 100, false)
	removed := m.Cleanup()

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldest)
	assert.FileExists(t, middle)
	assert.FileExists(t, newest)
}

func TestCleanupNoopUnderCeiling(t *testing.T) {
	dir := t.TempDir()
	path := writeRecording(t, dir, "a_claude_2026-01-01T00-00-00.000Z_00000001.jsonl", 10, time.Now())

	m := newTestManager(t, dir, 100, false)
	assert.Equal(t, 0, m.Cleanup())
	assert.FileExists(t, path)
}

func TestCleanupNeverDeletesActiveRecording(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 5, true)

	src := Source{SessionID: "live", Backend: models.BackendClaude}
	for i := 0; i < 10; i++ {
		m.Record(src, models.DirectionIn, "line", models.ChannelCLI)
	}
	m.mu.Lock()
	livePath := m.recorders["live"].Path()
	m.mu.Unlock()

	ancient := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(livePath, ancient, ancient))
	other := writeRecording(t, dir, "old_codex_2026-01-01T00-00-00.000Z_00000009.jsonl", 3, ancient.Add(time.Hour))

	removed := m.Cleanup()
	assert.Equal(t, 1, removed)
	assert.FileExists(t, livePath)
	assert.NoFileExists(t, other)
}

func TestCleanupRunsAtConstructionWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := writeRecording(t, dir, "a_claude_2026-01-01T00-00-00.000Z_00000001.jsonl", 30, base)
	writeRecording(t, dir, "b_claude_2026-01-01T00-00-01.000Z_00000002.jsonl", 30, base.Add(time.Minute))

	newTestManager(t, dir, 40, true)
	assert.NoFileExists(t, old)
}

func TestExportArchivesSessionRecordings(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 0, true)
	m.Record(Source{SessionID: "exp", Backend: models.BackendCodex}, models.DirectionIn, `{"method":"turn/started"}`, models.ChannelCLI)
	m.Record(Source{SessionID: "skip", Backend: models.BackendCodex}, models.DirectionIn, "x", models.ChannelCLI)

	var buf bytes.Buffer
	require.NoError(t, m.Export(&buf, "exp"))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hdr.Name, "exp_codex_"))

	var payload bytes.Buffer
	_, err = payload.ReadFrom(tr)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(payload.String()), "\n")
	require.Len(t, lines, 2)
	var entry models.RecordingEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, `{"method":"turn/started"}`, entry.Raw)

	assert.Error(t, m.Export(&bytes.Buffer{}, "missing"))
}
