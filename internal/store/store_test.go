package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// sessionSource hands the store a session and counts how often it was
// serialized. before runs ahead of returning the snapshot.
type sessionSource struct {
	session *models.PersistedSession
	calls   int
	before  func()
}

func (src *sessionSource) Snapshot() *models.PersistedSession {
	src.calls++
	if src.before != nil {
		src.before()
	}
	return src.session
}

func sourceOf(session *models.PersistedSession) *sessionSource {
	return &sessionSource{session: session}
}

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := New(t.TempDir(), clk)
	require.NoError(t, err)
	return s, clk
}

func sampleSession(id string) *models.PersistedSession {
	exit := 0
	return &models.PersistedSession{
		ID: id,
		State: models.SessionState{
			SessionID:        id,
			BackendType:      models.BackendCodex,
			BackendSessionID: "thr_123",
			Model:            "gpt-5",
			Cwd:              "/repo",
			PermissionMode:   models.PermissionAcceptEdits,
			Tools:            []string{"shell", "apply_patch"},
			Status:           models.StatusConnected,
			TotalCostUSD:     0.25,
			NumTurns:         3,
			McpServers:       []models.McpServer{{Name: "fs", Status: "connected", Enabled: true}},
			CreatedAt:        time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		},
		MessageHistory: []models.HistoryRecord{
			{Role: "user", Content: "hello", Timestamp: time.Date(2026, 5, 1, 8, 1, 0, 0, time.UTC)},
		},
		PendingMessages: []models.Command{{Type: models.CommandUserMessage, Content: "queued"}},
		PendingPermissions: map[string]models.PermissionRequest{
			"req-1": {
				RequestID: "req-1",
				ToolName:  "Bash",
				Input:     models.NewPayload("tool_input", map[string]interface{}{"command": "ls"}),
				CreatedAt: 1700000000000,
			},
		},
		EventBuffer: []models.BufferedEvent{
			{Seq: 4, Event: models.Event{Type: models.EventStreamDelta, Delta: &models.StreamDelta{Kind: "text", Text: "hi"}}},
			{Seq: 5, Event: models.Event{Type: models.EventCLIExited, ExitCode: &exit}},
		},
		NextEventSeq:              6,
		LastAckSeq:                3,
		ProcessedClientMessageIDs: []string{"c1", "c2"},
	}
}

func TestSaveSyncLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	original := sampleSession("s1")

	require.NoError(t, s.SaveSync(original))

	loaded, ok := s.Load("s1")
	require.True(t, ok)
	assert.Equal(t, original, loaded)
}

func TestSaveIsDebouncedIntoOneWrite(t *testing.T) {
	s, clk := newTestStore(t)

	var sources []*sessionSource
	for i := 0; i < 5; i++ {
		session := sampleSession("s1")
		session.State.NumTurns = i
		src := sourceOf(session)
		sources = append(sources, src)
		s.Save("s1", src)
		clk.Advance(50 * time.Millisecond)
	}
	_, ok := s.Load("s1")
	assert.False(t, ok, "nothing written while saves keep arriving")

	clk.Advance(DefaultDebounce)
	loaded, ok := s.Load("s1")
	require.True(t, ok)
	assert.Equal(t, 4, loaded.State.NumTurns)

	for _, src := range sources[:4] {
		assert.Zero(t, src.calls, "superseded saves are never serialized")
	}
	assert.Equal(t, 1, sources[4].calls)
}

func TestSaveSnapshotsAtFlushTime(t *testing.T) {
	s, clk := newTestStore(t)
	src := sourceOf(sampleSession("s1"))

	for i := 0; i < 100; i++ {
		s.Save("s1", src)
	}
	src.session.State.Model = "updated"
	assert.Zero(t, src.calls, "Save does not serialize")

	clk.Advance(DefaultDebounce)
	loaded, ok := s.Load("s1")
	require.True(t, ok)
	assert.Equal(t, "updated", loaded.State.Model)
	assert.Equal(t, 1, src.calls)
}

func TestRemoveCancelsPendingWrite(t *testing.T) {
	s, clk := newTestStore(t)
	s.Save("gone", sourceOf(sampleSession("gone")))
	require.NoError(t, s.Remove("gone"))

	clk.Advance(time.Second)
	_, ok := s.Load("gone")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(s.Dir(), "gone.json"))
	assert.Equal(t, 0, clk.PendingCount())
}

func TestRemoveDuringSnapshotWins(t *testing.T) {
	s, clk := newTestStore(t)
	src := sourceOf(sampleSession("gone"))
	src.before = func() {
		require.NoError(t, s.Remove("gone"))
	}
	s.Save("gone", src)

	clk.Advance(DefaultDebounce)
	assert.Equal(t, 1, src.calls)
	assert.NoFileExists(t, filepath.Join(s.Dir(), "gone.json"))
}

func TestSaveSyncDuringSnapshotWins(t *testing.T) {
	s, clk := newTestStore(t)
	stale := sampleSession("s1")
	stale.State.NumTurns = 1
	fresh := sampleSession("s1")
	fresh.State.NumTurns = 2

	src := sourceOf(stale)
	src.before = func() {
		require.NoError(t, s.SaveSync(fresh))
	}
	s.Save("s1", src)

	clk.Advance(DefaultDebounce)
	loaded, ok := s.Load("s1")
	require.True(t, ok)
	assert.Equal(t, 2, loaded.State.NumTurns)
}

func TestNilSnapshotIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(os.Stderr) })

	s, clk := newTestStore(t)
	s.Save("empty", &sessionSource{})

	clk.Advance(DefaultDebounce)
	assert.NoFileExists(t, filepath.Join(s.Dir(), "empty.json"))
	assert.Contains(t, buf.String(), "Dropping empty session snapshot")
	assert.Contains(t, buf.String(), "warning")
	assert.Contains(t, buf.String(), "session_id")
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.Remove("never-existed"))
}

func TestCorruptFileLoadsAsMissing(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "bad.json"), []byte("{not json"), 0644))

	_, ok := s.Load("bad")
	assert.False(t, ok)
}

func TestLoadAllSkipsLauncherAndCorruptFiles(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveSync(sampleSession("a")))
	require.NoError(t, s.SaveSync(sampleSession("b")))
	require.NoError(t, os.WriteFile(s.LauncherPath(), []byte(`{"id":"launcher"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "broken.json"), []byte("]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0644))

	sessions := s.LoadAll()
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestSetArchived(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveSync(sampleSession("s1")))

	found, err := s.SetArchived("s1", true)
	require.NoError(t, err)
	assert.True(t, found)

	loaded, ok := s.Load("s1")
	require.True(t, ok)
	assert.True(t, loaded.Archived)
	assert.True(t, loaded.State.Archived)

	found, err = s.SetArchived("missing", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFlushWritesPendingSnapshots(t *testing.T) {
	s, clk := newTestStore(t)
	s.Save("x", sourceOf(sampleSession("x")))
	s.Save("y", sourceOf(sampleSession("y")))

	s.Flush()
	assert.Equal(t, 0, clk.PendingCount())
	_, ok := s.Load("x")
	assert.True(t, ok)
	_, ok = s.Load("y")
	assert.True(t, ok)
}
