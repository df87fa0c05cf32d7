package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/bridge"
	"github.com/shehryarbajwa/companion/pkg/models"
)

type fakeAdapter struct {
	mu   sync.Mutex
	cb   adapter.Callbacks
	sent []models.Command
}

func (a *fakeAdapter) Backend() models.BackendType { return models.BackendClaude }
func (a *fakeAdapter) Alive() bool                 { return true }
func (a *fakeAdapter) Close() error                { return nil }

func (a *fakeAdapter) Start(_ context.Context, _ adapter.Config, cb adapter.Callbacks) error {
	a.cb = cb
	return nil
}

func (a *fakeAdapter) Send(cmd models.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, cmd)
	return nil
}

func (a *fakeAdapter) commands() []models.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Command(nil), a.sent...)
}

type sessions map[string]*bridge.Bridge

func (s sessions) GetSession(id string) (*bridge.Bridge, error) {
	if b, ok := s[id]; ok {
		return b, nil
	}
	return nil, apperr.NotFound("session", id)
}

func setup(t *testing.T) (*httptest.Server, *bridge.Bridge, *fakeAdapter) {
	t.Helper()
	b := bridge.New(models.SessionState{SessionID: "s1", BackendType: models.BackendClaude}, bridge.Options{})
	a := &fakeAdapter{}
	require.NoError(t, b.Launch(context.Background(), a, adapter.Config{}))
	t.Cleanup(b.Close)

	srv := NewServer(sessions{"s1": b})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ws/")
		srv.HandleBrowserConnection(w, r, id)
	}))
	t.Cleanup(ts.Close)
	return ts, b, a
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) bridge.OutFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame bridge.OutFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	ts, _, _ := setup(t)
	resp, err := http.Get(ts.URL + "/ws/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidLastSeq(t *testing.T) {
	ts, _, _ := setup(t)
	resp, err := http.Get(ts.URL + "/ws/s1?lastSeq=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrowserRoundTrip(t *testing.T) {
	ts, b, a := setup(t)
	conn := dial(t, ts, "/ws/s1")

	assert.Equal(t, bridge.FrameSessionState, readFrame(t, conn).Type)

	a.cb.OnEvent(models.Event{Type: models.EventCLIConnected})
	frame := readFrame(t, conn)
	assert.Equal(t, bridge.FrameEvent, frame.Type)
	assert.Equal(t, int64(1), frame.Seq)
	require.NotNil(t, frame.Event)
	assert.Equal(t, models.EventCLIConnected, frame.Event.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":          "user_message",
		"content":       "hello",
		"client_msg_id": "m-1",
	}))
	require.Eventually(t, func() bool { return len(a.commands()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", a.commands()[0].Content)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "session_ack", "seq": 1}))
	require.Eventually(t, func() bool { return b.Snapshot().LastAckSeq == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectResumesFromLastSeq(t *testing.T) {
	ts, b, a := setup(t)
	a.cb.OnEvent(models.Event{Type: models.EventCLIConnected})
	a.cb.OnEvent(models.Event{Type: models.EventStatusChange, Status: "running"})

	conn := dial(t, ts, "/ws/s1?lastSeq=1")
	assert.Equal(t, bridge.FrameSessionState, readFrame(t, conn).Type)
	frame := readFrame(t, conn)
	assert.Equal(t, int64(2), frame.Seq)

	conn.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusDisconnected, b.State().Status)
}
