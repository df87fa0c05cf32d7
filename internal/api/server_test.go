package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/cron"
	"github.com/shehryarbajwa/companion/internal/proxy"
	"github.com/shehryarbajwa/companion/internal/ratelimit"
	"github.com/shehryarbajwa/companion/internal/recorder"
	"github.com/shehryarbajwa/companion/internal/session"
	"github.com/shehryarbajwa/companion/internal/store"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// fakeAdapter reports the backend as connected as soon as it starts
type fakeAdapter struct {
	backend models.BackendType

	mu    sync.Mutex
	alive bool
	sent  []models.Command
}

func (a *fakeAdapter) Backend() models.BackendType { return a.backend }

func (a *fakeAdapter) Start(_ context.Context, _ adapter.Config, cb adapter.Callbacks) error {
	a.mu.Lock()
	a.alive = true
	a.mu.Unlock()
	cb.OnEvent(models.Event{Type: models.EventCLIConnected})
	return nil
}

func (a *fakeAdapter) Send(cmd models.Command) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, cmd)
	return nil
}

func (a *fakeAdapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alive = false
	return nil
}

type testServer struct {
	*httptest.Server
	cwd       string
	scheduler *cron.Scheduler
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	root := t.TempDir()

	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	for _, name := range []string{"claude", "codex"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), 0755))
	}

	st, err := store.New(filepath.Join(root, "sessions"), nil)
	require.NoError(t, err)

	rec := recorder.NewManager(recorder.Options{Dir: filepath.Join(root, "recordings")})
	t.Cleanup(rec.Close)

	mgr := session.NewManager(session.Options{
		Store:         st,
		Recorder:      rec,
		Resolver:      adapter.NewResolver(filepath.Join(bin, "claude"), filepath.Join(bin, "codex")),
		CodexHomeRoot: filepath.Join(root, "codex-home"),
		NewAdapter: func(backend models.BackendType) (adapter.Adapter, error) {
			return &fakeAdapter{backend: backend}, nil
		},
	})
	t.Cleanup(mgr.Shutdown)

	cronStore, err := cron.NewStore(filepath.Join(root, "cron"), nil)
	require.NoError(t, err)
	scheduler := cron.NewScheduler(cronStore, mgr, nil)
	t.Cleanup(scheduler.Destroy)

	router := SetupRoutes(Routes{
		Sessions:        NewHandler(mgr),
		Cron:            NewCronHandler(scheduler),
		Recordings:      NewRecordingHandler(rec),
		Proxy:           proxy.NewServer(mgr),
		RateLimiter:     limiter,
		RequestsPerHour: 3600,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, cwd: t.TempDir(), scheduler: scheduler}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(t, "POST", "/v1/sessions", models.CreateSessionRequest{
		BackendType: models.BackendClaude,
		Cwd:         s.cwd,
		Name:        "refactor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.SessionState
	decode(t, resp, &created)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "refactor", created.Name)

	resp = s.do(t, "GET", "/v1/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view sessionView
	decode(t, resp, &view)
	assert.True(t, view.Alive)
	assert.Equal(t, models.StatusConnected, view.Status)
	assert.NotNil(t, view.PendingPermissions)

	resp = s.do(t, "GET", "/v1/sessions/"+created.SessionID+"/connect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var connect map[string]string
	decode(t, resp, &connect)
	assert.Contains(t, connect["websocketUrl"], "/v1/sessions/"+created.SessionID+"/ws")

	resp = s.do(t, "POST", "/v1/sessions/"+created.SessionID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []models.SessionState
	decode(t, s.do(t, "GET", "/v1/sessions", nil), &list)
	assert.Empty(t, list)
	decode(t, s.do(t, "GET", "/v1/sessions?archived=true", nil), &list)
	assert.Len(t, list, 1)

	resp = s.do(t, "POST", "/v1/sessions/"+created.SessionID+"/unarchive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, s.do(t, "GET", "/v1/sessions?status=connected", nil), &list)
	assert.Len(t, list, 1)

	resp = s.do(t, "DELETE", "/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, "GET", "/v1/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestCreateSessionErrors(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(t, "POST", "/v1/sessions", models.CreateSessionRequest{BackendType: "gemini", Cwd: s.cwd})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "VALIDATION", body.Error.Code)

	req, err := http.NewRequest("POST", s.URL+"/v1/sessions", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestRelaunchRunningSessionConflicts(t *testing.T) {
	s := newTestServer(t, nil)

	var created models.SessionState
	decode(t, s.do(t, "POST", "/v1/sessions", models.CreateSessionRequest{
		BackendType: models.BackendClaude,
		Cwd:         s.cwd,
	}), &created)

	resp := s.do(t, "POST", "/v1/sessions/"+created.SessionID+"/relaunch", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSendMessageAndRecordingToggle(t *testing.T) {
	s := newTestServer(t, nil)

	var created models.SessionState
	decode(t, s.do(t, "POST", "/v1/sessions", models.CreateSessionRequest{
		BackendType: models.BackendClaude,
		Cwd:         s.cwd,
	}), &created)

	resp := s.do(t, "POST", "/v1/sessions/"+created.SessionID+"/message", map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = s.do(t, "POST", "/v1/sessions/"+created.SessionID+"/message", map[string]string{"content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "PUT", "/v1/sessions/"+created.SessionID+"/recording", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "PUT", "/v1/sessions/"+created.SessionID+"/recording", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "PUT", "/v1/sessions/missing/recording", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCronEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.do(t, "POST", "/v1/cron", models.CreateCronJobRequest{
		Name:        "Nightly Review",
		Prompt:      "review the diff",
		Schedule:    "0 3 * * *",
		Recurring:   true,
		BackendType: models.BackendClaude,
		Cwd:         s.cwd,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job jobView
	decode(t, resp, &job)
	assert.Equal(t, "nightly-review", job.ID)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now()))

	resp = s.do(t, "POST", "/v1/cron", models.CreateCronJobRequest{
		Name:        "Nightly Review",
		Prompt:      "again",
		Schedule:    "0 3 * * *",
		Recurring:   true,
		BackendType: models.BackendClaude,
		Cwd:         s.cwd,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var jobs []jobView
	decode(t, s.do(t, "GET", "/v1/cron", nil), &jobs)
	require.Len(t, jobs, 1)

	prompt := "review the diff carefully"
	resp = s.do(t, "PATCH", "/v1/cron/nightly-review", models.UpdateCronJobRequest{Prompt: &prompt})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &job)
	assert.Equal(t, prompt, job.Prompt)

	var executions []models.CronJobExecution
	resp = s.do(t, "GET", "/v1/cron/nightly-review/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &executions)
	assert.Empty(t, executions)

	resp = s.do(t, "POST", "/v1/cron/nightly-review/run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool {
		return len(s.scheduler.Executions("nightly-review")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = s.do(t, "POST", "/v1/cron/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, "DELETE", "/v1/cron/nightly-review", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, "GET", "/v1/cron/nightly-review", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordingEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	var recordings []models.RecordingInfo
	resp := s.do(t, "GET", "/v1/recordings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &recordings)
	assert.Empty(t, recordings)

	resp = s.do(t, "GET", "/v1/recordings/unknown/export", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, "PUT", "/v1/recordings/enabled", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitPerClient(t *testing.T) {
	s := newTestServer(t, ratelimit.NewLimiter(1, 2))

	get := func(forwardedFor string) *http.Response {
		req, err := http.NewRequest("GET", s.URL+"/v1/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1").StatusCode)
	assert.Equal(t, http.StatusOK, get("10.0.0.1").StatusCode)
	denied := get("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, denied.StatusCode)
	assert.Equal(t, "0", denied.Header.Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get("10.0.0.2, 192.168.1.1").StatusCode)

	health, err := http.Get(s.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	req, err := http.NewRequest("OPTIONS", s.URL+"/v1/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:52000"
	assert.Equal(t, "203.0.113.7", clientKey(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.2 , 10.0.0.1")
	assert.Equal(t, "198.51.100.2", clientKey(req))
}
