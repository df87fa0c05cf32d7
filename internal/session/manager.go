package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/bridge"
	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/internal/recorder"
	"github.com/shehryarbajwa/companion/internal/store"
	"github.com/shehryarbajwa/companion/pkg/models"
)

var log = logging.NewLogger("session")

// AdapterFactory builds the adapter for one launch
type AdapterFactory func(backend models.BackendType) (adapter.Adapter, error)

// Options wires a Manager to its collaborators. Store and Recorder may be
// nil.
type Options struct {
	Store         *store.Store
	Recorder      *recorder.Manager
	Resolver      *adapter.Resolver
	NewAdapter    AdapterFactory
	CodexHomeRoot string
	MaxSessions   int
	Clock         clock.Clock
}

// Manager handles all session operations
type Manager struct {
	sessions      sync.Map // map[sessionID]*bridge.Bridge
	launches      sync.Map // map[sessionID]models.CreateSessionRequest
	launchMu      sync.Mutex
	slots         *semaphore.Weighted
	store         *store.Store
	recorder      *recorder.Manager
	resolver      *adapter.Resolver
	newAdapter    AdapterFactory
	codexHomeRoot string
	clock         clock.Clock
}

// NewManager creates a new session manager
func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 16
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Resolver == nil {
		opts.Resolver = adapter.NewResolver("", "")
	}
	if opts.NewAdapter == nil {
		opts.NewAdapter = func(backend models.BackendType) (adapter.Adapter, error) {
			return adapter.New(backend, nil)
		}
	}
	return &Manager{
		slots:         semaphore.NewWeighted(int64(opts.MaxSessions)),
		store:         opts.Store,
		recorder:      opts.Recorder,
		resolver:      opts.Resolver,
		newAdapter:    opts.NewAdapter,
		codexHomeRoot: opts.CodexHomeRoot,
		clock:         opts.Clock,
	}
}

func (m *Manager) bridgeOptions() bridge.Options {
	opts := bridge.Options{Clock: m.clock}
	if m.store != nil {
		opts.Store = m.store
	}
	if m.recorder != nil {
		opts.Recorder = m.recorder
	}
	return opts
}

func validateCreate(req *models.CreateSessionRequest) error {
	if !req.BackendType.Valid() {
		return apperr.Validation("backendType", fmt.Sprintf("unsupported backend %q", req.BackendType))
	}
	if req.Cwd == "" {
		return apperr.Validation("cwd", "is required")
	}
	if !filepath.IsAbs(req.Cwd) {
		return apperr.Validation("cwd", "must be an absolute path")
	}
	info, err := os.Stat(req.Cwd)
	if err != nil || !info.IsDir() {
		return apperr.Validation("cwd", fmt.Sprintf("%s is not a directory", req.Cwd))
	}
	switch req.PermissionMode {
	case "":
		req.PermissionMode = models.PermissionDefault
	case models.PermissionDefault, models.PermissionAcceptEdits, models.PermissionPlan, models.PermissionBypassPermissions:
	default:
		return apperr.Validation("permissionMode", fmt.Sprintf("unknown mode %q", req.PermissionMode))
	}
	return nil
}

// CreateSession launches a new bridged session
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.SessionState, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	if !m.slots.TryAcquire(1) {
		return nil, apperr.New(apperr.CodeUnavailable, "session limit reached")
	}

	sessionID := uuid.New().String()
	b := bridge.New(models.SessionState{
		SessionID:      sessionID,
		BackendType:    req.BackendType,
		Model:          req.Model,
		Cwd:            req.Cwd,
		PermissionMode: req.PermissionMode,
		Name:           req.Name,
		Status:         models.StatusConnecting,
		CreatedAt:      m.clock.Now(),
	}, m.bridgeOptions())

	m.sessions.Store(sessionID, b)
	m.launches.Store(sessionID, req)
	m.saveLaunches()

	if err := m.start(ctx, b, req, ""); err != nil {
		m.slots.Release(1)
		m.discard(sessionID)
		return nil, err
	}

	log.WithField("session_id", sessionID).WithField("backend", req.BackendType).Info("Session created")
	state := b.State()
	return &state, nil
}

// start resolves the binary, builds the adapter and launches it on b. The
// caller holds a slot, which is released when the process exits.
func (m *Manager) start(ctx context.Context, b *bridge.Bridge, req models.CreateSessionRequest, resumeID string) error {
	binary, err := m.resolver.Resolve(req.BackendType)
	if err != nil {
		return err
	}

	cfg := adapter.Config{
		SessionID:      b.ID(),
		Binary:         binary,
		Cwd:            req.Cwd,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		ResumeID:       resumeID,
		Env:            req.Env,
	}
	if req.BackendType == models.BackendCodex {
		home, err := adapter.CodexHome(m.codexHomeRoot, b.ID())
		if err != nil {
			return err
		}
		cfg.CodexHome = home
		cfg.Sandbox = req.Sandbox
		cfg.InternetAccess = req.InternetAccess
	}

	a, err := m.newAdapter(req.BackendType)
	if err != nil {
		return err
	}
	if err := b.Launch(ctx, a, cfg); err != nil {
		return fmt.Errorf("failed to launch %s: %w", req.BackendType, err)
	}

	go m.releaseOnExit(b.ID(), b.Exited())
	return nil
}

func (m *Manager) releaseOnExit(sessionID string, exited <-chan struct{}) {
	<-exited
	m.slots.Release(1)
	log.WithField("session_id", sessionID).Debug("Session slot released")
}

func (m *Manager) discard(sessionID string) {
	if value, ok := m.sessions.LoadAndDelete(sessionID); ok {
		value.(*bridge.Bridge).Close()
	}
	m.launches.Delete(sessionID)
	m.saveLaunches()
	if m.store != nil {
		if err := m.store.Remove(sessionID); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Warn("Failed to remove session file")
		}
	}
}

// GetSession retrieves a session bridge by ID
func (m *Manager) GetSession(id string) (*bridge.Bridge, error) {
	value, ok := m.sessions.Load(id)
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	return value.(*bridge.Bridge), nil
}

// ListSessions returns session states, newest first. Archived sessions are
// only included when asked for.
func (m *Manager) ListSessions(includeArchived bool) []models.SessionState {
	var sessions []models.SessionState

	m.sessions.Range(func(key, value interface{}) bool {
		state := value.(*bridge.Bridge).State()
		if state.Archived && !includeArchived {
			return true
		}
		sessions = append(sessions, state)
		return true
	})

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// DeleteSession kills the backend and removes every trace of the session
func (m *Manager) DeleteSession(id string) error {
	b, err := m.GetSession(id)
	if err != nil {
		return err
	}
	backend := b.State().BackendType

	m.discard(id)
	if m.recorder != nil {
		m.recorder.StopRecording(id)
		m.recorder.ClearSessionOverride(id)
	}
	if backend == models.BackendCodex && m.codexHomeRoot != "" {
		if err := os.RemoveAll(filepath.Join(m.codexHomeRoot, id)); err != nil {
			log.WithError(err).WithField("session_id", id).Warn("Failed to remove codex home")
		}
	}

	log.WithField("session_id", id).Info("Session deleted")
	return nil
}

// SetArchived flags a session as archived or not. Sessions only present on
// disk are updated in place.
func (m *Manager) SetArchived(id string, archived bool) error {
	if b, err := m.GetSession(id); err == nil {
		b.Update(func(state *models.SessionState) { state.Archived = archived })
		return nil
	}
	if m.store == nil {
		return apperr.NotFound("session", id)
	}
	existed, err := m.store.SetArchived(id, archived)
	if err != nil {
		return err
	}
	if !existed {
		return apperr.NotFound("session", id)
	}
	return nil
}

// RelaunchSession starts a fresh backend process for an exited session,
// resuming the backend's own conversation when it reported one.
func (m *Manager) RelaunchSession(ctx context.Context, id string) (*models.SessionState, error) {
	b, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	if b.Alive() {
		return nil, apperr.New(apperr.CodeConflict, "session is already running")
	}

	state := b.State()
	req := models.CreateSessionRequest{
		BackendType:    state.BackendType,
		Model:          state.Model,
		Cwd:            state.Cwd,
		PermissionMode: state.PermissionMode,
		Name:           state.Name,
	}
	if value, ok := m.launches.Load(id); ok {
		original := value.(models.CreateSessionRequest)
		req.Sandbox = original.Sandbox
		req.InternetAccess = original.InternetAccess
		req.Env = original.Env
	}

	if !m.slots.TryAcquire(1) {
		return nil, apperr.New(apperr.CodeUnavailable, "session limit reached")
	}
	if err := m.start(ctx, b, req, state.BackendSessionID); err != nil {
		m.slots.Release(1)
		return nil, err
	}

	log.WithField("session_id", id).WithField("resume_id", state.BackendSessionID).Info("Session relaunched")
	state = b.State()
	return &state, nil
}

// RestoreAll loads every persisted session as an exited bridge
func (m *Manager) RestoreAll() int {
	if m.store == nil {
		return 0
	}
	m.loadLaunches()

	restored := 0
	for _, persisted := range m.store.LoadAll() {
		if _, exists := m.sessions.Load(persisted.ID); exists {
			continue
		}
		m.sessions.Store(persisted.ID, bridge.Restore(persisted, m.bridgeOptions()))
		restored++
	}
	log.WithField("count", restored).Info("Restored persisted sessions")
	return restored
}

// SetRecording overrides the global recording flag for one session
func (m *Manager) SetRecording(id string, enabled bool) error {
	if _, err := m.GetSession(id); err != nil {
		return err
	}
	if m.recorder == nil {
		return apperr.New(apperr.CodeUnavailable, "recording is not configured")
	}
	m.recorder.SetSessionEnabled(id, enabled)
	return nil
}

// Shutdown kills every backend and flushes pending writes
func (m *Manager) Shutdown() {
	m.sessions.Range(func(key, value interface{}) bool {
		value.(*bridge.Bridge).Close()
		return true
	})
	if m.store != nil {
		m.store.Flush()
	}
}

// Launch starts a session for the scheduler and returns its id
func (m *Manager) Launch(ctx context.Context, req models.CreateSessionRequest) (string, error) {
	state, err := m.CreateSession(ctx, req)
	if err != nil {
		return "", err
	}
	return state.SessionID, nil
}

// IsAlive reports whether the session's backend process is running
func (m *Manager) IsAlive(sessionID string) bool {
	b, err := m.GetSession(sessionID)
	return err == nil && b.Alive()
}

// Tag marks a session as launched by a cron job
func (m *Manager) Tag(sessionID, jobID, jobName, displayName string) error {
	b, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	b.Update(func(state *models.SessionState) {
		state.CronJobID = jobID
		state.CronJobName = jobName
		state.Name = displayName
	})
	return nil
}

// InjectUserMessage sends text to the session as a user turn
func (m *Manager) InjectUserMessage(sessionID, text string) error {
	b, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	return b.InjectUserMessage(text)
}

// WaitForConnection blocks until the session's backend completes its
// handshake
func (m *Manager) WaitForConnection(ctx context.Context, sessionID string, timeout time.Duration) error {
	b, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	return b.WaitForConnection(ctx, timeout)
}

// saveLaunches writes the original launch requests next to the session
// files so a relaunch after restart keeps sandbox and env settings.
func (m *Manager) saveLaunches() {
	if m.store == nil {
		return
	}
	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	launches := make(map[string]models.CreateSessionRequest)
	m.launches.Range(func(key, value interface{}) bool {
		launches[key.(string)] = value.(models.CreateSessionRequest)
		return true
	})

	data, err := json.MarshalIndent(launches, "", "  ")
	if err != nil {
		log.WithError(err).Warn("Failed to encode launcher state")
		return
	}
	path := m.store.LauncherPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.WithError(err).Warn("Failed to write launcher state")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Warn("Failed to write launcher state")
	}
}

func (m *Manager) loadLaunches() {
	data, err := os.ReadFile(m.store.LauncherPath())
	if err != nil {
		return
	}
	var launches map[string]models.CreateSessionRequest
	if err := json.Unmarshal(data, &launches); err != nil {
		log.WithError(err).Warn("Ignoring corrupt launcher state")
		return
	}
	for id, req := range launches {
		m.launches.Store(id, req)
	}
}
