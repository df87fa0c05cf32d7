// Package store persists session snapshots as one JSON file per session.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/pkg/models"
)

const (
	// DefaultDebounce coalesces bursts of Save calls into one write
	DefaultDebounce = 150 * time.Millisecond

	// LauncherFile is reserved for launcher bookkeeping; it is not a session.
	LauncherFile = "launcher.json"
)

var log = logging.NewLogger("store")

// Snapshotter produces the current persisted form of a session. It is
// called when a debounced write fires, never while the store lock is held.
type Snapshotter interface {
	Snapshot() *models.PersistedSession
}

// pendingWrite is one scheduled debounced write. The timer callback only
// writes if it is still the registered entry for its id, which lets Remove
// and a newer Save win against a callback that is already running.
type pendingWrite struct {
	timer *clock.Timer
	src   Snapshotter
}

// Store writes PersistedSession snapshots under dir.
type Store struct {
	dir      string
	debounce time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	pending map[string]*pendingWrite
	// ticket orders writes and removals; latest holds, per id, the ticket
	// of the last one applied. A snapshot taken under an older ticket is
	// stale and is dropped.
	ticket uint64
	latest map[string]uint64
}

// New creates the store directory if needed
func New(dir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		dir:      dir,
		debounce: DefaultDebounce,
		clock:    clk,
		pending:  make(map[string]*pendingWrite),
		latest:   make(map[string]uint64),
	}, nil
}

// Dir returns the store directory
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save schedules a write of id after the debounce delay. src is asked for
// its snapshot only when the write fires, so bursts of Save calls cost no
// serialization. A later Save for the same id replaces the pending one.
func (s *Store) Save(id string, src Snapshotter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[id]; ok {
		prev.timer.Stop()
	}

	entry := &pendingWrite{src: src}
	s.pending[id] = entry
	entry.timer = s.clock.AfterFunc(s.debounce, func() {
		s.flush(id, entry)
	})
}

func (s *Store) flush(id string, entry *pendingWrite) {
	s.mu.Lock()
	if s.pending[id] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	ticket := s.nextTicketLocked()
	s.mu.Unlock()

	s.writeSnapshot(id, ticket, entry.src)
}

func (s *Store) nextTicketLocked() uint64 {
	s.ticket++
	return s.ticket
}

// writeSnapshot takes the snapshot outside the store lock, then writes it
// unless a newer write or a Remove for id landed in the meantime.
func (s *Store) writeSnapshot(id string, ticket uint64, src Snapshotter) {
	session := src.Snapshot()
	if session == nil {
		log.WithField("session_id", id).Warn("Dropping empty session snapshot")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest[id] > ticket {
		return
	}
	s.latest[id] = ticket
	if err := s.write(session); err != nil {
		log.WithError(err).WithField("session_id", id).Warn("Failed to persist session")
	}
}

// SaveSync writes session immediately, superseding any pending write.
func (s *Store) SaveSync(session *models.PersistedSession) error {
	if session == nil {
		return fmt.Errorf("cannot persist nil session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[session.ID]; ok {
		prev.timer.Stop()
		delete(s.pending, session.ID)
	}
	s.latest[session.ID] = s.nextTicketLocked()
	return s.write(session)
}

// write stores the snapshot atomically. Caller holds s.mu.
func (s *Store) write(session *models.PersistedSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+session.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(session.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move session file into place: %w", err)
	}
	return nil
}

// Load returns the stored session, or false if it is missing or unreadable.
func (s *Store) Load(id string) (*models.PersistedSession, bool) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, false
	}
	var session models.PersistedSession
	if err := json.Unmarshal(data, &session); err != nil {
		log.WithError(err).WithField("session_id", id).Debug("Ignoring corrupt session file")
		return nil, false
	}
	return &session, true
}

// LoadAll returns every readable session. Corrupt files and the launcher
// bookkeeping file are skipped.
func (s *Store) LoadAll() []*models.PersistedSession {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var sessions []*models.PersistedSession
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == LauncherFile || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		session, ok := s.Load(strings.TrimSuffix(name, ".json"))
		if !ok {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// Remove cancels any pending write for id and deletes its file.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[id]; ok {
		prev.timer.Stop()
		delete(s.pending, id)
	}
	s.latest[id] = s.nextTicketLocked()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// SetArchived updates the archived flag on disk. Returns false if the
// session does not exist.
func (s *Store) SetArchived(id string, archived bool) (bool, error) {
	session, ok := s.Load(id)
	if !ok {
		return false, nil
	}
	session.Archived = archived
	session.State.Archived = archived
	return true, s.SaveSync(session)
}

// Flush writes every pending snapshot now. Used on shutdown.
func (s *Store) Flush() {
	type flushJob struct {
		id     string
		ticket uint64
		src    Snapshotter
	}

	s.mu.Lock()
	jobs := make([]flushJob, 0, len(s.pending))
	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
		jobs = append(jobs, flushJob{id: id, ticket: s.nextTicketLocked(), src: entry.src})
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.writeSnapshot(job.id, job.ticket, job.src)
	}
}

// LauncherPath is where the session manager keeps its bookkeeping
func (s *Store) LauncherPath() string {
	return filepath.Join(s.dir, LauncherFile)
}
