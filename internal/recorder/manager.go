package recorder

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// DefaultCleanupInterval is how often Manager enforces the line ceiling
const DefaultCleanupInterval = 5 * time.Minute

// Options configures a Manager
type Options struct {
	Dir             string
	Enabled         bool
	MaxLines        int
	CleanupInterval time.Duration
	Clock           clock.Clock
}

// Manager owns every live SessionRecorder and the recordings directory.
type Manager struct {
	dir      string
	maxLines int
	clock    clock.Clock

	mu        sync.Mutex
	enabled   bool
	overrides map[string]bool
	recorders map[string]*SessionRecorder

	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once
}

// NewManager creates the manager, runs one cleanup pass when recording is
// enabled, and starts the periodic cleanup loop.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	m := &Manager{
		dir:       opts.Dir,
		maxLines:  opts.MaxLines,
		clock:     opts.Clock,
		enabled:   opts.Enabled,
		overrides: make(map[string]bool),
		recorders: make(map[string]*SessionRecorder),
		done:      make(chan struct{}),
	}

	if m.enabled {
		m.Cleanup()
	}

	m.ticker = m.clock.NewTicker(opts.CleanupInterval)
	go m.cleanupLoop()

	return m
}

func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.Cleanup()
		}
	}
}

// Dir returns the recordings directory
func (m *Manager) Dir() string { return m.dir }

// SetGlobalEnabled turns recording on or off for sessions without an override
func (m *Manager) SetGlobalEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	var toClose []*SessionRecorder
	if !enabled {
		for id, rec := range m.recorders {
			if forced, ok := m.overrides[id]; ok && forced {
				continue
			}
			toClose = append(toClose, rec)
			delete(m.recorders, id)
		}
	}
	m.mu.Unlock()

	for _, rec := range toClose {
		rec.Close()
	}
}

// SetSessionEnabled forces recording on or off for one session. The
// override wins over the global flag in both directions.
func (m *Manager) SetSessionEnabled(sessionID string, enabled bool) {
	m.mu.Lock()
	m.overrides[sessionID] = enabled
	var rec *SessionRecorder
	if !enabled {
		rec = m.recorders[sessionID]
		delete(m.recorders, sessionID)
	}
	m.mu.Unlock()

	if rec != nil {
		rec.Close()
	}
}

// ClearSessionOverride returns a session to the global setting
func (m *Manager) ClearSessionOverride(sessionID string) {
	m.mu.Lock()
	delete(m.overrides, sessionID)
	m.mu.Unlock()
}

// IsEnabled reports whether a session is currently being recorded
func (m *Manager) IsEnabled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isEnabledLocked(sessionID)
}

func (m *Manager) isEnabledLocked(sessionID string) bool {
	if forced, ok := m.overrides[sessionID]; ok {
		return forced
	}
	return m.enabled
}

// Record appends a raw message to the session's recording, creating the
// recorder on first use.
func (m *Manager) Record(src Source, dir models.Direction, raw string, ch models.Channel) {
	m.mu.Lock()
	if !m.isEnabledLocked(src.SessionID) {
		m.mu.Unlock()
		return
	}
	rec, ok := m.recorders[src.SessionID]
	if !ok {
		var err error
		rec, err = NewSessionRecorder(m.dir, src, m.clock)
		if err != nil {
			m.mu.Unlock()
			log.WithError(err).WithField("session_id", src.SessionID).Warn("Recording unavailable")
			return
		}
		m.recorders[src.SessionID] = rec
	}
	m.mu.Unlock()

	rec.Record(dir, raw, ch)
}

// StopRecording closes the session's recorder, if any
func (m *Manager) StopRecording(sessionID string) {
	m.mu.Lock()
	rec := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()

	if rec != nil {
		rec.Close()
	}
}

// activeLines maps the file path of every open recorder to its line count
func (m *Manager) activeLines() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]int, len(m.recorders))
	for _, rec := range m.recorders {
		active[rec.Path()] = rec.Lines()
	}
	return active
}

type recordingFile struct {
	path    string
	lines   int
	modTime time.Time
	active  bool
}

// Cleanup deletes whole recording files, oldest modification time first,
// while the total line count exceeds the ceiling. Files held by an open
// recorder are never deleted. Returns the number of files removed.
func (m *Manager) Cleanup() int {
	if m.maxLines <= 0 {
		return 0
	}

	files, err := m.scan()
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("Failed to scan recordings directory")
		}
		return 0
	}

	total := 0
	for _, f := range files {
		total += f.lines
	}
	if total <= m.maxLines {
		return 0
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	removed := 0
	for _, f := range files {
		if total <= m.maxLines {
			break
		}
		if f.active {
			continue
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", f.path).Warn("Failed to delete recording")
			continue
		}
		total -= f.lines
		removed++
	}

	if removed > 0 {
		log.WithField("removed", removed).WithField("remaining_lines", total).Info("Rotated recordings")
	}
	return removed
}

func (m *Manager) scan() ([]recordingFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	active := m.activeLines()
	var files []recordingFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		f := recordingFile{path: path, modTime: info.ModTime()}
		if lines, ok := active[path]; ok {
			f.lines = lines
			f.active = true
		} else {
			lines, err := countLines(path)
			if err != nil {
				continue
			}
			f.lines = lines
		}
		files = append(files, f)
	}
	return files, nil
}

// ListRecordings describes every recording file. A missing directory yields
// an empty list.
func (m *Manager) ListRecordings() ([]models.RecordingInfo, error) {
	result := []models.RecordingInfo{}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}

	active := m.activeLines()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, ok := parseFilename(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if lines, isActive := active[path]; isActive {
			info.Lines = lines
			info.Active = true
		} else if lines, err := countLines(path); err == nil {
			info.Lines = lines
		}
		if fi, err := entry.Info(); err == nil {
			info.SizeBytes = fi.Size()
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt > result[j].StartedAt
	})
	return result, nil
}

// parseFilename splits {sessionId}_{backend}_{timestamp}_{suffix}.jsonl.
// Session ids may themselves contain underscores, so fields are taken from
// the right.
func parseFilename(name string) (models.RecordingInfo, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return models.RecordingInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, fileExt), "_")
	if len(parts) < 4 {
		return models.RecordingInfo{}, false
	}
	n := len(parts)
	sessionID := strings.Join(parts[:n-3], "_")
	if sessionID == "" {
		return models.RecordingInfo{}, false
	}
	return models.RecordingInfo{
		Filename:    name,
		SessionID:   sessionID,
		BackendType: models.BackendType(parts[n-3]),
		StartedAt:   parts[n-2],
	}, true
}

// countLines counts lines in a file; a trailing unterminated line counts.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	buf := make([]byte, 64*1024)
	count := 0
	var last byte
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != 0 && last != '\n' {
		count++
	}
	return count, nil
}

// Close stops the cleanup loop and closes every recorder
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.done)
		m.ticker.Stop()
	})

	m.mu.Lock()
	recorders := m.recorders
	m.recorders = make(map[string]*SessionRecorder)
	m.mu.Unlock()

	for _, rec := range recorders {
		rec.Close()
	}
}
