package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/pkg/models"
)

const (
	recordingVersion = 1
	fileExt          = ".jsonl"
)

var log = logging.NewLogger("recorder")

// Source identifies the session a recording belongs to
type Source struct {
	SessionID string
	Backend   models.BackendType
	Cwd       string
}

// SessionRecorder appends raw wire messages of one session to one file.
type SessionRecorder struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	lines  int
	lastTS int64
	closed bool
	clock  clock.Clock
}

// recordingFilename builds {sessionId}_{backend}_{timestamp}_{suffix}.jsonl
func recordingFilename(src Source, startedAt time.Time) string {
	stamp := strings.ReplaceAll(startedAt.UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s%s", src.SessionID, src.Backend, stamp, suffix, fileExt)
}

// NewSessionRecorder creates the recording file and writes its header line
// before returning.
func NewSessionRecorder(dir string, src Source, clk clock.Clock) (*SessionRecorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	startedAt := clk.Now()
	path := filepath.Join(dir, recordingFilename(src, startedAt))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	header := models.RecordingHeader{
		Header:      true,
		Version:     recordingVersion,
		SessionID:   src.SessionID,
		BackendType: src.Backend,
		StartedAt:   startedAt.UnixMilli(),
		Cwd:         src.Cwd,
	}
	line, err := encodeLine(header)
	if err == nil {
		_, err = file.Write(line)
	}
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write recording header: %w", err)
	}

	return &SessionRecorder{
		file:   file,
		path:   path,
		lines:  1,
		lastTS: header.StartedAt,
		clock:  clk,
	}, nil
}

// Record appends one entry. raw is written as-is inside the JSON string;
// it is never parsed. Write failures are logged and dropped.
func (r *SessionRecorder) Record(dir models.Direction, raw string, ch models.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	ts := r.clock.Now().UnixMilli()
	if ts < r.lastTS {
		ts = r.lastTS
	}
	r.lastTS = ts

	line, err := encodeLine(models.RecordingEntry{TS: ts, Dir: dir, Raw: raw, Ch: ch})
	if err != nil {
		log.WithError(err).WithField("path", r.path).Warn("Failed to encode recording entry")
		return
	}
	if _, err := r.file.Write(line); err != nil {
		log.WithError(err).WithField("path", r.path).Warn("Failed to append recording entry")
		return
	}
	r.lines++
}

// Lines returns the number of lines written, header included
func (r *SessionRecorder) Lines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// Path returns the recording file path
func (r *SessionRecorder) Path() string {
	return r.path
}

// Close stops recording. Later Record calls are no-ops.
func (r *SessionRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// encodeLine marshals v as one JSON line without HTML escaping.
func encodeLine(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
