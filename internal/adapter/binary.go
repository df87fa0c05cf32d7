package adapter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Resolver locates backend binaries once and remembers the answer.
type Resolver struct {
	mu       sync.Mutex
	names    map[models.BackendType]string
	cache    map[models.BackendType]string
	lookPath func(string) (string, error)
}

// NewResolver resolves claude and codex from the given names or paths
func NewResolver(claudeBinary, codexBinary string) *Resolver {
	if claudeBinary == "" {
		claudeBinary = "claude"
	}
	if codexBinary == "" {
		codexBinary = "codex"
	}
	return &Resolver{
		names: map[models.BackendType]string{
			models.BackendClaude: claudeBinary,
			models.BackendCodex:  codexBinary,
		},
		cache:    make(map[models.BackendType]string),
		lookPath: exec.LookPath,
	}
}

// Resolve returns the absolute path of the backend binary
func (r *Resolver) Resolve(backend models.BackendType) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.cache[backend]; ok {
		return path, nil
	}

	name, ok := r.names[backend]
	if !ok {
		return "", apperr.Validation("backendType", fmt.Sprintf("unknown backend %q", backend))
	}

	var path string
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", apperr.Wrap(err, apperr.CodeUnavailable, fmt.Sprintf("%s binary not found", backend))
		}
		path = name
	} else {
		found, err := r.lookPath(name)
		if err != nil {
			return "", apperr.Wrap(err, apperr.CodeUnavailable, fmt.Sprintf("%s binary not found on PATH", backend))
		}
		path = found
	}

	r.cache[backend] = path
	return path, nil
}

// Reset forgets every resolved path, e.g. after PATH changed
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[models.BackendType]string)
}

// CodexHome returns <root>/<sessionID>, creating it. An empty root is an
// error: a session never shares the user's global ~/.codex.
func CodexHome(root, sessionID string) (string, error) {
	if root == "" {
		return "", apperr.New(apperr.CodeUnavailable, "codex home root is not configured")
	}
	if sessionID == "" || sessionID != filepath.Base(sessionID) || sessionID == "." || sessionID == ".." {
		return "", apperr.Validation("sessionId", "is not a valid directory name")
	}
	home := filepath.Join(root, sessionID)
	if err := os.MkdirAll(home, 0700); err != nil {
		return "", fmt.Errorf("failed to create codex home: %w", err)
	}
	return home, nil
}
