// Package adapter drives a backend CLI subprocess and translates its native
// wire protocol to and from the canonical event and command vocabulary.
//
// Each backend owns its mapping table. Native messages that are not in the
// table are logged and ignored, so newer CLI versions keep working.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Config describes one backend launch
type Config struct {
	SessionID      string
	Binary         string
	Cwd            string
	Model          string
	PermissionMode string

	// ResumeID is the backend's own session or thread id to resume.
	ResumeID string

	// Codex only
	Sandbox        string
	InternetAccess *bool
	CodexHome      string

	Env map[string]string
}

// Callbacks receive everything an adapter produces. They are invoked from
// the adapter's read goroutine, one at a time, in wire order.
type Callbacks struct {
	OnEvent func(models.Event)
	OnRaw   func(dir models.Direction, raw string)
	OnExit  func(code int)
}

func (c Callbacks) withDefaults() Callbacks {
	if c.OnEvent == nil {
		c.OnEvent = func(models.Event) {}
	}
	if c.OnRaw == nil {
		c.OnRaw = func(models.Direction, string) {}
	}
	if c.OnExit == nil {
		c.OnExit = func(int) {}
	}
	return c
}

// Adapter owns one backend subprocess
type Adapter interface {
	Backend() models.BackendType

	// Start spawns the subprocess and begins the backend handshake. The
	// adapter emits cli_connected once the handshake completes and
	// cli_exited when the process goes away.
	Start(ctx context.Context, cfg Config, cb Callbacks) error

	// Send serializes a canonical command into the native request format.
	Send(cmd models.Command) error

	// Alive reports whether the subprocess is still running.
	Alive() bool

	// Close kills the subprocess.
	Close() error
}

// New returns the adapter for backend
func New(backend models.BackendType, spawner Spawner) (Adapter, error) {
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	switch backend {
	case models.BackendClaude:
		return NewClaude(spawner), nil
	case models.BackendCodex:
		return NewCodex(spawner), nil
	default:
		return nil, apperr.Validation("backendType", fmt.Sprintf("must be %q or %q", models.BackendClaude, models.BackendCodex))
	}
}

func unsupported(backend models.BackendType, cmd models.CommandType) error {
	return apperr.New(apperr.CodeValidation, fmt.Sprintf("%s backend does not support %s", backend, cmd))
}

func unknownPermission(requestID string) error {
	return apperr.New(apperr.CodeUnknownRequest, fmt.Sprintf("no pending permission request %q", requestID)).
		WithDetail("requestId", requestID)
}

// toPayload parses a JSON value of open shape. Objects become the field
// bag directly; any other JSON value is stored under "value".
func toPayload(kind string, raw json.RawMessage) *models.Payload {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err == nil {
		return models.NewPayload(kind, fields)
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return models.NewPayload(kind, map[string]interface{}{"value": value})
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	return list
}

func intPtr(v int) *int { return &v }
