package models

import "time"

// BackendType identifies which agent CLI a session drives
type BackendType string

const (
	BackendClaude BackendType = "claude"
	BackendCodex  BackendType = "codex"
)

// Valid reports whether b names a supported backend
func (b BackendType) Valid() bool {
	return b == BackendClaude || b == BackendCodex
}

// SessionStatus represents the bridge connection state of a session
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
	StatusExited       SessionStatus = "exited"
)

// Permission modes understood by both backends
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionPlan              = "plan"
	PermissionBypassPermissions = "bypassPermissions"
)

// McpServer describes one configured MCP server and its last known status
type McpServer struct {
	Name    string                 `json:"name"`
	Status  string                 `json:"status,omitempty"`
	Enabled bool                   `json:"enabled"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// SessionState is the mutable snapshot of one agent session
type SessionState struct {
	SessionID        string        `json:"sessionId"`
	BackendType      BackendType   `json:"backendType"`
	BackendSessionID string        `json:"backendSessionId,omitempty"` // Claude session id or Codex thread id
	Model            string        `json:"model"`
	Cwd              string        `json:"cwd"`
	PermissionMode   string        `json:"permissionMode"`
	Tools            []string      `json:"tools,omitempty"`
	Status           SessionStatus `json:"status"`
	Name             string        `json:"name,omitempty"`

	// Repository metadata
	GitBranch    string `json:"gitBranch,omitempty"`
	IsWorktree   bool   `json:"isWorktree"`
	GitAhead     int    `json:"gitAhead"`
	GitBehind    int    `json:"gitBehind"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`

	// Running totals
	TotalCostUSD       float64 `json:"totalCostUsd"`
	NumTurns           int     `json:"numTurns"`
	ContextUsedPercent float64 `json:"contextUsedPercent"`

	McpServers []McpServer `json:"mcpServers,omitempty"`

	CronJobID   string `json:"cronJobId,omitempty"`
	CronJobName string `json:"cronJobName,omitempty"`

	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryRecord is one entry of a session's message history
type HistoryRecord struct {
	Role      string    `json:"role"` // "user", "assistant", "system", "result"
	Event     *Event    `json:"event,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PersistedSession is the durable projection of a session
type PersistedSession struct {
	ID                        string                       `json:"id"`
	State                     SessionState                 `json:"state"`
	MessageHistory            []HistoryRecord              `json:"messageHistory"`
	PendingMessages           []Command                    `json:"pendingMessages"`
	PendingPermissions        map[string]PermissionRequest `json:"pendingPermissions"`
	EventBuffer               []BufferedEvent              `json:"eventBuffer"`
	NextEventSeq              int64                        `json:"nextEventSeq"`
	LastAckSeq                int64                        `json:"lastAckSeq"`
	ProcessedClientMessageIDs []string                     `json:"processedClientMessageIds"`
	Archived                  bool                         `json:"archived"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	BackendType    BackendType `json:"backendType"`
	Model          string      `json:"model,omitempty"`
	Cwd            string      `json:"cwd"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Name           string      `json:"name,omitempty"`
	// Codex only
	Sandbox        string            `json:"sandbox,omitempty"`
	InternetAccess *bool             `json:"internetAccess,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}
