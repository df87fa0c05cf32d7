package models

// EventType tags a canonical browser-bound event
type EventType string

const (
	EventSessionInit         EventType = "session_init"
	EventAssistant           EventType = "assistant"
	EventStreamDelta         EventType = "stream_event"
	EventToolProgress        EventType = "tool_progress"
	EventToolUseSummary      EventType = "tool_use_summary"
	EventToolResult          EventType = "tool_result"
	EventPermissionRequest   EventType = "permission_request"
	EventPermissionCancelled EventType = "permission_cancelled"
	EventStatusChange        EventType = "status_change"
	EventResult              EventType = "result"
	EventError               EventType = "error"
	EventAuthStatus          EventType = "auth_status"
	EventCLIConnected        EventType = "cli_connected"
	EventCLIExited           EventType = "cli_exited"
	EventRateLimits          EventType = "rate_limits"
	EventMcpStatus           EventType = "mcp_status"
)

// Payload is a JSON value of open shape (tool input, tool result, usage)
// carried with a kind discriminator.
type Payload struct {
	Kind   string                 `json:"kind"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// NewPayload builds a Payload; a nil map stays nil
func NewPayload(kind string, fields map[string]interface{}) *Payload {
	return &Payload{Kind: kind, Fields: fields}
}

// SessionInit carries the backend's announced session configuration
type SessionInit struct {
	BackendSessionID string      `json:"backendSessionId,omitempty"`
	Model            string      `json:"model,omitempty"`
	Cwd              string      `json:"cwd,omitempty"`
	PermissionMode   string      `json:"permissionMode,omitempty"`
	Tools            []string    `json:"tools,omitempty"`
	McpServers       []McpServer `json:"mcpServers,omitempty"`
	Version          string      `json:"version,omitempty"`
}

// ContentBlock is one block of an assistant message
type ContentBlock struct {
	Type      string   `json:"type"` // text, thinking, tool_use, tool_result
	Text      string   `json:"text,omitempty"`
	ToolUseID string   `json:"toolUseId,omitempty"`
	ToolName  string   `json:"toolName,omitempty"`
	Input     *Payload `json:"input,omitempty"`
	IsError   bool     `json:"isError,omitempty"`
}

// AssistantMessage is a complete assistant turn fragment
type AssistantMessage struct {
	ID              string         `json:"id,omitempty"`
	Model           string         `json:"model,omitempty"`
	Content         []ContentBlock `json:"content"`
	ParentToolUseID string         `json:"parentToolUseId,omitempty"`
}

// StreamDelta is a partial assistant output chunk
type StreamDelta struct {
	ItemID string `json:"itemId,omitempty"`
	Kind   string `json:"kind"` // text, thinking, command_output, tool_input
	Text   string `json:"text"`
}

// ToolEvent describes tool progress, summaries and results
type ToolEvent struct {
	ToolUseID string   `json:"toolUseId,omitempty"`
	ToolName  string   `json:"toolName,omitempty"`
	Elapsed   float64  `json:"elapsedSeconds,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Output    *Payload `json:"output,omitempty"`
	IsError   bool     `json:"isError,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// PermissionRequest asks the user to approve a tool invocation
type PermissionRequest struct {
	RequestID   string   `json:"requestId"`
	ToolName    string   `json:"toolName"`
	ToolUseID   string   `json:"toolUseId,omitempty"`
	Input       *Payload `json:"input,omitempty"`
	Description string   `json:"description,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
}

// TurnResult closes one turn with usage and cost
type TurnResult struct {
	Subtype            string   `json:"subtype"` // success or error_*
	IsError            bool     `json:"isError"`
	Text               string   `json:"text,omitempty"`
	DurationMS         int64    `json:"durationMs,omitempty"`
	NumTurns           int      `json:"numTurns,omitempty"`
	TotalCostUSD       float64  `json:"totalCostUsd,omitempty"`
	ContextUsedPercent float64  `json:"contextUsedPercent,omitempty"`
	Usage              *Payload `json:"usage,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// Event is the canonical browser-bound event. Exactly one variant pointer
// is set per Type, except lifecycle events which carry only scalars.
type Event struct {
	Type EventType `json:"type"`

	Init       *SessionInit       `json:"init,omitempty"`
	Message    *AssistantMessage  `json:"message,omitempty"`
	Delta      *StreamDelta       `json:"delta,omitempty"`
	Tool       *ToolEvent         `json:"tool,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
	Result     *TurnResult        `json:"result,omitempty"`
	Data       *Payload           `json:"data,omitempty"`
	McpServers []McpServer        `json:"mcpServers,omitempty"`

	Status         string `json:"status,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Error          string `json:"error,omitempty"`
	Text           string `json:"text,omitempty"`
	ExitCode       *int   `json:"exitCode,omitempty"`
}

// BufferedEvent is an Event with its per-session sequence number
type BufferedEvent struct {
	Seq   int64 `json:"seq"`
	Event Event `json:"event"`
}
