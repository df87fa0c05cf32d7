package models

// CommandType tags a canonical command sent down to an adapter
type CommandType string

const (
	CommandUserMessage        CommandType = "user_message"
	CommandPermissionResponse CommandType = "permission_response"
	CommandInterrupt          CommandType = "interrupt"
	CommandSetModel           CommandType = "set_model"
	CommandSetPermissionMode  CommandType = "set_permission_mode"
	CommandMcpGetStatus       CommandType = "mcp_get_status"
	CommandMcpToggle          CommandType = "mcp_toggle"
	CommandMcpReconnect       CommandType = "mcp_reconnect"
	CommandMcpSetServers      CommandType = "mcp_set_servers"
	CommandRateLimits         CommandType = "rate_limits"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// PermissionDecision resolves a pending PermissionRequest
type PermissionDecision struct {
	Behavior     string                 `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Image is an inline image attached to a user message
type Image struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"` // base64
}

// Command is the backend-agnostic instruction vocabulary
type Command struct {
	Type CommandType `json:"type"`

	Content string  `json:"content,omitempty"`
	Images  []Image `json:"images,omitempty"`

	RequestID string              `json:"requestId,omitempty"`
	Decision  *PermissionDecision `json:"decision,omitempty"`

	Model          string      `json:"model,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	ServerName     string      `json:"serverName,omitempty"`
	Enabled        bool        `json:"enabled,omitempty"`
	Servers        []McpServer `json:"servers,omitempty"`
}
