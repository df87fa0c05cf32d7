package bridge

import (
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Outbound frame types
const (
	FrameEvent        = "event"
	FrameHistory      = "history"
	FrameSessionState = "session_state"
	FrameCommandError = "command_error"
)

// Inbound frame types that are not canonical commands
const (
	FrameSessionAck = "session_ack"
)

// OutFrame is one message sent to a browser. Events carry their seq; the
// other frames are bridge bookkeeping.
type OutFrame struct {
	Type        string                 `json:"type"`
	Seq         int64                  `json:"seq,omitempty"`
	Event       *models.Event          `json:"event,omitempty"`
	History     []models.HistoryRecord `json:"history,omitempty"`
	State       *models.SessionState   `json:"state,omitempty"`
	NextSeq     int64                  `json:"nextSeq,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Code        string                 `json:"code,omitempty"`
	RequestID   string                 `json:"requestId,omitempty"`
	ClientMsgID string                 `json:"clientMsgId,omitempty"`
}

// InFrame is one message received from a browser
type InFrame struct {
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id,omitempty"`

	Content string         `json:"content,omitempty"`
	Images  []models.Image `json:"images,omitempty"`

	RequestID    string                 `json:"request_id,omitempty"`
	Behavior     string                 `json:"behavior,omitempty"`
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
	Message      string                 `json:"message,omitempty"`

	Model          string             `json:"model,omitempty"`
	PermissionMode string             `json:"permission_mode,omitempty"`
	ServerName     string             `json:"server_name,omitempty"`
	Enabled        bool               `json:"enabled,omitempty"`
	Servers        []models.McpServer `json:"servers,omitempty"`

	Seq int64 `json:"seq,omitempty"`
}

// command converts a command frame to the canonical vocabulary
func (f InFrame) command() (models.Command, bool) {
	cmd := models.Command{Type: models.CommandType(f.Type)}
	switch cmd.Type {
	case models.CommandUserMessage:
		cmd.Content = f.Content
		cmd.Images = f.Images
	case models.CommandPermissionResponse:
		cmd.RequestID = f.RequestID
		cmd.Decision = &models.PermissionDecision{
			Behavior:     f.Behavior,
			UpdatedInput: f.UpdatedInput,
			Message:      f.Message,
		}
	case models.CommandInterrupt, models.CommandMcpGetStatus, models.CommandRateLimits:
	case models.CommandSetModel:
		cmd.Model = f.Model
	case models.CommandSetPermissionMode:
		cmd.PermissionMode = f.PermissionMode
	case models.CommandMcpToggle:
		cmd.ServerName = f.ServerName
		cmd.Enabled = f.Enabled
	case models.CommandMcpReconnect:
		cmd.ServerName = f.ServerName
	case models.CommandMcpSetServers:
		cmd.Servers = f.Servers
	default:
		return models.Command{}, false
	}
	return cmd, true
}
