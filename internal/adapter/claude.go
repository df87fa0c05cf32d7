package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/companion/pkg/models"
)

// Claude stream-json message types
const (
	claudeSystem          = "system"
	claudeAssistant       = "assistant"
	claudeUser            = "user"
	claudeStreamEvent     = "stream_event"
	claudeToolProgress    = "tool_progress"
	claudeToolUseSummary  = "tool_use_summary"
	claudeAuthStatus      = "auth_status"
	claudeResult          = "result"
	claudeControlRequest  = "control_request"
	claudeControlResponse = "control_response"
	claudeControlCancel   = "control_cancel_request"
	claudeKeepAlive       = "keep_alive"
)

// claudeEnvelope holds the fields shared by every stream-json line. Variant
// fields are decoded on demand from the raw line.
type claudeEnvelope struct {
	Type            string          `json:"type"`
	Subtype         string          `json:"subtype"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
	Event           json.RawMessage `json:"event"`
	RequestID       string          `json:"request_id"`
	Request         json.RawMessage `json:"request"`
	Response        json.RawMessage `json:"response"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type claudeMessage struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// blocks decodes content, which is either a string or a list of blocks
func (m claudeMessage) blocks() []claudeContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []claudeContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []claudeContentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// ClaudeAdapter speaks Claude Code's bidirectional stream-json protocol.
type ClaudeAdapter struct {
	spawner Spawner
	wire    atomic.Pointer[lineWire]
	cb      Callbacks

	mu               sync.Mutex
	backendSessionID string
	// outgoing control requests awaiting control_response, by request id
	controls map[string]string
	// can_use_tool requests awaiting a decision, with their original input
	permissions map[string]json.RawMessage
}

// NewClaude creates an unstarted Claude adapter
func NewClaude(spawner Spawner) *ClaudeAdapter {
	return &ClaudeAdapter{
		spawner:     spawner,
		controls:    make(map[string]string),
		permissions: make(map[string]json.RawMessage),
	}
}

func (a *ClaudeAdapter) Backend() models.BackendType { return models.BackendClaude }

func claudeArgs(cfg Config) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	}
	return args
}

// Start launches claude and sends the initialize control request. The
// adapter is connected once the CLI answers it.
func (a *ClaudeAdapter) Start(ctx context.Context, cfg Config, cb Callbacks) error {
	a.cb = cb.withDefaults()
	a.backendSessionID = cfg.ResumeID

	proc, err := a.spawner.Spawn(ctx, Spec{
		Binary: cfg.Binary,
		Args:   claudeArgs(cfg),
		Dir:    cfg.Cwd,
		Env:    envList(cfg.Env),
	})
	if err != nil {
		return fmt.Errorf("failed to start claude: %w", err)
	}
	wire := newLineWire(proc, a.cb.OnRaw)
	a.wire.Store(wire)

	go a.run(wire)

	return a.sendControl("initialize", map[string]interface{}{})
}

func (a *ClaudeAdapter) run(wire *lineWire) {
	wire.readLoop(a.handleLine)
	code := wire.wait()

	a.mu.Lock()
	a.controls = make(map[string]string)
	a.permissions = make(map[string]json.RawMessage)
	a.mu.Unlock()

	a.cb.OnEvent(models.Event{Type: models.EventCLIExited, ExitCode: intPtr(code)})
	a.cb.OnExit(code)
}

func (a *ClaudeAdapter) Alive() bool {
	wire := a.wire.Load()
	return wire != nil && wire.alive.Load()
}

func (a *ClaudeAdapter) Close() error {
	wire := a.wire.Load()
	if wire == nil {
		return nil
	}
	return wire.close()
}

func (a *ClaudeAdapter) emit(event models.Event) {
	a.cb.OnEvent(event)
}

func (a *ClaudeAdapter) handleLine(line []byte) {
	var env claudeEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.WithError(err).WithField("backend", models.BackendClaude).Debug("Ignoring non-JSON line")
		return
	}

	switch env.Type {
	case claudeSystem:
		a.handleSystem(env, line)
	case claudeAssistant:
		a.handleAssistant(env)
	case claudeUser:
		a.handleUser(env)
	case claudeStreamEvent:
		a.handleStreamEvent(env)
	case claudeToolProgress:
		var progress struct {
			ToolUseID string  `json:"tool_use_id"`
			ToolName  string  `json:"tool_name"`
			Elapsed   float64 `json:"elapsed_time_seconds"`
		}
		json.Unmarshal(line, &progress)
		a.emit(models.Event{Type: models.EventToolProgress, Tool: &models.ToolEvent{
			ToolUseID: progress.ToolUseID,
			ToolName:  progress.ToolName,
			Elapsed:   progress.Elapsed,
		}})
	case claudeToolUseSummary:
		var summary struct {
			Summary string   `json:"summary"`
			IDs     []string `json:"preceding_tool_use_ids"`
		}
		json.Unmarshal(line, &summary)
		tool := &models.ToolEvent{Summary: summary.Summary}
		if len(summary.IDs) > 0 {
			tool.ToolUseID = summary.IDs[len(summary.IDs)-1]
		}
		a.emit(models.Event{Type: models.EventToolUseSummary, Tool: tool})
	case claudeAuthStatus:
		a.emit(models.Event{Type: models.EventAuthStatus, Data: toPayload(claudeAuthStatus, line)})
	case claudeResult:
		a.handleResult(line)
	case claudeControlRequest:
		a.handleControlRequest(env)
	case claudeControlResponse:
		a.handleControlResponse(env)
	case claudeControlCancel:
		a.mu.Lock()
		_, pending := a.permissions[env.RequestID]
		delete(a.permissions, env.RequestID)
		a.mu.Unlock()
		if pending {
			a.emit(models.Event{Type: models.EventPermissionCancelled, RequestID: env.RequestID})
		}
	case claudeKeepAlive:
	default:
		log.WithField("backend", models.BackendClaude).WithField("method", env.Type).Debug("Ignoring unknown message type")
	}
}

func (a *ClaudeAdapter) handleSystem(env claudeEnvelope, line []byte) {
	switch env.Subtype {
	case "init":
		var initMsg struct {
			SessionID      string   `json:"session_id"`
			Model          string   `json:"model"`
			Cwd            string   `json:"cwd"`
			PermissionMode string   `json:"permissionMode"`
			Tools          []string `json:"tools"`
			Version        string   `json:"claude_code_version"`
			McpServers     []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"mcp_servers"`
		}
		json.Unmarshal(line, &initMsg)

		a.mu.Lock()
		a.backendSessionID = initMsg.SessionID
		a.mu.Unlock()

		servers := make([]models.McpServer, 0, len(initMsg.McpServers))
		for _, s := range initMsg.McpServers {
			servers = append(servers, models.McpServer{Name: s.Name, Status: s.Status, Enabled: s.Status != "disabled"})
		}
		a.emit(models.Event{Type: models.EventSessionInit, Init: &models.SessionInit{
			BackendSessionID: initMsg.SessionID,
			Model:            initMsg.Model,
			Cwd:              initMsg.Cwd,
			PermissionMode:   initMsg.PermissionMode,
			Tools:            initMsg.Tools,
			McpServers:       servers,
			Version:          initMsg.Version,
		}})
	case "status":
		var status struct {
			Status         *string `json:"status"`
			PermissionMode string  `json:"permissionMode"`
		}
		json.Unmarshal(line, &status)
		event := models.Event{Type: models.EventStatusChange, PermissionMode: status.PermissionMode}
		if status.Status != nil {
			event.Status = *status.Status
		} else {
			event.Status = "idle"
		}
		a.emit(event)
	default:
		log.WithField("backend", models.BackendClaude).WithField("method", "system/"+env.Subtype).Debug("Ignoring system message")
	}
}

func (a *ClaudeAdapter) handleAssistant(env claudeEnvelope) {
	var msg claudeMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return
	}

	out := &models.AssistantMessage{ID: msg.ID, Model: msg.Model}
	if env.ParentToolUseID != nil {
		out.ParentToolUseID = *env.ParentToolUseID
	}
	for _, block := range msg.blocks() {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, models.ContentBlock{Type: "text", Text: block.Text})
		case "thinking":
			out.Content = append(out.Content, models.ContentBlock{Type: "thinking", Text: block.Thinking})
		case "tool_use":
			out.Content = append(out.Content, models.ContentBlock{
				Type:      "tool_use",
				ToolUseID: block.ID,
				ToolName:  block.Name,
				Input:     toPayload("tool_input", block.Input),
			})
		}
	}
	a.emit(models.Event{Type: models.EventAssistant, Message: out})
}

// handleUser surfaces tool results; plain user echoes are dropped.
func (a *ClaudeAdapter) handleUser(env claudeEnvelope) {
	var msg claudeMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return
	}
	for _, block := range msg.blocks() {
		if block.Type != "tool_result" {
			continue
		}
		a.emit(models.Event{Type: models.EventToolResult, Tool: &models.ToolEvent{
			ToolUseID: block.ToolUseID,
			Output:    toPayload("tool_result", block.Content),
			IsError:   block.IsError,
		}})
	}
}

func (a *ClaudeAdapter) handleStreamEvent(env claudeEnvelope) {
	var event struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(env.Event, &event); err != nil || event.Type != "content_block_delta" {
		return
	}

	delta := &models.StreamDelta{ItemID: fmt.Sprintf("%d", event.Index)}
	switch event.Delta.Type {
	case "text_delta":
		delta.Kind, delta.Text = "text", event.Delta.Text
	case "thinking_delta":
		delta.Kind, delta.Text = "thinking", event.Delta.Thinking
	case "input_json_delta":
		delta.Kind, delta.Text = "tool_input", event.Delta.PartialJSON
	default:
		return
	}
	a.emit(models.Event{Type: models.EventStreamDelta, Delta: delta})
}

func (a *ClaudeAdapter) handleResult(line []byte) {
	var result struct {
		Subtype      string          `json:"subtype"`
		IsError      bool            `json:"is_error"`
		Result       string          `json:"result"`
		DurationMS   int64           `json:"duration_ms"`
		NumTurns     int             `json:"num_turns"`
		TotalCostUSD float64         `json:"total_cost_usd"`
		Usage        json.RawMessage `json:"usage"`
		Errors       []string        `json:"errors"`
		ModelUsage   map[string]struct {
			InputTokens              float64 `json:"inputTokens"`
			OutputTokens             float64 `json:"outputTokens"`
			CacheReadInputTokens     float64 `json:"cacheReadInputTokens"`
			CacheCreationInputTokens float64 `json:"cacheCreationInputTokens"`
			ContextWindow            float64 `json:"contextWindow"`
		} `json:"modelUsage"`
	}
	if err := json.Unmarshal(line, &result); err != nil {
		return
	}

	var contextPercent float64
	for _, usage := range result.ModelUsage {
		if usage.ContextWindow <= 0 {
			continue
		}
		used := usage.InputTokens + usage.OutputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens
		if pct := used / usage.ContextWindow * 100; pct > contextPercent {
			contextPercent = pct
		}
	}
	if contextPercent > 100 {
		contextPercent = 100
	}

	a.emit(models.Event{Type: models.EventResult, Result: &models.TurnResult{
		Subtype:            result.Subtype,
		IsError:            result.IsError,
		Text:               result.Result,
		DurationMS:         result.DurationMS,
		NumTurns:           result.NumTurns,
		TotalCostUSD:       result.TotalCostUSD,
		ContextUsedPercent: contextPercent,
		Usage:              toPayload("usage", result.Usage),
		Errors:             result.Errors,
	}})
}

func (a *ClaudeAdapter) handleControlRequest(env claudeEnvelope) {
	var req struct {
		Subtype        string          `json:"subtype"`
		ToolName       string          `json:"tool_name"`
		Input          json.RawMessage `json:"input"`
		ToolUseID      string          `json:"tool_use_id"`
		DecisionReason string          `json:"decision_reason"`
		Description    string          `json:"description"`
	}
	if err := json.Unmarshal(env.Request, &req); err != nil {
		return
	}

	if req.Subtype != "can_use_tool" {
		log.WithField("backend", models.BackendClaude).WithField("method", "control_request/"+req.Subtype).Debug("Ignoring control request")
		return
	}

	a.mu.Lock()
	a.permissions[env.RequestID] = req.Input
	a.mu.Unlock()

	description := req.Description
	if description == "" {
		description = req.DecisionReason
	}
	a.emit(models.Event{Type: models.EventPermissionRequest, Permission: &models.PermissionRequest{
		RequestID:   env.RequestID,
		ToolName:    req.ToolName,
		ToolUseID:   req.ToolUseID,
		Input:       toPayload("tool_input", req.Input),
		Description: description,
		CreatedAt:   time.Now().UnixMilli(),
	}})
}

func (a *ClaudeAdapter) handleControlResponse(env claudeEnvelope) {
	var resp struct {
		Subtype   string          `json:"subtype"`
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response"`
		Error     string          `json:"error"`
	}
	if err := json.Unmarshal(env.Response, &resp); err != nil {
		return
	}

	a.mu.Lock()
	subtype, ok := a.controls[resp.RequestID]
	delete(a.controls, resp.RequestID)
	a.mu.Unlock()
	if !ok {
		return
	}

	if resp.Subtype == "error" {
		if subtype == "initialize" {
			// Older CLIs reject initialize; the process is still usable.
			a.emit(models.Event{Type: models.EventCLIConnected})
			return
		}
		a.emit(models.Event{Type: models.EventError, Error: fmt.Sprintf("%s failed: %s", subtype, resp.Error)})
		return
	}

	switch subtype {
	case "initialize":
		a.emit(models.Event{Type: models.EventCLIConnected})
	case "mcp_status":
		var status struct {
			McpServers []struct {
				Name   string                 `json:"name"`
				Status string                 `json:"status"`
				Config map[string]interface{} `json:"config"`
			} `json:"mcpServers"`
		}
		json.Unmarshal(resp.Response, &status)
		servers := make([]models.McpServer, 0, len(status.McpServers))
		for _, s := range status.McpServers {
			servers = append(servers, models.McpServer{Name: s.Name, Status: s.Status, Enabled: s.Status != "disabled", Config: s.Config})
		}
		a.emit(models.Event{Type: models.EventMcpStatus, McpServers: servers})
	}
}

// sendControl issues a control_request and remembers its subtype
func (a *ClaudeAdapter) sendControl(subtype string, fields map[string]interface{}) error {
	requestID := uuid.New().String()
	request := map[string]interface{}{"subtype": subtype}
	for key, value := range fields {
		request[key] = value
	}

	a.mu.Lock()
	a.controls[requestID] = subtype
	a.mu.Unlock()

	err := a.wire.Load().send(map[string]interface{}{
		"type":       claudeControlRequest,
		"request_id": requestID,
		"request":    request,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.controls, requestID)
		a.mu.Unlock()
	}
	return err
}

// Send maps a canonical command onto stream-json input
func (a *ClaudeAdapter) Send(cmd models.Command) error {
	if a.wire.Load() == nil {
		return unsupported(models.BackendClaude, cmd.Type)
	}

	switch cmd.Type {
	case models.CommandUserMessage:
		return a.sendUserMessage(cmd)
	case models.CommandPermissionResponse:
		return a.sendPermissionResponse(cmd)
	case models.CommandInterrupt:
		return a.sendControl("interrupt", nil)
	case models.CommandSetModel:
		return a.sendControl("set_model", map[string]interface{}{"model": cmd.Model})
	case models.CommandSetPermissionMode:
		return a.sendControl("set_permission_mode", map[string]interface{}{"mode": cmd.PermissionMode})
	case models.CommandMcpGetStatus:
		return a.sendControl("mcp_status", nil)
	case models.CommandMcpToggle:
		return a.sendControl("mcp_toggle", map[string]interface{}{"serverName": cmd.ServerName, "enabled": cmd.Enabled})
	case models.CommandMcpReconnect:
		return a.sendControl("mcp_reconnect", map[string]interface{}{"serverName": cmd.ServerName})
	case models.CommandMcpSetServers:
		servers := make(map[string]interface{}, len(cmd.Servers))
		for _, s := range cmd.Servers {
			servers[s.Name] = s.Config
		}
		return a.sendControl("mcp_set_servers", map[string]interface{}{"servers": servers})
	default:
		return unsupported(models.BackendClaude, cmd.Type)
	}
}

func (a *ClaudeAdapter) sendUserMessage(cmd models.Command) error {
	var content interface{} = cmd.Content
	if len(cmd.Images) > 0 {
		blocks := make([]map[string]interface{}, 0, len(cmd.Images)+1)
		for _, img := range cmd.Images {
			blocks = append(blocks, map[string]interface{}{
				"type": "image",
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": img.MediaType,
					"data":       img.Data,
				},
			})
		}
		if strings.TrimSpace(cmd.Content) != "" {
			blocks = append(blocks, map[string]interface{}{"type": "text", "text": cmd.Content})
		}
		content = blocks
	}

	a.mu.Lock()
	sessionID := a.backendSessionID
	a.mu.Unlock()

	return a.wire.Load().send(map[string]interface{}{
		"type":               claudeUser,
		"message":            map[string]interface{}{"role": "user", "content": content},
		"parent_tool_use_id": nil,
		"session_id":         sessionID,
	})
}

func (a *ClaudeAdapter) sendPermissionResponse(cmd models.Command) error {
	a.mu.Lock()
	original, pending := a.permissions[cmd.RequestID]
	delete(a.permissions, cmd.RequestID)
	a.mu.Unlock()
	if !pending {
		return unknownPermission(cmd.RequestID)
	}

	decision := map[string]interface{}{"behavior": models.BehaviorDeny, "message": "Denied by user"}
	if cmd.Decision != nil && cmd.Decision.Behavior == models.BehaviorAllow {
		var updated interface{} = cmd.Decision.UpdatedInput
		if cmd.Decision.UpdatedInput == nil {
			updated = json.RawMessage(original)
			if len(original) == 0 {
				updated = map[string]interface{}{}
			}
		}
		decision = map[string]interface{}{"behavior": models.BehaviorAllow, "updatedInput": updated}
	} else if cmd.Decision != nil && cmd.Decision.Message != "" {
		decision["message"] = cmd.Decision.Message
	}

	return a.wire.Load().send(map[string]interface{}{
		"type": claudeControlResponse,
		"response": map[string]interface{}{
			"subtype":    "success",
			"request_id": cmd.RequestID,
			"response":   decision,
		},
	})
}
