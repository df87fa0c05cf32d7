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

// Codex app-server method names. The server omits the "jsonrpc" member, so
// messages are classified by which of id/method they carry.
const (
	// client → server
	codexInitialize      = "initialize"
	codexInitialized     = "initialized"
	codexThreadStart     = "thread/start"
	codexThreadResume    = "thread/resume"
	codexTurnStart       = "turn/start"
	codexTurnInterrupt   = "turn/interrupt"
	codexRateLimitsRead  = "account/rateLimits/read"
	codexMcpServerStatus = "mcpServerStatus/list"

	// server → client notifications
	codexThreadStarted         = "thread/started"
	codexTurnStarted           = "turn/started"
	codexTurnCompleted         = "turn/completed"
	codexItemStarted           = "item/started"
	codexItemCompleted         = "item/completed"
	codexAgentMessageDelta     = "item/agentMessage/delta"
	codexReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	codexReasoningTextDelta    = "item/reasoning/textDelta"
	codexCommandOutputDelta    = "item/commandExecution/outputDelta"
	codexTokenUsageUpdated     = "thread/tokenUsage/updated"
	codexRateLimitsUpdated     = "account/rateLimits/updated"
	codexError                 = "error"

	// server → client requests
	codexCommandApproval    = "item/commandExecution/requestApproval"
	codexFileChangeApproval = "item/fileChange/requestApproval"
	codexToolCall           = "item/tool/call"

	// legacy server → client requests still sent by older app-servers
	codexLegacyExecApproval  = "execCommandApproval"
	codexLegacyPatchApproval = "applyPatchApproval"
)

var codexNotifications = map[string]bool{
	codexThreadStarted:         true,
	codexTurnStarted:           true,
	codexTurnCompleted:         true,
	codexItemStarted:           true,
	codexItemCompleted:         true,
	codexAgentMessageDelta:     true,
	codexReasoningSummaryDelta: true,
	codexReasoningTextDelta:    true,
	codexCommandOutputDelta:    true,
	codexTokenUsageUpdated:     true,
	codexRateLimitsUpdated:     true,
	codexError:                 true,
}

var codexRequests = map[string]bool{
	codexCommandApproval:    true,
	codexFileChangeApproval: true,
	codexToolCall:           true,
}

// codexLegacyRequests is the complete list of older method names accepted.
var codexLegacyRequests = map[string]bool{
	codexLegacyExecApproval:  true,
	codexLegacyPatchApproval: true,
}

func codexHandlesNotification(method string) bool {
	return codexNotifications[method]
}

func codexHandlesRequest(method string) bool {
	return codexRequests[method] || codexLegacyRequests[method]
}

// codexHandles reports whether a server-sent method is part of the mapping.
// Dispatch checks the same two predicates.
func codexHandles(method string) bool {
	return codexHandlesNotification(method) || codexHandlesRequest(method)
}

// codexApprovalPolicy maps a permission mode to an app-server approval policy
func codexApprovalPolicy(mode string) string {
	switch mode {
	case models.PermissionBypassPermissions:
		return "never"
	case models.PermissionAcceptEdits:
		return "on-failure"
	case models.PermissionPlan:
		return "untrusted"
	default:
		return "on-request"
	}
}

// CodexSandbox maps a permission mode to a Codex sandbox mode
func CodexSandbox(mode string) string {
	if mode == models.PermissionBypassPermissions {
		return "danger-full-access"
	}
	return "workspace-write"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcCall struct {
	method   string
	onResult func(json.RawMessage)
}

type codexApproval struct {
	rpcID  json.RawMessage
	legacy bool
}

type codexItem struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	Summary          []string        `json:"summary"`
	Content          []string        `json:"content"`
	Command          string          `json:"command"`
	Cwd              string          `json:"cwd"`
	Status           string          `json:"status"`
	AggregatedOutput string          `json:"aggregatedOutput"`
	ExitCode         *int            `json:"exitCode"`
	Changes          json.RawMessage `json:"changes"`
	Server           string          `json:"server"`
	Tool             string          `json:"tool"`
	Arguments        json.RawMessage `json:"arguments"`
	Result           json.RawMessage `json:"result"`
	Error            json.RawMessage `json:"error"`
	Query            string          `json:"query"`
}

// CodexAdapter speaks the Codex app-server JSON-RPC protocol.
type CodexAdapter struct {
	spawner Spawner
	wire    atomic.Pointer[lineWire]
	cb      Callbacks
	cfg     Config

	mu             sync.Mutex
	nextID         int64
	calls          map[int64]rpcCall
	approvals      map[string]codexApproval
	threadID       string
	turnID         string
	model          string
	permissionMode string
	numTurns       int
	contextPercent float64
	lastUsage      json.RawMessage
}

// NewCodex creates an unstarted Codex adapter
func NewCodex(spawner Spawner) *CodexAdapter {
	return &CodexAdapter{
		spawner:   spawner,
		calls:     make(map[int64]rpcCall),
		approvals: make(map[string]codexApproval),
	}
}

func (a *CodexAdapter) Backend() models.BackendType { return models.BackendCodex }

// Start launches `codex app-server` with its own CODEX_HOME and performs the
// initialize + thread start (or resume) handshake.
func (a *CodexAdapter) Start(ctx context.Context, cfg Config, cb Callbacks) error {
	if cfg.CodexHome == "" {
		return fmt.Errorf("codex home is required for session %s", cfg.SessionID)
	}
	a.cb = cb.withDefaults()
	a.cfg = cfg
	a.model = cfg.Model
	a.permissionMode = cfg.PermissionMode

	env := make(map[string]string, len(cfg.Env)+1)
	for key, value := range cfg.Env {
		env[key] = value
	}
	env["CODEX_HOME"] = cfg.CodexHome

	proc, err := a.spawner.Spawn(ctx, Spec{
		Binary: cfg.Binary,
		Args:   []string{"app-server"},
		Dir:    cfg.Cwd,
		Env:    envList(env),
	})
	if err != nil {
		return fmt.Errorf("failed to start codex: %w", err)
	}
	wire := newLineWire(proc, a.cb.OnRaw)
	a.wire.Store(wire)

	go a.run(wire)

	return a.call(codexInitialize, map[string]interface{}{
		"clientInfo": map[string]interface{}{
			"name":    "companion",
			"title":   "Companion",
			"version": "1.0.0",
		},
	}, a.onInitialized)
}

func (a *CodexAdapter) run(wire *lineWire) {
	wire.readLoop(a.handleLine)
	code := wire.wait()

	a.mu.Lock()
	a.calls = make(map[int64]rpcCall)
	a.approvals = make(map[string]codexApproval)
	a.turnID = ""
	a.mu.Unlock()

	a.cb.OnEvent(models.Event{Type: models.EventCLIExited, ExitCode: intPtr(code)})
	a.cb.OnExit(code)
}

func (a *CodexAdapter) Alive() bool {
	wire := a.wire.Load()
	return wire != nil && wire.alive.Load()
}

func (a *CodexAdapter) Close() error {
	wire := a.wire.Load()
	if wire == nil {
		return nil
	}
	return wire.close()
}

func (a *CodexAdapter) emit(event models.Event) {
	a.cb.OnEvent(event)
}

// call sends a request; onResult runs on the read goroutine when the
// matching response arrives.
func (a *CodexAdapter) call(method string, params interface{}, onResult func(json.RawMessage)) error {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.calls[id] = rpcCall{method: method, onResult: onResult}
	a.mu.Unlock()

	err := a.wire.Load().send(map[string]interface{}{"id": id, "method": method, "params": params})
	if err != nil {
		a.mu.Lock()
		delete(a.calls, id)
		a.mu.Unlock()
	}
	return err
}

func (a *CodexAdapter) notify(method string, params interface{}) error {
	msg := map[string]interface{}{"method": method}
	if params != nil {
		msg["params"] = params
	}
	return a.wire.Load().send(msg)
}

func (a *CodexAdapter) respond(id json.RawMessage, result interface{}) error {
	return a.wire.Load().send(map[string]interface{}{"id": id, "result": result})
}

func (a *CodexAdapter) respondError(id json.RawMessage, code int, message string) error {
	return a.wire.Load().send(map[string]interface{}{"id": id, "error": rpcError{Code: code, Message: message}})
}

func (a *CodexAdapter) onInitialized(json.RawMessage) {
	if err := a.notify(codexInitialized, nil); err != nil {
		log.WithError(err).WithField("backend", models.BackendCodex).Warn("Failed to send initialized")
		return
	}

	sandbox := a.cfg.Sandbox
	if sandbox == "" {
		sandbox = CodexSandbox(a.cfg.PermissionMode)
	}
	params := map[string]interface{}{
		"cwd":            a.cfg.Cwd,
		"approvalPolicy": codexApprovalPolicy(a.cfg.PermissionMode),
		"sandbox":        sandbox,
	}
	if a.cfg.Model != "" {
		params["model"] = a.cfg.Model
	}
	if sandbox == "workspace-write" {
		internet := a.cfg.InternetAccess == nil || *a.cfg.InternetAccess
		params["config"] = map[string]interface{}{"sandbox_workspace_write.network_access": internet}
	}

	method := codexThreadStart
	if a.cfg.ResumeID != "" {
		method = codexThreadResume
		params["threadId"] = a.cfg.ResumeID
	}
	if err := a.call(method, params, a.onThreadReady); err != nil {
		log.WithError(err).WithField("backend", models.BackendCodex).WithField("method", method).Warn("Failed to start thread")
	}
}

func (a *CodexAdapter) onThreadReady(result json.RawMessage) {
	var resp struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		Model string `json:"model"`
	}
	json.Unmarshal(result, &resp)

	a.mu.Lock()
	a.threadID = resp.Thread.ID
	if resp.Model != "" {
		a.model = resp.Model
	}
	model := a.model
	mode := a.permissionMode
	a.mu.Unlock()

	a.emit(models.Event{Type: models.EventSessionInit, Init: &models.SessionInit{
		BackendSessionID: resp.Thread.ID,
		Model:            model,
		Cwd:              a.cfg.Cwd,
		PermissionMode:   mode,
	}})
	a.emit(models.Event{Type: models.EventCLIConnected})
}

func (a *CodexAdapter) handleLine(line []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.WithError(err).WithField("backend", models.BackendCodex).Debug("Ignoring non-JSON line")
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"
	switch {
	case msg.Method != "" && !codexHandles(msg.Method) && !hasID:
		log.WithField("backend", models.BackendCodex).WithField("method", msg.Method).Debug("Ignoring unknown notification")
	case msg.Method != "" && hasID:
		a.handleServerRequest(msg)
	case msg.Method != "":
		a.handleNotification(msg)
	case hasID:
		a.handleResponse(msg)
	}
}

func (a *CodexAdapter) handleResponse(msg rpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return
	}

	a.mu.Lock()
	call, ok := a.calls[id]
	delete(a.calls, id)
	a.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		a.emit(models.Event{Type: models.EventError, Error: fmt.Sprintf("%s failed: %s", call.method, msg.Error.Message)})
		return
	}
	if call.onResult != nil {
		call.onResult(msg.Result)
	}
}

func (a *CodexAdapter) handleNotification(msg rpcMessage) {
	if !codexHandlesNotification(msg.Method) {
		log.WithField("backend", models.BackendCodex).WithField("method", msg.Method).Debug("Ignoring unknown notification")
		return
	}

	switch msg.Method {
	case codexThreadStarted:
		var params struct {
			Thread struct {
				ID string `json:"id"`
			} `json:"thread"`
		}
		json.Unmarshal(msg.Params, &params)
		a.mu.Lock()
		if a.threadID == "" {
			a.threadID = params.Thread.ID
		}
		a.mu.Unlock()

	case codexTurnStarted:
		var params struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		json.Unmarshal(msg.Params, &params)
		a.mu.Lock()
		a.turnID = params.Turn.ID
		a.mu.Unlock()
		a.emit(models.Event{Type: models.EventStatusChange, Status: "running"})

	case codexTurnCompleted:
		a.handleTurnCompleted(msg.Params)

	case codexItemStarted:
		var params struct {
			Item codexItem `json:"item"`
		}
		json.Unmarshal(msg.Params, &params)
		a.handleItemStarted(params.Item)

	case codexItemCompleted:
		var params struct {
			Item codexItem `json:"item"`
		}
		json.Unmarshal(msg.Params, &params)
		a.handleItemCompleted(params.Item)

	case codexAgentMessageDelta, codexReasoningSummaryDelta, codexReasoningTextDelta, codexCommandOutputDelta:
		var params struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		json.Unmarshal(msg.Params, &params)
		kind := "text"
		switch msg.Method {
		case codexReasoningSummaryDelta, codexReasoningTextDelta:
			kind = "thinking"
		case codexCommandOutputDelta:
			kind = "command_output"
		}
		a.emit(models.Event{Type: models.EventStreamDelta, Delta: &models.StreamDelta{ItemID: params.ItemID, Kind: kind, Text: params.Delta}})

	case codexTokenUsageUpdated:
		var params struct {
			TokenUsage struct {
				Total json.RawMessage `json:"total"`
				Last  struct {
					TotalTokens float64 `json:"totalTokens"`
				} `json:"last"`
				ModelContextWindow float64 `json:"modelContextWindow"`
			} `json:"tokenUsage"`
		}
		json.Unmarshal(msg.Params, &params)
		a.mu.Lock()
		a.lastUsage = params.TokenUsage.Total
		if window := params.TokenUsage.ModelContextWindow; window > 0 {
			a.contextPercent = params.TokenUsage.Last.TotalTokens / window * 100
			if a.contextPercent > 100 {
				a.contextPercent = 100
			}
		}
		a.mu.Unlock()

	case codexRateLimitsUpdated:
		a.emit(models.Event{Type: models.EventRateLimits, Data: toPayload("rate_limits", msg.Params)})

	case codexError:
		var params struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			WillRetry bool `json:"willRetry"`
		}
		json.Unmarshal(msg.Params, &params)
		if params.WillRetry {
			return
		}
		a.emit(models.Event{Type: models.EventError, Error: params.Error.Message})
	}
}

func (a *CodexAdapter) handleTurnCompleted(raw json.RawMessage) {
	var params struct {
		Turn struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"turn"`
	}
	json.Unmarshal(raw, &params)

	a.mu.Lock()
	a.turnID = ""
	a.numTurns++
	result := &models.TurnResult{
		Subtype:            "success",
		NumTurns:           a.numTurns,
		ContextUsedPercent: a.contextPercent,
		Usage:              toPayload("usage", a.lastUsage),
	}
	a.mu.Unlock()

	switch params.Turn.Status {
	case "failed":
		result.Subtype = "error_during_execution"
		result.IsError = true
		if params.Turn.Error != nil {
			result.Errors = []string{params.Turn.Error.Message}
		}
	case "interrupted":
		result.Subtype = "error_interrupted"
		result.IsError = true
	}
	a.emit(models.Event{Type: models.EventResult, Result: result})
}

func codexToolName(item codexItem) string {
	switch item.Type {
	case "commandExecution":
		return "Bash"
	case "fileChange":
		return "Edit"
	case "mcpToolCall":
		return "mcp__" + item.Server + "__" + item.Tool
	}
	return ""
}

func (a *CodexAdapter) handleItemStarted(item codexItem) {
	name := codexToolName(item)
	if name == "" {
		return
	}

	var input *models.Payload
	switch item.Type {
	case "commandExecution":
		input = models.NewPayload("tool_input", map[string]interface{}{"command": item.Command, "cwd": item.Cwd})
	case "fileChange":
		input = toPayload("tool_input", json.RawMessage(fmt.Sprintf(`{"changes":%s}`, orNull(item.Changes))))
	case "mcpToolCall":
		input = toPayload("tool_input", item.Arguments)
	}

	a.emit(models.Event{Type: models.EventAssistant, Message: &models.AssistantMessage{
		ID: item.ID,
		Content: []models.ContentBlock{{
			Type:      "tool_use",
			ToolUseID: item.ID,
			ToolName:  name,
			Input:     input,
		}},
	}})
}

func (a *CodexAdapter) handleItemCompleted(item codexItem) {
	switch item.Type {
	case "agentMessage":
		a.emit(models.Event{Type: models.EventAssistant, Message: &models.AssistantMessage{
			ID:      item.ID,
			Model:   a.currentModel(),
			Content: []models.ContentBlock{{Type: "text", Text: item.Text}},
		}})
	case "reasoning":
		text := strings.Join(append(append([]string{}, item.Summary...), item.Content...), "\n")
		if text == "" {
			return
		}
		a.emit(models.Event{Type: models.EventAssistant, Message: &models.AssistantMessage{
			ID:      item.ID,
			Content: []models.ContentBlock{{Type: "thinking", Text: text}},
		}})
	case "commandExecution":
		failed := item.Status == "failed" || item.Status == "declined" || (item.ExitCode != nil && *item.ExitCode != 0)
		fields := map[string]interface{}{"output": item.AggregatedOutput, "status": item.Status}
		if item.ExitCode != nil {
			fields["exitCode"] = *item.ExitCode
		}
		a.emit(models.Event{Type: models.EventToolResult, Tool: &models.ToolEvent{
			ToolUseID: item.ID,
			ToolName:  "Bash",
			Output:    models.NewPayload("tool_result", fields),
			IsError:   failed,
			Status:    item.Status,
		}})
	case "fileChange":
		a.emit(models.Event{Type: models.EventToolResult, Tool: &models.ToolEvent{
			ToolUseID: item.ID,
			ToolName:  "Edit",
			Output:    models.NewPayload("tool_result", map[string]interface{}{"status": item.Status}),
			IsError:   item.Status == "failed" || item.Status == "declined",
			Status:    item.Status,
		}})
	case "mcpToolCall":
		output := toPayload("tool_result", item.Result)
		isError := len(item.Error) > 0 && string(item.Error) != "null"
		if isError {
			output = toPayload("tool_error", item.Error)
		}
		a.emit(models.Event{Type: models.EventToolResult, Tool: &models.ToolEvent{
			ToolUseID: item.ID,
			ToolName:  codexToolName(item),
			Output:    output,
			IsError:   isError,
			Status:    item.Status,
		}})
	case "webSearch":
		a.emit(models.Event{Type: models.EventToolUseSummary, Tool: &models.ToolEvent{
			ToolUseID: item.ID,
			ToolName:  "WebSearch",
			Summary:   "Searched: " + item.Query,
		}})
	}
}

func (a *CodexAdapter) handleServerRequest(msg rpcMessage) {
	if !codexHandlesRequest(msg.Method) {
		log.WithField("backend", models.BackendCodex).WithField("method", msg.Method).Debug("Rejecting unknown server request")
		if err := a.respondError(msg.ID, -32601, "method not found: "+msg.Method); err != nil {
			log.WithError(err).WithField("backend", models.BackendCodex).Debug("Failed to reject request")
		}
		return
	}

	switch msg.Method {
	case codexToolCall:
		var params struct {
			Tool string `json:"tool"`
		}
		json.Unmarshal(msg.Params, &params)
		err := a.respond(msg.ID, map[string]interface{}{
			"success": false,
			"contentItems": []map[string]interface{}{
				{"type": "inputText", "text": fmt.Sprintf("tool %q is not available in this session", params.Tool)},
			},
		})
		if err != nil {
			log.WithError(err).WithField("backend", models.BackendCodex).Debug("Failed to answer tool call")
		}
		return
	}

	var params struct {
		ItemID  string          `json:"itemId"`
		CallID  string          `json:"callId"`
		Reason  string          `json:"reason"`
		Command json.RawMessage `json:"command"`
		Cwd     string          `json:"cwd"`
		Changes json.RawMessage `json:"fileChanges"`
	}
	json.Unmarshal(msg.Params, &params)

	toolName := "Bash"
	input := map[string]interface{}{}
	if msg.Method == codexFileChangeApproval || msg.Method == codexLegacyPatchApproval {
		toolName = "Edit"
		if p := toPayload("changes", params.Changes); p != nil {
			input["changes"] = p.Fields
		}
	} else {
		var command interface{}
		if json.Unmarshal(params.Command, &command) == nil && command != nil {
			if parts, ok := command.([]interface{}); ok {
				words := make([]string, 0, len(parts))
				for _, part := range parts {
					words = append(words, fmt.Sprint(part))
				}
				command = strings.Join(words, " ")
			}
			input["command"] = command
		}
		if params.Cwd != "" {
			input["cwd"] = params.Cwd
		}
	}

	toolUseID := params.ItemID
	if toolUseID == "" {
		toolUseID = params.CallID
	}
	requestID := uuid.New().String()

	a.mu.Lock()
	a.approvals[requestID] = codexApproval{rpcID: msg.ID, legacy: codexLegacyRequests[msg.Method]}
	a.mu.Unlock()

	a.emit(models.Event{Type: models.EventPermissionRequest, Permission: &models.PermissionRequest{
		RequestID:   requestID,
		ToolName:    toolName,
		ToolUseID:   toolUseID,
		Input:       models.NewPayload("tool_input", input),
		Description: params.Reason,
		CreatedAt:   time.Now().UnixMilli(),
	}})
}

func (a *CodexAdapter) currentModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// Send maps a canonical command onto app-server requests
func (a *CodexAdapter) Send(cmd models.Command) error {
	if a.wire.Load() == nil {
		return unsupported(models.BackendCodex, cmd.Type)
	}

	switch cmd.Type {
	case models.CommandUserMessage:
		return a.startTurn(cmd)

	case models.CommandPermissionResponse:
		return a.sendApproval(cmd)

	case models.CommandInterrupt:
		a.mu.Lock()
		threadID, turnID := a.threadID, a.turnID
		a.mu.Unlock()
		if turnID == "" {
			return nil
		}
		return a.call(codexTurnInterrupt, map[string]interface{}{"threadId": threadID, "turnId": turnID}, nil)

	case models.CommandSetModel:
		a.mu.Lock()
		a.model = cmd.Model
		a.mu.Unlock()
		return nil

	case models.CommandSetPermissionMode:
		a.mu.Lock()
		a.permissionMode = cmd.PermissionMode
		a.mu.Unlock()
		return nil

	case models.CommandRateLimits:
		return a.call(codexRateLimitsRead, nil, func(result json.RawMessage) {
			a.emit(models.Event{Type: models.EventRateLimits, Data: toPayload("rate_limits", result)})
		})

	case models.CommandMcpGetStatus:
		return a.call(codexMcpServerStatus, map[string]interface{}{}, func(result json.RawMessage) {
			var resp struct {
				Data []struct {
					Name       string `json:"name"`
					AuthStatus string `json:"authStatus"`
				} `json:"data"`
			}
			json.Unmarshal(result, &resp)
			servers := make([]models.McpServer, 0, len(resp.Data))
			for _, s := range resp.Data {
				servers = append(servers, models.McpServer{Name: s.Name, Status: s.AuthStatus, Enabled: true})
			}
			a.emit(models.Event{Type: models.EventMcpStatus, McpServers: servers})
		})

	default:
		return unsupported(models.BackendCodex, cmd.Type)
	}
}

func (a *CodexAdapter) startTurn(cmd models.Command) error {
	a.mu.Lock()
	threadID, model, mode := a.threadID, a.model, a.permissionMode
	a.mu.Unlock()
	if threadID == "" {
		return fmt.Errorf("codex thread is not ready")
	}

	input := make([]map[string]interface{}, 0, len(cmd.Images)+1)
	if cmd.Content != "" {
		input = append(input, map[string]interface{}{"type": "text", "text": cmd.Content})
	}
	for _, img := range cmd.Images {
		input = append(input, map[string]interface{}{
			"type": "image",
			"url":  "data:" + img.MediaType + ";base64," + img.Data,
		})
	}

	params := map[string]interface{}{
		"threadId":       threadID,
		"input":          input,
		"approvalPolicy": codexApprovalPolicy(mode),
	}
	if model != "" {
		params["model"] = model
	}
	return a.call(codexTurnStart, params, func(result json.RawMessage) {
		var resp struct {
			Turn struct {
				ID string `json:"id"`
			} `json:"turn"`
		}
		json.Unmarshal(result, &resp)
		if resp.Turn.ID == "" {
			return
		}
		a.mu.Lock()
		a.turnID = resp.Turn.ID
		a.mu.Unlock()
	})
}

func (a *CodexAdapter) sendApproval(cmd models.Command) error {
	a.mu.Lock()
	approval, ok := a.approvals[cmd.RequestID]
	delete(a.approvals, cmd.RequestID)
	a.mu.Unlock()
	if !ok {
		return unknownPermission(cmd.RequestID)
	}

	allow := cmd.Decision != nil && cmd.Decision.Behavior == models.BehaviorAllow
	decision := "decline"
	switch {
	case approval.legacy && allow:
		decision = "approved"
	case approval.legacy:
		decision = "denied"
	case allow:
		decision = "accept"
	}
	return a.respond(approval.rpcID, map[string]interface{}{"decision": decision})
}

func orNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
