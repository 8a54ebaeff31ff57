package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// Dispatcher routes one decoded Command to the right SessionManager /
// PermissionHandler operation and builds the matching
// Response, implementing spec.md §6.1's method table end to end.
type Dispatcher struct {
	sessions    *SessionManager
	permissions *PermissionHandler
	cfg         Config

	initialized atomic.Bool
}

func NewDispatcher(sessions *SessionManager, permissions *PermissionHandler, cfg Config) *Dispatcher {
	return &Dispatcher{sessions: sessions, permissions: permissions, cfg: cfg}
}

// methodsAllowedBeforeInit is the "non-close" exception to "initialize
// must precede all non-close methods": a caller can always ask to close a
// session, even one it never properly initialized against.
var methodsAllowedBeforeInit = map[string]bool{
	"initialize":    true,
	"session/close": true,
}

// Dispatch executes one Command and returns its Response. It never
// panics: a handler error becomes Response.Error, never a crash that
// would take down the whole bridge.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Response {
	if !d.initialized.Load() && !methodsAllowedBeforeInit[cmd.Method] {
		return errResponse(cmd.ID, NewBridgeError(CodeInvalidCommand, "initialize must precede "+cmd.Method, true, ""))
	}

	result, err := d.dispatch(ctx, cmd)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	return Response{ID: cmd.ID, Result: result}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) (interface{}, error) {
	switch cmd.Method {
	case "initialize":
		return d.initialize(cmd.Params)
	case "session/start":
		return d.sessionStart(cmd.Params)
	case "session/resume":
		return d.sessionResume(cmd.Params)
	case "session/close":
		return d.sessionClose(cmd.Params)
	case "session/rewind":
		return d.sessionRewind(ctx, cmd.Params)
	case "message/send":
		return d.messageSend(cmd.Params)
	case "message/interrupt":
		return d.messageInterrupt(cmd.Params)
	case "permission/respond":
		return d.permissionRespond(cmd.Params)
	case "model/list":
		return d.modelList(ctx, cmd.Params)
	case "model/set":
		return d.modelSet(ctx, cmd.Params)
	case "command/list":
		return d.commandList(ctx, cmd.Params)
	case "mcp/status":
		return d.mcpStatus(ctx, cmd.Params)
	case "mcp/set":
		return d.mcpSet(ctx, cmd.Params)
	default:
		return nil, NewBridgeError(CodeInvalidCommand, "unknown method: "+cmd.Method, true, "")
	}
}

// decodeParams unmarshals cmd.Params into v, treating an absent or empty
// params field as an empty object rather than a parse error.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, v)
}

func (d *Dispatcher) initialize(params json.RawMessage) (interface{}, error) {
	var req struct {
		ClientInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	d.initialized.Store(true)
	return map[string]interface{}{
		"capabilities": []string{
			"session/start", "session/resume", "session/close", "session/rewind",
			"message/send", "message/interrupt", "permission/respond",
			"model/list", "model/set", "command/list", "mcp/status", "mcp/set",
		},
	}, nil
}

func (d *Dispatcher) sessionStart(params json.RawMessage) (interface{}, error) {
	var req struct {
		WorkspaceID WorkspaceID `json:"workspaceId"`
		Cwd         string      `json:"cwd"`
		StartOptions
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	if req.ClaudeCodeBin == "" {
		req.ClaudeCodeBin = d.cfg.ClaudeCodeBin
	}
	if req.PermissionMode == "" {
		req.PermissionMode = PermissionMode(d.cfg.DefaultPermissionMode)
	}

	sessionID, err := d.sessions.Start(req.WorkspaceID, req.Cwd, req.StartOptions)
	if err != nil {
		return nil, err
	}
	return map[string]string{"sessionId": string(sessionID)}, nil
}

func (d *Dispatcher) sessionResume(params json.RawMessage) (interface{}, error) {
	var req struct {
		WorkspaceID WorkspaceID `json:"workspaceId"`
		SessionID   SessionID   `json:"sessionId"`
		Cwd         string      `json:"cwd"`
		ClaudeCodeBin string    `json:"claudeCodeBin,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	bin := req.ClaudeCodeBin
	if bin == "" {
		bin = d.cfg.ClaudeCodeBin
	}
	opts := StartOptions{ClaudeCodeBin: bin}
	if err := d.sessions.Resume(req.WorkspaceID, req.SessionID, req.Cwd, opts); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (d *Dispatcher) sessionClose(params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	if err := d.sessions.Close(req.SessionID, "user"); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

// sessionRewindResult is spec.md §6.1's session/rewind response shape.
type sessionRewindResult struct {
	CanRewind    bool   `json:"canRewind"`
	Error        string `json:"error,omitempty"`
	FilesChanged int    `json:"filesChanged,omitempty"`
	Insertions   int    `json:"insertions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
}

func (d *Dispatcher) sessionRewind(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID     SessionID `json:"sessionId"`
		UserMessageID string    `json:"userMessageId"`
		DryRun        bool      `json:"dryRun,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	sess, ok := d.sessions.lookup(req.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.checkpointing {
		return sessionRewindResult{CanRewind: false, Error: "file checkpointing was not enabled for this session"}, nil
	}

	raw, err := d.sessions.sendVendorRequest(ctx, "session/rewind", map[string]interface{}{
		"sessionId":     string(req.SessionID),
		"userMessageId": req.UserMessageID,
		"dryRun":        req.DryRun,
	})
	if err != nil {
		return nil, err
	}
	var result sessionRewindResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, req.SessionID)
	}
	return result, nil
}

func (d *Dispatcher) messageSend(params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
		Message   string    `json:"message"`
		Images    []string  `json:"images,omitempty"`
		MessageID string    `json:"messageId,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	if err := d.sessions.SendMessage(req.SessionID, req.Message, req.Images, req.MessageID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (d *Dispatcher) messageInterrupt(params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	if err := d.sessions.Interrupt(req.SessionID); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (d *Dispatcher) permissionRespond(params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID          SessionID   `json:"sessionId"`
		ToolUseID          ToolUseID   `json:"toolUseId"`
		Decision           Decision    `json:"decision"`
		Message            string      `json:"message,omitempty"`
		UpdatedPermissions interface{} `json:"updatedPermissions,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	ok := d.permissions.Respond(req.ToolUseID, req.Decision, req.Message, req.UpdatedPermissions)
	return map[string]bool{"success": ok}, nil
}

func (d *Dispatcher) modelList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	raw, err := d.sessions.sendVendorRequest(ctx, "model/list", map[string]string{"sessionId": string(req.SessionID)})
	if err != nil {
		return nil, err
	}
	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, req.SessionID)
	}
	return result, nil
}

func (d *Dispatcher) modelSet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
		Model     string    `json:"model"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	if _, err := d.sessions.sendVendorRequest(ctx, "model/set", map[string]string{
		"sessionId": string(req.SessionID), "model": req.Model,
	}); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (d *Dispatcher) commandList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	raw, err := d.sessions.sendVendorRequest(ctx, "command/list", map[string]string{"sessionId": string(req.SessionID)})
	if err != nil {
		return nil, err
	}
	var result struct {
		Commands []SlashCommand `json:"commands"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, req.SessionID)
	}
	return result, nil
}

// mcpStatusResult enriches the vendor-reported server list with a direct
// probe per §6.6; the vendor's own list is still returned verbatim.
type mcpStatusResult struct {
	Servers []McpServerStatus `json:"servers"`
	Probed  []McpProbeResult  `json:"probed,omitempty"`
}

func (d *Dispatcher) mcpStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}

	raw, err := d.sessions.sendVendorRequest(ctx, "mcp/status", map[string]string{"sessionId": string(req.SessionID)})
	if err != nil {
		return nil, err
	}
	var result mcpStatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, req.SessionID)
	}

	if sess, ok := d.sessions.lookup(req.SessionID); ok && len(sess.Options.McpServers) > 0 {
		result.Probed = ProbeMcpServers(ctx, sess.Options.McpServers)
	}
	return result, nil
}

func (d *Dispatcher) mcpSet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID SessionID                  `json:"sessionId"`
		Servers   map[string]McpServerConfig `json:"servers"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, "")
	}
	raw, err := d.sessions.sendVendorRequest(ctx, "mcp/set", map[string]interface{}{
		"sessionId": string(req.SessionID), "servers": req.Servers,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Added   []string          `json:"added"`
		Removed []string          `json:"removed"`
		Errors  map[string]string `json:"errors,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewBridgeError(CodeParseError, err.Error(), true, req.SessionID)
	}
	return result, nil
}

var sentinelCodes = map[error]ErrorCode{
	ErrWorkspaceBusy:   CodeWorkspaceBusy,
	ErrSessionNotFound: CodeSessionNotFound,
	ErrSessionInactive: CodeSessionInactive,
	ErrDisconnected:    CodeBridgeDisconnected,
	ErrSerialization:   CodeSerializationError,
}

func errResponse(id uint32, err error) Response {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return Response{ID: id, Error: fmt.Sprintf("%s: %s", bridgeErr.Code, bridgeErr.Message)}
	}
	for sentinel, code := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return Response{ID: id, Error: fmt.Sprintf("%s: %s", code, err.Error())}
		}
	}
	return Response{ID: id, Error: err.Error()}
}
