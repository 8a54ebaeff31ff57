package bridge

import "encoding/json"

// VendorMessage is the tagged union the vendor query emits on stdout,
// discriminated by Type (and, for system/result messages, Subtype). Fields
// not relevant to a given Type are left as raw JSON so the discriminant
// switch in messagehandler.go only pays for what it decodes.
//
// This implements spec.md §9's "dynamic inbound messages" note: an explicit
// sum type with an "unknown" fallthrough that carries the raw payload
// instead of crashing on an unrecognized tag.
type VendorMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// SystemInitPayload carries the session's real ID and the environment the
// vendor started it in.
type SystemInitPayload struct {
	SessionID      string            `json:"session_id"`
	Model          string            `json:"model"`
	Tools          []string          `json:"tools"`
	Cwd            string            `json:"cwd"`
	Version        string            `json:"version"`
	PermissionMode string            `json:"permission_mode"`
	McpServers     []McpServerStatus `json:"mcp_servers,omitempty"`
}

// StreamEventPayload wraps one Anthropic-shaped streaming event
// (message_start / content_block_start / content_block_delta / ...).
type StreamEventPayload struct {
	Event StreamEvent `json:"event"`
}

type StreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        *StreamDelta    `json:"delta,omitempty"`
}

type StreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ContentBlockStart is the decoded shape of StreamEvent.ContentBlock for a
// content_block_start event.
type ContentBlockStart struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
}

// AssistantPayload carries the completed assistant message for a turn.
type AssistantPayload struct {
	Message AssistantMessage `json:"message"`
}

type AssistantMessage struct {
	ID      string             `json:"id"`
	Role    string             `json:"role"`
	Content []AssistantContent `json:"content"`
}

type AssistantContent struct {
	Type      string      `json:"type"`
	Text      string      `json:"text,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     interface{} `json:"input,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// ToolProgressPayload reports incremental elapsed time for a running tool.
type ToolProgressPayload struct {
	ToolName       string  `json:"tool_name"`
	ToolUseID      string  `json:"tool_use_id"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ResultPayload is the terminal event of one turn.
type ResultPayload struct {
	Success      bool        `json:"success"`
	Subtype      string      `json:"subtype,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
	NumTurns     int         `json:"num_turns"`
	TotalCostUsd float64     `json:"total_cost_usd"`
	Usage        ResultUsage `json:"usage"`
	Errors       []string    `json:"errors,omitempty"`
}

type ResultUsage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cache_read"`
	CacheCreation int `json:"cache_creation"`
}

// AuthStatusPayload reports the vendor's authentication state.
type AuthStatusPayload struct {
	Error string `json:"error,omitempty"`
}

// McpServerStatus is the vendor's own view of one configured MCP server,
// returned verbatim in mcp/status. Direct probe results (see mcp.go) are
// returned beside this list, in a separate "probed" list, not merged into it.
type McpServerStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Connected bool   `json:"connected,omitempty"`
	ToolCount int    `json:"toolCount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// SlashCommand describes one vendor-provided slash command.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// decodeVendorMessage unmarshals one stdout line into its envelope while
// retaining the raw bytes for type-specific decoding.
func decodeVendorMessage(line string) (VendorMessage, error) {
	var msg VendorMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return VendorMessage{}, err
	}
	msg.Raw = json.RawMessage(line)
	return msg, nil
}
