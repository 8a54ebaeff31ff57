package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// demux is the single goroutine reading the shared AgentProcess stdout and
// fanning each line out to the owning session's inbox. One child process
// multiplexes every session, so this is the one place that knows how to
// find the right session table entry. system/init is special-cased: it is
// the one message type that can arrive tagged with an ID the table has
// never seen (the vendor-assigned real ID, before promotion), so it is
// correlated to its Start() call by arrival order instead of by table
// lookup; every other message type is routed by a direct lookup keyed by
// whichever of the pending or real ID currently tags the line.
func (m *SessionManager) demux() {
	for line := range m.process.Stdout() {
		var peek vendorEnvelopePeek
		if err := json.Unmarshal([]byte(line), &peek); err != nil {
			m.logger.Warn("malformed line from agent process", map[string]interface{}{"error": err.Error()})
			m.emit(Event{Type: "error", Payload: BridgeError{Code: CodeParseError, Message: err.Error(), Recoverable: true}})
			continue
		}

		if peek.Type == "" && peek.ID != nil {
			var resp vendorResponse
			if err := json.Unmarshal([]byte(line), &resp); err == nil && m.vendorRequests.deliver(resp) {
				continue
			}
		}

		msg, err := decodeVendorMessage(line)
		if err != nil {
			m.logger.Warn("malformed line from agent process", map[string]interface{}{"error": err.Error()})
			m.emit(Event{Type: "error", Payload: BridgeError{Code: CodeParseError, Message: err.Error(), Recoverable: true}})
			continue
		}

		if msg.Type == "tool_permission_request" {
			m.handlePermissionRequest(msg)
			continue
		}

		if msg.Type == "system" && msg.Subtype == "init" {
			// The session table is still keyed by the pending ID at this
			// point; msg.SessionID is the vendor-assigned real ID, which
			// has no entry yet. Correlate by the order start_query
			// commands were written to stdin instead of by table lookup
			// (see DESIGN.md's resolution of the ID-promotion Open
			// Question). A resumed session already carries its real ID
			// as the table key, so the direct lookup below still covers
			// that case.
			sess, ok := m.lookup(SessionID(msg.SessionID))
			if ok {
				// The vendor echoed the same ID we gave it (e.g. a
				// Resume, or a Start where pending == real by luck);
				// it will never be popped off the FIFO otherwise.
				m.removeAwaitingInit(sess)
			} else {
				sess, ok = m.popAwaitingInit()
			}
			if !ok {
				m.logger.Warn("system/init with no awaiting session", map[string]interface{}{"sessionId": msg.SessionID})
				continue
			}
			sess.enqueueVendorMessage(msg)
			continue
		}

		sess, ok := m.lookup(SessionID(msg.SessionID))
		if !ok {
			m.logger.Warn("message for unknown session", map[string]interface{}{"sessionId": msg.SessionID, "type": msg.Type})
			continue
		}
		sess.enqueueVendorMessage(msg)
	}

	// Shared stdout closed: the child process exited. Every in-flight
	// command and session fails with BridgeDisconnected.
	m.handleDisconnect()
}

// enqueueVendorMessage is the single-producer side of each session's
// dedicated consumer goroutine, keeping per-session processing sequential
// even though all sessions share one underlying stdout stream.
func (s *Session) enqueueVendorMessage(msg VendorMessage) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

// consume is the per-session message handler loop described in spec.md
// §4.2. It terminates when the session's context is cancelled (Close
// cancels it; the inbox itself is never closed). An uncaught panic while routing one
// message is spec.md §7's MessageProcessingError: it closes this session
// only, never the whole bridge.
func (m *SessionManager) consume(sess *Session) {
	reason := "completed"
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in session consumer loop", map[string]interface{}{"sessionId": sess.CurrentID(), "panic": fmt.Sprint(r)})
			m.emit(Event{
				Type:        "error",
				SessionID:   sess.CurrentID(),
				WorkspaceID: sess.WorkspaceID,
				Payload:     BridgeError{Code: CodeMessageProcessingError, Message: fmt.Sprint(r), Recoverable: false, SessionID: sess.CurrentID()},
			})
			reason = "error"
		}
		m.finishSession(sess, reason)
	}()

	for {
		select {
		case msg, ok := <-sess.inbox:
			if !ok {
				return
			}
			m.route(sess, msg)
		case <-sess.ctx.Done():
			return
		}
	}
}

func (m *SessionManager) route(sess *Session, msg VendorMessage) {
	switch msg.Type {
	case "system":
		if msg.Subtype != "init" {
			m.logger.Debug("unhandled system subtype", map[string]interface{}{"subtype": msg.Subtype})
			return
		}
		var payload SystemInitPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			m.logger.Warn("malformed system/init", map[string]interface{}{"error": err.Error()})
			return
		}
		m.promoteSession(sess, SessionID(payload.SessionID))
		sess.setStatus(StatusActive)
		m.emit(Event{
			Type:        "session/started",
			SessionID:   sess.CurrentID(),
			WorkspaceID: sess.WorkspaceID,
			Payload: map[string]interface{}{
				"model":          payload.Model,
				"tools":          payload.Tools,
				"cwd":            payload.Cwd,
				"version":        payload.Version,
				"permissionMode": payload.PermissionMode,
				"mcpServers":     payload.McpServers,
			},
		})
		m.registry.register(sess.WorkspaceID, RegistryEntry{
			SessionID: string(sess.CurrentID()),
			Cwd:       sess.Cwd,
			Status:    RegistryStatusActive,
		})

	case "stream_event":
		var payload StreamEventPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			m.logger.Warn("malformed stream_event", map[string]interface{}{"error": err.Error()})
			return
		}
		if ev, ok := sess.applyStreamEvent(payload.Event); ok {
			ev.WorkspaceID = sess.WorkspaceID
			m.emit(ev)
		}

	case "assistant":
		var payload AssistantPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			m.logger.Warn("malformed assistant message", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, ev := range sess.applyAssistantComplete(payload.Message) {
			ev.WorkspaceID = sess.WorkspaceID
			m.emit(ev)
		}
		m.registry.touch(sess.CurrentID(), previewOf(payload.Message))

	case "tool_progress":
		var payload ToolProgressPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			m.logger.Warn("malformed tool_progress", map[string]interface{}{"error": err.Error()})
			return
		}
		ev := sess.applyToolProgress(payload)
		ev.WorkspaceID = sess.WorkspaceID
		m.emit(ev)

	case "result":
		var payload ResultPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			m.logger.Warn("malformed result", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, ev := range sess.applyResult(payload) {
			ev.WorkspaceID = sess.WorkspaceID
			m.emit(ev)
		}

	case "user":
		m.logger.Debug("replayed user message", map[string]interface{}{"sessionId": sess.CurrentID()})

	case "auth_status":
		var payload AuthStatusPayload
		if err := json.Unmarshal(msg.Raw, &payload); err != nil {
			return
		}
		if payload.Error != "" {
			m.emit(Event{
				Type:        "error",
				SessionID:   sess.CurrentID(),
				WorkspaceID: sess.WorkspaceID,
				Payload:     BridgeError{Code: CodeAuthError, Message: payload.Error, Recoverable: false, SessionID: sess.CurrentID()},
			})
			m.Close(sess.CurrentID(), "error")
		}

	default:
		m.logger.Debug("unknown vendor message type", map[string]interface{}{"type": msg.Type})
	}
}

// handlePermissionRequest forwards one vendor tool_permission_request to
// the PermissionHandler and, once resolved, writes the decision back to
// the child's stdin. It runs in its own goroutine so a slow UI response
// never blocks the demux loop.
func (m *SessionManager) handlePermissionRequest(msg VendorMessage) {
	var req struct {
		SessionID string            `json:"session_id"`
		PermissionRequest
	}
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		m.logger.Warn("malformed tool_permission_request", map[string]interface{}{"error": err.Error()})
		return
	}

	sess, ok := m.lookup(SessionID(req.SessionID))
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithCancel(sess.ctx)
		defer cancel()

		result, err := m.permissions.RequestApproval(ctx, sess.idAccessor(), sess.WorkspaceID, req.PermissionRequest)
		if err != nil {
			return
		}
		data, err := json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID ToolUseID       `json:"toolUseId"`
			Result    PermissionResult `json:"result"`
		}{Type: "tool_permission_response", ToolUseID: req.ToolUseID, Result: result})
		if err != nil {
			return
		}
		_ = m.process.Send(data)
	}()
}

func previewOf(msg AssistantMessage) string {
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}
