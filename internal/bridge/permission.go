package bridge

import (
	"context"
	"sync"
	"time"
)

// Decision is the UI's allow/deny answer to one permission request, which
// becomes the behavior returned to the vendor query.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PermissionRequest is what the vendor's canUseTool callback receives for
// one tool invocation.
type PermissionRequest struct {
	ToolName       string          `json:"toolName"`
	Input          interface{}     `json:"input"`
	ToolUseID      ToolUseID       `json:"toolUseId"`
	Suggestions    interface{}     `json:"suggestions,omitempty"`
	BlockedPath    string          `json:"blockedPath,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
}

// PermissionResult is the value returned to the vendor callback: the
// {behavior, ...} shape spec.md §4.3 describes.
type PermissionResult struct {
	Behavior           Decision    `json:"behavior"`
	Message            string      `json:"message,omitempty"`
	UpdatedPermissions interface{} `json:"updatedPermissions,omitempty"`
	ToolUseID          ToolUseID   `json:"toolUseID"`
}

type permissionOutcome struct {
	result PermissionResult
	err    error
}

type pendingPermission struct {
	toolUseID ToolUseID
	sessionID SessionID
	resultCh  chan permissionOutcome
	timer     *time.Timer
	once      sync.Once
}

// PermissionHandler is the single process-wide pending-approval table
// (C3). It serves as the bound canUseTool callback for every live
// session.
type PermissionHandler struct {
	logger  *Logger
	emit    func(Event)
	timeout time.Duration

	mu        sync.Mutex
	pending   map[ToolUseID]*pendingPermission
	bySession map[SessionID]map[ToolUseID]struct{}
}

func NewPermissionHandler(logger *Logger, timeout time.Duration, emit func(Event)) *PermissionHandler {
	return &PermissionHandler{
		logger:    logger,
		emit:      emit,
		timeout:   timeout,
		pending:   make(map[ToolUseID]*pendingPermission),
		bySession: make(map[SessionID]map[ToolUseID]struct{}),
	}
}

// RequestApproval registers one pending permission, emits permission/request
// to the UI, and blocks until respond, timeout, abort (ctx done), or
// cancelForSession resolves it. sessionID is an accessor, read once when
// the entry is registered, so the entry is filed under whatever ID the
// session has at that moment (the real ID once promotion has happened),
// even if the caller obtained the accessor earlier.
func (h *PermissionHandler) RequestApproval(ctx context.Context, sessionID func() SessionID, workspaceID WorkspaceID, req PermissionRequest) (PermissionResult, error) {
	entry := &pendingPermission{
		toolUseID: req.ToolUseID,
		sessionID: sessionID(),
		resultCh:  make(chan permissionOutcome, 1),
	}

	h.mu.Lock()
	if _, exists := h.pending[req.ToolUseID]; exists {
		h.mu.Unlock()
		h.logger.Error("duplicate tool use id registered", map[string]interface{}{"toolUseId": req.ToolUseID})
		return PermissionResult{}, ErrDuplicateToolUse
	}
	h.pending[req.ToolUseID] = entry
	set, ok := h.bySession[entry.sessionID]
	if !ok {
		set = make(map[ToolUseID]struct{})
		h.bySession[entry.sessionID] = set
	}
	set[req.ToolUseID] = struct{}{}
	h.mu.Unlock()

	entry.timer = time.AfterFunc(h.timeout, func() {
		h.resolve(req.ToolUseID, permissionOutcome{
			result: PermissionResult{Behavior: DecisionDeny, Message: "Permission request timed out", ToolUseID: req.ToolUseID},
		})
	})

	h.emit(Event{
		Type:        "permission/request",
		SessionID:   entry.sessionID,
		WorkspaceID: workspaceID,
		Payload:     req,
	})

	select {
	case outcome := <-entry.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		h.resolve(req.ToolUseID, permissionOutcome{err: ErrAborted})
		return PermissionResult{}, ErrAborted
	}
}

// Respond resolves a pending entry from the UI's permission/respond
// command. It returns false, without panicking, if toolUseID is unknown.
func (h *PermissionHandler) Respond(toolUseID ToolUseID, decision Decision, message string, updatedPermissions interface{}) bool {
	result := PermissionResult{Behavior: decision, UpdatedPermissions: updatedPermissions, ToolUseID: toolUseID}
	if decision == DecisionDeny {
		if message == "" {
			message = "Permission denied by user"
		}
		result.Message = message
	}
	ok := h.resolve(toolUseID, permissionOutcome{result: result})
	if !ok {
		h.logger.Error("permission/respond for unknown tool use id", map[string]interface{}{"toolUseId": toolUseID})
	}
	return ok
}

// Abort rejects a pending entry on vendor-side cancellation of the tool
// call (spec.md §4.3 step 6).
func (h *PermissionHandler) Abort(toolUseID ToolUseID) bool {
	return h.resolve(toolUseID, permissionOutcome{err: ErrAborted})
}

// CancelForSession rejects every pending entry owned by sessionID with
// ErrSessionClosed. Used by SessionManager.Close.
func (h *PermissionHandler) CancelForSession(sessionID SessionID) {
	h.mu.Lock()
	ids := make([]ToolUseID, 0, len(h.bySession[sessionID]))
	for id := range h.bySession[sessionID] {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.resolve(id, permissionOutcome{err: ErrSessionClosed})
	}
}

// CancelAll rejects every pending entry in the table. Used by global
// shutdown.
func (h *PermissionHandler) CancelAll() {
	h.mu.Lock()
	ids := make([]ToolUseID, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.resolve(id, permissionOutcome{err: ErrSessionClosed})
	}
}

// resolve removes the entry exactly once, stops its timer, and delivers
// the outcome. Every removal path funnels through here so the
// exactly-once invariant holds regardless of which path wins the race.
func (h *PermissionHandler) resolve(toolUseID ToolUseID, outcome permissionOutcome) bool {
	h.mu.Lock()
	entry, ok := h.pending[toolUseID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.pending, toolUseID)
	if set, ok := h.bySession[entry.sessionID]; ok {
		delete(set, toolUseID)
		if len(set) == 0 {
			delete(h.bySession, entry.sessionID)
		}
	}
	h.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.once.Do(func() {
		entry.resultCh <- outcome
	})
	return true
}

// Count reports the number of outstanding permission entries, for tests
// and diagnostics.
func (h *PermissionHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
