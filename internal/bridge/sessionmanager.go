package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionManager owns the authoritative per-session table and the
// workspace -> sessionId index (C2). Exactly one AgentProcess and one
// PermissionHandler are shared by every session it creates.
type SessionManager struct {
	logger         *Logger
	process        *AgentProcess
	permissions    *PermissionHandler
	registry       *SessionRegistry
	emit           func(Event)
	vendorRequests *vendorRequestTable

	pendingSeq uint64

	mu          sync.RWMutex
	sessions    map[SessionID]*Session
	byWorkspace map[WorkspaceID]SessionID

	// initMu guards awaitingInit, the FIFO of sessions whose start_query
	// has been written to stdin but whose system/init has not arrived
	// yet. It is separate from mu: demux's system/init branch and Start
	// both touch this queue without needing the session-table lock.
	initMu       sync.Mutex
	awaitingInit []*Session
}

func NewSessionManager(process *AgentProcess, permissions *PermissionHandler, registry *SessionRegistry, logger *Logger, emit func(Event)) *SessionManager {
	return &SessionManager{
		logger:         logger,
		process:        process,
		permissions:    permissions,
		registry:       registry,
		emit:           emit,
		vendorRequests: newVendorRequestTable(),
		sessions:       make(map[SessionID]*Session),
		byWorkspace:    make(map[WorkspaceID]SessionID),
	}
}

// Run starts the shared demultiplexing loop. It blocks until the agent
// process's stdout closes.
func (m *SessionManager) Run() {
	m.demux()
}

func (m *SessionManager) mintPendingID() SessionID {
	seq := atomic.AddUint64(&m.pendingSeq, 1)
	return SessionID(fmt.Sprintf("pending-%d-%d", time.Now().UnixNano(), seq))
}

// Start implements spec.md §4.2's Start operation.
func (m *SessionManager) Start(workspaceID WorkspaceID, cwd string, opts StartOptions) (SessionID, error) {
	m.mu.Lock()
	if existing, ok := m.byWorkspace[workspaceID]; ok {
		if sess, ok := m.sessions[existing]; ok {
			status := sess.Status()
			if status == StatusStarting || status == StatusActive {
				m.mu.Unlock()
				return "", ErrWorkspaceBusy
			}
		}
	}

	pendingID := m.mintPendingID()
	sess := newSession(pendingID, workspaceID, cwd, opts)
	m.sessions[pendingID] = sess
	m.byWorkspace[workspaceID] = pendingID
	m.mu.Unlock()

	m.pushAwaitingInit(sess)

	go m.consume(sess)
	go m.pumpInput(sess)

	if err := m.sendStartCommand("start_query", sess, opts); err != nil {
		m.removeAwaitingInit(sess)
		m.Close(pendingID, "error")
		return "", err
	}
	return pendingID, nil
}

// pushAwaitingInit registers sess as waiting on its vendor-assigned
// system/init, in the order its start_query was (about to be) written to
// stdin.
func (m *SessionManager) pushAwaitingInit(sess *Session) {
	m.initMu.Lock()
	m.awaitingInit = append(m.awaitingInit, sess)
	m.initMu.Unlock()
}

// popAwaitingInit removes and returns the oldest session still waiting on
// its system/init. Used when a system/init's session_id has no table
// entry yet (see demux).
func (m *SessionManager) popAwaitingInit() (*Session, bool) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if len(m.awaitingInit) == 0 {
		return nil, false
	}
	sess := m.awaitingInit[0]
	m.awaitingInit = m.awaitingInit[1:]
	return sess, true
}

// removeAwaitingInit drops sess from the queue if it is closed before its
// system/init ever arrives.
func (m *SessionManager) removeAwaitingInit(sess *Session) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	for i, s := range m.awaitingInit {
		if s == sess {
			m.awaitingInit = append(m.awaitingInit[:i], m.awaitingInit[i+1:]...)
			return
		}
	}
}

// Resume implements spec.md §4.2's Resume operation. The returned ID
// equals the input sessionID; no pending ID is minted.
func (m *SessionManager) Resume(workspaceID WorkspaceID, sessionID SessionID, cwd string, opts StartOptions) error {
	m.mu.Lock()
	if existing, ok := m.byWorkspace[workspaceID]; ok {
		if sess, ok := m.sessions[existing]; ok {
			status := sess.Status()
			if status == StatusStarting || status == StatusActive {
				m.mu.Unlock()
				return ErrWorkspaceBusy
			}
		}
	}

	sess := newSession(sessionID, workspaceID, cwd, opts)
	m.sessions[sessionID] = sess
	m.byWorkspace[workspaceID] = sessionID
	m.mu.Unlock()

	go m.consume(sess)
	go m.pumpInput(sess)

	return m.sendStartCommand("resume_query", sess, opts)
}

func (m *SessionManager) sendStartCommand(kind string, sess *Session, opts StartOptions) error {
	payload := map[string]interface{}{
		"type":                    kind,
		"session_id":              string(sess.CurrentID()),
		"cwd":                     sess.Cwd,
		"model":                   opts.Model,
		"permission_mode":         opts.PermissionMode,
		"include_partial_messages": true,
		"persist_session":         true,
		"mcp_servers":             opts.McpServers,
		"plugins":                 opts.Plugins,
		"agents":                  opts.Agents,
	}
	if kind == "resume_query" {
		payload["resume"] = string(sess.CurrentID())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return m.process.Send(data)
}

// SendMessage implements spec.md §4.2's SendMessage operation.
func (m *SessionManager) SendMessage(sessionID SessionID, text string, images []string, messageID string) error {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	status := sess.Status()
	if status != StatusStarting && status != StatusActive {
		return ErrSessionInactive
	}
	if text == "" && len(images) == 0 {
		return nil
	}

	content, err := buildUserMessageContent(text, images)
	if err != nil {
		return err
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	data, err := json.Marshal(map[string]interface{}{
		"type":       "user_input",
		"session_id": string(sessionID),
		"message_id": messageID,
		"content":    content,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return sess.pushInput(data)
}

// Interrupt implements spec.md §4.2's Interrupt operation: it does not
// change session status, the vendor will emit a terminal result event.
func (m *SessionManager) Interrupt(sessionID SessionID) error {
	sess, ok := m.lookup(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	data, err := json.Marshal(map[string]interface{}{"type": "interrupt", "session_id": string(sess.CurrentID())})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return m.process.Send(data)
}

// Close implements spec.md §4.2's Close operation. Idempotent: closing an
// already-closed or unknown session is a no-op.
func (m *SessionManager) Close(sessionID SessionID, reason string) error {
	sess, removed := m.remove(sessionID)
	if !removed {
		return nil
	}

	sess.setStatus(StatusClosing)
	m.permissions.CancelForSession(sessionID)
	sess.closeInput()

	if data, err := json.Marshal(map[string]interface{}{"type": "close_session", "session_id": string(sessionID)}); err == nil {
		_ = m.process.Send(data)
	}

	sess.setStatus(StatusClosed)
	m.emit(Event{
		Type:        "session/closed",
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		Payload:     map[string]string{"reason": reason},
	})
	return nil
}

// CloseAll sequentially closes every live session, invoked on global
// shutdown.
func (m *SessionManager) CloseAll() {
	for _, id := range m.liveSessionIDs() {
		_ = m.Close(id, "shutdown")
	}
}

func (m *SessionManager) liveSessionIDs() []SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *SessionManager) lookup(sessionID SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// remove deletes the session from both the table and the workspace
// index, returning the session and whether it was present.
func (m *SessionManager) remove(sessionID SessionID) (*Session, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.sessions, sessionID)
	if m.byWorkspace[sess.WorkspaceID] == sessionID {
		delete(m.byWorkspace, sess.WorkspaceID)
	}
	m.mu.Unlock()
	m.removeAwaitingInit(sess)
	return sess, true
}

// promoteSession rewrites the pending ID to the vendor-assigned real ID
// under the table's exclusive guard, per spec.md §9's rewrite rule:
// remove(pending); insert(real, sameEntry); update workspace index.
func (m *SessionManager) promoteSession(sess *Session, realID SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pendingID := sess.CurrentID()
	if pendingID == realID {
		return
	}
	delete(m.sessions, pendingID)
	sess.setID(realID)
	m.sessions[realID] = sess
	if m.byWorkspace[sess.WorkspaceID] == pendingID {
		m.byWorkspace[sess.WorkspaceID] = realID
	}
}

// finishSession runs when a session's consumer loop terminates, clean or
// exceptional. If the session is still in the table (nobody called
// Close explicitly), mark it Closed and emit session/closed with reason.
func (m *SessionManager) finishSession(sess *Session, reason string) {
	id := sess.CurrentID()
	_, removed := m.remove(id)
	if !removed {
		return
	}
	sess.setStatus(StatusClosed)
	m.emit(Event{
		Type:        "session/closed",
		SessionID:   id,
		WorkspaceID: sess.WorkspaceID,
		Payload:     map[string]string{"reason": reason},
	})
}

// pumpInput is the single consumer of one session's input stream,
// forwarding each already-built user_input command to the shared agent
// process. This is the "streaming-prompt producer" from spec.md §9: a
// bounded queue with one producer (SendMessage) and one consumer. It exits
// on ctx.Done() rather than a channel close, since sess.input is never
// closed (see closeInput).
func (m *SessionManager) pumpInput(sess *Session) {
	for {
		select {
		case msg := <-sess.input:
			if err := m.process.Send(msg); err != nil {
				m.logger.Warn("failed to forward queued input", map[string]interface{}{"sessionId": sess.CurrentID(), "error": err.Error()})
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// handleDisconnect implements spec.md §4.1's failure semantics: an
// unexpected EOF on stdout fails every session with BridgeDisconnected.
func (m *SessionManager) handleDisconnect() {
	m.emit(Event{
		Type:    "error",
		Payload: BridgeError{Code: CodeBridgeDisconnected, Message: "agent process exited unexpectedly", Recoverable: false},
	})
	m.vendorRequests.cancelAll(ErrDisconnected)
	// CancelAll, not just per-session CancelForSession via Close: a
	// pending permission entry whose owning session was already removed
	// from the table (finished, raced with this disconnect) would
	// otherwise never be resolved, leaking its RequestApproval goroutine.
	m.permissions.CancelAll()
	for _, id := range m.liveSessionIDs() {
		// Close, not closeInput: a bare closeInput leaves consume()'s
		// default reason ("completed") to win the race, but a shared
		// process exit is BridgeDisconnected, so every session's
		// session/closed must report reason "error".
		_ = m.Close(id, "error")
	}
}
