package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SessionStatus is the session lifecycle state machine from spec.md §3.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusActive   SessionStatus = "active"
	StatusClosing  SessionStatus = "closing"
	StatusClosed   SessionStatus = "closed"
)

// PermissionMode mirrors the vendor's per-session tool-approval policy.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionDontAsk     PermissionMode = "dontAsk"
)

// StartOptions configures a new or resumed session.
type StartOptions struct {
	Model                   string                     `json:"model,omitempty"`
	PermissionMode          PermissionMode             `json:"permissionMode,omitempty"`
	ClaudeCodeBin           string                     `json:"claudeCodeBin,omitempty"`
	EnableFileCheckpointing bool                       `json:"enableFileCheckpointing,omitempty"`
	McpServers              map[string]McpServerConfig `json:"mcpServers,omitempty"`
	Plugins                 []PluginConfig             `json:"plugins,omitempty"`
	Agents                  json.RawMessage            `json:"agents,omitempty"`
}

// McpServerConfig is one MCP server definition attached to a session.
type McpServerConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PluginConfig is a single local-plugin reference.
type PluginConfig struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Session is one conversation with the vendor agent.
type Session struct {
	WorkspaceID WorkspaceID
	Cwd         string
	CreatedAt   time.Time
	Options     StartOptions

	ctx    context.Context
	cancel context.CancelFunc

	idMu sync.RWMutex
	id   SessionID

	inbox chan VendorMessage

	mu            sync.Mutex
	status        SessionStatus
	input         chan json.RawMessage
	inputClosed   bool
	cursor        *StreamingCursor
	log           *ConversationLog
	checkpointing bool
}

func newSession(id SessionID, workspaceID WorkspaceID, cwd string, opts StartOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:            id,
		WorkspaceID:   workspaceID,
		Cwd:           cwd,
		CreatedAt:     time.Now(),
		Options:       opts,
		ctx:           ctx,
		cancel:        cancel,
		status:        StatusStarting,
		input:         make(chan json.RawMessage, 32),
		inbox:         make(chan VendorMessage, 64),
		log:           NewConversationLog(),
		checkpointing: opts.EnableFileCheckpointing,
	}
}

// CurrentID returns the session's ID as of the last promotion. Safe to
// call from any goroutine.
func (s *Session) CurrentID() SessionID {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

func (s *Session) setID(id SessionID) {
	s.idMu.Lock()
	s.id = id
	s.idMu.Unlock()
}

// idAccessor returns a closure over the session's current ID rather than
// a captured value, per spec.md §9's cyclic-ownership note: the real ID is
// assigned after the permission callback for a tool use may already have
// been registered.
func (s *Session) idAccessor() func() SessionID {
	return s.CurrentID
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// pushInput enqueues one user-turn message for the session's input stream.
// It returns ErrSessionInactive if the stream has already been closed.
func (s *Session) pushInput(msg json.RawMessage) error {
	s.mu.Lock()
	if s.inputClosed {
		s.mu.Unlock()
		return fmt.Errorf("session %s input stream closed: %w", s.CurrentID(), ErrSessionInactive)
	}
	ch := s.input
	s.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("session %s input stream closed: %w", s.CurrentID(), ErrSessionInactive)
	}
}

// closeInput marks the input stream closed and cancels the session's
// context, exactly once. It deliberately never closes s.input itself: a
// concurrent pushInput has already read s.input and entered its select by
// the time inputClosed flips, and a send on a closed channel is a ready
// select case that panics. Gating solely on ctx.Done() (which pushInput
// and pumpInput both select on) lets any in-flight send either land
// harmlessly in the buffer or lose the select race to ctx.Done(), with no
// path to a send-on-closed-channel panic.
func (s *Session) closeInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	s.cancel()
}
