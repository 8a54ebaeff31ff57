package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rivo/uniseg"
)

// RegistryStatus is the on-disk status of one registry entry.
type RegistryStatus string

const (
	RegistryStatusActive  RegistryStatus = "active"
	RegistryStatusMissing RegistryStatus = "missing"
)

// RegistryEntry is one session's persisted metadata, spec.md §3/§4.5.
type RegistryEntry struct {
	SessionID      string         `json:"sessionId"`
	Cwd            string         `json:"cwd"`
	Preview        string         `json:"preview,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	LastActivity   int64          `json:"lastActivity"`
	TranscriptPath string         `json:"transcriptPath,omitempty"`
	ProjectPath    string         `json:"projectPath,omitempty"`
	Status         RegistryStatus `json:"status"`
}

// WorkspaceRegistry is the per-workspace visibility index.
type WorkspaceRegistry struct {
	ProjectPath        string   `json:"projectPath,omitempty"`
	VisibleSessionIDs  []string `json:"visibleSessionIds"`
	ArchivedSessionIDs []string `json:"archivedSessionIds"`
}

// registryDocument is the exact on-disk shape of spec.md §4.5.
type registryDocument struct {
	Version    int                           `json:"version"`
	Workspaces map[string]*WorkspaceRegistry `json:"workspaces"`
	Sessions   map[string]RegistryEntry      `json:"sessions"`
}

func newRegistryDocument() *registryDocument {
	return &registryDocument{
		Version:    1,
		Workspaces: make(map[string]*WorkspaceRegistry),
		Sessions:   make(map[string]RegistryEntry),
	}
}

// SessionRegistry is the single-writer, atomically-persisted registry
// (C5). The in-memory document is the source of truth; readers never
// touch the file directly after initial load, per spec.md §9.
type SessionRegistry struct {
	path   string
	logger *Logger
	nowFn  func() int64

	mu  sync.Mutex
	doc *registryDocument
}

func NewSessionRegistry(path string, logger *Logger) *SessionRegistry {
	return &SessionRegistry{path: path, logger: logger, nowFn: nowMillis, doc: newRegistryDocument()}
}

// Load reads the registry file, tolerating a missing or corrupt file by
// starting from an empty document (spec.md §4.5's "read that encounters a
// missing or corrupt file returns an empty registry").
func (r *SessionRegistry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.doc = newRegistryDocument()
			return nil
		}
		r.logger.Warn("registry file unreadable, starting empty", map[string]interface{}{"error": err.Error()})
		r.doc = newRegistryDocument()
		return nil
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("registry file corrupt, starting empty", map[string]interface{}{"error": err.Error()})
		r.doc = newRegistryDocument()
		return nil
	}
	if doc.Workspaces == nil {
		doc.Workspaces = make(map[string]*WorkspaceRegistry)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]RegistryEntry)
	}
	r.doc = &doc
	return nil
}

// writeLocked serializes the in-memory document to a temp file and
// renames it into place. Callers hold r.mu.
func (r *SessionRegistry) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *SessionRegistry) workspaceLocked(workspaceID WorkspaceID) *WorkspaceRegistry {
	w, ok := r.doc.Workspaces[string(workspaceID)]
	if !ok {
		w = &WorkspaceRegistry{}
		r.doc.Workspaces[string(workspaceID)] = w
	}
	return w
}

// visible returns, in stored order, the registry entries currently
// visible for a workspace.
func (r *SessionRegistry) visible(workspaceID WorkspaceID) []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.doc.Workspaces[string(workspaceID)]
	if !ok {
		return nil
	}
	out := make([]RegistryEntry, 0, len(w.VisibleSessionIDs))
	for _, id := range w.VisibleSessionIDs {
		if entry, ok := r.doc.Sessions[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// archivedEntries returns, in stored order, the archived entries for a
// workspace.
func (r *SessionRegistry) archivedEntries(workspaceID WorkspaceID) []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.doc.Workspaces[string(workspaceID)]
	if !ok {
		return nil
	}
	out := make([]RegistryEntry, 0, len(w.ArchivedSessionIDs))
	for _, id := range w.ArchivedSessionIDs {
		if entry, ok := r.doc.Sessions[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// importSessions adds sessionIDs to the visible list (deduplicated) and
// records the given snapshots into the sessions map.
func (r *SessionRegistry) importSessions(workspaceID WorkspaceID, sessionIDs []string, snapshots []RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, snap := range snapshots {
		r.doc.Sessions[snap.SessionID] = snap
	}
	w := r.workspaceLocked(workspaceID)
	for _, id := range sessionIDs {
		if !containsString(w.VisibleSessionIDs, id) {
			w.VisibleSessionIDs = append(w.VisibleSessionIDs, id)
		}
	}
	return r.writeLocked()
}

// archive moves a session from visible to archived. The sessions map
// entry and on-disk transcript are never touched.
func (r *SessionRegistry) archive(workspaceID WorkspaceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workspaceLocked(workspaceID)
	w.VisibleSessionIDs = removeString(w.VisibleSessionIDs, sessionID)
	if !containsString(w.ArchivedSessionIDs, sessionID) {
		w.ArchivedSessionIDs = append(w.ArchivedSessionIDs, sessionID)
	}
	return r.writeLocked()
}

// unarchive is archive's inverse.
func (r *SessionRegistry) unarchive(workspaceID WorkspaceID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.workspaceLocked(workspaceID)
	w.ArchivedSessionIDs = removeString(w.ArchivedSessionIDs, sessionID)
	if !containsString(w.VisibleSessionIDs, sessionID) {
		w.VisibleSessionIDs = append(w.VisibleSessionIDs, sessionID)
	}
	return r.writeLocked()
}

// register records a session's first transition to Active with a real
// ID, per spec.md §3's lifecycle rule.
func (r *SessionRegistry) register(workspaceID WorkspaceID, entry RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.LastActivity = now
	if entry.Status == "" {
		entry.Status = RegistryStatusActive
	}
	if entry.ProjectPath == "" || entry.TranscriptPath == "" {
		if projectPath, transcriptPath, ok := deriveProjectPaths(entry.Cwd, entry.SessionID); ok {
			if entry.ProjectPath == "" {
				entry.ProjectPath = projectPath
			}
			if entry.TranscriptPath == "" {
				entry.TranscriptPath = transcriptPath
			}
		}
	}
	r.doc.Sessions[entry.SessionID] = entry

	w := r.workspaceLocked(workspaceID)
	if !containsString(w.VisibleSessionIDs, entry.SessionID) {
		w.VisibleSessionIDs = append(w.VisibleSessionIDs, entry.SessionID)
	}
	if err := r.writeLocked(); err != nil {
		r.logger.Error("failed to persist registry after register", map[string]interface{}{"error": err.Error()})
	}
}

// touch updates lastActivity and, if non-empty, the preview of an
// existing session entry on every user/assistant message completion.
func (r *SessionRegistry) touch(sessionID SessionID, preview string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.doc.Sessions[string(sessionID)]
	if !ok {
		return
	}
	entry.LastActivity = r.nowFn()
	if preview != "" {
		entry.Preview = truncatePreview(preview, 38)
	}
	r.doc.Sessions[string(sessionID)] = entry
	if err := r.writeLocked(); err != nil {
		r.logger.Error("failed to persist registry after touch", map[string]interface{}{"error": err.Error()})
	}
}

// markMissing flags a session as missing because its transcript file
// became unreadable.
func (r *SessionRegistry) markMissing(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.doc.Sessions[sessionID]
	if !ok {
		return
	}
	entry.Status = RegistryStatusMissing
	r.doc.Sessions[sessionID] = entry
	if err := r.writeLocked(); err != nil {
		r.logger.Error("failed to persist registry after markMissing", map[string]interface{}{"error": err.Error()})
	}
}

// truncatePreview truncates s to at most n graphemes, appending an
// ellipsis if anything was cut, so multi-byte/combining text doesn't
// split mid-character (spec.md §4.5: "≤38 graphemes when rendered").
func truncatePreview(s string, n int) string {
	gr := uniseg.NewGraphemes(s)
	count := 0
	cut := len(s)
	truncated := false
	for gr.Next() {
		count++
		if count == n {
			_, to := gr.Positions()
			cut = to
		}
		if count > n {
			truncated = true
			break
		}
	}
	if !truncated {
		return s
	}
	return s[:cut] + "..."
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
