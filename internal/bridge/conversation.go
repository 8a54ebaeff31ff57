package bridge

// ItemKind discriminates the variants of ConversationItem.
type ItemKind string

const (
	ItemMessage   ItemKind = "message"
	ItemReasoning ItemKind = "reasoning"
	ItemTool      ItemKind = "tool"
	ItemReview    ItemKind = "review"
	ItemDiff      ItemKind = "diff"
)

// ToolStatus is the lifecycle of one tool invocation.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ConversationItem is one entry in a session's ordered, per-session item
// list. Re-observing an existing ItemID merges fields into the existing
// item rather than appending a new one.
type ConversationItem struct {
	ItemID string   `json:"id"`
	Kind   ItemKind `json:"kind"`

	// Message / Reasoning
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Tool
	ToolName    string     `json:"toolName,omitempty"`
	ToolInput   any        `json:"input,omitempty"`
	ToolStatus  ToolStatus `json:"status,omitempty"`
	ToolOutput  string     `json:"output,omitempty"`
	ElapsedSecs float64    `json:"elapsed,omitempty"`

	// Review
	ReviewState string `json:"state,omitempty"`

	// Diff
	Path       string `json:"path,omitempty"`
	Patch      string `json:"patch,omitempty"`
	DiffStatus string `json:"diffStatus,omitempty"`
}

// ConversationLog is the ordered, per-session item list with merge-on-ID
// semantics.
type ConversationLog struct {
	order []string
	byID  map[string]*ConversationItem
}

func NewConversationLog() *ConversationLog {
	return &ConversationLog{byID: make(map[string]*ConversationItem)}
}

// Upsert merges fields from patch into the existing item with the same ID,
// or appends patch as a new item if the ID hasn't been seen.
func (c *ConversationLog) Upsert(patch ConversationItem) *ConversationItem {
	if existing, ok := c.byID[patch.ItemID]; ok {
		mergeConversationItem(existing, patch)
		return existing
	}
	item := patch
	c.byID[item.ItemID] = &item
	c.order = append(c.order, item.ItemID)
	return &item
}

func (c *ConversationLog) Get(itemID string) (*ConversationItem, bool) {
	item, ok := c.byID[itemID]
	return item, ok
}

func (c *ConversationLog) Items() []ConversationItem {
	out := make([]ConversationItem, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

func mergeConversationItem(existing *ConversationItem, patch ConversationItem) {
	if patch.Text != "" {
		existing.Text = patch.Text
	}
	if patch.Role != "" {
		existing.Role = patch.Role
	}
	if patch.Summary != "" {
		existing.Summary = patch.Summary
	}
	if patch.ToolName != "" {
		existing.ToolName = patch.ToolName
	}
	if patch.ToolInput != nil {
		existing.ToolInput = patch.ToolInput
	}
	if patch.ToolStatus != "" {
		existing.ToolStatus = patch.ToolStatus
	}
	if patch.ToolOutput != "" {
		existing.ToolOutput = patch.ToolOutput
	}
	if patch.ElapsedSecs != 0 {
		existing.ElapsedSecs = patch.ElapsedSecs
	}
	if patch.ReviewState != "" {
		existing.ReviewState = patch.ReviewState
	}
	if patch.Path != "" {
		existing.Path = patch.Path
	}
	if patch.Patch != "" {
		existing.Patch = patch.Patch
	}
	if patch.DiffStatus != "" {
		existing.DiffStatus = patch.DiffStatus
	}
}
