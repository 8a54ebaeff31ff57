package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageDeltaPayload is the payload of a message/delta event: the stable
// item ID and the fully reconciled text so far (not just the raw delta),
// which keeps the event idempotent under redelivery.
type MessageDeltaPayload struct {
	ItemID string `json:"itemId"`
	Text   string `json:"text"`
}

// MessageCompletePayload is the payload of a message/complete event.
type MessageCompletePayload struct {
	ItemID string `json:"itemId"`
	Text   string `json:"text"`
}

// ToolEventPayload is the shared payload shape for tool/started,
// tool/progress and tool/completed.
type ToolEventPayload struct {
	ItemID         string      `json:"itemId"`
	ToolUseID      string      `json:"toolUseId"`
	ToolName       string      `json:"toolName,omitempty"`
	Input          interface{} `json:"input,omitempty"`
	Status         ToolStatus  `json:"status,omitempty"`
	Output         string      `json:"output,omitempty"`
	ElapsedSeconds float64     `json:"elapsed,omitempty"`
}

// ResultPayloadEvent is the payload of a result event.
type ResultPayloadEvent struct {
	Success      bool        `json:"success"`
	Subtype      string      `json:"subtype,omitempty"`
	DurationMs   int64       `json:"durationMs"`
	NumTurns     int         `json:"numTurns"`
	TotalCostUsd float64     `json:"totalCostUsd"`
	Usage        ResultUsage `json:"usage"`
	Errors       []string    `json:"errors,omitempty"`
}

// applyStreamEvent implements the StreamingCursor rules of spec.md §4.4. It
// returns the event to emit, if any.
func (s *Session) applyStreamEvent(ev StreamEvent) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case "message_start":
		s.openCursorLocked()
		return Event{}, false

	case "content_block_start":
		block, ok := decodeContentBlockStart(ev.ContentBlock)
		if !ok || block.Type != "text" {
			return Event{}, false
		}
		if s.cursor == nil {
			s.openCursorLocked()
		}
		return Event{}, false

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" || s.cursor == nil {
			return Event{}, false
		}
		delta := normalizeStreamText(ev.Delta.Text)
		s.cursor.Text = mergeOverlap(s.cursor.Text, delta)
		s.log.Upsert(ConversationItem{ItemID: s.cursor.ItemID, Kind: ItemMessage, Role: "assistant", Text: s.cursor.Text})
		return Event{
			Type:      "message/delta",
			SessionID: s.CurrentID(),
			Payload:   MessageDeltaPayload{ItemID: s.cursor.ItemID, Text: s.cursor.Text},
		}, true

	default:
		return Event{}, false
	}
}

// openCursorLocked allocates a fresh streaming item ID and opens the
// conversation item, if one isn't already open. Callers hold s.mu.
func (s *Session) openCursorLocked() {
	if s.cursor != nil {
		return
	}
	itemID := fmt.Sprintf("msg-%s-%s", s.CurrentID(), uuid.NewString())
	s.cursor = &StreamingCursor{ItemID: itemID}
	s.log.Upsert(ConversationItem{ItemID: itemID, Kind: ItemMessage, Role: "assistant", Text: ""})
}

// applyAssistantComplete implements spec.md §4.4's message/complete rule:
// finalize the streamed item with the full text (falling back to whatever
// was streamed if the final message is empty), then open/update one Tool
// item per tool_use block and upsert one per tool_result block.
func (s *Session) applyAssistantComplete(msg AssistantMessage) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	itemID := ""
	if s.cursor != nil {
		itemID = s.cursor.ItemID
	} else {
		itemID = fmt.Sprintf("msg-%s-%s", s.CurrentID(), uuid.NewString())
	}

	fullText := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			fullText += block.Text
		}
	}
	finalText := fullText
	if finalText == "" && s.cursor != nil {
		finalText = s.cursor.Text
	}
	s.log.Upsert(ConversationItem{ItemID: itemID, Kind: ItemMessage, Role: "assistant", Text: finalText})
	events = append(events, Event{
		Type:      "message/complete",
		SessionID: s.CurrentID(),
		Payload:   MessageCompletePayload{ItemID: itemID, Text: finalText},
	})
	s.cursor = nil

	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			toolItemID := "tool-" + block.ToolUseID
			s.log.Upsert(ConversationItem{
				ItemID:     toolItemID,
				Kind:       ItemTool,
				ToolName:   block.Name,
				ToolInput:  block.Input,
				ToolStatus: ToolRunning,
			})
			events = append(events, Event{
				Type:      "tool/started",
				SessionID: s.CurrentID(),
				Payload:   ToolEventPayload{ItemID: toolItemID, ToolUseID: block.ToolUseID, ToolName: block.Name, Input: block.Input, Status: ToolRunning},
			})
		case "tool_result":
			toolItemID := "tool-" + block.ToolUseID
			status := ToolCompleted
			if block.IsError {
				status = ToolFailed
			}
			output := serializeToolOutput(block.Content)
			s.log.Upsert(ConversationItem{ItemID: toolItemID, Kind: ItemTool, ToolStatus: status, ToolOutput: output})
			events = append(events, Event{
				Type:      "tool/completed",
				SessionID: s.CurrentID(),
				Payload:   ToolEventPayload{ItemID: toolItemID, ToolUseID: block.ToolUseID, Status: status, Output: output},
			})
		}
	}
	return events
}

// applyToolProgress implements the tool/progress rule: update elapsed on
// the existing tool item.
func (s *Session) applyToolProgress(p ToolProgressPayload) Event {
	s.mu.Lock()
	toolItemID := "tool-" + p.ToolUseID
	s.log.Upsert(ConversationItem{ItemID: toolItemID, Kind: ItemTool, ToolStatus: ToolRunning, ElapsedSecs: p.ElapsedSeconds})
	s.mu.Unlock()

	return Event{
		Type:      "tool/progress",
		SessionID: s.CurrentID(),
		Payload:   ToolEventPayload{ItemID: toolItemID, ToolUseID: p.ToolUseID, ToolName: p.ToolName, ElapsedSeconds: p.ElapsedSeconds},
	}
}

// applyResult implements the result rule: force any still-running tools to
// completed, clear the cursor, and surface the usage payload.
func (s *Session) applyResult(p ResultPayload) []Event {
	s.mu.Lock()
	var forced []Event
	for _, item := range s.log.Items() {
		if item.Kind == ItemTool && item.ToolStatus == ToolRunning {
			s.log.Upsert(ConversationItem{ItemID: item.ItemID, Kind: ItemTool, ToolStatus: ToolCompleted, ToolOutput: "(interrupted)"})
			forced = append(forced, Event{
				Type:      "tool/completed",
				SessionID: s.CurrentID(),
				Payload:   ToolEventPayload{ItemID: item.ItemID, Status: ToolCompleted, Output: "(interrupted)"},
			})
		}
	}
	s.cursor = nil
	s.mu.Unlock()

	result := Event{
		Type:      "result",
		SessionID: s.CurrentID(),
		Payload: ResultPayloadEvent{
			Success:      p.Success,
			Subtype:      p.Subtype,
			DurationMs:   p.DurationMs,
			NumTurns:     p.NumTurns,
			TotalCostUsd: p.TotalCostUsd,
			Usage:        p.Usage,
			Errors:       p.Errors,
		},
	}
	return append(forced, result)
}

func decodeContentBlockStart(raw []byte) (ContentBlockStart, bool) {
	if len(raw) == 0 {
		return ContentBlockStart{}, false
	}
	var block ContentBlockStart
	if err := json.Unmarshal(raw, &block); err != nil {
		return ContentBlockStart{}, false
	}
	return block, true
}

// serializeToolOutput renders a tool_result content value (string or
// block array) as display text.
func serializeToolOutput(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
