package conversation

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleQuestion  Role = "question"
)

// Conversation is a chat thread with its turn continuity state.
//
// PendingQuestionCallID is set only while the conversation is paused on a
// question the agent asked; it and PendingToolOutputs are cleared exactly
// when the answer arrives and the turn resumes.
type Conversation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Title    string `json:"title"`

	LastTurnID            string           `json:"last_turn_id"`
	ParentTurnID          string           `json:"parent_turn_id"`
	LastTurnOutput        json.RawMessage  `json:"last_turn_output,omitempty"`
	PendingQuestionCallID string           `json:"pending_question_call_id,omitempty"`
	PendingToolOutputs    []ToolOutputItem `json:"pending_tool_outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Paused reports whether the conversation is waiting on a question answer
func (c *Conversation) Paused() bool {
	return c.PendingQuestionCallID != ""
}

// ToolOutputItem is one tool result produced inside a turn, keyed by the
// upstream tool-call id it answers. Payload carries the result exactly as it
// will be submitted back to the model.
type ToolOutputItem struct {
	CallID  string `json:"call_id"`
	Payload string `json:"payload"`
}

// Continuity is the set of fields the engine persists after each turn
type Continuity struct {
	LastTurnID            string
	ParentTurnID          string
	LastTurnOutput        json.RawMessage
	PendingQuestionCallID string
	PendingToolOutputs    []ToolOutputItem
}

// Question is a structured question the agent poses to the user
type Question struct {
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options,omitempty"`
	AllowFreeText bool     `json:"allow_free_text"`
}

// Content is the discriminated message payload: plain text or a question
type Content struct {
	Text     string    `json:"text,omitempty"`
	Question *Question `json:"question,omitempty"`
}

// ToolMeta records the tool call behind a tool message
type ToolMeta struct {
	Name   string          `json:"name"`
	CallID string          `json:"call_id,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Message is an immutable append-only log entry, used for history
// reconstruction and audit only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        Content   `json:"content"`
	Tool           *ToolMeta `json:"tool,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
