package agent

import (
	"github.com/asientohq/asiento/pkg/conversation"
	"github.com/asientohq/asiento/pkg/tooldispatch"
)

// EventType identifies a streamed event
type EventType string

const (
	// EventReasoningDelta carries an increment of model reasoning text.
	EventReasoningDelta EventType = "reasoning-delta"
	// EventTextDelta carries an increment of the assistant answer.
	EventTextDelta EventType = "text-delta"
	// EventToolStart announces a tool call. It is emitted once when the
	// call first appears (possibly without arguments) and again with full
	// arguments when the call is complete and about to execute.
	EventToolStart EventType = "tool-start"
	// EventToolDone carries a tool's result envelope.
	EventToolDone EventType = "tool-done"
	// EventQuestion suspends the turn until the user answers.
	EventQuestion EventType = "question"
	// EventTitleUpdate reports an agent-driven title change.
	EventTitleUpdate EventType = "title-update"
	// EventDone terminates a successful cycle with the new turn id and
	// accumulated token usage.
	EventDone EventType = "done"
	// EventError terminates a failed cycle. State persisted before the
	// failure is left intact.
	EventError EventType = "error"
)

// Usage accumulates token counts across the iterations of one cycle
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// ToolEvent describes the tool call behind a tool-start or tool-done event
type ToolEvent struct {
	Name   string                 `json:"name"`
	CallID string                 `json:"call_id"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Result *tooldispatch.Result   `json:"result,omitempty"`
}

// Event is one item of the ordered stream a cycle pushes to its caller.
// Delivery order matches generation order; the stream always ends with a
// question, done or error event before the channel closes.
type Event struct {
	Type           EventType              `json:"type"`
	Text           string                 `json:"text,omitempty"`
	Tool           *ToolEvent             `json:"tool,omitempty"`
	Question       *conversation.Question `json:"question,omitempty"`
	QuestionCallID string                 `json:"question_call_id,omitempty"`
	Title          string                 `json:"title,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TurnID         string                 `json:"turn_id,omitempty"`
	Usage          *Usage                 `json:"usage,omitempty"`
	Err            string                 `json:"error,omitempty"`
}
