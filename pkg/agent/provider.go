package agent

import (
	"context"
	"encoding/json"
)

// ToolSpec describes one callable tool for the model catalog
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolOutput is one tool result submitted back to the model, keyed by the
// call id it answers
type ToolOutput struct {
	CallID  string
	Payload string
}

// ToolCall is a complete tool-call item produced by a turn
type ToolCall struct {
	ID      string
	Name    string
	ArgsRaw string
	Args    map[string]interface{}
}

// TurnInput is everything one model turn needs. Exactly one of UserText and
// ToolOutputs drives the turn; PreviousTurnID layers it onto the upstream
// session, and Preamble is sent instead when no previous turn exists.
type TurnInput struct {
	UserText       string
	ContextSection string
	Attachments    []ResolvedAttachment
	ToolOutputs    []ToolOutput
	PreviousTurnID string
	Preamble       string
	Tools          []ToolSpec
}

// TurnEventType identifies an upstream streaming increment
type TurnEventType string

const (
	// TurnTextDelta is an increment of answer text.
	TurnTextDelta TurnEventType = "text-delta"
	// TurnReasoningDelta is an increment of reasoning summary text.
	TurnReasoningDelta TurnEventType = "reasoning-delta"
	// TurnCallAdded announces a tool call before its arguments are known.
	TurnCallAdded TurnEventType = "call-added"
)

// TurnEvent is one upstream streaming increment, forwarded in order
type TurnEvent struct {
	Type TurnEventType
	Text string
	Call *ToolCall
}

// TurnResult is the completed turn: its upstream id, final text, complete
// tool calls in output order, the raw output items for continuity state,
// and token usage.
type TurnResult struct {
	TurnID    string
	Text      string
	ToolCalls []ToolCall
	RawOutput json.RawMessage
	Usage     Usage
}

// UpstreamSession is a stateful model session addressed by turn ids. A
// cancelled context must abort the turn promptly.
type UpstreamSession interface {
	StreamTurn(ctx context.Context, input TurnInput, onEvent func(TurnEvent)) (TurnResult, error)
}
