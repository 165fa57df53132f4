package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asientohq/asiento/internal/observability"
	"github.com/asientohq/asiento/internal/tracing"
	"github.com/asientohq/asiento/pkg/conversation"
	"github.com/asientohq/asiento/pkg/memstore"
	"github.com/asientohq/asiento/pkg/tooldispatch"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultMaxIterations = 10

const defaultPreamble = `You are an accounting assistant for a multi-tenant bookkeeping platform.
Use the available tools to answer questions about the tenant's books. When a
request is ambiguous, ask the user a clarifying question with the
ask_user_question tool instead of guessing. Give the conversation a short
descriptive title with update_conversation_title early in a new conversation.`

// ErrStaleQuestion is returned when an answer references a question the
// conversation is not paused on
var ErrStaleQuestion = errors.New("answer does not match the pending question")

// ErrConversationPaused is returned when a new message arrives while the
// conversation is waiting on a question answer
var ErrConversationPaused = errors.New("conversation is paused on a question")

// Config holds engine configuration
type Config struct {
	Upstream      UpstreamSession
	Dispatcher    *tooldispatch.Dispatcher
	Conversations *conversation.Store
	Memories      *memstore.Store    // optional, enables context injection
	Attachments   AttachmentResolver // optional
	Logger        zerolog.Logger
	MaxIterations int
	Preamble      string
}

// Engine drives the multi-turn agent loop: it streams model output to the
// caller, executes tool calls through the dispatcher, pauses on user-facing
// questions and persists enough continuity state to resume exactly where a
// paused conversation left off.
type Engine struct {
	upstream      UpstreamSession
	dispatcher    *tooldispatch.Dispatcher
	conversations *conversation.Store
	memories      *memstore.Store
	attachments   AttachmentResolver
	logger        zerolog.Logger
	maxIterations int
	preamble      string

	// One turn-cycle per conversation at a time: the continuity fields are
	// read-modify-write and a second concurrent cycle would corrupt them.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a new engine and registers the engine-owned tools on the
// dispatcher so the model catalog stays complete.
func New(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Upstream == nil {
		return nil, errors.New("upstream session is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("tool dispatcher is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	preamble := cfg.Preamble
	if preamble == "" {
		preamble = defaultPreamble
	}

	e := &Engine{
		upstream:      cfg.Upstream,
		dispatcher:    cfg.Dispatcher,
		conversations: cfg.Conversations,
		memories:      cfg.Memories,
		attachments:   cfg.Attachments,
		logger:        cfg.Logger,
		maxIterations: maxIterations,
		preamble:      preamble,
		locks:         make(map[string]*sync.Mutex),
	}

	if err := e.registerEngineTools(); err != nil {
		return nil, err
	}

	e.logger.Info().Int("max_iterations", maxIterations).Msg("Agent engine initialized")
	return e, nil
}

// MessageRequest is a fresh user message addressed to a conversation. An
// empty ConversationID starts a new conversation.
type MessageRequest struct {
	ConversationID string
	TenantID       string
	UserID         string
	Text           string
	Attachments    []AttachmentRef
}

// AnswerRequest resumes a conversation paused on a question
type AnswerRequest struct {
	ConversationID string
	TenantID       string
	UserID         string
	QuestionCallID string
	Answer         string
}

// SendMessage runs one turn-cycle for a user message and returns the event
// stream. Validation failures are returned synchronously; everything after
// that arrives as events, ending with question, done or error before the
// channel closes. Cancelling ctx abandons the cycle promptly.
func (e *Engine) SendMessage(ctx context.Context, req MessageRequest) (<-chan Event, error) {
	if req.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if req.Text == "" {
		return nil, errors.New("message text is required")
	}

	conv, err := e.conversations.FindOrCreate(ctx, req.ConversationID, req.UserID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if conv.Paused() {
		return nil, ErrConversationPaused
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		unlock := e.lockConversation(conv.ID)
		defer unlock()

		ctx := tracing.WithConversationID(tracing.WithTenantID(ctx, req.TenantID), conv.ID)

		// Re-read under the lock: another cycle may have run (or paused the
		// conversation) between validation and lock acquisition.
		conv, err := e.conversations.Get(ctx, conv.ID, req.TenantID)
		if err != nil {
			e.emit(ctx, events, Event{Type: EventError, Err: err.Error()})
			return
		}
		if conv.Paused() {
			e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: ErrConversationPaused.Error()})
			return
		}

		if _, err := e.conversations.AppendMessage(ctx, conv.ID, conversation.RoleUser,
			conversation.Content{Text: req.Text}, nil); err != nil {
			e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: err.Error()})
			return
		}

		input := TurnInput{
			UserText:       req.Text,
			PreviousTurnID: conv.LastTurnID,
			Attachments:    e.resolveAttachments(ctx, req.TenantID, req.Attachments),
		}
		if conv.LastTurnID == "" {
			input.Preamble = e.preamble
		}
		if e.memories != nil {
			input.ContextSection = e.memories.ContextForConversation(ctx, req.TenantID, req.UserID, req.Text)
		}

		e.runCycle(ctx, conv, input, events)
	}()
	return events, nil
}

// Answer resumes a paused conversation. The ordered pending tool outputs
// are submitted together with the answer, layered onto the paused turn's id
// so the model sees the question it asked.
func (e *Engine) Answer(ctx context.Context, req AnswerRequest) (<-chan Event, error) {
	if req.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}

	conv, err := e.conversations.Get(ctx, req.ConversationID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !conv.Paused() {
		return nil, fmt.Errorf("%w: conversation %s has no pending question", ErrStaleQuestion, conv.ID)
	}
	if req.QuestionCallID != conv.PendingQuestionCallID {
		return nil, fmt.Errorf("%w: expected %s", ErrStaleQuestion, conv.PendingQuestionCallID)
	}

	answerPayload, err := json.Marshal(map[string]string{"answer": req.Answer})
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		unlock := e.lockConversation(conv.ID)
		defer unlock()

		ctx := tracing.WithConversationID(tracing.WithTenantID(ctx, req.TenantID), conv.ID)

		// Re-read under the lock: a concurrent Answer serialized ahead of this
		// one may already have consumed the question.
		conv, err := e.conversations.Get(ctx, conv.ID, req.TenantID)
		if err != nil {
			e.emit(ctx, events, Event{Type: EventError, Err: err.Error()})
			return
		}
		if !conv.Paused() || req.QuestionCallID != conv.PendingQuestionCallID {
			e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: ErrStaleQuestion.Error()})
			return
		}

		if _, err := e.conversations.AppendMessage(ctx, conv.ID, conversation.RoleUser,
			conversation.Content{Text: req.Answer}, nil); err != nil {
			e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: err.Error()})
			return
		}

		outputs := make([]ToolOutput, 0, len(conv.PendingToolOutputs)+1)
		for _, item := range conv.PendingToolOutputs {
			outputs = append(outputs, ToolOutput{CallID: item.CallID, Payload: item.Payload})
		}
		outputs = append(outputs, ToolOutput{CallID: conv.PendingQuestionCallID, Payload: string(answerPayload)})

		input := TurnInput{
			ToolOutputs:    outputs,
			PreviousTurnID: conv.LastTurnID,
		}
		e.runCycle(ctx, conv, input, events)
	}()
	return events, nil
}

// runCycle drives STREAMING iterations until the model finishes, asks a
// question or the iteration budget runs out. Any escaping error becomes a
// terminal error event; state persisted before the failure stays intact.
func (e *Engine) runCycle(ctx context.Context, conv *conversation.Conversation, input TurnInput, events chan<- Event) {
	ctx, span := tracing.StartSpan(
		ctx,
		"asiento.agent",
		"agent.cycle",
		attribute.String("conversation_id", conv.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()
	status := "done"
	defer func() {
		observability.RecordTurn(time.Since(start), status)
	}()

	var usage Usage
	tools := e.toolSpecs()
	input.Tools = tools
	prevTurnID := input.PreviousTurnID

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		result, err := e.upstream.StreamTurn(ctx, input, func(ev TurnEvent) {
			switch ev.Type {
			case TurnTextDelta:
				e.emit(ctx, events, Event{Type: EventTextDelta, ConversationID: conv.ID, Text: ev.Text})
			case TurnReasoningDelta:
				e.emit(ctx, events, Event{Type: EventReasoningDelta, ConversationID: conv.ID, Text: ev.Text})
			case TurnCallAdded:
				// Early announcement; full arguments follow when the call
				// completes and executes.
				e.emit(ctx, events, Event{Type: EventToolStart, ConversationID: conv.ID,
					Tool: &ToolEvent{Name: ev.Call.Name, CallID: ev.Call.ID}})
			}
		})
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
			logger.Error().Err(err).Int("iteration", iteration).Msg("Turn failed")
			e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: err.Error()})
			return
		}
		usage.add(result.Usage)

		if result.Text != "" {
			if _, err := e.conversations.AppendMessage(ctx, conv.ID, conversation.RoleAssistant,
				conversation.Content{Text: result.Text}, nil); err != nil {
				logger.Warn().Err(err).Msg("Failed to persist assistant message")
			}
		}

		var questionCall *ToolCall
		var outputs []ToolOutput

		for i := range result.ToolCalls {
			call := result.ToolCalls[i]
			switch call.Name {
			case tooldispatch.TitleToolName:
				title := stringArg(call.Args, "title")
				if err := e.conversations.UpdateTitle(ctx, conv.ID, title); err != nil {
					logger.Warn().Err(err).Msg("Failed to update title")
				}
				e.emit(ctx, events, Event{Type: EventTitleUpdate, ConversationID: conv.ID, Title: title})
				// Acknowledged as a tool output so the model's bookkeeping
				// stays consistent, but it never pauses the loop.
				outputs = append(outputs, ToolOutput{CallID: call.ID, Payload: `{"success":true}`})

			case tooldispatch.QuestionToolName:
				questionCall = &call
				question := questionFromArgs(call.Args)
				e.emit(ctx, events, Event{Type: EventQuestion, ConversationID: conv.ID,
					Question: question, QuestionCallID: call.ID})
				if _, err := e.conversations.AppendMessage(ctx, conv.ID, conversation.RoleQuestion,
					conversation.Content{Question: question}, nil); err != nil {
					logger.Warn().Err(err).Msg("Failed to persist question message")
				}

			default:
				e.emit(ctx, events, Event{Type: EventToolStart, ConversationID: conv.ID,
					Tool: &ToolEvent{Name: call.Name, CallID: call.ID, Args: call.Args}})

				res := e.dispatcher.Execute(ctx, tooldispatch.Request{
					Tool:     call.Name,
					Args:     call.Args,
					TenantID: conv.TenantID,
					UserID:   conv.UserID,
				})
				e.emit(ctx, events, Event{Type: EventToolDone, ConversationID: conv.ID,
					Tool: &ToolEvent{Name: call.Name, CallID: call.ID, Result: &res}})

				payload, err := json.Marshal(res)
				if err != nil {
					payload = []byte(`{"success":false,"summary":"unencodable tool result"}`)
				}
				if _, err := e.conversations.AppendMessage(ctx, conv.ID, conversation.RoleTool,
					conversation.Content{Text: res.Summary}, &conversation.ToolMeta{
						Name:   call.Name,
						CallID: call.ID,
						Input:  json.RawMessage(call.ArgsRaw),
						Output: payload,
					}); err != nil {
					logger.Warn().Err(err).Msg("Failed to persist tool message")
				}
				outputs = append(outputs, ToolOutput{CallID: call.ID, Payload: string(payload)})
			}
		}

		if questionCall != nil {
			// PAUSED_ON_QUESTION: persist everything a resume needs and stop.
			status = "paused"
			pending := make([]conversation.ToolOutputItem, 0, len(outputs))
			for _, out := range outputs {
				pending = append(pending, conversation.ToolOutputItem{CallID: out.CallID, Payload: out.Payload})
			}
			if err := e.conversations.UpdateContinuity(ctx, conv.ID, conversation.Continuity{
				LastTurnID:            result.TurnID,
				ParentTurnID:          prevTurnID,
				LastTurnOutput:        result.RawOutput,
				PendingQuestionCallID: questionCall.ID,
				PendingToolOutputs:    pending,
			}); err != nil {
				status = "error"
				e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: err.Error()})
			}
			return
		}

		if len(outputs) == 0 {
			// DONE: the only path that clears the pause state back to a
			// clean idle conversation.
			if err := e.conversations.UpdateContinuity(ctx, conv.ID, conversation.Continuity{
				LastTurnID: result.TurnID,
			}); err != nil {
				status = "error"
				e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID, Err: err.Error()})
				return
			}
			e.emit(ctx, events, Event{Type: EventDone, ConversationID: conv.ID,
				TurnID: result.TurnID, Usage: &usage})
			return
		}

		// TOOLS_PENDING: submit the collected outputs as the next turn's input.
		prevTurnID = result.TurnID
		input = TurnInput{
			ToolOutputs:    outputs,
			PreviousTurnID: result.TurnID,
			Tools:          tools,
		}
	}

	status = "error"
	logger.Error().Int("max_iterations", e.maxIterations).Msg("Iteration budget exhausted")
	e.emit(ctx, events, Event{Type: EventError, ConversationID: conv.ID,
		Err: fmt.Sprintf("turn did not settle within %d iterations", e.maxIterations)})
}

// emit forwards one event unless the caller has gone away. A cancelled
// context abandons the cycle rather than blocking on a dead consumer.
func (e *Engine) emit(ctx context.Context, events chan<- Event, ev Event) {
	observability.RecordStreamEvent(string(ev.Type))
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (e *Engine) lockConversation(id string) func() {
	e.locksMu.Lock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	e.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (e *Engine) toolSpecs() []ToolSpec {
	defs := e.dispatcher.Definitions()
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.ParameterSchema(),
		})
	}
	return specs
}

func (e *Engine) resolveAttachments(ctx context.Context, tenantID string, refs []AttachmentRef) []ResolvedAttachment {
	if e.attachments == nil || len(refs) == 0 {
		return nil
	}
	resolved, err := e.attachments.Resolve(ctx, tenantID, refs)
	if err != nil {
		// Attachments are an enrichment; the message still goes through.
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().Err(err).Msg("Attachment resolution failed")
		return nil
	}
	return resolved
}

// registerEngineTools adds the question and title tools to the dispatcher
// catalog. Both are intercepted by the engine before dispatch; the handlers
// exist only so a direct Execute yields a coherent failure envelope.
func (e *Engine) registerEngineTools() error {
	if !e.dispatcher.Has(tooldispatch.QuestionToolName) {
		err := e.dispatcher.Register(tooldispatch.Definition{
			Name:        tooldispatch.QuestionToolName,
			Description: "Ask the user a clarifying question and wait for their answer before continuing",
			Parameters: []tooldispatch.Parameter{
				{Name: "question", Type: "string", Description: "The question to ask", Required: true},
				{Name: "options", Type: "array", Description: "Suggested answers the user can pick from"},
				{Name: "allow_free_text", Type: "boolean", Description: "Whether a free-form answer is accepted"},
			},
			Handler: func(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
				return tooldispatch.Failure("handled by the session engine", nil), nil
			},
		})
		if err != nil {
			return err
		}
	}

	if !e.dispatcher.Has(tooldispatch.TitleToolName) {
		err := e.dispatcher.Register(tooldispatch.Definition{
			Name:        tooldispatch.TitleToolName,
			Description: "Set a short descriptive title for this conversation",
			Parameters: []tooldispatch.Parameter{
				{Name: "title", Type: "string", Description: "The new conversation title", Required: true},
			},
			Handler: func(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
				return tooldispatch.Failure("handled by the session engine", nil), nil
			},
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func questionFromArgs(args map[string]interface{}) *conversation.Question {
	q := &conversation.Question{
		Prompt:        stringArg(args, "question"),
		AllowFreeText: true,
	}
	if v, ok := args["allow_free_text"].(bool); ok {
		q.AllowFreeText = v
	}
	if raw, ok := args["options"].([]interface{}); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				q.Options = append(q.Options, s)
			}
		}
	}
	return q
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}
