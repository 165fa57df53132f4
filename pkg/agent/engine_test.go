package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asientohq/asiento/pkg/conversation"
	"github.com/asientohq/asiento/pkg/tooldispatch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTurn struct {
	events []TurnEvent
	result TurnResult
	err    error
}

// fakeUpstream replays scripted turns and records every input it was given.
// onTurn, when set, runs at the start of each turn before any events fire.
type fakeUpstream struct {
	mu     sync.Mutex
	turns  []scriptedTurn
	onTurn func(ctx context.Context, idx int)
	inputs []TurnInput
}

func (f *fakeUpstream) StreamTurn(ctx context.Context, input TurnInput, onEvent func(TurnEvent)) (TurnResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	idx := len(f.inputs) - 1
	hook := f.onTurn
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, idx)
	}

	turn := f.turns[len(f.turns)-1]
	if idx < len(f.turns) {
		turn = f.turns[idx]
	}
	for _, ev := range turn.events {
		onEvent(ev)
	}
	return turn.result, turn.err
}

func (f *fakeUpstream) input(i int) TurnInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[i]
}

func (f *fakeUpstream) inputCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func textTurn(id, text string) scriptedTurn {
	return scriptedTurn{
		events: []TurnEvent{{Type: TurnTextDelta, Text: text}},
		result: TurnResult{
			TurnID:    id,
			Text:      text,
			RawOutput: json.RawMessage(`[]`),
			Usage:     Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
}

func callTurn(id string, calls ...ToolCall) scriptedTurn {
	return scriptedTurn{
		result: TurnResult{
			TurnID:    id,
			ToolCalls: calls,
			RawOutput: json.RawMessage(`[{"type":"function_call"}]`),
			Usage:     Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
}

type testEnv struct {
	engine        *Engine
	upstream      *fakeUpstream
	conversations *conversation.Store
	dispatcher    *tooldispatch.Dispatcher
}

func newTestEnv(t *testing.T, upstream *fakeUpstream, maxIterations int) *testEnv {
	t.Helper()

	store, err := conversation.Open(filepath.Join(t.TempDir(), "conversations.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dispatcher := tooldispatch.New(zerolog.Nop())
	require.NoError(t, dispatcher.Register(tooldispatch.Definition{
		Name:        "list_invoices",
		Description: "List invoices by status",
		Parameters: []tooldispatch.Parameter{
			{Name: "status", Type: "string", Description: "Invoice status filter"},
		},
		Handler: func(ctx context.Context, req tooldispatch.Request) (tooldispatch.Result, error) {
			return tooldispatch.Result{
				Success: true,
				Data:    map[string]interface{}{"count": 3},
				Summary: "3 invoices",
			}, nil
		},
	}))

	engine, err := New(Config{
		Upstream:      upstream,
		Dispatcher:    dispatcher,
		Conversations: store,
		Logger:        zerolog.Nop(),
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, upstream: upstream, conversations: store, dispatcher: dispatcher}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestSimpleAnswer(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{textTurn("turn-1", "You have 3 unpaid invoices.")}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", UserID: "user-1", Text: "unpaid invoices?"})
	require.NoError(t, err)

	got := collect(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventTextDelta, got[0].Type)

	last := got[len(got)-1]
	require.Equal(t, EventDone, last.Type)
	assert.Equal(t, "turn-1", last.TurnID)
	require.NotNil(t, last.Usage)
	assert.EqualValues(t, 10, last.Usage.InputTokens)

	conv, err := env.conversations.Get(ctx, last.ConversationID, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "turn-1", conv.LastTurnID)
	assert.False(t, conv.Paused())

	messages, err := env.conversations.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, conversation.RoleUser, messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, messages[1].Role)
}

func TestFirstTurnCarriesPreamble(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{textTurn("turn-1", "ok"), textTurn("turn-2", "still ok")}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "hello"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	assert.NotEmpty(t, upstream.input(0).Preamble)
	assert.Empty(t, upstream.input(0).PreviousTurnID)

	events, err = env.engine.SendMessage(ctx, MessageRequest{ConversationID: convID, TenantID: "tenant-1", Text: "again"})
	require.NoError(t, err)
	collect(t, events)

	assert.Empty(t, upstream.input(1).Preamble)
	assert.Equal(t, "turn-1", upstream.input(1).PreviousTurnID)
}

func TestToolLoop(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{
			ID:      "call-1",
			Name:    "list_invoices",
			ArgsRaw: `{"status":"unpaid"}`,
			Args:    map[string]interface{}{"status": "unpaid"},
		}),
		textTurn("turn-2", "You have 3 unpaid invoices."),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "unpaid invoices?"})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, []EventType{EventToolStart, EventToolDone, EventTextDelta, EventDone}, types(got))
	require.NotNil(t, got[1].Tool.Result)
	assert.True(t, got[1].Tool.Result.Success)

	// The tool output is submitted as the next turn's input, layered on the
	// turn that requested it.
	second := upstream.input(1)
	require.Len(t, second.ToolOutputs, 1)
	assert.Equal(t, "call-1", second.ToolOutputs[0].CallID)
	assert.Equal(t, "turn-1", second.PreviousTurnID)

	conv, err := env.conversations.Get(ctx, got[len(got)-1].ConversationID, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "turn-2", conv.LastTurnID)

	messages, err := env.conversations.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, conversation.RoleTool, messages[1].Role)
	require.NotNil(t, messages[1].Tool)
	assert.Equal(t, "list_invoices", messages[1].Tool.Name)
}

func TestUnknownToolFedBackAsFailure(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{ID: "call-1", Name: "no_such_tool", Args: map[string]interface{}{}}),
		textTurn("turn-2", "recovered"),
	}}
	env := newTestEnv(t, upstream, 0)

	events, err := env.engine.SendMessage(context.Background(), MessageRequest{TenantID: "tenant-1", Text: "hi"})
	require.NoError(t, err)
	got := collect(t, events)

	// The failure envelope goes back to the model; the cycle still ends done.
	assert.Equal(t, EventDone, got[len(got)-1].Type)

	var payload tooldispatch.Result
	require.NoError(t, json.Unmarshal([]byte(upstream.input(1).ToolOutputs[0].Payload), &payload))
	assert.False(t, payload.Success)
}

func TestTitleUpdateHandledInline(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{
			ID:   "call-t",
			Name: tooldispatch.TitleToolName,
			Args: map[string]interface{}{"title": "Unpaid invoices"},
		}),
		textTurn("turn-2", "done"),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "hi"})
	require.NoError(t, err)
	got := collect(t, events)

	require.Equal(t, EventTitleUpdate, got[0].Type)
	assert.Equal(t, "Unpaid invoices", got[0].Title)

	// The acknowledgment is still submitted as a tool output.
	require.Len(t, upstream.input(1).ToolOutputs, 1)
	assert.Equal(t, "call-t", upstream.input(1).ToolOutputs[0].CallID)

	conv, err := env.conversations.Get(ctx, got[0].ConversationID, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "Unpaid invoices", conv.Title)
}

func TestQuestionPausesCycle(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-2",
			ToolCall{ID: "call-1", Name: "list_invoices", ArgsRaw: `{}`, Args: map[string]interface{}{}},
			ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{
				"question": "Which quarter?",
				"options":  []interface{}{"Q1", "Q2"},
			}},
		),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "report please"})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	// Question is terminal for the cycle: no done event follows.
	found := false
	for _, ev := range got {
		require.NotEqual(t, EventDone, ev.Type)
		if ev.Type == EventQuestion {
			found = true
			assert.Equal(t, "Which quarter?", ev.Question.Prompt)
			assert.Equal(t, []string{"Q1", "Q2"}, ev.Question.Options)
			assert.Equal(t, "call-q", ev.QuestionCallID)
		}
	}
	require.True(t, found)

	conv, err := env.conversations.Get(ctx, last.ConversationID, "tenant-1")
	require.NoError(t, err)
	assert.True(t, conv.Paused())
	assert.Equal(t, "call-q", conv.PendingQuestionCallID)
	assert.Equal(t, "turn-2", conv.LastTurnID)
	require.Len(t, conv.PendingToolOutputs, 1)
	assert.Equal(t, "call-1", conv.PendingToolOutputs[0].CallID)
	assert.NotEmpty(t, conv.LastTurnOutput)
}

func TestQuestionAfterTwoToolsPersistsBothOutputs(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		textTurn("turn-1", "Hello."),
		callTurn("turn-2",
			ToolCall{ID: "call-1", Name: "list_invoices", ArgsRaw: `{}`, Args: map[string]interface{}{}},
			ToolCall{ID: "call-2", Name: "list_invoices", ArgsRaw: `{"status":"open"}`, Args: map[string]interface{}{"status": "open"}},
			ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{
				"question": "Which quarter?",
			}},
		),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "hi"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	events, err = env.engine.SendMessage(ctx, MessageRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		Text:           "report please",
	})
	require.NoError(t, err)
	collect(t, events)

	conv, err := env.conversations.Get(ctx, convID, "tenant-1")
	require.NoError(t, err)
	assert.True(t, conv.Paused())
	assert.Equal(t, "turn-2", conv.LastTurnID)
	// The paused turn was sent with turn-1 as its previous turn id.
	assert.Equal(t, "turn-1", env.upstream.input(1).PreviousTurnID)
	assert.Equal(t, "turn-1", conv.ParentTurnID)
	require.Len(t, conv.PendingToolOutputs, 2)
	assert.Equal(t, "call-1", conv.PendingToolOutputs[0].CallID)
	assert.Equal(t, "call-2", conv.PendingToolOutputs[1].CallID)
}

func TestAnswerResumesPausedConversation(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{
			"question": "Which quarter?",
		}}),
		textTurn("turn-2", "Q2 report coming up."),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "report please"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	events, err = env.engine.Answer(ctx, AnswerRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		QuestionCallID: "call-q",
		Answer:         "Q2",
	})
	require.NoError(t, err)
	got = collect(t, events)
	assert.Equal(t, EventDone, got[len(got)-1].Type)

	// Resume layers onto the paused turn and submits the answer output.
	resume := env.upstream.input(1)
	assert.Equal(t, "turn-1", resume.PreviousTurnID)
	require.Len(t, resume.ToolOutputs, 1)
	assert.Equal(t, "call-q", resume.ToolOutputs[0].CallID)
	assert.Contains(t, resume.ToolOutputs[0].Payload, "Q2")

	conv, err := env.conversations.Get(ctx, convID, "tenant-1")
	require.NoError(t, err)
	assert.False(t, conv.Paused())
	assert.Equal(t, "turn-2", conv.LastTurnID)
}

func TestAnswerSubmitsPendingOutputsBeforeAnswer(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1",
			ToolCall{ID: "call-1", Name: "list_invoices", ArgsRaw: `{}`, Args: map[string]interface{}{}},
			ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{"question": "Which?"}},
		),
		textTurn("turn-2", "done"),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	events, err = env.engine.Answer(ctx, AnswerRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		QuestionCallID: "call-q",
		Answer:         "this one",
	})
	require.NoError(t, err)
	collect(t, events)

	resume := env.upstream.input(1)
	require.Len(t, resume.ToolOutputs, 2)
	assert.Equal(t, "call-1", resume.ToolOutputs[0].CallID)
	assert.Equal(t, "call-q", resume.ToolOutputs[1].CallID)
}

func TestAnswerStaleQuestion(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{"question": "Which?"}}),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	_, err = env.engine.Answer(ctx, AnswerRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		QuestionCallID: "call-other",
		Answer:         "x",
	})
	assert.ErrorIs(t, err, ErrStaleQuestion)
}

func TestAnswerWithoutPendingQuestion(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{textTurn("turn-1", "hi")}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	_, err = env.engine.Answer(ctx, AnswerRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		QuestionCallID: "call-q",
		Answer:         "x",
	})
	assert.ErrorIs(t, err, ErrStaleQuestion)
}

func TestSendMessageRejectedWhilePaused(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-1", ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{"question": "Which?"}}),
	}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	_, err = env.engine.SendMessage(ctx, MessageRequest{ConversationID: convID, TenantID: "tenant-1", Text: "more"})
	assert.ErrorIs(t, err, ErrConversationPaused)
}

func TestIterationBudget(t *testing.T) {
	// Every turn requests another tool call; the loop must terminate.
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-x", ToolCall{ID: "call-x", Name: "list_invoices", ArgsRaw: `{}`, Args: map[string]interface{}{}}),
	}}
	env := newTestEnv(t, upstream, 3)

	events, err := env.engine.SendMessage(context.Background(), MessageRequest{TenantID: "tenant-1", Text: "loop"})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Err, "3 iterations")
	assert.Equal(t, 3, upstream.inputCount())
}

func TestUpstreamErrorBecomesTerminalErrorEvent(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{{err: errors.New("connection reset")}}}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	got := collect(t, events)

	last := got[len(got)-1]
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Err, "connection reset")

	// The user message persisted before the failure is left intact.
	messages, err := env.conversations.ListMessages(ctx, last.ConversationID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, conversation.RoleUser, messages[0].Role)
}

func TestConcurrentSendMessagesSerialize(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		textTurn("turn-1", "one"),
		textTurn("turn-2", "two"),
		textTurn("turn-3", "three"),
	}}
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	upstream.onTurn = func(ctx context.Context, idx int) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "hello"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	var wg sync.WaitGroup
	results := make([][]Event, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events, err := env.engine.SendMessage(ctx, MessageRequest{
				ConversationID: convID,
				TenantID:       "tenant-1",
				Text:           "again",
			})
			require.NoError(t, err)
			results[i] = collect(t, events)
		}(i)
	}
	wg.Wait()

	// One turn-cycle per conversation at a time; the second cycle waits for
	// the first instead of interleaving.
	assert.Equal(t, 1, maxInFlight)
	for _, got := range results {
		assert.Equal(t, EventDone, got[len(got)-1].Type)
	}

	conv, err := env.conversations.Get(ctx, convID, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "turn-3", conv.LastTurnID)
}

func TestDisconnectAbandonsCycle(t *testing.T) {
	started := make(chan struct{})
	upstream := &fakeUpstream{turns: []scriptedTurn{{err: context.Canceled}}}
	upstream.onTurn = func(ctx context.Context, idx int) {
		close(started)
		<-ctx.Done()
	}
	env := newTestEnv(t, upstream, 0)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "hello"})
	require.NoError(t, err)

	<-started
	cancel()

	got := collect(t, events)
	for _, ev := range got {
		require.NotEqual(t, EventDone, ev.Type)
	}

	// The user message row survives; no continuity is written for the
	// abandoned turn.
	verifyCtx := context.Background()
	convs, err := env.conversations.List(verifyCtx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].LastTurnID)

	msgs, err := env.conversations.ListMessages(verifyCtx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
}

func TestConcurrentAnswersResolveToOneResume(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{
		callTurn("turn-paused", ToolCall{ID: "call-q", Name: tooldispatch.QuestionToolName, Args: map[string]interface{}{
			"question": "Which quarter?",
		}}),
		textTurn("turn-resumed", "Q2 report coming up."),
	}}
	entered := make(chan struct{})
	release := make(chan struct{})
	upstream.onTurn = func(ctx context.Context, idx int) {
		if idx == 1 {
			close(entered)
			<-release
		}
	}
	env := newTestEnv(t, upstream, 0)
	ctx := context.Background()

	events, err := env.engine.SendMessage(ctx, MessageRequest{TenantID: "tenant-1", Text: "report please"})
	require.NoError(t, err)
	got := collect(t, events)
	convID := got[len(got)-1].ConversationID

	req := AnswerRequest{
		ConversationID: convID,
		TenantID:       "tenant-1",
		QuestionCallID: "call-q",
		Answer:         "Q2",
	}
	first, err := env.engine.Answer(ctx, req)
	require.NoError(t, err)
	<-entered

	// The question is still marked pending, so a second answer passes the
	// synchronous check and must be caught by the re-read under the lock.
	second, err := env.engine.Answer(ctx, req)
	require.NoError(t, err)
	close(release)

	firstGot := collect(t, first)
	assert.Equal(t, EventDone, firstGot[len(firstGot)-1].Type)

	secondGot := collect(t, second)
	require.Len(t, secondGot, 1)
	assert.Equal(t, EventError, secondGot[0].Type)
	assert.Contains(t, secondGot[0].Err, "pending question")

	// Exactly one resume submission reached the upstream.
	assert.Equal(t, 2, env.upstream.inputCount())

	conv, err := env.conversations.Get(ctx, convID, "tenant-1")
	require.NoError(t, err)
	assert.False(t, conv.Paused())
	assert.Equal(t, "turn-resumed", conv.LastTurnID)
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, tenantID string, refs []AttachmentRef) ([]ResolvedAttachment, error) {
	return nil, errors.New("files service unavailable")
}

func TestAttachmentFailureDoesNotBlockMessage(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{textTurn("turn-1", "Done.")}}
	store, err := conversation.Open(filepath.Join(t.TempDir(), "conversations.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := New(Config{
		Upstream:      upstream,
		Dispatcher:    tooldispatch.New(zerolog.Nop()),
		Conversations: store,
		Attachments:   failingResolver{},
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	events, err := engine.SendMessage(context.Background(), MessageRequest{
		TenantID:    "tenant-1",
		Text:        "see the attached invoice",
		Attachments: []AttachmentRef{{ID: "doc-1", Name: "invoice.pdf"}},
	})
	require.NoError(t, err)
	got := collect(t, events)

	assert.Equal(t, EventDone, got[len(got)-1].Type)
	assert.Empty(t, upstream.input(0).Attachments)
}

func TestEngineToolsRegistered(t *testing.T) {
	upstream := &fakeUpstream{turns: []scriptedTurn{textTurn("turn-1", "hi")}}
	env := newTestEnv(t, upstream, 0)

	assert.True(t, env.dispatcher.Has(tooldispatch.QuestionToolName))
	assert.True(t, env.dispatcher.Has(tooldispatch.TitleToolName))

	// The full catalog is offered to the model.
	events, err := env.engine.SendMessage(context.Background(), MessageRequest{TenantID: "tenant-1", Text: "go"})
	require.NoError(t, err)
	collect(t, events)

	names := map[string]bool{}
	for _, spec := range env.upstream.input(0).Tools {
		names[spec.Name] = true
	}
	assert.True(t, names["list_invoices"])
	assert.True(t, names[tooldispatch.QuestionToolName])
	assert.True(t, names[tooldispatch.TitleToolName])
}
