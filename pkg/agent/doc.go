// Package agent drives multi-turn model sessions with streaming output,
// tool execution and resumable pauses.
//
// A cycle runs one inbound user message (or question answer) through up to
// a bounded number of model turns: text and reasoning increments are pushed
// to the caller as they arrive, complete tool calls are executed through
// tooldispatch, and their outputs are submitted as the next turn's input.
// The ask_user_question tool suspends the cycle; the conversation store
// keeps the paused turn id and the outputs of every other tool from that
// turn so Answer can resume exactly where the model stopped.
//
// Invariants:
// - At most one cycle runs per conversation at a time.
// - Event delivery order matches generation order, and every stream ends
//   with a question, done or error event before the channel closes.
// - Tool calls route through tooldispatch only; question and title calls
//   are intercepted by the engine and never dispatched.
// - A failed turn leaves already persisted messages intact.
//
// Usage:
//
//	engine, _ := agent.New(agent.Config{
//		Upstream:      agent.NewOpenAISession(apiKey, model),
//		Dispatcher:    dispatcher,
//		Conversations: conversations,
//		Memories:      memories,
//		Logger:        logger,
//	})
//	events, err := engine.SendMessage(ctx, agent.MessageRequest{
//		TenantID: tenantID,
//		UserID:   userID,
//		Text:     "How many unpaid invoices do we have?",
//	})
package agent
