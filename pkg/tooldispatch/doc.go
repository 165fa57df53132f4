// Package tooldispatch maps tool names to typed handlers and executes tool
// calls on behalf of the agent session engine.
//
// Every invocation resolves to the same envelope: success flag, payload and
// a human-readable summary. Unknown tool names, schema-invalid arguments,
// handler errors and handler panics all become failure envelopes; a tool
// failure is fed back to the model as a tool result, never allowed to abort
// the turn that requested it.
//
// Invariants:
//   - Execute never panics and never returns an error.
//   - Arguments are validated against a JSON Schema generated from the
//     registered parameter list before the handler runs.
//   - ask_user_question is recognized by name but not executed: suspending
//     the turn is the session engine's responsibility.
package tooldispatch
