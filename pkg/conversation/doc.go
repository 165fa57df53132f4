// Package conversation persists conversations and their append-only message
// log in a local SQLite database.
//
// A conversation carries the continuity state of the agent turn cycle:
// the last upstream turn id, its parent, the raw final output of the last
// turn, and any tool outputs that were produced after the turn was suspended
// by a user-facing question. That state is what allows a paused conversation
// to resume exactly where it left off.
//
// Invariants:
//   - Messages are immutable once appended and are returned in insertion
//     order.
//   - All reads and deletes are scoped by tenant id.
//   - A conversation with a pending question call id is paused and must be
//     resumed with an answer before accepting a new user message.
//
// Usage:
//
//	store, err := conversation.Open(dbPath, logger)
//	if err != nil { ... }
//	defer store.Close()
//
//	conv, err := store.FindOrCreate(ctx, "", userID, tenantID)
package conversation
