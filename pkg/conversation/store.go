package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asientohq/asiento/internal/observability"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a conversation does not exist
var ErrNotFound = errors.New("conversation not found")

// Store is a local SQLite-backed persistence layer for conversations and
// their append-only message log. WAL is enabled so readers do not block the
// single writer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the conversation database at path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.Info().Str("path", p).Msg("Conversation store opened")
	return &Store{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			last_turn_id TEXT NOT NULL DEFAULT '',
			parent_turn_id TEXT NOT NULL DEFAULT '',
			last_turn_output TEXT NOT NULL DEFAULT '',
			pending_question_call_id TEXT NOT NULL DEFAULT '',
			pending_tool_outputs TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, user_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_meta TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the store
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindOrCreate loads the conversation by id, or creates a fresh one when id
// is empty. A fresh conversation gets a nanoid public id and empty
// continuity state.
func (s *Store) FindOrCreate(ctx context.Context, id, userID, tenantID string) (*Conversation, error) {
	if id != "" {
		conv, err := s.Get(ctx, id, tenantID)
		if err != nil {
			return nil, err
		}
		return conv, nil
	}

	newID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversation id: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, newID, tenantID, userID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Info().
		Str("conversation_id", newID).
		Str("tenant_id", tenantID).
		Msg("Conversation created")

	return &Conversation{
		ID:        newID,
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get loads a conversation scoped to its tenant
func (s *Store) Get(ctx context.Context, id, tenantID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, title, last_turn_id, parent_turn_id,
		       last_turn_output, pending_question_call_id, pending_tool_outputs,
		       created_at, updated_at
		FROM conversations
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	var conv Conversation
	var lastOutput, pendingOutputs string
	var createdAt, updatedAt int64

	err := row.Scan(&conv.ID, &conv.TenantID, &conv.UserID, &conv.Title,
		&conv.LastTurnID, &conv.ParentTurnID, &lastOutput, &conv.PendingQuestionCallID,
		&pendingOutputs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if lastOutput != "" {
		conv.LastTurnOutput = json.RawMessage(lastOutput)
	}
	if pendingOutputs != "" {
		if err := json.Unmarshal([]byte(pendingOutputs), &conv.PendingToolOutputs); err != nil {
			return nil, fmt.Errorf("failed to decode pending tool outputs: %w", err)
		}
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)

	return &conv, nil
}

// UpdateContinuity persists the turn continuity fields after a turn cycle
func (s *Store) UpdateContinuity(ctx context.Context, id string, cont Continuity) error {
	start := time.Now()
	defer func() {
		observability.RecordConversationSave(time.Since(start))
	}()

	pendingJSON := ""
	if len(cont.PendingToolOutputs) > 0 {
		data, err := json.Marshal(cont.PendingToolOutputs)
		if err != nil {
			return fmt.Errorf("failed to encode pending tool outputs: %w", err)
		}
		pendingJSON = string(data)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_turn_id = ?, parent_turn_id = ?, last_turn_output = ?,
		    pending_question_call_id = ?, pending_tool_outputs = ?, updated_at = ?
		WHERE id = ?
	`, cont.LastTurnID, cont.ParentTurnID, string(cont.LastTurnOutput),
		cont.PendingQuestionCallID, pendingJSON, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update continuity: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTitle sets the conversation title (agent-settable)
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update title: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts an immutable message row
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content Content, tool *ToolMeta) (*Message, error) {
	start := time.Now()
	defer func() {
		observability.RecordConversationSave(time.Since(start))
	}()

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	var toolJSON sql.NullString
	if tool != nil {
		data, err := json.Marshal(tool)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool metadata: %w", err)
		}
		toolJSON = sql.NullString{String: string(data), Valid: true}
	}

	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tool:           tool,
		CreatedAt:      time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, string(role), string(contentJSON), toolJSON, msg.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return &msg, nil
}

// ListMessages returns all messages of a conversation in insertion order
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_meta, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var role, content string
		var toolJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &content, &toolJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.Role = Role(role)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		if toolJSON.Valid {
			var meta ToolMeta
			if err := json.Unmarshal([]byte(toolJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("failed to decode tool metadata: %w", err)
			}
			msg.Tool = &meta
		}
		msg.CreatedAt = time.UnixMilli(createdAt)

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// List returns conversations of a tenant ordered by last update descending
func (s *Store) List(ctx context.Context, tenantID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, title, last_turn_id, parent_turn_id,
		       last_turn_output, pending_question_call_id, pending_tool_outputs,
		       created_at, updated_at
		FROM conversations
		WHERE tenant_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		var lastOutput, pendingOutputs string
		var createdAt, updatedAt int64

		if err := rows.Scan(&conv.ID, &conv.TenantID, &conv.UserID, &conv.Title,
			&conv.LastTurnID, &conv.ParentTurnID, &lastOutput, &conv.PendingQuestionCallID,
			&pendingOutputs, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}

		if lastOutput != "" {
			conv.LastTurnOutput = json.RawMessage(lastOutput)
		}
		if pendingOutputs != "" {
			if err := json.Unmarshal([]byte(pendingOutputs), &conv.PendingToolOutputs); err != nil {
				return nil, fmt.Errorf("failed to decode pending tool outputs: %w", err)
			}
		}
		conv.CreatedAt = time.UnixMilli(createdAt)
		conv.UpdatedAt = time.UnixMilli(updatedAt)

		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// Delete removes a conversation and its messages
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id = ? AND tenant_id = ?
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	// Messages are removed explicitly; the foreign key cascade only runs
	// when foreign_keys is enabled on the connection.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	s.logger.Info().Str("conversation_id", id).Msg("Conversation deleted")
	return nil
}
