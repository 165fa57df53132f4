package memstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/asientohq/asiento/internal/observability"
	"github.com/asientohq/asiento/internal/tracing"
	"github.com/asientohq/asiento/pkg/jobqueue"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a record is missing or soft-deleted
var ErrNotFound = errors.New("memory record not found")

// Scope selects which records a query sees
type Scope string

const (
	// ScopeTenant matches organization-wide facts (no user id).
	ScopeTenant Scope = "tenant"
	// ScopeUser matches only the caller's personal facts.
	ScopeUser Scope = "user"
	// ScopeAll unions tenant facts with the caller's personal facts.
	ScopeAll Scope = "all"
)

// Record is a tenant-scoped (optionally user-scoped) durable fact. It is
// created without an embedding; the embedding is attached asynchronously by
// a background job.
type Record struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id,omitempty"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Importance int       `json:"importance"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StoreInput holds the fields of a new record
type StoreInput struct {
	TenantID   string
	UserID     string // empty for an organization-wide fact
	Content    string
	Category   string
	Importance int
}

// Patch holds partial updates; nil fields are left untouched
type Patch struct {
	Content    *string
	Category   *string
	Importance *int
}

// Query selects records for List
type Query struct {
	TenantID string
	UserID   string
	Scope    Scope
	Limit    int
	Offset   int
}

// Config holds memory store configuration
type Config struct {
	DBPath         string
	Queue          *jobqueue.Queue
	APIKey         string
	EmbeddingModel string
	Provider       Provider // optional, overrides the shared client cache
	Logger         zerolog.Logger
	ContextLimit   int // records injected per conversation, default 8
}

// Store persists memory records in SQLite and answers similarity queries
// over sqlite-vec embeddings, degrading to recency/importance ordering when
// no embedding is available.
type Store struct {
	db           *sql.DB
	queue        *jobqueue.Queue
	provider     Provider
	logger       zerolog.Logger
	contextLimit int
}

// New creates a new memory store
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	p := filepath.Clean(strings.TrimSpace(cfg.DBPath))
	if p == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	provider := cfg.Provider
	if provider == nil && cfg.APIKey != "" {
		provider = Clients.ForKey(cfg.APIKey, cfg.EmbeddingModel)
	}

	db, err := sql.Open("sqlite3", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	contextLimit := cfg.ContextLimit
	if contextLimit <= 0 {
		contextLimit = 8
	}

	s := &Store{
		db:           db,
		queue:        cfg.Queue,
		provider:     provider,
		logger:       cfg.Logger,
		contextLimit: contextLimit,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s.logger.Info().
		Bool("embeddings", provider != nil).
		Msg("Memory store initialized")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT,
			content TEXT NOT NULL,
			category TEXT NOT NULL,
			importance INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_tenant ON memories(tenant_id, is_active);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Vector table only makes sense with a provider to fill it.
	if s.provider != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_embeddings USING vec0(
				memory_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.provider.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Close closes the store
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store inserts a record without an embedding, enqueues embedding generation
// as a background job, and returns immediately. The record is visible in
// List even before its embedding exists.
func (s *Store) Store(ctx context.Context, in StoreInput) (*Record, error) {
	if in.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("content is required")
	}
	if in.Importance < 1 || in.Importance > 10 {
		return nil, fmt.Errorf("importance must be between 1 and 10, got %d", in.Importance)
	}
	if in.Category == "" {
		in.Category = "GENERAL"
	}

	now := time.Now()
	rec := &Record{
		ID:         uuid.New().String(),
		TenantID:   in.TenantID,
		UserID:     in.UserID,
		Content:    in.Content,
		Category:   strings.ToUpper(in.Category),
		Importance: in.Importance,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, tenant_id, user_id, content, category, importance, content_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, rec.ID, rec.TenantID, nullableUserID(rec.UserID), rec.Content, rec.Category,
		rec.Importance, contentHash(rec.Content), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	s.logger.Debug().
		Str("memory_id", rec.ID).
		Str("tenant_id", rec.TenantID).
		Str("category", rec.Category).
		Msg("Memory stored")

	s.updateRecordGauge(ctx)
	s.enqueueEmbedding(rec.ID)
	return rec, nil
}

// Update applies a partial update to an active record; a content change
// re-enqueues embedding generation.
func (s *Store) Update(ctx context.Context, id, tenantID string, patch Patch) (*Record, error) {
	rec, err := s.get(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if patch.Content != nil && *patch.Content != rec.Content {
		if strings.TrimSpace(*patch.Content) == "" {
			return nil, errors.New("content is required")
		}
		rec.Content = *patch.Content
		contentChanged = true
	}
	if patch.Category != nil {
		rec.Category = strings.ToUpper(*patch.Category)
	}
	if patch.Importance != nil {
		if *patch.Importance < 1 || *patch.Importance > 10 {
			return nil, fmt.Errorf("importance must be between 1 and 10, got %d", *patch.Importance)
		}
		rec.Importance = *patch.Importance
	}

	rec.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE memories
		SET content = ?, category = ?, importance = ?, content_hash = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND is_active = 1
	`, rec.Content, rec.Category, rec.Importance, contentHash(rec.Content),
		rec.UpdatedAt.UnixMilli(), id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}

	if contentChanged {
		s.enqueueEmbedding(rec.ID)
	}
	return rec, nil
}

// Delete soft-deletes a record. The embedding row is left in place; search
// filters on the active flag so it can never surface.
func (s *Store) Delete(ctx context.Context, id, tenantID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET is_active = 0, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND is_active = 1
	`, time.Now().UnixMilli(), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug().Str("memory_id", id).Msg("Memory soft-deleted")
	s.updateRecordGauge(ctx)
	return nil
}

// List returns active records ordered by importance descending, then
// recency descending. No embedding is required.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	if q.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	where, args := scopeClause(q.TenantID, q.UserID, q.Scope)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, content, category, importance, is_active, created_at, updated_at
		FROM memories
		WHERE is_active = 1 AND `+where+`
		ORDER BY importance DESC, updated_at DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Search ranks active embedded records by cosine similarity to the query.
// It never fails for embedding reasons: a missing provider or a failed
// embedding call degrades to List with the same scope and limit, because
// the result feeds a best-effort prompt-augmentation path.
func (s *Store) Search(ctx context.Context, tenantID, userID, query string, scope Scope, limit int) ([]Record, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"asiento.memstore",
		"memory.search",
		attribute.String("scope", string(scope)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() {
		observability.RecordMemorySearch(time.Since(start))
	}()

	if limit <= 0 {
		limit = 10
	}

	if s.provider == nil {
		observability.RecordMemoryFallback()
		return s.List(ctx, Query{TenantID: tenantID, UserID: userID, Scope: scope, Limit: limit})
	}

	embedding, err := s.provider.GenerateEmbedding(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("Query embedding failed, falling back to list")
		observability.RecordMemoryFallback()
		return s.List(ctx, Query{TenantID: tenantID, UserID: userID, Scope: scope, Limit: limit})
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		logger.Warn().Err(err).Msg("Embedding encoding failed, falling back to list")
		observability.RecordMemoryFallback()
		return s.List(ctx, Query{TenantID: tenantID, UserID: userID, Scope: scope, Limit: limit})
	}

	// Candidates are constrained to the caller's scope up front; another
	// tenant's vectors must never crowd in-scope records out of the set.
	where, scopeArgs := scopeClause(tenantID, userID, scope)
	args := append([]interface{}{string(embeddingJSON)}, scopeArgs...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, vec_distance_cosine(embedding, ?) AS distance
		FROM memory_embeddings
		WHERE memory_id IN (SELECT id FROM memories WHERE is_active = 1 AND `+where+`)
		ORDER BY distance ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var memoryID string
		var distance float64
		if err := rows.Scan(&memoryID, &distance); err != nil {
			return nil, err
		}
		candidates = append(candidates, memoryID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Record, 0, limit)
	for _, id := range candidates {
		if len(results) >= limit {
			break
		}
		rec, err := s.getInScope(ctx, id, tenantID, userID, scope)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		results = append(results, *rec)
	}

	logger.Debug().
		Int("candidates", len(candidates)).
		Int("results", len(results)).
		Msg("Memory search completed")

	return results, nil
}

// get loads an active record scoped to its tenant
func (s *Store) get(ctx context.Context, id, tenantID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, content, category, importance, is_active, created_at, updated_at
		FROM memories
		WHERE id = ? AND tenant_id = ? AND is_active = 1
	`, id, tenantID)
	return scanRecord(row)
}

// getInScope loads an active record only if it falls within the scope
func (s *Store) getInScope(ctx context.Context, id, tenantID, userID string, scope Scope) (*Record, error) {
	where, args := scopeClause(tenantID, userID, scope)
	args = append([]interface{}{id}, args...)

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, content, category, importance, is_active, created_at, updated_at
		FROM memories
		WHERE id = ? AND is_active = 1 AND `+where,
		args...)
	return scanRecord(row)
}

// enqueueEmbedding schedules background embedding generation. Fire and
// forget: losing the job only loses the enrichment, never the record.
func (s *Store) enqueueEmbedding(id string) {
	if s.provider == nil {
		return
	}
	s.queue.Enqueue("memory-embed:"+id, func(ctx context.Context) error {
		return s.generateEmbedding(ctx, id)
	})
}

// generateEmbedding embeds a record's content and writes the vector. The
// content hash is snapshotted before the provider call and checked again
// before the write, so an embedding computed for stale content is discarded
// instead of overwriting a newer one.
func (s *Store) generateEmbedding(ctx context.Context, id string) error {
	var content, hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT content, content_hash FROM memories WHERE id = ? AND is_active = 1
	`, id).Scan(&content, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted while the job was queued; nothing to embed.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load memory %s: %w", id, err)
	}

	embedding, err := s.provider.GenerateEmbedding(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed memory %s: %w", id, err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	var currentHash string
	err = s.db.QueryRowContext(ctx, `
		SELECT content_hash FROM memories WHERE id = ? AND is_active = 1
	`, id).Scan(&currentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to recheck memory %s: %w", id, err)
	}
	if currentHash != hash {
		s.logger.Debug().Str("memory_id", id).Msg("Content changed during embedding, discarding stale vector")
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear old embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, embedding) VALUES (?, ?)
	`, id, string(embeddingJSON)); err != nil {
		return fmt.Errorf("failed to write embedding: %w", err)
	}

	s.logger.Debug().Str("memory_id", id).Msg("Embedding stored")
	return nil
}

func (s *Store) updateRecordGauge(ctx context.Context) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE is_active = 1`).Scan(&count); err == nil {
		observability.SetMemoryRecords(count)
	}
}

func scopeClause(tenantID, userID string, scope Scope) (string, []interface{}) {
	switch scope {
	case ScopeUser:
		return "tenant_id = ? AND user_id = ?", []interface{}{tenantID, userID}
	case ScopeAll:
		return "tenant_id = ? AND (user_id IS NULL OR user_id = ?)", []interface{}{tenantID, userID}
	default:
		return "tenant_id = ? AND user_id IS NULL", []interface{}{tenantID}
	}
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var userID sql.NullString
	var active int
	var createdAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.TenantID, &userID, &rec.Content, &rec.Category,
		&rec.Importance, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan memory: %w", err)
	}

	rec.UserID = userID.String
	rec.IsActive = active == 1
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var userID sql.NullString
		var active int
		var createdAt, updatedAt int64

		if err := rows.Scan(&rec.ID, &rec.TenantID, &userID, &rec.Content, &rec.Category,
			&rec.Importance, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}

		rec.UserID = userID.String
		rec.IsActive = active == 1
		rec.CreatedAt = time.UnixMilli(createdAt)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableUserID(userID string) interface{} {
	if userID == "" {
		return nil
	}
	return userID
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
