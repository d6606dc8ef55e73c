package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yuchenglin/chatstream/internal/domain"
	"github.com/yuchenglin/chatstream/internal/shared"
	_ "modernc.org/sqlite"
)

// summaryWriteRetries bounds retry attempts on SQLITE_BUSY conflicts.
const summaryWriteRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL,
		is_archived INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		summary_token_count INTEGER NOT NULL DEFAULT 0,
		last_summarized_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		model_used TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetConversation retrieves a conversation scoped to its owner.
func (s *SQLiteStore) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, title, model, system_prompt, temperature, is_archived,
		       summary, summary_token_count, last_summarized_at, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`

	row := s.db.QueryRowContext(ctx, query, id, userID)

	var conv domain.Conversation
	var archived int
	var lastSummarized sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.SystemPrompt,
		&conv.Temperature, &archived, &conv.Summary, &conv.SummaryTokenCount,
		&lastSummarized, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.IsArchived = archived != 0
	if lastSummarized.Valid {
		conv.LastSummarizedAt = time.Unix(lastSummarized.Int64, 0)
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	return &conv, nil
}

// EnsureConversation inserts the conversation unless its id already exists.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv *domain.Conversation) error {
	if !domain.IsSupportedModel(conv.Model) {
		conv.Model = domain.DefaultModel
	}
	if conv.SystemPrompt == "" {
		conv.SystemPrompt = domain.DefaultSystemPrompt
	}
	if conv.Temperature == 0 {
		conv.Temperature = domain.DefaultTemperature
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	query := `
		INSERT INTO conversations
			(id, user_id, title, model, system_prompt, temperature, is_archived,
			 summary, summary_token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	archived := 0
	if conv.IsArchived {
		archived = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.UserID, conv.Title, conv.Model, conv.SystemPrompt,
		conv.Temperature, archived, conv.Summary, conv.SummaryTokenCount,
		conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// UpdateSummary stores a generated summary. Summary writes race with message
// appends from active generations, so SQLITE_BUSY conflicts are retried.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, id, summary string, tokenCount int) error {
	query := `
		UPDATE conversations
		SET summary = ?, summary_token_count = ?, last_summarized_at = ?, updated_at = ?
		WHERE id = ?`

	now := time.Now().Unix()
	var err error
	for attempt := 0; attempt < summaryWriteRetries; attempt++ {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, query, summary, tokenCount, now, now, id)
		if err == nil {
			n, raErr := res.RowsAffected()
			if raErr != nil {
				return fmt.Errorf("update summary rows affected: %w", raErr)
			}
			if n == 0 {
				return ErrNotFound
			}
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("update summary: %w", err)
}

// AppendMessage stores a message at the end of its conversation.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages
			(id, conversation_id, role, content, prompt_tokens, completion_tokens, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	promptTokens := sql.NullInt64{Int64: int64(msg.PromptTokens), Valid: msg.PromptTokens > 0}
	completionTokens := sql.NullInt64{Int64: int64(msg.CompletionTokens), Valid: msg.CompletionTokens > 0}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		promptTokens, completionTokens, msg.ModelUsed, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	touch := `UPDATE conversations SET updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, touch, time.Now().Unix(), msg.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListMessages returns all messages of a conversation in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, prompt_tokens, completion_tokens, model_used, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var promptTokens, completionTokens sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &role, &msg.Content,
			&promptTokens, &completionTokens, &msg.ModelUsed, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Role = domain.Role(role)
		msg.PromptTokens = int(promptTokens.Int64)
		msg.CompletionTokens = int(completionTokens.Int64)
		msg.CreatedAt = time.Unix(0, createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}
