// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/yuchenglin/chatstream/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("not found")

// ConversationStore persists conversations.
type ConversationStore interface {
	// GetConversation retrieves a conversation by id, scoped to its owner.
	// Returns ErrNotFound if the conversation does not exist or belongs to
	// a different user.
	GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error)

	// EnsureConversation inserts the conversation if no row with its id
	// exists yet. Existing rows are left untouched.
	EnsureConversation(ctx context.Context, conv *domain.Conversation) error

	// UpdateSummary stores a freshly generated conversation summary along
	// with the token count it was produced at.
	UpdateSummary(ctx context.Context, id, summary string, tokenCount int) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	// AppendMessage stores a message at the end of its conversation.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns all messages of a conversation in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)
}

// Repository is the combined persistence interface the server wires up.
type Repository interface {
	ConversationStore
	MessageStore

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
