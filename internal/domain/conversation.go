// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// Limits applied when accepting and storing chat content.
const (
	// MaxUserMessageLength is the maximum accepted user message length in runes.
	MaxUserMessageLength = 10000

	// MaxContentLength bounds stored assistant responses.
	MaxContentLength = 100000
)

// Defaults seeded onto new conversations.
const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.7

	DefaultSystemPrompt = "You are a helpful assistant. Always respond in Traditional Chinese (繁體中文)."
)

// SupportedModels lists the chat models a conversation may select.
var SupportedModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"}

// Conversation is a persisted chat thread owned by a single user.
type Conversation struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Title             string    `json:"title"`
	Model             string    `json:"model"`
	SystemPrompt      string    `json:"system_prompt"`
	Temperature       float64   `json:"temperature"`
	IsArchived        bool      `json:"is_archived"`
	Summary           string    `json:"summary,omitempty"`
	SummaryTokenCount int       `json:"summary_token_count,omitempty"`
	LastSummarizedAt  time.Time `json:"last_summarized_at,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsSupportedModel reports whether model is one of the chat models this
// service knows how to drive.
func IsSupportedModel(model string) bool {
	for _, m := range SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}
