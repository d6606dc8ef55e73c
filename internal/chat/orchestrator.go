package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuchenglin/chatstream/internal/ai"
	"github.com/yuchenglin/chatstream/internal/domain"
	"github.com/yuchenglin/chatstream/internal/store"
)

// summaryPrompt asks the model to compress conversation history. Kept in
// Traditional Chinese to match the product's default assistant language.
const summaryPrompt = `請將以下對話歷史摘要成 200 字以內的重點：
- 保留關鍵資訊和用戶偏好
- 保留重要的上下文
- 使用繁體中文

對話歷史：
%s

請直接輸出摘要內容，不需要其他說明。`

const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 500
)

// Orchestrator drives one AI generation per accepted message: persist the
// user message, stream the completion, relay deltas in arrival order,
// persist the assistant reply. At most one generation runs per session; the
// session's single-flight flag is held for the whole span and cleared on
// every exit path.
type Orchestrator struct {
	repo          store.Repository
	provider      ai.StreamProvider
	streamTimeout time.Duration
	persisted     func(conversationID, messageID string)
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(repo store.Repository, provider ai.StreamProvider, streamTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		repo:          repo,
		provider:      provider,
		streamTimeout: streamTimeout,
	}
}

// OnPersisted registers a hook fired after each assistant message commit,
// for downstream cache invalidation. Must be set before the first
// generation.
func (o *Orchestrator) OnPersisted(fn func(conversationID, messageID string)) {
	o.persisted = fn
}

// Generate runs one generation to completion. It is called on its own
// goroutine per accepted message; send delivers frames to the peer and kill
// tears down the transport. ctx is the connection context — session
// teardown cancels it, which aborts the upstream call without emitting
// further frames.
func (o *Orchestrator) Generate(ctx context.Context, sess *Session, conv *domain.Conversation, content string, send func(any) error, kill func()) {
	defer sess.EndGeneration()

	userMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
	}
	if err := o.repo.AppendMessage(ctx, userMsg); err != nil {
		o.internalError(sess, "persist user message", err, send, kill)
		return
	}

	prompt, promptTokens, err := o.buildPrompt(ctx, conv)
	if err != nil {
		o.internalError(sess, "load history", err, send, kill)
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	var full strings.Builder
	var usage ai.Usage
	req := ai.Request{Messages: prompt, Model: conv.Model, Temperature: conv.Temperature}

	for chunk, err := range o.provider.Stream(genCtx, req) {
		if err != nil {
			if ctx.Err() != nil {
				// Session closed mid-generation; the upstream call is
				// cancelled and nothing more is sent.
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Error("AI stream timeout", "session_id", sess.ID, "timeout", o.streamTimeout)
				_ = send(errorFrame(CodeAITimeout, "AI response timed out"))
			} else {
				slog.Error("AI stream failed", "session_id", sess.ID, "error", err)
				_ = send(errorFrame(CodeAIError, "AI service error"))
			}
			return
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
			continue
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if err := send(StreamFrame{Type: TypeChatStream, Content: chunk.Content}); err != nil {
			return
		}
	}

	reply := full.String()
	if len(reply) > domain.MaxContentLength {
		reply = strings.ToValidUTF8(reply[:domain.MaxContentLength], "")
	}
	assistant := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conv.ID,
		Role:             domain.RoleAssistant,
		Content:          reply,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ModelUsed:        conv.Model,
	}
	if err := o.repo.AppendMessage(ctx, assistant); err != nil {
		o.internalError(sess, "persist assistant message", err, send, kill)
		return
	}

	if err := send(StreamFrame{Type: TypeChatStream, Done: true, MessageID: assistant.ID}); err != nil {
		return
	}

	if o.persisted != nil {
		o.persisted(conv.ID, assistant.ID)
	}

	totalTokens := promptTokens + usage.CompletionTokens
	if ai.ShouldSummarize(totalTokens, conv.Model) {
		history := append(prompt, ai.Message{Role: "assistant", Content: assistant.Content})
		// Summarization outlives the connection.
		go o.generateSummary(context.WithoutCancel(ctx), conv, history, totalTokens)
	}
}

// buildPrompt assembles system prompt, summary, and as much recent history
// as fits the model's token budget, newest messages first.
func (o *Orchestrator) buildPrompt(ctx context.Context, conv *domain.Conversation) ([]ai.Message, int, error) {
	reserved := []ai.Message{{Role: "system", Content: conv.SystemPrompt}}
	if conv.Summary != "" {
		reserved = append(reserved, ai.Message{Role: "system", Content: "對話摘要：" + conv.Summary})
	}
	reservedTokens := ai.MessagesTokens(reserved)
	available := ai.TokenLimit(conv.Model) - reservedTokens

	all, err := o.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, 0, err
	}

	var history []ai.Message
	historyTokens := 0
	for i := len(all) - 1; i >= 0; i-- {
		m := ai.Message{Role: string(all[i].Role), Content: all[i].Content}
		cost := ai.MessageTokens(m)
		if historyTokens+cost > available {
			break
		}
		history = append(history, m)
		historyTokens += cost
	}
	// Walked newest-first; restore chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return append(reserved, history...), reservedTokens + historyTokens, nil
}

// generateSummary compresses history into a stored summary. Failures are
// logged and never surfaced to the client.
func (o *Orchestrator) generateSummary(ctx context.Context, conv *domain.Conversation, history []ai.Message, tokenCount int) {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	summary, _, err := o.provider.Complete(ctx, ai.Request{
		Messages:    []ai.Message{{Role: "user", Content: fmt.Sprintf(summaryPrompt, b.String())}},
		Model:       conv.Model,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		slog.Error("Summary generation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if summary == "" {
		return
	}

	if err := o.repo.UpdateSummary(ctx, conv.ID, summary, tokenCount); err != nil {
		slog.Error("Failed to store summary", "conversation_id", conv.ID, "error", err)
		return
	}
	slog.Info("Generated conversation summary", "conversation_id", conv.ID, "token_count", tokenCount)
}

// internalError reports an unrecoverable failure and tears the session
// down; leaving it open risks a stuck single-flight flag.
func (o *Orchestrator) internalError(sess *Session, op string, err error, send func(any) error, kill func()) {
	slog.Error("Internal error during generation", "session_id", sess.ID, "op", op, "error", err)
	_ = send(errorFrame(CodeInternalError, "Internal error"))
	kill()
}
