package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/yuchenglin/chatstream/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return repo
}

func seedConversation(t *testing.T, repo Repository, userID string) *domain.Conversation {
	t.Helper()
	conv := &domain.Conversation{
		ID:     uuid.NewString(),
		UserID: userID,
	}
	if err := repo.EnsureConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestEnsureConversationSeedsDefaults(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	got, err := repo.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != domain.DefaultModel {
		t.Errorf("model = %s, want %s", got.Model, domain.DefaultModel)
	}
	if got.SystemPrompt != domain.DefaultSystemPrompt {
		t.Errorf("system prompt = %q, want default", got.SystemPrompt)
	}
	if got.Temperature != domain.DefaultTemperature {
		t.Errorf("temperature = %v, want %v", got.Temperature, domain.DefaultTemperature)
	}
}

func TestEnsureConversationIsIdempotent(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	// A second ensure with different attributes must not overwrite.
	again := &domain.Conversation{ID: conv.ID, UserID: "user-1", Model: "gpt-3.5-turbo", Title: "changed"}
	if err := repo.EnsureConversation(context.Background(), again); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != domain.DefaultModel || got.Title != "" {
		t.Errorf("row overwritten: model=%s title=%q", got.Model, got.Title)
	}
}

func TestGetConversationScopedToOwner(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	if _, err := repo.GetConversation(context.Background(), conv.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for foreign user", err)
	}
	if _, err := repo.GetConversation(context.Background(), uuid.NewString(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for unknown id", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	base := time.Now()
	want := []struct {
		role    domain.Role
		content string
	}{
		{domain.RoleUser, "first question"},
		{domain.RoleAssistant, "first answer"},
		{domain.RoleUser, "second question"},
	}
	for i, m := range want {
		msg := &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           m.role,
			Content:        m.content,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := repo.AppendMessage(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Role != want[i].role || got[i].Content != want[i].content {
			t.Errorf("message %d = (%s, %q), want (%s, %q)",
				i, got[i].Role, got[i].Content, want[i].role, want[i].content)
		}
	}
}

func TestAppendMessageStoresUsage(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	msg := &domain.Message{
		ID:               uuid.NewString(),
		ConversationID:   conv.ID,
		Role:             domain.RoleAssistant,
		Content:          "answer",
		PromptTokens:     120,
		CompletionTokens: 34,
		ModelUsed:        "gpt-4o",
	}
	if err := repo.AppendMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].PromptTokens != 120 || got[0].CompletionTokens != 34 {
		t.Errorf("usage = %d/%d, want 120/34", got[0].PromptTokens, got[0].CompletionTokens)
	}
	if got[0].ModelUsed != "gpt-4o" {
		t.Errorf("model used = %s, want gpt-4o", got[0].ModelUsed)
	}
}

func TestAppendMessageTouchesConversation(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	before, err := repo.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}

	// updated_at has second resolution.
	time.Sleep(1100 * time.Millisecond)

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        "hi",
	}
	if err := repo.AppendMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	after, err := repo.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Errorf("updated_at not advanced: before=%v after=%v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestListMessagesEmptyConversation(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	got, err := repo.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("listed %d messages, want 0", len(got))
	}
}

func TestUpdateSummary(t *testing.T) {
	repo := newTestStore(t)
	conv := seedConversation(t, repo, "user-1")

	if err := repo.UpdateSummary(context.Background(), conv.ID, "重點摘要", 23000); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetConversation(context.Background(), conv.ID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "重點摘要" {
		t.Errorf("summary = %q, want %q", got.Summary, "重點摘要")
	}
	if got.SummaryTokenCount != 23000 {
		t.Errorf("summary token count = %d, want 23000", got.SummaryTokenCount)
	}
	if got.LastSummarizedAt.IsZero() {
		t.Error("last_summarized_at not set")
	}
}

func TestUpdateSummaryUnknownConversation(t *testing.T) {
	repo := newTestStore(t)

	err := repo.UpdateSummary(context.Background(), uuid.NewString(), "s", 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	repo := newTestStore(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}
