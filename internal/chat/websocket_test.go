package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/yuchenglin/chatstream/internal/ai"
	"github.com/yuchenglin/chatstream/internal/config"
	"github.com/yuchenglin/chatstream/internal/domain"
)

const testConvID = "11111111-1111-1111-1111-111111111111"

// fakeVerifier accepts a single token.
type fakeVerifier struct {
	token  string
	userID string
}

func (v *fakeVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == v.token {
		return v.userID, nil
	}
	return "", errors.New("invalid token")
}

func newTestServer(t *testing.T, repo *fakeRepo, provider *fakeProvider) *httptest.Server {
	t.Helper()
	cfg := config.ChatConfig{
		AuthTimeout:       200 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		StreamTimeout:     5 * time.Second,
		RateLimit:         20,
		RateWindow:        time.Minute,
		MaxMessageLength:  10000,
	}
	orch := NewOrchestrator(repo, provider, cfg.StreamTimeout)
	gw := NewGateway(repo, &fakeVerifier{token: "good-token", userID: "user-7"}, orch, cfg, "*", true)

	r := chi.NewRouter()
	r.Get("/ws/chat/{conversationID}", gw.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialChat(t *testing.T, srv *httptest.Server, conversationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/" + conversationID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

func readCloseStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded, want close")
	}
	return websocket.CloseStatus(err)
}

func authedRepo() *fakeRepo {
	repo := &fakeRepo{}
	repo.conv = &domain.Conversation{
		ID:           testConvID,
		UserID:       "user-7",
		Model:        domain.DefaultModel,
		SystemPrompt: domain.DefaultSystemPrompt,
		Temperature:  domain.DefaultTemperature,
	}
	return repo
}

func TestGatewayHandshakeAndStream(t *testing.T) {
	repo := authedRepo()
	provider := &fakeProvider{chunks: []ai.Chunk{
		{Content: "Hi "},
		{Content: "there"},
		{Usage: &ai.Usage{PromptTokens: 10, CompletionTokens: 2}},
	}}
	srv := newTestServer(t, repo, provider)

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})
	frame := readFrame(t, conn)
	if frame["type"] != TypeAuthSuccess {
		t.Fatalf("frame = %+v, want auth.success", frame)
	}
	if frame["conversation_id"] != testConvID {
		t.Errorf("conversation_id = %v, want %s", frame["conversation_id"], testConvID)
	}

	sendFrame(t, conn, map[string]string{"type": TypeChatMessage, "content": "hello"})

	var content strings.Builder
	var messageID string
	for {
		frame := readFrame(t, conn)
		if frame["type"] != TypeChatStream {
			t.Fatalf("frame = %+v, want chat.stream", frame)
		}
		if done, _ := frame["done"].(bool); done {
			messageID, _ = frame["message_id"].(string)
			break
		}
		s, _ := frame["content"].(string)
		content.WriteString(s)
	}

	if content.String() != "Hi there" {
		t.Errorf("streamed content = %q, want %q", content.String(), "Hi there")
	}
	if messageID == "" {
		t.Error("done frame missing message_id")
	}

	// Both sides of the exchange are persisted.
	deadline := time.After(2 * time.Second)
	for len(repo.stored()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("stored %d messages, want 2", len(repo.stored()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGatewayRejectsBadConversationID(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, "not-a-uuid")
	defer conn.Close(websocket.StatusNormalClosure, "")

	if status := readCloseStatus(t, conn); status != StatusBadConversation {
		t.Errorf("close status = %d, want %d", status, StatusBadConversation)
	}
}

func TestGatewayAuthFailureCloses4001(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "wrong-token"})

	frame := readFrame(t, conn)
	if frame["code"] != string(CodeAuthFailed) {
		t.Errorf("frame = %+v, want AUTH_FAILED", frame)
	}
	if status := readCloseStatus(t, conn); status != StatusAuthFailure {
		t.Errorf("close status = %d, want %d", status, StatusAuthFailure)
	}
}

func TestGatewayUnknownConversationCloses4004(t *testing.T) {
	// Repo has no conversation row at all.
	srv := newTestServer(t, &fakeRepo{}, &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})

	frame := readFrame(t, conn)
	if frame["code"] != string(CodeNoConversation) {
		t.Errorf("frame = %+v, want NO_CONVERSATION", frame)
	}
	if status := readCloseStatus(t, conn); status != StatusNotFound {
		t.Errorf("close status = %d, want %d", status, StatusNotFound)
	}
}

func TestGatewayAuthTimeout(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Send nothing; the 200ms deadline fires.
	frame := readFrame(t, conn)
	if frame["code"] != string(CodeAuthTimeout) {
		t.Errorf("frame = %+v, want AUTH_TIMEOUT", frame)
	}
	if status := readCloseStatus(t, conn); status != StatusAuthFailure {
		t.Errorf("close status = %d, want %d", status, StatusAuthFailure)
	}
}

func TestGatewayPreAuthChatRejected(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeChatMessage, "content": "hello"})
	frame := readFrame(t, conn)
	if frame["code"] != string(CodeAuthRequired) {
		t.Errorf("frame = %+v, want AUTH_REQUIRED", frame)
	}
}

func TestGatewaySanitizesMarkup(t *testing.T) {
	repo := authedRepo()
	provider := &fakeProvider{chunks: []ai.Chunk{{Content: "ok"}}}
	srv := newTestServer(t, repo, provider)

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})
	readFrame(t, conn) // auth.success

	sendFrame(t, conn, map[string]string{"type": TypeChatMessage, "content": "<b>hello</b> <script>x()</script>world"})
	for {
		frame := readFrame(t, conn)
		if done, _ := frame["done"].(bool); done {
			break
		}
	}

	msgs := repo.stored()
	if len(msgs) == 0 {
		t.Fatal("no messages stored")
	}
	user := msgs[0]
	if strings.Contains(user.Content, "<") || strings.Contains(user.Content, "script") {
		t.Errorf("stored content not sanitized: %q", user.Content)
	}
}

func TestGatewayMarkupOnlyMessageRejected(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})
	readFrame(t, conn) // auth.success

	sendFrame(t, conn, map[string]string{"type": TypeChatMessage, "content": "<script>x()</script>"})
	frame := readFrame(t, conn)
	if frame["code"] != string(CodeEmptyContent) {
		t.Errorf("frame = %+v, want EMPTY_CONTENT", frame)
	}
}

func TestGatewayMalformedJSON(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, conn)
	if frame["code"] != string(CodeInvalidJSON) {
		t.Errorf("frame = %+v, want INVALID_JSON", frame)
	}

	// The connection survives and auth still works.
	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})
	if frame := readFrame(t, conn); frame["type"] != TypeAuthSuccess {
		t.Errorf("frame = %+v, want auth.success after malformed frame", frame)
	}
}

func TestGatewayPongKeepsSession(t *testing.T) {
	srv := newTestServer(t, authedRepo(), &fakeProvider{})

	conn := dialChat(t, srv, testConvID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, map[string]string{"type": TypeAuth, "token": "good-token"})
	readFrame(t, conn) // auth.success

	sendFrame(t, conn, map[string]string{"type": TypePong})

	// Pong produces no reply; a follow-up unknown frame still gets its
	// error, proving the session is alive and ordered.
	sendFrame(t, conn, map[string]string{"type": "bogus"})
	frame := readFrame(t, conn)
	if frame["code"] != string(CodeUnknownType) {
		t.Errorf("frame = %+v, want UNKNOWN_TYPE", frame)
	}
}
