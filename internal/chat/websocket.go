package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/yuchenglin/chatstream/internal/auth"
	"github.com/yuchenglin/chatstream/internal/config"
	"github.com/yuchenglin/chatstream/internal/domain"
	"github.com/yuchenglin/chatstream/internal/store"
)

// Gateway handles WebSocket chat sessions. It owns the session registry and
// composes the auth handshake, rate limiter, heartbeat, and stream
// orchestrator per connection.
type Gateway struct {
	repo          store.Repository
	verifier      auth.TokenVerifier
	orch          *Orchestrator
	registry      *Registry
	cfg           config.ChatConfig
	allowedOrigin string
	isDev         bool
}

// NewGateway creates a new WebSocket gateway.
func NewGateway(repo store.Repository, verifier auth.TokenVerifier, orch *Orchestrator, cfg config.ChatConfig, allowedOrigin string, isDev bool) *Gateway {
	return &Gateway{
		repo:          repo,
		verifier:      verifier,
		orch:          orch,
		registry:      NewRegistry(),
		cfg:           cfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// Registry exposes the live session table, for introspection and tests.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP upgrades the connection and runs the session until the socket
// closes. Route shape: GET /ws/chat/{conversationID}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	slog.Info("WebSocket connection request", "conversation_id", conversationID, "ip", r.RemoteAddr)

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	if _, err := uuid.Parse(conversationID); err != nil {
		_ = ws.Close(StatusBadConversation, "invalid conversation id")
		return
	}

	sess := NewSession(
		uuid.NewString(),
		conversationID,
		NewSlidingWindow(g.cfg.RateLimit, g.cfg.RateWindow),
		g.cfg.MaxMessageLength,
	)
	g.registry.Add(sess)
	defer g.registry.Remove(sess.ID)
	defer sess.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(v any) error { return g.writeJSON(ws, v) }
	kill := func() {
		cancel()
		_ = ws.Close(websocket.StatusInternalError, "session terminated")
	}

	var authTimer *time.Timer
	authTimer = time.AfterFunc(g.cfg.AuthTimeout, func() {
		g.apply(ctx, ws, sess, nil, authTimer, send, kill, sess.Handle(eventAuthTimeout{}))
	})
	defer authTimer.Stop()

	g.readLoop(ctx, ws, sess, authTimer, send, kill)
	slog.Info("Chat session ended", "session_id", sess.ID, "conversation_id", conversationID)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowedOrigin == "*" {
		return true
	}
	if origin == g.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", g.allowedOrigin)
	return false
}

// readLoop translates inbound frames into state-machine events and executes
// the resulting effects. It is the session's single inbound entry point;
// everything it does to session state goes through Handle.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, sess *Session, authTimer *time.Timer, send func(any) error, kill func()) {
	// Bound conversation, set on successful auth. Only this goroutine
	// touches it.
	var conv *domain.Conversation

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "session_id", sess.ID, "error", err)
			}
			return
		}

		var frame inboundFrame
		var ev event
		if err := json.Unmarshal(data, &frame); err != nil {
			ev = eventMalformed{}
		} else {
			switch frame.Type {
			case TypeAuth:
				if sess.State() != StateAwaitingAuth {
					continue
				}
				var authConv *domain.Conversation
				ev, authConv = g.resolveAuth(ctx, sess.ConversationID, frame.Token)
				if authConv != nil {
					conv = authConv
				}
			case TypeChatMessage:
				ev = eventChat{Content: strings.TrimSpace(frame.Content)}
			case TypePong:
				ev = eventPong{At: time.Now()}
			default:
				ev = eventUnknown{}
			}
		}

		if stop := g.apply(ctx, ws, sess, conv, authTimer, send, kill, sess.Handle(ev)); stop {
			return
		}
	}
}

// resolveAuth verifies the credential and the conversation binding. Both
// hit external collaborators, so this runs before the state transition.
func (g *Gateway) resolveAuth(ctx context.Context, conversationID, token string) (event, *domain.Conversation) {
	if token == "" {
		return eventAuthResult{Failure: CodeAuthFailed}, nil
	}

	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		slog.Warn("WebSocket auth failed", "conversation_id", conversationID, "error", err)
		return eventAuthResult{Failure: CodeAuthFailed}, nil
	}

	conv, err := g.repo.GetConversation(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return eventAuthResult{Failure: CodeNoConversation}, nil
	}
	if err != nil {
		slog.Error("Conversation lookup failed", "conversation_id", conversationID, "error", err)
		return eventAuthResult{Failure: CodeInternalError}, nil
	}

	slog.Info("WebSocket authenticated", "conversation_id", conversationID, "user_id", userID)
	return eventAuthResult{OK: true, UserID: userID}, conv
}

// apply executes the effects of one transition. Returns true when the
// session is over and the read loop should stop.
func (g *Gateway) apply(ctx context.Context, ws *websocket.Conn, sess *Session, conv *domain.Conversation, authTimer *time.Timer, send func(any) error, kill func(), effects []effect) bool {
	for _, eff := range effects {
		switch eff := eff.(type) {
		case effectSend:
			if err := send(eff.frame); err != nil {
				return true
			}
		case effectClose:
			_ = ws.Close(eff.status, eff.reason)
			return true
		case effectCancelAuthTimer:
			authTimer.Stop()
		case effectStartHeartbeat:
			go runHeartbeat(ctx, sess, g.cfg.HeartbeatInterval, send, kill)
		case effectStartGeneration:
			content := sanitizeContent(eff.content)
			if content == "" {
				// Sanitization stripped everything (markup-only input).
				sess.EndGeneration()
				if err := send(errorFrame(CodeEmptyContent, "Message content is required")); err != nil {
					return true
				}
				continue
			}
			go g.orch.Generate(ctx, sess, conv, content, send, kill)
		}
	}
	return false
}

func (g *Gateway) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
