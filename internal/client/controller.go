// Package client implements the client half of the chat session protocol:
// connection lifecycle, in-band authentication, stream accumulation, and
// reconnection with capped exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/yuchenglin/chatstream/internal/chat"
)

// Status mirrors the protocol states on the client side.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusAuthenticating Status = "authenticating"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

// Reconnection policy defaults.
const (
	defaultMaxReconnectAttempts = 3
	defaultBaseBackoff          = time.Second
	defaultMaxBackoff           = 10 * time.Second
)

// SessionError is the last error observed on the session.
type SessionError struct {
	Code    chat.ErrorCode
	Message string
}

// Config configures a Controller.
type Config struct {
	// URL is the full WebSocket endpoint including the conversation path.
	URL string

	// Token is the bearer credential sent in-band after connect.
	Token string

	// MaxReconnectAttempts caps automatic reconnects after abnormal
	// closes. Default 3.
	MaxReconnectAttempts int

	// BaseBackoff is doubled per attempt, capped at MaxBackoff.
	// Defaults 1s and 10s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Callbacks notify the embedding application. All callbacks are invoked
// from the controller's dispatch goroutine, never concurrently.
type Callbacks struct {
	// OnStatus fires on every visible status change. err is non-nil only
	// for StatusError.
	OnStatus func(status Status, err *SessionError)

	// OnStreamDelta fires per streamed content delta with the local
	// correlation id of the accumulating message.
	OnStreamDelta func(correlationID, delta string)

	// OnMessageFinal fires when a streamed message completes, carrying the
	// server-assigned message id and full content. Downstream caches
	// should invalidate on this signal.
	OnMessageFinal func(messageID, content string)

	// OnPermanentLoss fires when reconnection gives up; a fresh Connect
	// (or credential) is required.
	OnPermanentLoss func()
}

// accumulator collects one streaming response. At most one exists per
// session; it is discarded wholesale on error or disconnect.
type accumulator struct {
	correlationID string
	content       strings.Builder
	isStreaming   bool
}

// Controller drives the client side of a chat session. Socket events are
// dispatched serially by a single read loop, so handlers never race each
// other; public methods synchronize with the loop through the mutex.
type Controller struct {
	cfg Config
	cb  Callbacks

	mu                sync.Mutex
	conn              *websocket.Conn
	dialing           bool
	status            Status
	lastErr           *SessionError
	conversationID    string
	reconnectAttempts int
	reconnectTimer    *time.Timer
	suppressReconnect bool
	acc               *accumulator
}

// NewController creates a controller in the disconnected state.
func NewController(cfg Config, cb Callbacks) *Controller {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Controller{cfg: cfg, cb: cb, status: StatusDisconnected}
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the most recent session error, if any.
func (c *Controller) LastError() *SessionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConversationID returns the conversation bound by auth.success.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ReconnectAttempts returns the current reconnect counter.
func (c *Controller) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// Connect opens the socket and starts the in-band handshake. A no-op when
// a socket is already open or another dial is in progress.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.suppressReconnect = false
	c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		slog.Debug("WebSocket dial failed", "url", c.cfg.URL, "error", err)
		c.clearDialing()
		c.handleClose(err)
		return err
	}

	authFrame, err := json.Marshal(map[string]string{"type": chat.TypeAuth, "token": c.cfg.Token})
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.clearDialing()
		c.handleClose(err)
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, authFrame); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.clearDialing()
		c.handleClose(err)
		return err
	}

	c.mu.Lock()
	c.dialing = false
	c.conn = conn
	c.setStatusLocked(StatusAuthenticating, nil)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Controller) clearDialing() {
	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()
}

// Disconnect closes the socket with the normal code and resets local state.
// Idempotent; cancels any pending reconnect.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.suppressReconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.acc = nil
	c.reconnectAttempts = 0
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// SendMessage dispatches a chat message. Permitted only while connected and
// not mid-stream; returns whether the frame was actually written, so the
// caller can undo optimistic UI state.
func (c *Controller) SendMessage(content string) bool {
	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil || (c.acc != nil && c.acc.isStreaming) {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	frame, err := json.Marshal(map[string]string{"type": chat.TypeChatMessage, "content": content})
	if err != nil {
		return false
	}
	if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
		slog.Debug("Failed to send chat message", "error", err)
		return false
	}
	return true
}

// readLoop dispatches server frames serially until the socket closes.
func (c *Controller) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.handleClose(err)
			return
		}
		c.handleFrame(conn, data)
	}
}

// serverFrame is the superset of all server-to-client payloads.
type serverFrame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	Done           bool           `json:"done,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Error          string         `json:"error,omitempty"`
	Code           chat.ErrorCode `json:"code,omitempty"`
}

func (c *Controller) handleFrame(conn *websocket.Conn, data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("Malformed server frame", "error", err)
		return
	}

	switch frame.Type {
	case chat.TypeAuthSuccess:
		c.mu.Lock()
		if c.status == StatusConnected {
			// Duplicate auth.success; ignore.
			c.mu.Unlock()
			return
		}
		c.conversationID = frame.ConversationID
		c.reconnectAttempts = 0
		c.setStatusLocked(StatusConnected, nil)
		c.mu.Unlock()

	case chat.TypeChatStream:
		c.handleStream(frame)

	case chat.TypeChatError:
		c.mu.Lock()
		c.acc = nil
		wasConnected := c.status == StatusConnected
		c.setStatusLocked(StatusError, &SessionError{Code: frame.Code, Message: frame.Error})
		// Policy and upstream errors do not end the session: the socket
		// is still open and the server still accepts messages, so a
		// fresh send must be allowed. Errors during the handshake stay
		// terminal; the server closes the socket right after them.
		if wasConnected && c.conn != nil {
			c.setStatusLocked(StatusConnected, nil)
		}
		c.mu.Unlock()

	case chat.TypePing:
		pong, _ := json.Marshal(map[string]string{"type": chat.TypePong})
		if err := conn.Write(context.Background(), websocket.MessageText, pong); err != nil {
			slog.Debug("Failed to send pong", "error", err)
		}
	}
}

func (c *Controller) handleStream(frame serverFrame) {
	c.mu.Lock()
	if c.acc == nil || !c.acc.isStreaming {
		c.acc = &accumulator{correlationID: uuid.NewString(), isStreaming: true}
	}

	if !frame.Done {
		c.acc.content.WriteString(frame.Content)
		correlationID := c.acc.correlationID
		c.mu.Unlock()
		if c.cb.OnStreamDelta != nil {
			c.cb.OnStreamDelta(correlationID, frame.Content)
		}
		return
	}

	content := c.acc.content.String()
	c.acc = nil
	c.mu.Unlock()
	if c.cb.OnMessageFinal != nil {
		c.cb.OnMessageFinal(frame.MessageID, content)
	}
}

// handleClose runs the reconnection state machine after a transport close.
// The auth-failure close code is terminal: no retry can succeed with the
// same credential.
func (c *Controller) handleClose(err error) {
	c.mu.Lock()

	c.conn = nil
	c.acc = nil

	if c.suppressReconnect {
		c.setStatusLocked(StatusDisconnected, nil)
		c.mu.Unlock()
		return
	}

	if websocket.CloseStatus(err) == chat.StatusAuthFailure {
		c.setStatusLocked(StatusError, &SessionError{Code: chat.CodeAuthFailed, Message: "authentication failed"})
		c.setStatusLocked(StatusDisconnected, nil)
		c.mu.Unlock()
		return
	}

	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.setStatusLocked(StatusDisconnected, nil)
		c.mu.Unlock()
		if c.cb.OnPermanentLoss != nil {
			c.cb.OnPermanentLoss()
		}
		return
	}

	c.reconnectAttempts++
	delay := backoffDelay(c.reconnectAttempts, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	slog.Debug("Scheduling reconnect", "attempt", c.reconnectAttempts, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.Connect(context.Background())
	})
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()
}

// backoffDelay returns base·2^attempt capped at max: attempts 1..3 with the
// defaults yield 2s, 4s, 8s.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base << attempt
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// setStatusLocked updates status and notifies. Caller holds mu; the
// callback is invoked with the lock held, so callbacks must not call back
// into the controller synchronously.
func (c *Controller) setStatusLocked(status Status, err *SessionError) {
	c.status = status
	if err != nil {
		c.lastErr = err
	}
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(status, err)
	}
}
