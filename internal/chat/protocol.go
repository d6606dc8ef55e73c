// Package chat implements the real-time chat session protocol: in-band
// authentication, per-session rate limiting, single-flight streaming
// generation, and heartbeat liveness over a WebSocket transport.
package chat

import (
	"github.com/coder/websocket"
)

// Wire message types. Every frame is a JSON object with a "type" field.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth.success"
	TypeChatMessage = "chat.message"
	TypeChatStream  = "chat.stream"
	TypeChatError   = "chat.error"
	TypePing        = "ping"
	TypePong        = "pong"
)

// ErrorCode identifies a chat.error frame.
type ErrorCode string

const (
	CodeInvalidJSON       ErrorCode = "INVALID_JSON"
	CodeUnknownType       ErrorCode = "UNKNOWN_TYPE"
	CodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeAuthTimeout       ErrorCode = "AUTH_TIMEOUT"
	CodeNoConversation    ErrorCode = "NO_CONVERSATION"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeAlreadyProcessing ErrorCode = "ALREADY_PROCESSING"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
	CodeEmptyContent      ErrorCode = "EMPTY_CONTENT"
	CodeMessageTooLong    ErrorCode = "MESSAGE_TOO_LONG"
	CodeAITimeout         ErrorCode = "AI_TIMEOUT"
	CodeAIError           ErrorCode = "AI_ERROR"
)

// Close codes. 4001 marks the session credential as unusable; clients must
// not reconnect with the same token.
const (
	StatusAuthFailure     websocket.StatusCode = 4001
	StatusBadConversation websocket.StatusCode = 4002
	StatusNotFound        websocket.StatusCode = 4004
)

// inboundFrame is the superset of all client-to-server payloads.
type inboundFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Content string `json:"content,omitempty"`
}

// AuthSuccessFrame confirms the handshake and binds the conversation.
type AuthSuccessFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// StreamFrame carries one generation delta, or the terminal frame when Done
// is true (Content empty, MessageID set).
type StreamFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorFrame reports a business-level failure without closing the session
// unless the error is fatal.
type ErrorFrame struct {
	Type  string    `json:"type"`
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

// PingFrame is the server-to-client heartbeat probe.
type PingFrame struct {
	Type string `json:"type"`
}

func errorFrame(code ErrorCode, message string) ErrorFrame {
	return ErrorFrame{Type: TypeChatError, Error: message, Code: code}
}
