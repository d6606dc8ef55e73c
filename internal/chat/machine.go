package chat

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// The session state machine. Transport callbacks are translated into events
// by the gateway; Handle folds each event into the session and returns the
// side effects to execute (send a frame, close, arm or cancel timers, start
// a generation). Effects are executed by the caller, which keeps every
// transition testable without a live socket.
//
// Admission state the spec ties to ordering — the rate-limit window and the
// single-flight flag — lives inside the session and is consulted here, under
// the session lock, so the validate → rate-limit → single-flight sequence
// cannot interleave with the generation callback.

type event interface{ isEvent() }

// eventMalformed: inbound payload failed to parse as JSON.
type eventMalformed struct{}

// eventAuthResult carries the handshake outcome. Token verification and the
// conversation ownership lookup hit external collaborators, so the gateway
// resolves them before emitting the event.
type eventAuthResult struct {
	OK      bool
	Failure ErrorCode // CodeAuthFailed or CodeNoConversation when !OK
	UserID  string
}

// eventAuthTimeout: the auth deadline fired before a successful handshake.
type eventAuthTimeout struct{}

// eventChat: a chat.message frame; Content is already whitespace-trimmed.
type eventChat struct {
	Content string
}

// eventPong: a heartbeat reply.
type eventPong struct {
	At time.Time
}

// eventUnknown: a frame with an unrecognized type.
type eventUnknown struct{}

func (eventMalformed) isEvent()   {}
func (eventAuthResult) isEvent()  {}
func (eventAuthTimeout) isEvent() {}
func (eventChat) isEvent()        {}
func (eventPong) isEvent()        {}
func (eventUnknown) isEvent()     {}

type effect interface{ isEffect() }

// effectSend writes a frame to the peer.
type effectSend struct {
	frame any
}

// effectClose closes the transport with a status code.
type effectClose struct {
	status websocket.StatusCode
	reason string
}

// effectCancelAuthTimer stops the handshake deadline.
type effectCancelAuthTimer struct{}

// effectStartHeartbeat begins the periodic liveness probe.
type effectStartHeartbeat struct{}

// effectStartGeneration hands accepted content to the stream orchestrator.
type effectStartGeneration struct {
	content string
}

func (effectSend) isEffect()            {}
func (effectClose) isEffect()           {}
func (effectCancelAuthTimer) isEffect() {}
func (effectStartHeartbeat) isEffect()  {}
func (effectStartGeneration) isEffect() {}

// Handle applies one event to the session and returns the effects to
// execute. Safe for concurrent callers; transitions are serialized by the
// session lock.
func (s *Session) Handle(ev event) []effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state >= StateClosing {
		return nil
	}

	switch ev := ev.(type) {
	case eventMalformed:
		return []effect{effectSend{errorFrame(CodeInvalidJSON, "Invalid JSON")}}

	case eventAuthResult:
		return s.handleAuthResult(ev)

	case eventAuthTimeout:
		if s.state != StateAwaitingAuth {
			return nil
		}
		s.advance(StateClosing)
		return []effect{
			effectSend{errorFrame(CodeAuthTimeout, "Authentication timeout")},
			effectClose{StatusAuthFailure, "authentication timeout"},
		}

	case eventChat:
		if s.state == StateAwaitingAuth {
			return []effect{effectSend{errorFrame(CodeAuthRequired, "Authentication required")}}
		}
		return s.handleChat(ev)

	case eventPong:
		if s.state == StateAwaitingAuth {
			return []effect{effectSend{errorFrame(CodeAuthRequired, "Authentication required")}}
		}
		s.lastPongAt = ev.At
		return nil

	case eventUnknown:
		if s.state == StateAwaitingAuth {
			return []effect{effectSend{errorFrame(CodeAuthRequired, "Authentication required")}}
		}
		return []effect{effectSend{errorFrame(CodeUnknownType, "Unknown message type")}}
	}

	return nil
}

// handleAuthResult finishes the handshake. Caller holds mu.
func (s *Session) handleAuthResult(ev eventAuthResult) []effect {
	if s.state != StateAwaitingAuth {
		// Duplicate auth after success is ignored.
		return nil
	}

	if !ev.OK {
		s.advance(StateClosing)
		status := StatusAuthFailure
		message := "Invalid or expired token"
		switch ev.Failure {
		case CodeNoConversation:
			status = StatusNotFound
			message = "Conversation not found"
		case CodeInternalError:
			message = "Internal error"
		}
		return []effect{
			effectSend{errorFrame(ev.Failure, message)},
			effectClose{status, "authentication failed"},
		}
	}

	s.userID = ev.UserID
	s.advance(StateAuthenticated)
	return []effect{
		effectCancelAuthTimer{},
		effectSend{AuthSuccessFrame{Type: TypeAuthSuccess, ConversationID: s.ConversationID}},
		effectStartHeartbeat{},
	}
}

// handleChat admits one chat message: content validation, then the rate
// window, then the single-flight guard. Any rejection leaves the in-flight
// flag false and starts nothing. Caller holds mu.
func (s *Session) handleChat(ev eventChat) []effect {
	if ev.Content == "" {
		return []effect{effectSend{errorFrame(CodeEmptyContent, "Message content is required")}}
	}
	if utf8.RuneCountInString(ev.Content) > s.maxMessageLen {
		return []effect{effectSend{errorFrame(
			CodeMessageTooLong,
			fmt.Sprintf("Message exceeds maximum length of %d", s.maxMessageLen),
		)}}
	}

	ok, retryAfter := s.limiter.Allow()
	if !ok {
		return []effect{effectSend{errorFrame(
			CodeRateLimitExceeded,
			fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", int(retryAfter.Seconds())),
		)}}
	}

	if s.inFlight {
		return []effect{effectSend{errorFrame(CodeAlreadyProcessing, "Already processing a message")}}
	}

	s.inFlight = true
	return []effect{effectStartGeneration{content: ev.Content}}
}
