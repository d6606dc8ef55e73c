package chat

import (
	"context"
	"log/slog"
	"time"
)

// runHeartbeat probes the peer with ping frames every interval while the
// session is authenticated. A peer that does not answer a ping before the
// next tick is treated as dead: kill is invoked and the loop stops. The
// close is transport-level only; no chat.error frame is sent.
//
// send and kill are supplied by the gateway so the loop stays testable
// without a socket.
func runHeartbeat(ctx context.Context, sess *Session, interval time.Duration, send func(any) error, kill func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastPingAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !lastPingAt.IsZero() && sess.LastPongAt().Before(lastPingAt) {
				slog.Warn("Heartbeat missed, closing session",
					"session_id", sess.ID, "conversation_id", sess.ConversationID)
				kill()
				return
			}
			// Stamp before the write so a pong that races the send still
			// counts as an answer to this ping.
			lastPingAt = time.Now()
			if err := send(PingFrame{Type: TypePing}); err != nil {
				slog.Debug("Heartbeat send failed", "session_id", sess.ID, "error", err)
				return
			}
		}
	}
}
