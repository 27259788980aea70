package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/linkhubhq/linkhub/internal/agent"
	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

// errorReply is the best-effort reply sent when an agent run fails. The
// failure itself lives in the logs.
const errorReply = "Sorry, something went wrong while handling your message. Please try again."

// onMessage routes one admitted inbound message: resolve the conversation's
// session, run the agent, and send the reply back through the client.
// Adapters invoke this from their read loops, so each platform's own
// concurrency model decides how many messages are in flight; the per-session
// lock serializes conversations.
func (h *Hub) onMessage(ctx context.Context, e *entry, msg message.BaseMessage) {
	log := h.logger.With(
		slog.String("connection_id", e.snapshotConfig().ID),
		slog.String("session", msg.SessionID),
	)
	session := e.session(msg.SessionID)

	reply, err := session.SendMessage(ctx, msg.Content)
	if err != nil {
		log.Error("agent run failed", slog.Any("error", err))
		h.sendReply(ctx, e, msg.UserID, errorReply, log)
		return
	}
	if reply == "" {
		return
	}
	h.sendReply(ctx, e, msg.UserID, reply, log)
}

// sendReply paces outbound sends through the connection's limiter and
// delivers the text. Send failures are terminal for this message: the agent
// already ran, so there is nothing left to retry against.
func (h *Hub) sendReply(ctx context.Context, e *entry, target, text string, log *slog.Logger) {
	if err := e.limiter.Wait(ctx); err != nil {
		log.Warn("send cancelled while pacing", slog.Any("error", err))
		return
	}
	if err := e.client.SendMessage(ctx, target, text); err != nil {
		log.Error("send failed", slog.Any("error", err))
	}
}

// session returns the conversation's agent session, cloning it from the
// master on first use.
func (e *entry) session(key string) *agent.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[key]; ok {
		return s
	}
	s := e.master.Clone(key)
	e.sessions[key] = s
	return s
}

// onStatus records a client status transition and mirrors the state into
// persistence so restores and the dashboard see it.
func (h *Hub) onStatus(e *entry, status channel.Status) {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	prev := e.snapshotStatus()
	e.setStatus(status)
	if prev.State == status.State {
		return
	}
	cfg := e.snapshotConfig()
	h.logger.Info("connection state changed",
		slog.String("connection_id", cfg.ID),
		slog.String("from", string(prev.State)),
		slog.String("to", string(status.State)))
	h.persistStatus(cfg.ID, status.State)
}
