package vane

import (
	"context"
	"log/slog"
)

// Broadcaster pushes server-initiated, response-less messages to live
// sessions. Delivery is best-effort: a vanished session or a failing
// transport is logged and never aborts delivery to the rest.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
}

// Notify sends one message to a single session. If the session is gone the
// notification is dropped silently; notifications carry no delivery
// guarantee.
func (b *Broadcaster) Notify(ctx context.Context, sessionID string, env Envelope) {
	sess, ok := b.registry.Lookup(sessionID)
	if !ok {
		b.logger.Debug("dropping notification for unknown session", slog.String("sessionID", sessionID))
		return
	}

	if err := sess.Transport().Send(ctx, env); err != nil {
		b.logger.Warn("failed to notify session",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
}

// Broadcast sends one message to every live session from a point-in-time
// snapshot. Per-transport write serialization keeps a broadcast from
// interleaving with a dispatcher reply on the same session.
func (b *Broadcaster) Broadcast(ctx context.Context, env Envelope) {
	for _, sess := range b.registry.Snapshot() {
		if err := sess.Transport().Send(ctx, env); err != nil {
			b.logger.Warn("failed to broadcast to session",
				slog.String("sessionID", sess.ID()),
				slog.String("err", err.Error()))
		}
	}
}
