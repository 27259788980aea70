package hub

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

// Restore brings persisted connections back up after a process restart.
// Failures are per-connection: one bad credential must not keep the rest
// down.
func (h *Hub) Restore(ctx context.Context) error {
	configs, err := h.store.List(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, cfg := range configs {
		// Stopped is an operator decision and survives restarts. Rows parked
		// in error are retried; a still-bad credential will simply re-error.
		if channel.State(cfg.Status) == channel.StateStopped {
			continue
		}
		if cfg.Channel == message.ChannelWhatsApp && !h.hasCredentials(cfg.ID) {
			// No stored pairing: starting would just hang on a QR nobody is
			// looking at. Leave it for an explicit restart.
			h.logger.Info("skipping restore, pairing required",
				slog.String("connection_id", cfg.ID))
			h.persistStatus(cfg.ID, channel.StateStopped)
			continue
		}
		if _, err := h.startEntry(ctx, cfg); err != nil {
			h.logger.Error("restore failed",
				slog.String("connection_id", cfg.ID),
				slog.String("channel", cfg.Channel.String()),
				slog.Any("error", err))
			h.persistStatus(cfg.ID, channel.StateError)
			continue
		}
		restored++
	}
	h.logger.Info("restore complete", slog.Int("restored", restored), slog.Int("total", len(configs)))
	return nil
}

func (h *Hub) hasCredentials(connectionID string) bool {
	if h.opts.CredentialRoot == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(h.opts.CredentialRoot, connectionID))
	return err == nil && info.IsDir()
}
