// Package adapters constructs the platform client for a connection config.
package adapters

import (
	"fmt"

	"log/slog"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/channel/adapters/discord"
	"github.com/linkhubhq/linkhub/internal/channel/adapters/slack"
	"github.com/linkhubhq/linkhub/internal/channel/adapters/telegram"
	"github.com/linkhubhq/linkhub/internal/channel/adapters/whatsapp"
	"github.com/linkhubhq/linkhub/internal/message"
)

// Options carries environment-level settings some adapters need beyond the
// per-connection config.
type Options struct {
	// BridgeURL is the websocket endpoint of the WhatsApp bridge process.
	BridgeURL string
	// CredentialRoot is the directory the bridge stores pairing state under.
	CredentialRoot string
}

// Factory builds a channel client for a connection config. It exists so the
// hub can be tested with fake clients.
type Factory func(log *slog.Logger, cfg channel.Config, opts Options) (channel.Client, error)

// New is the production factory.
func New(log *slog.Logger, cfg channel.Config, opts Options) (channel.Client, error) {
	switch cfg.Channel {
	case message.ChannelTelegram:
		return telegram.New(log, cfg), nil
	case message.ChannelDiscord:
		return discord.New(log, cfg), nil
	case message.ChannelSlack:
		return slack.New(log, cfg), nil
	case message.ChannelWhatsApp:
		return whatsapp.New(log, cfg, opts.BridgeURL, opts.CredentialRoot), nil
	}
	return nil, fmt.Errorf("adapters: unsupported channel %q", cfg.Channel)
}
