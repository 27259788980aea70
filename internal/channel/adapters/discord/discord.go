// Package discord implements the Discord channel client on top of the
// discordgo gateway session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

const maxMessageLength = 2000

// Client is the Discord channel adapter.
type Client struct {
	cfg       channel.Config
	logger    *slog.Logger
	session   *discordgo.Session
	remove    func()
	onMessage channel.MessageHandler
	onStatus  channel.StatusHandler
	stopped   atomic.Bool
}

// New creates a Discord client for the given connection config.
func New(log *slog.Logger, cfg channel.Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: log.With(slog.String("adapter", "discord"), slog.String("connection_id", cfg.ID)),
	}
}

func (c *Client) OnMessage(handler channel.MessageHandler) {
	c.onMessage = handler
}

func (c *Client) OnStatus(handler channel.StatusHandler) {
	c.onStatus = handler
}

// Start opens the gateway session. The websocket handshake is the initial
// login and may reject; reconnects afterwards are handled by discordgo and
// surface as status events.
func (c *Client) Start(ctx context.Context) error {
	c.emit(channel.StateInitializing, "")
	session, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		c.emit(channel.StateError, err.Error())
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c.remove = session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(context.WithoutCancel(ctx), s, m)
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		if !c.stopped.Load() {
			c.emit(channel.StateReconnecting, "gateway disconnected")
		}
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Resumed) {
		if !c.stopped.Load() {
			c.emit(channel.StateConnected, "")
		}
	})

	if err := session.Open(); err != nil {
		c.emit(channel.StateError, err.Error())
		return fmt.Errorf("discord open: %w", err)
	}
	c.session = session
	c.stopped.Store(false)
	c.logger.Info("started", slog.String("bot", session.State.User.Username))
	c.emit(channel.StateConnected, "")
	return nil
}

// Stop closes the gateway session. Safe to call repeatedly.
func (c *Client) Stop(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	if c.remove != nil {
		c.remove()
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	c.emit(channel.StateStopped, "")
	return nil
}

// SendMessage delivers text to a channel, chunked at the platform limit.
func (c *Client) SendMessage(ctx context.Context, target, text string) error {
	if c.session == nil {
		return fmt.Errorf("discord client not started")
	}
	for _, chunk := range channel.ChunkText(text, maxMessageLength) {
		if _, err := c.session.ChannelMessageSend(strings.TrimSpace(target), chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// ListContexts enumerates the text channels of every guild the bot is in.
func (c *Client) ListContexts(ctx context.Context) ([]channel.ContextInfo, error) {
	if c.session == nil {
		return nil, fmt.Errorf("discord client not started")
	}
	items := make([]channel.ContextInfo, 0)
	for _, guild := range c.session.State.Guilds {
		channels, err := c.session.GuildChannels(guild.ID)
		if err != nil {
			return nil, fmt.Errorf("discord guild channels: %w", err)
		}
		for _, ch := range channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			items = append(items, channel.ContextInfo{
				ID:   ch.ID,
				Name: guild.Name + " / " + ch.Name,
				Type: "guild_text",
			})
		}
	}
	return items, nil
}

func (c *Client) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if c.onMessage == nil || m.Author == nil {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if m.Author.Bot {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}
	if !c.admit(s, m) {
		return
	}
	inbound := message.BaseMessage{
		ID:          m.ID,
		Channel:     message.ChannelDiscord,
		UserID:      m.ChannelID,
		SessionID:   SessionKey(m.GuildID, m.ChannelID, m.Author.ID),
		Content:     stripMention(text, s),
		MessageType: message.TypeText,
		Timestamp:   m.Timestamp,
		Metadata: map[string]any{
			"guild_id":  m.GuildID,
			"author_id": m.Author.ID,
			"author":    m.Author.Username,
		},
		Context: buildContext(m),
	}
	c.emit(channel.StateActive, "")
	c.onMessage(ctx, inbound)
}

// admit applies the guild admission policy: DMs always pass; guild messages
// require a mention or a reply to the bot unless respondToAll is configured.
func (c *Client) admit(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return true
	}
	if c.cfg.RespondToAll() {
		return true
	}
	if s.State.User == nil {
		return false
	}
	botID := s.State.User.ID
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil && m.ReferencedMessage.Author.ID == botID {
		return true
	}
	for _, mention := range m.Mentions {
		if mention.ID == botID {
			return true
		}
	}
	return false
}

// SessionKey derives the stable conversation partition key:
// dc_<guild>_<channel> for guild messages, dc_dm_<author> for DMs.
func SessionKey(guildID, channelID, authorID string) string {
	if guildID == "" {
		return "dc_dm_" + authorID
	}
	return "dc_" + guildID + "_" + channelID
}

func stripMention(text string, s *discordgo.Session) string {
	if s.State.User == nil {
		return text
	}
	cleaned := strings.ReplaceAll(text, "<@"+s.State.User.ID+">", "")
	cleaned = strings.ReplaceAll(cleaned, "<@!"+s.State.User.ID+">", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return text
	}
	return cleaned
}

func buildContext(m *discordgo.MessageCreate) *message.Context {
	if m.ReferencedMessage == nil {
		return nil
	}
	return &message.Context{ReplyTo: m.ReferencedMessage.ID}
}

func (c *Client) emit(state channel.State, detail string) {
	if c.onStatus == nil {
		return
	}
	c.onStatus(channel.Status{State: state, Detail: detail, UpdatedAt: time.Now().UTC()})
}
