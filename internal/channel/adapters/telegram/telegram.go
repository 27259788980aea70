// Package telegram implements the Telegram channel client over the Bot API
// long-poll transport.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

const maxMessageLength = 4096

// Client is the Telegram channel adapter.
type Client struct {
	cfg       channel.Config
	logger    *slog.Logger
	bot       *tgbotapi.BotAPI
	onMessage channel.MessageHandler
	onStatus  channel.StatusHandler
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// New creates a Telegram client for the given connection config.
func New(log *slog.Logger, cfg channel.Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: log.With(slog.String("adapter", "telegram"), slog.String("connection_id", cfg.ID)),
	}
}

func (c *Client) OnMessage(handler channel.MessageHandler) {
	c.onMessage = handler
}

func (c *Client) OnStatus(handler channel.StatusHandler) {
	c.onStatus = handler
}

// Start logs in and begins long-polling for updates. Only the initial login
// may reject; later transport errors surface on the status channel.
func (c *Client) Start(ctx context.Context) error {
	c.emit(channel.StateInitializing, "", "")
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		c.emit(channel.StateError, err.Error(), "")
		return fmt.Errorf("telegram login: %w", err)
	}
	c.bot = bot
	c.stopped.Store(false)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := bot.GetUpdatesChan(updateCfg)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.poll(pollCtx, updates)

	c.logger.Info("started", slog.String("bot", bot.Self.UserName))
	c.emit(channel.StateConnected, "", "")
	return nil
}

// Stop halts the update loop. Safe to call repeatedly.
func (c *Client) Stop(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	c.emit(channel.StateStopped, "", "")
	return nil
}

// SendMessage delivers text to a chat, chunked at the platform limit.
func (c *Client) SendMessage(ctx context.Context, target, text string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram client not started")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q: %w", target, err)
	}
	for _, chunk := range channel.ChunkText(text, maxMessageLength) {
		if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *Client) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if !c.stopped.Load() {
					c.emit(channel.StateError, "updates channel closed", "")
				}
				return
			}
			if update.Message == nil {
				continue
			}
			c.handleUpdate(ctx, update.Message)
		}
	}
}

func (c *Client) handleUpdate(ctx context.Context, msg *tgbotapi.Message) {
	if c.onMessage == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	// Never respond to our own traffic.
	if msg.From.ID == c.bot.Self.ID {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	if !c.admit(msg) {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	inbound := message.BaseMessage{
		ID:          strconv.Itoa(msg.MessageID),
		Channel:     message.ChannelTelegram,
		UserID:      chatID,
		SessionID:   SessionKey(msg.Chat.ID),
		Content:     stripMention(text, c.bot.Self.UserName),
		MessageType: message.TypeText,
		Timestamp:   msg.Time(),
		Metadata: map[string]any{
			"chat_type": msg.Chat.Type,
			"from_id":   strconv.FormatInt(msg.From.ID, 10),
			"from_name": strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		},
		Context: buildContext(msg),
	}
	c.emit(channel.StateActive, "", "")
	c.onMessage(ctx, inbound)
}

// admit applies the group admission policy: direct chats always pass; group
// messages require a mention or a reply to the bot unless respondToAll is set.
func (c *Client) admit(msg *tgbotapi.Message) bool {
	if msg.Chat.IsPrivate() {
		return true
	}
	if c.cfg.RespondToAll() {
		return true
	}
	if isReplyToBot(msg, c.bot.Self.ID) {
		return true
	}
	return isMentioned(msg.Text, c.bot.Self.UserName) ||
		isMentioned(msg.Caption, c.bot.Self.UserName)
}

// SessionKey derives the stable conversation partition key for a chat.
func SessionKey(chatID int64) string {
	return "tg_" + strconv.FormatInt(chatID, 10)
}

func isReplyToBot(msg *tgbotapi.Message, botID int64) bool {
	return msg.ReplyToMessage != nil &&
		msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == botID
}

// isMentioned does a plain substring check rather than walking message
// entities: entity offsets count UTF-16 code units, which misalign against Go
// strings once non-BMP characters precede the mention.
func isMentioned(text, botName string) bool {
	if botName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(botName))
}

func stripMention(text, botName string) string {
	if botName == "" {
		return text
	}
	cleaned := strings.ReplaceAll(text, "@"+botName, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return text
	}
	return cleaned
}

func buildContext(msg *tgbotapi.Message) *message.Context {
	mctx := &message.Context{
		IsForwarded: msg.ForwardDate != 0,
		IsEdited:    msg.EditDate != 0,
	}
	if msg.ReplyToMessage != nil {
		mctx.ReplyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if *mctx == (message.Context{}) {
		return nil
	}
	return mctx
}

func (c *Client) emit(state channel.State, detail, qr string) {
	if c.onStatus == nil {
		return
	}
	c.onStatus(channel.Status{State: state, Detail: detail, QR: qr, UpdatedAt: time.Now().UTC()})
}
