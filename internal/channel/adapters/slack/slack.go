// Package slack implements the Slack channel client. Inbound events arrive
// over a Socket Mode websocket; outbound messages go through the Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

const (
	apiBase          = "https://slack.com/api"
	maxMessageLength = 4000
)

// Client is the Slack channel adapter. It needs two credentials: the bot
// token (xoxb-) for the Web API and the app-level token (xapp-) for opening
// the Socket Mode connection.
type Client struct {
	cfg       channel.Config
	logger    *slog.Logger
	http      *http.Client
	onMessage channel.MessageHandler
	onStatus  channel.StatusHandler

	botUserID string
	teamID    string

	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New creates a Slack client for the given connection config.
func New(log *slog.Logger, cfg channel.Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: log.With(slog.String("adapter", "slack"), slog.String("connection_id", cfg.ID)),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) OnMessage(handler channel.MessageHandler) {
	c.onMessage = handler
}

func (c *Client) OnStatus(handler channel.StatusHandler) {
	c.onStatus = handler
}

// Start validates the bot token, opens the Socket Mode websocket and begins
// the read loop. auth.test doubles as the login check and tells us our own
// user id for the self-message filter.
func (c *Client) Start(ctx context.Context) error {
	c.emit(channel.StateInitializing, "")
	if c.cfg.AppToken() == "" {
		c.emit(channel.StateError, "missing app-level token")
		return fmt.Errorf("slack: metadata appToken is required for socket mode")
	}

	var authResp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
		TeamID string `json:"team_id"`
	}
	if err := c.call(ctx, "auth.test", c.cfg.Token, nil, &authResp); err != nil {
		c.emit(channel.StateError, err.Error())
		return err
	}
	if !authResp.OK {
		c.emit(channel.StateError, authResp.Error)
		return fmt.Errorf("slack auth.test: %s", authResp.Error)
	}
	c.botUserID = authResp.UserID
	c.teamID = authResp.TeamID

	conn, err := c.openSocket(ctx)
	if err != nil {
		c.emit(channel.StateError, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopped.Store(false)
	go c.readLoop(runCtx, conn)

	c.logger.Info("started", slog.String("bot_user", c.botUserID), slog.String("team", c.teamID))
	c.emit(channel.StateConnected, "")
	return nil
}

// Stop cancels the read loop and waits for it to exit. Safe to call repeatedly.
func (c *Client) Stop(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	c.emit(channel.StateStopped, "")
	return nil
}

// SendMessage posts text to a Slack channel, chunked at the platform limit.
func (c *Client) SendMessage(ctx context.Context, target, text string) error {
	for _, chunk := range channel.ChunkText(text, maxMessageLength) {
		var resp struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		payload := map[string]any{"channel": strings.TrimSpace(target), "text": chunk}
		if err := c.call(ctx, "chat.postMessage", c.cfg.Token, payload, &resp); err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("slack chat.postMessage: %s", resp.Error)
		}
	}
	return nil
}

// ListContexts returns the public channels the bot can see.
func (c *Client) ListContexts(ctx context.Context) ([]channel.ContextInfo, error) {
	var resp struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error"`
		Channels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			IsIM bool   `json:"is_im"`
		} `json:"channels"`
	}
	payload := map[string]any{"types": "public_channel", "limit": 200}
	if err := c.call(ctx, "conversations.list", c.cfg.Token, payload, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack conversations.list: %s", resp.Error)
	}
	items := make([]channel.ContextInfo, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		items = append(items, channel.ContextInfo{ID: ch.ID, Name: ch.Name, Type: "channel"})
	}
	return items, nil
}

// openSocket asks the Slack API for a fresh Socket Mode URL and dials it.
func (c *Client) openSocket(ctx context.Context) (*websocket.Conn, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := c.call(ctx, "apps.connections.open", c.cfg.AppToken(), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack apps.connections.open: %s", resp.Error)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, resp.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("slack socket dial: %w", err)
	}
	return conn, nil
}

// envelope is the Socket Mode frame wrapper. Every frame with an envelope id
// must be acked or Slack resends it.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

type eventsPayload struct {
	TeamID string `json:"team_id"`
	Event  struct {
		Type        string `json:"type"`
		SubType     string `json:"subtype"`
		User        string `json:"user"`
		BotID       string `json:"bot_id"`
		Text        string `json:"text"`
		Channel     string `json:"channel"`
		ChannelType string `json:"channel_type"`
		TS          string `json:"ts"`
		ThreadTS    string `json:"thread_ts"`
	} `json:"event"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	// A single watcher for the whole loop; it closes whichever socket is
	// current when the context ends, unblocking the read.
	var connMu sync.Mutex
	current := conn
	swap := func(ws *websocket.Conn) {
		connMu.Lock()
		current = ws
		connMu.Unlock()
	}
	go func() {
		<-ctx.Done()
		connMu.Lock()
		defer connMu.Unlock()
		if current != nil {
			_ = current.Close()
		}
	}()

	var backoff channel.Backoff
	for {
		if conn == nil {
			if c.stopped.Load() || ctx.Err() != nil {
				return
			}
			c.emit(channel.StateReconnecting, "socket closed")
			if !backoff.Next(ctx) {
				c.emit(channel.StateError, "reconnect attempts exhausted")
				return
			}
			next, err := c.openSocket(ctx)
			if err != nil {
				c.logger.Warn("reconnect failed", slog.Any("error", err))
				continue
			}
			conn = next
			swap(conn)
			backoff.Reset()
			c.emit(channel.StateConnected, "")
		}

		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				_ = conn.Close()
				conn = nil
				break
			}
			if env.EnvelopeID != "" {
				_ = conn.WriteJSON(map[string]string{"envelope_id": env.EnvelopeID})
			}
			switch env.Type {
			case "events_api":
				c.handleEvents(ctx, env.Payload)
			case "disconnect":
				// Slack rotates socket URLs; treat as a clean reconnect.
				_ = conn.Close()
				conn = nil
			}
			if conn == nil {
				break
			}
		}
		swap(nil)
		if c.stopped.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) handleEvents(ctx context.Context, raw json.RawMessage) {
	if c.onMessage == nil {
		return
	}
	var payload eventsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("bad events payload", slog.Any("error", err))
		return
	}
	ev := payload.Event
	if ev.Type != "message" || ev.SubType != "" {
		return
	}
	if ev.BotID != "" || ev.User == "" || ev.User == c.botUserID {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	isDM := ev.ChannelType == "im"
	if !isDM && !c.cfg.RespondToAll() && !strings.Contains(text, "<@"+c.botUserID+">") {
		return
	}
	teamID := payload.TeamID
	if teamID == "" {
		teamID = c.teamID
	}
	inbound := message.BaseMessage{
		ID:          ev.TS,
		Channel:     message.ChannelSlack,
		UserID:      ev.Channel,
		SessionID:   SessionKey(teamID, ev.Channel, ev.User, isDM),
		Content:     c.stripMention(text),
		MessageType: message.TypeText,
		Timestamp:   time.Now().UTC(),
		Metadata: map[string]any{
			"team_id":   teamID,
			"sender_id": ev.User,
		},
		Context: threadContext(ev.ThreadTS, ev.TS),
	}
	c.emit(channel.StateActive, "")
	c.onMessage(ctx, inbound)
}

// SessionKey derives the conversation partition key: sl_<team>_<channel> for
// channel messages, sl_dm_<user> for direct messages.
func SessionKey(teamID, channelID, userID string, isDM bool) string {
	if isDM {
		return "sl_dm_" + userID
	}
	return "sl_" + teamID + "_" + channelID
}

func (c *Client) stripMention(text string) string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.botUserID+">", ""))
	if cleaned == "" {
		return text
	}
	return cleaned
}

func threadContext(threadTS, ts string) *message.Context {
	if threadTS == "" || threadTS == ts {
		return nil
	}
	return &message.Context{ThreadID: threadTS}
}

// call posts a JSON (or empty) body to a Slack Web API method using the given
// bearer token and decodes the response into out.
func (c *Client) call(ctx context.Context, method, token string, payload any, out any) error {
	var body io.Reader
	contentType := "application/x-www-form-urlencoded"
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("slack %s: %w", method, err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json; charset=utf-8"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, body)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("slack %s: decode: %w", method, err)
	}
	return nil
}

func (c *Client) emit(state channel.State, detail string) {
	if c.onStatus == nil {
		return
	}
	c.onStatus(channel.Status{State: state, Detail: detail, UpdatedAt: time.Now().UTC()})
}
