// Package whatsapp implements the WhatsApp channel client. It talks to a
// local bridge process over a websocket: the bridge owns the actual WhatsApp
// session and forwards events as JSON frames.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/message"
)

const contextsTimeout = 10 * time.Second

// frame is the bridge wire format, a single tagged JSON object in both
// directions.
type frame struct {
	Type     string                `json:"type"`
	ID       string                `json:"id,omitempty"`
	From     string                `json:"from,omitempty"`
	To       string                `json:"to,omitempty"`
	Name     string                `json:"name,omitempty"`
	Content  string                `json:"content,omitempty"`
	QR       string                `json:"qr,omitempty"`
	Session  string                `json:"session,omitempty"`
	Detail   string                `json:"detail,omitempty"`
	Contexts []channel.ContextInfo `json:"contexts,omitempty"`
}

// Client is the WhatsApp channel adapter.
type Client struct {
	logger    *slog.Logger
	bridgeURL string
	credRoot  string
	onMessage channel.MessageHandler
	onStatus  channel.StatusHandler

	cfgMu sync.RWMutex
	cfg   channel.Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	contextsMu sync.Mutex // serializes ListContexts callers
	pendingMu  sync.Mutex
	contextsCh chan []channel.ContextInfo

	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New creates a WhatsApp client. bridgeURL is the websocket endpoint of the
// bridge process; credRoot is the directory under which the bridge stores
// per-connection credential state.
func New(log *slog.Logger, cfg channel.Config, bridgeURL, credRoot string) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		logger:    log.With(slog.String("adapter", "whatsapp"), slog.String("connection_id", cfg.ID)),
		bridgeURL: bridgeURL,
		credRoot:  credRoot,
	}
}

func (c *Client) OnMessage(handler channel.MessageHandler) {
	c.onMessage = handler
}

func (c *Client) OnStatus(handler channel.StatusHandler) {
	c.onStatus = handler
}

// CredentialDir returns the directory the bridge keeps this connection's
// pairing credentials in. Its existence means a QR scan can be skipped.
func (c *Client) CredentialDir() string {
	return filepath.Join(c.credRoot, c.config().ID)
}

// Start dials the bridge and begins the read loop. Pairing progress (QR
// codes, ready) arrives asynchronously as status events.
func (c *Client) Start(ctx context.Context) error {
	c.emit(channel.Status{State: channel.StateInitializing})
	conn, err := c.dial(ctx)
	if err != nil {
		c.emit(channel.Status{State: channel.StateError, Detail: err.Error()})
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopped.Store(false)
	go c.readLoop(runCtx, conn)

	c.logger.Info("started", slog.String("bridge", c.bridgeURL))
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
	c.emit(channel.Status{State: channel.StateStopped})
	return nil
}

// SendMessage delivers text to a WhatsApp JID through the bridge.
func (c *Client) SendMessage(ctx context.Context, target, text string) error {
	return c.write(frame{Type: "send", To: strings.TrimSpace(target), Content: text})
}

// ListContexts asks the bridge for the chats and groups the account can see.
// Only one request is in flight at a time.
func (c *Client) ListContexts(ctx context.Context) ([]channel.ContextInfo, error) {
	c.contextsMu.Lock()
	defer c.contextsMu.Unlock()

	ch := make(chan []channel.ContextInfo, 1)
	c.pendingMu.Lock()
	c.contextsCh = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		c.contextsCh = nil
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame{Type: "contexts"}); err != nil {
		return nil, err
	}
	timer := time.NewTimer(contextsTimeout)
	defer timer.Stop()
	select {
	case contexts := <-ch:
		return contexts, nil
	case <-timer.C:
		return nil, fmt.Errorf("whatsapp: contexts request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateConfiguration swaps in a new connection config without a restart.
// The allowlist takes effect on the next inbound message.
func (c *Client) UpdateConfiguration(cfg channel.Config) error {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	return nil
}

// DiscardCredentials wipes the stored pairing state so the next Start forces
// a fresh QR scan. Best-effort logout first so the bridge drops the session.
func (c *Client) DiscardCredentials() error {
	if !c.stopped.Load() {
		if err := c.write(frame{Type: "logout"}); err != nil {
			c.logger.Warn("logout frame failed", slog.Any("error", err))
		}
	}
	dir := c.CredentialDir()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("whatsapp: discard credentials: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp bridge dial: %w", err)
	}
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	if err := c.write(frame{Type: "init", Session: c.config().ID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp: bridge not connected")
	}
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("whatsapp bridge write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)

	// A single watcher for the whole loop. dial keeps c.conn pointed at the
	// current socket, so closing it unblocks the read on every generation.
	go func() {
		<-ctx.Done()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()

	var backoff channel.Backoff
	for {
		if conn == nil {
			if c.stopped.Load() || ctx.Err() != nil {
				return
			}
			c.emit(channel.Status{State: channel.StateReconnecting, Detail: "bridge connection lost"})
			if !backoff.Next(ctx) {
				c.emit(channel.Status{State: channel.StateError, Detail: "reconnect attempts exhausted"})
				return
			}
			next, err := c.dial(ctx)
			if err != nil {
				c.logger.Warn("reconnect failed", slog.Any("error", err))
				continue
			}
			conn = next
		}

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				_ = conn.Close()
				conn = nil
				break
			}
			c.handleFrame(ctx, f, &backoff)
		}
		if c.stopped.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, f frame, backoff *channel.Backoff) {
	switch f.Type {
	case "qr":
		c.emit(channel.Status{State: channel.StateQR, QR: f.QR})
	case "ready", "authenticated":
		backoff.Reset()
		c.emit(channel.Status{State: channel.StateConnected})
	case "contexts":
		if ch := c.pendingContexts(); ch != nil {
			select {
			case ch <- f.Contexts:
			default:
			}
		}
	case "message":
		c.handleMessage(ctx, f)
	case "error":
		c.emit(channel.Status{State: channel.StateError, Detail: f.Detail})
	}
}

func (c *Client) handleMessage(ctx context.Context, f frame) {
	if c.onMessage == nil {
		return
	}
	jid := strings.TrimSpace(f.From)
	text := strings.TrimSpace(f.Content)
	if jid == "" || text == "" {
		return
	}
	cfg := c.config()
	if !admit(cfg, jid) {
		return
	}
	inbound := message.BaseMessage{
		ID:          f.ID,
		Channel:     message.ChannelWhatsApp,
		UserID:      jid,
		SessionID:   SessionKey(jid),
		Content:     text,
		MessageType: message.TypeText,
		Timestamp:   time.Now().UTC(),
		Metadata: map[string]any{
			"sender_name": f.Name,
		},
	}
	c.emit(channel.Status{State: channel.StateActive})
	c.onMessage(ctx, inbound)
}

// admit applies the WhatsApp admission policy. A configured allowlist is
// authoritative for both chats and groups; without one, direct chats pass and
// groups require respondToAll.
func admit(cfg channel.Config, jid string) bool {
	if len(cfg.AllowedContexts()) > 0 {
		return cfg.Allows(jid)
	}
	if strings.HasSuffix(jid, "@g.us") {
		return cfg.RespondToAll()
	}
	return true
}

// SessionKey derives the conversation partition key wa_<jid> with the JID's
// server suffix flattened for readability.
func SessionKey(jid string) string {
	trimmed := jid
	if i := strings.IndexByte(trimmed, '@'); i > 0 {
		trimmed = trimmed[:i]
	}
	return "wa_" + trimmed
}

func (c *Client) pendingContexts() chan []channel.ContextInfo {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.contextsCh
}

func (c *Client) config() channel.Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Client) emit(status channel.Status) {
	if c.onStatus == nil {
		return
	}
	status.UpdatedAt = time.Now().UTC()
	c.onStatus(status)
}
