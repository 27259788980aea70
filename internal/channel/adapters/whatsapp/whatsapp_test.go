package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkhubhq/linkhub/internal/channel"
)

func TestSessionKeyFlattensJID(t *testing.T) {
	t.Parallel()

	if got := SessionKey("12345@s.whatsapp.net"); got != "wa_12345" {
		t.Fatalf("SessionKey = %q", got)
	}
	if got := SessionKey("group-77@g.us"); got != "wa_group-77" {
		t.Fatalf("group SessionKey = %q", got)
	}
	if got := SessionKey("bare"); got != "wa_bare" {
		t.Fatalf("bare SessionKey = %q", got)
	}
}

func TestAdmitAllowlistIsAuthoritative(t *testing.T) {
	t.Parallel()

	cfg := channel.Config{
		Metadata: map[string]any{
			channel.MetaAllowedContexts: []any{
				map[string]any{"allowedJid": "100@s.whatsapp.net"},
				map[string]any{"allowedJid": "g1@g.us"},
			},
		},
	}
	if !admit(cfg, "100@s.whatsapp.net") {
		t.Fatal("allowlisted chat rejected")
	}
	if !admit(cfg, "g1@g.us") {
		t.Fatal("allowlisted group rejected")
	}
	if admit(cfg, "200@s.whatsapp.net") {
		t.Fatal("unlisted chat admitted with allowlist present")
	}
	if admit(cfg, "g2@g.us") {
		t.Fatal("unlisted group admitted with allowlist present")
	}
}

func TestAdmitWithoutAllowlist(t *testing.T) {
	t.Parallel()

	cfg := channel.Config{}
	if !admit(cfg, "100@s.whatsapp.net") {
		t.Fatal("direct chats pass without allowlist")
	}
	if admit(cfg, "g1@g.us") {
		t.Fatal("groups need respondToAll without allowlist")
	}
	cfg.Metadata = map[string]any{channel.MetaRespondToAll: true}
	if !admit(cfg, "g1@g.us") {
		t.Fatal("respondToAll should admit groups")
	}
}

func TestStopClosesCurrentConnAfterReconnect(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	var (
		mu    sync.Mutex
		conns int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		var f frame
		if err := ws.ReadJSON(&f); err != nil || f.Type != "init" {
			_ = ws.Close()
			return
		}
		_ = ws.WriteJSON(frame{Type: "ready"})
		if n == 1 {
			// Drop the first connection to force a reconnect.
			_ = ws.Close()
			return
		}
		// Hold the replacement open until the client closes it.
		for {
			if err := ws.ReadJSON(&f); err != nil {
				_ = ws.Close()
				return
			}
		}
	}))
	defer srv.Close()

	bridgeURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(nil, channel.Config{ID: "conn-1"}, bridgeURL, t.TempDir())
	states := make(chan channel.State, 16)
	c.OnStatus(func(s channel.Status) { states <- s.State })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitState := func(want channel.State) {
		t.Helper()
		deadline := time.After(15 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("state %s never arrived", want)
			}
		}
	}
	waitState(channel.StateConnected)
	waitState(channel.StateReconnecting)
	waitState(channel.StateConnected)

	// Stop must unblock the read on the second connection, not the first.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("stop timed out waiting for the read loop to exit")
	}
	mu.Lock()
	n := conns
	mu.Unlock()
	if n != 2 {
		t.Fatalf("bridge connections = %d, want 2", n)
	}
}

func TestCredentialDir(t *testing.T) {
	t.Parallel()

	c := New(nil, channel.Config{ID: "conn-1"}, "ws://127.0.0.1:6001", "/var/lib/linkhub/wa")
	if got := c.CredentialDir(); got != "/var/lib/linkhub/wa/conn-1" {
		t.Fatalf("CredentialDir = %q", got)
	}
}
