package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/linkhubhq/linkhub/internal/agent"
	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/channel/adapters"
	"github.com/linkhubhq/linkhub/internal/message"
)

// fakeAgent is an httptest agent endpoint that records run inputs and echoes
// a reply derived from the latest user message.
type fakeAgent struct {
	mu     sync.Mutex
	inputs []agent.RunInput
	fail   bool
}

func (f *fakeAgent) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input agent.RunInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.inputs = append(f.inputs, input)
		fail := f.fail
		f.mu.Unlock()
		if fail {
			http.Error(w, "agent down", http.StatusInternalServerError)
			return
		}
		last := input.Messages[len(input.Messages)-1].Content
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"type\":\"TEXT_MESSAGE_CONTENT\",\"delta\":%q}\n\n", "echo: "+last)
		fmt.Fprint(w, "data: {\"type\":\"RUN_FINISHED\"}\n\n")
	}
}

func (f *fakeAgent) threadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.inputs))
	for _, in := range f.inputs {
		ids = append(ids, in.ThreadID)
	}
	return ids
}

func inbound(sessionID, chatID, content string) message.BaseMessage {
	return message.BaseMessage{
		ID:          "msg-1",
		Channel:     message.ChannelTelegram,
		UserID:      chatID,
		SessionID:   sessionID,
		Content:     content,
		MessageType: message.TypeText,
		Timestamp:   time.Now().UTC(),
	}
}

func awaitSent(t *testing.T, client *fakeClient) sentMessage {
	t.Helper()
	select {
	case msg := <-client.sentCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return sentMessage{}
	}
}

func TestInboundMessageRoutedToAgentAndReplied(t *testing.T) {
	t.Parallel()

	agentSrv := &fakeAgent{}
	srv := httptest.NewServer(agentSrv.handler())
	defer srv.Close()

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(newMemStore(), factory.factory())

	cfg := telegramConfig()
	cfg.AgentURL = srv.URL
	if _, err := h.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	client.inject(inbound("tg_100", "100", "hello"))
	reply := awaitSent(t, client)
	if reply.target != "100" {
		t.Fatalf("reply target = %q", reply.target)
	}
	if reply.text != "echo: hello" {
		t.Fatalf("reply text = %q", reply.text)
	}
	threads := agentSrv.threadIDs()
	if len(threads) != 1 || threads[0] != "tenant-1#tg_100" {
		t.Fatalf("agent saw threads %v", threads)
	}
}

func TestConversationsGetIsolatedSessions(t *testing.T) {
	t.Parallel()

	agentSrv := &fakeAgent{}
	srv := httptest.NewServer(agentSrv.handler())
	defer srv.Close()

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(newMemStore(), factory.factory())

	cfg := telegramConfig()
	cfg.AgentURL = srv.URL
	info, err := h.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client.inject(inbound("tg_100", "100", "from chat 100"))
	awaitSent(t, client)
	client.inject(inbound("tg_200", "200", "from chat 200"))
	awaitSent(t, client)

	threads := agentSrv.threadIDs()
	if len(threads) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(threads))
	}
	if threads[0] == threads[1] {
		t.Fatalf("conversations shared a thread: %v", threads)
	}

	e, err := h.entry(info.Config.ID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	e.mu.Lock()
	sessionCount := len(e.sessions)
	e.mu.Unlock()
	if sessionCount != 2 {
		t.Fatalf("expected 2 lazy sessions, got %d", sessionCount)
	}
	// same conversation reuses its session and keeps history
	client.inject(inbound("tg_100", "100", "again"))
	awaitSent(t, client)
	history := e.session("tg_100").History()
	if len(history) != 4 {
		t.Fatalf("conversation history = %d messages, want 4", len(history))
	}
}

func TestAgentFailureSendsErrorReply(t *testing.T) {
	t.Parallel()

	agentSrv := &fakeAgent{fail: true}
	srv := httptest.NewServer(agentSrv.handler())
	defer srv.Close()

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := newTestHub(newMemStore(), factory.factory())

	cfg := telegramConfig()
	cfg.AgentURL = srv.URL
	if _, err := h.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	client.inject(inbound("tg_100", "100", "hello"))
	reply := awaitSent(t, client)
	if reply.text != errorReply {
		t.Fatalf("expected error reply, got %q", reply.text)
	}
}

func TestRateLimitRepliesWithLimitMessage(t *testing.T) {
	t.Parallel()

	agentSrv := &fakeAgent{}
	srv := httptest.NewServer(agentSrv.handler())
	defer srv.Close()

	usage := newMemUsage()
	usage.counts["tenant-1"] = 50 // at the default limit

	client := newFakeClient()
	factory := &fakeFactory{clients: []channel.Client{client}}
	h := New(nil, newMemStore(), usage, factory.factory(), adapters.Options{}, testHubConfig())

	cfg := telegramConfig()
	cfg.AgentURL = srv.URL
	if _, err := h.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	client.inject(inbound("tg_100", "100", "hello"))
	reply := awaitSent(t, client)
	if len(agentSrv.threadIDs()) != 0 {
		t.Fatal("agent must not be invoked past the limit")
	}
	if reply.text == "echo: hello" {
		t.Fatal("expected synthesized limit reply, got agent reply")
	}
}
