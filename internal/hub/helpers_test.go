package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/channel/adapters"
	"github.com/linkhubhq/linkhub/internal/config"
	"github.com/linkhubhq/linkhub/internal/message"
	"github.com/linkhubhq/linkhub/internal/store"
)

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	rows map[string]channel.Config
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]channel.Config{}}
}

func (s *memStore) Create(ctx context.Context, cfg channel.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[cfg.ID] = cfg
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (channel.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.rows[id]
	if !ok {
		return channel.Config{}, store.ErrNotFound
	}
	return cfg, nil
}

func (s *memStore) List(ctx context.Context) ([]channel.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channel.Config, 0, len(s.rows))
	for _, cfg := range s.rows {
		out = append(out, cfg)
	}
	return out, nil
}

func (s *memStore) ListByUser(ctx context.Context, userID string) ([]channel.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.Config
	for _, cfg := range s.rows {
		if cfg.UserID == userID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, cfg channel.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[cfg.ID]
	if !ok {
		return store.ErrNotFound
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.Status = existing.Status
	s.rows[cfg.ID] = cfg
	return nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	cfg.Status = status
	s.rows[id] = cfg
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *memStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}

// memUsage is an in-memory middleware.UsageStore.
type memUsage struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemUsage() *memUsage {
	return &memUsage{counts: map[string]int{}}
}

func (u *memUsage) Count(ctx context.Context, tenantKey, day string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[tenantKey], nil
}

func (u *memUsage) Increment(ctx context.Context, tenantKey, day string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[tenantKey]++
	return nil
}

// fakeClient is a scriptable channel.Client.
type fakeClient struct {
	mu         sync.Mutex
	startCount int
	stopCount  int
	startErr   error
	sent       []sentMessage
	onMessage  channel.MessageHandler
	onStatus   channel.StatusHandler
	sentCh     chan sentMessage

	updatedCfg *channel.Config
	discarded  bool
}

type sentMessage struct {
	target string
	text   string
}

func newFakeClient() *fakeClient {
	return &fakeClient{sentCh: make(chan sentMessage, 16)}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	f.startCount++
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.emit(channel.Status{State: channel.StateConnected})
	return nil
}

func (f *fakeClient) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) SendMessage(ctx context.Context, target, text string) error {
	msg := sentMessage{target: target, text: text}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.sentCh <- msg
	return nil
}

func (f *fakeClient) OnMessage(handler channel.MessageHandler) { f.onMessage = handler }
func (f *fakeClient) OnStatus(handler channel.StatusHandler)   { f.onStatus = handler }

func (f *fakeClient) emit(status channel.Status) {
	if f.onStatus != nil {
		f.onStatus(status)
	}
}

func (f *fakeClient) inject(msg message.BaseMessage) {
	if f.onMessage != nil {
		f.onMessage(context.Background(), msg)
	}
}

func (f *fakeClient) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}

func (f *fakeClient) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount
}

// updatableClient adds the in-place config update capability.
type updatableClient struct {
	*fakeClient
}

func (u *updatableClient) UpdateConfiguration(cfg channel.Config) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updatedCfg = &cfg
	return nil
}

// discardableClient adds the credential discard capability.
type discardableClient struct {
	*fakeClient
}

func (d *discardableClient) DiscardCredentials() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discarded = true
	return nil
}

// fakeFactory hands out scripted clients in sequence and records the configs
// it saw.
type fakeFactory struct {
	mu      sync.Mutex
	clients []channel.Client
	seen    []channel.Config
	calls   int
}

func (f *fakeFactory) factory() adapters.Factory {
	return func(log *slog.Logger, cfg channel.Config, opts adapters.Options) (channel.Client, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.seen = append(f.seen, cfg)
		idx := f.calls
		f.calls++
		if idx < len(f.clients) {
			return f.clients[idx], nil
		}
		return newFakeClient(), nil
	}
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		MaxTurns:          4,
		DefaultDailyLimit: 50,
	}
}

func newTestHub(st Store, factory adapters.Factory) *Hub {
	return New(slog.Default(), st, newMemUsage(), factory, adapters.Options{}, testHubConfig())
}
