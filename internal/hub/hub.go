// Package hub coordinates connection lifecycle: it owns the registry of live
// platform clients, their agent sessions, and the middleware chain runs pass
// through.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/linkhubhq/linkhub/internal/agent"
	"github.com/linkhubhq/linkhub/internal/channel"
	"github.com/linkhubhq/linkhub/internal/channel/adapters"
	"github.com/linkhubhq/linkhub/internal/config"
	"github.com/linkhubhq/linkhub/internal/message"
	"github.com/linkhubhq/linkhub/internal/middleware"
	"github.com/linkhubhq/linkhub/internal/store"
)

// ErrConflict is returned when a create collides with a live connection using
// the same bot credential for a different tenant.
var ErrConflict = errors.New("connection already exists for this credential")

// Store is the persistence interface the hub needs.
type Store interface {
	Create(ctx context.Context, cfg channel.Config) error
	Get(ctx context.Context, id string) (channel.Config, error)
	List(ctx context.Context) ([]channel.Config, error)
	ListByUser(ctx context.Context, userID string) ([]channel.Config, error)
	Update(ctx context.Context, cfg channel.Config) error
	UpdateStatus(ctx context.Context, id, status string) error
	Delete(ctx context.Context, id string) error
}

// entry is one live connection: the platform client plus its agent sessions.
type entry struct {
	// lifecycle serializes stop/restart transitions so a concurrent stop
	// cannot halt a client that is mid-replacement and strand its successor.
	lifecycle sync.Mutex

	mu       sync.Mutex
	cfg      channel.Config
	client   channel.Client
	master   *agent.Session
	sessions map[string]*agent.Session
	limiter  *rate.Limiter
	status   channel.Status
}

// Info is a connection's config joined with its runtime status.
type Info struct {
	Config channel.Config `json:"config"`
	Status channel.Status `json:"status"`
}

// Hub is the connection registry and message router.
type Hub struct {
	logger  *slog.Logger
	store   Store
	usage   middleware.UsageStore
	factory adapters.Factory
	opts    adapters.Options
	cfg     config.HubConfig

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a hub. factory may be nil, in which case the production adapter
// factory is used.
func New(log *slog.Logger, st Store, usage middleware.UsageStore, factory adapters.Factory, opts adapters.Options, cfg config.HubConfig) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = adapters.New
	}
	return &Hub{
		logger:  log.With(slog.String("component", "hub")),
		store:   st,
		usage:   usage,
		factory: factory,
		opts:    opts,
		cfg:     cfg,
		entries: map[string]*entry{},
	}
}

// Create registers a new connection, persists it, and starts its client.
//
// A create that matches a live connection's credential for the same tenant
// reuses it instead of failing; the same credential claimed by a different
// tenant is a conflict.
func (h *Hub) Create(ctx context.Context, cfg channel.Config) (Info, error) {
	if cfg.Token == "" {
		return Info{}, fmt.Errorf("hub: token is required")
	}
	if cfg.AgentURL == "" {
		return Info{}, fmt.Errorf("hub: agent url is required")
	}
	if existing, ok := h.findByCredential(cfg.Channel.String(), cfg.Token); ok {
		if existing.snapshotConfig().TenantKey() == cfg.TenantKey() && !existing.snapshotStatus().State.Terminal() {
			h.logger.Info("reusing existing connection", slog.String("connection_id", existing.snapshotConfig().ID))
			return Info{Config: existing.snapshotConfig(), Status: existing.snapshotStatus()}, nil
		}
		return Info{}, ErrConflict
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Status = string(channel.StateInitializing)
	cfg.CreatedAt = time.Now().UTC()
	if err := h.store.Create(ctx, cfg); err != nil {
		return Info{}, err
	}

	e, err := h.startEntry(ctx, cfg)
	if err != nil {
		h.persistStatus(cfg.ID, channel.StateError)
		return Info{}, err
	}
	return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
}

// UpdatePatch is a partial connection update. Nil fields are left unchanged.
type UpdatePatch struct {
	Token    *string
	AgentURL *string
	Metadata map[string]any
}

// apply merges the patch into cfg, reporting whether the token or the agent
// URL actually changed.
func (p UpdatePatch) apply(cfg channel.Config) (merged channel.Config, tokenChanged, agentChanged bool) {
	tokenChanged = p.Token != nil && *p.Token != cfg.Token
	agentChanged = p.AgentURL != nil && *p.AgentURL != cfg.AgentURL
	if p.Token != nil {
		cfg.Token = *p.Token
	}
	if p.AgentURL != nil {
		cfg.AgentURL = *p.AgentURL
	}
	if p.Metadata != nil {
		meta := cfg.CloneMetadata()
		for k, v := range p.Metadata {
			meta[k] = v
		}
		cfg.Metadata = meta
	}
	return cfg, tokenChanged, agentChanged
}

// Update applies a patch to a connection. A token or agent URL change
// restarts the platform client, except on WhatsApp where changes are pushed
// into the running client; a metadata-only change is applied in place. A
// connection without a live client is patched in the store only; the new
// configuration takes effect on its next start.
func (h *Hub) Update(ctx context.Context, id string, patch UpdatePatch) (Info, error) {
	e, err := h.entry(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return h.updateStored(ctx, id, patch)
		}
		return Info{}, err
	}
	e.mu.Lock()
	cfg, tokenChanged, agentChanged := patch.apply(e.cfg)
	e.mu.Unlock()

	if err := h.store.Update(ctx, cfg); err != nil {
		return Info{}, err
	}

	switch {
	case (tokenChanged || agentChanged) && cfg.Channel != message.ChannelWhatsApp:
		// Token rotation or a new agent endpoint means a fresh platform
		// client; in-flight conversations do not survive.
		if err := h.restartEntry(ctx, e, cfg); err != nil {
			return Info{}, err
		}
	case agentChanged:
		// WhatsApp identity is tied to durable pairing credentials, not the
		// token, so the client keeps running and only the agent plumbing is
		// swapped.
		h.rebuildSessions(e, cfg)
		h.applyConfig(e, cfg)
	default:
		h.applyConfig(e, cfg)
	}
	return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
}

// updateStored patches a connection that exists only in the store, such as a
// WhatsApp row parked stopped until it is re-paired.
func (h *Hub) updateStored(ctx context.Context, id string, patch UpdatePatch) (Info, error) {
	cfg, err := h.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	cfg, _, _ = patch.apply(cfg)
	if err := h.store.Update(ctx, cfg); err != nil {
		return Info{}, err
	}
	return Info{Config: cfg, Status: channel.Status{State: channel.State(cfg.Status)}}, nil
}

// Get returns one connection with its runtime status.
func (h *Hub) Get(ctx context.Context, id string) (Info, error) {
	if e, err := h.entry(id); err == nil {
		return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
	}
	cfg, err := h.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	return Info{Config: cfg, Status: channel.Status{State: channel.State(cfg.Status)}}, nil
}

// List returns all connections, live entries first-class and stored-only rows
// with their persisted status.
func (h *Hub) List(ctx context.Context, userID string) ([]Info, error) {
	var (
		configs []channel.Config
		err     error
	)
	if userID != "" {
		configs, err = h.store.ListByUser(ctx, userID)
	} else {
		configs, err = h.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(configs))
	for _, cfg := range configs {
		if e, entryErr := h.entry(cfg.ID); entryErr == nil {
			infos = append(infos, Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()})
			continue
		}
		infos = append(infos, Info{Config: cfg, Status: channel.Status{State: channel.State(cfg.Status)}})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Config.CreatedAt.Before(infos[j].Config.CreatedAt)
	})
	return infos, nil
}

// Stop halts a connection's client but keeps its configuration. Stopping an
// already stopped connection is a no-op.
func (h *Hub) Stop(ctx context.Context, id string) error {
	e, err := h.entry(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if _, getErr := h.store.Get(ctx, id); getErr != nil {
				return getErr
			}
			return nil
		}
		return err
	}
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if err := e.snapshotClient().Stop(ctx); err != nil {
		h.logger.Warn("client stop failed", slog.String("connection_id", id), slog.Any("error", err))
	}
	e.setStatus(channel.Status{State: channel.StateStopped, UpdatedAt: time.Now().UTC()})
	h.persistStatus(id, channel.StateStopped)
	return nil
}

// Restart stops a connection's client (if live) and starts a fresh one from
// the stored configuration.
func (h *Hub) Restart(ctx context.Context, id string) (Info, error) {
	cfg, err := h.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if e, entryErr := h.entry(id); entryErr == nil {
		if err := h.restartEntry(ctx, e, cfg); err != nil {
			return Info{}, err
		}
		return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
	}
	e, err := h.startEntry(ctx, cfg)
	if err != nil {
		h.persistStatus(id, channel.StateError)
		return Info{}, err
	}
	return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
}

// ScanQR forces a fresh pairing flow: stored platform credentials are
// discarded first, then the client is restarted so its next start emits a new
// QR code.
func (h *Hub) ScanQR(ctx context.Context, id string) (Info, error) {
	cfg, err := h.store.Get(ctx, id)
	if err != nil {
		return Info{}, err
	}
	if e, entryErr := h.entry(id); entryErr == nil {
		h.discardCredentials(id, e.snapshotClient())
		if err := h.restartEntry(ctx, e, cfg); err != nil {
			return Info{}, err
		}
		return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
	}
	// No live client; build one only to reach its durable credential material.
	if client, factoryErr := h.factory(h.logger, cfg, h.opts); factoryErr == nil {
		h.discardCredentials(id, client)
	}
	e, err := h.startEntry(ctx, cfg)
	if err != nil {
		h.persistStatus(id, channel.StateError)
		return Info{}, err
	}
	return Info{Config: e.snapshotConfig(), Status: e.snapshotStatus()}, nil
}

// Delete stops a connection, discards any stored platform credentials, and
// removes it from persistence.
func (h *Hub) Delete(ctx context.Context, id string) error {
	if e, err := h.entry(id); err == nil {
		e.lifecycle.Lock()
		client := e.snapshotClient()
		if err := client.Stop(ctx); err != nil {
			h.logger.Warn("client stop failed", slog.String("connection_id", id), slog.Any("error", err))
		}
		h.discardCredentials(id, client)
		e.lifecycle.Unlock()
		h.mu.Lock()
		delete(h.entries, id)
		h.mu.Unlock()
	}
	return h.store.Delete(ctx, id)
}

func (h *Hub) discardCredentials(id string, client channel.Client) {
	discarder, ok := client.(channel.CredentialDiscarder)
	if !ok {
		return
	}
	if err := discarder.DiscardCredentials(); err != nil {
		h.logger.Warn("credential discard failed", slog.String("connection_id", id), slog.Any("error", err))
	}
}

// Status returns the live runtime status of a connection, including any
// pending QR payload.
func (h *Hub) Status(id string) (channel.Status, error) {
	e, err := h.entry(id)
	if err != nil {
		return channel.Status{}, err
	}
	return e.snapshotStatus(), nil
}

// Contexts lists the addressable conversation targets of a connection, for
// clients that can enumerate them.
func (h *Hub) Contexts(ctx context.Context, id string) ([]channel.ContextInfo, error) {
	e, err := h.entry(id)
	if err != nil {
		return nil, err
	}
	lister, ok := e.snapshotClient().(channel.ContextLister)
	if !ok {
		return nil, fmt.Errorf("hub: %s connections cannot list contexts", e.snapshotConfig().Channel)
	}
	return lister.ListContexts(ctx)
}

// ResolveThread maps a run thread id back to its connection config. Thread
// ids may carry a "#conversation" suffix.
func (h *Hub) ResolveThread(threadID string) (channel.Config, bool) {
	key := threadID
	if i := strings.Index(key, "#"); i >= 0 {
		key = key[:i]
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.entries {
		if e.snapshotConfig().TenantKey() == key {
			return e.snapshotConfig(), true
		}
	}
	return channel.Config{}, false
}

// startEntry builds the client and agent plumbing for a config, starts the
// client, and registers the entry.
func (h *Hub) startEntry(ctx context.Context, cfg channel.Config) (*entry, error) {
	client, err := h.factory(h.logger, cfg, h.opts)
	if err != nil {
		return nil, err
	}
	e := &entry{
		cfg:      cfg,
		client:   client,
		sessions: map[string]*agent.Session{},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		status:   channel.Status{State: channel.StateInitializing, UpdatedAt: time.Now().UTC()},
	}
	e.master = h.newMasterSession(cfg)

	client.OnStatus(func(status channel.Status) { h.onStatus(e, status) })
	client.OnMessage(func(msgCtx context.Context, msg message.BaseMessage) { h.onMessage(msgCtx, e, msg) })

	h.mu.Lock()
	h.entries[cfg.ID] = e
	h.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		h.mu.Lock()
		delete(h.entries, cfg.ID)
		h.mu.Unlock()
		return nil, err
	}
	return e, nil
}

// restartEntry swaps a live entry's client for a fresh one built from cfg.
// The old client is stopped exactly once; sessions are rebuilt because the
// platform identity may have changed.
func (h *Hub) restartEntry(ctx context.Context, e *entry, cfg channel.Config) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if err := e.snapshotClient().Stop(ctx); err != nil {
		h.logger.Warn("client stop failed", slog.String("connection_id", cfg.ID), slog.Any("error", err))
	}
	client, err := h.factory(h.logger, cfg, h.opts)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.client = client
	e.sessions = map[string]*agent.Session{}
	e.master = h.newMasterSession(cfg)
	e.mu.Unlock()

	client.OnStatus(func(status channel.Status) { h.onStatus(e, status) })
	client.OnMessage(func(msgCtx context.Context, msg message.BaseMessage) { h.onMessage(msgCtx, e, msg) })
	if err := client.Start(ctx); err != nil {
		h.persistStatus(cfg.ID, channel.StateError)
		return err
	}
	return nil
}

// rebuildSessions replaces the agent plumbing after an agent URL change. The
// platform client keeps running; conversation history starts over against the
// new agent.
func (h *Hub) rebuildSessions(e *entry, cfg channel.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.sessions = map[string]*agent.Session{}
	e.master = h.newMasterSession(cfg)
}

// applyConfig pushes a metadata-only change into the running client, falling
// back to nothing when the client has no in-place update capability: the new
// metadata still takes effect for middleware on the next run.
func (h *Hub) applyConfig(e *entry, cfg channel.Config) {
	e.mu.Lock()
	e.cfg = cfg
	client := e.client
	e.mu.Unlock()
	if updater, ok := client.(channel.ConfigUpdater); ok {
		if err := updater.UpdateConfiguration(cfg); err != nil {
			h.logger.Warn("config push failed", slog.String("connection_id", cfg.ID), slog.Any("error", err))
		}
	}
}

// newMasterSession builds the connection's root agent session with the full
// middleware chain applied.
func (h *Hub) newMasterSession(cfg channel.Config) *agent.Session {
	client := agent.NewClient(h.logger, cfg.AgentURL)
	invoker := agent.Chain(client.Run,
		middleware.RateLimit(h, h.usage, h.cfg.DefaultDailyLimit, h.logger),
		middleware.LLMInjection(h, h.logger),
	)
	return agent.NewSession(h.logger, invoker, agent.Params{
		ThreadID: cfg.TenantKey(),
		MaxTurns: h.cfg.MaxTurns,
		Timeout:  h.cfg.AgentTimeout.Std(),
	})
}

func (h *Hub) entry(id string) (*entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (h *Hub) findByCredential(ch, token string) (*entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.entries {
		cfg := e.snapshotConfig()
		if cfg.Channel.String() == ch && cfg.Token == token {
			return e, true
		}
	}
	return nil, false
}

// persistStatus writes a status transition to the store; failures are logged
// because runtime state must never be lost to a storage hiccup.
func (h *Hub) persistStatus(id string, state channel.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.UpdateStatus(ctx, id, string(state)); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("status persist failed", slog.String("connection_id", id), slog.Any("error", err))
	}
}

func (e *entry) snapshotConfig() channel.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *entry) snapshotClient() channel.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *entry) snapshotStatus() channel.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *entry) setStatus(status channel.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}
