// Package channel provides the unified abstraction over platform messaging
// clients (Telegram, Discord, Slack, WhatsApp) and the configuration they run
// with.
package channel

import (
	"context"
	"time"

	"github.com/linkhubhq/linkhub/internal/message"
)

// State is the lifecycle state of a platform connection.
type State string

const (
	StateInitializing State = "initializing"
	StateQR           State = "qr"
	StateConnected    State = "connected"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Pending reports whether the state is a transient pending state that the
// janitor may reap.
func (s State) Pending() bool {
	return s == StateInitializing || s == StateQR
}

// Terminal reports whether the connection is no longer running.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Status is a tagged status variant emitted on the status channel.
type Status struct {
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	QR        string    `json:"qr,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageHandler receives normalized inbound messages that passed the
// adapter's admission policy.
type MessageHandler func(ctx context.Context, msg message.BaseMessage)

// StatusHandler receives connection status transitions. Connection-level
// errors (auth failure, socket drop) are reported here, never thrown to the
// caller of Start.
type StatusHandler func(status Status)

// Client is a platform messaging adapter. Implementations normalize platform
// events into message.BaseMessage values and apply channel-specific admission
// policy before invoking the message handler.
type Client interface {
	// Start establishes the platform connection. It returns once the
	// connection attempt is underway; only the initial login may reject.
	Start(ctx context.Context) error
	// Stop is idempotent and tolerates being called when already stopped.
	Stop(ctx context.Context) error
	// SendMessage delivers text to the given platform target.
	SendMessage(ctx context.Context, target, text string) error
	OnMessage(handler MessageHandler)
	OnStatus(handler StatusHandler)
}

// ContextInfo describes one addressable conversation target on a platform
// (e.g. a WhatsApp group or a Discord channel).
type ContextInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Image string `json:"image,omitempty"`
}

// ContextLister is an optional capability for clients that can enumerate
// addressable conversation targets.
type ContextLister interface {
	ListContexts(ctx context.Context) ([]ContextInfo, error)
}

// ConfigUpdater is an optional capability for clients that accept config
// changes (e.g. an updated allowlist) without a restart.
type ConfigUpdater interface {
	UpdateConfiguration(cfg Config) error
}

// CredentialDiscarder is an optional capability for clients with durable
// local credential material that can be wiped to force a fresh pairing.
type CredentialDiscarder interface {
	DiscardCredentials() error
}
