package channel

import (
	"strings"
	"time"

	"github.com/linkhubhq/linkhub/internal/message"
)

// Metadata keys recognized in a connection's free-form metadata map.
const (
	MetaAllowedContexts   = "allowedContexts"
	MetaSigningSecret     = "signingSecret"
	MetaAppToken          = "appToken"
	MetaRespondToAll      = "respondToAll"
	MetaLLMConfig         = "llm_config"
	MetaDailyRequestLimit = "daily_request_limit"
)

// Config is the persisted configuration of one connection: a single bot
// credential bound to a single agent endpoint for one tenant.
//
// Token semantics are per-channel: a bot token for Telegram/Discord/Slack,
// a session label for WhatsApp.
type Config struct {
	ID        string          `json:"id"`
	Channel   message.Channel `json:"channel"`
	Token     string          `json:"token"`
	AgentURL  string          `json:"agent_url"`
	UserID    string          `json:"user_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TenantKey is the identifier middleware resolves connections by: the owning
// tenant when set, else the connection id.
func (c Config) TenantKey() string {
	if key := strings.TrimSpace(c.UserID); key != "" {
		return key
	}
	return strings.TrimSpace(c.ID)
}

// RespondToAll reports whether the connection answers group messages without
// an explicit mention.
func (c Config) RespondToAll() bool {
	v, ok := c.Metadata[MetaRespondToAll]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// SigningSecret returns the Slack signing secret, if configured.
func (c Config) SigningSecret() string {
	return c.metaString(MetaSigningSecret)
}

// AppToken returns the Slack app-level token, if configured.
func (c Config) AppToken() string {
	return c.metaString(MetaAppToken)
}

// LLMConfig returns the resolved per-tenant LLM credentials, or nil.
func (c Config) LLMConfig() map[string]any {
	v, ok := c.Metadata[MetaLLMConfig]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	return m
}

// DailyRequestLimit returns the per-tenant daily quota, falling back to def
// when unset or invalid.
func (c Config) DailyRequestLimit(def int) int {
	v, ok := c.Metadata[MetaDailyRequestLimit]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n
		}
	case int64:
		if n > 0 {
			return int(n)
		}
	case float64:
		if n > 0 {
			return int(n)
		}
	}
	return def
}

// AllowedContext is one allowlist entry of opaque platform identifiers
// permitted to trigger responses.
type AllowedContext struct {
	AllowedJID string `json:"allowedJid"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	Image      string `json:"image,omitempty"`
}

// AllowedContexts decodes the allowlist from metadata. An absent or empty
// list means no allowlist is enforced.
func (c Config) AllowedContexts() []AllowedContext {
	v, ok := c.Metadata[MetaAllowedContexts]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	items := make([]AllowedContext, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := AllowedContext{
			AllowedJID: stringValue(m["allowedJid"]),
			Name:       stringValue(m["name"]),
			Type:       stringValue(m["type"]),
			Image:      stringValue(m["image"]),
		}
		if item.AllowedJID == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

// Allows reports whether the given platform identifier passes the allowlist.
// An empty allowlist admits everyone.
func (c Config) Allows(jid string) bool {
	allowed := c.AllowedContexts()
	if len(allowed) == 0 {
		return true
	}
	jid = strings.TrimSpace(jid)
	for _, entry := range allowed {
		if entry.AllowedJID == jid {
			return true
		}
	}
	return false
}

func (c Config) metaString(key string) string {
	return stringValue(c.Metadata[key])
}

func stringValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// CloneMetadata returns a shallow copy of the metadata map, never nil.
func (c Config) CloneMetadata() map[string]any {
	out := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out[k] = v
	}
	return out
}
