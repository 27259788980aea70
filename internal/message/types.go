// Package message defines the normalized message format shared by all
// channel adapters.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies a messaging platform.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelSlack    Channel = "slack"
	ChannelWhatsApp Channel = "whatsapp"
)

// String returns the channel as a plain string.
func (c Channel) String() string {
	return string(c)
}

// ParseChannel validates a raw string into a supported Channel.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelTelegram:
		return ChannelTelegram, nil
	case ChannelDiscord:
		return ChannelDiscord, nil
	case ChannelSlack:
		return ChannelSlack, nil
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	}
	return "", fmt.Errorf("unsupported channel: %s", raw)
}

// Type classifies inbound message content.
type Type string

const (
	TypeText    Type = "text"
	TypeImage   Type = "image"
	TypeAudio   Type = "audio"
	TypeVideo   Type = "video"
	TypeFile    Type = "file"
	TypeUnknown Type = "unknown"
)

// Context carries optional threading metadata for an inbound message.
type Context struct {
	ReplyTo     string `json:"reply_to,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	IsEdited    bool   `json:"is_edited,omitempty"`
	IsForwarded bool   `json:"is_forwarded,omitempty"`
}

// BaseMessage is the immutable value produced once per inbound platform event.
//
// UserID is the send-target identifier for the reply (a chat or channel id,
// not necessarily the human sender). SessionID partitions conversations within
// one connection: two messages with the same SessionID must be served by the
// same agent session so history is preserved.
type BaseMessage struct {
	ID          string         `json:"id"`
	Channel     Channel        `json:"channel"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
	Content     string         `json:"content"`
	MessageType Type           `json:"message_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Context     *Context       `json:"context,omitempty"`
}
