// Copyright 2024-2026 Aiku AI

package bridge

import "time"

// MIME types recognized by both sides of the bridge.
const (
	MIMEText = "text/plain"
	MIMEHTML = "text/html"
)

// Content is one MIME part of a bridge message.
type Content struct {
	MIME     string
	Body     string
	Encoding string
}

// Message is an immutable, protocol-neutral unit of forwarded conversation
// content. It is created by one side's ingestion path and consumed once by
// the opposite endpoint.
type Message struct {
	key    string
	time   time.Time
	sender string
	parts  map[string]Content
}

// NewMessage builds a message from a list of content parts. Parts are keyed
// by MIME type; a later part with the same MIME type replaces the earlier
// one.
func NewMessage(key string, at time.Time, sender string, parts ...Content) *Message {
	partMap := make(map[string]Content, len(parts))
	for _, part := range parts {
		partMap[part.MIME] = part
	}
	return &Message{key: key, time: at, sender: sender, parts: partMap}
}

// Key identifies the source event or e-mail this message was built from.
func (m *Message) Key() string { return m.key }

func (m *Message) Time() time.Time { return m.time }

// Sender is the protocol-native identity of the author.
func (m *Message) Sender() string { return m.sender }

// Content returns the part with the given MIME type, if present.
func (m *Message) Content(mime string) (Content, bool) {
	part, ok := m.parts[mime]
	return part, ok
}

// EventType classifies a subscription lifecycle notification.
type EventType string

const (
	EventOnCreate  EventType = "create"
	EventOnDestroy EventType = "destroy"
	EventOnMute    EventType = "mute"
	EventOnUnmute  EventType = "unmute"
)

// Event is a subscription lifecycle notification, delivered to both
// endpoints independently of ordinary messages.
type Event struct {
	Type      EventType
	Time      time.Time
	Initiator string
	Sub       *Subscription
}
