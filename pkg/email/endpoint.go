// Copyright 2024-2026 Aiku AI

package email

import (
	"context"
	"fmt"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
)

// Endpoint returns the live endpoint for (address, thread token), creating
// it if needed. A closed endpoint's registry slot is released by its state
// listener, so a later subscription for the same thread gets a fresh one.
func (m *Manager) Endpoint(identity, channel string) (bridge.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.Key(identity, channel)
	if ep, ok := m.endpoints[key]; ok && !ep.Closed() {
		return ep, nil
	}

	ep := bridge.NewBaseEndpoint(key, identity, channel, bridge.EndpointHooks{
		SendMessage: func(msg *bridge.Message) error {
			return m.deliverMessage(identity, channel, msg)
		},
		SendEvent: func(ev *bridge.Event) error {
			return m.deliverEvent(identity, channel, ev)
		},
	}, m.log)
	ep.AddStateListener(func(closed bridge.Endpoint) {
		m.mu.Lock()
		if m.endpoints[key] == closed {
			delete(m.endpoints, key)
		}
		m.mu.Unlock()
	})
	m.endpoints[key] = ep
	return ep, nil
}

// deliverMessage forwards bridged conversation content as an e-mail on
// the subscription's thread.
func (m *Manager) deliverMessage(to, threadID string, msg *bridge.Message) error {
	out := &Outbound{
		FromName: m.cfg.Sender.Name,
		From:     m.cfg.Sender.Email,
		ReplyTo:  m.ReplyTo(threadID),
		To:       to,
		Subject:  m.notif.MessageSubject(),
	}
	if text, ok := msg.Content(bridge.MIMEText); ok {
		out.Text = text.Body
	}
	if html, ok := msg.Content(bridge.MIMEHTML); ok {
		out.HTML = html.Body
	}
	if out.Text == "" && out.HTML == "" {
		return fmt.Errorf("message %s has no usable content", msg.Key())
	}
	return m.sender.Send(context.Background(), out)
}

// deliverEvent sends the lifecycle notification mail for an event, if one
// is configured.
func (m *Manager) deliverEvent(to, threadID string, ev *bridge.Event) error {
	subject, body, ok := m.notif.ForEvent(ev)
	if !ok {
		m.log.Debug().Str("event_type", string(ev.Type)).Msg("No notification for event type")
		return nil
	}
	return m.sender.Send(context.Background(), &Outbound{
		FromName: m.cfg.Sender.Name,
		From:     m.cfg.Sender.Email,
		ReplyTo:  m.ReplyTo(threadID),
		To:       to,
		Subject:  subject,
		Text:     body,
	})
}
