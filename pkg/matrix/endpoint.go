// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
)

// Endpoint builds the Matrix-side endpoint for a (virtual user, room)
// pair. Messages injected by the transaction handler flow out of it
// towards e-mail; messages sent to it are posted into the room as the
// virtual user.
func (m *Manager) Endpoint(identity, channel string) (bridge.Endpoint, error) {
	userID := id.UserID(identity)
	localpart, domain, err := userID.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint identity %q: %w", identity, err)
	}
	if domain != m.cfg.Homeserver.Domain {
		return nil, fmt.Errorf("endpoint identity %s is not on %s", identity, m.cfg.Homeserver.Domain)
	}

	cli, err := m.factory.Client(localpart)
	if err != nil {
		return nil, err
	}
	roomID := id.RoomID(channel)
	email, _ := m.EmailForUser(userID)

	hooks := bridge.EndpointHooks{
		SendMessage: func(msg *bridge.Message) error {
			return m.postMessage(cli, roomID, msg)
		},
		SendEvent: func(ev *bridge.Event) error {
			return m.postEvent(cli, roomID, email, ev)
		},
		Close: func() error {
			return cli.LeaveRoom(context.Background(), roomID)
		},
	}
	return bridge.NewBaseEndpoint(m.Key(identity, channel), identity, channel, hooks, m.log), nil
}

// postMessage posts bridged content into the room, formatted when an HTML
// part is available.
func (m *Manager) postMessage(cli Client, roomID id.RoomID, msg *bridge.Message) error {
	ctx := context.Background()
	text, hasText := msg.Content(bridge.MIMEText)
	html, hasHTML := msg.Content(bridge.MIMEHTML)

	switch {
	case hasText && hasHTML:
		return cli.SendFormattedText(ctx, roomID, text.Body, html.Body)
	case hasText:
		return cli.SendText(ctx, roomID, text.Body)
	case hasHTML:
		return cli.SendFormattedText(ctx, roomID, html.Body, html.Body)
	default:
		return fmt.Errorf("message %s has no usable content", msg.Key())
	}
}

// postEvent translates subscription lifecycle events into room notices,
// honoring the notify configuration.
func (m *Manager) postEvent(cli Client, roomID id.RoomID, email string, ev *bridge.Event) error {
	ctx := context.Background()
	switch ev.Type {
	case bridge.EventOnCreate:
		if m.cfg.Bridge.Notify.OnCreateDisabled {
			return nil
		}
		return cli.SendNotice(ctx, roomID, fmt.Sprintf("This conversation is now bridged to %s", email))
	case bridge.EventOnDestroy:
		if m.cfg.Bridge.Notify.OnDestroyDisabled {
			return nil
		}
		return cli.SendNotice(ctx, roomID, fmt.Sprintf("This conversation is no longer bridged to %s", email))
	default:
		m.log.Debug().Str("event_type", string(ev.Type)).Msg("No room notice for event type")
		return nil
	}
}
