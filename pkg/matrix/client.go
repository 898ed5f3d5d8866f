// Copyright 2024-2026 Aiku AI

// Package matrix implements the Matrix side of the bridge: the appservice
// transaction handler, virtual users and their room endpoints.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// Client is the slice of the Matrix client-server API the bridge needs,
// bound to one user. Kept small so transaction handler tests can run
// against a fake.
type Client interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error
	SetDisplayName(ctx context.Context, name string) error
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	SendText(ctx context.Context, roomID id.RoomID, text string) error
	SendFormattedText(ctx context.Context, roomID id.RoomID, text, html string) error
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

// ClientFactory hands out clients acting as specific local parts.
type ClientFactory interface {
	Client(localpart string) (Client, error)
}

// Factory builds mautrix-backed clients that authenticate with the
// appservice token and impersonate virtual users through the user_id
// query parameter.
type Factory struct {
	cfg config.HomeserverConfig
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]Client
}

func NewFactory(cfg config.HomeserverConfig, log zerolog.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		log:     log.With().Str("component", "matrix_client").Logger(),
		clients: make(map[string]Client),
	}
}

func (f *Factory) Client(localpart string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cli, ok := f.clients[localpart]; ok {
		return cli, nil
	}

	userID := id.NewUserID(localpart, f.cfg.Domain)
	cli, err := mautrix.NewClient(f.cfg.URL, userID, f.cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for %s: %w", userID, err)
	}
	cli.SetAppServiceUserID = true

	wrapped := &mautrixClient{
		cli:       cli,
		localpart: localpart,
		log:       f.log.With().Str("mx_id", userID.String()).Logger(),
	}
	f.clients[localpart] = wrapped
	return wrapped, nil
}

type mautrixClient struct {
	cli       *mautrix.Client
	localpart string
	log       zerolog.Logger
}

func (c *mautrixClient) UserID() id.UserID {
	return c.cli.UserID
}

// EnsureRegistered registers the user on the homeserver. An already
// registered user is not an error.
func (c *mautrixClient) EnsureRegistered(ctx context.Context) error {
	_, _, err := c.cli.Register(ctx, &mautrix.ReqRegister{
		Username:     c.localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", c.cli.UserID, err)
	}
	if err == nil {
		c.log.Info().Msg("Registered virtual user")
	}
	return nil
}

func (c *mautrixClient) SetDisplayName(ctx context.Context, name string) error {
	return c.cli.SetDisplayName(ctx, name)
}

func (c *mautrixClient) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.JoinRoomByID(ctx, roomID)
	return err
}

func (c *mautrixClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.cli.LeaveRoom(ctx, roomID)
	return err
}

func (c *mautrixClient) SendText(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := c.cli.SendText(ctx, roomID, text)
	return err
}

func (c *mautrixClient) SendFormattedText(ctx context.Context, roomID id.RoomID, text, html string) error {
	_, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: html,
	})
	return err
}

func (c *mautrixClient) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := c.cli.SendNotice(ctx, roomID, text)
	return err
}

func (c *mautrixClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for member := range resp.Joined {
		members = append(members, member)
	}
	return members, nil
}
