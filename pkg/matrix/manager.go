// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// Manager owns the mapping between e-mail addresses and virtual Matrix
// users, and builds the Matrix-side endpoints consumed by the subscription
// manager.
type Manager struct {
	cfg       *config.Config
	factory   ClientFactory
	codec     *bridge.Codec
	templates *Templates
	log       zerolog.Logger
}

func NewManager(cfg *config.Config, factory ClientFactory, log zerolog.Logger) (*Manager, error) {
	templates, err := NewTemplates(cfg.Homeserver.UserTemplateStrings())
	if err != nil {
		return nil, err
	}
	mlog := log.With().Str("component", "matrix").Logger()
	return &Manager{
		cfg:       cfg,
		factory:   factory,
		codec:     bridge.NewCodec(mlog),
		templates: templates,
		log:       mlog,
	}, nil
}

// Key derives the Matrix-side subscription correlation key.
func (m *Manager) Key(identity, channel string) string {
	return identity + "|" + channel
}

// BotUserID is the bridge's own control user.
func (m *Manager) BotUserID() id.UserID {
	return id.NewUserID(m.cfg.Homeserver.Localpart, m.cfg.Homeserver.Domain)
}

// Bot returns a client acting as the control user.
func (m *Manager) Bot() (Client, error) {
	return m.factory.Client(m.cfg.Homeserver.Localpart)
}

// IsBridgeUser reports whether a Matrix id belongs to this bridge, either
// as the control user or as a virtual user matching a template.
func (m *Manager) IsBridgeUser(userID id.UserID) bool {
	if userID == m.BotUserID() {
		return true
	}
	_, ok := m.EmailForUser(userID)
	return ok
}

// EmailForUser recovers the e-mail address a virtual user id stands for.
func (m *Manager) EmailForUser(userID id.UserID) (string, bool) {
	localpart, domain, err := userID.Parse()
	if err != nil || domain != m.cfg.Homeserver.Domain {
		return "", false
	}
	encoded, ok := m.templates.Extract(localpart)
	if !ok {
		return "", false
	}
	return m.codec.Decode(encoded), true
}

// UserForEmail mints the virtual user id representing an e-mail address.
func (m *Manager) UserForEmail(email string) id.UserID {
	return id.NewUserID(m.templates.Build(m.codec.Encode(email)), m.cfg.Homeserver.Domain)
}

// ProvisionUser registers a virtual user on the homeserver and sets its
// displayname. The display name failure is cosmetic and only logged.
func (m *Manager) ProvisionUser(ctx context.Context, userID id.UserID) error {
	email, ok := m.EmailForUser(userID)
	if !ok {
		return fmt.Errorf("%s is not a bridge user", userID)
	}

	localpart, _, err := userID.Parse()
	if err != nil {
		return fmt.Errorf("invalid user id %s: %w", userID, err)
	}
	cli, err := m.factory.Client(localpart)
	if err != nil {
		return err
	}
	if err := cli.EnsureRegistered(ctx); err != nil {
		return err
	}
	if err := cli.SetDisplayName(ctx, email+" (Bridge)"); err != nil {
		m.log.Warn().Err(err).Str("mx_id", userID.String()).Msg("Failed to set virtual user displayname")
	}
	return nil
}
