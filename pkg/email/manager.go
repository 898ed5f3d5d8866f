// Copyright 2024-2026 Aiku AI

package email

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// Manager builds and indexes the e-mail side endpoints, keyed by thread
// token. The fetch loop resolves inbound mail through the subscription
// manager, so the registry here only exists to hand the same live
// endpoint back while its subscription is alive.
type Manager struct {
	cfg    config.EmailConfig
	sender Provider
	notif  *Templates
	log    zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]bridge.Endpoint
}

func NewManager(cfg config.EmailConfig, sender Provider, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		sender:    sender,
		notif:     NewTemplates(cfg.Notifications),
		log:       log.With().Str("component", "email").Logger(),
		endpoints: make(map[string]bridge.Endpoint),
	}
}

// Key derives the e-mail-side subscription correlation key, which is the
// thread token itself.
func (m *Manager) Key(identity, channel string) string {
	return channel
}

// ReplyTo renders the reply address carrying a thread token.
func (m *Manager) ReplyTo(threadID string) string {
	return strings.ReplaceAll(m.cfg.Sender.Template, "%KEY%", threadID)
}
