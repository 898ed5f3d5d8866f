// Copyright 2024-2026 Aiku AI

package email

import (
	"strings"
	"time"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// Built-in notification texts, used when the config leaves them empty.
const (
	defaultMessageSubject = "New message in your Matrix conversation"

	defaultCreateSubject = "You have been invited to a Matrix conversation"
	defaultCreateBody    = "%INITIATOR% started a Matrix conversation with you.\n" +
		"Reply to this e-mail to answer; your replies will be delivered into the room."

	defaultDestroySubject = "Your Matrix conversation has ended"
	defaultDestroyBody    = "%INITIATOR% closed the Matrix conversation with you.\n" +
		"Replies to this thread will no longer be delivered."
)

// Templates renders the notification e-mails sent on subscription
// lifecycle events. Placeholders: %INITIATOR%, %TIME%.
type Templates struct {
	cfg config.NotificationConfig
}

func NewTemplates(cfg config.NotificationConfig) *Templates {
	return &Templates{cfg: cfg}
}

// MessageSubject is the subject line for forwarded conversation content.
func (t *Templates) MessageSubject() string {
	return defaultMessageSubject
}

// ForEvent renders the notification for a lifecycle event. ok is false
// when the event type has no notification or it is disabled.
func (t *Templates) ForEvent(ev *bridge.Event) (subject, body string, ok bool) {
	var tmpl config.NotificationTemplate
	switch ev.Type {
	case bridge.EventOnCreate:
		tmpl = t.cfg.OnCreate
		subject, body = defaultCreateSubject, defaultCreateBody
	case bridge.EventOnDestroy:
		tmpl = t.cfg.OnDestroy
		subject, body = defaultDestroySubject, defaultDestroyBody
	default:
		return "", "", false
	}
	if tmpl.Disabled {
		return "", "", false
	}
	if tmpl.Subject != "" {
		subject = tmpl.Subject
	}
	if tmpl.Body != "" {
		body = tmpl.Body
	}
	return t.render(subject, ev), t.render(body, ev), true
}

func (t *Templates) render(tmpl string, ev *bridge.Event) string {
	out := strings.ReplaceAll(tmpl, "%INITIATOR%", ev.Initiator)
	out = strings.ReplaceAll(out, "%TIME%", ev.Time.Format(time.RFC1123Z))
	return out
}
