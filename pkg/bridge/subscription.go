// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Formatter translates a message received on one endpoint before it is
// handed to the opposite endpoint. It keeps endpoint implementations
// protocol-agnostic: neither side knows what the other does with content.
type Formatter interface {
	Format(msg *Message) *Message
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(msg *Message) *Message

func (f FormatterFunc) Format(msg *Message) *Message { return f(msg) }

// SubscriptionListener is notified exactly once when a subscription is
// terminated. The subscription manager uses it to evict its indices.
type SubscriptionListener func(sub *Subscription)

// Subscription is the paired, stateful correlation between one Matrix
// endpoint and one e-mail endpoint. Construction wires the two endpoints'
// message listeners to each other through the formatter.
type Subscription struct {
	id        string
	initiator string
	createdAt time.Time
	emailKey  string
	matrixKey string
	emailEP   Endpoint
	matrixEP  Endpoint
	log       zerolog.Logger

	mu        sync.Mutex
	closed    bool
	listeners []SubscriptionListener
}

func NewSubscription(id, initiator string, createdAt time.Time, formatter Formatter, emailKey string, emailEP Endpoint, matrixKey string, matrixEP Endpoint, log zerolog.Logger) *Subscription {
	sub := &Subscription{
		id:        id,
		initiator: initiator,
		createdAt: createdAt,
		emailKey:  emailKey,
		matrixKey: matrixKey,
		emailEP:   emailEP,
		matrixEP:  matrixEP,
		log:       log.With().Str("subscription", id).Logger(),
	}

	matrixEP.AddMessageListener(func(msg *Message) { emailEP.SendMessage(formatter.Format(msg)) })
	emailEP.AddMessageListener(func(msg *Message) { matrixEP.SendMessage(formatter.Format(msg)) })

	return sub
}

func (s *Subscription) ID() string               { return s.id }
func (s *Subscription) Initiator() string        { return s.initiator }
func (s *Subscription) CreatedAt() time.Time     { return s.createdAt }
func (s *Subscription) EmailKey() string         { return s.emailKey }
func (s *Subscription) MatrixKey() string        { return s.matrixKey }
func (s *Subscription) EmailEndpoint() Endpoint  { return s.emailEP }
func (s *Subscription) MatrixEndpoint() Endpoint { return s.matrixEP }

func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) AddListener(l SubscriptionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Commence transitions the subscription to active, emitting an OnCreate
// event to both endpoints. It fails if the subscription was already
// terminated.
func (s *Subscription) Commence() error {
	if s.Closed() {
		return fmt.Errorf("subscription %s is already terminated", s.id)
	}

	s.log.Info().
		Str("matrix_key", s.matrixKey).
		Str("matrix_identity", s.matrixEP.Identity()).
		Str("email_key", s.emailKey).
		Str("email_identity", s.emailEP.Identity()).
		Msg("Commencing subscription")

	ev := &Event{Type: EventOnCreate, Time: s.createdAt, Initiator: s.initiator, Sub: s}
	s.emailEP.SendEvent(ev)
	s.matrixEP.SendEvent(ev)
	return nil
}

// Terminate runs the teardown exactly once: OnDestroy to both endpoints,
// both endpoints closed, then subscription listeners notified. It is safe
// to call repeatedly and concurrently from either protocol direction.
func (s *Subscription) Terminate(byUser, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := make([]SubscriptionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Info().
		Str("by", byUser).
		Str("reason", reason).
		Str("matrix_key", s.matrixKey).
		Str("email_key", s.emailKey).
		Msg("Terminating subscription")

	ev := &Event{Type: EventOnDestroy, Time: time.Now(), Initiator: byUser, Sub: s}

	s.matrixEP.SendEvent(ev)
	s.matrixEP.Close()

	s.emailEP.SendEvent(ev)
	s.emailEP.Close()

	for _, listener := range listeners {
		listener(s)
	}
}
