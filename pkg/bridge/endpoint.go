// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"github.com/rs/zerolog"
)

// MessageListener receives messages injected into an endpoint by its
// protocol's ingestion path.
type MessageListener func(msg *Message)

// StateListener is notified exactly once when an endpoint is closed.
type StateListener func(ep Endpoint)

// Endpoint is one side's live handle in a bridged conversation: a Matrix
// room participant or an e-mail thread participant.
type Endpoint interface {
	// ID is the endpoint's routing key, unique within its protocol.
	ID() string
	// Identity is the protocol-native address (Matrix user id or e-mail
	// address).
	Identity() string
	// ChannelID is the room id or e-mail thread token.
	ChannelID() string
	Closed() bool
	// Close is idempotent: protocol teardown runs once, then state
	// listeners are notified once.
	Close()
	SendMessage(msg *Message)
	SendEvent(ev *Event)
	AddMessageListener(l MessageListener)
	AddStateListener(l StateListener)
	// Inject hands a freshly decoded inbound message to every registered
	// message listener, in registration order.
	Inject(msg *Message)
}

// EndpointHooks are the protocol-specific operations backing an endpoint.
// Errors returned by hooks are logged and contained; they never propagate
// into listener dispatch.
type EndpointHooks struct {
	SendMessage func(msg *Message) error
	SendEvent   func(ev *Event) error
	Close       func() error
}

// BaseEndpoint carries the state and listener plumbing shared by both
// protocol implementations, which embed it and supply their hooks.
type BaseEndpoint struct {
	id       string
	identity string
	channel  string
	hooks    EndpointHooks
	log      zerolog.Logger

	mu             sync.Mutex
	closed         bool
	msgListeners   []MessageListener
	stateListeners []StateListener
}

func NewBaseEndpoint(id, identity, channel string, hooks EndpointHooks, log zerolog.Logger) *BaseEndpoint {
	return &BaseEndpoint{
		id:       id,
		identity: identity,
		channel:  channel,
		hooks:    hooks,
		log: log.With().
			Str("endpoint", id).
			Str("identity", identity).
			Str("channel", channel).
			Logger(),
	}
}

func (e *BaseEndpoint) ID() string        { return e.id }
func (e *BaseEndpoint) Identity() string  { return e.identity }
func (e *BaseEndpoint) ChannelID() string { return e.channel }

func (e *BaseEndpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// SendMessage delivers a message to the remote protocol. Messages to a
// closed endpoint are dropped with a log.
func (e *BaseEndpoint) SendMessage(msg *Message) {
	if e.Closed() {
		e.log.Info().Str("message_key", msg.Key()).Msg("Ignoring message, endpoint is closed")
		return
	}
	if err := e.hooks.SendMessage(msg); err != nil {
		e.log.Error().Err(err).Str("message_key", msg.Key()).Msg("Failed to send message")
	}
}

// SendEvent delivers a subscription lifecycle notification, with the same
// closed-drop guard as SendMessage.
func (e *BaseEndpoint) SendEvent(ev *Event) {
	if e.Closed() {
		e.log.Info().Str("event_type", string(ev.Type)).Msg("Ignoring subscription event, endpoint is closed")
		return
	}
	if err := e.hooks.SendEvent(ev); err != nil {
		e.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to send subscription event")
	}
}

// Close runs the protocol teardown hook, flips the closed flag and fires
// the close notification to all state listeners. Calling it again is a
// no-op.
func (e *BaseEndpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	listeners := make([]StateListener, len(e.stateListeners))
	copy(listeners, e.stateListeners)
	e.mu.Unlock()

	e.log.Info().Msg("Closing endpoint")
	if e.hooks.Close != nil {
		if err := e.hooks.Close(); err != nil {
			e.log.Warn().Err(err).Msg("Endpoint teardown failed")
		}
	}

	for _, listener := range listeners {
		e.fire(func() { listener(e) })
	}
}

func (e *BaseEndpoint) AddMessageListener(l MessageListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgListeners = append(e.msgListeners, l)
}

func (e *BaseEndpoint) AddStateListener(l StateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateListeners = append(e.stateListeners, l)
}

// Inject dispatches an inbound message to every message listener in
// registration order. A panicking listener is logged and does not abort
// dispatch to the remaining listeners.
func (e *BaseEndpoint) Inject(msg *Message) {
	e.mu.Lock()
	listeners := make([]MessageListener, len(e.msgListeners))
	copy(listeners, e.msgListeners)
	e.mu.Unlock()

	e.log.Debug().Str("message_key", msg.Key()).Int("listeners", len(listeners)).Msg("Dispatching message")
	for _, listener := range listeners {
		e.fire(func() { listener(msg) })
	}
}

// fire runs one listener, containing panics so a faulty listener cannot
// abort the traversal.
func (e *BaseEndpoint) fire(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Any("panic", r).Msg("Listener panicked")
		}
	}()
	f()
}
