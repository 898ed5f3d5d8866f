// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingHooks counts hook invocations for endpoint tests.
type recordingHooks struct {
	sent    []*Message
	events  []*Event
	closed  int
	sendErr error
}

func (h *recordingHooks) endpoint(id string) *BaseEndpoint {
	return NewBaseEndpoint(id, "user@example.org", "thread1", EndpointHooks{
		SendMessage: func(msg *Message) error {
			h.sent = append(h.sent, msg)
			return h.sendErr
		},
		SendEvent: func(ev *Event) error {
			h.events = append(h.events, ev)
			return nil
		},
		Close: func() error {
			h.closed++
			return nil
		},
	}, zerolog.Nop())
}

func testMessage(key string) *Message {
	return NewMessage(key, time.Now(), "sender@example.org", Content{MIME: MIMEText, Body: "hello"})
}

func TestEndpointSendMessage(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{}
	ep := hooks.endpoint("ep1")

	ep.SendMessage(testMessage("m1"))
	if len(hooks.sent) != 1 || hooks.sent[0].Key() != "m1" {
		t.Fatalf("expected one sent message m1, got %d", len(hooks.sent))
	}
}

func TestEndpointSendAfterCloseDrops(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{}
	ep := hooks.endpoint("ep1")

	ep.Close()
	ep.SendMessage(testMessage("m1"))
	ep.SendEvent(&Event{Type: EventOnCreate, Time: time.Now()})

	if len(hooks.sent) != 0 {
		t.Errorf("closed endpoint delivered %d messages", len(hooks.sent))
	}
	if len(hooks.events) != 0 {
		t.Errorf("closed endpoint delivered %d events", len(hooks.events))
	}
}

func TestEndpointSendErrorContained(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{sendErr: errors.New("transport down")}
	ep := hooks.endpoint("ep1")

	// A transport failure is logged, not propagated; the endpoint stays
	// usable.
	ep.SendMessage(testMessage("m1"))
	if ep.Closed() {
		t.Error("send failure closed the endpoint")
	}
}

func TestEndpointCloseIdempotent(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{}
	ep := hooks.endpoint("ep1")

	var notified int
	ep.AddStateListener(func(Endpoint) { notified++ })

	ep.Close()
	ep.Close()
	ep.Close()

	if hooks.closed != 1 {
		t.Errorf("teardown hook ran %d times, want 1", hooks.closed)
	}
	if notified != 1 {
		t.Errorf("state listeners notified %d times, want 1", notified)
	}
	if !ep.Closed() {
		t.Error("endpoint not marked closed")
	}
}

func TestEndpointInjectOrder(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{}
	ep := hooks.endpoint("ep1")

	var order []int
	ep.AddMessageListener(func(*Message) { order = append(order, 1) })
	ep.AddMessageListener(func(*Message) { order = append(order, 2) })
	ep.AddMessageListener(func(*Message) { order = append(order, 3) })

	ep.Inject(testMessage("m1"))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("listeners fired in order %v, want [1 2 3]", order)
	}
}

func TestEndpointInjectSurvivesPanickingListener(t *testing.T) {
	t.Parallel()
	hooks := &recordingHooks{}
	ep := hooks.endpoint("ep1")

	var delivered int
	ep.AddMessageListener(func(*Message) { panic("listener bug") })
	ep.AddMessageListener(func(*Message) { delivered++ })

	ep.Inject(testMessage("m1"))

	if delivered != 1 {
		t.Errorf("second listener not reached after panic, delivered=%d", delivered)
	}
}
