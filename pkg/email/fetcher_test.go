// Copyright 2024-2026 Aiku AI

package email

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

type pollResult struct {
	mails []*Mail
	err   error
}

// fakeMailbox replays a script of poll results and counts lifecycle
// calls.
type fakeMailbox struct {
	mu     sync.Mutex
	opens  int
	closes int
	script []pollResult
}

func (b *fakeMailbox) Open(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	return nil
}

func (b *fakeMailbox) Poll(context.Context) ([]*Mail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.script) == 0 {
		return nil, nil
	}
	next := b.script[0]
	b.script = b.script[1:]
	return next.mails, next.err
}

func (b *fakeMailbox) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

type fakeResolver struct {
	subs map[string]*bridge.Subscription
}

func (r *fakeResolver) GetWithEmailKey(key string) (*bridge.Subscription, bool) {
	sub, ok := r.subs[key]
	return sub, ok
}

// recorder collects what an endpoint's hooks were asked to deliver.
type recorder struct {
	mu   sync.Mutex
	sent []*bridge.Message
}

func (r *recorder) endpoint(id, identity, channel string) *bridge.BaseEndpoint {
	return bridge.NewBaseEndpoint(id, identity, channel, bridge.EndpointHooks{
		SendMessage: func(msg *bridge.Message) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, msg)
			return nil
		},
		SendEvent: func(*bridge.Event) error { return nil },
	}, zerolog.Nop())
}

func (r *recorder) messages() []*bridge.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*bridge.Message(nil), r.sent...)
}

const testThread = "11112222333344445555666677778888"

// testFetcher wires a fetcher to one live subscription for testThread and
// returns the recorder sitting behind the Matrix endpoint.
func testFetcher(t *testing.T, mailbox Mailbox) (*Fetcher, *recorder) {
	t.Helper()
	matrix := &recorder{}
	emailSide := &recorder{}
	identity := bridge.FormatterFunc(func(msg *bridge.Message) *bridge.Message { return msg })
	sub := bridge.NewSubscription("sub1", "@alice:example.org", time.Now(), identity,
		testThread, emailSide.endpoint(testThread, "john@example.org", testThread),
		"@bridge_john:example.org|!room:example.org", matrix.endpoint("mx", "@bridge_john:example.org", "!room:example.org"),
		zerolog.Nop())

	cfg := config.ReceiverConfig{Email: "bridge+%KEY%@example.org", PollInterval: config.Duration(10 * time.Millisecond)}
	fetcher, err := NewFetcher(cfg, mailbox, &fakeResolver{subs: map[string]*bridge.Subscription{testThread: sub}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFetcher failed: %v", err)
	}
	return fetcher, matrix
}

func inboundMail(recipient, from, body string) *Mail {
	raw := crlf(`From: ` + from + `
To: ` + recipient + `
Subject: hello
Message-ID: <m1@example.org>
Content-Type: text/plain; charset=utf-8

` + body + `
`)
	return &Mail{Recipients: []string{recipient}, Body: strings.NewReader(raw)}
}

func TestFetcherDispatchesMatchedMail(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{inboundMail("bridge+"+testThread+"@example.org", "john@example.org", "reply from mail")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	msgs := matrix.messages()
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(msgs))
	}
	text, ok := msgs[0].Content(bridge.MIMEText)
	if !ok || !strings.Contains(text.Body, "reply from mail") {
		t.Errorf("forwarded content: %+v", text)
	}
	if msgs[0].Sender() != "john@example.org" {
		t.Errorf("forwarded sender: got %q", msgs[0].Sender())
	}
}

func TestFetcherForwardsMultipartMail(t *testing.T) {
	t.Parallel()
	recipient := "bridge+" + testThread + "@example.org"
	raw := crlf(`From: john@example.org
To: ` + recipient + `
Subject: hello
Message-ID: <m2@example.org>
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary=BOUNDARY

--BOUNDARY
Content-Type: text/plain; charset=utf-8

plain reply
--BOUNDARY
Content-Type: text/html; charset=utf-8

<p>plain reply</p>
--BOUNDARY--
`)
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{{Recipients: []string{recipient}, Body: strings.NewReader(raw)}}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	msgs := matrix.messages()
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].Content(bridge.MIMEText); !ok {
		t.Error("text part missing")
	}
	if _, ok := msgs[0].Content(bridge.MIMEHTML); !ok {
		t.Error("html part missing")
	}
}

func TestFetcherMatchesRecipientCaseInsensitively(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{inboundMail("Bridge+"+strings.ToUpper(testThread)+"@Example.org", "john@example.org", "hi")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	if len(matrix.messages()) != 1 {
		t.Error("case-variant recipient was not matched")
	}
}

func TestFetcherDropsUnmatchedMail(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{inboundMail("someone-else@example.org", "john@example.org", "spam")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	if len(matrix.messages()) != 0 {
		t.Error("mail without a bridge recipient was dispatched")
	}
}

func TestFetcherDropsUnknownThread(t *testing.T) {
	t.Parallel()
	other := strings.Repeat("f", 32)
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{inboundMail("bridge+"+other+"@example.org", "john@example.org", "stale")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	if len(matrix.messages()) != 0 {
		t.Error("mail for an unknown thread was dispatched")
	}
}

func TestFetcherForwardsDespiteSenderMismatch(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{script: []pollResult{
		{mails: []*Mail{inboundMail("bridge+"+testThread+"@example.org", "intruder@example.org", "who dis")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)

	fetcher.cycle(context.Background())

	// The thread token authenticates the mail; a mismatched sender is
	// only logged.
	if len(matrix.messages()) != 1 {
		t.Error("mail with mismatched sender was not forwarded")
	}
}

func TestFetcherReconnectsAfterPollError(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{script: []pollResult{
		{err: errors.New("connection reset")},
		{mails: []*Mail{inboundMail("bridge+"+testThread+"@example.org", "john@example.org", "after reconnect")}},
	}}
	fetcher, matrix := testFetcher(t, mailbox)
	ctx := context.Background()

	fetcher.cycle(ctx)
	fetcher.cycle(ctx)

	mailbox.mu.Lock()
	opens, closes := mailbox.opens, mailbox.closes
	mailbox.mu.Unlock()
	if opens != 2 {
		t.Errorf("mailbox opened %d times across a failure, want 2", opens)
	}
	if closes != 1 {
		t.Errorf("mailbox closed %d times after the failure, want 1", closes)
	}
	if len(matrix.messages()) != 1 {
		t.Error("mail after reconnect was not dispatched")
	}
}

func TestFetcherStopJoins(t *testing.T) {
	t.Parallel()
	mailbox := &fakeMailbox{}
	fetcher, _ := testFetcher(t, mailbox)

	fetcher.Start()
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		fetcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
