// Copyright 2024-2026 Aiku AI

package email

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// Mail is one message pulled from the inbox: its envelope recipients and
// the raw RFC 5322 payload.
type Mail struct {
	Recipients []string
	Body       io.Reader
}

// Mailbox is the transport behind the fetch loop. Poll returns all
// pending messages and removes them from the inbox; after an error the
// fetcher closes the mailbox and opens it again on the next cycle.
type Mailbox interface {
	Open(ctx context.Context) error
	Poll(ctx context.Context) ([]*Mail, error)
	Close() error
}

// SubscriptionResolver resolves a thread token to its live subscription.
type SubscriptionResolver interface {
	GetWithEmailKey(key string) (*bridge.Subscription, bool)
}

// Fetcher is the inbox polling loop. One goroutine polls the mailbox on a
// fixed interval, matches each message's recipients against the receiver
// address template, and injects matched content into the subscription's
// e-mail endpoint. Messages are consumed whether they matched or not, so
// the inbox never accumulates.
type Fetcher struct {
	mailbox  Mailbox
	parser   *Parser
	subs     SubscriptionResolver
	pattern  *regexp.Regexp
	interval time.Duration
	log      zerolog.Logger

	connected bool
	stop      chan struct{}
	done      chan struct{}
}

func NewFetcher(cfg config.ReceiverConfig, mailbox Mailbox, subs SubscriptionResolver, log zerolog.Logger) (*Fetcher, error) {
	pattern, err := recipientPattern(cfg.Email)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		mailbox:  mailbox,
		parser:   NewParser(log),
		subs:     subs,
		pattern:  pattern,
		interval: cfg.PollInterval.Std(),
		log:      log.With().Str("component", "fetcher").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// recipientPattern compiles the receiver address template into a matcher
// capturing the thread token.
func recipientPattern(template string) (*regexp.Regexp, error) {
	if !strings.Contains(template, "%KEY%") {
		return nil, fmt.Errorf("receiver address template %q is missing the %%KEY%% placeholder", template)
	}
	quoted := regexp.QuoteMeta(template)
	pattern, err := regexp.Compile("(?i)^" + strings.Replace(quoted, regexp.QuoteMeta("%KEY%"), "([0-9a-z]+)", 1) + "$")
	if err != nil {
		return nil, fmt.Errorf("receiver address template %q does not compile: %w", template, err)
	}
	return pattern, nil
}

// Start launches the polling goroutine.
func (f *Fetcher) Start() {
	f.log.Info().Dur("interval", f.interval).Msg("Starting mail fetcher")
	go f.run()
}

// Stop signals the loop and joins it with a bounded wait, forcing the
// mailbox closed if the loop does not come back in time.
func (f *Fetcher) Stop() {
	f.log.Info().Msg("Stopping mail fetcher")
	close(f.stop)
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		f.log.Warn().Msg("Fetch loop did not stop in time, forcing mailbox closed")
		f.mailbox.Close()
	}
}

func (f *Fetcher) run() {
	defer close(f.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.stop
		cancel()
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			f.disconnect()
			return
		case <-ticker.C:
			f.cycle(ctx)
		}
	}
}

// cycle runs one poll iteration. Any transport error drops the connection
// so the next cycle starts from a clean open.
func (f *Fetcher) cycle(ctx context.Context) {
	if !f.connected {
		if err := f.mailbox.Open(ctx); err != nil {
			f.log.Error().Err(err).Msg("Failed to open mailbox, will retry")
			return
		}
		f.connected = true
		f.log.Info().Msg("Mailbox opened")
	}

	mails, err := f.mailbox.Poll(ctx)
	if err != nil {
		f.log.Error().Err(err).Msg("Mailbox poll failed, reconnecting next cycle")
		f.disconnect()
		return
	}
	for _, mail := range mails {
		f.process(mail)
	}
}

// process routes one inbound mail. Failures are contained per mail: the
// message was already consumed from the inbox, so there is nothing to
// retry against.
func (f *Fetcher) process(mail *Mail) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Any("panic", r).Msg("Mail processing panicked")
		}
	}()

	threadID, ok := f.threadFor(mail.Recipients)
	if !ok {
		f.log.Debug().Strs("recipients", mail.Recipients).Msg("Mail does not target a bridge thread, dropping")
		return
	}
	sub, ok := f.subs.GetWithEmailKey(threadID)
	if !ok {
		f.log.Warn().Str("thread_id", threadID).Msg("Mail targets an unknown or closed thread, dropping")
		return
	}

	msg, err := f.parser.Parse(mail.Body)
	if err != nil {
		f.log.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to parse mail, dropping")
		return
	}
	// A sender other than the subscribed address is suspicious but the
	// token authenticates the thread, so forward anyway.
	if !strings.EqualFold(msg.Sender(), sub.EmailEndpoint().Identity()) {
		f.log.Warn().
			Str("thread_id", threadID).
			Str("sender", msg.Sender()).
			Str("expected", sub.EmailEndpoint().Identity()).
			Msg("Mail sender does not match subscription address")
	}

	f.log.Info().Str("thread_id", threadID).Str("message_key", msg.Key()).Msg("Dispatching inbound mail")
	sub.EmailEndpoint().Inject(msg)
}

// threadFor extracts the thread token from the first recipient matching
// the receiver template.
func (f *Fetcher) threadFor(recipients []string) (string, bool) {
	for _, rcpt := range recipients {
		if match := f.pattern.FindStringSubmatch(rcpt); match != nil {
			return strings.ToLower(match[1]), true
		}
	}
	return "", false
}

func (f *Fetcher) disconnect() {
	if !f.connected {
		return
	}
	if err := f.mailbox.Close(); err != nil {
		f.log.Warn().Err(err).Msg("Failed to close mailbox")
	}
	f.connected = false
}
