// Copyright 2024-2026 Aiku AI

package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// IMAPMailbox is the production Mailbox: a single IMAP connection on the
// configured inbox. Poll drains every pending message and expunges them,
// so the inbox only ever holds mail the bridge has not seen.
type IMAPMailbox struct {
	cfg config.ReceiverConfig
	log zerolog.Logger
	cli *client.Client
}

func NewIMAPMailbox(cfg config.ReceiverConfig, log zerolog.Logger) *IMAPMailbox {
	return &IMAPMailbox{cfg: cfg, log: log.With().Str("component", "imap").Logger()}
}

func (m *IMAPMailbox) Open(_ context.Context) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))

	var cli *client.Client
	var err error
	if m.cfg.TLS {
		cli, err = client.DialTLS(addr, nil)
	} else {
		cli, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if err := cli.Login(m.cfg.Login, m.cfg.Password); err != nil {
		cli.Logout()
		return fmt.Errorf("imap login failed: %w", err)
	}
	if _, err := cli.Select("INBOX", false); err != nil {
		cli.Logout()
		return fmt.Errorf("failed to select inbox: %w", err)
	}

	m.cli = cli
	return nil
}

func (m *IMAPMailbox) Poll(_ context.Context) ([]*Mail, error) {
	if m.cli == nil {
		return nil, fmt.Errorf("mailbox is not open")
	}

	// Noop refreshes the mailbox status so new arrivals become visible.
	if err := m.cli.Noop(); err != nil {
		return nil, fmt.Errorf("imap noop failed: %w", err)
	}
	mbox := m.cli.Mailbox()
	if mbox == nil || mbox.Messages == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, mbox.Messages)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- m.cli.Fetch(seqset, items, ch)
	}()

	var mails []*Mail
	for msg := range ch {
		var recipients []string
		if msg.Envelope != nil {
			for _, addr := range msg.Envelope.To {
				recipients = append(recipients, addr.Address())
			}
		}
		literal := msg.GetBody(section)
		if literal == nil {
			m.log.Warn().Uint32("seq", msg.SeqNum).Msg("Message came back without a body section")
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			return nil, fmt.Errorf("failed to read message %d: %w", msg.SeqNum, err)
		}
		mails = append(mails, &Mail{Recipients: recipients, Body: bytes.NewReader(raw)})
	}
	if err := <-fetchErr; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w", err)
	}

	// Consume the batch: flag everything deleted, then expunge.
	del := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.cli.Store(seqset, del, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return nil, fmt.Errorf("failed to flag messages deleted: %w", err)
	}
	if err := m.cli.Expunge(nil); err != nil {
		return nil, fmt.Errorf("failed to expunge inbox: %w", err)
	}

	m.log.Debug().Int("count", len(mails)).Msg("Drained inbox")
	return mails, nil
}

func (m *IMAPMailbox) Close() error {
	if m.cli == nil {
		return nil
	}
	err := m.cli.Logout()
	m.cli = nil
	return err
}
