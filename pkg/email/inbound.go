// Copyright 2024-2026 Aiku AI

// Package email implements the e-mail side of the bridge: the polled
// inbox, MIME decoding, outbound delivery and the thread endpoints.
package email

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
)

// Parser turns a raw RFC 5322 message into the protocol-neutral bridge
// form, walking the MIME tree for text/plain and text/html leaves.
// go-message undoes transfer encodings (base64, quoted-printable) on the
// way.
type Parser struct {
	log zerolog.Logger
}

func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "mime").Logger()}
}

func (p *Parser) Parse(r io.Reader) (*bridge.Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read mail: %w", err)
	}

	sender := ""
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		sender = addrs[0].Address
	}
	at, err := mr.Header.Date()
	if err != nil || at.IsZero() {
		at = time.Now()
	}

	parts := p.collect(mr)
	if len(parts) == 0 {
		return nil, fmt.Errorf("mail has no usable text content")
	}
	return bridge.NewMessage(p.messageKey(mr.Header), at, sender, parts...), nil
}

// messageKey prefers the Message-ID header; mails without one get a
// generated key so dedup and logging still have something to hold on to.
func (p *Parser) messageKey(header mail.Header) string {
	if mid, err := header.MessageID(); err == nil && mid != "" {
		return mid
	}
	return ulid.Make().String()
}

// collect walks all parts, recursing into attached message/rfc822
// payloads. Non-text attachments are skipped.
func (p *Parser) collect(mr *mail.Reader) []bridge.Content {
	var parts []bridge.Content
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			p.log.Warn().Err(err).Msg("Failed to read mail part, stopping walk")
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, err := header.ContentType()
			if err != nil {
				continue
			}
			if ctype != bridge.MIMEText && ctype != bridge.MIMEHTML {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				p.log.Warn().Err(err).Str("content_type", ctype).Msg("Failed to read mail part body")
				continue
			}
			parts = append(parts, bridge.Content{
				MIME:     ctype,
				Body:     string(body),
				Encoding: header.Get("Content-Transfer-Encoding"),
			})
		case *mail.AttachmentHeader:
			ctype, _, _ := header.ContentType()
			if ctype == "message/rfc822" {
				nested, err := mail.CreateReader(part.Body)
				if err != nil {
					p.log.Warn().Err(err).Msg("Failed to read attached mail")
					continue
				}
				parts = append(parts, p.collect(nested)...)
				continue
			}
			filename, _ := header.Filename()
			p.log.Debug().Str("filename", filename).Str("content_type", ctype).Msg("Skipping attachment")
		}
	}
	return parts
}
