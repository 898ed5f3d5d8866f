// Copyright 2024-2026 Aiku AI

package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// STARTTLS policy levels for outbound delivery.
const (
	TLSNone     = 0
	TLSOptional = 1
	TLSRequired = 2
)

// Outbound is one e-mail to deliver.
type Outbound struct {
	FromName string
	From     string
	ReplyTo  string
	To       string
	Subject  string
	Text     string
	HTML     string
}

// Provider delivers outbound e-mail.
type Provider interface {
	Send(ctx context.Context, out *Outbound) error
}

// SMTPProvider delivers through a single SMTP relay, with the configured
// STARTTLS policy.
type SMTPProvider struct {
	cfg config.SenderConfig
	log zerolog.Logger
}

func NewSMTPProvider(cfg config.SenderConfig, log zerolog.Logger) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, log: log.With().Str("component", "smtp").Logger()}
}

func (p *SMTPProvider) Send(ctx context.Context, out *Outbound) error {
	raw, err := buildMIME(out)
	if err != nil {
		return fmt.Errorf("failed to build outbound mail: %w", err)
	}

	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprint(p.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	cli, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s failed: %w", addr, err)
	}
	defer cli.Close()

	if p.cfg.TLS != TLSNone {
		if ok, _ := cli.Extension("STARTTLS"); ok {
			if err := cli.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
				return fmt.Errorf("starttls with %s failed: %w", addr, err)
			}
		} else if p.cfg.TLS == TLSRequired {
			return fmt.Errorf("server %s does not offer STARTTLS", addr)
		}
	}
	if p.cfg.Login != "" {
		auth := smtp.PlainAuth("", p.cfg.Login, p.cfg.Password, p.cfg.Host)
		if err := cli.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := cli.Mail(out.From); err != nil {
		return fmt.Errorf("sender %s rejected: %w", out.From, err)
	}
	if err := cli.Rcpt(out.To); err != nil {
		return fmt.Errorf("recipient %s rejected: %w", out.To, err)
	}
	w, err := cli.Data()
	if err != nil {
		return fmt.Errorf("failed to open data stream: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("failed to write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish mail body: %w", err)
	}

	p.log.Info().Str("to", out.To).Str("subject", out.Subject).Msg("Mail delivered")
	return cli.Quit()
}

// buildMIME renders an Outbound into a full RFC 5322 message, multipart
// when both text and HTML bodies are present.
func buildMIME(out *Outbound) ([]byte, error) {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(out.Subject)
	header.SetAddressList("From", []*mail.Address{{Name: out.FromName, Address: out.From}})
	header.SetAddressList("To", []*mail.Address{{Address: out.To}})
	if out.ReplyTo != "" {
		header.SetAddressList("Reply-To", []*mail.Address{{Address: out.ReplyTo}})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	writePart := func(contentType, body string) error {
		var ph mail.InlineHeader
		ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, body); err != nil {
			pw.Close()
			return err
		}
		return pw.Close()
	}

	text := out.Text
	if text == "" && out.HTML != "" {
		// Always carry a plain part for clients that cannot render HTML.
		text = strings.TrimSpace(out.HTML)
	}
	if err := writePart("text/plain", text); err != nil {
		return nil, err
	}
	if out.HTML != "" {
		if err := writePart("text/html", out.HTML); err != nil {
			return nil, err
		}
	}

	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
