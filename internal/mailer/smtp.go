package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/newsletter/internal/dkim"
)

// SMTPOptions configures the relay used by SMTPSender
type SMTPOptions struct {
	Addr     string
	Username string
	Password string
	HELO     string
	// TLS is "starttls" (opportunistic), "tls" (implicit) or "none"
	TLS     string
	Timeout time.Duration
}

// SMTPSender delivers messages through a single SMTP relay
type SMTPSender struct {
	opts   SMTPOptions
	from   string
	signer *dkim.Signer
	logger *slog.Logger
}

// NewSMTPSender creates a relay sender. signer may be nil.
func NewSMTPSender(opts SMTPOptions, from string, signer *dkim.Signer, logger *slog.Logger) *SMTPSender {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HELO == "" {
		opts.HELO = "localhost"
	}
	if opts.TLS == "" {
		opts.TLS = "starttls"
	}
	return &SMTPSender{
		opts:   opts,
		from:   from,
		signer: signer,
		logger: logger.With("component", "smtp"),
	}
}

// Send delivers one HTML message to one recipient
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	msg := &Message{From: s.from, To: to, Subject: subject, HTML: body}
	data := msg.Bytes(time.Now())

	if s.signer != nil && s.signer.Applies(s.from) {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return temporary(to, err)
	}
	defer client.Close()

	if err := client.SendMail(Address(s.from), []string{Address(to)}, bytes.NewReader(data)); err != nil {
		return classify(to, err)
	}
	client.Quit()

	s.logger.Debug("message relayed", "relay", s.opts.Addr, "to", to)
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", s.opts.Addr, err)
	}

	dialer := &net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("connection failed to %s: %w", s.opts.Addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.opts.Timeout))
	}

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if s.opts.TLS == "tls" {
		conn = tls.Client(conn, tlsConfig)
	}

	client := smtp.NewClient(conn)
	if err := client.Hello(s.opts.HELO); err != nil {
		client.Close()
		return nil, fmt.Errorf("HELO failed: %w", err)
	}

	if s.opts.TLS == "starttls" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if s.opts.Username != "" {
		auth := sasl.NewPlainClient("", s.opts.Username, s.opts.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("AUTH failed: %w", err)
		}
	}

	return client, nil
}

// classify maps SMTP reply codes to temporary (4xx) or permanent (5xx) failures
func classify(to string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return permanent(to, err)
	}
	return temporary(to, err)
}
