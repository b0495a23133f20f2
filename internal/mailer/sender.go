package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/newsletter/internal/config"
	"github.com/foxzi/newsletter/internal/dkim"
)

// Sender delivers one rendered message to one recipient
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewSender builds the sender selected by gateway.driver
func NewSender(ctx context.Context, gw config.GatewayConfig, from string, logger *slog.Logger) (Sender, error) {
	switch gw.Driver {
	case "smtp":
		var signer *dkim.Signer
		if gw.SMTP.DKIM.Enabled {
			s, err := dkim.Load(gw.SMTP.DKIM.KeyFile, gw.SMTP.DKIM.Domain, gw.SMTP.DKIM.Selector)
			if err != nil {
				return nil, err
			}
			signer = s
			logger.Info("DKIM signing enabled", "domain", s.Domain(), "selector", s.Selector())
		}
		return NewSMTPSender(SMTPOptions{
			Addr:     gw.SMTP.Addr,
			Username: gw.SMTP.Username,
			Password: gw.SMTP.Password,
			HELO:     gw.SMTP.HELO,
			TLS:      gw.SMTP.TLS,
			Timeout:  gw.SMTP.Timeout,
		}, from, signer, logger), nil
	case "sendry":
		return NewSendryClient(gw.Sendry.BaseURL, gw.Sendry.APIKey, from), nil
	case "resend":
		return NewResendSender(gw.Resend.APIKey, from, logger), nil
	case "ses":
		s, err := NewSESSender(ctx, SESOptions{
			Region:    gw.SES.Region,
			AccessKey: gw.SES.AccessKey,
			SecretKey: gw.SES.SecretKey,
		}, from, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "log", "":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", gw.Driver)
	}
}
