package mailer

import (
	"context"
	"log/slog"
)

// LogSender writes messages to the log instead of delivering them
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.Info("newsletter email", "to", to, "subject", subject, "bytes", len(body))
	return nil
}
