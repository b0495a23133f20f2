package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESOptions configures the SES sender. Empty keys fall back to the
// default AWS credential chain.
type SESOptions struct {
	Region    string
	AccessKey string
	SecretKey string
}

// sesAPI is the part of the SES client used for sending
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends messages through Amazon SES v2
type SESSender struct {
	client sesAPI
	from   string
	logger *slog.Logger
}

// NewSESSender loads AWS configuration and creates the SES client
func NewSESSender(ctx context.Context, opts SESOptions, from string, logger *slog.Logger) (*SESSender, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESSender(sesv2.NewFromConfig(cfg), from, logger), nil
}

func newSESSender(client sesAPI, from string, logger *slog.Logger) *SESSender {
	return &SESSender{
		client: client,
		from:   from,
		logger: logger.With("component", "ses"),
	}
}

// Send submits one message
func (s *SESSender) Send(ctx context.Context, to, subject, body string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		var notVerified *types.MailFromDomainNotVerifiedException
		if errors.As(err, &rejected) || errors.As(err, &notVerified) {
			return permanent(to, fmt.Errorf("ses send failed: %w", err))
		}
		return temporary(to, fmt.Errorf("ses send failed: %w", err))
	}

	s.logger.Debug("message accepted", "message_id", aws.ToString(result.MessageId), "to", to)
	return nil
}
