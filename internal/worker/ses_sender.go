package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/notify"
)

// SESAPI is the subset of the SES client used for email.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client  SESAPI
	from    string
	subject string
	logger  *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	// DefaultSubject is used for templates without a title
	DefaultSubject string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	subject := cfg.DefaultSubject
	if subject == "" {
		subject = "Notifikasi"
	}
	return &SESSender{
		client:  client,
		from:    cfg.FromEmail,
		subject: subject,
		logger:  logger,
	}
}

// Send sends an email notification via AWS SES
func (s *SESSender) Send(ctx context.Context, d *notify.Delivery) error {
	if d.Channel != db.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", d.Channel)
	}
	if d.To == "" {
		return fmt.Errorf("email delivery missing recipient")
	}
	if d.Body == "" {
		return fmt.Errorf("email delivery missing body")
	}

	subject := d.Title
	if subject == "" {
		subject = s.subject
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{d.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(d.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", d.EntryID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
