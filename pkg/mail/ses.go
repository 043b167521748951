package mail

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/telekom/mail-relay/pkg/config"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	GetSendQuota(ctx context.Context, params *ses.GetSendQuotaInput, optFns ...func(*ses.Options)) (*ses.GetSendQuotaOutput, error)
}

// SESSender delivers through Amazon SES. Credentials come from the default
// AWS provider chain; the SDK retries throttling and transient errors itself.
type SESSender struct {
	client           sesAPI
	region           string
	source           string
	configurationSet string
	log              *zap.SugaredLogger
}

func NewSESSender(ctx context.Context, cfg config.Mail, log *zap.SugaredLogger) (*SESSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SES.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg, log), nil
}

func newSESSender(client sesAPI, cfg config.Mail, log *zap.SugaredLogger) *SESSender {
	log = log.Named("ses")
	log.Infow("Initializing SES sender", "region", cfg.SES.Region, "configurationSet", cfg.SES.ConfigurationSet)
	source := (&mail.Address{Name: cfg.SenderName, Address: cfg.SenderAddress}).String()
	return &SESSender{
		client:           client,
		region:           cfg.SES.Region,
		source:           source,
		configurationSet: cfg.SES.ConfigurationSet,
		log:              log,
	}
}

func (s *SESSender) Name() string {
	return "ses:" + s.region
}

func (s *SESSender) Send(ctx context.Context, msg *Message) (string, error) {
	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.source),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses SendEmail: %w", err)
	}
	id := aws.ToString(out.MessageId)
	s.log.Infow("Mail accepted by SES", "messageId", id, "recipients", msg.RecipientCount())
	return id, nil
}

// Verify checks that the credentials can reach SES and the account may send.
func (s *SESSender) Verify(ctx context.Context) error {
	out, err := s.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{})
	if err != nil {
		return fmt.Errorf("verifying SES access in %s: %w", s.region, err)
	}
	if out.Max24HourSend > 0 && out.SentLast24Hours >= out.Max24HourSend {
		return fmt.Errorf("SES daily sending quota exhausted (%.0f/%.0f)", out.SentLast24Hours, out.Max24HourSend)
	}
	return nil
}
