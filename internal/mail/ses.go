package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SES error codes that retrying will not fix
var sesPermanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// SESClient is the subset of the SES v2 API used by SESTransport
type SESClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the Amazon SES transport
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretKey        string
	Endpoint         string
	ConfigurationSet string
}

// SESTransport delivers composed messages through Amazon SES
type SESTransport struct {
	client    SESClient
	composer  *Composer
	configSet string
	logger    *slog.Logger
}

// NewSESTransport creates an SES transport. client may be nil to build one
// from cfg.
func NewSESTransport(ctx context.Context, cfg SESConfig, client SESClient, composer *Composer, logger *slog.Logger) (*SESTransport, error) {
	if client == nil {
		if cfg.Region == "" {
			return nil, errors.New("ses region is required")
		}
		opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
			))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}
	if composer == nil {
		composer = NewComposer(nil)
	}

	return &SESTransport{
		client:    client,
		composer:  composer,
		configSet: cfg.ConfigurationSet,
		logger:    logger,
	}, nil
}

// Send delivers one message as raw MIME so attachments and DKIM signatures
// are kept
func (t *SESTransport) Send(ctx context.Context, msg *Message) error {
	raw, err := t.composer.Compose(msg)
	if err != nil {
		return permanent("compose message: %v", err)
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From.String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To.String()}},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		EmailTags:        []types.MessageTag{{Name: aws.String("type"), Value: aws.String(msg.Tag)}},
	}
	if t.configSet != "" {
		in.ConfigurationSetName = aws.String(t.configSet)
	}

	out, err := t.client.SendEmail(ctx, in)
	if err != nil {
		return classifySES(err)
	}

	t.logger.Debug("message accepted by ses",
		"message_id", aws.ToString(out.MessageId),
		"to", msg.To.Email,
		"tag", msg.Tag,
	)
	return nil
}

func classifySES(err error) *DeliveryError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &DeliveryError{
			Temporary: !sesPermanentCodes[apiErr.ErrorCode()],
			Message:   fmt.Sprintf("ses send failed: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
		}
	}
	return classify(err, "ses send")
}
