package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/mrz1836/postmark"
)

// postmark error codes that retrying will not fix
var postmarkPermanentCodes = map[int64]bool{
	300: true, // invalid email request
	400: true, // sender signature not found
	401: true, // sender signature not confirmed
	406: true, // inactive recipient
	422: true, // invalid JSON
}

// PostmarkConfig configures the Postmark HTTP API transport
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
}

// PostmarkTransport delivers messages through the Postmark API
type PostmarkTransport struct {
	client *postmark.Client
	logger *slog.Logger
}

// NewPostmarkTransport creates a Postmark transport
func NewPostmarkTransport(cfg PostmarkConfig, logger *slog.Logger) *PostmarkTransport {
	return &PostmarkTransport{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		logger: logger,
	}
}

// Send delivers one message
func (t *PostmarkTransport) Send(ctx context.Context, msg *Message) error {
	email := postmark.Email{
		From:     msg.From.String(),
		To:       msg.To.String(),
		Subject:  msg.Subject,
		TextBody: msg.Text,
		Tag:      msg.Tag,
	}
	for _, a := range msg.Attachments {
		email.Attachments = append(email.Attachments, postmark.Attachment{
			Name:        a.FileName,
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			ContentType: a.ContentType,
		})
	}

	resp, err := t.client.SendEmail(ctx, email)
	if err != nil {
		return classify(err, "postmark send")
	}
	if resp.ErrorCode != 0 {
		return &DeliveryError{
			Temporary: !postmarkPermanentCodes[resp.ErrorCode],
			Code:      int(resp.ErrorCode),
			Message:   fmt.Sprintf("postmark error %d: %s", resp.ErrorCode, resp.Message),
		}
	}

	t.logger.Debug("message accepted by postmark",
		"message_id", resp.MessageID,
		"to", msg.To.Email,
		"tag", msg.Tag,
	)
	return nil
}
