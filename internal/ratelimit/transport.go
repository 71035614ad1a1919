package ratelimit

import (
	"context"
	"fmt"

	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/metrics"
)

// Transport counts every message against the limiter before passing it on.
// A denied message fails with a temporary delivery error.
type Transport struct {
	next    mail.Transport
	limiter *Limiter
}

// NewTransport wraps next with rate limiting
func NewTransport(next mail.Transport, limiter *Limiter) *Transport {
	return &Transport{next: next, limiter: limiter}
}

type eventKey struct{}

// WithEvent tags ctx with the event a message belongs to
func WithEvent(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventKey{}, eventID)
}

func eventFrom(ctx context.Context) string {
	id, _ := ctx.Value(eventKey{}).(string)
	return id
}

// Send delivers msg if the limits allow it
func (t *Transport) Send(ctx context.Context, msg *mail.Message) error {
	res, err := t.limiter.Allow(ctx, &Request{
		EventID:         eventFrom(ctx),
		Sender:          msg.From.Email,
		RecipientDomain: msg.To.Domain(),
	})
	if err != nil {
		return &mail.DeliveryError{Temporary: true, Message: fmt.Sprintf("rate limit check failed: %v", err)}
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		return &mail.DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("rate limit exceeded (%s), retry in %s", res.DeniedBy, res.RetryAfter.Round(1e9)),
		}
	}
	return t.next.Send(ctx, msg)
}
