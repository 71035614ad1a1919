// Package sandbox captures outgoing mail instead of delivering it, for
// rehearsing a send against real participant lists.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/certmailer/internal/mail"
)

// Modes
const (
	// ModeCapture stores every message and delivers nothing
	ModeCapture = "capture"
	// ModeRedirect delivers every message to a fixed address
	ModeRedirect = "redirect"
)

// Composer renders a message to raw bytes
type Composer interface {
	Compose(msg *mail.Message) ([]byte, error)
}

// Transport wraps a real transport and intercepts messages
type Transport struct {
	next       mail.Transport
	storage    *Storage
	composer   Composer
	mode       string
	redirectTo string
	logger     *slog.Logger

	simulateErrors   bool
	errorProbability float64
	rand             func() float64
}

// NewTransport creates a sandbox transport. next is only used in redirect mode.
func NewTransport(next mail.Transport, storage *Storage, composer Composer, mode, redirectTo string, logger *slog.Logger) *Transport {
	if mode == "" {
		mode = ModeCapture
	}
	return &Transport{
		next:             next,
		storage:          storage,
		composer:         composer,
		mode:             mode,
		redirectTo:       redirectTo,
		logger:           logger.With("component", "sandbox"),
		errorProbability: 0.1,
		rand:             rand.Float64,
	}
}

// SetErrorSimulation enables or disables random delivery failures
func (t *Transport) SetErrorSimulation(enabled bool, probability float64) {
	t.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		t.errorProbability = probability
	}
}

// Send captures or redirects the message
func (t *Transport) Send(ctx context.Context, msg *mail.Message) error {
	if t.mode == ModeRedirect && t.redirectTo != "" && t.next != nil {
		return t.redirect(ctx, msg)
	}
	return t.capture(ctx, msg)
}

func (t *Transport) capture(ctx context.Context, msg *mail.Message) error {
	captured := t.record(msg, ModeCapture)

	if t.simulateErrors && t.rand() < t.errorProbability {
		errorTypes := []string{
			"550 User not found",
			"451 Temporary failure",
			"452 Insufficient storage",
			"421 Service not available",
		}
		errMsg := errorTypes[int(t.rand()*float64(len(errorTypes)))%len(errorTypes)]
		captured.SimulatedErr = errMsg

		if err := t.storage.Save(ctx, captured); err != nil {
			t.logger.Error("failed to save message", "error", err)
		}
		return &mail.DeliveryError{
			Temporary: strings.HasPrefix(errMsg, "4"),
			Message:   errMsg,
		}
	}

	if err := t.storage.Save(ctx, captured); err != nil {
		return &mail.DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("sandbox: failed to save message: %v", err),
		}
	}

	t.logger.Info("message captured",
		"id", captured.ID,
		"to", captured.To,
		"tag", captured.Tag,
	)
	return nil
}

func (t *Transport) redirect(ctx context.Context, msg *mail.Message) error {
	redirected := *msg
	redirected.To = mail.Address{Name: msg.To.Name, Email: t.redirectTo}

	captured := t.record(&redirected, ModeRedirect)
	captured.OriginalTo = msg.To.Email
	if err := t.storage.Save(ctx, captured); err != nil {
		t.logger.Warn("failed to save redirected message", "error", err)
	}

	t.logger.Info("redirecting message",
		"id", captured.ID,
		"original_to", msg.To.Email,
		"redirect_to", t.redirectTo,
	)
	return t.next.Send(ctx, &redirected)
}

func (t *Transport) record(msg *mail.Message, mode string) *Message {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	captured := &Message{
		ID:         id,
		From:       msg.From.Email,
		To:         msg.To.Email,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		Mode:       mode,
		CapturedAt: time.Now(),
	}
	for _, a := range msg.Attachments {
		captured.Attachments = append(captured.Attachments, a.FileName)
	}

	if t.composer != nil {
		data, err := t.composer.Compose(msg)
		if err != nil {
			t.logger.Warn("failed to compose captured message", "id", id, "error", err)
		} else {
			captured.Data = data
		}
	}
	return captured
}
