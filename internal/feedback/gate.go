// Package feedback collects participant feedback and releases certificates
// once it is submitted.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/metrics"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/storage"
)

// Deliverer sends the certificate to a single participant
type Deliverer interface {
	DeliverOne(ctx context.Context, eventID, participantID string) (delivery.Outcome, error)
}

// Form is what a participant sees when opening a feedback link
type Form struct {
	EventID          string            `json:"event_id"`
	EventName        string            `json:"event_name"`
	ParticipantName  string            `json:"participant_name"`
	ParticipantEmail string            `json:"participant_email"`
	Questions        []models.Question `json:"questions"`
}

// Submission is the result of a feedback submission
type Submission struct {
	ParticipantID   string `json:"participant_id"`
	CertificateSent bool   `json:"certificate_sent"`
	// Error describes why the certificate could not be sent
	Error string `json:"error,omitempty"`
}

// Gate guards certificate delivery behind a feedback form
type Gate struct {
	store     storage.Store
	tokens    *Tokens
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate creates a feedback gate
func NewGate(store storage.Store, tokens *Tokens, deliverer Deliverer, logger *slog.Logger) *Gate {
	return &Gate{
		store:     store,
		tokens:    tokens,
		deliverer: deliverer,
		logger:    logger.With("component", "feedback"),
		now:       time.Now,
	}
}

// IssueToken returns the participant's unconsumed token, creating one if needed
func (g *Gate) IssueToken(ctx context.Context, eventID, participantID string) (*models.FeedbackToken, error) {
	if _, err := g.store.GetParticipant(ctx, eventID, participantID); err != nil {
		return nil, err
	}
	tok, _, err := g.tokens.Issue(ctx, eventID, participantID)
	return tok, err
}

// Form returns the questions for an unconsumed token
func (g *Gate) Form(ctx context.Context, token string) (*Form, error) {
	tok, event, p, err := g.load(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Form{
		EventID:          tok.EventID,
		EventName:        event.Name,
		ParticipantName:  p.Name,
		ParticipantEmail: p.Email,
		Questions:        event.Questions,
	}, nil
}

// Submit records the answers, moves the participant to feedback received
// and sends the certificate right away
func (g *Gate) Submit(ctx context.Context, token string, answers []models.Answer) (*Submission, error) {
	tok, event, _, err := g.load(ctx, token)
	if err != nil {
		metrics.IncFeedbackSubmissions(resultOf(err))
		return nil, err
	}

	accepted, err := Validate(event.Questions, answers)
	if err != nil {
		metrics.IncFeedbackSubmissions("invalid")
		return nil, err
	}

	now := g.now()
	err = g.store.ConsumeToken(ctx, token, func(t *models.FeedbackToken, p *models.Participant) error {
		submitted := now
		t.Consumed = true
		t.SubmittedAt = &submitted
		t.Answers = accepted
		return delivery.Advance(p, models.StatusFeedbackReceived, true, now)
	})
	if err != nil {
		metrics.IncFeedbackSubmissions(resultOf(err))
		return nil, err
	}
	metrics.IncFeedbackSubmissions("accepted")

	logger := g.logger.With("event_id", tok.EventID, "recipient_id", tok.ParticipantID)
	logger.Info("feedback received")

	result := &Submission{ParticipantID: tok.ParticipantID}
	outcome, err := g.deliverer.DeliverOne(ctx, tok.EventID, tok.ParticipantID)
	switch {
	case err != nil:
		logger.Error("certificate delivery after feedback failed", "error", err)
		result.Error = err.Error()
	case !outcome.Succeeded():
		logger.Warn("certificate delivery after feedback failed", "error", outcome.Error)
		result.Error = outcome.Error
	default:
		result.CertificateSent = outcome.Status == models.StatusCertificateSent
	}
	return result, nil
}

func (g *Gate) load(ctx context.Context, token string) (*models.FeedbackToken, *models.Event, *models.Participant, error) {
	if token == "" {
		return nil, nil, nil, delivery.ErrTokenNotFound
	}
	tok, err := g.store.GetToken(ctx, token)
	if err != nil {
		return nil, nil, nil, err
	}
	if tok.Consumed {
		return nil, nil, nil, delivery.ErrAlreadySubmitted
	}
	event, err := g.store.GetEvent(ctx, tok.EventID)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := g.store.GetParticipant(ctx, tok.EventID, tok.ParticipantID)
	if err != nil {
		return nil, nil, nil, err
	}
	return tok, event, p, nil
}

// Validate checks answers against the questions. It returns the answers to
// keep, in question order, or a validation error naming every missing
// required question and every invalid answer.
func Validate(questions []models.Question, answers []models.Answer) ([]models.Answer, error) {
	given := make(map[string]string, len(answers))
	for _, a := range answers {
		given[a.QuestionID] = strings.TrimSpace(a.Value)
	}

	var missing, invalid []string
	accepted := make([]models.Answer, 0, len(questions))
	for _, q := range questions {
		v, ok := given[q.ID]
		if !ok || v == "" {
			if q.Required {
				missing = append(missing, q.ID)
			}
			continue
		}
		if err := checkAnswer(q, v); err != nil {
			invalid = append(invalid, q.ID)
			continue
		}
		accepted = append(accepted, models.Answer{QuestionID: q.ID, Value: v})
	}

	switch {
	case len(missing) > 0:
		return nil, delivery.Validation("missing required answers", append(missing, invalid...)...)
	case len(invalid) > 0:
		return nil, delivery.Validation("invalid answers", invalid...)
	}
	return accepted, nil
}

func checkAnswer(q models.Question, v string) error {
	switch q.Type {
	case models.QuestionRating:
		n, err := (models.Answer{Value: v}).Int()
		if err != nil {
			return fmt.Errorf("rating must be a number")
		}
		lo, hi := q.RatingRange()
		if n < lo || n > hi {
			return fmt.Errorf("rating must be between %d and %d", lo, hi)
		}
	case models.QuestionMultipleChoice:
		for _, opt := range q.Options {
			if opt == v {
				return nil
			}
		}
		return errors.New("answer is not one of the options")
	case models.QuestionText:
	}
	return nil
}

func resultOf(err error) string {
	switch delivery.KindOf(err) {
	case delivery.KindNotFound:
		return "not_found"
	case delivery.KindConflict:
		return "conflict"
	case delivery.KindValidation:
		return "invalid"
	}
	return "error"
}
