// Package storage persists events, participants and feedback tokens.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/foxzi/certmailer/internal/models"
)

// Store defines the persistence operations used by the delivery pipeline.
// Missing records are reported with the not-found errors of package delivery.
type Store interface {
	// SaveEvent creates or replaces an event
	SaveEvent(ctx context.Context, e *models.Event) error

	// GetEvent retrieves an event by ID
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// ListEvents returns all events, newest first
	ListEvents(ctx context.Context) ([]*models.Event, error)

	// DeleteEvent removes an event with its participants and tokens
	DeleteEvent(ctx context.Context, id string) error

	// AddParticipants stores new participants
	AddParticipants(ctx context.Context, ps []*models.Participant) error

	// GetParticipant retrieves a participant of an event
	GetParticipant(ctx context.Context, eventID, id string) (*models.Participant, error)

	// ListParticipants returns participants in creation order
	ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*models.Participant, error)

	// UpdateParticipantIf replaces the participant only if its stored
	// status still equals expected. Otherwise it returns ErrStaleStatus.
	UpdateParticipantIf(ctx context.Context, p *models.Participant, expected models.Status) error

	// DeleteParticipant removes one participant and its tokens
	DeleteParticipant(ctx context.Context, eventID, id string) error

	// DeleteParticipants removes every participant of an event
	DeleteParticipants(ctx context.Context, eventID string) (int, error)

	// ParticipantStats counts the participants of an event per status
	ParticipantStats(ctx context.Context, eventID string) (*models.StatusCounts, error)

	// IssueToken returns the participant's unconsumed token, creating one
	// with newToken when none exists. created reports which happened.
	IssueToken(ctx context.Context, eventID, participantID string, newToken func() string, now time.Time) (tok *models.FeedbackToken, created bool, err error)

	// GetToken retrieves a token
	GetToken(ctx context.Context, token string) (*models.FeedbackToken, error)

	// ListTokens returns the tokens issued for an event
	ListTokens(ctx context.Context, eventID string) ([]*models.FeedbackToken, error)

	// ConsumeToken loads an unconsumed token and its participant, lets fn
	// mutate both and stores them together. A consumed token yields
	// ErrAlreadySubmitted and fn is not called.
	ConsumeToken(ctx context.Context, token string, fn func(tok *models.FeedbackToken, p *models.Participant) error) error

	// Close releases the underlying connection
	Close() error
}

// ParticipantFilter selects participants of one event
type ParticipantFilter struct {
	EventID  string
	Statuses []models.Status
	IDs      []string
	Limit    int
	Offset   int
}

func (f ParticipantFilter) matches(p *models.Participant) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if p.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f ParticipantFilter) page(ps []*models.Participant) []*models.Participant {
	if f.Offset > 0 {
		if f.Offset >= len(ps) {
			return nil
		}
		ps = ps[f.Offset:]
	}
	if f.Limit > 0 && len(ps) > f.Limit {
		ps = ps[:f.Limit]
	}
	return ps
}

func sortParticipants(ps []*models.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func sortEvents(es []*models.Event) {
	sort.SliceStable(es, func(i, j int) bool {
		return es[i].CreatedAt.After(es[j].CreatedAt)
	})
}

func sortTokens(ts []*models.FeedbackToken) {
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].IssuedAt.Before(ts[j].IssuedAt)
	})
}
