// Package report summarises delivery results and exports them as CSV.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/storage"
)

// Results is the delivery overview of an event
type Results struct {
	EventID         string              `json:"event_id"`
	EventName       string              `json:"event_name"`
	EventStatus     models.EventStatus  `json:"event_status"`
	FeedbackEnabled bool                `json:"feedback_enabled"`
	Statistics      models.StatusCounts `json:"statistics"`
}

// Reporter reads results from storage
type Reporter struct {
	store storage.Store
}

// New creates a reporter
func New(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// Results returns the per-status counts of an event
func (r *Reporter) Results(ctx context.Context, eventID string) (*Results, error) {
	event, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	stats, err := r.store.ParticipantStats(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	return &Results{
		EventID:         event.ID,
		EventName:       event.Name,
		EventStatus:     event.Status,
		FeedbackEnabled: event.FeedbackEnabled,
		Statistics:      *stats,
	}, nil
}

// Participants returns the participants of an event sorted by name
func (r *Reporter) Participants(ctx context.Context, eventID string) ([]*models.Participant, error) {
	if _, err := r.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	ps, err := r.store.ListParticipants(ctx, storage.ParticipantFilter{EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	sort.SliceStable(ps, func(i, j int) bool {
		return strings.ToLower(ps[i].Name) < strings.ToLower(ps[j].Name)
	})
	return ps, nil
}

// ResultsCSV writes one row per participant
func (r *Reporter) ResultsCSV(ctx context.Context, eventID string, w io.Writer) error {
	ps, err := r.Participants(ctx, eventID)
	if err != nil {
		return err
	}
	return WriteResultsCSV(w, ps)
}

// FeedbackCSV writes one row per submitted feedback. Anonymous exports
// replace the participant columns with a response number.
func (r *Reporter) FeedbackCSV(ctx context.Context, eventID string, anonymous bool, w io.Writer) error {
	event, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	tokens, err := r.store.ListTokens(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to list feedback: %w", err)
	}

	var participants map[string]*models.Participant
	if !anonymous {
		ps, err := r.store.ListParticipants(ctx, storage.ParticipantFilter{EventID: eventID})
		if err != nil {
			return fmt.Errorf("failed to list participants: %w", err)
		}
		participants = make(map[string]*models.Participant, len(ps))
		for _, p := range ps {
			participants[p.ID] = p
		}
	}

	return WriteFeedbackCSV(w, event.Questions, tokens, participants, anonymous)
}

// WriteResultsCSV writes the results table for ps
func WriteResultsCSV(w io.Writer, ps []*models.Participant) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Name", "Email", "Status", "Feedback Submitted", "Certificate Sent", "Error"}); err != nil {
		return err
	}
	for _, p := range ps {
		row := []string{
			p.Name,
			p.Email,
			p.Status.String(),
			formatTime(p.FeedbackSubmittedAt),
			formatTime(p.CertificateSentAt),
			p.LastError,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFeedbackCSV writes the consumed tokens in submission order.
// Responses of participants missing from participants are skipped unless
// anonymous is set.
func WriteFeedbackCSV(w io.Writer, questions []models.Question, tokens []*models.FeedbackToken, participants map[string]*models.Participant, anonymous bool) error {
	submitted := make([]*models.FeedbackToken, 0, len(tokens))
	for _, t := range tokens {
		if t.Consumed && t.SubmittedAt != nil {
			submitted = append(submitted, t)
		}
	}
	sort.SliceStable(submitted, func(i, j int) bool {
		return submitted[i].SubmittedAt.Before(*submitted[j].SubmittedAt)
	})

	header := []string{"Name", "Email", "Submitted At"}
	if anonymous {
		header = []string{"Response #", "Submitted At"}
	}
	for _, q := range questions {
		header = append(header, q.Question)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	n := 0
	for _, t := range submitted {
		var row []string
		if anonymous {
			row = []string{fmt.Sprintf("Response %d", n+1), formatTime(t.SubmittedAt)}
		} else {
			p, ok := participants[t.ParticipantID]
			if !ok {
				continue
			}
			row = []string{p.Name, p.Email, formatTime(t.SubmittedAt)}
		}

		answers := make(map[string]string, len(t.Answers))
		for _, a := range t.Answers {
			answers[a.QuestionID] = a.Value
		}
		for _, q := range questions {
			row = append(row, answers[q.ID])
		}

		if err := cw.Write(row); err != nil {
			return err
		}
		n++
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
