package delivery

import (
	"fmt"
	"time"

	"github.com/foxzi/certmailer/internal/models"
)

// Mode selects which participants a bulk send touches
type Mode int

const (
	// ModePendingOnly sends to everyone who has not received a certificate
	ModePendingOnly Mode = iota
	// ModeAll also resends the certificate to participants who already have it
	ModeAll
	// ModeResetFeedback restarts every participant from pending
	ModeResetFeedback
)

func (m Mode) String() string {
	switch m {
	case ModePendingOnly:
		return "pending"
	case ModeAll:
		return "all"
	case ModeResetFeedback:
		return "reset"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode converts a mode name. An empty name means pending.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "pending", "pending_only":
		return ModePendingOnly, nil
	case "all":
		return ModeAll, nil
	case "reset", "all_reset_feedback":
		return ModeResetFeedback, nil
	}
	return 0, Validation(fmt.Sprintf("unknown send mode %q", name), "mode")
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Outcome is the result of delivering to one participant
type Outcome struct {
	ParticipantID string        `json:"participant_id"`
	Name          string        `json:"name"`
	Email         string        `json:"email"`
	Action        string        `json:"action"`
	Status        models.Status `json:"status"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     Kind          `json:"error_kind,omitempty"`
}

// Succeeded reports whether the participant was advanced without error
func (o Outcome) Succeeded() bool {
	return o.Error == ""
}

// Summary aggregates the outcomes of one bulk send
type Summary struct {
	EventID    string    `json:"event_id"`
	Mode       Mode      `json:"mode"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Cancelled  bool      `json:"cancelled"`
	Remaining  int       `json:"remaining"`
	Outcomes   []Outcome `json:"outcomes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewSummary starts a summary for total selected participants
func NewSummary(eventID string, mode Mode, total int, now time.Time) *Summary {
	return &Summary{
		EventID:   eventID,
		Mode:      mode,
		Total:     total,
		Remaining: total,
		Outcomes:  make([]Outcome, 0, total),
		StartedAt: now,
	}
}

// Record appends an outcome in completion order
func (s *Summary) Record(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	if o.Succeeded() {
		s.Successful++
	} else {
		s.Failed++
	}
	if s.Remaining > 0 {
		s.Remaining--
	}
}

// Finish stamps the summary. Cancelled is set when work was left undone.
func (s *Summary) Finish(cancelled bool, now time.Time) {
	s.Cancelled = cancelled && s.Remaining > 0
	s.FinishedAt = now
}
