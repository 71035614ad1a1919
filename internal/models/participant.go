package models

import "time"

// Participant is a recipient of an event's certificate
type Participant struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`

	Status Status `json:"status"`

	// ResumeStatus is the last successful status before the participant failed
	ResumeStatus Status `json:"resume_status,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`

	FeedbackSubmittedAt *time.Time `json:"feedback_submitted_at,omitempty"`
	CertificateSentAt   *time.Time `json:"certificate_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus returns the status delivery resumes from.
// For a failed participant that is the last successful status.
func (p *Participant) EffectiveStatus() Status {
	if p.Status != StatusFailed {
		return p.Status
	}
	if p.ResumeStatus.Valid() && p.ResumeStatus != StatusFailed {
		return p.ResumeStatus
	}
	return StatusPending
}

// Clone returns a deep copy of the participant
func (p *Participant) Clone() *Participant {
	c := *p
	if p.FeedbackSubmittedAt != nil {
		t := *p.FeedbackSubmittedAt
		c.FeedbackSubmittedAt = &t
	}
	if p.CertificateSentAt != nil {
		t := *p.CertificateSentAt
		c.CertificateSentAt = &t
	}
	return &c
}

// StatusCounts holds the number of participants per status
type StatusCounts struct {
	Total            int `json:"total"`
	Pending          int `json:"pending"`
	FeedbackSent     int `json:"feedback_sent"`
	FeedbackReceived int `json:"feedback_received"`
	CertificateSent  int `json:"certificate_sent"`
	Failed           int `json:"failed"`
}

// Add counts one participant with the given status
func (c *StatusCounts) Add(s Status) {
	c.Total++
	switch s {
	case StatusPending:
		c.Pending++
	case StatusFeedbackRequested:
		c.FeedbackSent++
	case StatusFeedbackReceived:
		c.FeedbackReceived++
	case StatusCertificateSent:
		c.CertificateSent++
	case StatusFailed:
		c.Failed++
	}
}
