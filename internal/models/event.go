package models

import "time"

// EventStatus is the campaign-level progress of an event
type EventStatus string

const (
	EventDraft     EventStatus = "draft"
	EventReady     EventStatus = "ready"
	EventSending   EventStatus = "sending"
	EventCompleted EventStatus = "completed"
)

// Default text and email settings for new events
const (
	DefaultYPosition = 500
	DefaultFontName  = "Roboto"
	DefaultFontSize  = 60
	DefaultTextColor = "#000000"

	DefaultCertificateSubject = "Your Participation Certificate"
	DefaultCertificateBody    = "Dear {name},\n\nCongratulations! Please find attached your participation certificate.\n\nBest regards"
	DefaultFeedbackSubject    = "Complete Feedback to Receive Your Certificate"
	DefaultFeedbackBody       = "Dear {name},\n\nThank you for your participation in {event_name}!\n\n" +
		"To receive your certificate, please complete our quick feedback form:\n\n{feedback_url}\n\n" +
		"Your certificate will be sent to this email address immediately after submitting the feedback.\n\n" +
		"Best regards,\nThe Event Team"
)

// Event is a certificate campaign
type Event struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      EventStatus `json:"status"`

	Template *Template    `json:"template,omitempty"`
	Text     TextSettings `json:"text_settings"`

	FeedbackEnabled bool       `json:"feedback_enabled"`
	Questions       []Question `json:"feedback_questions"`

	Email EmailTemplates `json:"email"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template references the uploaded certificate background
type Template struct {
	Key    string `json:"key"`
	Format string `json:"format"` // png, jpeg
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// TextSettings positions and styles the participant name
type TextSettings struct {
	YPosition int    `json:"y_position"`
	FontName  string `json:"font_name"`
	FontSize  int    `json:"font_size"`
	TextColor string `json:"text_color"`
}

// EmailTemplates holds subject/body pairs with {name}, {event_name} and {feedback_url} placeholders
type EmailTemplates struct {
	CertificateSubject string `json:"certificate_subject"`
	CertificateBody    string `json:"certificate_body"`
	FeedbackSubject    string `json:"feedback_subject"`
	FeedbackBody       string `json:"feedback_body"`
}

// NewEvent returns an event with default settings applied
func NewEvent(id, name string, now time.Time) *Event {
	e := &Event{
		ID:              id,
		Name:            name,
		Status:          EventDraft,
		FeedbackEnabled: true,
		Text:            TextSettings{YPosition: DefaultYPosition},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.ApplyDefaults()
	return e
}

// ApplyDefaults fills unset font and email settings.
// A y position of 0 is the top edge and is kept.
func (e *Event) ApplyDefaults() {
	if e.Text.FontName == "" {
		e.Text.FontName = DefaultFontName
	}
	if e.Text.FontSize == 0 {
		e.Text.FontSize = DefaultFontSize
	}
	if e.Text.TextColor == "" {
		e.Text.TextColor = DefaultTextColor
	}
	if e.Email.CertificateSubject == "" {
		e.Email.CertificateSubject = DefaultCertificateSubject
	}
	if e.Email.CertificateBody == "" {
		e.Email.CertificateBody = DefaultCertificateBody
	}
	if e.Email.FeedbackSubject == "" {
		e.Email.FeedbackSubject = DefaultFeedbackSubject
	}
	if e.Email.FeedbackBody == "" {
		e.Email.FeedbackBody = DefaultFeedbackBody
	}
	if e.Questions == nil {
		e.Questions = []Question{}
	}
}

// DeliveryUnit is the read-only snapshot of an event used by one bulk send
type DeliveryUnit struct {
	EventID         string
	EventName       string
	FeedbackEnabled bool
	Template        Template
	Text            TextSettings
	Email           EmailTemplates
	Questions       []Question
}

// Snapshot copies the delivery-relevant configuration of the event
func (e *Event) Snapshot() *DeliveryUnit {
	u := &DeliveryUnit{
		EventID:         e.ID,
		EventName:       e.Name,
		FeedbackEnabled: e.FeedbackEnabled,
		Text:            e.Text,
		Email:           e.Email,
		Questions:       append([]Question(nil), e.Questions...),
	}
	if e.Template != nil {
		u.Template = *e.Template
	}
	return u
}
