package models

import "fmt"

// Status is the delivery state of a participant.
// The zero value is not a valid status.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusFeedbackRequested
	StatusFeedbackReceived
	StatusCertificateSent
	StatusFailed
)

// Statuses lists every valid status in lifecycle order
var Statuses = []Status{
	StatusPending,
	StatusFeedbackRequested,
	StatusFeedbackReceived,
	StatusCertificateSent,
	StatusFailed,
}

// String returns the wire name of the status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFeedbackRequested:
		return "feedback_sent"
	case StatusFeedbackReceived:
		return "feedback_received"
	case StatusCertificateSent:
		return "certificate_sent"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFeedbackRequested, StatusFeedbackReceived, StatusCertificateSent, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a wire name into a Status
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Unknown names are rejected so that no undeclared status can be loaded.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
