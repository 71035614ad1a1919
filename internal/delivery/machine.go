package delivery

import (
	"fmt"
	"time"

	"github.com/foxzi/certmailer/internal/models"
)

// Action is the side effect needed to move a participant forward
type Action int

const (
	// ActionNone means the participant needs no work
	ActionNone Action = iota
	// ActionRequestFeedback issues or reuses a token and mails the feedback link
	ActionRequestFeedback
	// ActionRemindFeedback mails the feedback link again with the existing token
	ActionRemindFeedback
	// ActionSendCertificate renders and mails the certificate
	ActionSendCertificate
	// ActionResendCertificate mails the certificate to a participant who already has it
	ActionResendCertificate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRequestFeedback:
		return "request_feedback"
	case ActionRemindFeedback:
		return "remind_feedback"
	case ActionSendCertificate:
		return "send_certificate"
	case ActionResendCertificate:
		return "resend_certificate"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Target returns the status a successful action leads to
func (a Action) Target() models.Status {
	switch a {
	case ActionRequestFeedback, ActionRemindFeedback:
		return models.StatusFeedbackRequested
	case ActionSendCertificate, ActionResendCertificate:
		return models.StatusCertificateSent
	case ActionNone:
		return 0
	}
	return 0
}

// Step is the planned move for one participant
type Step struct {
	Action Action
	// From is the status the step starts from after resume or reset
	From models.Status
	To   models.Status
}

// Plan decides the next step for a participant.
// A failed participant resumes from its last successful status, and in
// ModeResetFeedback every participant restarts from pending. In
// ModePendingOnly a participant waiting on feedback is left alone unless
// its last feedback mail failed.
func Plan(p *models.Participant, feedbackEnabled bool, mode Mode) Step {
	from := p.EffectiveStatus()
	if mode == ModeResetFeedback {
		from = models.StatusPending
	}

	var action Action
	switch from {
	case models.StatusPending:
		if feedbackEnabled {
			action = ActionRequestFeedback
		} else {
			action = ActionSendCertificate
		}
	case models.StatusFeedbackRequested:
		switch {
		case !feedbackEnabled:
			action = ActionSendCertificate
		case mode == ModePendingOnly && p.Status != models.StatusFailed:
			// waiting on the participant; only the feedback form moves it on
			action = ActionNone
		default:
			action = ActionRemindFeedback
		}
	case models.StatusFeedbackReceived:
		action = ActionSendCertificate
	case models.StatusCertificateSent:
		if mode == ModePendingOnly {
			action = ActionNone
		} else {
			action = ActionResendCertificate
		}
	case models.StatusFailed:
		// EffectiveStatus never yields failed
		action = ActionNone
	default:
		action = ActionNone
	}

	return Step{Action: action, From: from, To: action.Target()}
}

// CanTransition reports whether from -> to is an edge of the delivery machine
func CanTransition(from, to models.Status, feedbackEnabled bool) bool {
	if to == models.StatusFailed {
		return from != models.StatusCertificateSent && from.Valid()
	}

	switch from {
	case models.StatusPending:
		if feedbackEnabled {
			return to == models.StatusFeedbackRequested
		}
		return to == models.StatusCertificateSent
	case models.StatusFeedbackRequested:
		if feedbackEnabled {
			return to == models.StatusFeedbackReceived
		}
		return to == models.StatusCertificateSent
	case models.StatusFeedbackReceived:
		return to == models.StatusCertificateSent
	case models.StatusCertificateSent:
		return false
	case models.StatusFailed:
		return false
	}
	return false
}

// Advance moves p to status to, validating the edge from its effective status.
// Entering a status clears any previous failure and stamps its timestamp.
func Advance(p *models.Participant, to models.Status, feedbackEnabled bool, now time.Time) error {
	from := p.EffectiveStatus()
	if !CanTransition(from, to, feedbackEnabled) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	enter(p, to, now)
	return nil
}

// Reset restarts p from pending. Timestamps are kept.
func Reset(p *models.Participant, now time.Time) {
	p.Status = models.StatusPending
	p.ResumeStatus = 0
	p.LastError = ""
	p.ErrorKind = ""
	p.UpdatedAt = now
}

// Restore clears a failure and puts p back into the status it resumes
// from. It is used when a step succeeds without changing status, such as a
// feedback reminder.
func Restore(p *models.Participant, now time.Time) {
	if p.Status != models.StatusFailed {
		return
	}
	from := p.EffectiveStatus()
	p.Status = from
	p.ResumeStatus = 0
	p.LastError = ""
	p.ErrorKind = ""
	p.UpdatedAt = now
}

// Redeliver records a repeated certificate delivery.
// Only certificate_sent_at changes.
func Redeliver(p *models.Participant, now time.Time) error {
	if p.Status != models.StatusCertificateSent {
		return fmt.Errorf("%w: redelivery from %s", ErrIllegalTransition, p.Status)
	}
	t := now
	p.CertificateSentAt = &t
	p.UpdatedAt = now
	return nil
}

// Fail moves p to failed, remembering the status to resume from
func Fail(p *models.Participant, cause error, now time.Time) error {
	if p.Status == models.StatusCertificateSent {
		return fmt.Errorf("%w: %s cannot fail", ErrIllegalTransition, p.Status)
	}
	p.ResumeStatus = p.EffectiveStatus()
	p.Status = models.StatusFailed
	p.LastError = cause.Error()
	p.ErrorKind = string(KindOf(cause))
	p.UpdatedAt = now
	return nil
}

func enter(p *models.Participant, to models.Status, now time.Time) {
	p.Status = to
	p.ResumeStatus = 0
	p.LastError = ""
	p.ErrorKind = ""
	p.UpdatedAt = now

	t := now
	switch to {
	case models.StatusFeedbackReceived:
		p.FeedbackSubmittedAt = &t
	case models.StatusCertificateSent:
		p.CertificateSentAt = &t
	case models.StatusPending, models.StatusFeedbackRequested, models.StatusFailed:
	}
}
