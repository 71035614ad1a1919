package delivery

import (
	"errors"
	"testing"
	"time"

	"github.com/foxzi/certmailer/internal/models"
)

func participant(status, resume models.Status) *models.Participant {
	return &models.Participant{ID: "p1", EventID: "e1", Status: status, ResumeStatus: resume}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		status   models.Status
		resume   models.Status
		feedback bool
		mode     Mode
		want     Action
		from     models.Status
	}{
		{"pending with feedback", models.StatusPending, 0, true, ModePendingOnly, ActionRequestFeedback, models.StatusPending},
		{"pending without feedback", models.StatusPending, 0, false, ModePendingOnly, ActionSendCertificate, models.StatusPending},
		{"requested waits in pending mode", models.StatusFeedbackRequested, 0, true, ModePendingOnly, ActionNone, models.StatusFeedbackRequested},
		{"requested is reminded in all mode", models.StatusFeedbackRequested, 0, true, ModeAll, ActionRemindFeedback, models.StatusFeedbackRequested},
		{"failed reminder is retried", models.StatusFailed, models.StatusFeedbackRequested, true, ModePendingOnly, ActionRemindFeedback, models.StatusFeedbackRequested},
		{"requested after feedback disabled", models.StatusFeedbackRequested, 0, false, ModePendingOnly, ActionSendCertificate, models.StatusFeedbackRequested},
		{"received gets certificate", models.StatusFeedbackReceived, 0, true, ModePendingOnly, ActionSendCertificate, models.StatusFeedbackReceived},
		{"received after feedback disabled", models.StatusFeedbackReceived, 0, false, ModePendingOnly, ActionSendCertificate, models.StatusFeedbackReceived},
		{"sent skipped in pending mode", models.StatusCertificateSent, 0, true, ModePendingOnly, ActionNone, models.StatusCertificateSent},
		{"sent resent in all mode", models.StatusCertificateSent, 0, true, ModeAll, ActionResendCertificate, models.StatusCertificateSent},
		{"sent reset with feedback", models.StatusCertificateSent, 0, true, ModeResetFeedback, ActionRequestFeedback, models.StatusPending},
		{"sent reset without feedback", models.StatusCertificateSent, 0, false, ModeResetFeedback, ActionSendCertificate, models.StatusPending},
		{"failed resumes from received", models.StatusFailed, models.StatusFeedbackReceived, true, ModePendingOnly, ActionSendCertificate, models.StatusFeedbackReceived},
		{"failed without resume starts pending", models.StatusFailed, 0, true, ModePendingOnly, ActionRequestFeedback, models.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := Plan(participant(tt.status, tt.resume), tt.feedback, tt.mode)
			if step.Action != tt.want {
				t.Errorf("expected action %s, got %s", tt.want, step.Action)
			}
			if step.From != tt.from {
				t.Errorf("expected from %s, got %s", tt.from, step.From)
			}
			if step.To != tt.want.Target() {
				t.Errorf("expected to %v, got %v", tt.want.Target(), step.To)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to models.Status
		feedback bool
	}{
		{models.StatusPending, models.StatusFeedbackRequested, true},
		{models.StatusFeedbackRequested, models.StatusFeedbackReceived, true},
		{models.StatusFeedbackReceived, models.StatusCertificateSent, true},
		{models.StatusPending, models.StatusCertificateSent, false},
		{models.StatusFeedbackRequested, models.StatusCertificateSent, false},
		{models.StatusFeedbackReceived, models.StatusCertificateSent, false},
		{models.StatusPending, models.StatusFailed, true},
		{models.StatusFeedbackReceived, models.StatusFailed, false},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to, tt.feedback) {
			t.Errorf("expected %s -> %s (feedback=%v) to be allowed", tt.from, tt.to, tt.feedback)
		}
	}

	denied := []struct {
		from, to models.Status
		feedback bool
	}{
		{models.StatusPending, models.StatusCertificateSent, true},
		{models.StatusPending, models.StatusFeedbackReceived, true},
		{models.StatusFeedbackRequested, models.StatusCertificateSent, true},
		{models.StatusCertificateSent, models.StatusFailed, true},
		{models.StatusCertificateSent, models.StatusPending, true},
		{models.StatusFailed, models.StatusCertificateSent, false},
		{models.Status(0), models.StatusFailed, true},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to, tt.feedback) {
			t.Errorf("expected %s -> %s (feedback=%v) to be denied", tt.from, tt.to, tt.feedback)
		}
	}
}

func TestAdvanceStampsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := participant(models.StatusFeedbackRequested, 0)

	if err := Advance(p, models.StatusFeedbackReceived, true, now); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if p.FeedbackSubmittedAt == nil || !p.FeedbackSubmittedAt.Equal(now) {
		t.Errorf("expected feedback_submitted_at %v, got %v", now, p.FeedbackSubmittedAt)
	}

	later := now.Add(time.Minute)
	if err := Advance(p, models.StatusCertificateSent, true, later); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if p.CertificateSentAt == nil || !p.CertificateSentAt.Equal(later) {
		t.Errorf("expected certificate_sent_at %v, got %v", later, p.CertificateSentAt)
	}
	if !p.FeedbackSubmittedAt.Equal(now) {
		t.Error("feedback_submitted_at must not change")
	}
}

func TestAdvanceRejectsIllegalEdge(t *testing.T) {
	p := participant(models.StatusPending, 0)
	err := Advance(p, models.StatusCertificateSent, true, time.Now())
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if p.Status != models.StatusPending {
		t.Errorf("status changed to %s", p.Status)
	}
}

func TestFailAndResume(t *testing.T) {
	now := time.Now()
	p := participant(models.StatusFeedbackReceived, 0)
	submitted := now.Add(-time.Hour)
	p.FeedbackSubmittedAt = &submitted

	cause := Permanent("render failed", errors.New("bad font"))
	if err := Fail(p, cause, now); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if p.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", p.Status)
	}
	if p.ResumeStatus != models.StatusFeedbackReceived {
		t.Errorf("expected resume feedback_received, got %s", p.ResumeStatus)
	}
	if p.ErrorKind != string(KindPermanent) {
		t.Errorf("expected error kind %s, got %s", KindPermanent, p.ErrorKind)
	}
	if p.FeedbackSubmittedAt == nil {
		t.Error("feedback_submitted_at was cleared")
	}

	// failing again keeps the original resume point
	if err := Fail(p, errors.New("again"), now); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if p.ResumeStatus != models.StatusFeedbackReceived {
		t.Errorf("resume status lost: %s", p.ResumeStatus)
	}

	if err := Advance(p, models.StatusCertificateSent, true, now); err != nil {
		t.Fatalf("Advance from failed failed: %v", err)
	}
	if p.LastError != "" || p.ResumeStatus != 0 {
		t.Errorf("failure not cleared: %q %s", p.LastError, p.ResumeStatus)
	}
}

func TestFailRejectsCertificateSent(t *testing.T) {
	p := participant(models.StatusCertificateSent, 0)
	if err := Fail(p, errors.New("x"), time.Now()); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRedeliver(t *testing.T) {
	first := time.Now().Add(-time.Hour)
	p := participant(models.StatusCertificateSent, 0)
	p.CertificateSentAt = &first

	now := time.Now()
	if err := Redeliver(p, now); err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if !p.CertificateSentAt.Equal(now) {
		t.Errorf("certificate_sent_at not overwritten")
	}
	if p.Status != models.StatusCertificateSent {
		t.Errorf("status changed to %s", p.Status)
	}

	if err := Redeliver(participant(models.StatusPending, 0), now); err == nil {
		t.Error("expected error redelivering to pending participant")
	}
}

func TestReset(t *testing.T) {
	sent := time.Now()
	p := participant(models.StatusFailed, models.StatusFeedbackReceived)
	p.LastError = "boom"
	p.CertificateSentAt = &sent

	Reset(p, time.Now())
	if p.Status != models.StatusPending || p.ResumeStatus != 0 || p.LastError != "" {
		t.Errorf("unexpected state after reset: %+v", p)
	}
	if p.CertificateSentAt == nil {
		t.Error("reset must keep timestamps")
	}
}

func TestRestore(t *testing.T) {
	p := participant(models.StatusFailed, models.StatusFeedbackRequested)
	p.LastError = "smtp down"
	p.ErrorKind = string(KindTransient)

	Restore(p, time.Now())
	if p.Status != models.StatusFeedbackRequested || p.ResumeStatus != 0 || p.LastError != "" || p.ErrorKind != "" {
		t.Errorf("unexpected state after restore: %+v", p)
	}

	q := participant(models.StatusPending, 0)
	Restore(q, time.Now())
	if q.Status != models.StatusPending {
		t.Errorf("restore changed a healthy participant: %s", q.Status)
	}
}
