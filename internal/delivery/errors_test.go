package delivery

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrEventNotFound, KindNotFound},
		{fmt.Errorf("failed to send: %w", ErrSendInProgress), KindConflict},
		{Validation("missing answers", "q1", "q2"), KindValidation},
		{Transient("smtp", errors.New("timeout")), KindTransient},
		{Permanent("render", errors.New("bad image")), KindPermanent},
		{errors.New("plain"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrNoTemplate)

	if !errors.Is(err, ErrNoTemplate) {
		t.Error("expected errors.Is to match the sentinel itself")
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("expected errors.Is to match the kind sentinel")
	}
	if errors.Is(err, ErrNoParticipants) {
		t.Error("sentinels with different messages must not match")
	}
	if errors.Is(err, ErrConflict) {
		t.Error("different kinds must not match")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Validation("missing required answers", "q1", "q3")
	if got := err.Error(); got != "missing required answers (q1, q3)" {
		t.Errorf("unexpected message %q", got)
	}
	if got := FieldsOf(fmt.Errorf("x: %w", err)); len(got) != 2 || got[1] != "q3" {
		t.Errorf("unexpected fields %v", got)
	}

	cause := errors.New("connection refused")
	terr := Transient("mail rejected", cause)
	if got := terr.Error(); got != "mail rejected: connection refused" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(terr, cause) {
		t.Error("expected cause to be unwrapped")
	}
}
