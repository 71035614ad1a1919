package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/storage"
)

func setupReporter(t *testing.T) (*Reporter, *storage.BoltStorage) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	event := models.NewEvent("ev1", "Go Workshop", now)
	event.Questions = []models.Question{
		{ID: "q1", Question: "Rating", Type: models.QuestionRating},
		{ID: "q2", Question: "Comments", Type: models.QuestionText},
	}
	if err := store.SaveEvent(ctx, event); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}

	sent := now.Add(time.Hour)
	ps := []*models.Participant{
		{ID: "p1", EventID: "ev1", Name: "zoe", Email: "zoe@example.com", Status: models.StatusCertificateSent, CertificateSentAt: &sent, CreatedAt: now},
		{ID: "p2", EventID: "ev1", Name: "Adam", Email: "adam@example.com", Status: models.StatusFailed, ResumeStatus: models.StatusPending, LastError: "mailbox unavailable", CreatedAt: now.Add(time.Second)},
		{ID: "p3", EventID: "ev1", Name: "Mia", Email: "mia@example.com", Status: models.StatusFeedbackRequested, CreatedAt: now.Add(2 * time.Second)},
	}
	if err := store.AddParticipants(ctx, ps); err != nil {
		t.Fatalf("AddParticipants failed: %v", err)
	}

	return New(store), store
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	return rows
}

func TestResults(t *testing.T) {
	r, _ := setupReporter(t)

	res, err := r.Results(context.Background(), "ev1")
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if res.EventName != "Go Workshop" {
		t.Errorf("expected event name, got %q", res.EventName)
	}
	want := models.StatusCounts{Total: 3, FeedbackSent: 1, CertificateSent: 1, Failed: 1}
	if res.Statistics != want {
		t.Errorf("expected %+v, got %+v", want, res.Statistics)
	}

	if _, err := r.Results(context.Background(), "missing"); !errors.Is(err, delivery.ErrEventNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestResultsCSV(t *testing.T) {
	r, _ := setupReporter(t)

	var buf bytes.Buffer
	if err := r.ResultsCSV(context.Background(), "ev1", &buf); err != nil {
		t.Fatalf("ResultsCSV failed: %v", err)
	}

	rows := readCSV(t, buf.Bytes())
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0][0] != "Name" || rows[0][5] != "Error" {
		t.Errorf("unexpected header: %v", rows[0])
	}
	// sorted by name, case-insensitive
	if rows[1][0] != "Adam" || rows[2][0] != "Mia" || rows[3][0] != "zoe" {
		t.Errorf("unexpected order: %v", rows[1:])
	}
	if rows[1][2] != "failed" || rows[1][5] != "mailbox unavailable" {
		t.Errorf("unexpected failed row: %v", rows[1])
	}
	if rows[3][4] != "2026-05-01T11:00:00Z" {
		t.Errorf("unexpected certificate time: %q", rows[3][4])
	}
}

func TestFeedbackCSV(t *testing.T) {
	r, store := setupReporter(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"p3", "p1"} {
		tok, _, err := store.IssueToken(ctx, "ev1", id, func() string { return "tok-" + id }, now)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		submittedAt := now.Add(time.Duration(i) * time.Minute)
		err = store.ConsumeToken(ctx, tok.Token, func(ft *models.FeedbackToken, p *models.Participant) error {
			ft.Consumed = true
			ft.SubmittedAt = &submittedAt
			ft.Answers = []models.Answer{{QuestionID: "q1", Value: "5"}}
			return nil
		})
		if err != nil {
			t.Fatalf("ConsumeToken failed: %v", err)
		}
	}
	// an unsubmitted token is not exported
	if _, _, err := store.IssueToken(ctx, "ev1", "p2", func() string { return "tok-p2" }, now); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	var buf bytes.Buffer
	if err := r.FeedbackCSV(ctx, "ev1", false, &buf); err != nil {
		t.Fatalf("FeedbackCSV failed: %v", err)
	}
	rows := readCSV(t, buf.Bytes())
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if got := rows[0]; len(got) != 5 || got[3] != "Rating" || got[4] != "Comments" {
		t.Errorf("unexpected header: %v", got)
	}
	if rows[1][0] != "Mia" || rows[1][3] != "5" || rows[1][4] != "" {
		t.Errorf("unexpected row: %v", rows[1])
	}

	buf.Reset()
	if err := r.FeedbackCSV(ctx, "ev1", true, &buf); err != nil {
		t.Fatalf("FeedbackCSV failed: %v", err)
	}
	rows = readCSV(t, buf.Bytes())
	if rows[0][0] != "Response #" || rows[1][0] != "Response 1" || rows[2][0] != "Response 2" {
		t.Errorf("unexpected anonymous export: %v", rows)
	}
	for _, row := range rows {
		for _, cell := range row {
			if cell == "Mia" || cell == "zoe@example.com" {
				t.Errorf("anonymous export leaks %q", cell)
			}
		}
	}
}
