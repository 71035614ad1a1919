package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// QuestionType is the kind of input a feedback question expects
type QuestionType string

const (
	QuestionText           QuestionType = "text"
	QuestionRating         QuestionType = "rating"
	QuestionMultipleChoice QuestionType = "multiple_choice"
)

// Question is a feedback form question
type Question struct {
	ID        string       `json:"id"`
	Question  string       `json:"question"`
	Type      QuestionType `json:"type"`
	Options   []string     `json:"options,omitempty"`
	Required  bool         `json:"required"`
	RatingMin int          `json:"rating_min,omitempty"`
	RatingMax int          `json:"rating_max,omitempty"`
}

// RatingRange returns the inclusive rating bounds, defaulting to 1..5
func (q Question) RatingRange() (int, int) {
	lo, hi := q.RatingMin, q.RatingMax
	if lo == 0 && hi == 0 {
		return 1, 5
	}
	return lo, hi
}

// Answer is a single feedback answer.
// Value accepts either a JSON string or a JSON number.
type Answer struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"answer"`
}

// UnmarshalJSON implements json.Unmarshaler
func (a *Answer) UnmarshalJSON(data []byte) error {
	var raw struct {
		QuestionID string          `json:"question_id"`
		Answer     json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.QuestionID = raw.QuestionID
	a.Value = ""

	v := bytes.TrimSpace(raw.Answer)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	if v[0] == '"' {
		return json.Unmarshal(v, &a.Value)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return fmt.Errorf("answer for %q must be a string or number", raw.QuestionID)
	}
	a.Value = n.String()
	return nil
}

// Int returns the answer as an integer
func (a Answer) Int() (int, error) {
	return strconv.Atoi(a.Value)
}

// FeedbackToken is the single-use credential that authorises a feedback submission
type FeedbackToken struct {
	Token         string     `json:"token"`
	EventID       string     `json:"event_id"`
	ParticipantID string     `json:"participant_id"`
	Consumed      bool       `json:"consumed"`
	IssuedAt      time.Time  `json:"issued_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	Answers       []Answer   `json:"answers,omitempty"`
}
