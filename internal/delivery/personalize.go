package delivery

import (
	"regexp"
	"strings"
)

// Vars are the values substituted into email subjects and bodies
type Vars struct {
	Name        string
	EventName   string
	FeedbackURL string
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Personalize replaces {name}, {event_name} and {feedback_url} in s.
// Unknown placeholders are left as they are.
func Personalize(s string, v Vars) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		switch m[1 : len(m)-1] {
		case "name":
			return v.Name
		case "event_name":
			return v.EventName
		case "feedback_url":
			return v.FeedbackURL
		}
		return m
	})
}

// FeedbackURL builds the public feedback link for a token
func FeedbackURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/feedback/" + token
}
