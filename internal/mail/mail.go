// Package mail builds and delivers certificate and feedback emails.
package mail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// Message tags
const (
	TagFeedbackRequest = "feedback_request"
	TagCertificate     = "certificate"
)

// Address is a mailbox with an optional display name
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Domain returns the lowercased domain part of the address
func (a Address) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at <= 0 || at == len(a.Email)-1 {
		return ""
	}
	return strings.ToLower(a.Email[at+1:])
}

// Attachment is a file attached to a message
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Message is an outgoing email with a single recipient
type Message struct {
	ID          string
	From        Address
	To          Address
	Subject     string
	Text        string
	Tag         string
	Attachments []Attachment
}

// Transport delivers messages
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, msg *Message) error

// Send calls f
func (f TransportFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// ValidateAddress checks that s is a bare email address
func ValidateAddress(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return fmt.Errorf("invalid email address %q", s)
	}
	if addr.Address != strings.TrimSpace(s) || (Address{Email: addr.Address}).Domain() == "" {
		return fmt.Errorf("invalid email address %q", s)
	}
	return nil
}
