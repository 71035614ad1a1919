package mail

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jhillyerd/enmime"
)

// Composer renders messages to RFC 5322 bytes, optionally DKIM signed
type Composer struct {
	signer *DKIMSigner
	now    func() time.Time
}

// NewComposer creates a composer. signer may be nil.
func NewComposer(signer *DKIMSigner) *Composer {
	return &Composer{signer: signer, now: time.Now}
}

// Compose builds the MIME message
func (c *Composer) Compose(msg *Message) ([]byte, error) {
	b := enmime.Builder().
		From(msg.From.Name, msg.From.Email).
		To(msg.To.Name, msg.To.Email).
		Subject(msg.Subject).
		Date(c.now()).
		Text([]byte(msg.Text))

	if msg.ID != "" {
		domain := msg.From.Domain()
		if domain == "" {
			domain = "localhost"
		}
		b = b.Header("Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, domain))
	}
	if msg.Tag != "" {
		b = b.Header("X-Certmailer-Tag", msg.Tag)
	}
	for _, a := range msg.Attachments {
		b = b.AddAttachment(a.Data, a.ContentType, a.FileName)
	}

	root, err := b.Build()
	if err != nil {
		return nil, permanent("failed to build message: %v", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, permanent("failed to encode message: %v", err)
	}

	if c.signer == nil {
		return buf.Bytes(), nil
	}
	signed, err := c.signer.Sign(buf.Bytes())
	if err != nil {
		return nil, permanent("%v", err)
	}
	return signed, nil
}
