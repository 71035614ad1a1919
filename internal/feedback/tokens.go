package feedback

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/storage"
)

// tokenBytes is the amount of randomness in a feedback token
const tokenBytes = 32

// NewToken returns a random URL-safe token
func NewToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Tokens issues feedback tokens
type Tokens struct {
	store    storage.Store
	generate func() string
	now      func() time.Time
}

// NewTokens creates a token issuer backed by store
func NewTokens(store storage.Store) *Tokens {
	return &Tokens{store: store, generate: NewToken, now: time.Now}
}

// Issue returns the participant's unconsumed token or creates one.
// Lookup and creation happen in one storage transaction, so concurrent
// callers end up with the same token.
func (t *Tokens) Issue(ctx context.Context, eventID, participantID string) (*models.FeedbackToken, bool, error) {
	tok, created, err := t.store.IssueToken(ctx, eventID, participantID, t.generate, t.now())
	if err != nil {
		if delivery.KindOf(err) != "" {
			return nil, false, err
		}
		return nil, false, delivery.Transient("failed to issue feedback token", err)
	}
	return tok, created, nil
}
