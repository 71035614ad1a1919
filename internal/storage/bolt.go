package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/models"
)

var (
	bucketEvents       = []byte("events")
	bucketParticipants = []byte("participants")
	bucketTokens       = []byte("tokens")
	bucketTokenIndex   = []byte("token_index")
)

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketParticipants, bucketTokens, bucketTokenIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// SaveEvent creates or replaces an event
func (s *BoltStorage) SaveEvent(ctx context.Context, e *models.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketEvents), []byte(e.ID), e)
	})
}

// GetEvent retrieves an event by ID
func (s *BoltStorage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return delivery.ErrEventNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns all events, newest first
func (s *BoltStorage) ListEvents(ctx context.Context) ([]*models.Event, error) {
	var events []*models.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var e models.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			events = append(events, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

// DeleteEvent removes an event with its participants and tokens
func (s *BoltStorage) DeleteEvent(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events.Get([]byte(id)) == nil {
			return delivery.ErrEventNotFound
		}
		if _, err := deletePrefix(tx.Bucket(bucketParticipants), eventPrefix(id)); err != nil {
			return err
		}
		if _, err := deletePrefix(tx.Bucket(bucketTokenIndex), eventPrefix(id)); err != nil {
			return err
		}
		if err := deleteTokens(tx.Bucket(bucketTokens), func(t *models.FeedbackToken) bool {
			return t.EventID == id
		}); err != nil {
			return err
		}
		return events.Delete([]byte(id))
	})
}

// AddParticipants stores new participants
func (s *BoltStorage) AddParticipants(ctx context.Context, ps []*models.Participant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		b := tx.Bucket(bucketParticipants)
		for _, p := range ps {
			if events.Get([]byte(p.EventID)) == nil {
				return delivery.ErrEventNotFound
			}
			key := participantKey(p.EventID, p.ID)
			if b.Get(key) != nil {
				return delivery.Conflict(fmt.Sprintf("participant %s already exists", p.ID))
			}
			if err := putJSON(b, key, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetParticipant retrieves a participant of an event
func (s *BoltStorage) GetParticipant(ctx context.Context, eventID, id string) (*models.Participant, error) {
	var p *models.Participant
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = loadParticipant(tx.Bucket(bucketParticipants), eventID, id)
		return err
	})
	return p, err
}

// ListParticipants returns participants in creation order
func (s *BoltStorage) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*models.Participant, error) {
	var ps []*models.Participant
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketParticipants).Cursor()
		prefix := eventPrefix(filter.EventID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p models.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to decode participant %s: %w", k, err)
			}
			if filter.matches(&p) {
				ps = append(ps, &p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortParticipants(ps)
	return filter.page(ps), nil
}

// UpdateParticipantIf replaces the participant if its stored status equals expected
func (s *BoltStorage) UpdateParticipantIf(ctx context.Context, p *models.Participant, expected models.Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		current, err := loadParticipant(b, p.EventID, p.ID)
		if err != nil {
			return err
		}
		if current.Status != expected {
			return fmt.Errorf("%w: expected %s, found %s", delivery.ErrStaleStatus, expected, current.Status)
		}
		return putJSON(b, participantKey(p.EventID, p.ID), p)
	})
}

// DeleteParticipant removes one participant and its tokens
func (s *BoltStorage) DeleteParticipant(ctx context.Context, eventID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		key := participantKey(eventID, id)
		if b.Get(key) == nil {
			return delivery.ErrParticipantNotFound
		}
		if err := tx.Bucket(bucketTokenIndex).Delete(key); err != nil {
			return err
		}
		if err := deleteTokens(tx.Bucket(bucketTokens), func(t *models.FeedbackToken) bool {
			return t.EventID == eventID && t.ParticipantID == id
		}); err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// DeleteParticipants removes every participant of an event
func (s *BoltStorage) DeleteParticipants(ctx context.Context, eventID string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		deleted, err = deletePrefix(tx.Bucket(bucketParticipants), eventPrefix(eventID))
		if err != nil {
			return err
		}
		if _, err := deletePrefix(tx.Bucket(bucketTokenIndex), eventPrefix(eventID)); err != nil {
			return err
		}
		return deleteTokens(tx.Bucket(bucketTokens), func(t *models.FeedbackToken) bool {
			return t.EventID == eventID
		})
	})
	return deleted, err
}

// ParticipantStats counts the participants of an event per status
func (s *BoltStorage) ParticipantStats(ctx context.Context, eventID string) (*models.StatusCounts, error) {
	stats := &models.StatusCounts{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketParticipants).Cursor()
		prefix := eventPrefix(eventID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p models.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			stats.Add(p.Status)
		}
		return nil
	})
	return stats, err
}

// IssueToken returns the participant's unconsumed token or creates one
func (s *BoltStorage) IssueToken(ctx context.Context, eventID, participantID string, newToken func() string, now time.Time) (*models.FeedbackToken, bool, error) {
	var (
		tok     *models.FeedbackToken
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := loadParticipant(tx.Bucket(bucketParticipants), eventID, participantID); err != nil {
			return err
		}

		index := tx.Bucket(bucketTokenIndex)
		tokens := tx.Bucket(bucketTokens)
		key := participantKey(eventID, participantID)

		if existing := index.Get(key); existing != nil {
			if data := tokens.Get(existing); data != nil {
				var t models.FeedbackToken
				if err := json.Unmarshal(data, &t); err != nil {
					return fmt.Errorf("failed to decode token: %w", err)
				}
				if !t.Consumed {
					tok = &t
					return nil
				}
			}
		}

		value := newToken()
		if tokens.Get([]byte(value)) != nil {
			return fmt.Errorf("token collision for participant %s", participantID)
		}
		tok = &models.FeedbackToken{
			Token:         value,
			EventID:       eventID,
			ParticipantID: participantID,
			IssuedAt:      now,
		}
		created = true
		if err := putJSON(tokens, []byte(value), tok); err != nil {
			return err
		}
		return index.Put(key, []byte(value))
	})
	if err != nil {
		return nil, false, err
	}
	return tok, created, nil
}

// GetToken retrieves a token
func (s *BoltStorage) GetToken(ctx context.Context, token string) (*models.FeedbackToken, error) {
	var t models.FeedbackToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(token))
		if data == nil {
			return delivery.ErrTokenNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTokens returns the tokens issued for an event, oldest first
func (s *BoltStorage) ListTokens(ctx context.Context, eventID string) ([]*models.FeedbackToken, error) {
	var tokens []*models.FeedbackToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var t models.FeedbackToken
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to decode token: %w", err)
			}
			if t.EventID == eventID {
				tokens = append(tokens, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTokens(tokens)
	return tokens, nil
}

// ConsumeToken mutates a token and its participant in one transaction
func (s *BoltStorage) ConsumeToken(ctx context.Context, token string, fn func(tok *models.FeedbackToken, p *models.Participant) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		data := tokens.Get([]byte(token))
		if data == nil {
			return delivery.ErrTokenNotFound
		}
		var t models.FeedbackToken
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to decode token: %w", err)
		}
		if t.Consumed {
			return delivery.ErrAlreadySubmitted
		}

		participants := tx.Bucket(bucketParticipants)
		p, err := loadParticipant(participants, t.EventID, t.ParticipantID)
		if err != nil {
			return err
		}

		if err := fn(&t, p); err != nil {
			return err
		}

		if err := putJSON(tokens, []byte(token), &t); err != nil {
			return err
		}
		key := participantKey(t.EventID, t.ParticipantID)
		if t.Consumed {
			if err := tx.Bucket(bucketTokenIndex).Delete(key); err != nil {
				return err
			}
		}
		return putJSON(participants, key, p)
	})
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func eventPrefix(eventID string) []byte {
	return []byte(eventID + "/")
}

func participantKey(eventID, id string) []byte {
	return []byte(eventID + "/" + id)
}

func loadParticipant(b *bolt.Bucket, eventID, id string) (*models.Participant, error) {
	data := b.Get(participantKey(eventID, id))
	if data == nil {
		return nil, delivery.ErrParticipantNotFound
	}
	var p models.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode participant: %w", err)
	}
	return &p, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func deletePrefix(b *bolt.Bucket, prefix []byte) (int, error) {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte{}, k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func deleteTokens(b *bolt.Bucket, match func(*models.FeedbackToken) bool) error {
	var keys [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var t models.FeedbackToken
		if err := json.Unmarshal(v, &t); err != nil {
			return nil
		}
		if match(&t) {
			keys = append(keys, append([]byte{}, k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
