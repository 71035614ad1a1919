package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/models"
)

// ErrFailedToConnectToMongo is returned when no connection could be established
var ErrFailedToConnectToMongo = errors.New("failed to connect to mongo")

// MongoConfig configures the MongoDB store
type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}

// MongoStorage implements Store using MongoDB.
// Without multi-document transactions, ConsumeToken flips the token with a
// conditional update first and reverts it if the participant write fails.
type MongoStorage struct {
	client       *mongo.Client
	events       *mongo.Collection
	participants *mongo.Collection
	tokens       *mongo.Collection
}

type eventDoc struct {
	ID              string                `bson:"_id"`
	Name            string                `bson:"name"`
	Description     string                `bson:"description,omitempty"`
	Status          string                `bson:"status"`
	Template        *models.Template      `bson:"template,omitempty"`
	Text            models.TextSettings   `bson:"text_settings"`
	FeedbackEnabled bool                  `bson:"feedback_enabled"`
	Questions       []models.Question     `bson:"feedback_questions"`
	Email           models.EmailTemplates `bson:"email"`
	CreatedAt       time.Time             `bson:"created_at"`
	UpdatedAt       time.Time             `bson:"updated_at"`
}

type participantDoc struct {
	Key                 string     `bson:"_id"`
	ID                  string     `bson:"id"`
	EventID             string     `bson:"event_id"`
	Name                string     `bson:"name"`
	Email               string     `bson:"email"`
	Status              string     `bson:"status"`
	ResumeStatus        string     `bson:"resume_status,omitempty"`
	LastError           string     `bson:"last_error,omitempty"`
	ErrorKind           string     `bson:"error_kind,omitempty"`
	FeedbackSubmittedAt *time.Time `bson:"feedback_submitted_at,omitempty"`
	CertificateSentAt   *time.Time `bson:"certificate_sent_at,omitempty"`
	CreatedAt           time.Time  `bson:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at"`
}

type tokenDoc struct {
	Token         string          `bson:"_id"`
	EventID       string          `bson:"event_id"`
	ParticipantID string          `bson:"participant_id"`
	Consumed      bool            `bson:"consumed"`
	IssuedAt      time.Time       `bson:"issued_at"`
	SubmittedAt   *time.Time      `bson:"submitted_at,omitempty"`
	Answers       []models.Answer `bson:"answers,omitempty"`
}

// NewMongoStorage connects to MongoDB and prepares the collections
func NewMongoStorage(ctx context.Context, cfg MongoConfig) (*MongoStorage, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	var client *mongo.Client
	for range cfg.RetryAttempts {
		c, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.URI).
				SetConnectTimeout(cfg.ConnectTimeout),
		)
		if err == nil {
			if err := c.Ping(ctx, nil); err == nil {
				client = c
				break
			}
			_ = c.Disconnect(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	if client == nil {
		return nil, ErrFailedToConnectToMongo
	}

	db := client.Database(cfg.Database)
	s := &MongoStorage{
		client:       client,
		events:       db.Collection("events"),
		participants: db.Collection("participants"),
		tokens:       db.Collection("feedback_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.participants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create participant index: %w", err)
	}

	// at most one unconsumed token per participant
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "participant_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "consumed", Value: false}}),
	})
	if err != nil {
		return fmt.Errorf("failed to create token index: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *MongoStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// SaveEvent creates or replaces an event
func (s *MongoStorage) SaveEvent(ctx context.Context, e *models.Event) error {
	doc := toEventDoc(e)
	_, err := s.events.ReplaceOne(ctx, bson.D{{Key: "_id", Value: e.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID
func (s *MongoStorage) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var doc eventDoc
	if err := s.events.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, delivery.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return doc.toModel(), nil
}

// ListEvents returns all events, newest first
func (s *MongoStorage) ListEvents(ctx context.Context) ([]*models.Event, error) {
	cur, err := s.events.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	events := make([]*models.Event, 0, len(docs))
	for i := range docs {
		events = append(events, docs[i].toModel())
	}
	return events, nil
}

// DeleteEvent removes an event with its participants and tokens
func (s *MongoStorage) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.events.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if res.DeletedCount == 0 {
		return delivery.ErrEventNotFound
	}
	if _, err := s.participants.DeleteMany(ctx, bson.D{{Key: "event_id", Value: id}}); err != nil {
		return fmt.Errorf("failed to delete participants: %w", err)
	}
	if _, err := s.tokens.DeleteMany(ctx, bson.D{{Key: "event_id", Value: id}}); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// AddParticipants stores new participants
func (s *MongoStorage) AddParticipants(ctx context.Context, ps []*models.Participant) error {
	if len(ps) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	docs := make([]any, 0, len(ps))
	for _, p := range ps {
		if !seen[p.EventID] {
			n, err := s.events.CountDocuments(ctx, bson.D{{Key: "_id", Value: p.EventID}})
			if err != nil {
				return fmt.Errorf("failed to check event: %w", err)
			}
			if n == 0 {
				return delivery.ErrEventNotFound
			}
			seen[p.EventID] = true
		}
		docs = append(docs, toParticipantDoc(p))
	}
	if _, err := s.participants.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return delivery.Conflict("participant already exists")
		}
		return fmt.Errorf("failed to insert participants: %w", err)
	}
	return nil
}

// GetParticipant retrieves a participant of an event
func (s *MongoStorage) GetParticipant(ctx context.Context, eventID, id string) (*models.Participant, error) {
	var doc participantDoc
	err := s.participants.FindOne(ctx, bson.D{{Key: "_id", Value: string(participantKey(eventID, id))}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, delivery.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return doc.toModel()
}

// ListParticipants returns participants in creation order
func (s *MongoStorage) ListParticipants(ctx context.Context, filter ParticipantFilter) ([]*models.Participant, error) {
	q := bson.D{{Key: "event_id", Value: filter.EventID}}
	if len(filter.Statuses) > 0 {
		names := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			names = append(names, st.String())
		}
		q = append(q, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: names}}})
	}
	if len(filter.IDs) > 0 {
		q = append(q, bson.E{Key: "id", Value: bson.D{{Key: "$in", Value: filter.IDs}}})
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.participants.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	ps := make([]*models.Participant, 0, len(docs))
	for i := range docs {
		p, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// UpdateParticipantIf replaces the participant if its stored status equals expected
func (s *MongoStorage) UpdateParticipantIf(ctx context.Context, p *models.Participant, expected models.Status) error {
	key := string(participantKey(p.EventID, p.ID))
	res, err := s.participants.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}, {Key: "status", Value: expected.String()}},
		toParticipantDoc(p),
	)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetParticipant(ctx, p.EventID, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s", delivery.ErrStaleStatus, expected)
	}
	return nil
}

// DeleteParticipant removes one participant and its tokens
func (s *MongoStorage) DeleteParticipant(ctx context.Context, eventID, id string) error {
	res, err := s.participants.DeleteOne(ctx, bson.D{{Key: "_id", Value: string(participantKey(eventID, id))}})
	if err != nil {
		return fmt.Errorf("failed to delete participant: %w", err)
	}
	if res.DeletedCount == 0 {
		return delivery.ErrParticipantNotFound
	}
	_, err = s.tokens.DeleteMany(ctx, bson.D{{Key: "event_id", Value: eventID}, {Key: "participant_id", Value: id}})
	if err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// DeleteParticipants removes every participant of an event
func (s *MongoStorage) DeleteParticipants(ctx context.Context, eventID string) (int, error) {
	res, err := s.participants.DeleteMany(ctx, bson.D{{Key: "event_id", Value: eventID}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete participants: %w", err)
	}
	if _, err := s.tokens.DeleteMany(ctx, bson.D{{Key: "event_id", Value: eventID}}); err != nil {
		return 0, fmt.Errorf("failed to delete tokens: %w", err)
	}
	return int(res.DeletedCount), nil
}

// ParticipantStats counts the participants of an event per status
func (s *MongoStorage) ParticipantStats(ctx context.Context, eventID string) (*models.StatusCounts, error) {
	cur, err := s.participants.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "event_id", Value: eventID}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate participants: %w", err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	stats := &models.StatusCounts{}
	for _, row := range rows {
		st, err := models.ParseStatus(row.Status)
		if err != nil {
			return nil, err
		}
		for range row.Count {
			stats.Add(st)
		}
	}
	return stats, nil
}

// IssueToken returns the participant's unconsumed token or creates one.
// The upsert is keyed on the partial unique index, so concurrent callers
// converge on the same token.
func (s *MongoStorage) IssueToken(ctx context.Context, eventID, participantID string, newToken func() string, now time.Time) (*models.FeedbackToken, bool, error) {
	if _, err := s.GetParticipant(ctx, eventID, participantID); err != nil {
		return nil, false, err
	}

	value := newToken()
	filter := bson.D{
		{Key: "event_id", Value: eventID},
		{Key: "participant_id", Value: participantID},
		{Key: "consumed", Value: false},
	}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "_id", Value: value},
		{Key: "issued_at", Value: now},
	}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc tokenDoc
	for attempt := 0; attempt < 2; attempt++ {
		err := s.tokens.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.toModel(), doc.Token == value, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("failed to issue token: %w", err)
		}
	}
	return nil, false, fmt.Errorf("failed to issue token: concurrent upsert for participant %s", participantID)
}

// GetToken retrieves a token
func (s *MongoStorage) GetToken(ctx context.Context, token string) (*models.FeedbackToken, error) {
	var doc tokenDoc
	if err := s.tokens.FindOne(ctx, bson.D{{Key: "_id", Value: token}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, delivery.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return doc.toModel(), nil
}

// ListTokens returns the tokens issued for an event, oldest first
func (s *MongoStorage) ListTokens(ctx context.Context, eventID string) ([]*models.FeedbackToken, error) {
	cur, err := s.tokens.Find(ctx, bson.D{{Key: "event_id", Value: eventID}},
		options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	var docs []tokenDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	tokens := make([]*models.FeedbackToken, 0, len(docs))
	for i := range docs {
		tokens = append(tokens, docs[i].toModel())
	}
	return tokens, nil
}

// ConsumeToken mutates a token and its participant
func (s *MongoStorage) ConsumeToken(ctx context.Context, token string, fn func(tok *models.FeedbackToken, p *models.Participant) error) error {
	t, err := s.GetToken(ctx, token)
	if err != nil {
		return err
	}
	if t.Consumed {
		return delivery.ErrAlreadySubmitted
	}
	p, err := s.GetParticipant(ctx, t.EventID, t.ParticipantID)
	if err != nil {
		return err
	}
	expected := p.Status

	if err := fn(t, p); err != nil {
		return err
	}

	res, err := s.tokens.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: token}, {Key: "consumed", Value: false}},
		toTokenDoc(t),
	)
	if err != nil {
		return fmt.Errorf("failed to consume token: %w", err)
	}
	if res.MatchedCount == 0 {
		return delivery.ErrAlreadySubmitted
	}

	if err := s.UpdateParticipantIf(ctx, p, expected); err != nil {
		revert := bson.D{{Key: "$set", Value: bson.D{{Key: "consumed", Value: false}}},
			{Key: "$unset", Value: bson.D{{Key: "submitted_at", Value: ""}, {Key: "answers", Value: ""}}}}
		if _, rerr := s.tokens.UpdateOne(ctx, bson.D{{Key: "_id", Value: token}}, revert); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to revert token: %w", rerr))
		}
		return err
	}
	return nil
}

// Close disconnects from MongoDB
func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toEventDoc(e *models.Event) *eventDoc {
	return &eventDoc{
		ID:              e.ID,
		Name:            e.Name,
		Description:     e.Description,
		Status:          string(e.Status),
		Template:        e.Template,
		Text:            e.Text,
		FeedbackEnabled: e.FeedbackEnabled,
		Questions:       e.Questions,
		Email:           e.Email,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func (d *eventDoc) toModel() *models.Event {
	e := &models.Event{
		ID:              d.ID,
		Name:            d.Name,
		Description:     d.Description,
		Status:          models.EventStatus(d.Status),
		Template:        d.Template,
		Text:            d.Text,
		FeedbackEnabled: d.FeedbackEnabled,
		Questions:       d.Questions,
		Email:           d.Email,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	e.ApplyDefaults()
	return e
}

func toParticipantDoc(p *models.Participant) *participantDoc {
	d := &participantDoc{
		Key:                 string(participantKey(p.EventID, p.ID)),
		ID:                  p.ID,
		EventID:             p.EventID,
		Name:                p.Name,
		Email:               p.Email,
		Status:              p.Status.String(),
		LastError:           p.LastError,
		ErrorKind:           p.ErrorKind,
		FeedbackSubmittedAt: p.FeedbackSubmittedAt,
		CertificateSentAt:   p.CertificateSentAt,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
	if p.ResumeStatus.Valid() {
		d.ResumeStatus = p.ResumeStatus.String()
	}
	return d
}

func (d *participantDoc) toModel() (*models.Participant, error) {
	status, err := models.ParseStatus(d.Status)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", d.ID, err)
	}
	p := &models.Participant{
		ID:                  d.ID,
		EventID:             d.EventID,
		Name:                d.Name,
		Email:               d.Email,
		Status:              status,
		LastError:           d.LastError,
		ErrorKind:           d.ErrorKind,
		FeedbackSubmittedAt: d.FeedbackSubmittedAt,
		CertificateSentAt:   d.CertificateSentAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if d.ResumeStatus != "" {
		if p.ResumeStatus, err = models.ParseStatus(d.ResumeStatus); err != nil {
			return nil, fmt.Errorf("participant %s: %w", d.ID, err)
		}
	}
	return p, nil
}

func toTokenDoc(t *models.FeedbackToken) *tokenDoc {
	return &tokenDoc{
		Token:         t.Token,
		EventID:       t.EventID,
		ParticipantID: t.ParticipantID,
		Consumed:      t.Consumed,
		IssuedAt:      t.IssuedAt,
		SubmittedAt:   t.SubmittedAt,
		Answers:       t.Answers,
	}
}

func (d *tokenDoc) toModel() *models.FeedbackToken {
	return &models.FeedbackToken{
		Token:         d.Token,
		EventID:       d.EventID,
		ParticipantID: d.ParticipantID,
		Consumed:      d.Consumed,
		IssuedAt:      d.IssuedAt,
		SubmittedAt:   d.SubmittedAt,
		Answers:       d.Answers,
	}
}
