// Package dispatch runs bulk certificate sends and single-participant
// deliveries through the delivery state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/certmailer/internal/artifact"
	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/lock"
	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/metrics"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/ratelimit"
	"github.com/foxzi/certmailer/internal/render"
	"github.com/foxzi/certmailer/internal/storage"
)

// Renderer produces certificates
type Renderer interface {
	Certificate(ctx context.Context, tmpl image.Image, name string, style models.TextSettings) (*render.Certificate, error)
}

// TokenIssuer returns a participant's unconsumed feedback token, creating one if needed
type TokenIssuer interface {
	Issue(ctx context.Context, eventID, participantID string) (*models.FeedbackToken, bool, error)
}

// Config contains dispatcher configuration
type Config struct {
	Workers int
	// Timeout bounds the work on one participant, retries included
	Timeout         time.Duration
	RetryAttempts   int
	RetryInterval   time.Duration
	LockTTL         time.Duration
	FeedbackBaseURL string
	From            mail.Address
}

// Deps are the collaborators of a Dispatcher
type Deps struct {
	Store     storage.Store
	Artifacts artifact.Store
	Renderer  Renderer
	Transport mail.Transport
	Locker    lock.Locker
	Tokens    TokenIssuer
	Logger    *slog.Logger
}

// Dispatcher delivers feedback requests and certificates
type Dispatcher struct {
	store     storage.Store
	artifacts artifact.Store
	renderer  Renderer
	transport mail.Transport
	locker    lock.Locker
	tokens    TokenIssuer
	cfg       Config
	claims    *claims
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a dispatcher
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}

	return &Dispatcher{
		store:     deps.Store,
		artifacts: deps.Artifacts,
		renderer:  deps.Renderer,
		transport: deps.Transport,
		locker:    deps.Locker,
		tokens:    deps.Tokens,
		cfg:       cfg,
		claims:    newClaims(),
		logger:    deps.Logger.With("component", "dispatch"),
		now:       time.Now,
	}
}

// job is one invocation's read-only context
type job struct {
	unit     *models.DeliveryUnit
	template image.Image
	mode     delivery.Mode
}

// Send delivers to every participant of the event selected by mode
func (d *Dispatcher) Send(ctx context.Context, eventID string, mode delivery.Mode) (*delivery.Summary, error) {
	return d.SendTo(ctx, eventID, mode, nil)
}

// SendTo is Send restricted to the given participant IDs. Duplicate IDs
// are collapsed and unknown IDs are ignored. A nil ids selects everyone.
func (d *Dispatcher) SendTo(ctx context.Context, eventID string, mode delivery.Mode, ids []string) (*delivery.Summary, error) {
	logger := d.logger.With("event_id", eventID, "mode", mode.String())

	j, err := d.prepare(ctx, eventID, mode)
	if err != nil {
		metrics.IncSendsRejected(mode.String())
		return nil, err
	}

	selected, err := d.selectParticipants(ctx, j, ids)
	if err != nil {
		metrics.IncSendsRejected(mode.String())
		return nil, err
	}
	if len(selected) == 0 {
		metrics.IncSendsRejected(mode.String())
		return nil, delivery.ErrNoParticipants
	}

	var summary *delivery.Summary
	err = lock.WithLock(ctx, d.locker, sendLockKey(eventID), d.cfg.LockTTL, func(ctx context.Context) error {
		summary = d.run(ctx, j, selected, logger)
		return nil
	})
	if errors.Is(err, lock.ErrLocked) {
		metrics.IncSendsRejected(mode.String())
		return nil, delivery.ErrSendInProgress
	}
	if err != nil {
		metrics.IncSendsRejected(mode.String())
		return nil, delivery.Transient("failed to acquire send lock", err)
	}

	return summary, nil
}

// DeliverOne moves a single participant forward outside of a bulk send.
// It is used right after feedback is submitted.
func (d *Dispatcher) DeliverOne(ctx context.Context, eventID, participantID string) (delivery.Outcome, error) {
	j, err := d.prepare(ctx, eventID, delivery.ModePendingOnly)
	if err != nil {
		return delivery.Outcome{}, err
	}
	p, err := d.store.GetParticipant(ctx, eventID, participantID)
	if err != nil {
		return delivery.Outcome{}, err
	}
	logger := d.logger.With("event_id", eventID)
	return d.deliver(ctx, j, p, logger), nil
}

func sendLockKey(eventID string) string {
	return "send:" + eventID
}

// prepare checks the preconditions and snapshots the event
func (d *Dispatcher) prepare(ctx context.Context, eventID string, mode delivery.Mode) (*job, error) {
	event, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Template == nil || event.Template.Key == "" {
		return nil, delivery.ErrNoTemplate
	}
	if event.FeedbackEnabled && d.cfg.FeedbackBaseURL == "" {
		return nil, delivery.ErrNoFeedbackURL
	}

	unit := event.Snapshot()

	data, err := d.artifacts.Get(ctx, unit.Template.Key)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", delivery.ErrNoTemplate, err)
	}
	if err != nil {
		return nil, delivery.Transient("failed to load template", err)
	}
	tmpl, _, err := render.DecodeTemplate(data)
	if err != nil {
		return nil, delivery.Permanent("failed to decode template", err)
	}

	return &job{unit: unit, template: tmpl, mode: mode}, nil
}

func (d *Dispatcher) selectParticipants(ctx context.Context, j *job, ids []string) ([]*models.Participant, error) {
	filter := storage.ParticipantFilter{EventID: j.unit.EventID}
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		filter.IDs = ids
	}

	all, err := d.store.ListParticipants(ctx, filter)
	if err != nil {
		return nil, delivery.Transient("failed to list participants", err)
	}

	seen := make(map[string]bool, len(all))
	selected := make([]*models.Participant, 0, len(all))
	for _, p := range all {
		if seen[p.ID] || delivery.Plan(p, j.unit.FeedbackEnabled, j.mode).Action == delivery.ActionNone {
			continue
		}
		seen[p.ID] = true
		selected = append(selected, p)
	}
	return selected, nil
}

// run processes the selected participants with a bounded worker pool.
// Cancellation stops handing out participants; in-flight ones finish.
func (d *Dispatcher) run(ctx context.Context, j *job, selected []*models.Participant, logger *slog.Logger) *delivery.Summary {
	start := d.now()
	summary := delivery.NewSummary(j.unit.EventID, j.mode, len(selected), start)
	d.setEventStatus(ctx, j.unit.EventID, models.EventSending, logger)

	metrics.SendStarted()
	logger.Info("send started", "participants", len(selected), "workers", d.cfg.Workers)

	jobs := make(chan *models.Participant)
	results := make(chan delivery.Outcome)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wlogger := logger.With("worker_id", id)
			for p := range jobs {
				results <- d.deliver(ctx, j, p, wlogger)
			}
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, p := range selected {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		summary.Record(o)
	}
	summary.Finish(ctx.Err() != nil, d.now())

	status := models.EventCompleted
	if summary.Failed > 0 || summary.Cancelled {
		status = models.EventSending
	}
	d.setEventStatus(ctx, j.unit.EventID, status, logger)

	result := "completed"
	if summary.Cancelled {
		result = "cancelled"
	}
	metrics.SendFinished(j.mode.String(), result, summary.FinishedAt.Sub(start).Seconds())

	logger.Info("send finished",
		"total", summary.Total,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"remaining", summary.Remaining,
	)
	return summary
}

func (d *Dispatcher) setEventStatus(ctx context.Context, eventID string, status models.EventStatus, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	event, err := d.store.GetEvent(ctx, eventID)
	if err != nil {
		logger.Error("failed to load event for status update", "error", err)
		return
	}
	event.Status = status
	event.UpdatedAt = d.now()
	if err := d.store.SaveEvent(ctx, event); err != nil {
		logger.Error("failed to update event status", "status", status, "error", err)
	}
}

// deliver runs one participant through claim, plan, side effects and record
func (d *Dispatcher) deliver(ctx context.Context, j *job, p *models.Participant, logger *slog.Logger) delivery.Outcome {
	logger = logger.With("recipient_id", p.ID)
	outcome := delivery.Outcome{
		ParticipantID: p.ID,
		Name:          p.Name,
		Email:         p.Email,
		Action:        delivery.ActionNone.String(),
		Status:        p.Status,
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()

	release, err := d.claims.acquire(rctx, j.unit.EventID+"/"+p.ID)
	if err != nil {
		return failed(outcome, delivery.Transient("timed out waiting for participant", err))
	}
	defer release()

	current, err := d.store.GetParticipant(rctx, j.unit.EventID, p.ID)
	if err != nil {
		return failed(outcome, err)
	}
	outcome.Name, outcome.Email, outcome.Status = current.Name, current.Email, current.Status

	step := delivery.Plan(current, j.unit.FeedbackEnabled, j.mode)
	outcome.Action = step.Action.String()
	if step.Action == delivery.ActionNone {
		logger.Debug("nothing to do", "status", current.Status)
		return outcome
	}

	observed := current.Status
	work := current.Clone()
	if j.mode == delivery.ModeResetFeedback {
		delivery.Reset(work, d.now())
	}

	err = d.execute(rctx, j, work, step, logger)
	if err != nil && rctx.Err() != nil && delivery.KindOf(err) == "" {
		err = delivery.Transient(fmt.Sprintf("delivery timed out after %s", d.cfg.Timeout), err)
	}

	now := d.now()
	if err == nil {
		if aerr := apply(work, step, j.unit.FeedbackEnabled, now); aerr != nil {
			logger.Error("failed to apply step", "action", step.Action.String(), "error", aerr)
			return failed(outcome, aerr)
		}
	} else {
		metrics.IncDeliveryFailures(step.Action.String(), string(delivery.KindOf(err)))
		logger.Warn("delivery failed", "action", step.Action.String(), "status", observed, "error", err)
		// a failed resend leaves the delivered certificate on record
		if ferr := delivery.Fail(work, err, now); ferr != nil {
			return failed(outcome, err)
		}
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()
	if werr := d.store.UpdateParticipantIf(wctx, work, observed); werr != nil {
		logger.Error("failed to record participant status", "status", work.Status, "error", werr)
		if err == nil {
			err = werr
		}
		return failed(outcome, err)
	}

	outcome.Status = work.Status
	if err != nil {
		return failed(outcome, err)
	}
	logger.Info("participant advanced", "action", step.Action.String(), "status", work.Status)
	return outcome
}

// apply records the successful step on p
func apply(p *models.Participant, step delivery.Step, feedbackEnabled bool, now time.Time) error {
	switch step.Action {
	case delivery.ActionRequestFeedback, delivery.ActionSendCertificate:
		return delivery.Advance(p, step.To, feedbackEnabled, now)
	case delivery.ActionRemindFeedback:
		delivery.Restore(p, now)
		p.UpdatedAt = now
		return nil
	case delivery.ActionResendCertificate:
		return delivery.Redeliver(p, now)
	case delivery.ActionNone:
	}
	return nil
}

func failed(o delivery.Outcome, err error) delivery.Outcome {
	o.Error = err.Error()
	o.ErrorKind = delivery.KindOf(err)
	return o
}

// execute performs the side effects of step, retrying transient failures
// with exponential backoff while the participant's time budget allows
func (d *Dispatcher) execute(ctx context.Context, j *job, p *models.Participant, step delivery.Step, logger *slog.Logger) error {
	var cert *render.Certificate
	for attempt := 1; ; attempt++ {
		err := d.attempt(ctx, j, p, step, &cert)
		if err == nil || attempt >= d.cfg.RetryAttempts || delivery.KindOf(err) != delivery.KindTransient {
			return err
		}

		backoff := d.backoff(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= backoff {
			return err
		}

		metrics.IncDeliveryRetries(step.Action.String())
		logger.Info("retrying delivery", "attempt", attempt, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}

// backoff returns retry_interval * 2^(attempt-1), capped at 12x
func (d *Dispatcher) backoff(attempt int) time.Duration {
	multiplier := 1 << (attempt - 1)
	if multiplier > 12 {
		multiplier = 12
	}
	return time.Duration(multiplier) * d.cfg.RetryInterval
}

func (d *Dispatcher) attempt(ctx context.Context, j *job, p *models.Participant, step delivery.Step, cert **render.Certificate) error {
	unit := j.unit
	vars := delivery.Vars{Name: p.Name, EventName: unit.EventName}

	switch step.Action {
	case delivery.ActionRequestFeedback, delivery.ActionRemindFeedback:
		tok, _, err := d.tokens.Issue(ctx, unit.EventID, p.ID)
		if err != nil {
			return err
		}
		vars.FeedbackURL = delivery.FeedbackURL(d.cfg.FeedbackBaseURL, tok.Token)
		return d.sendMail(ctx, unit.EventID, &mail.Message{
			ID:      uuid.NewString(),
			From:    d.cfg.From,
			To:      mail.Address{Name: p.Name, Email: p.Email},
			Subject: delivery.Personalize(unit.Email.FeedbackSubject, vars),
			Text:    delivery.Personalize(unit.Email.FeedbackBody, vars),
			Tag:     mail.TagFeedbackRequest,
		})

	case delivery.ActionSendCertificate, delivery.ActionResendCertificate:
		if *cert == nil {
			c, err := d.render(ctx, j, p.Name)
			if err != nil {
				return err
			}
			*cert = c
		}
		return d.sendMail(ctx, unit.EventID, &mail.Message{
			ID:      uuid.NewString(),
			From:    d.cfg.From,
			To:      mail.Address{Name: p.Name, Email: p.Email},
			Subject: delivery.Personalize(unit.Email.CertificateSubject, vars),
			Text:    delivery.Personalize(unit.Email.CertificateBody, vars),
			Tag:     mail.TagCertificate,
			Attachments: []mail.Attachment{{
				FileName:    (*cert).FileName,
				ContentType: "application/pdf",
				Data:        (*cert).PDF,
			}},
		})

	case delivery.ActionNone:
	}
	return nil
}

func (d *Dispatcher) render(ctx context.Context, j *job, name string) (*render.Certificate, error) {
	start := time.Now()
	c, err := d.renderer.Certificate(ctx, j.template, name, j.unit.Text)
	metrics.ObserveRender(time.Since(start).Seconds())
	if err == nil {
		return c, nil
	}

	var re *render.Error
	if errors.As(err, &re) && re.Temporary() {
		return nil, delivery.Transient("certificate rendering timed out", err)
	}
	return nil, delivery.Permanent("failed to render certificate", err)
}

func (d *Dispatcher) sendMail(ctx context.Context, eventID string, msg *mail.Message) error {
	err := d.transport.Send(ratelimit.WithEvent(ctx, eventID), msg)
	if err == nil {
		metrics.IncEmailsSent(msg.Tag)
		return nil
	}
	if ctx.Err() != nil || mail.IsTemporaryError(err) {
		return delivery.Transient("failed to send email", err)
	}
	return delivery.Permanent("failed to send email", err)
}
