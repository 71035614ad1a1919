package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/certmailer/internal/artifact"
	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/placement"
	"github.com/foxzi/certmailer/internal/render"
)

// EventRequest creates or updates an event. Nil fields are left unchanged.
type EventRequest struct {
	Name            *string                `json:"name"`
	Description     *string                `json:"description"`
	FeedbackEnabled *bool                  `json:"feedback_enabled"`
	Text            *TextSettingsRequest   `json:"text_settings"`
	Questions       []models.Question      `json:"feedback_questions"`
	Email           *models.EmailTemplates `json:"email"`
}

// TemplateResponse describes an uploaded template
type TemplateResponse struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// TextSettingsRequest changes the name style. Nil fields are left unchanged.
type TextSettingsRequest struct {
	YPosition *int    `json:"y_position"`
	FontName  *string `json:"font_name"`
	FontSize  *int    `json:"font_size"`
	TextColor *string `json:"text_color"`
}

func (r *TextSettingsRequest) merge(t models.TextSettings) models.TextSettings {
	if r.YPosition != nil {
		t.YPosition = *r.YPosition
	}
	if r.FontName != nil && *r.FontName != "" {
		t.FontName = *r.FontName
	}
	if r.FontSize != nil {
		t.FontSize = *r.FontSize
	}
	if r.TextColor != nil && *r.TextColor != "" {
		t.TextColor = *r.TextColor
	}
	return t
}

// PreviewRequest renders a sample certificate
type PreviewRequest struct {
	Name string               `json:"name"`
	Text *TextSettingsRequest `json:"text_settings"`
}

// FontsResponse lists the fonts text settings can name
type FontsResponse struct {
	Fonts   []string `json:"fonts"`
	Default string   `json:"default"`
}

// TextPositionRequest maps a pointer position on a scaled canvas to the template
type TextPositionRequest struct {
	CanvasWidth  float64 `json:"canvas_width"`
	CanvasHeight float64 `json:"canvas_height"`
	PointerY     float64 `json:"pointer_y"`
	Save         bool    `json:"save"`
}

// TextPositionResponse is the template-space anchor and where it lands on the canvas
type TextPositionResponse struct {
	YPosition int             `json:"y_position"`
	Canvas    placement.Point `json:"canvas"`
	Scale     float64         `json:"scale"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListEvents(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == nil {
		s.writeError(w, r, delivery.Validation("event name is required", "name"))
		return
	}

	e := models.NewEvent(uuid.New().String(), "", s.now().UTC())
	if s.deps.DefaultFont != "" {
		e.Text.FontName = s.deps.DefaultFont
	}
	if err := applyEventRequest(e, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.SaveEvent(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("event created", "event_id", e.ID, "name", e.Name)
	sendJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := applyEventRequest(e, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e.UpdatedAt = s.now().UTC()

	if err := s.deps.Store.SaveEvent(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.deps.Store.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteEvent(ctx, e.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.Template != nil {
		if err := s.deps.Artifacts.Delete(ctx, e.Template.Key); err != nil {
			s.logger.Warn("failed to delete template", "event_id", e.ID, "key", e.Template.Key, "error", err)
		}
	}

	s.logger.Info("event deleted", "event_id", e.ID)
	w.WriteHeader(http.StatusNoContent)
}

// applyEventRequest validates req and copies its set fields into e
func applyEventRequest(e *models.Event, req *EventRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return delivery.Validation("event name is required", "name")
		}
		e.Name = name
	}
	if req.Description != nil {
		e.Description = *req.Description
	}
	if req.FeedbackEnabled != nil {
		e.FeedbackEnabled = *req.FeedbackEnabled
	}
	if req.Text != nil {
		text := req.Text.merge(e.Text)
		if err := validateText(text); err != nil {
			return err
		}
		e.Text = text
	}
	if req.Questions != nil {
		questions, err := normalizeQuestions(req.Questions)
		if err != nil {
			return err
		}
		e.Questions = questions
	}
	if req.Email != nil {
		e.Email = *req.Email
	}
	e.ApplyDefaults()
	return nil
}

func validateText(t models.TextSettings) error {
	if t.FontSize <= 0 {
		return delivery.Validation("font size must be positive", "text_settings.font_size")
	}
	if t.YPosition < 0 {
		return delivery.Validation("y position must not be negative", "text_settings.y_position")
	}
	if _, err := render.ParseColor(t.TextColor); err != nil {
		return delivery.Validation(err.Error(), "text_settings.text_color")
	}
	return nil
}

// normalizeQuestions validates questions and assigns missing IDs
func normalizeQuestions(in []models.Question) ([]models.Question, error) {
	out := make([]models.Question, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, q := range in {
		field := func(name string) string {
			return fmt.Sprintf("feedback_questions[%d].%s", i, name)
		}

		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			return nil, delivery.Validation("question text is required", field("question"))
		}
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		if seen[q.ID] {
			return nil, delivery.Validation("duplicate question id", field("id"))
		}
		seen[q.ID] = true

		switch q.Type {
		case "":
			q.Type = models.QuestionText
		case models.QuestionText:
		case models.QuestionMultipleChoice:
			if len(q.Options) < 2 {
				return nil, delivery.Validation("multiple choice questions need at least two options", field("options"))
			}
		case models.QuestionRating:
			lo, hi := q.RatingRange()
			if lo >= hi {
				return nil, delivery.Validation("rating_min must be less than rating_max", field("rating_min"))
			}
		default:
			return nil, delivery.Validation(fmt.Sprintf("unknown question type %q", q.Type), field("type"))
		}
		if q.Type != models.QuestionMultipleChoice {
			q.Options = nil
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.deps.Store.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("template exceeds %d bytes", maxErr.Limit))
			return
		}
		s.writeError(w, r, errInvalidBody)
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, delivery.Validation("template image is required", "template"))
		return
	}

	img, format, err := render.DecodeTemplate(data)
	if err != nil {
		s.writeError(w, r, delivery.Validation("template must be a PNG or JPEG image", "template"))
		return
	}

	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}
	key := artifact.TemplateKey(e.ID, ext)
	if err := s.deps.Artifacts.Put(ctx, key, data, "image/"+format); err != nil {
		s.writeError(w, r, delivery.Transient("failed to store template", err))
		return
	}
	if e.Template != nil && e.Template.Key != key {
		if err := s.deps.Artifacts.Delete(ctx, e.Template.Key); err != nil {
			s.logger.Warn("failed to delete previous template", "event_id", e.ID, "key", e.Template.Key, "error", err)
		}
	}

	bounds := img.Bounds()
	e.Template = &models.Template{
		Key:    key,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}
	if e.Status == models.EventDraft {
		e.Status = models.EventReady
	}
	e.UpdatedAt = s.now().UTC()
	if err := s.deps.Store.SaveEvent(ctx, e); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("template uploaded", "event_id", e.ID, "format", format, "width", bounds.Dx(), "height", bounds.Dy())
	sendJSON(w, http.StatusOK, TemplateResponse{Format: format, Width: bounds.Dx(), Height: bounds.Dy()})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.deps.Store.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.Template == nil {
		s.writeError(w, r, delivery.ErrNoTemplate)
		return
	}
	data, err := s.deps.Artifacts.Get(ctx, e.Template.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+e.Template.Format)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListFonts(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Renderer.Fonts().List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defaultFont := s.deps.DefaultFont
	if defaultFont == "" {
		defaultFont = models.DefaultFontName
	}
	sendJSON(w, http.StatusOK, FontsResponse{Fonts: names, Default: defaultFont})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.deps.Store.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = "Sample Participant"
	}
	style := e.Text
	if req.Text != nil {
		if err := applyEventRequest(e, &EventRequest{Text: req.Text}); err != nil {
			s.writeError(w, r, err)
			return
		}
		style = e.Text
	}

	if e.Template == nil {
		s.writeError(w, r, delivery.ErrNoTemplate)
		return
	}
	data, err := s.deps.Artifacts.Get(ctx, e.Template.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tmpl, _, err := render.DecodeTemplate(data)
	if err != nil {
		s.writeError(w, r, delivery.Permanent("stored template is unreadable", err))
		return
	}

	png, err := s.deps.Renderer.Preview(ctx, tmpl, req.Name, style, s.deps.PreviewWidth)
	if err != nil {
		s.writeError(w, r, renderError(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(png))
}

func renderError(err error) error {
	var re *render.Error
	if errors.As(err, &re) && re.Temporary() {
		return delivery.Transient("failed to render preview", err)
	}
	return delivery.Permanent("failed to render preview", err)
}

func (s *Server) handleTextPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.deps.Store.GetEvent(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if e.Template == nil {
		s.writeError(w, r, delivery.ErrNoTemplate)
		return
	}

	var req TextPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tmpl := placement.Size{Width: float64(e.Template.Width), Height: float64(e.Template.Height)}
	view, err := placement.Fit(tmpl, placement.Size{Width: req.CanvasWidth, Height: req.CanvasHeight})
	if err != nil {
		s.writeError(w, r, delivery.Validation(err.Error(), "canvas_width", "canvas_height"))
		return
	}

	y := view.InversePixel(req.PointerY)
	if req.Save {
		e.Text.YPosition = y
		e.UpdatedAt = s.now().UTC()
		if err := s.deps.Store.SaveEvent(ctx, e); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("text position saved", "event_id", e.ID, "y_position", y)
	}

	sendJSON(w, http.StatusOK, TextPositionResponse{
		YPosition: y,
		Canvas:    view.Forward(float64(y)),
		Scale:     view.Scale,
	})
}
