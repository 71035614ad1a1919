package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/mail"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/storage"
)

// ParticipantRequest is a participant to add
type ParticipantRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ParticipantsResponse lists participants of an event
type ParticipantsResponse struct {
	Participants []*models.Participant `json:"participants"`
	Total        int                   `json:"total"`
}

// TokenResponse is an issued feedback token
type TokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetEvent(ctx, eventID); err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := storage.ParticipantFilter{EventID: eventID}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		for _, name := range strings.Split(v, ",") {
			st, err := models.ParseStatus(strings.TrimSpace(name))
			if err != nil {
				s.writeError(w, r, delivery.Validation(err.Error(), "status"))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	ps, err := s.deps.Store.ListParticipants(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*models.Participant{}
	}
	sendJSON(w, http.StatusOK, ParticipantsResponse{Participants: ps, Total: len(ps)})
}

// handleAddParticipants accepts a single participant, an array of them or
// an object with a participants array
func (s *Server) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetEvent(ctx, eventID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	reqs, err := parseParticipants(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.now().UTC()
	ps := make([]*models.Participant, 0, len(reqs))
	for i, req := range reqs {
		name := strings.TrimSpace(req.Name)
		email := strings.TrimSpace(req.Email)
		if name == "" {
			s.writeError(w, r, delivery.Validation("participant name is required", participantField(len(reqs), i, "name")))
			return
		}
		if err := mail.ValidateAddress(email); err != nil {
			s.writeError(w, r, delivery.Validation(err.Error(), participantField(len(reqs), i, "email")))
			return
		}
		// Distinct creation times keep insertion order stable
		created := now.Add(time.Duration(i) * time.Millisecond)
		ps = append(ps, &models.Participant{
			ID:        uuid.New().String(),
			EventID:   eventID,
			Name:      name,
			Email:     email,
			Status:    models.StatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		})
	}

	if err := s.deps.Store.AddParticipants(ctx, ps); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("participants added", "event_id", eventID, "count", len(ps))
	sendJSON(w, http.StatusCreated, ParticipantsResponse{Participants: ps, Total: len(ps)})
}

func participantField(n, i int, name string) string {
	if n == 1 {
		return name
	}
	return fmt.Sprintf("participants[%d].%s", i, name)
}

func parseParticipants(raw json.RawMessage) ([]ParticipantRequest, error) {
	raw = bytes.TrimSpace(raw)
	var reqs []ParticipantRequest
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return nil, errInvalidBody
		}
	case len(raw) > 0 && raw[0] == '{':
		var batch struct {
			Participants []ParticipantRequest `json:"participants"`
			ParticipantRequest
		}
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, errInvalidBody
		}
		if batch.Participants != nil {
			reqs = batch.Participants
		} else {
			reqs = []ParticipantRequest{batch.ParticipantRequest}
		}
	default:
		return nil, errInvalidBody
	}
	if len(reqs) == 0 {
		return nil, delivery.Validation("no participants given", "participants")
	}
	return reqs, nil
}

func (s *Server) handleDeleteParticipants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetEvent(ctx, eventID); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.deps.Store.DeleteParticipants(ctx, eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("participants deleted", "event_id", eventID, "count", n)
	sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleDeleteParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteParticipant(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "pid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.deps.Gate.IssueToken(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "pid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := TokenResponse{Token: tok.Token}
	if s.deps.FeedbackBaseURL != "" {
		resp.URL = delivery.FeedbackURL(s.deps.FeedbackBaseURL, tok.Token)
	}
	sendJSON(w, http.StatusOK, resp)
}
