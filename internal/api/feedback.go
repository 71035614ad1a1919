package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/certmailer/internal/models"
)

// FeedbackRequest carries the answers of a feedback form
type FeedbackRequest struct {
	Answers []models.Answer `json:"answers"`
}

func (s *Server) handleFeedbackForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.deps.Gate.Form(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, form)
}

func (s *Server) handleFeedbackSubmit(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sub, err := s.deps.Gate.Submit(r.Context(), chi.URLParam(r, "token"), req.Answers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, sub)
}
