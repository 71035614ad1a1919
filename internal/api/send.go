package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/certmailer/internal/delivery"
)

// SendRequest starts a bulk send
type SendRequest struct {
	Mode           delivery.Mode `json:"mode"`
	ParticipantIDs []string      `json:"participant_ids,omitempty"`
}

// handleSend runs a bulk send and returns its summary once it finishes
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")

	req := SendRequest{Mode: delivery.ModePendingOnly}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.logger.Info("bulk send requested", "event_id", eventID, "mode", req.Mode.String(), "selected", len(req.ParticipantIDs))

	summary, err := s.deps.Sender.SendTo(r.Context(), eventID, req.Mode, req.ParticipantIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Reports.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleResultsCSV(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	var buf bytes.Buffer
	if err := s.deps.Reports.ResultsCSV(r.Context(), eventID, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	sendCSV(w, fmt.Sprintf("results_%s.csv", eventID), buf.Bytes())
}

func (s *Server) handleFeedbackCSV(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	anonymous, _ := strconv.ParseBool(r.URL.Query().Get("anonymous"))

	var buf bytes.Buffer
	if err := s.deps.Reports.FeedbackCSV(r.Context(), eventID, anonymous, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}

	name := fmt.Sprintf("feedback_%s.csv", eventID)
	if anonymous {
		name = fmt.Sprintf("feedback_anonymous_%s.csv", eventID)
	}
	sendCSV(w, name, buf.Bytes())
}

func sendCSV(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
