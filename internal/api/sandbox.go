package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jhillyerd/enmime"

	"github.com/foxzi/certmailer/internal/sandbox"
)

// SandboxMessageResponse represents a sandbox message in API responses
type SandboxMessageResponse struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	OriginalTo   string    `json:"original_to,omitempty"`
	Subject      string    `json:"subject"`
	Tag          string    `json:"tag,omitempty"`
	Attachments  []string  `json:"attachments,omitempty"`
	Mode         string    `json:"mode"`
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*SandboxMessageResponse `json:"messages"`
	Total    int                       `json:"total"`
}

// SandboxMessageDetailResponse is the response for GET /api/v1/sandbox/messages/{id}
type SandboxMessageDetailResponse struct {
	SandboxMessageResponse
	Body string `json:"body,omitempty"`
	HTML string `json:"html,omitempty"`
	Size int    `json:"size"`
}

func messageResponse(msg *sandbox.Message) SandboxMessageResponse {
	return SandboxMessageResponse{
		ID:           msg.ID,
		From:         msg.From,
		To:           msg.To,
		OriginalTo:   msg.OriginalTo,
		Subject:      msg.Subject,
		Tag:          msg.Tag,
		Attachments:  msg.Attachments,
		Mode:         msg.Mode,
		CapturedAt:   msg.CapturedAt,
		SimulatedErr: msg.SimulatedErr,
	}
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	q := r.URL.Query()
	filter := sandbox.ListFilter{
		To:    q.Get("to"),
		Tag:   q.Get("tag"),
		Limit: 100,
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = min(l, 1000)
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	messages, err := s.deps.Sandbox.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response := SandboxListResponse{
		Messages: make([]*SandboxMessageResponse, len(messages)),
		Total:    len(messages),
	}
	for i, msg := range messages {
		m := messageResponse(msg)
		response.Messages[i] = &m
	}
	sendJSON(w, http.StatusOK, response)
}

func (s *Server) sandboxMessage(w http.ResponseWriter, r *http.Request) *sandbox.Message {
	if s.deps.Sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return nil
	}
	msg, err := s.deps.Sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return nil
	}
	return msg
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg := s.sandboxMessage(w, r)
	if msg == nil {
		return
	}

	response := SandboxMessageDetailResponse{
		SandboxMessageResponse: messageResponse(msg),
		Size:                   len(msg.Data),
	}
	if env, err := enmime.ReadEnvelope(bytes.NewReader(msg.Data)); err == nil {
		response.Body = env.Text
		response.HTML = env.HTML
	} else {
		s.logger.Debug("failed to parse captured message", "id", msg.ID, "error", err)
	}
	sendJSON(w, http.StatusOK, response)
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg := s.sandboxMessage(w, r)
	if msg == nil {
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", "attachment; filename="+msg.ID+".eml")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sandbox == nil {
		sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
		return
	}

	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "Invalid older_than duration")
			return
		}
		olderThan = d
	}

	n, err := s.deps.Sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
