package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/foxzi/certmailer/internal/delivery"
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

var errInvalidBody = delivery.Validation("invalid request body")

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	if errors.Is(err, errInvalidBody) {
		return http.StatusBadRequest
	}
	switch delivery.KindOf(err) {
	case delivery.KindValidation:
		return http.StatusUnprocessableEntity
	case delivery.KindNotFound:
		return http.StatusNotFound
	case delivery.KindConflict:
		return http.StatusConflict
	case delivery.KindTransient:
		return http.StatusServiceUnavailable
	case delivery.KindPermanent:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError sends err with the status its kind maps to
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "Internal server error"
	} else if status >= 500 {
		s.logger.Warn("dependency failure", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	sendJSON(w, status, ErrorResponse{Error: message, Fields: delivery.FieldsOf(err)})
}

// decodeJSON reads the request body into v
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var de *delivery.Error
		if errors.As(err, &de) {
			return err
		}
		return errInvalidBody
	}
	return nil
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
