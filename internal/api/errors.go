package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/bridge"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeTimeout            = "timeout"
	ErrCodeBoardUnavailable   = "board_unavailable"
	ErrCodeProtocol           = "protocol_error"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// statusForError maps board, bridge and journal errors to an HTTP status
// and error code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, acqboard.ErrUnknownParameter), errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, acqboard.ErrInvalidValue), errors.Is(err, bridge.ErrInvalidCommand):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, acqboard.ErrNotSupported):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, acqboard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, bridge.ErrBoardUnavailable),
		errors.Is(err, bridge.ErrStopped),
		errors.Is(err, acqboard.ErrNotConnected),
		errors.Is(err, acqboard.ErrTransport):
		return http.StatusServiceUnavailable, ErrCodeBoardUnavailable
	case errors.Is(err, acqboard.ErrProtocol):
		return http.StatusBadGateway, ErrCodeProtocol
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeBoardError writes err using statusForError. Internal errors are
// logged and their text hidden from the client.
func (s *Server) writeBoardError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}
