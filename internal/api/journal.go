package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// requireJournal answers 503 when the server runs without a journal.
func (s *Server) requireJournal(w http.ResponseWriter) bool {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "journal not configured")
		return false
	}
	return true
}

// boardParam returns the board query parameter, defaulting to the bridged board.
func (s *Server) boardParam(r *http.Request) string {
	if board := r.URL.Query().Get("board"); board != "" {
		return board
	}
	return s.board.Status().Board
}

// handleJournalErrors lists journalled board errors, newest first.
//
// Query parameters:
//   - board, severity: exact filters
//   - since: RFC3339 lower bound on received_at
//   - pending: "true" for unpopped errors only
//   - limit, offset: pagination
func (s *Server) handleJournalErrors(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}

	q := r.URL.Query()
	filter := journal.ErrorFilter{
		Board:    s.boardParam(r),
		Severity: q.Get("severity"),
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, "pending must be a boolean")
			return
		}
		filter.Pending = pending
	}

	var ok bool
	if filter.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, r, "offset"); !ok {
		return
	}

	list, err := s.journal.ListErrors(r.Context(), filter)
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleListAcquisitions lists recent bulk transfers.
func (s *Server) handleListAcquisitions(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}

	acqs, err := s.journal.ListAcquisitions(r.Context(), s.boardParam(r), limit)
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	if acqs == nil {
		acqs = []journal.Acquisition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acquisitions": acqs,
		"count":        len(acqs),
	})
}

// handleGetAcquisition returns one acquisition record by ID.
func (s *Server) handleGetAcquisition(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	acq, err := s.journal.GetAcquisition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acq)
}

// handleJournalParameters returns the last known value of every parameter
// the bridge has seen.
func (s *Server) handleJournalParameters(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	values, err := s.journal.LoadParameters(r.Context(), s.boardParam(r))
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	if values == nil {
		values = []journal.ParameterValue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parameters": values,
		"count":      len(values),
	})
}

// intParam parses a non-negative integer query parameter. Missing values
// are 0; invalid ones are answered with 400.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
