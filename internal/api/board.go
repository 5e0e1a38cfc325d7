package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
)

// handleBoardStatus returns the connection snapshot of the board.
func (s *Server) handleBoardStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.board.Status())
}

// handleBoardInit reads serial, program state and result flag.
func (s *Server) handleBoardInit(w http.ResponseWriter, r *http.Request) {
	st, err := s.board.Init(r.Context())
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleBoardRun confirms the configuration and starts an acquisition.
func (s *Server) handleBoardRun(w http.ResponseWriter, r *http.Request) {
	if err := s.board.Run(r.Context()); err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// handleConfigureHistogram applies a histogram configuration.
func (s *Server) handleConfigureHistogram(w http.ResponseWriter, r *http.Request) {
	var settings acqboard.HistogramSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.board.ConfigureHistogram(r.Context(), settings); err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "configured",
		"settings": settings,
	})
}

// handlePendingErrors lists unpopped board errors, oldest first.
func (s *Server) handlePendingErrors(w http.ResponseWriter, r *http.Request) {
	pending, err := s.board.PendingErrors()
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	if pending == nil {
		pending = []acqboard.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": pending,
		"count":  len(pending),
	})
}

// handlePopError removes and returns the newest pending error. An empty
// sink answers 200 with the "No more errors" record and empty=true.
func (s *Server) handlePopError(w http.ResponseWriter, r *http.Request) {
	rec, err := s.board.PopError(r.Context())
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"error": rec,
		"empty": rec.IsNone(),
	})
}
