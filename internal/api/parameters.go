package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setParameterRequest is the body of PUT /parameters/{name}.
type setParameterRequest struct {
	Value any `json:"value"`
}

// handleListParameters returns the parameter table of the connected board.
func (s *Server) handleListParameters(w http.ResponseWriter, r *http.Request) {
	specs, err := s.board.Parameters()
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parameters": specs,
		"count":      len(specs),
	})
}

// handleGetParameter queries one parameter on the board.
func (s *Server) handleGetParameter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reading, err := s.board.Get(r.Context(), name)
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// handleSetParameter validates and writes one parameter.
func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	reading, err := s.board.Set(r.Context(), name, req.Value)
	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}
