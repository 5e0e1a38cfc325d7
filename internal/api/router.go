package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/board", func(r chi.Router) {
				r.Get("/", s.handleBoardStatus)
				r.Post("/init", s.handleBoardInit)
				r.Post("/run", s.handleBoardRun)
				r.Post("/histogram", s.handleConfigureHistogram)
			})

			r.Route("/parameters", func(r chi.Router) {
				r.Get("/", s.handleListParameters)
				r.Get("/{name}", s.handleGetParameter)
				r.Put("/{name}", s.handleSetParameter)
			})

			r.Route("/errors", func(r chi.Router) {
				r.Get("/", s.handlePendingErrors)
				r.Post("/pop", s.handlePopError)
			})

			r.Get("/fetch", s.handleFetch)

			r.Route("/journal", func(r chi.Router) {
				r.Get("/errors", s.handleJournalErrors)
				r.Get("/acquisitions", s.handleListAcquisitions)
				r.Get("/acquisitions/{id}", s.handleGetAcquisition)
				r.Get("/parameters", s.handleJournalParameters)
			})
		})
	})

	return r
}

// handleHealth reports overall bridge health. The status is "degraded"
// while the board is disconnected; the response code stays 200 so load
// balancers keep the API reachable.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.board.Status()
	status := "ok"
	if !st.Connected {
		status = "degraded"
	}

	resp := map[string]any{
		"status":          status,
		"version":         s.version,
		"board":           st.Board,
		"board_connected": st.Connected,
	}
	if st.LastError != "" {
		resp["last_error"] = st.LastError
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
