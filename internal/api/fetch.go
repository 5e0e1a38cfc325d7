package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/bridge"
)

// Trailers set on streamed fetch responses once the transfer completes.
const (
	trailerName  = "X-Acq-Name"
	trailerType  = "X-Acq-Type"
	trailerBytes = "X-Acq-Bytes"
)

// streamWriter commits a 200 octet-stream response on the first payload
// byte, so errors raised before any data can still be reported as JSON.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if !sw.started {
		h := sw.w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Trailer", trailerName+", "+trailerType+", "+trailerBytes)
		sw.w.WriteHeader(http.StatusOK)
		sw.started = true
	}
	return sw.w.Write(p)
}

// handleFetch requests the result of the current operating mode and
// streams Remote payloads straight into the response. Local results and
// empty transfers are answered with the transfer summary as JSON.
//
// Query parameters:
//   - remote_file: optional file name on the board
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	// Bulk transfers may outlive the server write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{}) //nolint:errcheck // unsupported by some writers; the timeout then applies

	sink := &streamWriter{w: w}
	res, err := s.board.Fetch(r.Context(), bridge.FetchRequest{
		Sink:       sink,
		RemoteFile: r.URL.Query().Get("remote_file"),
		Source:     "api",
	})

	if sink.started {
		if err != nil {
			s.logger.Warn("fetch aborted mid-stream",
				"error", err,
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
			panic(http.ErrAbortHandler)
		}
		h := w.Header()
		h.Set(trailerName, res.Name)
		h.Set(trailerType, res.Type)
		h.Set(trailerBytes, strconv.FormatInt(res.Bytes, 10))
		return
	}

	if err != nil {
		s.writeBoardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
