package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/bridge"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/config"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

func doRequest(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Construction ─────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	board := newMockBoard(t)
	tests := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Board: board}},
		{"missing board", Deps{Logger: testLogger()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv, board := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if board.listenerCount() != 1 {
		t.Errorf("listeners after Start = %d, want 1", board.listenerCount())
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck after Start: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if board.listenerCount() != 0 {
		t.Errorf("listeners after Close = %d, want 0", board.listenerCount())
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

// ─── Health and Metrics ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		want      string
	}{
		{"board connected", true, "ok"},
		{"board disconnected", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, board := testServer(t, func(d *Deps) { d.MQTT = mockMQTT{connected: true} })
			board.connected = tt.connected
			if !tt.connected {
				board.lastErr = "dial tcp: connection refused"
			}

			w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			resp := decodeBody[map[string]any](t, w)
			if resp["status"] != tt.want {
				t.Errorf("status = %v, want %s", resp["status"], tt.want)
			}
			if resp["version"] != "test" {
				t.Errorf("version = %v, want test", resp["version"])
			}
			if resp["board"] != testBoardID {
				t.Errorf("board = %v, want %s", resp["board"], testBoardID)
			}
			if resp["mqtt_connected"] != true {
				t.Errorf("mqtt_connected = %v, want true", resp["mqtt_connected"])
			}
			if _, ok := resp["last_error"]; ok == tt.connected {
				t.Errorf("last_error presence = %v, want %v", ok, !tt.connected)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	m := decodeBody[SystemMetrics](t, w)
	if m.Version != "test" {
		t.Errorf("version = %q", m.Version)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines should be non-zero")
	}
	if m.Board.ID != testBoardID || !m.Board.Connected {
		t.Errorf("board = %+v", m.Board)
	}
	if m.Board.Stats == nil || m.Board.Stats.Replies != 7 {
		t.Errorf("board stats = %+v", m.Board.Stats)
	}
	if m.MQTT != nil {
		t.Error("mqtt metrics should be omitted without a client")
	}
	if m.Database != nil {
		t.Error("database metrics should be omitted without a database")
	}
}

// ─── Middleware ───────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodGet, "/api/v1/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/health", "", http.Header{"X-Request-Id": {"client-123"}})
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://bench.local"}
	})
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodOptions, "/api/v1/health", "", http.Header{"Origin": {"http://bench.local"}})
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://bench.local" {
		t.Errorf("ACAO = %q", got)
	}

	w = doRequest(t, router, http.MethodOptions, "/api/v1/health", "", http.Header{"Origin": {"http://evil.example"}})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO for disallowed origin = %q, want empty", got)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Board ────────────────────────────────────────────────────────

func TestBoardEndpoints(t *testing.T) {
	srv, board := testServer(t, nil)
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodGet, "/api/v1/board", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("board status = %d", w.Code)
	}
	if st := decodeBody[bridge.Status](t, w); st.BoardType != acqboard.BoardADC8 {
		t.Errorf("board_type = %q", st.BoardType)
	}

	w = doRequest(t, router, http.MethodPost, "/api/v1/board/init", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("init status = %d", w.Code)
	}
	if bs := decodeBody[acqboard.BoardStatus](t, w); bs.Serial != 4242 || !bs.ResultAvailable {
		t.Errorf("init = %+v", bs)
	}

	w = doRequest(t, router, http.MethodPost, "/api/v1/board/run", "", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("run status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if !board.ran {
		t.Error("Run was not called")
	}
}

func TestConfigureHistogram(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"nb_msample":64,"sampling_rate":2000,"chan_nb":1,"clock_source":"Internal"}`, http.StatusOK},
		{"sampling rate out of range", `{"nb_msample":64,"sampling_rate":10,"chan_nb":1,"clock_source":"Internal"}`, http.StatusBadRequest},
		{"malformed body", `{"nb_msample":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, board := testServer(t, nil)
			w := doRequest(t, srv.buildRouter(), http.MethodPost, "/api/v1/board/histogram", tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK && (board.histogram == nil || board.histogram.NbMsample != 64) {
				t.Errorf("histogram = %+v", board.histogram)
			}
		})
	}
}

// ─── Parameters ───────────────────────────────────────────────────

func TestListParameters(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/parameters", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	resp := decodeBody[struct {
		Parameters []map[string]any `json:"parameters"`
		Count      int              `json:"count"`
	}](t, w)
	if resp.Count == 0 || resp.Count != len(resp.Parameters) {
		t.Fatalf("count = %d, parameters = %d", resp.Count, len(resp.Parameters))
	}

	var found bool
	for _, p := range resp.Parameters {
		if p["name"] == acqboard.ParamSamplingRate {
			found = true
			if p["kind"] != "float" {
				t.Errorf("kind = %v, want float", p["kind"])
			}
		}
	}
	if !found {
		t.Errorf("%s missing from parameter list", acqboard.ParamSamplingRate)
	}
}

func TestGetParameter(t *testing.T) {
	tests := []struct {
		name       string
		param      string
		wantStatus int
		wantRaw    string
	}{
		{"cached value", acqboard.ParamSamplingRate, http.StatusOK, "2000"},
		{"unknown parameter", "CONFIG:NOPE", http.StatusNotFound, ""},
		{"board does not answer", acqboard.ParamTestMode, http.StatusGatewayTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, nil)
			w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/parameters/"+tt.param, "", nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantRaw == "" {
				return
			}
			r := decodeBody[bridge.Reading](t, w)
			if r.Raw != tt.wantRaw || r.Name != tt.param {
				t.Errorf("reading = %+v", r)
			}
			if r.Value != 2000.0 {
				t.Errorf("value = %v (%T), want 2000", r.Value, r.Value)
			}
		})
	}
}

func TestSetParameter(t *testing.T) {
	tests := []struct {
		name       string
		param      string
		body       string
		wantStatus int
		wantRaw    string
	}{
		{"float", acqboard.ParamSamplingRate, `{"value":2500}`, http.StatusOK, "2500"},
		{"bool", acqboard.ParamTestMode, `{"value":true}`, http.StatusOK, "True"},
		{"enum", acqboard.ParamOpMode, `{"value":"Osc"}`, http.StatusOK, "Osc"},
		{"out of range", acqboard.ParamSamplingRate, `{"value":99999}`, http.StatusBadRequest, ""},
		{"bad enum", acqboard.ParamOpMode, `{"value":"Turbo"}`, http.StatusBadRequest, ""},
		{"missing value", acqboard.ParamOpMode, `{}`, http.StatusBadRequest, ""},
		{"malformed body", acqboard.ParamOpMode, `{"value":`, http.StatusBadRequest, ""},
		{"unknown parameter", "CONFIG:NOPE", `{"value":1}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, board := testServer(t, nil)
			w := doRequest(t, srv.buildRouter(), http.MethodPut, "/api/v1/parameters/"+tt.param, tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantRaw == "" {
				return
			}
			r := decodeBody[bridge.Reading](t, w)
			if r.Raw != tt.wantRaw || r.Source != journal.SourceSet {
				t.Errorf("reading = %+v", r)
			}
			if board.values[tt.param] != tt.wantRaw {
				t.Errorf("board value = %q, want %q", board.values[tt.param], tt.wantRaw)
			}
		})
	}
}

func TestBoardUnavailable(t *testing.T) {
	srv, board := testServer(t, nil)
	board.err = fmt.Errorf("%w: dial tcp: connection refused", bridge.ErrBoardUnavailable)
	router := srv.buildRouter()

	paths := []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/parameters", ""},
		{http.MethodGet, "/api/v1/parameters/" + acqboard.ParamOpMode, ""},
		{http.MethodPut, "/api/v1/parameters/" + acqboard.ParamOpMode, `{"value":"Hist"}`},
		{http.MethodPost, "/api/v1/board/init", ""},
		{http.MethodPost, "/api/v1/board/run", ""},
		{http.MethodGet, "/api/v1/errors", ""},
		{http.MethodPost, "/api/v1/errors/pop", ""},
		{http.MethodGet, "/api/v1/fetch", ""},
	}
	for _, p := range paths {
		w := doRequest(t, router, p.method, p.path, p.body, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s status = %d, want %d", p.method, p.path, w.Code, http.StatusServiceUnavailable)
			continue
		}
		if e := decodeBody[Error](t, w); e.Code != ErrCodeBoardUnavailable {
			t.Errorf("%s %s code = %q", p.method, p.path, e.Code)
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{acqboard.ErrUnknownParameter, http.StatusNotFound, ErrCodeNotFound},
		{journal.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{fmt.Errorf("set: %w", acqboard.ErrInvalidValue), http.StatusBadRequest, ErrCodeValidation},
		{bridge.ErrInvalidCommand, http.StatusBadRequest, ErrCodeValidation},
		{acqboard.ErrNotSupported, http.StatusConflict, ErrCodeConflict},
		{acqboard.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
		{bridge.ErrBoardUnavailable, http.StatusServiceUnavailable, ErrCodeBoardUnavailable},
		{bridge.ErrStopped, http.StatusServiceUnavailable, ErrCodeBoardUnavailable},
		{acqboard.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeBoardUnavailable},
		{acqboard.ErrTransport, http.StatusServiceUnavailable, ErrCodeBoardUnavailable},
		{acqboard.ErrProtocol, http.StatusBadGateway, ErrCodeProtocol},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, code := statusForError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("statusForError() = %d %q, want %d %q", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	srv, board := testServer(t, nil)
	board.err = errors.New("secret internal detail")

	w := doRequest(t, srv.buildRouter(), http.MethodPost, "/api/v1/board/run", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("body leaks error detail: %s", w.Body.String())
	}
}

// ─── Errors ───────────────────────────────────────────────────────

func TestPendingAndPopErrors(t *testing.T) {
	srv, board := testServer(t, nil)
	now := time.Now().UTC()
	board.pending = []acqboard.ErrorRecord{
		{Severity: acqboard.SeverityStandard, Head: "ERROR:STD", Message: "first", ReceivedAt: now},
		{Severity: acqboard.SeverityCritical, Head: "ERROR:CRITICAL", Message: "second", ReceivedAt: now},
	}
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodGet, "/api/v1/errors", "", nil)
	pending := decodeBody[struct {
		Errors []map[string]any `json:"errors"`
		Count  int              `json:"count"`
	}](t, w)
	if pending.Count != 2 || pending.Errors[0]["message"] != "first" {
		t.Fatalf("pending = %+v", pending)
	}

	type popResponse struct {
		Error map[string]any `json:"error"`
		Empty bool           `json:"empty"`
	}

	pops := []struct {
		message  string
		severity string
		empty    bool
	}{
		{"second", "CRITICAL", false},
		{"first", "STD", false},
		{"No more errors", "none", true},
		{"No more errors", "none", true},
	}
	for i, want := range pops {
		w := doRequest(t, router, http.MethodPost, "/api/v1/errors/pop", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("pop %d status = %d", i, w.Code)
		}
		got := decodeBody[popResponse](t, w)
		if got.Error["message"] != want.message || got.Error["severity"] != want.severity || got.Empty != want.empty {
			t.Errorf("pop %d = %+v, want %+v", i, got, want)
		}
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/errors", "", nil)
	if !strings.Contains(w.Body.String(), `"errors":[]`) {
		t.Errorf("drained pending list should be an empty array: %s", w.Body.String())
	}
}

// ─── Fetch ────────────────────────────────────────────────────────

func TestFetch_StreamsRemotePayload(t *testing.T) {
	srv, board := testServer(t, nil)
	board.fetchChunks = [][]byte{[]byte("\x01\x00\x00\x00"), []byte("\x02\x00\x00\x00")}
	board.fetchResult = acqboard.FetchResult{Name: "DATA:HIST:DATA", Location: acqboard.LocationRemote, Type: "Default"}

	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/fetch?remote_file=run1.npz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := w.Body.String(); got != "\x01\x00\x00\x00\x02\x00\x00\x00" {
		t.Errorf("body = %q", got)
	}

	trailer := w.Result().Trailer
	if trailer.Get(trailerBytes) != "8" || trailer.Get(trailerName) != "DATA:HIST:DATA" {
		t.Errorf("trailers = %v", trailer)
	}
	if board.fetchReq.RemoteFile != "run1.npz" || board.fetchReq.Source != "api" {
		t.Errorf("fetch request = %+v", board.fetchReq)
	}
}

func TestFetch_LocalResultIsJSON(t *testing.T) {
	srv, board := testServer(t, nil)
	board.fetchResult = acqboard.FetchResult{
		Name: "DATA:HIST:DATA", Location: acqboard.LocationLocal, Type: "NPZ", RemoteFile: "hist_0001.npz",
	}

	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/fetch", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	res := decodeBody[acqboard.FetchResult](t, w)
	if res.Location != acqboard.LocationLocal || res.RemoteFile != "hist_0001.npz" {
		t.Errorf("result = %+v", res)
	}
}

func TestFetch_ErrorBeforeData(t *testing.T) {
	srv, board := testServer(t, nil)
	board.fetchErr = fmt.Errorf("fetch: %w: no bulk query for operating mode %q", acqboard.ErrNotSupported, "Osc")

	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/fetch", "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if e := decodeBody[Error](t, w); !strings.Contains(e.Message, "Osc") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestFetch_ErrorMidStreamAborts(t *testing.T) {
	srv, board := testServer(t, nil)
	board.fetchChunks = [][]byte{[]byte("partial")}
	board.fetchErr = fmt.Errorf("fetch: %w", acqboard.ErrNotConnected)

	defer func() {
		if r := recover(); r != http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
			t.Errorf("recovered %v, want http.ErrAbortHandler", r)
		}
	}()
	doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/fetch", "", nil)
	t.Error("handler should abort the response")
}

// ─── Journal ──────────────────────────────────────────────────────

func TestJournalErrors_Filters(t *testing.T) {
	j := &mockJournal{}
	srv, _ := testServer(t, func(d *Deps) { d.Journal = j })
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodGet,
		"/api/v1/journal/errors?severity=CRITICAL&since=2026-01-02T03:04:05Z&pending=true&limit=10&offset=20", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	f := j.lastFilter
	if f.Board != testBoardID || f.Severity != "CRITICAL" || !f.Pending || f.Limit != 10 || f.Offset != 20 {
		t.Errorf("filter = %+v", f)
	}
	if !f.Since.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("since = %v", f.Since)
	}

	bad := []string{
		"/api/v1/journal/errors?since=yesterday",
		"/api/v1/journal/errors?pending=maybe",
		"/api/v1/journal/errors?limit=-1",
		"/api/v1/journal/errors?offset=x",
	}
	for _, path := range bad {
		if w := doRequest(t, router, http.MethodGet, path, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusBadRequest)
		}
	}
}

func TestJournalAcquisitions(t *testing.T) {
	j := &mockJournal{acquisitions: []journal.Acquisition{
		{ID: "acq-1", Board: "adc14-bench", Name: "DATA:HIST:DATA", Bytes: 4096, Status: journal.StatusOK},
	}}
	srv, _ := testServer(t, func(d *Deps) { d.Journal = j })
	router := srv.buildRouter()

	w := doRequest(t, router, http.MethodGet, "/api/v1/journal/acquisitions?board=adc14-bench", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if j.lastBoard != "adc14-bench" {
		t.Errorf("board = %q", j.lastBoard)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/journal/acquisitions/acq-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if a := decodeBody[journal.Acquisition](t, w); a.Bytes != 4096 {
		t.Errorf("acquisition = %+v", a)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/journal/acquisitions/acq-missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestJournalParameters_EmptyIsArray(t *testing.T) {
	srv, _ := testServer(t, nil)
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/journal/parameters", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"parameters":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestJournalNotConfigured(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Journal = nil })
	w := doRequest(t, srv.buildRouter(), http.MethodGet, "/api/v1/journal/errors", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ─── Auth ─────────────────────────────────────────────────────────

func authServer(t *testing.T) *Server {
	t.Helper()
	srv, _ := testServer(t, func(d *Deps) {
		d.Security = config.SecurityConfig{JWT: config.JWTConfig{
			Secret: testSecret, Issuer: "acqbridge", AccessTokenTTL: 15,
		}}
	})
	return srv
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestAuth(t *testing.T) {
	srv := authServer(t)
	router := srv.buildRouter()
	now := time.Now()

	valid, err := IssueToken(srv.secCfg.JWT, "bench-pc", now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, _ := IssueToken(srv.secCfg.JWT, "bench-pc", now.Add(-time.Hour))
	otherIssuer, _ := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "someone-else"}, "bench-pc", now)
	otherSecret, _ := IssueToken(config.JWTConfig{Secret: "another-secret", Issuer: "acqbridge"}, "bench-pc", now)
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    "acqbridge",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "acqbridge",
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
	}{
		{"no header", nil, http.StatusUnauthorized},
		{"not bearer", http.Header{"Authorization": {"Basic YWRtaW46YWRtaW4="}}, http.StatusUnauthorized},
		{"garbage", bearer("not-a-jwt"), http.StatusUnauthorized},
		{"expired", bearer(expired), http.StatusUnauthorized},
		{"wrong issuer", bearer(otherIssuer), http.StatusUnauthorized},
		{"wrong secret", bearer(otherSecret), http.StatusUnauthorized},
		{"wrong algorithm", bearer(hs512), http.StatusUnauthorized},
		{"no expiry", bearer(noExpiry), http.StatusUnauthorized},
		{"valid", bearer(valid), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodGet, "/api/v1/board", "", tt.header)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}

	// Health and metrics stay open.
	for _, path := range []string{"/api/v1/health", "/api/v1/metrics"} {
		if w := doRequest(t, router, http.MethodGet, path, "", nil); w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestIssueToken(t *testing.T) {
	if _, err := IssueToken(config.JWTConfig{}, "x", time.Now()); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("IssueToken without secret = %v, want ErrEmptySecret", err)
	}

	srv := authServer(t)
	now := time.Now()
	token, err := IssueToken(config.JWTConfig{Secret: testSecret, Issuer: "acqbridge"}, "bench-pc", now)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	subject, err := srv.validateToken(token, now.Add(14*time.Minute))
	if err != nil {
		t.Fatalf("validateToken within default TTL: %v", err)
	}
	if subject != "bench-pc" {
		t.Errorf("subject = %q", subject)
	}
	if _, err := srv.validateToken(token, now.Add(16*time.Minute)); err == nil {
		t.Error("token should expire after the default TTL")
	}
}

// ─── WebSocket ────────────────────────────────────────────────────

func TestWSTicket_SingleUse(t *testing.T) {
	srv := authServer(t)
	token, _ := IssueToken(srv.secCfg.JWT, "bench-pc", time.Now())

	w := doRequest(t, srv.buildRouter(), http.MethodPost, "/api/v1/auth/ws-ticket", "", bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[map[string]any](t, w)
	ticket, _ := resp["ticket"].(string)
	if ticket == "" {
		t.Fatal("expected a non-empty ticket")
	}

	entry, ok := srv.tickets.consume(ticket, time.Now())
	if !ok {
		t.Fatal("ticket should be valid on first use")
	}
	if entry.subject != "bench-pc" {
		t.Errorf("ticket subject = %q", entry.subject)
	}
	if _, ok := srv.tickets.consume(ticket, time.Now()); ok {
		t.Error("ticket should not be valid on second use")
	}
}

func TestWSTicket_Expiry(t *testing.T) {
	store := newTicketStore()
	now := time.Now()
	expired := store.issue("", now.Add(-2*ticketTTL))
	fresh := store.issue("", now)

	store.cleanExpired(now)
	if _, ok := store.tickets[expired]; ok {
		t.Error("expired ticket should be cleaned")
	}
	if _, ok := store.consume(fresh, now.Add(ticketTTL+time.Second)); ok {
		t.Error("ticket past its TTL should be rejected")
	}
}

func TestWebSocket_RequiresTicket(t *testing.T) {
	srv := authServer(t)
	router := srv.buildRouter()

	if w := doRequest(t, router, http.MethodGet, "/api/v1/ws", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no ticket status = %d, want 401", w.Code)
	}
	if w := doRequest(t, router, http.MethodGet, "/api/v1/ws?ticket=bogus", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bogus ticket status = %d, want 401", w.Code)
	}
}

func TestWebSocket_RelaysBridgeEvents(t *testing.T) {
	srv := authServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	ticket := srv.tickets.issue("bench-pc", time.Now())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{bridge.EventError}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", ack)
	}

	// Not subscribed: dropped. Subscribed: delivered.
	srv.relayEvent(bridge.Event{Type: bridge.EventParameter, Board: testBoardID, Timestamp: time.Now()})
	srv.relayEvent(bridge.Event{
		Type:      bridge.EventError,
		Board:     testBoardID,
		Timestamp: time.Now(),
		Data:      bridge.NewErrorMessage(testBoardID, acqboard.ErrorRecord{Severity: acqboard.SeverityCritical, Message: "PLL unlocked"}),
	})

	var ev WSMessage
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != bridge.EventError {
		t.Errorf("event = %+v", ev)
	}
	payload, _ := json.Marshal(ev.Payload)
	if !strings.Contains(string(payload), "PLL unlocked") {
		t.Errorf("payload = %s", payload)
	}
	if srv.hub.ClientCount() != 1 {
		t.Errorf("hub client count = %d, want 1", srv.hub.ClientCount())
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{bridge.EventTransfer: {}},
	}
	other := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: map[string]struct{}{bridge.EventConnection: {}},
	}
	hub.Register(subscribed)
	hub.Register(other)
	if hub.ClientCount() != 2 {
		t.Fatalf("client count = %d, want 2", hub.ClientCount())
	}

	hub.Broadcast(bridge.EventTransfer, map[string]any{"bytes": 4096})

	select {
	case msg := <-subscribed.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != bridge.EventTransfer {
			t.Errorf("event_type = %q", wsMsg.EventType)
		}
	case <-time.After(time.Second):
		t.Error("timed out waiting for broadcast message")
	}

	select {
	case <-other.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}

	hub.Unregister(subscribed)
	hub.Unregister(subscribed)
	if hub.ClientCount() != 1 {
		t.Errorf("after unregister count = %d, want 1", hub.ClientCount())
	}
}

func TestWSClient_HandleMessage(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	reply := func(t *testing.T) WSMessage {
		t.Helper()
		select {
		case frame := <-client.send:
			var msg WSMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("unmarshal reply: %v", err)
			}
			return msg
		case <-time.After(time.Second):
			t.Fatal("no reply")
			return WSMessage{}
		}
	}

	tests := []struct {
		name     string
		request  string
		wantType string
	}{
		{"invalid json", `{`, WSTypeError},
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong},
		{"unknown type", `{"type":"shout"}`, WSTypeError},
		{"no channels", `{"type":"subscribe","payload":{"channels":[]}}`, WSTypeError},
		{"unknown channel", `{"type":"subscribe","payload":{"channels":["board/secret"]}}`, WSTypeError},
		{"subscribe", `{"type":"subscribe","id":"s1","payload":{"channels":["parameter","error"]}}`, WSTypeResponse},
		{"unsubscribe", `{"type":"unsubscribe","payload":{"channels":["parameter"]}}`, WSTypeResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.handleMessage([]byte(tt.request))
			if got := reply(t); got.Type != tt.wantType {
				t.Errorf("reply type = %q, want %q (payload %v)", got.Type, tt.wantType, got.Payload)
			}
		})
	}

	if client.isSubscribed(bridge.EventParameter) {
		t.Error("parameter should be unsubscribed")
	}
	if !client.isSubscribed(bridge.EventError) {
		t.Error("error should stay subscribed")
	}
}

func TestHub_WildcardAndDrops(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	all := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 1),
		subscriptions: map[string]struct{}{WSChannelAll: {}},
	}
	hub.Register(all)

	hub.Broadcast(bridge.EventConnection, map[string]any{"connected": true})
	hub.Broadcast(bridge.EventParameter, map[string]any{"name": acqboard.ParamOpMode})

	if len(all.send) != 1 {
		t.Fatalf("queued = %d, want 1", len(all.send))
	}
	if hub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", hub.Dropped())
	}

	hub.Unregister(all)
	if all.trySend([]byte("late")) {
		t.Error("trySend after unregister should fail")
	}
}
