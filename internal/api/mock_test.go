package api

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/bridge"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/config"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

const testBoardID = "adc8-lab"

// mockBoard implements BoardService over the ADC8 parameter table.
type mockBoard struct {
	mu        sync.Mutex
	connected bool
	lastErr   string
	specs     map[string]acqboard.ParamSpec
	values    map[string]string
	pending   []acqboard.ErrorRecord
	histogram *acqboard.HistogramSettings
	ran       bool

	// err is returned by every board operation when set.
	err error

	fetchChunks [][]byte
	fetchResult acqboard.FetchResult
	fetchErr    error
	fetchReq    bridge.FetchRequest

	listeners map[int]func(bridge.Event)
	nextID    int
}

func newMockBoard(t *testing.T) *mockBoard {
	t.Helper()
	specs, err := acqboard.Profile(acqboard.BoardADC8)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	m := &mockBoard{
		connected: true,
		specs:     make(map[string]acqboard.ParamSpec, len(specs)),
		values:    map[string]string{acqboard.ParamOpMode: acqboard.ModeHist, acqboard.ParamSamplingRate: "2000"},
		listeners: make(map[int]func(bridge.Event)),
	}
	for _, s := range specs {
		m.specs[s.Name] = s
	}
	return m
}

func (m *mockBoard) Status() bridge.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := bridge.Status{
		Board:      testBoardID,
		Connection: "tcp://127.0.0.1:5025",
		Connected:  m.connected,
		LastError:  m.lastErr,
	}
	if m.connected {
		st.BoardType = acqboard.BoardADC8
		st.Stats = &acqboard.Stats{BoardType: acqboard.BoardADC8, Connected: true, Replies: 7}
	}
	return st
}

func (m *mockBoard) Parameters() ([]acqboard.ParamSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]acqboard.ParamSpec, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b acqboard.ParamSpec) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *mockBoard) reading(spec acqboard.ParamSpec, raw, source string) *bridge.Reading {
	value, err := spec.Parse(raw)
	if err != nil {
		value = raw
	}
	return &bridge.Reading{Board: testBoardID, Name: spec.Name, Raw: raw, Value: value, Source: source, At: time.Now().UTC()}
}

func (m *mockBoard) Get(_ context.Context, name string) (*bridge.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	spec, ok := m.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acqboard.ErrUnknownParameter, name)
	}
	raw, ok := m.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acqboard.ErrTimeout, name)
	}
	return m.reading(spec, raw, journal.SourceGet), nil
}

func (m *mockBoard) Set(_ context.Context, name string, value any) (*bridge.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	spec, ok := m.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", acqboard.ErrUnknownParameter, name)
	}
	text, err := spec.Format(value)
	if err != nil {
		return nil, err
	}
	m.values[name] = text
	return m.reading(spec, text, journal.SourceSet), nil
}

func (m *mockBoard) Fetch(_ context.Context, req bridge.FetchRequest) (*acqboard.FetchResult, error) {
	m.mu.Lock()
	chunks := m.fetchChunks
	res := m.fetchResult
	fetchErr := m.fetchErr
	m.fetchReq = req
	boardErr := m.err
	m.mu.Unlock()

	if boardErr != nil {
		return nil, boardErr
	}
	for _, c := range chunks {
		n, err := req.Sink.Write(c)
		if err != nil {
			return nil, err
		}
		res.Bytes += int64(n)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return &res, nil
}

func (m *mockBoard) Run(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ran = true
	return nil
}

func (m *mockBoard) ConfigureHistogram(_ context.Context, s acqboard.HistogramSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, err := m.specs[acqboard.ParamSamplingRate].Format(s.SamplingRate); err != nil {
		return err
	}
	m.histogram = &s
	return nil
}

func (m *mockBoard) Init(context.Context) (*acqboard.BoardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &acqboard.BoardStatus{Serial: 4242, State: "Idle", ResultAvailable: true}, nil
}

func (m *mockBoard) PopError(context.Context) (acqboard.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return acqboard.ErrorRecord{}, m.err
	}
	if len(m.pending) == 0 {
		return acqboard.NoErrors, nil
	}
	rec := m.pending[len(m.pending)-1]
	m.pending = m.pending[:len(m.pending)-1]
	return rec, nil
}

func (m *mockBoard) PendingErrors() ([]acqboard.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.pending), nil
}

func (m *mockBoard) Subscribe(fn func(bridge.Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *mockBoard) listenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *mockBoard) emit(ev bridge.Event) {
	m.mu.Lock()
	fns := make([]func(bridge.Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// mockJournal implements JournalReader.
type mockJournal struct {
	mu           sync.Mutex
	lastFilter   journal.ErrorFilter
	lastBoard    string
	errors       []journal.ErrorEntry
	acquisitions []journal.Acquisition
	params       []journal.ParameterValue
}

func (j *mockJournal) ListErrors(_ context.Context, filter journal.ErrorFilter) (*journal.ErrorList, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastFilter = filter
	return &journal.ErrorList{Errors: j.errors, Total: len(j.errors), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (j *mockJournal) ListAcquisitions(_ context.Context, board string, _ int) ([]journal.Acquisition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastBoard = board
	return j.acquisitions, nil
}

func (j *mockJournal) GetAcquisition(_ context.Context, id string) (*journal.Acquisition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.acquisitions {
		if j.acquisitions[i].ID == id {
			a := j.acquisitions[i]
			return &a, nil
		}
	}
	return nil, journal.ErrNotFound
}

func (j *mockJournal) LoadParameters(_ context.Context, board string) ([]journal.ParameterValue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastBoard = board
	return j.params, nil
}

// mockMQTT implements ConnectionChecker.
type mockMQTT struct{ connected bool }

func (m mockMQTT) IsConnected() bool { return m.connected }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server with mock dependencies. mutate may adjust
// the deps before New is called.
func testServer(t *testing.T, mutate func(*Deps)) (*Server, *mockBoard) {
	t.Helper()

	board := newMockBoard(t)
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:  testLogger(),
		Board:   board,
		Journal: &mockJournal{},
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, board
}
