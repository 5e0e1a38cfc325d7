package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// GetPublished returns messages published on topic.
func (m *MockMQTTClient) GetPublished(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers payload to the handler subscribed on topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for %s", topic)
	}
	return handler(topic, payload)
}

// mockBoard implements Board with an in-memory parameter table.
type mockBoard struct {
	mu       sync.Mutex
	reg      *acqboard.Registry
	values   map[string]string
	sets     []string
	errors   []acqboard.ErrorRecord
	fetch    *acqboard.FetchResult
	fetchErr error
	getErr   error
	runs     int
	onError  func(acqboard.ErrorRecord)
	done     chan struct{}
	closed   bool
	lost     error
}

func newMockBoard(t *testing.T) *mockBoard {
	t.Helper()
	specs, err := acqboard.Profile(acqboard.BoardADC8)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	reg, err := acqboard.NewRegistry(specs)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return &mockBoard{
		reg: reg,
		values: map[string]string{
			acqboard.ParamOpMode:       "Hist",
			acqboard.ParamSamplingRate: "2000",
			acqboard.ParamChanNb:       "1",
			acqboard.ParamBoardStatus:  "Idle",
		},
		done: make(chan struct{}),
	}
}

func (b *mockBoard) GetRaw(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return "", b.getErr
	}
	if _, err := b.reg.Get(name); err != nil {
		return "", err
	}
	v, ok := b.values[name]
	if !ok {
		return "", acqboard.ErrTimeout
	}
	return v, nil
}

func (b *mockBoard) Set(_ context.Context, name string, value any) error {
	p, err := b.reg.Get(name)
	if err != nil {
		return err
	}
	text, err := p.Format(value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[name] = text
	b.sets = append(b.sets, p.SetFrame(text))
	return nil
}

func (b *mockBoard) Parameter(name string) (acqboard.ParamSpec, error) {
	p, err := b.reg.Get(name)
	if err != nil {
		return acqboard.ParamSpec{}, err
	}
	return p.ParamSpec, nil
}

func (b *mockBoard) Parameters() []acqboard.ParamSpec { return b.reg.Specs() }

func (b *mockBoard) Cached(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[name]
	return v, ok
}

func (b *mockBoard) Fetch(_ context.Context, opts acqboard.FetchOptions) (*acqboard.FetchResult, error) {
	b.mu.Lock()
	res, err := b.fetch, b.fetchErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := *res
	if opts.Sink != nil && res.Location == acqboard.LocationRemote {
		if _, err := opts.Sink.Write(res.Data); err != nil {
			return nil, err
		}
		out.Data = nil
	}
	return &out, nil
}

func (b *mockBoard) Run(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs++
	return nil
}

func (b *mockBoard) ConfigureHistogram(ctx context.Context, s acqboard.HistogramSettings) error {
	if err := b.Set(ctx, acqboard.ParamOpMode, acqboard.ModeHist); err != nil {
		return err
	}
	if err := b.Set(ctx, acqboard.ParamSamplingRate, s.SamplingRate); err != nil {
		return err
	}
	return b.Set(ctx, acqboard.ParamChanNb, s.ChanNb)
}

func (b *mockBoard) Init(_ context.Context) (*acqboard.BoardStatus, error) {
	return &acqboard.BoardStatus{Serial: 42, State: "Idle", ResultAvailable: true}, nil
}

func (b *mockBoard) PopLatest() acqboard.ErrorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errors) == 0 {
		return acqboard.NoErrors
	}
	rec := b.errors[len(b.errors)-1]
	b.errors = b.errors[:len(b.errors)-1]
	return rec
}

func (b *mockBoard) PendingErrors() []acqboard.ErrorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]acqboard.ErrorRecord(nil), b.errors...)
}

func (b *mockBoard) BoardType() string { return acqboard.BoardADC8 }

func (b *mockBoard) Identify() string { return "Acq card,ADC8,SERIAL#" }

func (b *mockBoard) Stats() acqboard.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return acqboard.Stats{BoardType: acqboard.BoardADC8, Connected: !b.closed && b.lost == nil, Replies: 3, PendingErrors: len(b.errors)}
}

func (b *mockBoard) SetOnError(callback func(acqboard.ErrorRecord)) {
	b.mu.Lock()
	b.onError = callback
	b.mu.Unlock()
}

// raise simulates an asynchronous "@ERROR:..." frame.
func (b *mockBoard) raise(rec acqboard.ErrorRecord) {
	b.mu.Lock()
	b.errors = append(b.errors, rec)
	cb := b.onError
	b.mu.Unlock()
	if cb != nil {
		cb(rec)
	}
}

func (b *mockBoard) Done() <-chan struct{} { return b.done }

func (b *mockBoard) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lost
}

// drop simulates a transport failure.
func (b *mockBoard) drop(err error) {
	b.mu.Lock()
	b.lost = err
	b.mu.Unlock()
	close(b.done)
}

func (b *mockBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		if b.lost == nil {
			close(b.done)
		}
	}
	return nil
}

func (b *mockBoard) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// mockJournal records journal calls.
type mockJournal struct {
	mu           sync.Mutex
	errors       []*journal.ErrorEntry
	popped       int
	acquisitions []*journal.Acquisition
	parameters   []journal.ParameterValue
}

func (j *mockJournal) RecordError(_ context.Context, e *journal.ErrorEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, e)
	return nil
}

func (j *mockJournal) MarkLatestPopped(_ context.Context, _ string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.popped++
	return nil
}

func (j *mockJournal) RecordAcquisition(_ context.Context, a *journal.Acquisition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	a.ID = fmt.Sprintf("acq-%d", len(j.acquisitions)+1)
	j.acquisitions = append(j.acquisitions, a)
	return nil
}

func (j *mockJournal) SaveParameter(_ context.Context, v journal.ParameterValue) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.parameters = append(j.parameters, v)
	return nil
}

func (j *mockJournal) snapshot() (errs, popped, acqs, params int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.errors), j.popped, len(j.acquisitions), len(j.parameters)
}

// mockTelemetry counts telemetry writes.
type mockTelemetry struct {
	mu         sync.Mutex
	parameters []influxdb.ParameterReading
	transfers  []influxdb.TransferSummary
	errors     []influxdb.ErrorEvent
	stats      int
}

func (m *mockTelemetry) WriteParameter(r influxdb.ParameterReading) {
	m.mu.Lock()
	m.parameters = append(m.parameters, r)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteTransfer(s influxdb.TransferSummary) {
	m.mu.Lock()
	m.transfers = append(m.transfers, s)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteAsyncError(e influxdb.ErrorEvent) {
	m.mu.Lock()
	m.errors = append(m.errors, e)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteStats(string, map[string]uint64, time.Time) {
	m.mu.Lock()
	m.stats++
	m.mu.Unlock()
}

func (m *mockTelemetry) statsWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// harness bundles a started bridge with its mocks.
type harness struct {
	bridge    *Bridge
	board     *mockBoard
	mqtt      *MockMQTTClient
	journal   *mockJournal
	telemetry *mockTelemetry
}

const testBoardID = "adc8-lab"

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		board:     newMockBoard(t),
		mqtt:      NewMockMQTTClient(),
		journal:   &mockJournal{},
		telemetry: &mockTelemetry{},
	}
	opts := Options{
		BoardID:           testBoardID,
		Connection:        "tcp://127.0.0.1:5000",
		Version:           "test",
		Dial:              func(context.Context) (Board, error) { return h.board, nil },
		MQTT:              h.mqtt,
		QoS:               1,
		Journal:           h.journal,
		Telemetry:         h.telemetry,
		ReconnectInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	h.bridge = b
	return h
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", payload, err)
	}
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
