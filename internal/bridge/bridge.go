package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// Bridge operation defaults.
const (
	defaultReconnectInterval = 5 * time.Second
	defaultFetchTimeout      = 5 * time.Minute
	defaultHealthInterval    = 30 * time.Second

	// hookTimeout bounds journal writes made from board callbacks.
	hookTimeout = 5 * time.Second

	// commandQueueSize is the number of MQTT commands waiting for the worker.
	commandQueueSize = 32
)

// Board is the part of *acqboard.Client the bridge drives.
type Board interface {
	GetRaw(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name string, value any) error
	Parameter(name string) (acqboard.ParamSpec, error)
	Parameters() []acqboard.ParamSpec
	Cached(name string) (string, bool)
	Fetch(ctx context.Context, opts acqboard.FetchOptions) (*acqboard.FetchResult, error)
	Run(ctx context.Context) error
	ConfigureHistogram(ctx context.Context, s acqboard.HistogramSettings) error
	Init(ctx context.Context) (*acqboard.BoardStatus, error)
	PopLatest() acqboard.ErrorRecord
	PendingErrors() []acqboard.ErrorRecord
	BoardType() string
	Identify() string
	Stats() acqboard.Stats
	SetOnError(callback func(acqboard.ErrorRecord))
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a board connection. It is called at start and after every
// connection loss.
type Dialer func(ctx context.Context) (Board, error)

// MQTTClient is the subset of *mqtt.Client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Journal persists errors, acquisitions and parameter values.
// Satisfied by *journal.SQLiteRepository.
type Journal interface {
	RecordError(ctx context.Context, e *journal.ErrorEntry) error
	MarkLatestPopped(ctx context.Context, board string, at time.Time) error
	RecordAcquisition(ctx context.Context, a *journal.Acquisition) error
	SaveParameter(ctx context.Context, v journal.ParameterValue) error
}

// Telemetry records time series. Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteParameter(r influxdb.ParameterReading)
	WriteTransfer(s influxdb.TransferSummary)
	WriteAsyncError(e influxdb.ErrorEvent)
	WriteStats(board string, counters map[string]uint64, at time.Time)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// BoardID names the board in topics, journal rows and telemetry.
	BoardID string

	// Connection is the board URL, reported in health messages.
	Connection string

	// Version is the bridge software version.
	Version string

	// Dial opens the board connection. Required.
	Dial Dialer

	// MQTT is optional; without it nothing is published and no commands
	// are accepted from the bus.
	MQTT MQTTClient
	QoS  byte

	// Journal and Telemetry are optional.
	Journal   Journal
	Telemetry Telemetry

	Logger Logger

	// PollParameters are read every PollInterval and published as state.
	PollParameters []string
	PollInterval   time.Duration

	ReconnectInterval time.Duration
	FetchTimeout      time.Duration
	HealthInterval    time.Duration
}

// Reading is one parameter value seen by the bridge.
type Reading struct {
	Board  string    `json:"board"`
	Name   string    `json:"name"`
	Raw    string    `json:"raw"`
	Value  any       `json:"value"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Status is a snapshot of the board connection.
type Status struct {
	Board          string          `json:"board"`
	Connection     string          `json:"connection"`
	Connected      bool            `json:"connected"`
	BoardType      string          `json:"board_type,omitempty"`
	Identity       string          `json:"identity,omitempty"`
	ConnectedSince time.Time       `json:"connected_since"`
	LastError      string          `json:"last_error,omitempty"`
	Stats          *acqboard.Stats `json:"stats,omitempty"`
}

// FetchRequest describes a bulk fetch made through the bridge.
type FetchRequest struct {
	// Sink receives the payload. When nil the payload is kept in the result.
	Sink       io.Writer
	RemoteFile string
	Source     string
}

// Bridge connects one acquisition board to MQTT, the journal and telemetry.
// It owns the board connection: it dials at start, watches for loss and
// redials after ReconnectInterval.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts   Options
	topics mqtt.Topics
	health *HealthReporter

	boardMu        sync.RWMutex
	board          Board
	connectedSince time.Time
	lastErr        error

	// Last published raw value per parameter, for change detection.
	stateCache   map[string]string
	stateCacheMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int

	commands chan CommandMessage

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.BoardID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("board dialer is required")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		opts:       opts,
		stateCache: make(map[string]string),
		listeners:  make(map[int]func(Event)),
		commands:   make(chan CommandMessage, commandQueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	var publisher HealthPublisher
	if opts.MQTT != nil {
		publisher = opts.MQTT
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Topic:     b.topics.Health(opts.BoardID),
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: publisher,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to board commands, makes the first connection attempt
// and starts the background loops. A board that cannot be reached at start
// is retried in the background; only MQTT subscription failures are fatal.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.opts.MQTT != nil {
		topic := b.topics.Command(b.opts.BoardID)
		if err := b.opts.MQTT.Subscribe(topic, b.opts.QoS, b.handleCommandMessage); err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		b.logInfo("subscribed to commands", "topic", topic)
	}

	board := b.connect(ctx)

	b.wg.Add(2)
	go b.supervise(board)
	go b.commandWorker()

	if len(b.opts.PollParameters) > 0 && b.opts.PollInterval > 0 {
		b.wg.Add(1)
		go b.pollLoop()
	}

	b.health.Start(b.ctx)

	b.logInfo("bridge started",
		"board", b.opts.BoardID,
		"connected", board != nil,
		"poll_parameters", len(b.opts.PollParameters))
	return nil
}

// Stop shuts down the loops, closes the board connection and publishes a
// final "stopping" health status. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		if b.opts.MQTT != nil {
			if err := b.opts.MQTT.Unsubscribe(b.topics.Command(b.opts.BoardID)); err != nil {
				b.logDebug("unsubscribe commands failed", "error", err)
			}
		}

		b.wg.Wait()
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// connect dials the board and attaches it. Returns nil on failure.
func (b *Bridge) connect(ctx context.Context) Board {
	board, err := b.opts.Dial(ctx)
	if err != nil {
		b.boardMu.Lock()
		b.lastErr = err
		b.boardMu.Unlock()
		b.logWarn("board connection failed", "board", b.opts.BoardID, "error", err)
		return nil
	}
	b.attach(board)
	return board
}

// supervise watches the current connection and redials after loss.
func (b *Bridge) supervise(board Board) {
	defer b.wg.Done()

	for {
		if board == nil {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.opts.ReconnectInterval):
			}
			board = b.connect(b.ctx)
			continue
		}

		select {
		case <-board.Done():
			b.detach(board, board.Err())
			board.Close() //nolint:errcheck // listener already stopped
			board = nil
		case <-b.ctx.Done():
			b.detach(board, nil)
			board.Close() //nolint:errcheck // shutting down
			return
		}
	}
}

func (b *Bridge) attach(board Board) {
	board.SetOnError(b.handleBoardError)

	now := time.Now().UTC()
	b.boardMu.Lock()
	b.board = board
	b.connectedSince = now
	b.lastErr = nil
	b.boardMu.Unlock()

	b.stateCacheMu.Lock()
	clear(b.stateCache)
	b.stateCacheMu.Unlock()

	b.logInfo("board connected", "board", b.opts.BoardID, "board_type", board.BoardType())
	b.emit(Event{Type: EventConnection, Board: b.opts.BoardID, Timestamp: now, Data: b.Status()})
	if err := b.health.PublishNow(); err != nil {
		b.logDebug("health publish failed", "error", err)
	}
}

func (b *Bridge) detach(board Board, cause error) {
	b.boardMu.Lock()
	if b.board == board {
		b.board = nil
	}
	if cause != nil {
		b.lastErr = cause
	}
	b.boardMu.Unlock()

	if cause != nil {
		b.logWarn("board connection lost", "board", b.opts.BoardID, "error", cause)
	}
	b.emit(Event{Type: EventConnection, Board: b.opts.BoardID, Timestamp: time.Now().UTC(), Data: b.Status()})
	if err := b.health.PublishNow(); err != nil {
		b.logDebug("health publish failed", "error", err)
	}
}

// current returns the connected board or ErrBoardUnavailable.
func (b *Bridge) current() (Board, error) {
	select {
	case <-b.done:
		return nil, ErrStopped
	default:
	}

	b.boardMu.RLock()
	defer b.boardMu.RUnlock()
	if b.board == nil {
		if b.lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBoardUnavailable, b.lastErr)
		}
		return nil, ErrBoardUnavailable
	}
	return b.board, nil
}

// BoardID returns the configured board identifier.
func (b *Bridge) BoardID() string {
	return b.opts.BoardID
}

// Status returns a snapshot of the board connection.
func (b *Bridge) Status() Status {
	b.boardMu.RLock()
	board := b.board
	since := b.connectedSince
	lastErr := b.lastErr
	b.boardMu.RUnlock()

	s := Status{
		Board:      b.opts.BoardID,
		Connection: b.opts.Connection,
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	if board == nil {
		return s
	}

	stats := board.Stats()
	s.Connected = stats.Connected
	s.BoardType = board.BoardType()
	s.Identity = board.Identify()
	s.ConnectedSince = since
	s.Stats = &stats
	return s
}

// Parameters returns the parameter table of the connected board.
func (b *Bridge) Parameters() ([]acqboard.ParamSpec, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}
	return board.Parameters(), nil
}

// Get reads a parameter from the board and publishes it.
func (b *Bridge) Get(ctx context.Context, name string) (*Reading, error) {
	return b.read(ctx, name, journal.SourceGet)
}

func (b *Bridge) read(ctx context.Context, name, source string) (*Reading, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}
	raw, err := board.GetRaw(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.observe(board, name, raw, source), nil
}

// Set validates and writes a parameter, then publishes the written text.
func (b *Bridge) Set(ctx context.Context, name string, value any) (*Reading, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}
	spec, err := board.Parameter(name)
	if err != nil {
		return nil, err
	}
	text, err := spec.Format(value)
	if err != nil {
		return nil, err
	}
	if err := board.Set(ctx, name, value); err != nil {
		return nil, err
	}
	return b.observe(board, name, text, journal.SourceSet), nil
}

// observe fans one parameter value out to MQTT, telemetry, the journal and
// event listeners.
func (b *Bridge) observe(board Board, name, raw, source string) *Reading {
	r := &Reading{
		Board:  b.opts.BoardID,
		Name:   name,
		Raw:    raw,
		Value:  raw,
		Source: source,
		At:     time.Now().UTC(),
	}
	if spec, err := board.Parameter(name); err == nil {
		if v, err := spec.Parse(raw); err == nil {
			r.Value = v
		}
	}

	if b.stateChanged(name, raw) {
		b.publishJSON(b.topics.State(b.opts.BoardID, name), StateMessage{
			Board:     r.Board,
			Parameter: name,
			Raw:       raw,
			Value:     r.Value,
			Source:    source,
			Timestamp: r.At,
		}, true)
	}

	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteParameter(influxdb.ParameterReading{
			Board:     r.Board,
			BoardType: board.BoardType(),
			Name:      name,
			Value:     r.Value,
			At:        r.At,
		})
	}

	if b.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(b.ctx, hookTimeout)
		err := b.opts.Journal.SaveParameter(ctx, journal.ParameterValue{
			Board:     r.Board,
			Name:      name,
			Value:     raw,
			Source:    source,
			UpdatedAt: r.At,
		})
		cancel()
		if err != nil {
			b.logError("failed to journal parameter", err, "parameter", name)
		}
	}

	b.emit(Event{Type: EventParameter, Board: r.Board, Timestamp: r.At, Data: r})
	return r
}

// stateChanged records raw as the last published value and reports whether
// it differs from the previous one.
func (b *Bridge) stateChanged(name, raw string) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	if prev, ok := b.stateCache[name]; ok && prev == raw {
		return false
	}
	b.stateCache[name] = raw
	return true
}

// Fetch performs a bulk request, journals it as an acquisition and
// publishes a transfer summary. FetchTimeout applies when ctx has no
// deadline.
func (b *Bridge) Fetch(ctx context.Context, req FetchRequest) (*acqboard.FetchResult, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.FetchTimeout)
		defer cancel()
	}

	mode, _ := board.Cached(acqboard.ParamOpMode)
	started := time.Now().UTC()
	res, fetchErr := board.Fetch(ctx, acqboard.FetchOptions{Sink: req.Sink, RemoteFile: req.RemoteFile})
	finished := time.Now().UTC()

	acq := &journal.Acquisition{
		Board:      b.opts.BoardID,
		BoardType:  board.BoardType(),
		Mode:       mode,
		RemoteFile: req.RemoteFile,
		Status:     journal.StatusOK,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if res != nil {
		acq.Name = res.Name
		acq.Location = string(res.Location)
		acq.DataType = res.Type
		acq.Bytes = res.Bytes
		if res.RemoteFile != "" {
			acq.RemoteFile = res.RemoteFile
		}
	}
	if fetchErr != nil {
		acq.Status = journal.StatusFailed
		acq.Error = fetchErr.Error()
	}
	if mode == "" {
		// The board resolved the mode itself; it is cached now.
		acq.Mode, _ = board.Cached(acqboard.ParamOpMode)
	}

	if b.opts.Journal != nil {
		jctx, cancel := context.WithTimeout(b.ctx, hookTimeout)
		if err := b.opts.Journal.RecordAcquisition(jctx, acq); err != nil {
			b.logError("failed to journal acquisition", err)
		}
		cancel()
	}

	msg := TransferMessage{
		ID:         acq.ID,
		Board:      acq.Board,
		Name:       acq.Name,
		Location:   acq.Location,
		Type:       acq.DataType,
		RemoteFile: acq.RemoteFile,
		Bytes:      acq.Bytes,
		DurationMS: finished.Sub(started).Milliseconds(),
		Error:      acq.Error,
		Timestamp:  finished,
	}
	b.publishJSON(b.topics.Transfer(b.opts.BoardID), msg, false)

	if fetchErr == nil && b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteTransfer(influxdb.TransferSummary{
			Board:    acq.Board,
			Name:     acq.Name,
			Location: acq.Location,
			Type:     acq.DataType,
			Bytes:    acq.Bytes,
			Duration: finished.Sub(started),
			At:       finished,
		})
	}

	if fetchErr != nil {
		b.logWarn("fetch failed", "source", req.Source, "error", fetchErr)
	} else {
		b.logInfo("fetch complete", "source", req.Source, "location", acq.Location, "bytes", acq.Bytes)
	}

	b.emit(Event{Type: EventTransfer, Board: acq.Board, Timestamp: finished, Data: msg})

	if fetchErr != nil {
		return nil, fetchErr
	}
	return res, nil
}

// Run starts an acquisition with the current configuration.
func (b *Bridge) Run(ctx context.Context) error {
	board, err := b.current()
	if err != nil {
		return err
	}
	return board.Run(ctx)
}

// ConfigureHistogram applies the histogram settings sequence.
func (b *Bridge) ConfigureHistogram(ctx context.Context, s acqboard.HistogramSettings) error {
	board, err := b.current()
	if err != nil {
		return err
	}
	if err := board.ConfigureHistogram(ctx, s); err != nil {
		return err
	}
	for _, name := range []string{acqboard.ParamOpMode, acqboard.ParamSamplingRate, acqboard.ParamNbMsample, acqboard.ParamChanNb} {
		if raw, ok := board.Cached(name); ok {
			b.observe(board, name, raw, journal.SourceSet)
		}
	}
	return nil
}

// Init reads the board serial, state and result flag.
func (b *Bridge) Init(ctx context.Context) (*acqboard.BoardStatus, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}
	return board.Init(ctx)
}

// Identify returns the identification string of the connected board.
func (b *Bridge) Identify() (string, error) {
	board, err := b.current()
	if err != nil {
		return "", err
	}
	return board.Identify(), nil
}

// PopError removes and returns the newest pending board error, or
// acqboard.NoErrors. The journal entry is marked popped.
func (b *Bridge) PopError(ctx context.Context) (acqboard.ErrorRecord, error) {
	board, err := b.current()
	if err != nil {
		return acqboard.ErrorRecord{}, err
	}
	rec := board.PopLatest()
	if rec.IsNone() || b.opts.Journal == nil {
		return rec, nil
	}

	if err := b.opts.Journal.MarkLatestPopped(ctx, b.opts.BoardID, time.Now().UTC()); err != nil {
		b.logWarn("failed to mark journal error popped", "error", err)
	}
	return rec, nil
}

// PendingErrors returns the unpopped errors of the connected board, oldest
// first.
func (b *Bridge) PendingErrors() ([]acqboard.ErrorRecord, error) {
	board, err := b.current()
	if err != nil {
		return nil, err
	}
	return board.PendingErrors(), nil
}

// handleBoardError runs on the board client's event worker.
func (b *Bridge) handleBoardError(rec acqboard.ErrorRecord) {
	board := b.opts.BoardID

	if b.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(b.ctx, hookTimeout)
		if err := b.opts.Journal.RecordError(ctx, journal.EntryFromRecord(board, rec)); err != nil {
			b.logError("failed to journal board error", err)
		}
		cancel()
	}

	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteAsyncError(influxdb.ErrorEvent{
			Board:    board,
			Severity: rec.Severity.String(),
			Message:  rec.Message,
			At:       rec.ReceivedAt,
		})
	}

	msg := NewErrorMessage(board, rec)
	b.publishJSON(b.topics.Error(board), msg, false)
	b.emit(Event{Type: EventError, Board: board, Timestamp: rec.ReceivedAt, Data: msg})
}

// publishJSON publishes v when an MQTT client is configured.
func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	if b.opts.MQTT == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err, "topic", topic)
		return
	}
	if err := b.opts.MQTT.Publish(topic, payload, b.opts.QoS, retained); err != nil {
		b.logWarn("publish failed", "topic", topic, "error", err)
	}
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
